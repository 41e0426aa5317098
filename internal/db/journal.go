package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/peterje/ttymux/internal/session"
	"github.com/peterje/ttymux/internal/termios"
)

// Record is one journal row.
type Record struct {
	SessionID  uint64              `json:"session_id"`
	CreatedAt  time.Time           `json:"created_at"`
	RemovedAt  *time.Time          `json:"removed_at,omitempty"`
	Attributes *termios.Attributes `json:"attributes,omitempty"`
	Winsize    *termios.WindowSize `json:"winsize,omitempty"`
	Command    string              `json:"command,omitempty"`
}

// Journal records session lifetimes. It implements registry.Observer.
// Write failures are logged, never returned to the registry.
type Journal struct {
	db  *sql.DB
	log zerolog.Logger

	mu   sync.Mutex
	live map[session.ID]*session.Session
}

func NewJournal(database *sql.DB) *Journal {
	return &Journal{
		db:   database,
		log:  log.With().Str("component", "journal").Logger(),
		live: make(map[session.ID]*session.Session),
	}
}

// Reconcile closes rows left open by a previous run that did not shut down
// cleanly and returns how many it closed.
func (j *Journal) Reconcile() (int64, error) {
	result, err := j.db.Exec(`UPDATE sessions SET removed_at = CURRENT_TIMESTAMP WHERE removed_at IS NULL`)
	if err != nil {
		return 0, fmt.Errorf("reconcile sessions: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		j.log.Info().Int64("count", n).Msg("closed stale journal rows")
	}
	return n, nil
}

func (j *Journal) SessionAllocated(sess *session.Session) {
	j.mu.Lock()
	j.live[sess.ID()] = sess
	j.mu.Unlock()

	attr, ws := encodeState(sess)
	_, err := j.db.Exec(
		`INSERT INTO sessions (id, created_at, attributes, winsize) VALUES (?, ?, ?, ?)`,
		int64(sess.ID()), sess.CreatedAt().UTC(), attr, ws,
	)
	if err != nil {
		j.log.Error().Err(err).Uint64("session", uint64(sess.ID())).Msg("journal allocate")
	}
}

// SessionRemoved closes the open row for id, saving the session's final
// attributes and window size.
func (j *Journal) SessionRemoved(id session.ID) {
	j.mu.Lock()
	sess := j.live[id]
	delete(j.live, id)
	j.mu.Unlock()

	var err error
	if sess != nil {
		attr, ws := encodeState(sess)
		_, err = j.db.Exec(
			`UPDATE sessions SET removed_at = ?, attributes = ?, winsize = ? WHERE id = ? AND removed_at IS NULL`,
			time.Now().UTC(), attr, ws, int64(id),
		)
	} else {
		_, err = j.db.Exec(
			`UPDATE sessions SET removed_at = ? WHERE id = ? AND removed_at IS NULL`,
			time.Now().UTC(), int64(id),
		)
	}
	if err != nil {
		j.log.Error().Err(err).Uint64("session", uint64(id)).Msg("journal remove")
	}
}

// SetCommand notes the command started on session id.
func (j *Journal) SetCommand(id session.ID, command []string) error {
	_, err := j.db.Exec(
		`UPDATE sessions SET command = ? WHERE id = ? AND removed_at IS NULL`,
		strings.Join(command, " "), int64(id),
	)
	if err != nil {
		return fmt.Errorf("journal command: %w", err)
	}
	return nil
}

// History returns up to limit rows, newest first.
func (j *Journal) History(limit int) ([]Record, error) {
	rows, err := j.db.Query(
		`SELECT id, created_at, removed_at, attributes, winsize, command
		 FROM sessions ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		var (
			r         Record
			id        int64
			removedAt sql.NullTime
			attr, ws  string
		)
		if err := rows.Scan(&id, &r.CreatedAt, &removedAt, &attr, &ws, &r.Command); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		r.SessionID = uint64(id)
		if removedAt.Valid {
			t := removedAt.Time
			r.RemovedAt = &t
		}
		if attr != "" {
			var a termios.Attributes
			if err := json.Unmarshal([]byte(attr), &a); err == nil {
				r.Attributes = &a
			}
		}
		if ws != "" {
			var w termios.WindowSize
			if err := json.Unmarshal([]byte(ws), &w); err == nil {
				r.Winsize = &w
			}
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func encodeState(sess *session.Session) (attr, ws string) {
	a, _ := json.Marshal(sess.Attributes())
	w, _ := json.Marshal(sess.WindowSize())
	return string(a), string(w)
}
