package models

import (
	"time"

	"github.com/peterje/ttymux/internal/ldisc"
	"github.com/peterje/ttymux/internal/session"
	"github.com/peterje/ttymux/internal/termios"
)

type SessionInfo struct {
	ID         uint64             `json:"id"`
	CreatedAt  time.Time          `json:"created_at"`
	Attributes termios.Attributes `json:"attributes"`
	Flags      []string           `json:"flags"`
	Winsize    termios.WindowSize `json:"winsize"`
	Stats      session.Stats      `json:"stats"`
}

// NewSessionInfo snapshots sess.
func NewSessionInfo(sess *session.Session) SessionInfo {
	attr := sess.Attributes()
	return SessionInfo{
		ID:         uint64(sess.ID()),
		CreatedAt:  sess.CreatedAt(),
		Attributes: attr,
		Flags:      termios.FlagNames(attr),
		Winsize:    sess.WindowSize(),
		Stats:      sess.Stats(),
	}
}

type CreateSessionRequest struct {
	// Zero picks the next free id.
	SessionID uint64   `json:"session_id"`
	Command   []string `json:"command"`
}

type AttributesRequest struct {
	Attributes *termios.Attributes `json:"attributes"`
	Settings   []string            `json:"settings"`
}

type AttributesResponse struct {
	Attributes termios.Attributes `json:"attributes"`
	Flags      []string           `json:"flags"`
}

type InputResponse struct {
	Events  []ldisc.Event `json:"events"`
	Pending int           `json:"pending"`
	Cooked  string        `json:"cooked"`
}

type ShellStatus struct {
	Name      string `json:"name"`
	Installed bool   `json:"installed"`
	Path      string `json:"path,omitempty"`
}

type HealthResponse struct {
	Status   string      `json:"status"`
	Sessions int         `json:"sessions"`
	Shell    ShellStatus `json:"shell"`
}
