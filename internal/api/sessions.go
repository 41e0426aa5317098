package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/peterje/ttymux/internal/control"
	"github.com/peterje/ttymux/internal/models"
	"github.com/peterje/ttymux/internal/registry"
	"github.com/peterje/ttymux/internal/session"
	"github.com/peterje/ttymux/internal/termios"
)

// maxInputBody bounds a single input request.
const maxInputBody = 1 << 20

// Spawner starts a consumer process attached to a session.
type Spawner interface {
	Spawn(id session.ID, command []string) error
}

type SessionsHandler struct {
	reg          *registry.Registry
	spawner      Spawner
	drainTimeout time.Duration
}

func NewSessionsHandler(reg *registry.Registry, spawner Spawner, drainTimeout time.Duration) *SessionsHandler {
	return &SessionsHandler{reg: reg, spawner: spawner, drainTimeout: drainTimeout}
}

// Routes mounts the session endpoints on r.
func (h *SessionsHandler) Routes(r chi.Router) {
	r.Get("/", h.HandleList)
	r.Post("/", h.HandleCreate)
	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", h.HandleGet)
		r.Delete("/", h.HandleDelete)
		r.Get("/attributes", h.HandleGetAttributes)
		r.Put("/attributes", h.HandleSetAttributes)
		r.Get("/winsize", h.HandleGetWinsize)
		r.Put("/winsize", h.HandleSetWinsize)
		r.Post("/input", h.HandleInput)
		r.Get("/drain", h.HandleDrain)
	})
}

func (h *SessionsHandler) session(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid session id")
		return nil, false
	}
	sess, err := h.reg.Get(session.ID(id))
	if err != nil {
		WriteError(w, statusFor(err), err.Error())
		return nil, false
	}
	return sess, true
}

func (h *SessionsHandler) HandleList(w http.ResponseWriter, _ *http.Request) {
	sessions := []models.SessionInfo{}
	for _, id := range h.reg.List() {
		sess, err := h.reg.Get(id)
		if err != nil {
			continue // removed since List
		}
		sessions = append(sessions, models.NewSessionInfo(sess))
	}
	WriteJSON(w, http.StatusOK, sessions)
}

func (h *SessionsHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var body models.CreateSessionRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
			WriteError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
	}
	if len(body.Command) > 0 && h.spawner == nil {
		WriteError(w, http.StatusBadRequest, "this server does not spawn commands")
		return
	}

	var (
		sess *session.Session
		err  error
	)
	if body.SessionID == 0 {
		sess, err = h.reg.AllocateNext()
	} else {
		sess, err = h.reg.Allocate(session.ID(body.SessionID))
	}
	if err != nil {
		WriteError(w, statusFor(err), err.Error())
		return
	}

	if len(body.Command) > 0 {
		if err := h.spawner.Spawn(sess.ID(), body.Command); err != nil {
			h.reg.Remove(sess.ID())
			WriteError(w, http.StatusInternalServerError, fmt.Sprintf("spawn: %v", err))
			return
		}
	}

	log.Info().Str("component", "api").Uint64("session", uint64(sess.ID())).Strs("command", body.Command).Msg("session created")
	WriteJSON(w, http.StatusCreated, models.NewSessionInfo(sess))
}

func (h *SessionsHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	WriteJSON(w, http.StatusOK, models.NewSessionInfo(sess))
}

func (h *SessionsHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	if err := h.reg.Remove(sess.ID()); err != nil {
		WriteError(w, statusFor(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *SessionsHandler) HandleGetAttributes(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	writeAttributes(w, sess.Attributes())
}

func (h *SessionsHandler) HandleSetAttributes(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}

	var body models.AttributesRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	var attr termios.Attributes
	switch {
	case body.Attributes != nil:
		attr = *body.Attributes
	case len(body.Settings) > 0:
		var err error
		attr, err = termios.Apply(sess.Attributes(), body.Settings)
		if err != nil {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
	default:
		WriteError(w, http.StatusBadRequest, "attributes or settings is required")
		return
	}

	sess.SetAttributes(attr)
	writeAttributes(w, attr)
}

func writeAttributes(w http.ResponseWriter, attr termios.Attributes) {
	WriteJSON(w, http.StatusOK, models.AttributesResponse{
		Attributes: attr,
		Flags:      termios.FlagNames(attr),
	})
}

func (h *SessionsHandler) HandleGetWinsize(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	WriteJSON(w, http.StatusOK, sess.WindowSize())
}

func (h *SessionsHandler) HandleSetWinsize(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	var ws termios.WindowSize
	if err := json.NewDecoder(r.Body).Decode(&ws); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	sess.SetWindowSize(ws)
	WriteJSON(w, http.StatusOK, ws)
}

// HandleInput feeds the raw request body through the session's line
// discipline, as if typed at the terminal.
func (h *SessionsHandler) HandleInput(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, maxInputBody))
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	events, err := sess.Consume(r.Context(), data)
	if applyErr := control.Apply(sess, events); applyErr != nil && err == nil {
		err = applyErr
	}
	if err != nil {
		WriteError(w, statusFor(err), err.Error())
		return
	}

	WriteJSON(w, http.StatusOK, models.InputResponse{
		Events:  events,
		Pending: sess.Stats().Pending,
		Cooked:  string(sess.Cooked()),
	})
}

// HandleDrain long-polls for the next outbound entry. The entry is the
// response body; 204 means nothing arrived before the timeout.
func (h *SessionsHandler) HandleDrain(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}

	timeout := h.drainTimeout
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			WriteError(w, http.StatusBadRequest, "timeout must be a duration")
			return
		}
		if d < timeout {
			timeout = d
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	entry, err := sess.Drain(ctx)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		w.WriteHeader(http.StatusNoContent)
		return
	case err != nil:
		WriteError(w, statusFor(err), err.Error())
		return
	}

	if r.Context().Err() != nil {
		sess.Unread(entry)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("X-Entry-Length", strconv.Itoa(len(entry)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(entry); err != nil {
		sess.Unread(entry)
	}
}
