package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/peterje/ttymux/internal/registry"
	"github.com/peterje/ttymux/internal/session"
)

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func WriteError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps registry and session errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, registry.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrDuplicateID):
		return http.StatusConflict
	case errors.Is(err, session.ErrSessionClosed):
		return http.StatusGone
	case errors.Is(err, session.ErrOutboundFull):
		return http.StatusTooManyRequests
	}
	return http.StatusInternalServerError
}
