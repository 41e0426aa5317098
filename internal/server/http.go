package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/peterje/ttymux/internal/api"
	"github.com/peterje/ttymux/internal/models"
	"github.com/peterje/ttymux/internal/tunnel"
	"github.com/peterje/ttymux/internal/ws"
)

// Handler returns the HTTP front end.
func (s *Server) Handler() http.Handler {
	sessions := api.NewSessionsHandler(s.reg, s.spawner, s.drainTimeout)
	wsHandler := ws.NewHandler(s.reg, s.metrics)

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)

	r.Get("/api/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Route("/api/sessions", sessions.Routes)
		r.Method(http.MethodGet, "/ws/session/{id}", wsHandler)
		r.Get("/tunnel", tunnel.Handler(s.ServeConn))
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	api.WriteJSON(w, http.StatusOK, models.HealthResponse{
		Status:   "ok",
		Sessions: s.reg.Len(),
		Shell:    s.shell,
	})
}
