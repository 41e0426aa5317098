// Package ws bridges a browser terminal to a session over a websocket. The
// browser is the terminal side: what it types is consumed by the line
// discipline and the inbound queue (echo and consumer output) is streamed
// back to it.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/peterje/ttymux/internal/control"
	"github.com/peterje/ttymux/internal/metrics"
	"github.com/peterje/ttymux/internal/registry"
	"github.com/peterje/ttymux/internal/session"
	"github.com/peterje/ttymux/internal/termios"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// controlMsg is a text message from the browser.
type controlMsg struct {
	Type string `json:"type"` // "resize" or "attributes"
	Data struct {
		Rows uint16 `json:"rows"`
		Cols uint16 `json:"cols"`

		Settings []string `json:"settings"`
	} `json:"data"`
}

type Handler struct {
	reg     *registry.Registry
	metrics *metrics.Metrics
}

func NewHandler(reg *registry.Registry, m *metrics.Metrics) *Handler {
	return &Handler{reg: reg, metrics: m}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := log.With().Str("component", "ws").Logger()

	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid session id", http.StatusBadRequest)
		return
	}
	sess, err := h.reg.Get(session.ID(id))
	if err != nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	logger = logger.With().Uint64("session", id).Logger()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn().Err(err).Msg("upgrade failed")
		return
	}
	defer conn.Close()

	logger.Info().Msg("client connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var (
		wg      sync.WaitGroup
		writeMu sync.Mutex
	)
	done := make(chan struct{})

	// Inbound queue -> WebSocket
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			data, err := sess.ReadInbound(ctx)
			if err != nil {
				return
			}
			writeMu.Lock()
			err = conn.WriteMessage(websocket.BinaryMessage, data)
			writeMu.Unlock()
			if err != nil {
				logger.Debug().Err(err).Msg("write to client failed")
				return
			}
		}
	}()

	// WebSocket -> line discipline (binary = input, text = control)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(done)
		for {
			msgType, msg, err := conn.ReadMessage()
			if err != nil {
				logger.Debug().Err(err).Msg("read from client failed")
				return
			}
			switch msgType {
			case websocket.BinaryMessage:
				events, err := sess.Consume(ctx, msg)
				h.metrics.Input(len(msg), events)
				if err != nil {
					logger.Debug().Err(err).Msg("consume")
				}
				if err := control.Apply(sess, events); err != nil {
					logger.Debug().Err(err).Msg("apply control events")
				}
			case websocket.TextMessage:
				h.handleControl(sess, msg)
			}
		}
	}()

	select {
	case <-done:
		logger.Info().Msg("client disconnected")
	case <-sess.Done():
		logger.Info().Msg("session ended")
		writeMu.Lock()
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"))
		writeMu.Unlock()
	}

	cancel()
	conn.Close()
	wg.Wait()
}

func (h *Handler) handleControl(sess *session.Session, msg []byte) {
	var m controlMsg
	if err := json.Unmarshal(msg, &m); err != nil {
		return
	}
	switch m.Type {
	case "resize":
		ws := sess.WindowSize()
		ws.Rows, ws.Cols = m.Data.Rows, m.Data.Cols
		sess.SetWindowSize(ws)
	case "attributes":
		attr, err := termios.Apply(sess.Attributes(), m.Data.Settings)
		if err != nil {
			log.Debug().Err(err).Str("component", "ws").Msg("bad attribute settings")
			return
		}
		sess.SetAttributes(attr)
	}
}
