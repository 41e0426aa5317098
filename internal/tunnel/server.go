// Package tunnel multiplexes protocol connections over a single websocket
// with yamux, for peers that can only reach the server over HTTP(S).
package tunnel

import (
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/yamux"
	"github.com/rs/zerolog/log"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler returns the HTTP handler for the tunnel endpoint. Every stream the
// peer opens is handed to serve, which owns it.
func Handler(serve func(net.Conn)) http.HandlerFunc {
	logger := log.With().Str("component", "tunnel").Logger()
	return func(w http.ResponseWriter, r *http.Request) {
		wsConn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn().Err(err).Msg("upgrade failed")
			return
		}

		// The connecting peer opens streams, so this side is the yamux server.
		session, err := yamux.Server(NewWSConn(wsConn), yamuxConfig())
		if err != nil {
			logger.Error().Err(err).Msg("yamux server")
			wsConn.Close()
			return
		}
		defer session.Close()

		logger.Info().Str("remote", r.RemoteAddr).Msg("tunnel connected")
		for {
			stream, err := session.Accept()
			if err != nil {
				break
			}
			go serve(stream)
		}
		logger.Info().Str("remote", r.RemoteAddr).Msg("tunnel disconnected")
	}
}

func yamuxConfig() *yamux.Config {
	cfg := yamux.DefaultConfig()
	cfg.LogOutput = nil
	cfg.Logger = yamuxLogger{}
	return cfg
}

// yamuxLogger routes yamux's log lines into zerolog at debug level.
type yamuxLogger struct{}

func (yamuxLogger) Print(v ...interface{}) {
	log.Debug().Str("component", "yamux").Msg(fmt.Sprint(v...))
}

func (yamuxLogger) Printf(format string, v ...interface{}) {
	log.Debug().Str("component", "yamux").Msgf(format, v...)
}

func (yamuxLogger) Println(v ...interface{}) {
	log.Debug().Str("component", "yamux").Msg(strings.TrimSuffix(fmt.Sprintln(v...), "\n"))
}
