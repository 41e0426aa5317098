package tunnel

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/yamux"
)

// Session is the client end of a tunnel. Each Open returns a new stream
// that speaks the protocol independently of the others.
type Session struct {
	mux *yamux.Session
}

// Dial connects to a tunnel endpoint (ws:// or wss://). token, when set, is
// sent as a bearer token.
func Dial(url, token string, insecure bool) (*Session, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		TLSClientConfig:  &tls.Config{InsecureSkipVerify: insecure},
	}

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	wsConn, _, err := dialer.Dial(url, header)
	if err != nil {
		return nil, fmt.Errorf("dial tunnel: %w", err)
	}

	mux, err := yamux.Client(NewWSConn(wsConn), yamuxConfig())
	if err != nil {
		wsConn.Close()
		return nil, fmt.Errorf("yamux client: %w", err)
	}
	return &Session{mux: mux}, nil
}

// Open opens a new stream.
func (s *Session) Open() (net.Conn, error) {
	return s.mux.Open()
}

// Close tears down the tunnel and every stream on it.
func (s *Session) Close() error {
	return s.mux.Close()
}

// Done is closed when the tunnel goes away.
func (s *Session) Done() <-chan struct{} {
	return s.mux.CloseChan()
}
