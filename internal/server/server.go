// Package server exposes the session registry over the framed protocol and
// over HTTP.
package server

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/peterje/ttymux/internal/api"
	"github.com/peterje/ttymux/internal/metrics"
	"github.com/peterje/ttymux/internal/models"
	"github.com/peterje/ttymux/internal/registry"
)

// Option configures a Server.
type Option func(*Server)

// WithMetrics records connection and traffic metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithSpawner lets HTTP clients start a command on a new session.
func WithSpawner(sp api.Spawner) Option {
	return func(s *Server) { s.spawner = sp }
}

// WithShellStatus is reported by the health endpoint.
func WithShellStatus(st models.ShellStatus) Option {
	return func(s *Server) { s.shell = st }
}

// WithAuthToken requires token on every HTTP endpoint except health and
// metrics.
func WithAuthToken(token string) Option {
	return func(s *Server) { s.authToken = token }
}

// WithDrainTimeout bounds how long an HTTP drain request waits.
func WithDrainTimeout(d time.Duration) Option {
	return func(s *Server) { s.drainTimeout = d }
}

// Server accepts protocol connections and serves the HTTP front end.
type Server struct {
	reg          *registry.Registry
	metrics      *metrics.Metrics
	spawner      api.Spawner
	shell        models.ShellStatus
	authToken    string
	drainTimeout time.Duration
	log          zerolog.Logger

	mu        sync.Mutex
	closed    bool
	listeners map[net.Listener]struct{}
	conns     map[*conn]struct{}
	wg        sync.WaitGroup
}

// New returns a server over reg.
func New(reg *registry.Registry, opts ...Option) *Server {
	s := &Server{
		reg:          reg,
		drainTimeout: 30 * time.Second,
		log:          log.With().Str("component", "server").Logger(),
		listeners:    make(map[net.Listener]struct{}),
		conns:        make(map[*conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Registry returns the registry the server exposes.
func (s *Server) Registry() *registry.Registry {
	return s.reg
}

// Serve accepts connections on ln until ln is closed or Close is called.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return net.ErrClosed
	}
	s.listeners[ln] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.listeners, ln)
		s.mu.Unlock()
	}()

	s.log.Info().Str("addr", ln.Addr().String()).Msg("listening")
	for {
		nc, err := ln.Accept()
		if err != nil {
			if s.isClosed() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go s.ServeConn(nc)
	}
}

// ServeConn runs the protocol on nc until the peer goes away. Sessions
// allocated over nc are removed when it ends.
func (s *Server) ServeConn(nc net.Conn) {
	c := newConn(s, nc)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		nc.Close()
		return
	}
	s.conns[c] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	s.metrics.ConnOpened()
	defer func() {
		s.metrics.ConnClosed()
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		s.wg.Done()
	}()

	c.serve()
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close stops every listener and connection and waits for the connection
// handlers to finish.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for ln := range s.listeners {
		ln.Close()
	}
	for c := range s.conns {
		c.cancel()
		c.nc.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	return nil
}
