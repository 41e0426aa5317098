package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/peterje/ttymux/internal/session"
)

const prefix = "TTYMUX"

type Settings struct {
	ListenAddr string `envconfig:"LISTEN_ADDR" default:""`
	SocketPath string `envconfig:"SOCKET_PATH" default:""`
	HTTPAddr   string `envconfig:"HTTP_ADDR" default:"127.0.0.1:8800"`
	DataDir    string `envconfig:"DATA_DIR" default:""`
	AuthToken  string `envconfig:"AUTH_TOKEN" default:""`
	TLSEnabled bool   `envconfig:"TLS_ENABLED" default:"false"`
	TLSCert    string `envconfig:"TLS_CERT" default:""`
	TLSKey     string `envconfig:"TLS_KEY" default:""`
	LogLevel   string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat  string `envconfig:"LOG_FORMAT" default:"console"`
	Shell      string `envconfig:"SHELL" default:""`

	// Session settings
	OutboundLimit int           `envconfig:"OUTBOUND_LIMIT" default:"1024"`
	Overflow      string        `envconfig:"OVERFLOW" default:"block"`
	DrainTimeout  time.Duration `envconfig:"DRAIN_TIMEOUT" default:"30s"`
}

// Load reads settings from TTYMUX_* environment variables and fills in the
// defaults that depend on the host.
func Load() (Settings, error) {
	var s Settings
	if err := envconfig.Process(prefix, &s); err != nil {
		return s, fmt.Errorf("load config: %w", err)
	}
	if s.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return s, fmt.Errorf("resolve data dir: %w", err)
		}
		s.DataDir = filepath.Join(home, ".ttymux")
	}
	if s.SocketPath == "" {
		s.SocketPath = filepath.Join(s.DataDir, "ttymux.sock")
	}
	if s.Shell == "" {
		s.Shell = os.Getenv("SHELL")
	}
	if s.Shell == "" {
		s.Shell = "/bin/sh"
	}
	return s, s.Validate()
}

// Validate checks settings that envconfig cannot.
func (s Settings) Validate() error {
	if s.OutboundLimit < 0 {
		return fmt.Errorf("OUTBOUND_LIMIT must not be negative")
	}
	if _, err := session.ParseOverflow(s.Overflow); err != nil {
		return err
	}
	if s.DrainTimeout <= 0 {
		return fmt.Errorf("DRAIN_TIMEOUT must be positive")
	}
	if (s.TLSCert == "") != (s.TLSKey == "") {
		return fmt.Errorf("TLS_CERT and TLS_KEY must be set together")
	}
	switch s.LogFormat {
	case "console", "json":
	default:
		return fmt.Errorf("LOG_FORMAT must be console or json, got %q", s.LogFormat)
	}
	return nil
}

// SessionOptions returns the options applied to every allocated session.
func (s Settings) SessionOptions() []session.Option {
	overflow, _ := session.ParseOverflow(s.Overflow)
	return []session.Option{
		session.WithOutboundLimit(s.OutboundLimit),
		session.WithOverflow(overflow),
	}
}
