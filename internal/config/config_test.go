package config

import (
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TTYMUX_DATA_DIR", dir)
	t.Setenv("TTYMUX_SHELL", "/bin/bash")

	s, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.HTTPAddr != "127.0.0.1:8800" {
		t.Errorf("HTTPAddr = %q", s.HTTPAddr)
	}
	if s.SocketPath != filepath.Join(dir, "ttymux.sock") {
		t.Errorf("SocketPath = %q", s.SocketPath)
	}
	if s.OutboundLimit != 1024 || s.Overflow != "block" || s.DrainTimeout != 30*time.Second {
		t.Errorf("session settings = %d %q %v", s.OutboundLimit, s.Overflow, s.DrainTimeout)
	}
	if s.Shell != "/bin/bash" {
		t.Errorf("Shell = %q", s.Shell)
	}
	if len(s.SessionOptions()) != 2 {
		t.Errorf("SessionOptions = %d options, want 2", len(s.SessionOptions()))
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("TTYMUX_DATA_DIR", t.TempDir())
	t.Setenv("TTYMUX_LISTEN_ADDR", ":7000")
	t.Setenv("TTYMUX_OUTBOUND_LIMIT", "8")
	t.Setenv("TTYMUX_OVERFLOW", "drop")
	t.Setenv("TTYMUX_DRAIN_TIMEOUT", "5s")
	t.Setenv("TTYMUX_LOG_FORMAT", "json")

	s, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.ListenAddr != ":7000" || s.OutboundLimit != 8 || s.Overflow != "drop" || s.DrainTimeout != 5*time.Second || s.LogFormat != "json" {
		t.Errorf("settings = %+v", s)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"overflow", "TTYMUX_OVERFLOW", "spill"},
		{"negative limit", "TTYMUX_OUTBOUND_LIMIT", "-1"},
		{"limit not a number", "TTYMUX_OUTBOUND_LIMIT", "many"},
		{"zero drain timeout", "TTYMUX_DRAIN_TIMEOUT", "0s"},
		{"log format", "TTYMUX_LOG_FORMAT", "xml"},
		{"cert without key", "TTYMUX_TLS_CERT", "/tmp/cert.pem"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("TTYMUX_DATA_DIR", t.TempDir())
			t.Setenv(tt.key, tt.val)
			if _, err := Load(); err == nil {
				t.Errorf("Load with %s=%q succeeded", tt.key, tt.val)
			}
		})
	}
}
