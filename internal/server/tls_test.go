package server

import (
	"bytes"
	"crypto/tls"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestTLSConfig_SelfSignedIsCached(t *testing.T) {
	dir := t.TempDir()

	first, err := TLSConfig("", "", dir)
	if err != nil {
		t.Fatalf("TLSConfig: %v", err)
	}
	if len(first.Certificates) != 1 {
		t.Fatalf("got %d certificates, want 1", len(first.Certificates))
	}
	if _, err := os.Stat(filepath.Join(dir, "tls", "cert.pem")); err != nil {
		t.Fatalf("certificate not cached: %v", err)
	}

	second, err := TLSConfig("", "", dir)
	if err != nil {
		t.Fatalf("second TLSConfig: %v", err)
	}
	if !bytes.Equal(first.Certificates[0].Certificate[0], second.Certificates[0].Certificate[0]) {
		t.Error("cached certificate was regenerated")
	}
}

func TestTLSConfig_LoadsGivenPair(t *testing.T) {
	dir := t.TempDir()
	if _, err := TLSConfig("", "", dir); err != nil {
		t.Fatalf("TLSConfig: %v", err)
	}
	cert := filepath.Join(dir, "tls", "cert.pem")
	key := filepath.Join(dir, "tls", "key.pem")

	if _, err := TLSConfig(cert, key, t.TempDir()); err != nil {
		t.Errorf("loading explicit pair: %v", err)
	}
	if _, err := TLSConfig(cert, filepath.Join(dir, "missing.pem"), dir); err == nil {
		t.Error("loading a missing key succeeded")
	}
}

func TestTLSConfig_RenewsExpiringCert(t *testing.T) {
	dir := t.TempDir()
	short, err := cachedCert(filepath.Join(dir, "tls"), 24*time.Hour)
	if err != nil {
		t.Fatalf("cachedCert: %v", err)
	}

	cfg, err := TLSConfig("", "", dir)
	if err != nil {
		t.Fatalf("TLSConfig: %v", err)
	}
	leaf := cfg.Certificates[0]
	if bytes.Equal(leaf.Certificate[0], short.Certificate[0]) {
		t.Fatal("certificate close to expiry was not renewed")
	}
	if leaf.Leaf == nil || time.Until(leaf.Leaf.NotAfter) < certRenewBefore {
		t.Errorf("renewed certificate expires too soon")
	}
	if cfg.MinVersion != tls.VersionTLS12 {
		t.Errorf("MinVersion = %#x, want TLS 1.2", cfg.MinVersion)
	}
}
