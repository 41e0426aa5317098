package server

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/peterje/ttymux/internal/metrics"
	"github.com/peterje/ttymux/internal/models"
)

func get(t *testing.T, url, token string) *http.Response {
	t.Helper()
	req, _ := http.NewRequest(http.MethodGet, url, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHTTP_Health(t *testing.T) {
	srv, reg := newTestServer(t,
		WithAuthToken("secret"),
		WithShellStatus(models.ShellStatus{Name: "sh", Installed: true, Path: "/bin/sh"}),
	)
	reg.Allocate(1)
	hs := httptest.NewServer(srv.Handler())
	defer hs.Close()

	resp := get(t, hs.URL+"/api/health", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d", resp.StatusCode)
	}
	var health models.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if health.Status != "ok" || health.Sessions != 1 || !health.Shell.Installed {
		t.Errorf("health = %+v", health)
	}
}

func TestHTTP_Auth(t *testing.T) {
	srv, _ := newTestServer(t, WithAuthToken("secret"))
	hs := httptest.NewServer(srv.Handler())
	defer hs.Close()

	tests := []struct {
		name  string
		url   string
		token string
		want  int
	}{
		{"no token", hs.URL + "/api/sessions", "", http.StatusUnauthorized},
		{"wrong token", hs.URL + "/api/sessions", "nope", http.StatusUnauthorized},
		{"bearer", hs.URL + "/api/sessions", "secret", http.StatusOK},
		{"query", hs.URL + "/api/sessions?token=secret", "", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := get(t, tt.url, tt.token).StatusCode; got != tt.want {
				t.Errorf("status = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestHTTP_Metrics(t *testing.T) {
	srv, _ := newTestServer(t, WithMetrics(metrics.New()))
	hs := httptest.NewServer(srv.Handler())
	defer hs.Close()

	c := pipeClient(t, srv)
	if err := c.Ping(testCtx(t)); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	resp := get(t, hs.URL+"/metrics", "")
	body, _ := io.ReadAll(resp.Body)
	for _, want := range []string{"ttymux_connections 1", `ttymux_frames_received_total{type="control"} 1`} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics missing %q", want)
		}
	}
}
