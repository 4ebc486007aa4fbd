package opsserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"groupcast/internal/orchestrator"
)

type fakeRuns struct {
	paused map[string]bool
}

func (f *fakeRuns) Active() []orchestrator.Status {
	return []orchestrator.Status{{Identity: "alice", IsRunning: true, State: orchestrator.StateRunning}}
}

func (f *fakeRuns) Status(identity string) (orchestrator.Status, bool) {
	if identity != "alice" {
		return orchestrator.Status{Identity: identity, State: orchestrator.StateIdle}, false
	}
	st := orchestrator.Status{Identity: "alice", IsRunning: true, State: orchestrator.StateRunning}
	if f.paused["alice"] {
		st.IsPaused, st.State = true, orchestrator.StatePaused
	}
	return st, true
}

func (f *fakeRuns) Recent(limit int) []orchestrator.RunResult {
	out := []orchestrator.RunResult{{RunID: "r2"}, {RunID: "r1"}}
	return out[:min(limit, len(out))]
}

func (f *fakeRuns) Cooldowns() []orchestrator.CooldownView { return nil }

func (f *fakeRuns) Pause(identity string) error {
	if identity != "alice" {
		return orchestrator.ErrNoActiveRun
	}
	f.paused[identity] = true
	return nil
}

func (f *fakeRuns) Resume(identity string) error {
	if identity != "alice" {
		return orchestrator.ErrNoActiveRun
	}
	f.paused[identity] = false
	return nil
}

func (f *fakeRuns) Cancel(string) error { return orchestrator.ErrNoActiveRun }

func newTestServer(cfg Config, health func(context.Context) error) (*Server, *fakeRuns) {
	runs := &fakeRuns{paused: map[string]bool{}}
	return New(cfg, Deps{
		Runs:     runs,
		Gatherer: prometheus.NewRegistry(),
		Health:   health,
		Extra:    func(context.Context) map[string]any { return map[string]any{"jobs": 3} },
	}), runs
}

func do(t *testing.T, h http.Handler, method, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestTokenGuardsStatusButNotHealth(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(Config{Token: "s3cret"}, nil)
	h := s.Handler()

	tests := []struct {
		path, token string
		want        int
	}{
		{"/healthz", "", http.StatusOK},
		{"/metrics", "", http.StatusOK},
		{"/status", "", http.StatusUnauthorized},
		{"/status", "wrong", http.StatusUnauthorized},
		{"/status", "s3cret", http.StatusOK},
		{"/status?token=s3cret", "", http.StatusOK},
	}
	for _, tc := range tests {
		if got := do(t, h, http.MethodGet, tc.path, tc.token).Code; got != tc.want {
			t.Fatalf("GET %s (token %q) = %d, want %d", tc.path, tc.token, got, tc.want)
		}
	}
}

func TestStatusIncludesExtraSections(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(Config{}, nil)
	rec := do(t, s.Handler(), http.MethodGet, "/status", "")
	var body map[string]json.RawMessage
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	for _, key := range []string{"active", "cooldowns", "jobs", "time"} {
		if _, ok := body[key]; !ok {
			t.Fatalf("status missing %q: %s", key, rec.Body.String())
		}
	}
}

func TestRunControls(t *testing.T) {
	t.Parallel()

	s, runs := newTestServer(Config{}, nil)
	h := s.Handler()

	rec := do(t, h, http.MethodPost, "/runs/alice/pause", "")
	if rec.Code != http.StatusOK || !runs.paused["alice"] {
		t.Fatalf("pause = %d %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"is_paused": true`) {
		t.Fatalf("pause body = %s", rec.Body.String())
	}
	if got := do(t, h, http.MethodPost, "/runs/bob/cancel", "").Code; got != http.StatusNotFound {
		t.Fatalf("cancel without run = %d, want 404", got)
	}
	if got := do(t, h, http.MethodPost, "/runs/alice/explode", "").Code; got != http.StatusNotFound {
		t.Fatalf("unknown action = %d, want 404", got)
	}
	if got := do(t, h, http.MethodGet, "/runs/bob", "").Code; got != http.StatusNotFound {
		t.Fatalf("status without run = %d, want 404", got)
	}
	if got := do(t, h, http.MethodGet, "/runs?limit=1", "").Body.String(); !strings.Contains(got, "r2") || strings.Contains(got, "r1") {
		t.Fatalf("recent = %s", got)
	}
}

func TestHealthFailureIs503(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(Config{}, func(context.Context) error { return errors.New("store unreachable") })
	if got := do(t, s.Handler(), http.MethodGet, "/healthz", "").Code; got != http.StatusServiceUnavailable {
		t.Fatalf("healthz = %d, want 503", got)
	}
}

func TestRunRefusesPublicAddrWithoutToken(t *testing.T) {
	t.Parallel()

	s := New(Config{Addr: "0.0.0.0:0"}, Deps{})
	if err := s.Run(context.Background()); !errors.Is(err, ErrInsecureAddr) {
		t.Fatalf("Run = %v, want ErrInsecureAddr", err)
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()

	tests := map[string]bool{
		"127.0.0.1:9464": true,
		"localhost:1":    true,
		"[::1]:9464":     true,
		":9464":          false,
		"10.0.0.5:9464":  false,
		"garbage":        false,
	}
	for addr, want := range tests {
		if got := isLoopbackAddr(addr); got != want {
			t.Fatalf("isLoopbackAddr(%q) = %v, want %v", addr, got, want)
		}
	}
}
