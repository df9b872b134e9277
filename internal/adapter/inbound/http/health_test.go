package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/policyshield/policyshield/internal/domain/approval"
)

// stubBackend reports a fixed health state and rejects everything else.
type stubBackend struct {
	health approval.Health
}

func (s stubBackend) Submit(context.Context, approval.Request) error { return nil }
func (s stubBackend) WaitFor(context.Context, string, time.Duration) (approval.Resolution, bool) {
	return approval.Resolution{}, false
}
func (s stubBackend) Respond(string, bool, string, string) (approval.Resolution, error) {
	return approval.Resolution{}, approval.ErrNotFound
}
func (s stubBackend) Status(string) (approval.Status, approval.Resolution, error) {
	return approval.StatusPending, approval.Resolution{}, approval.ErrNotFound
}
func (s stubBackend) Pending() []approval.Request { return nil }
func (s stubBackend) Health() approval.Health     { return s.health }

func TestHealthChecker_Summary(t *testing.T) {
	t.Parallel()

	eng, traces := newTestEngine(t, blockRulesYAML)
	hc := NewHealthChecker(eng, traces, nil)

	got := hc.Summary()
	if got.Status != "ok" {
		t.Errorf("Status = %q, want ok", got.Status)
	}
	if got.ShieldName != "gatekeeper" {
		t.Errorf("ShieldName = %q, want gatekeeper", got.ShieldName)
	}
	if got.Mode != "ENFORCE" {
		t.Errorf("Mode = %q, want ENFORCE", got.Mode)
	}
	if got.RulesCount != 1 {
		t.Errorf("RulesCount = %d, want 1", got.RulesCount)
	}
}

func TestHealthChecker_Ready(t *testing.T) {
	t.Parallel()

	eng, traces := newTestEngine(t, blockRulesYAML)
	hc := NewHealthChecker(eng, traces, nil)

	got := hc.Ready()
	if !got.Ready {
		t.Fatalf("Ready = false, checks: %v", got.Checks)
	}
	if got.Checks["kill_switch"] != "ok" {
		t.Errorf(`checks["kill_switch"] = %q, want ok`, got.Checks["kill_switch"])
	}
	if got.Checks["approval"] != "not configured" {
		t.Errorf(`checks["approval"] = %q, want not configured`, got.Checks["approval"])
	}
	if !strings.HasPrefix(got.Checks["trace"], "ok:") {
		t.Errorf(`checks["trace"] = %q, want ok prefix`, got.Checks["trace"])
	}
	if !strings.Contains(got.Checks["rules"], "1 rules") {
		t.Errorf(`checks["rules"] = %q, want rule count`, got.Checks["rules"])
	}
}

func TestHealthChecker_ReadyKillSwitch(t *testing.T) {
	t.Parallel()

	eng, traces := newTestEngine(t, blockRulesYAML)
	hc := NewHealthChecker(eng, traces, nil)

	eng.Kill("maintenance window")
	got := hc.Ready()
	if got.Ready {
		t.Fatal("Ready = true while the kill switch is engaged")
	}
	if !strings.Contains(got.Checks["kill_switch"], "maintenance window") {
		t.Errorf(`checks["kill_switch"] = %q, want the engage reason`, got.Checks["kill_switch"])
	}

	eng.Resume()
	if got := hc.Ready(); !got.Ready {
		t.Errorf("Ready = false after resume, checks: %v", got.Checks)
	}
}

func TestHealthChecker_ReadyBackendDown(t *testing.T) {
	t.Parallel()

	eng, traces := newTestEngine(t, blockRulesYAML)
	hc := NewHealthChecker(eng, traces, stubBackend{
		health: approval.Health{OK: false, Backend: "slack", Detail: "circuit breaker open"},
	})

	got := hc.Ready()
	if got.Ready {
		t.Fatal("Ready = true with an unhealthy approval backend")
	}
	if got.Checks["approval"] != "degraded: circuit breaker open" {
		t.Errorf(`checks["approval"] = %q, want the backend detail`, got.Checks["approval"])
	}

	healthy := NewHealthChecker(eng, traces, stubBackend{
		health: approval.Health{OK: true, Backend: "slack"},
	})
	if got := healthy.Ready(); got.Checks["approval"] != "ok: slack" {
		t.Errorf(`checks["approval"] = %q, want ok: slack`, got.Checks["approval"])
	}
}

func TestHealthChecker_ReadyNoTraces(t *testing.T) {
	t.Parallel()

	eng, _ := newTestEngine(t, blockRulesYAML)
	hc := NewHealthChecker(eng, nil, nil)

	got := hc.Ready()
	if !got.Ready {
		t.Fatalf("Ready = false without a trace service, checks: %v", got.Checks)
	}
	if got.Checks["trace"] != "not configured" {
		t.Errorf(`checks["trace"] = %q, want not configured`, got.Checks["trace"])
	}
}

func TestReadyEndpoint(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, blockRulesYAML, nil, nil)

	resp := doJSON(t, "GET", srv.URL+"/api/v1/readyz", "", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /readyz = %d, want 200", resp.StatusCode)
	}

	resp = doJSON(t, "POST", srv.URL+"/api/v1/kill", `{"reason":"drill"}`, nil)
	resp.Body.Close()

	resp = doJSON(t, "GET", srv.URL+"/api/v1/readyz", "", nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("GET /readyz under kill = %d, want 503", resp.StatusCode)
	}
	var ready ReadyResponse
	if err := json.NewDecoder(resp.Body).Decode(&ready); err != nil {
		t.Fatalf("decode readyz: %v", err)
	}
	resp.Body.Close()
	if ready.Ready {
		t.Error("ready = true in a 503 body")
	}
}

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, blockRulesYAML, nil, nil)

	for _, path := range []string{"/api/v1/health", "/api/v1/livez"} {
		resp := doJSON(t, "GET", srv.URL+path, "", nil)
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s = %d, want 200", path, resp.StatusCode)
		}
		var hr HealthResponse
		if err := json.NewDecoder(resp.Body).Decode(&hr); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
		resp.Body.Close()
		if hr.ShieldName != "gatekeeper" {
			t.Errorf("%s shield_name = %q, want gatekeeper", path, hr.ShieldName)
		}
	}
}
