package http

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/policyshield/policyshield/internal/domain/approval"
	"github.com/policyshield/policyshield/internal/domain/rule"
	"github.com/policyshield/policyshield/internal/domain/session"
	"github.com/policyshield/policyshield/internal/domain/trace"
	"github.com/policyshield/policyshield/internal/service"
)

const blockRulesYAML = `
shield_name: gatekeeper
version: "1"
rules:
  - id: no-rm
    when:
      tool: exec
      args_match:
        command: {regex: "rm\\s+-rf"}
    then: block
    message: destructive command
`

const approveRulesYAML = `
shield_name: gatekeeper
version: "1"
rules:
  - id: deploy-gate
    when:
      tool: deploy
    then: approve
    message: production deploy needs signoff
`

// nopTraceStore satisfies trace.Store for transports whose tests never
// start the trace worker.
type nopTraceStore struct{}

func (nopTraceStore) Append(context.Context, ...trace.Record) error { return nil }
func (nopTraceStore) Flush(context.Context) error                   { return nil }
func (nopTraceStore) Close() error                                  { return nil }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// mustCompile parses and compiles a YAML rule-set or fails the test.
func mustCompile(t *testing.T, src string) *rule.CompiledSet {
	t.Helper()
	cs, err := rule.LoadBytes([]byte(src))
	if err != nil {
		t.Fatalf("LoadBytes() error: %v", err)
	}
	return cs
}

// newTestEngine wires an engine over an unstarted trace service.
func newTestEngine(t *testing.T, src string, opts ...service.EngineOption) (*service.ShieldEngine, *service.TraceService) {
	t.Helper()
	traces := service.NewTraceService(nopTraceStore{}, discardLogger(),
		service.WithChannelSize(4096),
		service.WithWarningThreshold(0),
	)
	eng, err := service.NewShieldEngine(mustCompile(t, src), session.NewStore(session.Config{}), traces, discardLogger(), opts...)
	if err != nil {
		t.Fatalf("NewShieldEngine() error: %v", err)
	}
	return eng, traces
}

// newTestServer serves a full transport over httptest. The returned
// Transport exposes the metrics registered by Handler for assertions.
func newTestServer(t *testing.T, src string, backend approval.Backend, topts []Option, eopts ...service.EngineOption) (*httptest.Server, *Transport) {
	t.Helper()
	eng, traces := newTestEngine(t, src, eopts...)
	opts := append([]Option{WithLogger(discardLogger())}, topts...)
	tr := NewTransport(eng, traces, backend, opts...)
	srv := httptest.NewServer(tr.Handler(prometheus.NewRegistry()))
	t.Cleanup(srv.Close)
	return srv, tr
}

// doJSON issues a request with an optional JSON body and extra headers.
func doJSON(t *testing.T, method, url, body string, hdr map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest() error: %v", err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s error: %v", method, url, err)
	}
	return resp
}

func decodeCheck(t *testing.T, resp *http.Response) service.CheckResult {
	t.Helper()
	defer resp.Body.Close()
	var out service.CheckResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode check response: %v", err)
	}
	return out
}

func TestTransport_CheckVerdicts(t *testing.T) {
	t.Parallel()

	srv, tr := newTestServer(t, blockRulesYAML, nil, nil)

	resp := doJSON(t, "POST", srv.URL+"/api/v1/check",
		`{"tool_name":"exec","args":{"command":"rm -rf /"},"session_id":"s1"}`, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200 (verdict goes in the body)", resp.StatusCode)
	}
	res := decodeCheck(t, resp)
	if res.Verdict != rule.VerdictBlock {
		t.Fatalf("verdict = %s, want BLOCK", res.Verdict)
	}
	if res.RuleID != "no-rm" {
		t.Errorf("rule_id = %q, want no-rm", res.RuleID)
	}
	if res.RequestID == "" {
		t.Error("request_id missing from response")
	}

	resp = doJSON(t, "POST", srv.URL+"/api/v1/check",
		`{"tool_name":"exec","args":{"command":"ls"},"session_id":"s1"}`, nil)
	res = decodeCheck(t, resp)
	if res.Verdict != rule.VerdictAllow {
		t.Fatalf("verdict = %s, want ALLOW", res.Verdict)
	}

	if got := testutil.ToFloat64(tr.metrics.ChecksTotal.WithLabelValues("BLOCK")); got != 1 {
		t.Errorf("checks_total{BLOCK} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(tr.metrics.ChecksTotal.WithLabelValues("ALLOW")); got != 1 {
		t.Errorf("checks_total{ALLOW} = %v, want 1", got)
	}
}

func TestTransport_CheckRejectsBadRequests(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, blockRulesYAML, nil, nil)

	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{"empty body", "", http.StatusUnprocessableEntity},
		{"invalid json", `{"tool_name":`, http.StatusUnprocessableEntity},
		{"missing tool_name", `{"args":{"command":"ls"}}`, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := doJSON(t, "POST", srv.URL+"/api/v1/check", tt.body, map[string]string{
				"Content-Type": "application/json",
			})
			defer resp.Body.Close()
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
		})
	}
}

func TestTransport_Routing(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, blockRulesYAML, nil, nil)

	resp := doJSON(t, "GET", srv.URL+"/api/v1/check", "", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET /check status = %d, want 405", resp.StatusCode)
	}

	resp = doJSON(t, "GET", srv.URL+"/api/v1/nope", "", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown path status = %d, want 404", resp.StatusCode)
	}

	resp = doJSON(t, "GET", srv.URL+"/metrics", "", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("GET /metrics status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "policyshield_rules_loaded") {
		t.Error("metrics output missing policyshield_rules_loaded gauge")
	}
}

func TestTransport_RequestIDHeader(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, blockRulesYAML, nil, nil)

	resp := doJSON(t, "POST", srv.URL+"/api/v1/check", `{"tool_name":"exec"}`, nil)
	resp.Body.Close()
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("generated X-Request-ID missing from response")
	}

	resp = doJSON(t, "POST", srv.URL+"/api/v1/check", `{"tool_name":"exec"}`, map[string]string{
		"X-Request-ID": "trace-me-42",
	})
	resp.Body.Close()
	if got := resp.Header.Get("X-Request-ID"); got != "trace-me-42" {
		t.Errorf("X-Request-ID = %q, want the caller's trace-me-42", got)
	}
}

func TestTransport_ContentTypeGate(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, blockRulesYAML, nil, nil)

	resp := doJSON(t, "POST", srv.URL+"/api/v1/check", `{"tool_name":"exec"}`, map[string]string{
		"Content-Type": "text/plain",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnsupportedMediaType {
		t.Errorf("status = %d, want 415", resp.StatusCode)
	}
}

func TestTransport_BodyLimit(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, blockRulesYAML, nil, []Option{WithMaxBodyBytes(128)})

	big := strings.Repeat("a", 512)
	resp := doJSON(t, "POST", srv.URL+"/api/v1/check",
		`{"tool_name":"exec","args":{"command":"`+big+`"}}`, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", resp.StatusCode)
	}
}

func TestTransport_BearerAuth(t *testing.T) {
	t.Parallel()

	srv, tr := newTestServer(t, blockRulesYAML, nil, []Option{
		WithAuthTokens("api-secret", "admin-secret"),
	})

	tests := []struct {
		name       string
		path       string
		hdr        map[string]string
		wantStatus int
	}{
		{"no token", "/api/v1/check", nil, http.StatusUnauthorized},
		{"wrong token", "/api/v1/check", map[string]string{"Authorization": "Bearer nope"}, http.StatusForbidden},
		{"api token on check", "/api/v1/check", map[string]string{"Authorization": "Bearer api-secret"}, http.StatusOK},
		{"api token on admin route", "/api/v1/kill", map[string]string{"Authorization": "Bearer api-secret"}, http.StatusForbidden},
		{"admin token on admin route", "/api/v1/resume", map[string]string{"Authorization": "Bearer admin-secret"}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := doJSON(t, "POST", srv.URL+tt.path, `{"tool_name":"exec"}`, tt.hdr)
			resp.Body.Close()
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
		})
	}

	if got := testutil.ToFloat64(tr.metrics.AuthFailures); got != 2 {
		t.Errorf("auth_failures_total = %v, want 2 (wrong token, api token on admin)", got)
	}
}

func TestTransport_HashedTokenAccepted(t *testing.T) {
	t.Parallel()

	// Config may hold sha256:<hex> instead of the raw token.
	srv, _ := newTestServer(t, blockRulesYAML, nil, []Option{
		WithAuthTokens("sha256:014c243ff960e87afc8482648f41e2084dce765aa062dcdcbf4e0e43c4db8a41", ""),
	})

	resp := doJSON(t, "POST", srv.URL+"/api/v1/check", `{"tool_name":"exec"}`, map[string]string{
		"Authorization": "Bearer api-secret",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status with matching raw token = %d, want 200", resp.StatusCode)
	}
}

func TestTransport_IdempotentReplay(t *testing.T) {
	t.Parallel()

	srv, tr := newTestServer(t, blockRulesYAML, nil, nil)

	body := `{"tool_name":"exec","args":{"command":"rm -rf /"},"session_id":"s1"}`
	hdr := map[string]string{IdempotencyHeader: "retry-key-1"}

	resp := doJSON(t, "POST", srv.URL+"/api/v1/check", body, hdr)
	first := decodeCheck(t, resp)
	if resp.Header.Get("X-Idempotent-Replay") != "" {
		t.Error("first request must not be a replay")
	}

	resp = doJSON(t, "POST", srv.URL+"/api/v1/check", body, hdr)
	if resp.Header.Get("X-Idempotent-Replay") != "true" {
		t.Error("second request missing X-Idempotent-Replay header")
	}
	second := decodeCheck(t, resp)
	if second.RequestID != first.RequestID {
		t.Errorf("replayed request_id = %q, want original %q", second.RequestID, first.RequestID)
	}

	// Same key, different body: a fresh check, not a replay.
	resp = doJSON(t, "POST", srv.URL+"/api/v1/check",
		`{"tool_name":"exec","args":{"command":"ls"},"session_id":"s1"}`, hdr)
	if resp.Header.Get("X-Idempotent-Replay") == "true" {
		t.Error("different body replayed a cached response")
	}
	resp.Body.Close()

	if got := testutil.ToFloat64(tr.metrics.IdempotentHits); got != 1 {
		t.Errorf("idempotent_replays_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(tr.metrics.ChecksTotal.WithLabelValues("BLOCK")); got != 1 {
		t.Errorf("checks_total{BLOCK} = %v, want 1 (replay must not re-enter the engine)", got)
	}
}

func TestTransport_KillAndResume(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, blockRulesYAML, nil, nil)

	resp := doJSON(t, "POST", srv.URL+"/api/v1/kill", `{"reason":"incident 1234"}`, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("kill status = %d, want 200", resp.StatusCode)
	}

	resp = doJSON(t, "POST", srv.URL+"/api/v1/check",
		`{"tool_name":"exec","args":{"command":"ls"}}`, nil)
	res := decodeCheck(t, resp)
	if res.Verdict != rule.VerdictBlock {
		t.Fatalf("verdict under kill switch = %s, want BLOCK", res.Verdict)
	}
	if !strings.Contains(res.Message, "incident 1234") {
		t.Errorf("block message %q should carry the kill reason", res.Message)
	}

	resp = doJSON(t, "POST", srv.URL+"/api/v1/resume", "", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("resume status = %d, want 200", resp.StatusCode)
	}

	resp = doJSON(t, "POST", srv.URL+"/api/v1/check",
		`{"tool_name":"exec","args":{"command":"ls"}}`, nil)
	if res := decodeCheck(t, resp); res.Verdict != rule.VerdictAllow {
		t.Errorf("verdict after resume = %s, want ALLOW", res.Verdict)
	}
}

func TestTransport_ReloadSwapsRules(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	if err := os.WriteFile(path, []byte(blockRulesYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	cs, err := rule.LoadPath(path)
	if err != nil {
		t.Fatalf("LoadPath() error: %v", err)
	}

	traces := service.NewTraceService(nopTraceStore{}, discardLogger(),
		service.WithChannelSize(4096), service.WithWarningThreshold(0))
	eng, err := service.NewShieldEngine(cs, session.NewStore(session.Config{}), traces, discardLogger(),
		service.WithRulesPath(path))
	if err != nil {
		t.Fatalf("NewShieldEngine() error: %v", err)
	}
	tr := NewTransport(eng, traces, nil, WithLogger(discardLogger()))
	srv := httptest.NewServer(tr.Handler(prometheus.NewRegistry()))
	defer srv.Close()

	updated := blockRulesYAML + `
  - id: no-sudo
    when:
      tool: exec
      args_match:
        command: {regex: "^sudo\\b"}
    then: block
`
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatal(err)
	}

	resp := doJSON(t, "POST", srv.URL+"/api/v1/reload", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reload status = %d, want 200", resp.StatusCode)
	}
	var rr reloadResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		t.Fatalf("decode reload response: %v", err)
	}
	resp.Body.Close()
	if rr.RulesCount != 2 {
		t.Errorf("rules_count = %d, want 2", rr.RulesCount)
	}
	if rr.Hash == cs.Source.Hash {
		t.Error("hash unchanged after reload of edited file")
	}

	// A broken edit keeps the previous rule-set serving.
	if err := os.WriteFile(path, []byte("rules: ["), 0o644); err != nil {
		t.Fatal(err)
	}
	resp = doJSON(t, "POST", srv.URL+"/api/v1/reload", "", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("broken reload status = %d, want 500", resp.StatusCode)
	}
	resp = doJSON(t, "POST", srv.URL+"/api/v1/check",
		`{"tool_name":"exec","args":{"command":"sudo ls"}}`, nil)
	if res := decodeCheck(t, resp); res.RuleID != "no-sudo" {
		t.Errorf("rule_id after broken reload = %q, want no-sudo still enforced", res.RuleID)
	}
}

func TestTransport_ClearTaint(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, blockRulesYAML, nil, nil)

	resp := doJSON(t, "POST", srv.URL+"/api/v1/clear-taint", `{"session_id":"s9"}`, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	resp2 := doJSON(t, "POST", srv.URL+"/api/v1/clear-taint", `{}`, nil)
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("missing session_id status = %d, want 422", resp2.StatusCode)
	}
}

func TestTransport_ConstraintsSummary(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, blockRulesYAML, nil, nil)

	resp := doJSON(t, "GET", srv.URL+"/api/v1/constraints", "", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var out struct {
		Summary string `json:"summary"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode constraints: %v", err)
	}
	for _, want := range []string{"ENFORCE", "exec", "destructive command"} {
		if !strings.Contains(out.Summary, want) {
			t.Errorf("summary %q missing %q", out.Summary, want)
		}
	}
}

func TestTransport_PendingApprovalsWithoutBackend(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, blockRulesYAML, nil, nil)

	resp := doJSON(t, "GET", srv.URL+"/api/v1/pending-approvals", "", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var pending []approval.Request
	if err := json.NewDecoder(resp.Body).Decode(&pending); err != nil {
		t.Fatalf("decode pending: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("pending = %d, want empty list", len(pending))
	}
}

func TestTransport_ApprovalFlow(t *testing.T) {
	t.Parallel()

	mem := approval.NewInMemory(time.Minute, time.Hour)
	srv, _ := newTestServer(t, approveRulesYAML, mem, nil,
		service.WithApprovalBackend("memory", mem),
		service.WithApprovalTimeout(10*time.Second),
	)

	type checkOut struct {
		res    service.CheckResult
		status int
	}
	done := make(chan checkOut, 1)
	go func() {
		resp := doJSON(t, "POST", srv.URL+"/api/v1/check",
			`{"tool_name":"deploy","args":{"env":"prod"},"session_id":"s1"}`, nil)
		done <- checkOut{res: decodeCheck(t, resp), status: resp.StatusCode}
	}()

	// Wait for the check goroutine's request to surface as pending.
	var pending []approval.Request
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp := doJSON(t, "GET", srv.URL+"/api/v1/pending-approvals", "", nil)
		pending = nil
		if err := json.NewDecoder(resp.Body).Decode(&pending); err != nil {
			t.Fatalf("decode pending: %v", err)
		}
		resp.Body.Close()
		if len(pending) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for the approval request to appear")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if pending[0].ToolName != "deploy" || pending[0].RuleID != "deploy-gate" {
		t.Fatalf("pending = %+v, want deploy/deploy-gate", pending[0])
	}

	resp := doJSON(t, "POST", srv.URL+"/api/v1/respond-approval",
		`{"approval_id":"`+pending[0].ID+`","approved":true,"responder":"alice"}`, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("respond status = %d, want 200", resp.StatusCode)
	}

	out := <-done
	if out.status != http.StatusOK {
		t.Fatalf("check status = %d, want 200", out.status)
	}
	if out.res.Verdict != rule.VerdictAllow {
		t.Fatalf("verdict after approval = %s, want ALLOW", out.res.Verdict)
	}
	if !strings.Contains(out.res.Message, "alice") {
		t.Errorf("message %q should name the responder", out.res.Message)
	}
	if out.res.ApprovalID != pending[0].ID {
		t.Errorf("approval_id = %q, want %q", out.res.ApprovalID, pending[0].ID)
	}

	// Status endpoint reports the terminal state.
	resp = doJSON(t, "POST", srv.URL+"/api/v1/check-approval",
		`{"approval_id":"`+pending[0].ID+`"}`, nil)
	var st approvalStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	resp.Body.Close()
	if st.Status != string(approval.StatusApproved) || st.Responder != "alice" {
		t.Errorf("status = %s by %q, want approved by alice", st.Status, st.Responder)
	}
}

func TestTransport_ApprovalWaitHitsRequestTimeout(t *testing.T) {
	t.Parallel()

	mem := approval.NewInMemory(time.Minute, time.Hour)
	srv, _ := newTestServer(t, approveRulesYAML, mem,
		[]Option{WithRequestTimeout(50 * time.Millisecond)},
		service.WithApprovalBackend("memory", mem),
		service.WithApprovalTimeout(10*time.Second),
	)

	resp := doJSON(t, "POST", srv.URL+"/api/v1/check",
		`{"tool_name":"deploy","session_id":"s1"}`, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, want 504 when the wait outlives the request timeout", resp.StatusCode)
	}
}

func TestTransport_ApprovalRequiredWithoutBackend(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, approveRulesYAML, nil, nil)

	resp := doJSON(t, "POST", srv.URL+"/api/v1/check",
		`{"tool_name":"deploy","session_id":"s1"}`, nil)
	res := decodeCheck(t, resp)
	if res.Verdict != rule.VerdictBlock {
		t.Fatalf("verdict = %s, want BLOCK when no backend is configured", res.Verdict)
	}
	if !strings.Contains(res.Message, "no approval backend") {
		t.Errorf("message %q should explain the missing backend", res.Message)
	}
}

func TestTransport_SlackInteractNotConfigured(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, blockRulesYAML, nil, nil)

	resp := doJSON(t, "POST", srv.URL+"/api/v1/slack/interact", "", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404 without an interaction resolver", resp.StatusCode)
	}
}

func TestTransport_CORSPreflight(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, blockRulesYAML, nil, []Option{
		WithCORSOrigins([]string{"http://localhost:3000"}),
	})

	resp := doJSON(t, "OPTIONS", srv.URL+"/api/v1/check", "", map[string]string{
		"Origin":                         "http://localhost:3000",
		"Access-Control-Request-Method":  "POST",
		"Access-Control-Request-Headers": "Content-Type",
	})
	resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("Access-Control-Allow-Origin = %q, want the configured origin", got)
	}

	// Unlisted origins get no CORS grant.
	resp = doJSON(t, "OPTIONS", srv.URL+"/api/v1/check", "", map[string]string{
		"Origin":                        "http://evil.example",
		"Access-Control-Request-Method": "POST",
	})
	resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Access-Control-Allow-Origin = %q for unlisted origin, want empty", got)
	}
}

func TestTransport_PostCheck(t *testing.T) {
	t.Parallel()

	taintYAML := blockRulesYAML + `
taint_chain:
  enabled: true
  outgoing_tools: [send_message]
`
	srv, _ := newTestServer(t, taintYAML, nil, nil)

	resp := doJSON(t, "POST", srv.URL+"/api/v1/post-check",
		`{"tool_name":"db_query","result":"card 4111 1111 1111 1111","session_id":"s1"}`, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("post-check status = %d, want 200", resp.StatusCode)
	}
	var pc service.PostCheckResult
	if err := json.NewDecoder(resp.Body).Decode(&pc); err != nil {
		t.Fatalf("decode post-check: %v", err)
	}
	resp.Body.Close()
	if len(pc.PIITypes) == 0 {
		t.Fatal("pii_types empty, want the card number detected")
	}
	if strings.Contains(pc.RedactedOutput, "1111 1111") {
		t.Errorf("redacted_output %q still carries card digits", pc.RedactedOutput)
	}

	// The tainted session loses the outgoing tool until taint is cleared.
	resp = doJSON(t, "POST", srv.URL+"/api/v1/check",
		`{"tool_name":"send_message","args":{"text":"hi"},"session_id":"s1"}`, nil)
	if res := decodeCheck(t, resp); res.Verdict != rule.VerdictBlock {
		t.Fatalf("tainted session verdict = %s, want BLOCK", res.Verdict)
	}

	resp = doJSON(t, "POST", srv.URL+"/api/v1/clear-taint", `{"session_id":"s1"}`, nil)
	resp.Body.Close()

	resp = doJSON(t, "POST", srv.URL+"/api/v1/check",
		`{"tool_name":"send_message","args":{"text":"hi"},"session_id":"s1"}`, nil)
	if res := decodeCheck(t, resp); res.Verdict != rule.VerdictAllow {
		t.Errorf("verdict after clear-taint = %s, want ALLOW", res.Verdict)
	}
}
