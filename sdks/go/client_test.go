package policyshield

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"
)

func TestCheckAllow(t *testing.T) {
	var receivedBody CheckRequest
	var receivedIdem string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/check" {
			t.Errorf("unexpected path: %s", r.URL.Path)
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method: %s", r.Method)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if r.Header.Get("Authorization") != "Bearer test-token" {
			t.Errorf("unexpected auth header: %s", r.Header.Get("Authorization"))
		}
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("unexpected content-type: %s", r.Header.Get("Content-Type"))
		}
		receivedIdem = r.Header.Get("X-Idempotency-Key")

		if err := json.NewDecoder(r.Body).Decode(&receivedBody); err != nil {
			t.Fatalf("failed to decode request body: %v", err)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(CheckResponse{
			Verdict:   VerdictAllow,
			Message:   "no matching rule; default verdict",
			RequestID: "req-123",
		})
	}))
	defer server.Close()

	client := NewClient(
		WithAddr(server.URL),
		WithAPIToken("test-token"),
	)

	resp, err := client.Check(context.Background(), CheckRequest{
		ToolName:       "exec",
		Args:           map[string]any{"command": "ls /tmp"},
		SessionID:      "agent-1",
		Sender:         "planner",
		IdempotencyKey: "retry-9",
	})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Verdict != VerdictAllow {
		t.Errorf("expected ALLOW, got %s", resp.Verdict)
	}
	if resp.RequestID != "req-123" {
		t.Errorf("expected req-123, got %s", resp.RequestID)
	}

	if receivedBody.ToolName != "exec" {
		t.Errorf("expected tool_name=exec, got %s", receivedBody.ToolName)
	}
	if receivedBody.Args["command"] != "ls /tmp" {
		t.Errorf("expected command arg, got %v", receivedBody.Args)
	}
	if receivedBody.SessionID != "agent-1" {
		t.Errorf("expected session_id=agent-1, got %s", receivedBody.SessionID)
	}
	if receivedBody.Sender != "planner" {
		t.Errorf("expected sender=planner, got %s", receivedBody.Sender)
	}
	if receivedIdem != "retry-9" {
		t.Errorf("expected X-Idempotency-Key=retry-9, got %q", receivedIdem)
	}
}

func TestCheckBlock(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(CheckResponse{
			Verdict:   VerdictBlock,
			Message:   "BLOCK: tool \"exec\" denied by rule \"no-rm\"\nReason: destructive command\nSuggestion: adjust the arguments",
			RuleID:    "no-rm",
			RequestID: "req-456",
		})
	}))
	defer server.Close()

	client := NewClient(WithAddr(server.URL), WithAPIToken("test-token"))

	_, err := client.Check(context.Background(), CheckRequest{
		ToolName: "exec",
		Args:     map[string]any{"command": "rm -rf /"},
	})

	if err == nil {
		t.Fatal("expected error on BLOCK verdict")
	}
	if !errors.Is(err, ErrBlocked) {
		t.Errorf("expected errors.Is(ErrBlocked), got: %v", err)
	}

	var blocked *BlockedError
	if !errors.As(err, &blocked) {
		t.Fatalf("expected *BlockedError, got %T", err)
	}
	if blocked.RuleID != "no-rm" {
		t.Errorf("expected rule no-rm, got %s", blocked.RuleID)
	}
	if blocked.RequestID != "req-456" {
		t.Errorf("expected req-456, got %s", blocked.RequestID)
	}
}

func TestCheckRedact(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(CheckResponse{
			Verdict:      VerdictRedact,
			Message:      "REDACT: masked email in args for tool \"send_message\"; proceeding with masked values",
			RuleID:       "mask-pii",
			ModifiedArgs: map[string]any{"to": "j***@corp.com"},
			PIITypes:     []string{"email"},
			RequestID:    "req-789",
		})
	}))
	defer server.Close()

	client := NewClient(WithAddr(server.URL), WithAPIToken("test-token"))

	resp, err := client.Check(context.Background(), CheckRequest{
		ToolName: "send_message",
		Args:     map[string]any{"to": "john@corp.com"},
	})

	if err != nil {
		t.Fatalf("REDACT must not be an error, got: %v", err)
	}
	if resp.Verdict != VerdictRedact {
		t.Errorf("expected REDACT, got %s", resp.Verdict)
	}
	if resp.ModifiedArgs["to"] != "j***@corp.com" {
		t.Errorf("expected masked args, got %v", resp.ModifiedArgs)
	}
	if len(resp.PIITypes) != 1 || resp.PIITypes[0] != "email" {
		t.Errorf("expected pii_types=[email], got %v", resp.PIITypes)
	}
}

func TestAllowed(t *testing.T) {
	verdicts := []struct {
		verdict Verdict
		want    bool
	}{
		{VerdictAllow, true},
		{VerdictRedact, true},
		{VerdictBlock, false},
	}

	for _, tc := range verdicts {
		t.Run(string(tc.verdict), func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				json.NewEncoder(w).Encode(CheckResponse{Verdict: tc.verdict, RequestID: "r"})
			}))
			defer server.Close()

			client := NewClient(WithAddr(server.URL))
			ok, err := client.Allowed(context.Background(), CheckRequest{ToolName: "exec"})
			if err != nil {
				t.Fatalf("Allowed returned error: %v", err)
			}
			if ok != tc.want {
				t.Errorf("Allowed(%s) = %v, want %v", tc.verdict, ok, tc.want)
			}
		})
	}
}

func TestEnvVarConfiguration(t *testing.T) {
	envVars := []string{
		"POLICYSHIELD_ADDR",
		"POLICYSHIELD_API_TOKEN",
		"POLICYSHIELD_ADMIN_TOKEN",
		"POLICYSHIELD_FAIL_MODE",
		"POLICYSHIELD_TIMEOUT",
		"POLICYSHIELD_CACHE_TTL",
		"POLICYSHIELD_CACHE_MAX_SIZE",
		"POLICYSHIELD_SESSION_ID",
		"POLICYSHIELD_SENDER",
	}
	saved := make(map[string]string)
	for _, k := range envVars {
		saved[k] = os.Getenv(k)
	}
	defer func() {
		for k, v := range saved {
			if v == "" {
				os.Unsetenv(k)
			} else {
				os.Setenv(k, v)
			}
		}
	}()

	os.Setenv("POLICYSHIELD_ADDR", "http://shield:8080")
	os.Setenv("POLICYSHIELD_API_TOKEN", "env-token")
	os.Setenv("POLICYSHIELD_ADMIN_TOKEN", "env-admin")
	os.Setenv("POLICYSHIELD_FAIL_MODE", "open")
	os.Setenv("POLICYSHIELD_TIMEOUT", "10")
	os.Setenv("POLICYSHIELD_CACHE_TTL", "30s")
	os.Setenv("POLICYSHIELD_CACHE_MAX_SIZE", "500")
	os.Setenv("POLICYSHIELD_SESSION_ID", "session-env")
	os.Setenv("POLICYSHIELD_SENDER", "sender-env")

	client := NewClient()

	if client.addr != "http://shield:8080" {
		t.Errorf("expected addr from env, got %s", client.addr)
	}
	if client.apiToken != "env-token" {
		t.Errorf("expected api token from env, got %s", client.apiToken)
	}
	if client.adminToken != "env-admin" {
		t.Errorf("expected admin token from env, got %s", client.adminToken)
	}
	if client.failMode != "open" {
		t.Errorf("expected fail_mode=open from env, got %s", client.failMode)
	}
	if client.timeout != 10*time.Second {
		t.Errorf("expected timeout=10s from env, got %v", client.timeout)
	}
	if client.cacheTTL != 30*time.Second {
		t.Errorf("expected cache_ttl=30s from env, got %v", client.cacheTTL)
	}
	if client.cacheMaxSize != 500 {
		t.Errorf("expected cache_max_size=500 from env, got %d", client.cacheMaxSize)
	}
	if client.sessionID != "session-env" {
		t.Errorf("expected session from env, got %s", client.sessionID)
	}
	if client.sender != "sender-env" {
		t.Errorf("expected sender from env, got %s", client.sender)
	}
}

func TestSessionDefaultFill(t *testing.T) {
	var receivedBody CheckRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&receivedBody)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(CheckResponse{Verdict: VerdictAllow, RequestID: "r"})
	}))
	defer server.Close()

	client := NewClient(
		WithAddr(server.URL),
		WithSessionID("default-session"),
		WithSender("default-sender"),
	)

	if _, err := client.Check(context.Background(), CheckRequest{ToolName: "exec"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if receivedBody.SessionID != "default-session" {
		t.Errorf("expected default session fill, got %q", receivedBody.SessionID)
	}
	if receivedBody.Sender != "default-sender" {
		t.Errorf("expected default sender fill, got %q", receivedBody.Sender)
	}

	// An explicit session wins over the default.
	if _, err := client.Check(context.Background(), CheckRequest{ToolName: "exec", SessionID: "own"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if receivedBody.SessionID != "own" {
		t.Errorf("expected explicit session, got %q", receivedBody.SessionID)
	}
}

func TestCacheHit(t *testing.T) {
	var callCount atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		callCount.Add(1)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(CheckResponse{
			Verdict:   VerdictAllow,
			RequestID: fmt.Sprintf("req-%d", callCount.Load()),
		})
	}))
	defer server.Close()

	client := NewClient(
		WithAddr(server.URL),
		WithCacheTTL(1*time.Minute),
	)

	req := CheckRequest{
		ToolName:  "read_file",
		Args:      map[string]any{"path": "/tmp/a"},
		SessionID: "s1",
	}

	resp1, err := client.Check(context.Background(), req)
	if err != nil {
		t.Fatalf("first call error: %v", err)
	}
	if resp1.RequestID != "req-1" {
		t.Errorf("expected req-1, got %s", resp1.RequestID)
	}

	resp2, err := client.Check(context.Background(), req)
	if err != nil {
		t.Fatalf("second call error: %v", err)
	}
	if resp2.RequestID != "req-1" {
		t.Errorf("expected cached req-1, got %s", resp2.RequestID)
	}
	if callCount.Load() != 1 {
		t.Errorf("expected server called once, got %d", callCount.Load())
	}

	// A different session is a different key.
	req.SessionID = "s2"
	if _, err := client.Check(context.Background(), req); err != nil {
		t.Fatalf("third call error: %v", err)
	}
	if callCount.Load() != 2 {
		t.Errorf("expected server called twice across sessions, got %d", callCount.Load())
	}
}

func TestBlockNotCached(t *testing.T) {
	var callCount atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		callCount.Add(1)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(CheckResponse{Verdict: VerdictBlock, RuleID: "no-rm", RequestID: "r"})
	}))
	defer server.Close()

	client := NewClient(WithAddr(server.URL), WithCacheTTL(1*time.Minute))

	req := CheckRequest{ToolName: "exec", Args: map[string]any{"command": "rm -rf /"}}
	for i := 0; i < 2; i++ {
		if _, err := client.Check(context.Background(), req); !errors.Is(err, ErrBlocked) {
			t.Fatalf("call %d: expected ErrBlocked, got %v", i+1, err)
		}
	}
	if callCount.Load() != 2 {
		t.Errorf("BLOCK was cached: server called %d times, want 2", callCount.Load())
	}
}

func TestCacheDisabled(t *testing.T) {
	var callCount atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		callCount.Add(1)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(CheckResponse{Verdict: VerdictAllow, RequestID: "r"})
	}))
	defer server.Close()

	client := NewClient(WithAddr(server.URL), WithCacheTTL(0))

	req := CheckRequest{ToolName: "read_file", SessionID: "s1"}
	for i := 0; i < 2; i++ {
		if _, err := client.Check(context.Background(), req); err != nil {
			t.Fatalf("call %d error: %v", i+1, err)
		}
	}
	if callCount.Load() != 2 {
		t.Errorf("expected no caching with TTL 0, server called %d times", callCount.Load())
	}
}

func TestFailClosedDefault(t *testing.T) {
	// A closed listener simulates an unreachable shield.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := listener.Addr().String()
	listener.Close()

	client := NewClient(
		WithAddr("http://"+addr),
		WithTimeout(500*time.Millisecond),
	)

	_, err = client.Check(context.Background(), CheckRequest{ToolName: "exec"})
	if err == nil {
		t.Fatal("fail-closed should return an error")
	}
	if !errors.Is(err, ErrServerUnreachable) {
		t.Errorf("expected ErrServerUnreachable, got: %v (%T)", err, err)
	}

	var srvErr *ServerUnreachableError
	if !errors.As(err, &srvErr) {
		t.Fatalf("expected errors.As(*ServerUnreachableError)")
	}
	if srvErr.Cause == nil {
		t.Error("expected Cause to be set")
	}
}

func TestFailOpen(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := listener.Addr().String()
	listener.Close()

	client := NewClient(
		WithAddr("http://"+addr),
		WithFailMode("open"),
		WithTimeout(500*time.Millisecond),
	)

	resp, err := client.Check(context.Background(), CheckRequest{ToolName: "exec"})
	if err != nil {
		t.Fatalf("fail-open should not return an error, got: %v", err)
	}
	if resp.Verdict != VerdictAllow {
		t.Errorf("fail-open should return ALLOW, got %s", resp.Verdict)
	}
}

func TestAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Request-ID", "corr-1")
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]string{"error": "missing bearer token"})
	}))
	defer server.Close()

	client := NewClient(WithAddr(server.URL))

	_, err := client.Check(context.Background(), CheckRequest{ToolName: "exec"})
	if err == nil {
		t.Fatal("expected error on 401")
	}

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %T: %v", err, err)
	}
	if apiErr.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", apiErr.StatusCode)
	}
	if apiErr.Message != "missing bearer token" {
		t.Errorf("expected server error text, got %q", apiErr.Message)
	}
	if apiErr.RequestID != "corr-1" {
		t.Errorf("expected echoed request id, got %q", apiErr.RequestID)
	}

	// An HTTP error is a server answer, never fail-open material.
	if errors.Is(err, ErrServerUnreachable) {
		t.Error("APIError must not match ErrServerUnreachable")
	}
}

func TestPostCheck(t *testing.T) {
	var receivedBody PostCheckRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/post-check" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&receivedBody)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(PostCheckResponse{
			PIITypes:       []string{"credit_card"},
			RedactedOutput: "card 4111********1111",
		})
	}))
	defer server.Close()

	client := NewClient(WithAddr(server.URL), WithSessionID("s1"))

	resp, err := client.PostCheck(context.Background(), PostCheckRequest{
		ToolName: "db_query",
		Result:   "card 4111111111111111",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resp.PIITypes) != 1 || resp.PIITypes[0] != "credit_card" {
		t.Errorf("expected credit_card detection, got %v", resp.PIITypes)
	}
	if receivedBody.SessionID != "s1" {
		t.Errorf("expected default session fill, got %q", receivedBody.SessionID)
	}
}

func TestApprovalEndpoints(t *testing.T) {
	var respondAuth string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/v1/pending-approvals":
			json.NewEncoder(w).Encode([]PendingApproval{{
				ID:       "appr-1",
				ToolName: "deploy",
				RuleID:   "deploy-gate",
			}})
		case "/api/v1/respond-approval":
			respondAuth = r.Header.Get("Authorization")
			var body map[string]any
			json.NewDecoder(r.Body).Decode(&body)
			if body["approval_id"] != "appr-1" || body["approved"] != true {
				t.Errorf("unexpected respond body: %v", body)
			}
			json.NewEncoder(w).Encode(ApprovalStatus{
				ApprovalID: "appr-1",
				Status:     "approved",
				Responder:  "alice",
			})
		case "/api/v1/check-approval":
			json.NewEncoder(w).Encode(ApprovalStatus{
				ApprovalID: "appr-1",
				Status:     "approved",
				Responder:  "alice",
			})
		default:
			t.Errorf("unexpected path: %s", r.URL.Path)
			http.Error(w, "not found", http.StatusNotFound)
		}
	}))
	defer server.Close()

	client := NewClient(
		WithAddr(server.URL),
		WithAPIToken("api-token"),
		WithAdminToken("admin-token"),
	)

	pending, err := client.PendingApprovals(context.Background())
	if err != nil {
		t.Fatalf("PendingApprovals error: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "appr-1" {
		t.Fatalf("expected one pending appr-1, got %v", pending)
	}

	res, err := client.RespondApproval(context.Background(), "appr-1", true, "alice", "lgtm")
	if err != nil {
		t.Fatalf("RespondApproval error: %v", err)
	}
	if res.Status != "approved" || res.Responder != "alice" {
		t.Errorf("unexpected resolution: %+v", res)
	}
	if respondAuth != "Bearer admin-token" {
		t.Errorf("respond-approval used %q, want the admin token", respondAuth)
	}

	status, err := client.ApprovalStatus(context.Background(), "appr-1")
	if err != nil {
		t.Fatalf("ApprovalStatus error: %v", err)
	}
	if status.Status != "approved" {
		t.Errorf("expected approved, got %s", status.Status)
	}
}

func TestAdminTokenFallsBackToAPIToken(t *testing.T) {
	var gotAuth string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer server.Close()

	client := NewClient(WithAddr(server.URL), WithAPIToken("only-token"))

	if err := client.ClearTaint(context.Background(), "s1"); err != nil {
		t.Fatalf("ClearTaint error: %v", err)
	}
	if gotAuth != "Bearer only-token" {
		t.Errorf("admin call used %q, want the api token fallback", gotAuth)
	}
}

func TestConstraints(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/constraints" || r.Method != http.MethodGet {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"summary": "Shield \"gatekeeper\" runs in ENFORCE mode",
		})
	}))
	defer server.Close()

	client := NewClient(WithAddr(server.URL))

	summary, err := client.Constraints(context.Background())
	if err != nil {
		t.Fatalf("Constraints error: %v", err)
	}
	if summary == "" {
		t.Error("expected a non-empty summary")
	}
}

func TestWithHTTPClient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(CheckResponse{Verdict: VerdictAllow, RequestID: "r"})
	}))
	defer server.Close()

	custom := &http.Client{Timeout: 3 * time.Second}
	client := NewClient(WithAddr(server.URL), WithHTTPClient(custom))

	if client.httpClient != custom {
		t.Error("custom http.Client not used")
	}
	if _, err := client.Check(context.Background(), CheckRequest{ToolName: "exec"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
