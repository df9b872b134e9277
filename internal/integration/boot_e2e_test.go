package integration

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	shieldhttp "github.com/policyshield/policyshield/internal/adapter/inbound/http"
	tracefile "github.com/policyshield/policyshield/internal/adapter/outbound/trace"
	"github.com/policyshield/policyshield/internal/domain/rule"
	"github.com/policyshield/policyshield/internal/domain/session"
	"github.com/policyshield/policyshield/internal/service"
)

// TestBootMergesRuleDirectory verifies the directory loading path: rule
// files merge in lexical order, the first file names the shield, and rules
// from every file enforce on the same engine.
func TestBootMergesRuleDirectory(t *testing.T) {
	dir := t.TempDir()
	base := `
shield_name: merged-shield
version: "1"
rules:
  - id: no-rm
    when:
      tool: exec
      args_match:
        command: {regex: "rm\\s+-rf"}
    then: block
    message: destructive
`
	extra := `
rules:
  - id: no-prod-db
    when:
      tool: db_query
      args_match:
        dsn: {contains: "prod"}
    then: block
    message: production database is off limits
rate_limits:
  - tool: web_fetch
    max_calls: 2
    window: 60
    scope: session
`
	if err := os.WriteFile(filepath.Join(dir, "00-base.yaml"), []byte(base), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "10-extra.yaml"), []byte(extra), 0644); err != nil {
		t.Fatal(err)
	}

	cs, err := rule.LoadPath(dir)
	if err != nil {
		t.Fatalf("LoadPath(dir) error: %v", err)
	}
	if cs.RulesCount() != 2 {
		t.Fatalf("RulesCount() = %d, want 2", cs.RulesCount())
	}
	if cs.Source.ShieldName != "merged-shield" {
		t.Errorf("ShieldName = %q, want merged-shield (from the first file)", cs.Source.ShieldName)
	}
	if len(cs.Source.RateLimits) != 1 {
		t.Errorf("len(RateLimits) = %d, want the limit from the second file", len(cs.Source.RateLimits))
	}

	eng, err := service.NewShieldEngine(cs, session.NewStore(session.Config{}),
		service.NewTraceService(nopTraceStore{}, testLogger()), testLogger())
	if err != nil {
		t.Fatalf("NewShieldEngine() error: %v", err)
	}

	// Rules from both files enforce.
	if res := eng.Check(context.Background(), service.CheckInput{
		Tool: "exec", Args: map[string]any{"command": "rm -rf /"}, SessionID: "s1",
	}); res.Verdict != rule.VerdictBlock || res.RuleID != "no-rm" {
		t.Errorf("first-file rule = %s/%s, want BLOCK/no-rm", res.Verdict, res.RuleID)
	}
	if res := eng.Check(context.Background(), service.CheckInput{
		Tool: "db_query", Args: map[string]any{"dsn": "postgres://prod/db"}, SessionID: "s1",
	}); res.Verdict != rule.VerdictBlock || res.RuleID != "no-prod-db" {
		t.Errorf("second-file rule = %s/%s, want BLOCK/no-prod-db", res.Verdict, res.RuleID)
	}
}

// TestBootRefusesBrokenRules verifies that the load path fails closed on
// bad rule files: the server must never come up on a partial rule-set.
func TestBootRefusesBrokenRules(t *testing.T) {
	cases := []struct {
		name    string
		files   map[string]string
		errPart string
	}{
		{
			name: "duplicate ids across files",
			files: map[string]string{
				"a.yaml": "shield_name: s\nversion: \"1\"\nrules:\n  - id: dup\n    when: {tool: exec}\n    then: block\n",
				"b.yaml": "rules:\n  - id: dup\n    when: {tool: deploy}\n    then: block\n",
			},
			errPart: "dup",
		},
		{
			name: "invalid regex",
			files: map[string]string{
				"a.yaml": "shield_name: s\nversion: \"1\"\nrules:\n  - id: bad\n    when:\n      tool: exec\n      args_match:\n        command: {regex: \"(unclosed\"}\n    then: block\n",
			},
			errPart: "regex",
		},
		{
			name: "not yaml",
			files: map[string]string{
				"a.yaml": "{{{ this is not yaml",
			},
			errPart: "",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			for name, content := range tc.files {
				if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
					t.Fatal(err)
				}
			}
			_, err := rule.LoadPath(dir)
			if err == nil {
				t.Fatal("LoadPath() should fail on broken rules")
			}
			if tc.errPart != "" && !strings.Contains(err.Error(), tc.errPart) {
				t.Errorf("error %q should mention %q", err, tc.errPart)
			}
		})
	}
}

// TestBootWritesDecisionTraces runs a check through the full stack and
// verifies the decision lands in the day's trace file after shutdown
// flushes the batch.
func TestBootWritesDecisionTraces(t *testing.T) {
	logger := testLogger()
	traceDir := t.TempDir()

	cs, err := rule.LoadBytes([]byte(`
shield_name: trace-shield
version: "1"
rules:
  - id: no-rm
    when:
      tool: exec
      args_match:
        command: {regex: "rm\\s+-rf"}
    then: block
    message: destructive
`))
	if err != nil {
		t.Fatalf("LoadBytes() error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	traceStore, err := tracefile.NewFileTraceStore(tracefile.TraceFileConfig{Dir: traceDir}, logger)
	if err != nil {
		t.Fatalf("NewFileTraceStore() error: %v", err)
	}
	traces := service.NewTraceService(traceStore, logger, service.WithChannelSize(64))
	traces.Start(ctx)

	eng, err := service.NewShieldEngine(cs, session.NewStore(session.Config{}), traces, logger)
	if err != nil {
		t.Fatalf("NewShieldEngine() error: %v", err)
	}

	res := eng.Check(ctx, service.CheckInput{
		Tool:      "exec",
		Args:      map[string]any{"command": "rm -rf /tmp/x"},
		SessionID: "trace-sess",
	})
	if res.Verdict != rule.VerdictBlock {
		t.Fatalf("verdict = %s, want BLOCK", res.Verdict)
	}

	// Shutdown order from the start command: trace service drains, then the
	// store syncs to disk.
	traces.Stop()
	if err := traceStore.Close(); err != nil {
		t.Fatalf("trace store close: %v", err)
	}

	entries, err := os.ReadDir(traceDir)
	if err != nil {
		t.Fatal(err)
	}
	var traceFile string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "shield_trace_") && strings.HasSuffix(e.Name(), ".jsonl") {
			traceFile = filepath.Join(traceDir, e.Name())
		}
	}
	if traceFile == "" {
		t.Fatalf("no shield_trace_*.jsonl in %s", traceDir)
	}

	data, err := os.ReadFile(traceFile)
	if err != nil {
		t.Fatal(err)
	}
	line := string(data)
	for _, want := range []string{`"tool":"exec"`, `"verdict":"BLOCK"`, `"rule":"no-rm"`, `"session":"trace-sess"`} {
		if !strings.Contains(line, want) {
			t.Errorf("trace file missing %s; content: %s", want, line)
		}
	}
}

// TestWatcherHotReload edits the rules file under a running watcher and
// verifies the new rule-set starts serving, then breaks the file and
// verifies the previous rule-set keeps serving.
func TestWatcherHotReload(t *testing.T) {
	logger := testLogger()
	rulesPath := filepath.Join(t.TempDir(), "rules.yaml")

	v1 := `
shield_name: watch-shield
version: "1"
rules:
  - id: no-rm
    when:
      tool: exec
      args_match:
        command: {regex: "rm\\s+-rf"}
    then: block
    message: destructive
`
	if err := os.WriteFile(rulesPath, []byte(v1), 0644); err != nil {
		t.Fatal(err)
	}

	cs, err := rule.LoadPath(rulesPath)
	if err != nil {
		t.Fatalf("LoadPath() error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eng, err := service.NewShieldEngine(cs, session.NewStore(session.Config{}),
		service.NewTraceService(nopTraceStore{}, logger), logger,
		service.WithRulesPath(rulesPath))
	if err != nil {
		t.Fatalf("NewShieldEngine() error: %v", err)
	}

	watcher, err := service.NewRuleWatcher(eng, rulesPath, 20*time.Millisecond, logger)
	if err != nil {
		t.Fatalf("NewRuleWatcher() error: %v", err)
	}
	watcher.Start(ctx)
	defer watcher.Stop()

	tr := shieldhttp.NewTransport(eng, nil, nil, shieldhttp.WithLogger(logger))
	srv := httptest.NewServer(tr.Handler(prometheus.NewRegistry()))
	defer srv.Close()
	h := &shieldHarness{t: t, srv: srv, engine: eng}

	if v := h.check("web_fetch", map[string]any{"url": "https://example.com"}, "s1"); v.Verdict != "ALLOW" {
		t.Fatalf("pre-reload web_fetch = %s, want ALLOW", v.Verdict)
	}
	v1Hash := eng.RuleSet().Source.Hash

	// Edit: add a second rule. Different content length guarantees the
	// fingerprint moves even on coarse mtime filesystems.
	v2 := v1 + `
  - id: no-fetch
    when:
      tool: web_fetch
    then: block
    message: egress disabled
`
	if err := os.WriteFile(rulesPath, []byte(v2), 0644); err != nil {
		t.Fatal(err)
	}

	waitForHashChange(t, eng, v1Hash, 3*time.Second)
	v2Hash := eng.RuleSet().Source.Hash

	v := h.check("web_fetch", map[string]any{"url": "https://example.com"}, "s1")
	if v.Verdict != "BLOCK" || v.RuleID != "no-fetch" {
		t.Fatalf("post-reload web_fetch = %s/%s, want BLOCK/no-fetch", v.Verdict, v.RuleID)
	}

	// A broken edit is attempted once and rejected; the old set serves on.
	if err := os.WriteFile(rulesPath, []byte("rules:\n  - id: broken\n    then: explode\n"), 0644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(150 * time.Millisecond)

	if got := eng.RuleSet().Source.Hash; got != v2Hash {
		t.Errorf("hash after broken edit = %s, want the previous %s", got, v2Hash)
	}
	if v := h.check("web_fetch", map[string]any{"url": "https://example.com"}, "s1"); v.Verdict != "BLOCK" {
		t.Errorf("web_fetch after broken edit = %s, want BLOCK from the surviving rule-set", v.Verdict)
	}
	if res := eng.Check(ctx, service.CheckInput{Tool: "exec", Args: map[string]any{"command": "rm -rf /"}, SessionID: "s1"}); res.Verdict != rule.VerdictBlock {
		t.Errorf("exec after broken edit = %s, want BLOCK from the surviving rule-set", res.Verdict)
	}
}

// waitForHashChange polls the engine until the rule-set hash moves away
// from old or the deadline passes.
func waitForHashChange(t *testing.T, eng *service.ShieldEngine, old string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if eng.RuleSet().Source.Hash != old {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("rule-set hash still %s after %v", old, timeout)
}
