package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/policyshield/policyshield/internal/domain/approval"
	"github.com/policyshield/policyshield/internal/domain/pii"
	"github.com/policyshield/policyshield/internal/domain/ratelimit"
	"github.com/policyshield/policyshield/internal/domain/rule"
	"github.com/policyshield/policyshield/internal/domain/sanitize"
	"github.com/policyshield/policyshield/internal/domain/session"
	"github.com/policyshield/policyshield/internal/domain/trace"
)

// Engine defaults.
const (
	// DefaultSessionID is used when a check arrives without a session id.
	DefaultSessionID = "default"
	// DefaultCheckTimeout bounds the CPU-bound pipeline of one check.
	DefaultCheckTimeout = 5 * time.Second
	// DefaultApprovalTimeout bounds the wait for a human decision.
	DefaultApprovalTimeout = 5 * time.Minute
)

// ApprovalTimeoutPolicy decides the verdict when an approval wait expires.
type ApprovalTimeoutPolicy string

const (
	// TimeoutBlock denies the call after an unanswered approval.
	TimeoutBlock ApprovalTimeoutPolicy = "BLOCK"
	// TimeoutAutoApprove lets the call through after an unanswered approval.
	TimeoutAutoApprove ApprovalTimeoutPolicy = "AUTO_APPROVE"
)

// CheckInput is one tool call presented to the shield.
type CheckInput struct {
	Tool      string
	Args      map[string]any
	SessionID string
	Sender    string
	Context   map[string]string
	// RequestID correlates response, log, and trace. Generated when empty.
	RequestID string
}

// PostCheckResult reports what the post-call scan found in a tool result.
type PostCheckResult struct {
	PIITypes []string `json:"pii_types"`
	// RedactedOutput is the result text with every detection masked.
	// Empty when nothing was detected.
	RedactedOutput string `json:"redacted_output,omitempty"`
}

// engineSnapshot is the immutable unit of hot reload. The limiter pointer is
// carried across snapshots so window state survives a rule-set swap.
type engineSnapshot struct {
	rules    *rule.CompiledSet
	detector *pii.Detector
	limiter  *ratelimit.Limiter
}

// approvalMeta lets the engine finalize a trace when a respond arrives after
// the waiting check has given up (client disconnect).
type approvalMeta struct {
	tool      string
	sessionID string
	ruleID    string
	requestID string
	created   time.Time
}

// ShieldEngine runs the check pipeline: kill-switch and mode gates,
// sanitization, PII scan, rule matching, rate limiting, redaction, the
// approval flow, and per-check bookkeeping (session ring, counters, trace).
// The compiled rule-set snapshot is read lock-free; Reload swaps it whole.
type ShieldEngine struct {
	mode            rule.Mode
	failOpen        bool
	checkTimeout    time.Duration
	approvalTimeout time.Duration
	onTimeout       ApprovalTimeoutPolicy
	rulesPath       string

	snapshot atomic.Value // *engineSnapshot
	reloadMu sync.Mutex
	loadedAt atomic.Value // time.Time of the last successful (re)load

	killed     atomic.Bool
	killReason atomic.Value // string

	sessions  *session.Store
	sanitizer *sanitize.Sanitizer
	traces    *TraceService
	logger    *slog.Logger
	tracer    oteltrace.Tracer

	approvals       approval.Backend
	approvalChannel string
	cache           *approval.Cache

	metaMu    sync.Mutex
	meta      map[string]approvalMeta
	metaTTL   time.Duration
	lastSweep time.Time
	sweepJump time.Duration

	errorCount atomic.Int64
}

// EngineOption configures the ShieldEngine.
type EngineOption func(*ShieldEngine)

// WithMode sets the operating mode (default ENFORCE).
func WithMode(m rule.Mode) EngineOption {
	return func(e *ShieldEngine) { e.mode = m }
}

// WithFailOpen makes engine errors resolve to ALLOW instead of BLOCK.
func WithFailOpen(open bool) EngineOption {
	return func(e *ShieldEngine) { e.failOpen = open }
}

// WithCheckTimeout bounds the check pipeline.
func WithCheckTimeout(d time.Duration) EngineOption {
	return func(e *ShieldEngine) {
		if d > 0 {
			e.checkTimeout = d
		}
	}
}

// WithApprovalBackend wires the approval transport. The channel name is
// recorded in approval trace blocks ("memory", "slack").
func WithApprovalBackend(channel string, b approval.Backend) EngineOption {
	return func(e *ShieldEngine) {
		e.approvals = b
		e.approvalChannel = channel
	}
}

// WithApprovalTimeout bounds the wait for a human decision.
func WithApprovalTimeout(d time.Duration) EngineOption {
	return func(e *ShieldEngine) {
		if d > 0 {
			e.approvalTimeout = d
		}
	}
}

// WithApprovalTimeoutPolicy sets the verdict for unanswered approvals.
func WithApprovalTimeoutPolicy(p ApprovalTimeoutPolicy) EngineOption {
	return func(e *ShieldEngine) { e.onTimeout = p }
}

// WithApprovalCacheTTL bounds how long cached approval decisions live.
func WithApprovalCacheTTL(ttl time.Duration) EngineOption {
	return func(e *ShieldEngine) { e.cache = approval.NewCache(ttl) }
}

// WithSanitizer replaces the default sanitizer configuration.
func WithSanitizer(cfg sanitize.Config) EngineOption {
	return func(e *ShieldEngine) { e.sanitizer = sanitize.New(cfg) }
}

// WithRulesPath records where the rule-set came from so Reload can re-read
// it. The path may be a single file or a directory of YAML files.
func WithRulesPath(path string) EngineOption {
	return func(e *ShieldEngine) { e.rulesPath = path }
}

// WithTracer wraps every check in an OpenTelemetry span carrying tool,
// verdict, and rule attributes. Without it checks run unspanned.
func WithTracer(tr oteltrace.Tracer) EngineOption {
	return func(e *ShieldEngine) { e.tracer = tr }
}

// NewShieldEngine creates an engine serving the given compiled rule-set.
// The custom PII patterns of the rule-set are compiled here; a bad pattern
// fails construction.
func NewShieldEngine(cs *rule.CompiledSet, sessions *session.Store, traces *TraceService, logger *slog.Logger, opts ...EngineOption) (*ShieldEngine, error) {
	e := &ShieldEngine{
		mode:            rule.ModeEnforce,
		checkTimeout:    DefaultCheckTimeout,
		approvalTimeout: DefaultApprovalTimeout,
		onTimeout:       TimeoutBlock,
		sessions:        sessions,
		sanitizer:       sanitize.New(sanitize.DefaultConfig()),
		traces:          traces,
		logger:          logger,
		cache:           approval.NewCache(0),
		meta:            make(map[string]approvalMeta),
		metaTTL:         approval.DefaultTTL,
		sweepJump:       session.DefaultSweepInterval,
	}
	for _, opt := range opts {
		opt(e)
	}
	if !e.mode.Valid() {
		return nil, fmt.Errorf("engine mode %q is not ENFORCE, AUDIT or DISABLED", e.mode)
	}

	detector, err := pii.NewDetector(cs.Source.PIIPatterns)
	if err != nil {
		return nil, fmt.Errorf("compile custom pii patterns: %w", err)
	}

	e.snapshot.Store(&engineSnapshot{
		rules:    cs,
		detector: detector,
		limiter:  ratelimit.New(cs.Source.RateLimits),
	})
	e.loadedAt.Store(time.Now().UTC())

	logger.Info("shield engine ready",
		"shield", cs.Source.ShieldName,
		"mode", string(e.mode),
		"rules", cs.RulesCount(),
		"hash", cs.Source.Hash,
		"fail_open", e.failOpen,
	)
	return e, nil
}

func (e *ShieldEngine) loadSnapshot() *engineSnapshot {
	return e.snapshot.Load().(*engineSnapshot)
}

// Mode returns the engine's operating mode.
func (e *ShieldEngine) Mode() rule.Mode { return e.mode }

// Sessions exposes the session store to the HTTP surface.
func (e *ShieldEngine) Sessions() *session.Store { return e.sessions }

// RuleSet returns the currently served compiled rule-set.
func (e *ShieldEngine) RuleSet() *rule.CompiledSet { return e.loadSnapshot().rules }

// LoadedAt reports when the serving rule-set was (re)loaded.
func (e *ShieldEngine) LoadedAt() time.Time {
	t, _ := e.loadedAt.Load().(time.Time)
	return t
}

// ErrorCount reports how many checks resolved through the on-error policy.
func (e *ShieldEngine) ErrorCount() int64 { return e.errorCount.Load() }

// Kill activates the kill-switch: every check blocks until Resume.
func (e *ShieldEngine) Kill(reason string) {
	if reason == "" {
		reason = "kill switch activated by operator"
	}
	e.killReason.Store(reason)
	e.killed.Store(true)
	e.logger.Warn("kill switch activated", "reason", reason)
}

// Resume deactivates the kill-switch.
func (e *ShieldEngine) Resume() {
	e.killed.Store(false)
	e.logger.Info("kill switch released")
}

// Killed reports the kill-switch state and its reason.
func (e *ShieldEngine) Killed() (bool, string) {
	if !e.killed.Load() {
		return false, ""
	}
	reason, _ := e.killReason.Load().(string)
	return true, reason
}

// ClearTaint resets the session's derived taint flag.
func (e *ShieldEngine) ClearTaint(sessionID string) {
	if sessionID == "" {
		sessionID = DefaultSessionID
	}
	e.sessions.ClearTaint(sessionID)
	e.logger.Info("session taint cleared", "session_id", sessionID)
}

// Reload re-reads the configured rules path, compiles it off the serving
// path, and swaps the snapshot. The old rule-set keeps serving on any error.
func (e *ShieldEngine) Reload() (*rule.CompiledSet, error) {
	if e.rulesPath == "" {
		return nil, errors.New("engine has no rules path to reload from")
	}
	cs, err := rule.LoadPath(e.rulesPath)
	if err != nil {
		return nil, err
	}
	if err := e.ReloadCompiled(cs); err != nil {
		return nil, err
	}
	return cs, nil
}

// ReloadCompiled swaps in an already compiled rule-set. Rate-limit window
// state carries over for limits that survive the swap.
func (e *ShieldEngine) ReloadCompiled(cs *rule.CompiledSet) error {
	detector, err := pii.NewDetector(cs.Source.PIIPatterns)
	if err != nil {
		return fmt.Errorf("compile custom pii patterns: %w", err)
	}

	e.reloadMu.Lock()
	defer e.reloadMu.Unlock()

	old := e.loadSnapshot()
	old.limiter.Reload(cs.Source.RateLimits)
	e.snapshot.Store(&engineSnapshot{
		rules:    cs,
		detector: detector,
		limiter:  old.limiter,
	})
	e.loadedAt.Store(time.Now().UTC())

	e.logger.Info("rule-set reloaded",
		"shield", cs.Source.ShieldName,
		"rules", cs.RulesCount(),
		"hash", cs.Source.Hash,
	)
	return nil
}

// Check runs the full pipeline for one tool call and always produces a
// verdict: engine failures resolve through the on-error policy rather than
// propagate.
func (e *ShieldEngine) Check(ctx context.Context, in CheckInput) (out CheckResult) {
	start := time.Now().UTC()
	if in.RequestID == "" {
		in.RequestID = uuid.New().String()
	}
	if in.SessionID == "" {
		in.SessionID = DefaultSessionID
	}

	if e.tracer != nil {
		var span oteltrace.Span
		ctx, span = e.tracer.Start(ctx, "shield.check",
			oteltrace.WithAttributes(
				attribute.String("shield.tool", in.Tool),
				attribute.String("shield.session_id", in.SessionID),
				attribute.String("shield.request_id", in.RequestID),
			))
		defer func() {
			span.SetAttributes(
				attribute.String("shield.verdict", string(out.Verdict)),
				attribute.String("shield.rule_id", out.RuleID),
			)
			span.End()
		}()
	}

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("check panicked",
				"tool", in.Tool,
				"session_id", in.SessionID,
				"request_id", in.RequestID,
				"panic", r,
			)
			out = e.onError(in, start)
		}
	}()

	pipeCtx, cancel := context.WithTimeout(ctx, e.checkTimeout)
	defer cancel()

	return e.runPipeline(pipeCtx, ctx, in, start)
}

// runPipeline walks the ordered decision steps. pipeCtx bounds the
// CPU-bound stages; callerCtx governs the approval wait so a long human
// decision is not cut off by the pipeline deadline.
func (e *ShieldEngine) runPipeline(pipeCtx, callerCtx context.Context, in CheckInput, start time.Time) CheckResult {
	// Kill-switch wins over everything, modes included.
	if e.killed.Load() {
		reason, _ := e.killReason.Load().(string)
		res := CheckResult{
			Verdict:   rule.VerdictBlock,
			Message:   BlockMessage(BlockKillSwitch, RuleIDKillSwitch, in.Tool, reason),
			RuleID:    RuleIDKillSwitch,
			RequestID: in.RequestID,
		}
		e.traceOnly(in, start, res, nil, nil)
		return res
	}

	if e.mode == rule.ModeDisabled {
		res := CheckResult{Verdict: rule.VerdictAllow, RequestID: in.RequestID}
		e.traceOnly(in, start, res, nil, nil)
		return res
	}

	snap := e.loadSnapshot()

	// Input sanitization runs before any session state is touched.
	if vio := e.sanitizer.CheckToolName(in.Tool); vio != nil {
		return e.sanitizerReject(in, start, vio)
	}
	if vio := e.sanitizer.CheckArgs(in.Args); vio != nil {
		return e.sanitizerReject(in, start, vio)
	}
	if res, timedOut := e.deadlineCheck(pipeCtx, in, start); timedOut {
		return res
	}

	view := e.sessions.GetOrCreate(in.SessionID)
	e.sweepApprovalMeta()

	matches := snap.detector.ScanMap(in.Args)
	piiTypes := pii.Types(matches)

	// Tainted sessions lose access to the configured outgoing tools until
	// an operator clears the taint.
	if tc := snap.rules.Source.TaintChain; tc.Enabled && view.PIITainted && containsTool(tc.OutgoingTools, in.Tool) {
		reason := ""
		if view.TaintReason != "" {
			reason = "session is tainted: " + view.TaintReason
		}
		return e.finishBlocking(snap, in, start, blockOutcome{
			class:    BlockTaint,
			ruleID:   RuleIDTaint,
			reason:   reason,
			piiTypes: piiTypes,
		})
	}

	matched := FindBestMatch(snap.rules, MatchInput{
		Tool:     in.Tool,
		Args:     in.Args,
		Sender:   in.Sender,
		Context:  in.Context,
		Session:  view,
		PIIFound: len(matches) > 0,
		Now:      start,
	})
	if res, timedOut := e.deadlineCheck(pipeCtx, in, start); timedOut {
		return res
	}

	verdict := snap.rules.Source.DefaultVerdict
	ruleID := ""
	if matched != nil {
		verdict = matched.Verdict
		ruleID = matched.ID
	}

	if verdict == rule.VerdictBlock {
		out := blockOutcome{
			class:    BlockByRule,
			ruleID:   ruleID,
			reason:   "no rule matched and the rule-set default verdict is BLOCK",
			piiTypes: piiTypes,
		}
		if matched != nil {
			out.class = ruleBlockClass(matched)
			out.reason = ruleReason(matched)
		}
		return e.finishBlocking(snap, in, start, out)
	}

	// The call would proceed; one more call must fit the rate budget.
	if rl := snap.limiter.Check(in.Tool, in.SessionID, start); !rl.Allowed {
		reason := fmt.Sprintf("rate limit exceeded for tool %q (%d calls max)", rl.Spec.Tool, rl.Limit)
		if rl.RetryAfter > 0 {
			reason += fmt.Sprintf(", retry in %s", rl.RetryAfter.Round(time.Second))
		}
		return e.finishBlocking(snap, in, start, blockOutcome{
			class:  BlockRateLimit,
			ruleID: ratelimit.RuleID,
			reason: reason,
		})
	}

	switch verdict {
	case rule.VerdictRedact:
		res := CheckResult{
			Verdict:      rule.VerdictRedact,
			Message:      RedactMessage(in.Tool, piiTypes),
			RuleID:       ruleID,
			ModifiedArgs: snap.detector.MaskMap(in.Args, matches),
			PIITypes:     piiTypes,
			RequestID:    in.RequestID,
		}
		e.commit(snap, in, start, res, "", piiTypes, nil)
		return res

	case rule.VerdictApprove:
		if e.mode == rule.ModeAudit {
			res := CheckResult{
				Verdict:   rule.VerdictAllow,
				Message:   AuditMessage(rule.VerdictApprove, ruleID),
				RuleID:    ruleID,
				RequestID: in.RequestID,
			}
			e.commit(snap, in, start, res, rule.VerdictApprove, piiTypes, nil)
			return res
		}
		strategy := rule.StrategyNone
		approverMsg := ""
		if matched != nil {
			strategy = matched.ApprovalStrategy
			approverMsg = ruleReason(matched)
		}
		return e.approve(callerCtx, snap, in, start, ruleID, strategy, approverMsg, matches, piiTypes)

	default:
		res := CheckResult{Verdict: rule.VerdictAllow, RuleID: ruleID, RequestID: in.RequestID}
		e.commit(snap, in, start, res, "", piiTypes, nil)
		return res
	}
}

// blockOutcome bundles what finishBlocking needs to render and record a
// blocking verdict.
type blockOutcome struct {
	class    BlockClass
	ruleID   string
	reason   string
	piiTypes []string
}

// finishBlocking applies AUDIT coercion to a would-be BLOCK and commits the
// check.
func (e *ShieldEngine) finishBlocking(snap *engineSnapshot, in CheckInput, start time.Time, out blockOutcome) CheckResult {
	if e.mode == rule.ModeAudit {
		res := CheckResult{
			Verdict:   rule.VerdictAllow,
			Message:   AuditMessage(rule.VerdictBlock, out.ruleID),
			RuleID:    out.ruleID,
			PIITypes:  out.piiTypes,
			RequestID: in.RequestID,
		}
		e.commit(snap, in, start, res, rule.VerdictBlock, out.piiTypes, nil)
		return res
	}

	res := CheckResult{
		Verdict:   rule.VerdictBlock,
		Message:   BlockMessage(out.class, out.ruleID, in.Tool, out.reason),
		RuleID:    out.ruleID,
		PIITypes:  out.piiTypes,
		RequestID: in.RequestID,
	}
	e.commit(snap, in, start, res, "", out.piiTypes, nil)
	return res
}

// sanitizerReject blocks a call whose input failed sanitization. The check
// never reached the session, so only a trace is written.
func (e *ShieldEngine) sanitizerReject(in CheckInput, start time.Time, vio *sanitize.Violation) CheckResult {
	if e.mode == rule.ModeAudit {
		res := CheckResult{
			Verdict:   rule.VerdictAllow,
			Message:   AuditMessage(rule.VerdictBlock, RuleIDSanitizer),
			RuleID:    RuleIDSanitizer,
			RequestID: in.RequestID,
		}
		e.traceOnly(in, start, res, nil, nil)
		return res
	}

	res := CheckResult{
		Verdict:   rule.VerdictBlock,
		Message:   BlockMessage(BlockSanitizer, RuleIDSanitizer, in.Tool, vio.Error()),
		RuleID:    RuleIDSanitizer,
		RequestID: in.RequestID,
	}
	e.traceOnly(in, start, res, nil, nil)
	return res
}

// deadlineCheck polls the pipeline deadline between CPU-bound stages. A
// canceled caller gets a bare BLOCK with no trace; the check never finished.
func (e *ShieldEngine) deadlineCheck(pipeCtx context.Context, in CheckInput, start time.Time) (CheckResult, bool) {
	err := pipeCtx.Err()
	switch {
	case err == nil:
		return CheckResult{}, false
	case errors.Is(err, context.DeadlineExceeded):
		e.logger.Error("check deadline exceeded",
			"tool", in.Tool,
			"session_id", in.SessionID,
			"request_id", in.RequestID,
			"timeout", e.checkTimeout,
		)
		return e.onError(in, start), true
	default:
		return CheckResult{
			Verdict:   rule.VerdictBlock,
			Message:   "check canceled by caller",
			RequestID: in.RequestID,
		}, true
	}
}

// onError resolves a failed check through the on-error policy. No session
// event is recorded: the check never reached a verdict.
func (e *ShieldEngine) onError(in CheckInput, start time.Time) CheckResult {
	e.errorCount.Add(1)

	res := CheckResult{
		Verdict:   rule.VerdictBlock,
		Message:   BlockMessage(BlockEngineError, RuleIDEngineError, in.Tool, ""),
		RuleID:    RuleIDEngineError,
		RequestID: in.RequestID,
	}
	if e.failOpen {
		res.Verdict = rule.VerdictAllow
		res.Message = "check failed, allowing per fail-open policy"
	}
	e.traceOnly(in, start, res, nil, nil)
	return res
}

// approve runs the human-in-the-loop flow for an APPROVE verdict.
func (e *ShieldEngine) approve(callerCtx context.Context, snap *engineSnapshot, in CheckInput, start time.Time, ruleID string, strategy rule.ApprovalStrategy, approverMsg string, matches []pii.Match, piiTypes []string) CheckResult {
	if e.approvals == nil {
		res := CheckResult{
			Verdict:   rule.VerdictBlock,
			Message:   BlockMessage(BlockApprovalNoBackend, ruleID, in.Tool, ""),
			RuleID:    ruleID,
			RequestID: in.RequestID,
		}
		e.commit(snap, in, start, res, "", piiTypes, nil)
		return res
	}

	now := time.Now().UTC()
	argsHash := trace.CanonicalArgsHash(in.Args)

	if approved, hit := e.cache.Get(strategy, in.SessionID, ruleID, in.Tool, argsHash, now); hit {
		if approved {
			res := CheckResult{
				Verdict:   rule.VerdictAllow,
				Message:   "approval granted (cached decision)",
				RuleID:    ruleID,
				RequestID: in.RequestID,
			}
			e.commit(snap, in, start, res, "", piiTypes, nil)
			return res
		}
		res := CheckResult{
			Verdict:   rule.VerdictBlock,
			Message:   BlockMessage(BlockApprovalDenied, ruleID, in.Tool, "a human approver denied the request (cached decision)"),
			RuleID:    ruleID,
			RequestID: in.RequestID,
		}
		e.commit(snap, in, start, res, "", piiTypes, nil)
		return res
	}

	// Only the masked argument copy ever leaves the process.
	req := approval.Request{
		ID:        uuid.New().String(),
		ToolName:  in.Tool,
		Args:      snap.detector.MaskMap(in.Args, matches),
		RuleID:    ruleID,
		Message:   approverMsg,
		SessionID: in.SessionID,
		CreatedAt: now,
	}
	e.rememberMeta(req, in.RequestID)

	if err := e.approvals.Submit(callerCtx, req); err != nil {
		e.forgetMeta(req.ID)
		e.logger.Error("approval submit failed",
			"tool", in.Tool,
			"rule", ruleID,
			"request_id", in.RequestID,
			"error", err,
		)
		res := CheckResult{
			Verdict:   rule.VerdictBlock,
			Message:   BlockMessage(BlockApprovalNoBackend, ruleID, in.Tool, "approval backend unreachable"),
			RuleID:    ruleID,
			RequestID: in.RequestID,
		}
		e.commit(snap, in, start, res, "", piiTypes, nil)
		return res
	}

	resolution, ok := e.approvals.WaitFor(callerCtx, req.ID, e.approvalTimeout)
	waitMS := time.Since(now).Milliseconds()

	if !ok && callerCtx.Err() != nil {
		// Client gone mid-wait. The approval stays pending and the meta
		// entry stays so an eventual respond still gets traced; nothing
		// is committed for the abandoned check.
		return CheckResult{
			Verdict:    rule.VerdictBlock,
			Message:    BlockMessage(BlockApprovalTimeout, ruleID, in.Tool, "request canceled while awaiting approval"),
			RuleID:     ruleID,
			ApprovalID: req.ID,
			RequestID:  in.RequestID,
		}
	}
	e.forgetMeta(req.ID)

	if ok && resolution.Status != approval.StatusTimedOut {
		apr := &trace.Approval{
			Status:         string(resolution.Status),
			ApprovedBy:     resolution.Responder,
			ApprovedAt:     &resolution.RespondedAt,
			Channel:        e.approvalChannel,
			ResponseTimeMS: waitMS,
		}
		if resolution.Approved {
			e.cache.Put(strategy, in.SessionID, ruleID, in.Tool, argsHash, true, time.Now().UTC())
			res := CheckResult{
				Verdict:    rule.VerdictAllow,
				Message:    fmt.Sprintf("approval granted by %s", resolution.Responder),
				RuleID:     ruleID,
				ApprovalID: req.ID,
				RequestID:  in.RequestID,
			}
			e.commit(snap, in, start, res, "", piiTypes, apr)
			return res
		}

		e.cache.Put(strategy, in.SessionID, ruleID, in.Tool, argsHash, false, time.Now().UTC())
		reason := fmt.Sprintf("denied by %s", resolution.Responder)
		if resolution.Comment != "" {
			reason += ": " + resolution.Comment
		}
		res := CheckResult{
			Verdict:    rule.VerdictBlock,
			Message:    BlockMessage(BlockApprovalDenied, ruleID, in.Tool, reason),
			RuleID:     ruleID,
			ApprovalID: req.ID,
			RequestID:  in.RequestID,
		}
		e.commit(snap, in, start, res, "", piiTypes, apr)
		return res
	}

	// Unanswered within the timeout.
	apr := &trace.Approval{
		Status:  string(approval.StatusTimedOut),
		Channel: e.approvalChannel,
	}
	if e.onTimeout == TimeoutAutoApprove {
		res := CheckResult{
			Verdict:    rule.VerdictAllow,
			Message:    fmt.Sprintf("approval wait expired after %s, auto-approved by policy", e.approvalTimeout),
			RuleID:     ruleID,
			ApprovalID: req.ID,
			RequestID:  in.RequestID,
		}
		e.commit(snap, in, start, res, "", piiTypes, apr)
		return res
	}
	res := CheckResult{
		Verdict:    rule.VerdictBlock,
		Message:    BlockMessage(BlockApprovalTimeout, ruleID, in.Tool, fmt.Sprintf("Approval timed out after %s", e.approvalTimeout)),
		RuleID:     ruleID,
		ApprovalID: req.ID,
		RequestID:  in.RequestID,
	}
	e.commit(snap, in, start, res, "", piiTypes, apr)
	return res
}

// RespondApproval resolves a pending approval on behalf of the HTTP surface.
// When no check is waiting anymore (the client disconnected mid-wait), the
// engine finalizes the trace itself from the remembered metadata.
func (e *ShieldEngine) RespondApproval(requestID string, approved bool, responder, comment string) (approval.Resolution, error) {
	if e.approvals == nil {
		return approval.Resolution{}, errors.New("no approval backend configured")
	}
	res, err := e.approvals.Respond(requestID, approved, responder, comment)
	if err != nil {
		return res, err
	}

	if meta, ok := e.takeMeta(requestID); ok {
		verdict := rule.VerdictBlock
		if res.Approved {
			verdict = rule.VerdictAllow
		}
		e.traces.Record(trace.Record{
			TS:        time.Now().UTC(),
			Session:   meta.sessionID,
			Tool:      meta.tool,
			Verdict:   string(verdict),
			Rule:      meta.ruleID,
			RequestID: meta.requestID,
			Approval: &trace.Approval{
				Status:         string(res.Status),
				ApprovedBy:     res.Responder,
				ApprovedAt:     &res.RespondedAt,
				Channel:        e.approvalChannel,
				ResponseTimeMS: res.RespondedAt.Sub(meta.created).Milliseconds(),
			},
		})
	}
	return res, nil
}

// PostCheck scans a tool result for PII after the call ran. Detections taint
// the session; with taint-chain enabled the derived flag arms the outgoing
// tool block.
func (e *ShieldEngine) PostCheck(tool, result, sessionID string) PostCheckResult {
	if sessionID == "" {
		sessionID = DefaultSessionID
	}
	snap := e.loadSnapshot()

	detections := snap.detector.Scan(result)
	if len(detections) == 0 {
		return PostCheckResult{PIITypes: []string{}}
	}

	types := pii.Types(detections)
	e.sessions.AddTaint(sessionID, types...)
	if snap.rules.Source.TaintChain.Enabled {
		e.sessions.SetTaint(sessionID, fmt.Sprintf("PII in %s output: %s", tool, strings.Join(types, ", ")))
	}

	e.traces.Record(trace.Record{
		TS:        time.Now().UTC(),
		Session:   sessionID,
		Tool:      tool,
		Verdict:   string(rule.VerdictAllow),
		PII:       types,
		RequestID: uuid.New().String(),
	})
	e.logger.Info("post-check detected pii",
		"tool", tool,
		"session_id", sessionID,
		"pii_types", types,
	)

	return PostCheckResult{
		PIITypes:       types,
		RedactedOutput: pii.MaskString(result, detections),
	}
}

// commit performs the final bookkeeping of a decided check: session ring
// event, tool counters, rate-limit recording for calls that proceed, and the
// trace record. wouldBe carries the pre-coercion verdict in AUDIT mode.
func (e *ShieldEngine) commit(snap *engineSnapshot, in CheckInput, start time.Time, res CheckResult, wouldBe rule.Verdict, piiTypes []string, apr *trace.Approval) {
	now := time.Now().UTC()

	ringVerdict := res.Verdict
	if wouldBe != "" {
		ringVerdict = wouldBe
	}
	e.sessions.RecordEvent(in.SessionID, session.Event{
		Tool:        in.Tool,
		Verdict:     ringVerdict,
		RuleID:      res.RuleID,
		At:          now,
		ArgsSummary: summarizeArgs(in.Args),
	})
	e.sessions.Increment(in.SessionID, in.Tool)

	if res.Verdict == rule.VerdictAllow || res.Verdict == rule.VerdictRedact {
		snap.limiter.Record(in.Tool, in.SessionID, now)
	}

	e.traces.Record(trace.Record{
		TS:        now,
		Session:   in.SessionID,
		Tool:      in.Tool,
		Verdict:   string(res.Verdict),
		WouldBe:   string(wouldBe),
		Rule:      res.RuleID,
		PII:       piiTypes,
		LatencyMS: latencyMS(start),
		Args:      in.Args,
		RequestID: in.RequestID,
		Approval:  apr,
	})
}

// traceOnly writes a trace record for a check that never reached the
// session: kill-switch, DISABLED mode, sanitizer rejection, engine error.
func (e *ShieldEngine) traceOnly(in CheckInput, start time.Time, res CheckResult, piiTypes []string, apr *trace.Approval) {
	e.traces.Record(trace.Record{
		TS:        time.Now().UTC(),
		Session:   in.SessionID,
		Tool:      in.Tool,
		Verdict:   string(res.Verdict),
		Rule:      res.RuleID,
		PII:       piiTypes,
		LatencyMS: latencyMS(start),
		Args:      in.Args,
		RequestID: in.RequestID,
		Approval:  apr,
	})
}

func (e *ShieldEngine) rememberMeta(req approval.Request, requestID string) {
	e.metaMu.Lock()
	defer e.metaMu.Unlock()
	e.meta[req.ID] = approvalMeta{
		tool:      req.ToolName,
		sessionID: req.SessionID,
		ruleID:    req.RuleID,
		requestID: requestID,
		created:   req.CreatedAt,
	}
}

func (e *ShieldEngine) forgetMeta(id string) {
	e.metaMu.Lock()
	defer e.metaMu.Unlock()
	delete(e.meta, id)
}

func (e *ShieldEngine) takeMeta(id string) (approvalMeta, bool) {
	e.metaMu.Lock()
	defer e.metaMu.Unlock()
	meta, ok := e.meta[id]
	if ok {
		delete(e.meta, id)
	}
	return meta, ok
}

// sweepApprovalMeta drops stale approval metadata and expired cached
// decisions opportunistically on the session sweep cadence.
func (e *ShieldEngine) sweepApprovalMeta() {
	now := time.Now().UTC()

	e.metaMu.Lock()
	if now.Sub(e.lastSweep) < e.sweepJump {
		e.metaMu.Unlock()
		return
	}
	e.lastSweep = now
	for id, m := range e.meta {
		if now.Sub(m.created) > e.metaTTL {
			delete(e.meta, id)
		}
	}
	e.metaMu.Unlock()

	e.cache.Sweep(now)
}

// summarizeArgs flattens args to a "k=v" preview for the session ring. The
// store truncates it to the ring's summary limit.
func summarizeArgs(args map[string]any) string {
	if len(args) == 0 {
		return ""
	}
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%s=%v", k, args[k])
		if b.Len() > session.ArgsSummaryLimit {
			break
		}
	}
	return b.String()
}

func latencyMS(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000.0
}

func containsTool(tools []string, tool string) bool {
	for _, t := range tools {
		if t == tool {
			return true
		}
	}
	return false
}
