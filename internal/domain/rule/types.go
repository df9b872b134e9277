// Package rule contains the policy rule model: verdicts, when-clauses,
// rate-limit and taint-chain configuration, and the compiled rule-set
// consulted on every check.
package rule

import (
	"regexp"
	"time"

	"github.com/google/cel-go/cel"
)

// Verdict is the authoritative decision for one tool call.
// Wire responses carry the uppercase string form.
type Verdict string

const (
	VerdictAllow   Verdict = "ALLOW"
	VerdictBlock   Verdict = "BLOCK"
	VerdictRedact  Verdict = "REDACT"
	VerdictApprove Verdict = "APPROVE"
)

// Strictness orders verdicts for tie-breaking: BLOCK > APPROVE > REDACT > ALLOW.
func (v Verdict) Strictness() int {
	switch v {
	case VerdictBlock:
		return 3
	case VerdictApprove:
		return 2
	case VerdictRedact:
		return 1
	default:
		return 0
	}
}

// Valid reports whether v is one of the four known verdicts.
func (v Verdict) Valid() bool {
	switch v {
	case VerdictAllow, VerdictBlock, VerdictRedact, VerdictApprove:
		return true
	}
	return false
}

// Severity ranks a rule's importance. Ordering is secondary to verdict
// strictness when breaking ties between matching rules.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank returns the numeric order of the severity (higher is more severe).
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityHigh:
		return 2
	case SeverityMedium:
		return 1
	default:
		return 0
	}
}

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// Mode controls how the engine acts on verdicts.
type Mode string

const (
	// ModeEnforce applies verdicts as computed.
	ModeEnforce Mode = "ENFORCE"
	// ModeAudit records everything but coerces blocking verdicts to ALLOW.
	ModeAudit Mode = "AUDIT"
	// ModeDisabled short-circuits every check to ALLOW.
	ModeDisabled Mode = "DISABLED"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeEnforce, ModeAudit, ModeDisabled:
		return true
	}
	return false
}

// ApprovalStrategy selects how approvals for a rule are cached and reused.
type ApprovalStrategy string

const (
	// StrategyNone means every APPROVE verdict waits on the backend.
	StrategyNone ApprovalStrategy = ""
	// StrategyOnce reuses an approval for the exact same arguments (hash match).
	StrategyOnce ApprovalStrategy = "once"
	// StrategyPerSession reuses an approval for the rule within one session.
	StrategyPerSession ApprovalStrategy = "per_session"
	// StrategyPerRule reuses an approval for the rule across all sessions.
	StrategyPerRule ApprovalStrategy = "per_rule"
	// StrategyPerTool reuses an approval for the tool within one session.
	StrategyPerTool ApprovalStrategy = "per_tool"
)

// Valid reports whether s is a known strategy (including the empty default).
func (s ApprovalStrategy) Valid() bool {
	switch s {
	case StrategyNone, StrategyOnce, StrategyPerSession, StrategyPerRule, StrategyPerTool:
		return true
	}
	return false
}

// Rule is one declarative policy rule as loaded from the rule-set source.
type Rule struct {
	// ID is unique among enabled rules within a rule-set.
	ID string
	// Description explains the rule for humans; used in counterexample messages.
	Description string
	// When is the condition clause; all parts AND together.
	When WhenClause
	// Verdict is applied when the rule matches.
	Verdict Verdict
	// Severity breaks ties between rules with equal verdicts.
	Severity Severity
	// Message overrides the default counterexample text when set.
	Message string
	// Enabled rules participate in matching; disabled ones are skipped at compile.
	Enabled bool
	// ApprovalStrategy controls approval caching for APPROVE rules.
	ApprovalStrategy ApprovalStrategy
	// SourceIndex is the rule's position in the source document (0-based).
	SourceIndex int
}

// WhenClause is the uncompiled condition of a rule.
type WhenClause struct {
	// Tools holds the tool selectors (literals, regex patterns, or "*").
	Tools []string
	// ArgsMatch maps an argument field (or "any_field") to a predicate.
	ArgsMatch map[string]PredicateSpec
	// Session holds comparisons against session counters,
	// keyed by "tool_count.<tool>" or "total_calls".
	Session map[string]CmpSpec
	// Sender restricts the rule to one declared caller.
	Sender string
	// Context holds context predicates: "time_of_day", "day_of_week", or
	// arbitrary exact-match keys. A value's leading "!" negates it.
	Context map[string]string
	// Chain lists temporal preconditions checked against the session event ring.
	Chain []ChainCondition
	// Expr is an optional CEL expression AND-combined with the rest.
	Expr string
}

// PredicateSpec is the YAML-facing form of an argument predicate.
// Exactly one field must be set.
type PredicateSpec struct {
	Regex           string `yaml:"regex,omitempty"`
	Contains        string `yaml:"contains,omitempty"`
	StartsWith      string `yaml:"starts_with,omitempty"`
	Eq              any    `yaml:"eq,omitempty"`
	ContainsPattern string `yaml:"contains_pattern,omitempty"`
}

// CmpSpec is the YAML-facing form of an integer comparison.
// Exactly one field must be set.
type CmpSpec struct {
	Gt  *int `yaml:"gt,omitempty"`
	Lt  *int `yaml:"lt,omitempty"`
	Gte *int `yaml:"gte,omitempty"`
	Lte *int `yaml:"lte,omitempty"`
	Eq  *int `yaml:"eq,omitempty"`
}

// ChainCondition requires another tool call to have occurred recently in the
// same session. All chain conditions of a rule are AND-combined.
type ChainCondition struct {
	// Tool names the earlier call that must be present in the event ring.
	Tool string
	// Within bounds the age of the earlier call.
	Within time.Duration
	// Verdict, when set, restricts matching ring entries to that verdict.
	Verdict Verdict
	// MinCount is the minimum number of qualifying ring entries (default 1).
	MinCount int
}

// RateLimitSpec configures one sliding-window limit from the rule-set.
type RateLimitSpec struct {
	// Tool is a literal tool name or "*" for all tools.
	Tool string
	// MaxCalls is the number of calls allowed inside the window.
	MaxCalls int
	// Window is the sliding window length. Zero means a lifetime counter
	// with no eviction.
	Window time.Duration
	// Scope is "session" (per session) or "global" (all sessions combined).
	Scope string
}

// Rate limit scopes.
const (
	ScopeSession = "session"
	ScopeGlobal  = "global"
)

// CustomPIIPattern is a user-supplied detection pattern from the rule-set.
// Matches are reported with type CUSTOM and the given label.
type CustomPIIPattern struct {
	Label   string
	Pattern string
}

// TaintChainConfig enables blocking of outgoing tools after a session is
// marked tainted by a post-check PII detection.
type TaintChainConfig struct {
	Enabled       bool
	OutgoingTools []string
}

// SessionConfig carries per-rule-set session tuning.
type SessionConfig struct {
	// EventBufferSize is the event ring capacity (default 100).
	EventBufferSize int
}

// Set is a parsed, validated rule-set. Compilation (regexes, CEL, index
// buckets) produces a CompiledSet; Set itself is inert data.
type Set struct {
	ShieldName     string
	Version        string
	DefaultVerdict Verdict
	Rules          []Rule
	RateLimits     []RateLimitSpec
	PIIPatterns    []CustomPIIPattern
	TaintChain     TaintChainConfig
	Session        SessionConfig
	// Hash is the deterministic content hash of the normalized source.
	// It identifies the rule-set for reload and idempotency.
	Hash string
}

// Predicate is the compiled, evaluable form of PredicateSpec.
// Kind selects which field is meaningful.
type Predicate struct {
	Kind PredicateKind
	// Regex is set for KindRegex.
	Regex *regexp.Regexp
	// Value is set for KindContains, KindStartsWith and KindEq.
	Value string
	// PatternKind is set for KindContainsPattern (currently only "pii").
	PatternKind string
}

// PredicateKind tags the Predicate sum type.
type PredicateKind uint8

const (
	KindRegex PredicateKind = iota
	KindContains
	KindStartsWith
	KindEq
	KindContainsPattern
)

// PatternKindPII is the only supported contains_pattern value.
const PatternKindPII = "pii"

// ArgPredicate binds a compiled predicate to an argument field.
// AnyField applies the predicate to every stringifiable leaf of the args tree.
type ArgPredicate struct {
	Field    string
	AnyField bool
	Pred     Predicate
}

// AnyField is the special args_match field name that matches any leaf value.
const AnyField = "any_field"

// CmpOp tags integer comparison operators.
type CmpOp uint8

const (
	CmpGt CmpOp = iota
	CmpLt
	CmpGte
	CmpLte
	CmpEq
)

// Eval applies the operator.
func (op CmpOp) Eval(have, want int) bool {
	switch op {
	case CmpGt:
		return have > want
	case CmpLt:
		return have < want
	case CmpGte:
		return have >= want
	case CmpLte:
		return have <= want
	default:
		return have == want
	}
}

// SessionPredicate is a compiled comparison against session counters.
type SessionPredicate struct {
	// Tool is the counter's tool name; empty means total_calls.
	Tool  string
	Op    CmpOp
	Value int
}

// ContextKind tags compiled context predicates.
type ContextKind uint8

const (
	// CtxExact compares the context value for string equality.
	CtxExact ContextKind = iota
	// CtxTimeOfDay checks the local wall-clock time against a range.
	CtxTimeOfDay
	// CtxDayOfWeek checks the local weekday against a range.
	CtxDayOfWeek
)

// ContextPredicate is a compiled context condition. A missing context key
// fails the predicate regardless of negation state.
type ContextPredicate struct {
	Kind   ContextKind
	Key    string
	Negate bool
	// Value is the exact-match operand for CtxExact.
	Value string
	// StartMin/EndMin bound CtxTimeOfDay in minutes since local midnight.
	// Ranges may wrap past midnight (start > end).
	StartMin, EndMin int
	// StartDay/EndDay bound CtxDayOfWeek. Ranges may wrap past Sunday.
	StartDay, EndDay time.Weekday
}

// CompiledRule is one arena entry: the source rule plus every precompiled
// matcher input. Compiled rules are immutable after compilation.
type CompiledRule struct {
	Rule

	// Tool selectors, split by class at compile time.
	ToolLiterals []string
	ToolRegexps  []*regexp.Regexp
	ToolWildcard bool

	Args    []ArgPredicate
	Session []SessionPredicate
	Context []ContextPredicate

	// Program is the compiled CEL expression, nil when When.Expr is empty.
	Program cel.Program

	// HasChain mirrors len(When.Chain) > 0; chained rules are evaluated
	// after plain ones because chain checks need the event ring.
	HasChain bool
}

// CompiledSet is the immutable compiled rule-set: a contiguous rule arena
// plus index buckets holding arena positions. Reload replaces the whole
// structure; nothing mutates a published CompiledSet.
type CompiledSet struct {
	Source *Set

	// Rules is the arena. Order equals enabled-rule document order, so the
	// arena index doubles as the tie-break source position.
	Rules []CompiledRule

	// ByTool buckets arena indices by literal tool name.
	ByTool map[string][]int
	// Wildcard holds indices of rules with a "*" selector.
	Wildcard []int
	// Regex holds indices of rules with regex tool selectors; these are
	// scanned linearly per call.
	Regex []int
}

// RulesCount returns the number of enabled, compiled rules.
func (cs *CompiledSet) RulesCount() int {
	return len(cs.Rules)
}

// CandidateCount is a small helper for constraint summaries: the number of
// index buckets a call with the given literal tool would consult.
func (cs *CompiledSet) Candidates(tool string) []int {
	out := make([]int, 0, len(cs.ByTool[tool])+len(cs.Wildcard)+len(cs.Regex))
	out = append(out, cs.ByTool[tool]...)
	out = append(out, cs.Wildcard...)
	out = append(out, cs.Regex...)
	return out
}
