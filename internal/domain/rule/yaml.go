package rule

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"gopkg.in/yaml.v3"
)

// docSet is the YAML document form of a rule-set. The exported Set is built
// from this; Serialize converts back. Keeping the document shape separate
// lets the in-memory model hold compiled-friendly types (durations, verdict
// constants) without leaking them into the wire schema.
type docSet struct {
	ShieldName     string         `yaml:"shield_name"`
	Version        string         `yaml:"version"`
	DefaultVerdict string         `yaml:"default_verdict,omitempty"`
	Rules          []docRule      `yaml:"rules,omitempty"`
	RateLimits     []docRateLimit `yaml:"rate_limits,omitempty"`
	PIIPatterns    []docPII       `yaml:"pii_patterns,omitempty"`
	TaintChain     *docTaintChain `yaml:"taint_chain,omitempty"`
	Session        *docSession    `yaml:"session,omitempty"`
}

type docRule struct {
	ID               string  `yaml:"id"`
	Description      string  `yaml:"description,omitempty"`
	When             docWhen `yaml:"when"`
	Then             string  `yaml:"then"`
	Severity         string  `yaml:"severity,omitempty"`
	Message          string  `yaml:"message,omitempty"`
	Enabled          *bool   `yaml:"enabled,omitempty"`
	ApprovalStrategy string  `yaml:"approval_strategy,omitempty"`
}

type docWhen struct {
	Tool      toolList                 `yaml:"tool"`
	ArgsMatch map[string]PredicateSpec `yaml:"args_match,omitempty"`
	Session   map[string]CmpSpec       `yaml:"session,omitempty"`
	Sender    string                   `yaml:"sender,omitempty"`
	Context   map[string]string        `yaml:"context,omitempty"`
	Chain     []docChain               `yaml:"chain,omitempty"`
	Expr      string                   `yaml:"expr,omitempty"`
}

type docChain struct {
	Tool          string  `yaml:"tool"`
	WithinSeconds float64 `yaml:"within_seconds"`
	Verdict       string  `yaml:"verdict,omitempty"`
	MinCount      int     `yaml:"min_count,omitempty"`
}

type docRateLimit struct {
	Tool     string `yaml:"tool"`
	MaxCalls int    `yaml:"max_calls"`
	Window   int    `yaml:"window"`
	Scope    string `yaml:"scope,omitempty"`
}

type docPII struct {
	Type    string `yaml:"type"`
	Label   string `yaml:"label"`
	Pattern string `yaml:"pattern"`
}

type docTaintChain struct {
	Enabled       bool     `yaml:"enabled"`
	OutgoingTools []string `yaml:"outgoing_tools,omitempty"`
}

type docSession struct {
	EventBufferSize int `yaml:"event_buffer_size,omitempty"`
}

// toolList accepts a scalar or a sequence for the when.tool field.
type toolList []string

func (t *toolList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		var s string
		if err := value.Decode(&s); err != nil {
			return err
		}
		*t = toolList{s}
		return nil
	case yaml.SequenceNode:
		var list []string
		if err := value.Decode(&list); err != nil {
			return err
		}
		*t = toolList(list)
		return nil
	default:
		return fmt.Errorf("tool must be a string or a list of strings")
	}
}

func (t toolList) MarshalYAML() (any, error) {
	if len(t) == 1 {
		return t[0], nil
	}
	return []string(t), nil
}

// DefaultEventBufferSize is the event ring capacity when the rule-set does
// not set session.event_buffer_size.
const DefaultEventBufferSize = 100

// Parse decodes and validates a YAML rule-set. Regexes and CEL expressions
// are not compiled here; Compile does that. The returned Set carries the
// deterministic content hash of the normalized source.
func Parse(data []byte) (*Set, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var doc docSet
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse rule-set: %w", err)
	}

	set, err := fromDoc(&doc)
	if err != nil {
		return nil, err
	}

	normalized, err := yaml.Marshal(&doc)
	if err != nil {
		return nil, fmt.Errorf("normalize rule-set: %w", err)
	}
	set.Hash = fmt.Sprintf("%016x", xxhash.Sum64(normalized))
	return set, nil
}

// ParseFile reads and parses one rule-set file.
func ParseFile(path string) (*Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules %s: %w", path, err)
	}
	set, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return set, nil
}

// Serialize renders the rule-set back to its normalized YAML form.
// Parse(Serialize(s)) yields an equal Set (document order preserved).
func Serialize(set *Set) ([]byte, error) {
	return yaml.Marshal(toDoc(set))
}

func fromDoc(doc *docSet) (*Set, error) {
	set := &Set{
		ShieldName: doc.ShieldName,
		Version:    doc.Version,
	}

	set.DefaultVerdict = VerdictAllow
	if doc.DefaultVerdict != "" {
		v, err := ParseVerdict(doc.DefaultVerdict)
		if err != nil {
			return nil, fmt.Errorf("default_verdict: %w", err)
		}
		set.DefaultVerdict = v
	}

	seen := make(map[string]int, len(doc.Rules))
	for i, dr := range doc.Rules {
		r, err := ruleFromDoc(dr, i)
		if err != nil {
			return nil, err
		}
		if r.Enabled {
			if prev, dup := seen[r.ID]; dup {
				return nil, fmt.Errorf("rule %q: duplicate id (rules %d and %d)", r.ID, prev, i)
			}
			seen[r.ID] = i
		}
		set.Rules = append(set.Rules, r)
	}

	for i, dl := range doc.RateLimits {
		if dl.Tool == "" {
			return nil, fmt.Errorf("rate_limits[%d]: tool is required", i)
		}
		if dl.MaxCalls < 1 {
			return nil, fmt.Errorf("rate_limits[%d]: max_calls must be >= 1", i)
		}
		if dl.Window < 0 {
			return nil, fmt.Errorf("rate_limits[%d]: window must be >= 0", i)
		}
		scope := dl.Scope
		if scope == "" {
			scope = ScopeSession
		}
		if scope != ScopeSession && scope != ScopeGlobal {
			return nil, fmt.Errorf("rate_limits[%d]: scope %q is not session or global", i, dl.Scope)
		}
		set.RateLimits = append(set.RateLimits, RateLimitSpec{
			Tool:     dl.Tool,
			MaxCalls: dl.MaxCalls,
			Window:   time.Duration(dl.Window) * time.Second,
			Scope:    scope,
		})
	}

	for i, dp := range doc.PIIPatterns {
		if !strings.EqualFold(dp.Type, "CUSTOM") {
			return nil, fmt.Errorf("pii_patterns[%d]: type must be CUSTOM", i)
		}
		if dp.Label == "" || dp.Pattern == "" {
			return nil, fmt.Errorf("pii_patterns[%d]: label and pattern are required", i)
		}
		set.PIIPatterns = append(set.PIIPatterns, CustomPIIPattern{Label: dp.Label, Pattern: dp.Pattern})
	}

	if doc.TaintChain != nil {
		set.TaintChain = TaintChainConfig{
			Enabled:       doc.TaintChain.Enabled,
			OutgoingTools: doc.TaintChain.OutgoingTools,
		}
	}

	set.Session.EventBufferSize = DefaultEventBufferSize
	if doc.Session != nil && doc.Session.EventBufferSize > 0 {
		set.Session.EventBufferSize = doc.Session.EventBufferSize
	}

	return set, nil
}

func ruleFromDoc(dr docRule, index int) (Rule, error) {
	r := Rule{
		ID:          dr.ID,
		Description: dr.Description,
		Message:     dr.Message,
		Enabled:     true,
		SourceIndex: index,
	}
	if r.ID == "" {
		return r, fmt.Errorf("rules[%d]: id is required", index)
	}
	if dr.Enabled != nil {
		r.Enabled = *dr.Enabled
	}

	v, err := ParseVerdict(dr.Then)
	if err != nil {
		return r, fmt.Errorf("rule %q: then: %w", r.ID, err)
	}
	r.Verdict = v

	r.Severity = SeverityMedium
	if dr.Severity != "" {
		s := Severity(strings.ToLower(dr.Severity))
		if !s.Valid() {
			return r, fmt.Errorf("rule %q: severity %q is not low|medium|high|critical", r.ID, dr.Severity)
		}
		r.Severity = s
	}

	r.ApprovalStrategy = ApprovalStrategy(strings.ToLower(dr.ApprovalStrategy))
	if !r.ApprovalStrategy.Valid() {
		return r, fmt.Errorf("rule %q: approval_strategy %q is not once|per_session|per_rule|per_tool", r.ID, dr.ApprovalStrategy)
	}

	if len(dr.When.Tool) == 0 {
		return r, fmt.Errorf("rule %q: when.tool is required", r.ID)
	}
	for _, t := range dr.When.Tool {
		if t == "" {
			return r, fmt.Errorf("rule %q: when.tool entries must be non-empty", r.ID)
		}
	}
	r.When = WhenClause{
		Tools:     []string(dr.When.Tool),
		ArgsMatch: dr.When.ArgsMatch,
		Session:   dr.When.Session,
		Sender:    dr.When.Sender,
		Context:   dr.When.Context,
		Expr:      dr.When.Expr,
	}

	for i, spec := range dr.When.ArgsMatch {
		if err := validatePredicateSpec(spec); err != nil {
			return r, fmt.Errorf("rule %q: args_match[%s]: %w", r.ID, i, err)
		}
	}
	for key, spec := range dr.When.Session {
		if err := validateCmpSpec(key, spec); err != nil {
			return r, fmt.Errorf("rule %q: session: %w", r.ID, err)
		}
	}

	for i, dc := range dr.When.Chain {
		if dc.Tool == "" {
			return r, fmt.Errorf("rule %q: chain[%d]: tool is required", r.ID, i)
		}
		if dc.WithinSeconds <= 0 {
			return r, fmt.Errorf("rule %q: chain[%d]: within_seconds must be > 0", r.ID, i)
		}
		cc := ChainCondition{
			Tool:     dc.Tool,
			Within:   time.Duration(dc.WithinSeconds * float64(time.Second)),
			MinCount: 1,
		}
		if dc.MinCount != 0 {
			if dc.MinCount < 1 {
				return r, fmt.Errorf("rule %q: chain[%d]: min_count must be >= 1", r.ID, i)
			}
			cc.MinCount = dc.MinCount
		}
		if dc.Verdict != "" {
			cv, err := ParseVerdict(dc.Verdict)
			if err != nil {
				return r, fmt.Errorf("rule %q: chain[%d]: %w", r.ID, i, err)
			}
			cc.Verdict = cv
		}
		r.When.Chain = append(r.When.Chain, cc)
	}

	return r, nil
}

func validatePredicateSpec(spec PredicateSpec) error {
	n := 0
	if spec.Regex != "" {
		n++
	}
	if spec.Contains != "" {
		n++
	}
	if spec.StartsWith != "" {
		n++
	}
	if spec.Eq != nil {
		n++
	}
	if spec.ContainsPattern != "" {
		n++
	}
	if n != 1 {
		return fmt.Errorf("exactly one of regex|contains|starts_with|eq|contains_pattern must be set")
	}
	if spec.ContainsPattern != "" && !strings.EqualFold(spec.ContainsPattern, PatternKindPII) {
		return fmt.Errorf("contains_pattern %q is not supported (only %q)", spec.ContainsPattern, PatternKindPII)
	}
	return nil
}

func validateCmpSpec(key string, spec CmpSpec) error {
	if key != "total_calls" && !strings.HasPrefix(key, "tool_count.") {
		return fmt.Errorf("%s: key must be total_calls or tool_count.<tool>", key)
	}
	if strings.HasPrefix(key, "tool_count.") && key == "tool_count." {
		return fmt.Errorf("%s: tool name missing", key)
	}
	n := 0
	for _, p := range []*int{spec.Gt, spec.Lt, spec.Gte, spec.Lte, spec.Eq} {
		if p != nil {
			n++
		}
	}
	if n != 1 {
		return fmt.Errorf("%s: exactly one of gt|lt|gte|lte|eq must be set", key)
	}
	return nil
}

// ParseVerdict converts a case-insensitive verdict word into a Verdict.
func ParseVerdict(s string) (Verdict, error) {
	v := Verdict(strings.ToUpper(s))
	if !v.Valid() {
		return "", fmt.Errorf("verdict %q is not allow|block|redact|approve", s)
	}
	return v, nil
}

func toDoc(set *Set) *docSet {
	doc := &docSet{
		ShieldName:     set.ShieldName,
		Version:        set.Version,
		DefaultVerdict: strings.ToLower(string(set.DefaultVerdict)),
	}

	for _, r := range set.Rules {
		dr := docRule{
			ID:               r.ID,
			Description:      r.Description,
			Then:             strings.ToLower(string(r.Verdict)),
			Severity:         string(r.Severity),
			Message:          r.Message,
			ApprovalStrategy: string(r.ApprovalStrategy),
			When: docWhen{
				Tool:      toolList(r.When.Tools),
				ArgsMatch: r.When.ArgsMatch,
				Session:   r.When.Session,
				Sender:    r.When.Sender,
				Context:   r.When.Context,
				Expr:      r.When.Expr,
			},
		}
		if !r.Enabled {
			enabled := false
			dr.Enabled = &enabled
		}
		for _, cc := range r.When.Chain {
			dc := docChain{
				Tool:          cc.Tool,
				WithinSeconds: cc.Within.Seconds(),
			}
			if cc.Verdict != "" {
				dc.Verdict = strings.ToLower(string(cc.Verdict))
			}
			if cc.MinCount > 1 {
				dc.MinCount = cc.MinCount
			}
			dr.When.Chain = append(dr.When.Chain, dc)
		}
		doc.Rules = append(doc.Rules, dr)
	}

	for _, rl := range set.RateLimits {
		doc.RateLimits = append(doc.RateLimits, docRateLimit{
			Tool:     rl.Tool,
			MaxCalls: rl.MaxCalls,
			Window:   int(rl.Window / time.Second),
			Scope:    rl.Scope,
		})
	}

	for _, p := range set.PIIPatterns {
		doc.PIIPatterns = append(doc.PIIPatterns, docPII{Type: "CUSTOM", Label: p.Label, Pattern: p.Pattern})
	}

	if set.TaintChain.Enabled || len(set.TaintChain.OutgoingTools) > 0 {
		doc.TaintChain = &docTaintChain{
			Enabled:       set.TaintChain.Enabled,
			OutgoingTools: set.TaintChain.OutgoingTools,
		}
	}

	if set.Session.EventBufferSize != DefaultEventBufferSize {
		doc.Session = &docSession{EventBufferSize: set.Session.EventBufferSize}
	}

	return doc
}
