package service

import (
	"strings"
	"time"

	"github.com/policyshield/policyshield/internal/domain/rule"
	"github.com/policyshield/policyshield/internal/domain/session"
)

// MatchInput carries everything one match evaluation reads. Nothing in it is
// mutated during matching; the session view is a snapshot.
type MatchInput struct {
	Tool    string
	Args    map[string]any
	Sender  string
	Context map[string]string
	Session session.View
	// PIIFound reports whether the pre-match PII scan produced any match.
	// It satisfies contains_pattern predicates independent of the bound
	// field.
	PIIFound bool
	Now      time.Time
}

// FindBestMatch evaluates the compiled rule-set against one call and returns
// the winning rule, or nil when nothing matches (the default verdict
// applies). All when-clause conditions AND together. Ties break on verdict
// strictness, then severity, then document order; the index already places
// chained rules after plain ones within each bucket.
func FindBestMatch(cs *rule.CompiledSet, in MatchInput) *rule.CompiledRule {
	if cs == nil || len(cs.Rules) == 0 {
		return nil
	}

	ev := matchEval{in: &in}
	best := -1

	consider := func(indices []int) {
		for _, i := range indices {
			// Skip candidates that could not beat the current best
			// even if they matched.
			if !better(cs.Rules, i, best) {
				continue
			}
			cr := &cs.Rules[i]
			if !toolMatches(cr, in.Tool) {
				continue
			}
			if !ev.ruleMatches(cr) {
				continue
			}
			best = i
		}
	}

	consider(cs.ByTool[in.Tool])
	consider(cs.Wildcard)
	consider(cs.Regex)

	if best < 0 {
		return nil
	}
	return &cs.Rules[best]
}

// better reports whether candidate i would beat the current best b:
// strictest verdict, then highest severity, then lowest arena index.
func better(rules []rule.CompiledRule, i, b int) bool {
	if b < 0 {
		return true
	}
	ci, cb := &rules[i], &rules[b]
	if si, sb := ci.Verdict.Strictness(), cb.Verdict.Strictness(); si != sb {
		return si > sb
	}
	if ri, rb := ci.Severity.Rank(), cb.Severity.Rank(); ri != rb {
		return ri > rb
	}
	return i < b
}

// toolMatches reports whether any tool selector of the rule covers the tool.
func toolMatches(cr *rule.CompiledRule, tool string) bool {
	if cr.ToolWildcard {
		return true
	}
	for _, lit := range cr.ToolLiterals {
		if lit == tool {
			return true
		}
	}
	for _, re := range cr.ToolRegexps {
		if re.MatchString(tool) {
			return true
		}
	}
	return false
}

// matchEval evaluates one rule's when-clause against a MatchInput. The CEL
// activation is built lazily and shared across candidates of the same call.
type matchEval struct {
	in         *MatchInput
	activation map[string]any
}

func (ev *matchEval) ruleMatches(cr *rule.CompiledRule) bool {
	if cr.When.Sender != "" && cr.When.Sender != ev.in.Sender {
		return false
	}
	for _, ap := range cr.Args {
		if !ev.argSatisfied(ap) {
			return false
		}
	}
	for _, sp := range cr.Session {
		if !ev.sessionSatisfied(sp) {
			return false
		}
	}
	for _, cp := range cr.Context {
		if !contextSatisfied(cp, ev.in.Context, ev.in.Now) {
			return false
		}
	}
	if cr.HasChain && !chainSatisfied(cr.When.Chain, ev.in.Session.Events, ev.in.Now) {
		return false
	}
	if cr.Program != nil && !rule.EvalProgram(cr.Program, ev.buildActivation()) {
		return false
	}
	return true
}

func (ev *matchEval) argSatisfied(ap rule.ArgPredicate) bool {
	if ap.Pred.Kind == rule.KindContainsPattern {
		return ev.in.PIIFound
	}
	if ap.AnyField {
		return anyLeafSatisfies(ev.in.Args, ap.Pred)
	}
	v, ok := ev.in.Args[ap.Field]
	if !ok {
		return false
	}
	s, ok := scalarString(v)
	if !ok {
		// Values without a scalar form fail the predicate, they never
		// abort the match pass.
		return false
	}
	return predSatisfied(ap.Pred, s)
}

func (ev *matchEval) sessionSatisfied(sp rule.SessionPredicate) bool {
	have := ev.in.Session.TotalCalls
	if sp.Tool != "" {
		have = ev.in.Session.ToolCounts[sp.Tool]
	}
	return sp.Op.Eval(have, sp.Value)
}

func (ev *matchEval) buildActivation() map[string]any {
	if ev.activation == nil {
		ev.activation = rule.BuildActivation(ev.in.Tool, ev.in.Sender, ev.in.Args, map[string]any{
			"total_calls": ev.in.Session.TotalCalls,
			"tool_counts": ev.in.Session.ToolCounts,
			"pii_tainted": ev.in.Session.PIITainted,
		}, ev.in.Context)
	}
	return ev.activation
}

// predSatisfied applies a compiled predicate to a stringified value.
// KindContainsPattern is handled before stringification and never reaches
// here.
func predSatisfied(p rule.Predicate, s string) bool {
	switch p.Kind {
	case rule.KindRegex:
		return p.Regex.MatchString(s)
	case rule.KindContains:
		return strings.Contains(s, p.Value)
	case rule.KindStartsWith:
		return strings.HasPrefix(s, p.Value)
	case rule.KindEq:
		return s == p.Value
	}
	return false
}

// anyLeafSatisfies walks args depth-first and reports whether any string
// leaf satisfies the predicate.
func anyLeafSatisfies(v any, p rule.Predicate) bool {
	switch val := v.(type) {
	case string:
		return predSatisfied(p, val)
	case map[string]any:
		for _, child := range val {
			if anyLeafSatisfies(child, p) {
				return true
			}
		}
	case []any:
		for _, child := range val {
			if anyLeafSatisfies(child, p) {
				return true
			}
		}
	}
	return false
}

// scalarString renders a scalar arg value for predicate evaluation.
// Composite values have no scalar form.
func scalarString(v any) (string, bool) {
	switch v.(type) {
	case string, bool, int, int64, float64:
		return rule.StringifyScalar(v), true
	}
	return "", false
}

// contextSatisfied evaluates one context predicate. time_of_day and
// day_of_week read the clock; everything else reads the caller context,
// where a missing key fails regardless of negation.
func contextSatisfied(cp rule.ContextPredicate, ctx map[string]string, now time.Time) bool {
	var in bool
	switch cp.Kind {
	case rule.CtxTimeOfDay:
		local := now.Local()
		in = cp.InClockRange(local.Hour()*60 + local.Minute())
	case rule.CtxDayOfWeek:
		in = cp.InWeekdayRange(now.Local().Weekday())
	default:
		v, ok := ctx[cp.Key]
		if !ok {
			return false
		}
		in = v == cp.Value
	}
	if cp.Negate {
		return !in
	}
	return in
}

// chainSatisfied checks every chain condition against the session event
// ring: tool equal, age within bound, optional verdict filter, and at least
// MinCount qualifying entries.
func chainSatisfied(chain []rule.ChainCondition, events []session.Event, now time.Time) bool {
	for _, cc := range chain {
		need := cc.MinCount
		if need < 1 {
			need = 1
		}
		count := 0
		for _, e := range events {
			if e.Tool != cc.Tool {
				continue
			}
			if now.Sub(e.At) > cc.Within {
				continue
			}
			if cc.Verdict != "" && e.Verdict != cc.Verdict {
				continue
			}
			count++
			if count >= need {
				break
			}
		}
		if count < need {
			return false
		}
	}
	return true
}
