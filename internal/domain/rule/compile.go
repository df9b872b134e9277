package rule

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

// toolMetaChars are the characters that mark a tool selector as a regex
// pattern rather than a literal name. A lone "*" is the wildcard selector.
const toolMetaChars = `.*+?()[]{}|^$\`

// Compile turns a parsed Set into an immutable CompiledSet: every regex and
// CEL expression compiled, context predicates parsed, and the arena indexed
// into literal/wildcard/regex buckets. Any compilation failure fails the
// whole load; a partially compiled set is never returned.
func Compile(set *Set) (*CompiledSet, error) {
	cs := &CompiledSet{
		Source: set,
		ByTool: make(map[string][]int),
	}

	var celEnv *celEnvironment
	for _, r := range set.Rules {
		if r.When.Expr != "" {
			env, err := newCELEnvironment()
			if err != nil {
				return nil, fmt.Errorf("cel environment: %w", err)
			}
			celEnv = env
			break
		}
	}

	for _, r := range set.Rules {
		if !r.Enabled {
			continue
		}
		cr, err := compileRule(r, celEnv)
		if err != nil {
			return nil, err
		}
		cs.Rules = append(cs.Rules, cr)
	}

	indexRules(cs)
	return cs, nil
}

func compileRule(r Rule, celEnv *celEnvironment) (CompiledRule, error) {
	cr := CompiledRule{Rule: r, HasChain: len(r.When.Chain) > 0}

	for _, sel := range r.When.Tools {
		switch {
		case sel == "*":
			cr.ToolWildcard = true
		case strings.ContainsAny(sel, toolMetaChars):
			re, err := regexp.Compile(sel)
			if err != nil {
				return cr, fmt.Errorf("rule %q: tool pattern %q: %w", r.ID, sel, err)
			}
			cr.ToolRegexps = append(cr.ToolRegexps, re)
		default:
			cr.ToolLiterals = append(cr.ToolLiterals, sel)
		}
	}

	// Sort args predicates by field for deterministic evaluation order.
	fields := make([]string, 0, len(r.When.ArgsMatch))
	for f := range r.When.ArgsMatch {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	for _, f := range fields {
		spec := r.When.ArgsMatch[f]
		pred, err := compilePredicate(spec)
		if err != nil {
			return cr, fmt.Errorf("rule %q: args_match[%s]: %w", r.ID, f, err)
		}
		cr.Args = append(cr.Args, ArgPredicate{
			Field:    f,
			AnyField: f == AnyField,
			Pred:     pred,
		})
	}

	keys := make([]string, 0, len(r.When.Session))
	for k := range r.When.Session {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		sp, err := compileSessionPredicate(k, r.When.Session[k])
		if err != nil {
			return cr, fmt.Errorf("rule %q: session: %w", r.ID, err)
		}
		cr.Session = append(cr.Session, sp)
	}

	ctxKeys := make([]string, 0, len(r.When.Context))
	for k := range r.When.Context {
		ctxKeys = append(ctxKeys, k)
	}
	sort.Strings(ctxKeys)
	for _, k := range ctxKeys {
		cp, err := compileContextPredicate(k, r.When.Context[k])
		if err != nil {
			return cr, fmt.Errorf("rule %q: context[%s]: %w", r.ID, k, err)
		}
		cr.Context = append(cr.Context, cp)
	}

	if r.When.Expr != "" {
		prog, err := celEnv.compile(r.When.Expr)
		if err != nil {
			return cr, fmt.Errorf("rule %q: expr: %w", r.ID, err)
		}
		cr.Program = prog
	}

	return cr, nil
}

func compilePredicate(spec PredicateSpec) (Predicate, error) {
	switch {
	case spec.Regex != "":
		re, err := regexp.Compile(spec.Regex)
		if err != nil {
			return Predicate{}, fmt.Errorf("regex %q: %w", spec.Regex, err)
		}
		return Predicate{Kind: KindRegex, Regex: re}, nil
	case spec.Contains != "":
		return Predicate{Kind: KindContains, Value: spec.Contains}, nil
	case spec.StartsWith != "":
		return Predicate{Kind: KindStartsWith, Value: spec.StartsWith}, nil
	case spec.Eq != nil:
		return Predicate{Kind: KindEq, Value: StringifyScalar(spec.Eq)}, nil
	case spec.ContainsPattern != "":
		return Predicate{Kind: KindContainsPattern, PatternKind: strings.ToLower(spec.ContainsPattern)}, nil
	default:
		return Predicate{}, fmt.Errorf("empty predicate")
	}
}

func compileSessionPredicate(key string, spec CmpSpec) (SessionPredicate, error) {
	sp := SessionPredicate{}
	if strings.HasPrefix(key, "tool_count.") {
		sp.Tool = strings.TrimPrefix(key, "tool_count.")
	}

	switch {
	case spec.Gt != nil:
		sp.Op, sp.Value = CmpGt, *spec.Gt
	case spec.Lt != nil:
		sp.Op, sp.Value = CmpLt, *spec.Lt
	case spec.Gte != nil:
		sp.Op, sp.Value = CmpGte, *spec.Gte
	case spec.Lte != nil:
		sp.Op, sp.Value = CmpLte, *spec.Lte
	case spec.Eq != nil:
		sp.Op, sp.Value = CmpEq, *spec.Eq
	default:
		return sp, fmt.Errorf("%s: empty comparison", key)
	}
	return sp, nil
}

func compileContextPredicate(key, raw string) (ContextPredicate, error) {
	cp := ContextPredicate{Key: key}
	value := raw
	if strings.HasPrefix(value, "!") {
		cp.Negate = true
		value = value[1:]
	}

	switch key {
	case "time_of_day":
		start, end, err := parseClockRange(value)
		if err != nil {
			return cp, err
		}
		cp.Kind = CtxTimeOfDay
		cp.StartMin, cp.EndMin = start, end
	case "day_of_week":
		start, end, err := parseWeekdayRange(value)
		if err != nil {
			return cp, err
		}
		cp.Kind = CtxDayOfWeek
		cp.StartDay, cp.EndDay = start, end
	default:
		cp.Kind = CtxExact
		cp.Value = value
	}
	return cp, nil
}

// parseClockRange parses "HH:MM-HH:MM" into minutes since midnight.
// The range may wrap past midnight (e.g. "22:00-06:00").
func parseClockRange(s string) (start, end int, err error) {
	parts := strings.SplitN(s, "-", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("time_of_day %q: want HH:MM-HH:MM", s)
	}
	start, err = parseClock(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("time_of_day %q: %w", s, err)
	}
	end, err = parseClock(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("time_of_day %q: %w", s, err)
	}
	return start, end, nil
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("bad clock value %q", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday,
	"wed": time.Wednesday, "thu": time.Thursday, "fri": time.Friday,
	"sat": time.Saturday,
}

// parseWeekdayRange parses "Mon-Fri" style ranges; a single day ("Sat") is a
// one-day range. Ranges may wrap past Sunday (e.g. "Fri-Mon").
func parseWeekdayRange(s string) (start, end time.Weekday, err error) {
	parts := strings.SplitN(s, "-", 2)
	start, err = parseWeekday(parts[0])
	if err != nil {
		return 0, 0, err
	}
	if len(parts) == 1 {
		return start, start, nil
	}
	end, err = parseWeekday(parts[1])
	if err != nil {
		return 0, 0, err
	}
	return start, end, nil
}

func parseWeekday(s string) (time.Weekday, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	if len(key) > 3 {
		key = key[:3]
	}
	day, ok := weekdayNames[key]
	if !ok {
		return 0, fmt.Errorf("bad weekday %q", s)
	}
	return day, nil
}

// InClockRange reports whether the minute-of-day m falls inside the
// (possibly wrapping) range.
func (cp ContextPredicate) InClockRange(m int) bool {
	if cp.StartMin <= cp.EndMin {
		return m >= cp.StartMin && m <= cp.EndMin
	}
	return m >= cp.StartMin || m <= cp.EndMin
}

// InWeekdayRange reports whether the weekday falls inside the (possibly
// wrapping) range.
func (cp ContextPredicate) InWeekdayRange(d time.Weekday) bool {
	if cp.StartDay <= cp.EndDay {
		return d >= cp.StartDay && d <= cp.EndDay
	}
	return d >= cp.StartDay || d <= cp.EndDay
}

// indexRules builds the tool buckets. Within each bucket, plain rules come
// before chained ones (chain checks need the event ring and run last);
// document order is preserved within each group.
func indexRules(cs *CompiledSet) {
	appendIdx := func(dst []int, i int) []int { return append(dst, i) }

	var plain, chained []int
	for i := range cs.Rules {
		if cs.Rules[i].HasChain {
			chained = append(chained, i)
		} else {
			plain = append(plain, i)
		}
	}

	for _, group := range [][]int{plain, chained} {
		for _, i := range group {
			cr := &cs.Rules[i]
			for _, lit := range cr.ToolLiterals {
				cs.ByTool[lit] = appendIdx(cs.ByTool[lit], i)
			}
			if cr.ToolWildcard {
				cs.Wildcard = appendIdx(cs.Wildcard, i)
			}
			if len(cr.ToolRegexps) > 0 {
				cs.Regex = appendIdx(cs.Regex, i)
			}
		}
	}
}

// StringifyScalar renders a YAML scalar the way args leaves are stringified
// during matching, so eq predicates compare consistently.
func StringifyScalar(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		if t {
			return "true"
		}
		return "false"
	case int:
		return fmt.Sprintf("%d", t)
	case int64:
		return fmt.Sprintf("%d", t)
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%g", t)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// Load parses and compiles a rule-set file in one step.
func Load(path string) (*CompiledSet, error) {
	set, err := ParseFile(path)
	if err != nil {
		return nil, err
	}
	return Compile(set)
}

// LoadBytes parses and compiles an in-memory rule-set source.
func LoadBytes(data []byte) (*CompiledSet, error) {
	set, err := Parse(data)
	if err != nil {
		return nil, err
	}
	return Compile(set)
}

// LoadPath loads a rule-set from a file or from every *.yaml/*.yml file in
// a directory, merged in lexical filename order.
func LoadPath(path string) (*CompiledSet, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat rules %s: %w", path, err)
	}
	if !info.IsDir() {
		return Load(path)
	}

	files, err := RuleFiles(path)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no rule files (*.yaml, *.yml) in %s", path)
	}

	sets := make([]*Set, 0, len(files))
	for _, f := range files {
		set, err := ParseFile(f)
		if err != nil {
			return nil, err
		}
		sets = append(sets, set)
	}

	merged, err := MergeSets(sets)
	if err != nil {
		return nil, err
	}
	return Compile(merged)
}

// RuleFiles lists the *.yaml/*.yml files directly under dir, sorted by name.
func RuleFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read rules dir %s: %w", dir, err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext == ".yaml" || ext == ".yml" {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

// MergeSets combines per-file rule-sets into one. The first set provides
// shield_name, version, default_verdict and the session config; rules, rate
// limits and custom PII patterns are concatenated in order. Taint-chain
// config is unioned so the feature can live in any file. Duplicate enabled
// rule ids across files fail the merge. The merged hash covers every
// source hash, so any file edit changes it.
func MergeSets(sets []*Set) (*Set, error) {
	if len(sets) == 0 {
		return nil, fmt.Errorf("merge: no rule-sets")
	}
	if len(sets) == 1 {
		return sets[0], nil
	}

	out := &Set{
		ShieldName:     sets[0].ShieldName,
		Version:        sets[0].Version,
		DefaultVerdict: sets[0].DefaultVerdict,
		Session:        sets[0].Session,
	}

	h := xxhash.New()
	seen := make(map[string]struct{})
	for _, s := range sets {
		for _, r := range s.Rules {
			if r.Enabled {
				if _, dup := seen[r.ID]; dup {
					return nil, fmt.Errorf("rule %q: duplicate id across rule files", r.ID)
				}
				seen[r.ID] = struct{}{}
			}
			r.SourceIndex = len(out.Rules)
			out.Rules = append(out.Rules, r)
		}
		out.RateLimits = append(out.RateLimits, s.RateLimits...)
		out.PIIPatterns = append(out.PIIPatterns, s.PIIPatterns...)

		if s.TaintChain.Enabled {
			out.TaintChain.Enabled = true
		}
		out.TaintChain.OutgoingTools = appendUnique(out.TaintChain.OutgoingTools, s.TaintChain.OutgoingTools...)

		_, _ = h.WriteString(s.Hash)
		_, _ = h.Write([]byte{0})
	}
	out.Hash = fmt.Sprintf("%016x", h.Sum64())
	return out, nil
}

func appendUnique(dst []string, more ...string) []string {
	for _, m := range more {
		found := false
		for _, d := range dst {
			if d == m {
				found = true
				break
			}
		}
		if !found {
			dst = append(dst, m)
		}
	}
	return dst
}
