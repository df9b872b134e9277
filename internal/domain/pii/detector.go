package pii

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/policyshield/policyshield/internal/domain/rule"
)

// builtinPattern pairs a compiled regex with its checksum gate and mask.
// A nil validate accepts every regex candidate.
type builtinPattern struct {
	typ      Type
	re       *regexp.Regexp
	validate func(string) bool
	mask     func(string) string
}

// customPattern is a user-supplied pattern loaded from a rule set.
type customPattern struct {
	label string
	re    *regexp.Regexp
}

// Detector scans strings and argument trees for PII. Patterns are compiled
// once at construction and immutable afterwards, so a single Detector is
// safe for concurrent use.
type Detector struct {
	builtin []builtinPattern
	custom  []customPattern
}

// builtinPatterns is ordered most-specific first: when two patterns match
// overlapping text the earlier one wins and the later candidate is dropped.
var builtinPatterns = []builtinPattern{
	{
		typ:  TypeEmail,
		re:   regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`),
		mask: maskEmail,
	},
	{
		// Prefix-anchored network ranges plus the generic 4x4 grouping,
		// both gated by Luhn.
		typ:      TypeCreditCard,
		re:       regexp.MustCompile(`\b(?:4[0-9]{12}(?:[0-9]{3})?|5[1-5][0-9]{14}|3[47][0-9]{13}|6(?:011|5[0-9]{2})[0-9]{12}|3(?:0[0-5]|[68][0-9])[0-9]{11})\b|\b[0-9]{4}[- ]?[0-9]{4}[- ]?[0-9]{4}[- ]?[0-9]{4}\b`),
		validate: luhnValid,
		mask:     maskCard,
	},
	{
		typ:      TypeIBAN,
		re:       regexp.MustCompile(`\b[A-Z]{2}[0-9]{2}(?: ?[A-Z0-9]{4}){2,7}(?: ?[A-Z0-9]{1,4})?\b`),
		validate: ibanValid,
		mask:     maskIBAN,
	},
	{
		typ:      TypeSSN,
		re:       regexp.MustCompile(`\b[0-9]{3}-[0-9]{2}-[0-9]{4}\b|\b[0-9]{9}\b`),
		validate: ssnValid,
		mask:     maskSSN,
	},
	{
		typ:      TypeABARouting,
		re:       regexp.MustCompile(`\b[0-9]{9}\b`),
		validate: abaValid,
		mask:     maskABA,
	},
	{
		typ:      TypeUKNINO,
		re:       regexp.MustCompile(`\b[A-Z]{2} ?[0-9]{2} ?[0-9]{2} ?[0-9]{2} ?[A-D]\b`),
		validate: ninoValid,
		mask:     maskOpaque,
	},
	{
		typ:  TypePassport,
		re:   regexp.MustCompile(`\b[A-Z]{1,2}[0-9]{6,9}\b`),
		mask: maskOpaque,
	},
	{
		typ:      TypeIPAddress,
		re:       regexp.MustCompile(`\b(?:[0-9]{1,3}\.){3}[0-9]{1,3}\b`),
		validate: ipv4Valid,
		mask:     maskIP,
	},
	{
		typ:  TypePhone,
		re:   regexp.MustCompile(`(?:\+?1[-.\s]?)?\(?[0-9]{3}\)?[-.\s]?[0-9]{3}[-.\s][0-9]{4}\b`),
		mask: maskPhone,
	},
	{
		typ:  TypeDateOfBirth,
		re:   regexp.MustCompile(`\b(?:19|20)[0-9]{2}[-/](?:0[1-9]|1[0-2])[-/](?:0[1-9]|[12][0-9]|3[01])\b|\b(?:0[1-9]|1[0-2])[-/](?:0[1-9]|[12][0-9]|3[01])[-/](?:19|20)[0-9]{2}\b`),
		mask: maskOpaque,
	},
}

// NewDetector builds a Detector from the built-in table plus the given
// custom patterns. A custom pattern that fails to compile aborts
// construction with an error naming its label.
func NewDetector(custom []rule.CustomPIIPattern) (*Detector, error) {
	d := &Detector{builtin: builtinPatterns}
	for _, cp := range custom {
		re, err := regexp.Compile(cp.Pattern)
		if err != nil {
			return nil, fmt.Errorf("pii pattern %q: %w", cp.Label, err)
		}
		d.custom = append(d.custom, customPattern{label: cp.Label, re: re})
	}
	return d, nil
}

// Scan returns every non-overlapping PII match in s, ordered by position.
// Built-in patterns are tried before custom ones; checksum-gated types
// report a match only when the checksum passes.
func (d *Detector) Scan(s string) []Match {
	if s == "" {
		return nil
	}

	var matches []Match
	var spans [][2]int

	accept := func(m Match) {
		for _, sp := range spans {
			if m.Start < sp[1] && m.End > sp[0] {
				return
			}
		}
		spans = append(spans, [2]int{m.Start, m.End})
		matches = append(matches, m)
	}

	for _, p := range d.builtin {
		for _, loc := range p.re.FindAllStringIndex(s, -1) {
			value := s[loc[0]:loc[1]]
			if p.validate != nil && !p.validate(value) {
				continue
			}
			accept(Match{
				Type:   p.typ,
				Label:  string(p.typ),
				Value:  value,
				Start:  loc[0],
				End:    loc[1],
				Masked: p.mask(value),
			})
		}
	}

	for _, p := range d.custom {
		for _, loc := range p.re.FindAllStringIndex(s, -1) {
			value := s[loc[0]:loc[1]]
			accept(Match{
				Type:   TypeCustom,
				Label:  p.label,
				Value:  value,
				Start:  loc[0],
				End:    loc[1],
				Masked: maskOpaque(value),
			})
		}
	}

	sort.Slice(matches, func(i, j int) bool { return matches[i].Start < matches[j].Start })
	return matches
}

// ScanMap traverses obj depth-first and scans every string leaf, recording
// the dotted path of each match (list elements use their index as a path
// segment). When fields are given, only leaves at or under those paths are
// scanned.
func (d *Detector) ScanMap(obj map[string]any, fields ...string) []Match {
	var matches []Match
	walkStrings(obj, "", func(path, s string) {
		if len(fields) > 0 && !pathSelected(path, fields) {
			return
		}
		for _, m := range d.Scan(s) {
			m.Field = path
			matches = append(matches, m)
		}
	})
	return matches
}

// MaskMap returns a deep copy of obj with every matched substring replaced
// by its mask. Matches must carry the Field paths produced by ScanMap on
// the same object; values without matches are copied unchanged.
func (d *Detector) MaskMap(obj map[string]any, matches []Match) map[string]any {
	byField := make(map[string][]Match)
	for _, m := range matches {
		byField[m.Field] = append(byField[m.Field], m)
	}

	out, _ := deepCopyValue(obj, "", byField).(map[string]any)
	return out
}

// MaskString applies the given matches (offsets into s) to s, replacing each
// span with its mask. Matches may arrive in any order.
func MaskString(s string, matches []Match) string {
	if len(matches) == 0 {
		return s
	}
	ordered := make([]Match, len(matches))
	copy(ordered, matches)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Start > ordered[j].Start })

	for _, m := range ordered {
		if m.Start < 0 || m.End > len(s) || m.Start > m.End {
			continue
		}
		s = s[:m.Start] + m.Masked + s[m.End:]
	}
	return s
}

// walkStrings visits every string leaf of a decoded JSON/YAML tree in
// deterministic order, calling fn with the dotted path.
func walkStrings(v any, path string, fn func(path, s string)) {
	switch val := v.(type) {
	case string:
		fn(path, val)
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			walkStrings(val[k], joinPath(path, k), fn)
		}
	case []any:
		for i, item := range val {
			walkStrings(item, joinPath(path, strconv.Itoa(i)), fn)
		}
	}
}

func joinPath(prefix, seg string) string {
	if prefix == "" {
		return seg
	}
	return prefix + "." + seg
}

// pathSelected reports whether path equals one of fields or sits beneath one.
func pathSelected(path string, fields []string) bool {
	for _, f := range fields {
		if path == f || strings.HasPrefix(path, f+".") {
			return true
		}
	}
	return false
}

// deepCopyValue copies the tree, masking string leaves that have matches.
func deepCopyValue(v any, path string, byField map[string][]Match) any {
	switch val := v.(type) {
	case string:
		if ms, ok := byField[path]; ok {
			return MaskString(val, ms)
		}
		return val
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = deepCopyValue(item, joinPath(path, k), byField)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = deepCopyValue(item, joinPath(path, strconv.Itoa(i)), byField)
		}
		return out
	default:
		return val
	}
}
