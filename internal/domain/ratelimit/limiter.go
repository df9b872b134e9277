package ratelimit

import (
	"sync"
	"time"

	"github.com/policyshield/policyshield/internal/domain/rule"
)

// Limiter tracks call timestamps for every configured limit. Thread-safe;
// a single mutex guards both the spec list and the per-key state so a
// reload cannot race a check.
type Limiter struct {
	mu    sync.Mutex
	specs []rule.RateLimitSpec

	// calls holds sliding-window timestamps per key (window > 0).
	calls map[string][]time.Time
	// counts holds lifetime totals per key (window == 0).
	counts map[string]int
}

// New creates a Limiter for the given limit specs.
func New(specs []rule.RateLimitSpec) *Limiter {
	return &Limiter{
		specs:  append([]rule.RateLimitSpec(nil), specs...),
		calls:  make(map[string][]time.Time),
		counts: make(map[string]int),
	}
}

// applicable returns the specs covering the tool: exact entries first,
// then the "*" wildcard.
func (l *Limiter) applicable(tool string) []rule.RateLimitSpec {
	var out []rule.RateLimitSpec
	for _, s := range l.specs {
		if s.Tool == tool {
			out = append(out, s)
		}
	}
	for _, s := range l.specs {
		if s.Tool == "*" {
			out = append(out, s)
		}
	}
	return out
}

// Check reports whether one more call to tool would exceed any applicable
// limit. It prunes expired timestamps but records nothing.
func (l *Limiter) Check(tool, sessionID string, now time.Time) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	res := Result{Allowed: true, Remaining: -1}
	for _, spec := range l.applicable(tool) {
		key := FormatKey(spec, sessionID)

		var used int
		var retryAfter time.Duration
		if spec.Window <= 0 {
			used = l.counts[key]
		} else {
			recent := pruneBefore(l.calls[key], now.Add(-spec.Window))
			l.calls[key] = recent
			used = len(recent)
			if used > 0 {
				retryAfter = recent[0].Add(spec.Window).Sub(now)
			}
		}

		if used >= spec.MaxCalls {
			return Result{
				Allowed:    false,
				Limit:      spec.MaxCalls,
				Remaining:  0,
				RetryAfter: retryAfter,
				Spec:       spec,
			}
		}

		remaining := spec.MaxCalls - used
		if res.Remaining < 0 || remaining < res.Remaining {
			res.Limit = spec.MaxCalls
			res.Remaining = remaining
			res.Spec = spec
		}
	}

	if res.Remaining < 0 {
		res.Remaining = 0
	}
	return res
}

// Record notes a completed call against every applicable limit.
func (l *Limiter) Record(tool, sessionID string, now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, spec := range l.applicable(tool) {
		key := FormatKey(spec, sessionID)
		if spec.Window <= 0 {
			l.counts[key]++
			continue
		}
		l.calls[key] = append(pruneBefore(l.calls[key], now.Add(-spec.Window)), now)
	}
}

// Reload swaps in the limits of a new rule-set while carrying over the
// timestamp state of limits that survive, so counts stay continuous
// across a hot reload. State belonging to removed limits is dropped.
func (l *Limiter) Reload(specs []rule.RateLimitSpec) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.specs = append([]rule.RateLimitSpec(nil), specs...)

	prefixes := make([]string, 0, len(specs))
	for _, s := range specs {
		prefixes = append(prefixes, keyPrefix(s))
	}
	for key := range l.calls {
		if !keyMatchesAny(key, prefixes) {
			delete(l.calls, key)
		}
	}
	for key := range l.counts {
		if !keyMatchesAny(key, prefixes) {
			delete(l.counts, key)
		}
	}
}

// pruneBefore drops timestamps strictly older than cutoff. The input is in
// append order, so the survivors are a suffix.
func pruneBefore(ts []time.Time, cutoff time.Time) []time.Time {
	idx := 0
	for idx < len(ts) && ts[idx].Before(cutoff) {
		idx++
	}
	if idx == 0 {
		return ts
	}
	return append([]time.Time(nil), ts[idx:]...)
}
