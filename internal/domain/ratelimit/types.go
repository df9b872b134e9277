// Package ratelimit enforces per-tool call budgets over sliding windows.
// Each configured limit tracks timestamps per (tool, session) key; a zero
// window degrades to a lifetime counter that never resets. Checking and
// recording are separate steps so audit mode can observe without denying.
package ratelimit

import (
	"strings"
	"time"

	"github.com/policyshield/policyshield/internal/domain/rule"
)

// RuleID is the synthetic rule id reported on rate-limit denials.
const RuleID = "__rate_limit__"

// Result is the outcome of a limit check.
type Result struct {
	// Allowed is false when any applicable limit would be exceeded.
	Allowed bool
	// Limit is max_calls of the denying limit, or of the tightest
	// applicable one when allowed.
	Limit int
	// Remaining is how many calls are left before denial.
	Remaining int
	// RetryAfter is when the denying window frees a slot. Zero for
	// lifetime limits, which never reset.
	RetryAfter time.Duration
	// Spec is the limit that produced this result; zero when no limit
	// applies.
	Spec rule.RateLimitSpec
}

// FormatKey derives the tracking key for a limit and session.
// Format: "{scope}|{tool}|{session}", with "*" for the session part of
// global limits so all sessions share one deque.
func FormatKey(spec rule.RateLimitSpec, sessionID string) string {
	sess := sessionID
	if spec.Scope == rule.ScopeGlobal {
		sess = "*"
	}
	return spec.Scope + "|" + spec.Tool + "|" + sess
}

// keyPrefix is the spec-identifying portion of a key, used to drop
// orphaned state after a reload.
func keyPrefix(spec rule.RateLimitSpec) string {
	return spec.Scope + "|" + spec.Tool + "|"
}

// keyMatchesAny reports whether the key belongs to one of the prefixes.
func keyMatchesAny(key string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}
