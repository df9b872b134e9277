// Package trace contains domain types for decision trace records.
package trace

import (
	"strings"
	"time"
)

// Approval captures how an APPROVE verdict was resolved. It is attached to
// the trace record once the approval backend reports a terminal status.
type Approval struct {
	// Status is the terminal approval status (approved, denied, timed_out).
	Status string `json:"status"`
	// ApprovedBy identifies the responder (user ID or handle).
	ApprovedBy string `json:"approved_by,omitempty"`
	// ApprovedAt is when the response was received. Nil for timeouts.
	ApprovedAt *time.Time `json:"approved_at,omitempty"`
	// Channel names the backend that carried the approval (memory, slack).
	Channel string `json:"channel,omitempty"`
	// ResponseTimeMS is the time from submission to response.
	ResponseTimeMS int64 `json:"response_time_ms,omitempty"`
}

// Record represents a single shield decision as written to the trace log.
// One record is appended per check and per post-check detection.
type Record struct {
	// TS is when the decision was made.
	TS time.Time `json:"ts"`
	// Session is the session ID the call ran under.
	Session string `json:"session"`
	// Tool is the name of the tool that was checked.
	Tool string `json:"tool"`
	// Verdict is the final uppercase verdict (ALLOW, BLOCK, REDACT, APPROVE).
	Verdict string `json:"verdict"`
	// WouldBe is the pre-coercion verdict when AUDIT mode forced a blocking
	// verdict to ALLOW. Empty for uncoerced records.
	WouldBe string `json:"would_be,omitempty"`
	// Rule is the ID of the matched rule, empty when no rule matched.
	Rule string `json:"rule,omitempty"`
	// PII lists the PII type labels detected in the call, if any.
	PII []string `json:"pii,omitempty"`
	// LatencyMS is the check latency in milliseconds.
	LatencyMS float64 `json:"latency_ms"`
	// ArgsHash is the canonical-JSON SHA-256 of the args. Set in privacy
	// mode in place of Args.
	ArgsHash string `json:"args_hash,omitempty"`
	// Args are the call arguments as checked (sensitive values redacted).
	// Omitted in privacy mode.
	Args map[string]interface{} `json:"args,omitempty"`
	// RequestID is for correlation across response, log, and trace.
	RequestID string `json:"request_id"`
	// Approval is present when the record belongs to an APPROVE flow.
	Approval *Approval `json:"approval,omitempty"`
}

// sensitiveKeywords lists substrings that indicate a sensitive argument key.
// Comparison is case-insensitive.
var sensitiveKeywords = []string{
	"password", "secret", "token", "api_key", "apikey",
	"credential", "auth", "private_key", "privatekey",
}

// RedactSensitiveArgs returns a copy of args with sensitive values masked.
// A key is considered sensitive if it contains any of the sensitiveKeywords
// (case-insensitive). Values are replaced with "***REDACTED***".
func RedactSensitiveArgs(args map[string]interface{}) map[string]interface{} {
	if len(args) == 0 {
		return args
	}
	redacted := make(map[string]interface{}, len(args))
	for k, v := range args {
		if isSensitiveKey(k) {
			redacted[k] = "***REDACTED***"
		} else {
			redacted[k] = v
		}
	}
	return redacted
}

// isSensitiveKey checks if a key name indicates sensitive data.
func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, kw := range sensitiveKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
