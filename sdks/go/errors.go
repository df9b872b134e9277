package policyshield

import (
	"errors"
	"fmt"
)

// Sentinel errors for use with errors.Is().
var (
	// ErrBlocked is returned when a check results in a BLOCK verdict.
	ErrBlocked = errors.New("blocked by policy")

	// ErrServerUnreachable is returned when the shield cannot be
	// contacted and the fail mode is "closed".
	ErrServerUnreachable = errors.New("shield unreachable")
)

// BlockedError is returned when the shield denies a tool call. It
// carries the counterexample so agents can self-correct.
type BlockedError struct {
	// RuleID identifies the denying rule, or a shield-internal id such
	// as a rate-limit or kill-switch block.
	RuleID string
	// Message is the full multi-line counterexample: what was denied,
	// why, and what to change.
	Message string
	// PIITypes lists detected PII categories when they caused the block.
	PIITypes []string
	// ApprovalID is set when a human denied the call.
	ApprovalID string
	// RequestID is the shield's correlation id for the check.
	RequestID string
}

// Error returns the counterexample text.
func (e *BlockedError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.RuleID != "" {
		return fmt.Sprintf("blocked by rule %q", e.RuleID)
	}
	return "blocked by policy"
}

// Is supports errors.Is(err, ErrBlocked).
func (e *BlockedError) Is(target error) bool {
	return target == ErrBlocked
}

// APIError is returned when the shield answers with a non-2xx status:
// auth failures, malformed requests, overload, or a request timeout
// while waiting on an approval.
type APIError struct {
	// StatusCode is the HTTP status the shield returned.
	StatusCode int
	// Message is the shield's error text.
	Message string
	// RequestID is the correlation id echoed by the shield, when present.
	RequestID string
}

// Error returns a human-readable description of the API failure.
func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("shield returned %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("shield returned %d", e.StatusCode)
}

// ServerUnreachableError is returned when the shield cannot be contacted
// and the client fails closed.
type ServerUnreachableError struct {
	// Cause is the underlying transport error.
	Cause error
}

// Error returns a human-readable description of the failure.
func (e *ServerUnreachableError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("shield unreachable: %v", e.Cause)
	}
	return "shield unreachable"
}

// Unwrap returns the underlying error cause.
func (e *ServerUnreachableError) Unwrap() error {
	return e.Cause
}

// Is supports errors.Is(err, ErrServerUnreachable).
func (e *ServerUnreachableError) Is(target error) bool {
	return target == ErrServerUnreachable
}
