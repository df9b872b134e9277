// Package approval implements the human-in-the-loop approval flow for
// APPROVE verdicts. A request moves pending → approved | denied | timed_out
// exactly once; concurrent responders race and the first writer wins, with
// later responds returning the existing resolution unchanged.
package approval

import (
	"context"
	"errors"
	"time"
)

// Status is the lifecycle state of an approval request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
	StatusTimedOut Status = "timed_out"
)

// DefaultTTL is how long requests and resolutions are retained for
// late responders before GC drops them.
const DefaultTTL = 1 * time.Hour

// ErrNotFound is returned when responding to an unknown request id.
var ErrNotFound = errors.New("approval request not found")

// Request is an immutable approval request. Args must already be
// PII-masked by the caller: every backend treats them as displayable.
type Request struct {
	// ID is a fresh UUID assigned by the engine.
	ID string `json:"request_id"`
	// ToolName is the tool awaiting approval.
	ToolName string `json:"tool_name"`
	// Args is the masked argument payload shown to approvers.
	Args map[string]any `json:"args,omitempty"`
	// RuleID is the rule that demanded approval.
	RuleID string `json:"rule_id"`
	// Message is the rule's message for the approver.
	Message string `json:"message,omitempty"`
	// SessionID is the requesting session.
	SessionID string `json:"session_id,omitempty"`
	// CreatedAt is when the request was created (UTC).
	CreatedAt time.Time `json:"created_at"`
}

// Resolution is the terminal outcome of a request.
type Resolution struct {
	RequestID string `json:"request_id"`
	// Status is approved, denied, or timed_out. Never pending.
	Status Status `json:"status"`
	// Approved is Status == StatusApproved, kept for callers that only
	// branch on the boolean.
	Approved bool `json:"approved"`
	// Responder identifies who decided, empty for timeouts.
	Responder string `json:"responder,omitempty"`
	// Comment is the responder's optional note.
	Comment string `json:"comment,omitempty"`
	// RespondedAt is when the transition happened (UTC).
	RespondedAt time.Time `json:"responded_at"`
}

// Backend is the approval transport. Implementations must keep the
// one-way transition property of the state machine.
type Backend interface {
	// Submit registers a new pending request and forwards it to the
	// approver surface.
	Submit(ctx context.Context, req Request) error

	// WaitFor blocks until the request resolves, the timeout expires,
	// or ctx is done. The bool is false when no resolution arrived;
	// on timeout the request transitions to timed_out (unless a
	// responder won the race, in which case that resolution returns).
	WaitFor(ctx context.Context, requestID string, timeout time.Duration) (Resolution, bool)

	// Respond resolves a pending request. Responding to an already
	// resolved request is a no-op that returns the existing resolution.
	// Unknown ids return ErrNotFound.
	Respond(requestID string, approved bool, responder, comment string) (Resolution, error)

	// Status reports the request's current state without side effects.
	// The Resolution is zero while the request is still pending.
	// Unknown ids return ErrNotFound.
	Status(requestID string) (Status, Resolution, error)

	// Pending lists unresolved requests, oldest first.
	Pending() []Request

	// Health reports backend liveness for the health endpoint.
	Health() Health
}

// Health is the backend's self-report.
type Health struct {
	OK      bool   `json:"ok"`
	Backend string `json:"backend"`
	Pending int    `json:"pending"`
	Detail  string `json:"detail,omitempty"`
}
