// Package policyshield provides a Go SDK for the PolicyShield check API.
//
// PolicyShield is a policy-enforcement firewall for AI-agent tool calls.
// This SDK lets Go agents submit each tool call for a verdict before
// executing it, and report tool results for PII scanning afterwards. It
// uses only the Go standard library (net/http) with zero external
// dependencies.
//
// Quick start:
//
//	// Set POLICYSHIELD_ADDR and POLICYSHIELD_API_TOKEN env vars, then:
//	client := policyshield.NewClient()
//
//	resp, err := client.Check(ctx, policyshield.CheckRequest{
//	    ToolName:  "exec",
//	    Args:      map[string]any{"command": "ls /tmp"},
//	    SessionID: "agent-1",
//	})
//	if err != nil {
//	    var blocked *policyshield.BlockedError
//	    if errors.As(err, &blocked) {
//	        fmt.Printf("Blocked by rule %s: %s\n", blocked.RuleID, blocked.Message)
//	    }
//	}
//	if resp != nil && resp.Verdict == policyshield.VerdictRedact {
//	    // Proceed with resp.ModifiedArgs instead of the originals.
//	}
//
// Checks that hit an APPROVE rule block server-side until a human
// responds, so give the context (or WithTimeout) enough room to cover
// the shield's approval window.
package policyshield

import "time"

// Verdict is the outcome class of a check.
type Verdict string

const (
	// VerdictAllow permits the call unchanged.
	VerdictAllow Verdict = "ALLOW"

	// VerdictBlock denies the call. Check surfaces it as *BlockedError.
	VerdictBlock Verdict = "BLOCK"

	// VerdictRedact permits the call with masked arguments; use
	// ModifiedArgs in place of the originals.
	VerdictRedact Verdict = "REDACT"

	// VerdictApprove marks a call that requires human approval. The
	// server resolves the wait itself, so responses normally arrive
	// already decided as ALLOW or BLOCK.
	VerdictApprove Verdict = "APPROVE"
)

// CheckRequest describes one tool call submitted for a verdict.
type CheckRequest struct {
	// ToolName is the tool the agent wants to invoke. Required.
	ToolName string `json:"tool_name"`

	// Args are the tool-call arguments the shield inspects.
	Args map[string]any `json:"args,omitempty"`

	// SessionID groups calls into one agent conversation for rate
	// limits, chain rules, and taint tracking. Empty falls back to the
	// client default, then to the shield's shared session.
	SessionID string `json:"session_id,omitempty"`

	// Sender identifies the calling principal for sender-scoped rules.
	Sender string `json:"sender,omitempty"`

	// Context carries extra string facts rules may match on.
	Context map[string]string `json:"context,omitempty"`

	// IdempotencyKey makes retries safe: the shield replays the first
	// response byte-for-byte for the same key and body. Sent as the
	// X-Idempotency-Key header, not in the JSON body.
	IdempotencyKey string `json:"-"`
}

// CheckResponse is the shield's decision for one tool call.
type CheckResponse struct {
	// Verdict is the outcome: ALLOW, BLOCK, or REDACT.
	Verdict Verdict `json:"verdict"`

	// Message explains the verdict in human-readable form.
	Message string `json:"message"`

	// RuleID names the matching rule, or a shield-internal id for
	// blocks the engine produced itself.
	RuleID string `json:"rule_id,omitempty"`

	// ModifiedArgs is the masked copy of Args for REDACT verdicts.
	ModifiedArgs map[string]any `json:"modified_args,omitempty"`

	// PIITypes lists the PII categories detected in the arguments.
	PIITypes []string `json:"pii_types,omitempty"`

	// ApprovalID is set when the call went through an approval flow.
	ApprovalID string `json:"approval_id,omitempty"`

	// RequestID is the shield-assigned correlation id for this check.
	RequestID string `json:"request_id"`
}

// PostCheckRequest reports a completed tool call's output for scanning.
type PostCheckRequest struct {
	// ToolName is the tool that produced the result. Required.
	ToolName string `json:"tool_name"`

	// Result is the tool output text to scan.
	Result string `json:"result"`

	// SessionID is the session the call belonged to; detections taint it.
	SessionID string `json:"session_id,omitempty"`
}

// PostCheckResponse is the outcome of a post-call scan.
type PostCheckResponse struct {
	// PIITypes lists the PII categories found in the result, empty when
	// the result is clean.
	PIITypes []string `json:"pii_types"`

	// RedactedOutput is the result with every detection masked. Empty
	// when nothing was detected.
	RedactedOutput string `json:"redacted_output,omitempty"`
}

// ApprovalStatus is the current state of one approval request.
type ApprovalStatus struct {
	// ApprovalID is the request being reported on.
	ApprovalID string `json:"approval_id"`

	// Status is pending, approved, denied, or timed_out.
	Status string `json:"status"`

	// Responder identifies who decided, empty while pending or on timeout.
	Responder string `json:"responder,omitempty"`

	// Comment is the responder's optional note.
	Comment string `json:"comment,omitempty"`
}

// PendingApproval is one unresolved approval request awaiting a human.
type PendingApproval struct {
	// ID is the approval request id to pass to RespondApproval.
	ID string `json:"request_id"`

	// ToolName is the tool awaiting approval.
	ToolName string `json:"tool_name"`

	// Args is the PII-masked argument payload shown to approvers.
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
