package service

import (
	"fmt"
	"strings"

	"github.com/policyshield/policyshield/internal/domain/rule"
)

// Synthetic rule ids for blocks that come from the engine itself rather
// than a user rule. Rate-limit denials carry ratelimit.RuleID.
const (
	RuleIDSanitizer   = "__sanitizer__"
	RuleIDTaint       = "__taint__"
	RuleIDKillSwitch  = "__kill_switch__"
	RuleIDEngineError = "__engine_error__"
)

// CheckResult is the outcome of one engine check, shaped for the wire.
type CheckResult struct {
	Verdict rule.Verdict `json:"verdict"`
	Message string       `json:"message"`
	RuleID  string       `json:"rule_id,omitempty"`
	// ModifiedArgs carries the masked argument copy for REDACT verdicts.
	ModifiedArgs map[string]any `json:"modified_args,omitempty"`
	PIITypes     []string       `json:"pii_types,omitempty"`
	// ApprovalID is set when an approval request was created for the call.
	ApprovalID string `json:"approval_id,omitempty"`
	RequestID  string `json:"request_id"`
}

// BlockClass keys the default reason and suggestion texts of a BLOCK
// counterexample. The class reflects what produced the block, not the
// matched rule's verdict.
type BlockClass int

const (
	// BlockByRule is a plain rule match without a more specific class.
	BlockByRule BlockClass = iota
	// BlockPII marks rules matched through a contains_pattern predicate.
	BlockPII
	// BlockChain marks rules matched through chain conditions.
	BlockChain
	BlockSanitizer
	BlockRateLimit
	BlockTaint
	BlockApprovalDenied
	BlockApprovalTimeout
	BlockApprovalNoBackend
	BlockKillSwitch
	BlockEngineError
)

// blockText is the per-class default reason plus the repair suggestion
// appended to every BLOCK message of that class.
type blockText struct {
	reason     string
	suggestion string
}

var blockTexts = map[BlockClass]blockText{
	BlockByRule: {
		reason:     "the call matched a blocking policy rule",
		suggestion: "adjust the arguments to comply with policy, or contact the policy owner",
	},
	BlockPII: {
		reason:     "the arguments contain personally identifiable information",
		suggestion: "remove or mask the sensitive values and retry",
	},
	BlockChain: {
		reason:     "the call completes a blocked tool sequence in this session",
		suggestion: "avoid combining this call with the preceding tool calls",
	},
	BlockSanitizer: {
		reason:     "the arguments failed input sanitization",
		suggestion: "remove the flagged pattern from the arguments and retry",
	},
	BlockRateLimit: {
		reason:     "rate limit exceeded",
		suggestion: "slow down and retry after the window passes",
	},
	BlockTaint: {
		reason:     "the session is tainted by earlier sensitive output",
		suggestion: "clear the taint through an operator before calling outgoing tools",
	},
	BlockApprovalDenied: {
		reason:     "a human approver denied the request",
		suggestion: "review the denial comment and adjust the request",
	},
	BlockApprovalTimeout: {
		reason:     "Approval timed out",
		suggestion: "retry later or ask an approver to watch for the request",
	},
	BlockApprovalNoBackend: {
		reason:     "approval required but no approval backend is configured",
		suggestion: "configure an approval backend or change the rule verdict",
	},
	BlockKillSwitch: {
		reason:     "the shield kill-switch is active",
		suggestion: "wait for an operator to resume the shield",
	},
	BlockEngineError: {
		reason:     "the check could not be completed",
		suggestion: "retry; if the problem persists contact the shield operator",
	},
}

// BlockMessage renders the multi-line counterexample for a BLOCK verdict.
// reason overrides the class default when non-empty (rule message or
// description, detector detail, limiter detail).
func BlockMessage(class BlockClass, ruleID, tool, reason string) string {
	txt := blockTexts[class]
	if reason == "" {
		reason = txt.reason
	}

	var b strings.Builder
	fmt.Fprintf(&b, "BLOCK: tool %q denied", tool)
	if ruleID != "" {
		fmt.Fprintf(&b, " by rule %q", ruleID)
	}
	b.WriteString("\nReason: ")
	b.WriteString(reason)
	b.WriteString("\nSuggestion: ")
	b.WriteString(txt.suggestion)
	return b.String()
}

// RedactMessage renders the notice accompanying a REDACT verdict.
func RedactMessage(tool string, piiTypes []string) string {
	kinds := "sensitive values"
	if len(piiTypes) > 0 {
		kinds = strings.Join(piiTypes, ", ")
	}
	return fmt.Sprintf("REDACT: masked %s in args for tool %q; proceeding with masked values", kinds, tool)
}

// ApproveMessage renders the notice for a pending approval.
func ApproveMessage(approvalID string) string {
	return fmt.Sprintf("APPROVE: human approval required; request %s is pending", approvalID)
}

// AuditMessage annotates a verdict coerced to ALLOW by AUDIT mode.
func AuditMessage(would rule.Verdict, ruleID string) string {
	if ruleID == "" {
		return fmt.Sprintf("AUDIT: would have been %s", would)
	}
	return fmt.Sprintf("AUDIT: would have been %s (rule %q)", would, ruleID)
}

// ruleBlockClass derives the message class for a matched BLOCK rule from
// its when-clause shape.
func ruleBlockClass(cr *rule.CompiledRule) BlockClass {
	for _, ap := range cr.Args {
		if ap.Pred.Kind == rule.KindContainsPattern {
			return BlockPII
		}
	}
	if cr.HasChain {
		return BlockChain
	}
	return BlockByRule
}

// ruleReason picks the rule's own text for the counterexample: the explicit
// message wins over the description; empty falls back to the class default.
func ruleReason(cr *rule.CompiledRule) string {
	if cr.Message != "" {
		return cr.Message
	}
	return cr.Description
}
