package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/policyshield/policyshield/internal/domain/approval"
	"github.com/policyshield/policyshield/internal/domain/ratelimit"
	"github.com/policyshield/policyshield/internal/service"
)

// InteractionResolver resolves approvals arriving as chat interaction
// callbacks. The Slack backend implements it; the transport only needs
// these two methods.
type InteractionResolver interface {
	VerifySignature(header http.Header, body []byte) error
	HandleInteraction(payload []byte) (approval.Resolution, error)
}

// apiError is the error body for non-check endpoints.
type apiError struct {
	Error string `json:"error"`
}

// ShieldHandlers serves the /api/v1 endpoints.
type ShieldHandlers struct {
	engine       *service.ShieldEngine
	backend      approval.Backend
	metrics      *Metrics
	interactions InteractionResolver
}

// Wire shapes for the check endpoints.
type checkRequest struct {
	ToolName  string            `json:"tool_name"`
	Args      map[string]any    `json:"args"`
	SessionID string            `json:"session_id"`
	Sender    string            `json:"sender"`
	Context   map[string]string `json:"context"`
	RequestID string            `json:"request_id"`
}

type postCheckRequest struct {
	ToolName  string         `json:"tool_name"`
	Args      map[string]any `json:"args"`
	Result    string         `json:"result"`
	SessionID string         `json:"session_id"`
}

type approvalIDRequest struct {
	ApprovalID string `json:"approval_id"`
}

type respondApprovalRequest struct {
	ApprovalID string `json:"approval_id"`
	Approved   *bool  `json:"approved"`
	Responder  string `json:"responder"`
	Comment    string `json:"comment"`
}

type approvalStatusResponse struct {
	ApprovalID string `json:"approval_id"`
	Status     string `json:"status"`
	Responder  string `json:"responder,omitempty"`
	Comment    string `json:"comment,omitempty"`
}

type clearTaintRequest struct {
	SessionID string `json:"session_id"`
}

type reloadResponse struct {
	RulesCount int       `json:"rules_count"`
	Hash       string    `json:"hash"`
	ReloadedAt time.Time `json:"reloaded_at"`
}

// handleCheck runs the pre-call pipeline. Every decided check is 200;
// the verdict is in the body, not the status code.
func (h *ShieldHandlers) handleCheck(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ToolName == "" {
		writeJSON(w, http.StatusUnprocessableEntity, apiError{Error: "tool_name is required"})
		return
	}

	start := time.Now()
	res := h.engine.Check(r.Context(), service.CheckInput{
		Tool:      req.ToolName,
		Args:      req.Args,
		SessionID: req.SessionID,
		Sender:    req.Sender,
		Context:   req.Context,
		RequestID: req.RequestID,
	})

	if h.metrics != nil {
		h.metrics.ChecksTotal.WithLabelValues(string(res.Verdict)).Inc()
		h.metrics.CheckDuration.Observe(time.Since(start).Seconds())
		if res.RuleID == ratelimit.RuleID {
			h.metrics.RateLimitHits.Inc()
		}
		if res.ApprovalID != "" {
			h.metrics.ApprovalsTotal.WithLabelValues("requested").Inc()
		}
	}

	writeJSON(w, http.StatusOK, res)
}

// handlePostCheck scans a tool result for PII after the call ran.
func (h *ShieldHandlers) handlePostCheck(w http.ResponseWriter, r *http.Request) {
	var req postCheckRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ToolName == "" {
		writeJSON(w, http.StatusUnprocessableEntity, apiError{Error: "tool_name is required"})
		return
	}

	res := h.engine.PostCheck(req.ToolName, req.Result, req.SessionID)
	writeJSON(w, http.StatusOK, res)
}

// handleCheckApproval reports the state of one approval request.
func (h *ShieldHandlers) handleCheckApproval(w http.ResponseWriter, r *http.Request) {
	var req approvalIDRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ApprovalID == "" {
		writeJSON(w, http.StatusUnprocessableEntity, apiError{Error: "approval_id is required"})
		return
	}
	if h.backend == nil {
		writeJSON(w, http.StatusNotFound, apiError{Error: "approval not found"})
		return
	}

	status, res, err := h.backend.Status(req.ApprovalID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, apiError{Error: "approval not found"})
		return
	}
	writeJSON(w, http.StatusOK, approvalStatusResponse{
		ApprovalID: req.ApprovalID,
		Status:     string(status),
		Responder:  res.Responder,
		Comment:    res.Comment,
	})
}

// handleRespondApproval resolves a pending approval. Responding twice is
// a no-op returning the first resolution.
func (h *ShieldHandlers) handleRespondApproval(w http.ResponseWriter, r *http.Request) {
	var req respondApprovalRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ApprovalID == "" {
		writeJSON(w, http.StatusUnprocessableEntity, apiError{Error: "approval_id is required"})
		return
	}
	if req.Approved == nil {
		writeJSON(w, http.StatusUnprocessableEntity, apiError{Error: "approved is required"})
		return
	}

	res, err := h.engine.RespondApproval(req.ApprovalID, *req.Approved, req.Responder, req.Comment)
	if err != nil {
		if errors.Is(err, approval.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, apiError{Error: "approval not found"})
			return
		}
		writeJSON(w, http.StatusUnprocessableEntity, apiError{Error: err.Error()})
		return
	}

	if h.metrics != nil {
		h.metrics.ApprovalsTotal.WithLabelValues(outcomeLabel(res.Approved)).Inc()
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handlePendingApprovals lists unresolved requests, oldest first. Args
// are already masked by the engine before submission.
func (h *ShieldHandlers) handlePendingApprovals(w http.ResponseWriter, r *http.Request) {
	pending := []approval.Request{}
	if h.backend != nil {
		if list := h.backend.Pending(); list != nil {
			pending = list
		}
	}
	writeJSON(w, http.StatusOK, pending)
}

// handleReload re-reads the rules path and swaps the rule-set. Failure
// keeps the previous set in service; the reason goes to the log, not the
// response body.
func (h *ShieldHandlers) handleReload(w http.ResponseWriter, r *http.Request) {
	cs, err := h.engine.Reload()
	if err != nil {
		LoggerFromContext(r.Context()).Error("rule reload failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, apiError{Error: "rule reload failed"})
		return
	}
	writeJSON(w, http.StatusOK, reloadResponse{
		RulesCount: cs.RulesCount(),
		Hash:       cs.Source.Hash,
		ReloadedAt: h.engine.LoadedAt(),
	})
}

// handleKill engages the kill switch. The body is optional.
func (h *ShieldHandlers) handleKill(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if !decodeOptionalJSON(w, r, &req) {
		return
	}
	h.engine.Kill(req.Reason)
	LoggerFromContext(r.Context()).Warn("kill switch engaged", "reason", req.Reason)
	writeJSON(w, http.StatusOK, map[string]string{"status": "killed"})
}

// handleResume releases the kill switch.
func (h *ShieldHandlers) handleResume(w http.ResponseWriter, r *http.Request) {
	h.engine.Resume()
	LoggerFromContext(r.Context()).Info("kill switch released")
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

// handleClearTaint clears a session's taint flags.
func (h *ShieldHandlers) handleClearTaint(w http.ResponseWriter, r *http.Request) {
	var req clearTaintRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.SessionID == "" {
		writeJSON(w, http.StatusUnprocessableEntity, apiError{Error: "session_id is required"})
		return
	}
	h.engine.ClearTaint(req.SessionID)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "session_id": req.SessionID})
}

// handleConstraints renders the active rule-set as a human-readable
// summary for agents that want to know what is enforced.
func (h *ShieldHandlers) handleConstraints(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"summary": constraintsSummary(h.engine)})
}

// handleSlackInteract resolves an approval from a Slack block-actions
// callback. Slack signs the raw form body, so verification happens
// before any parsing. The engine call after resolution finalizes the
// trace for approvals whose original waiter already timed out.
func (h *ShieldHandlers) handleSlackInteract(w http.ResponseWriter, r *http.Request) {
	if h.interactions == nil {
		writeJSON(w, http.StatusNotFound, apiError{Error: "chat approvals not configured"})
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeJSON(w, http.StatusRequestEntityTooLarge, apiError{Error: "request body too large"})
			return
		}
		writeJSON(w, http.StatusUnprocessableEntity, apiError{Error: "unreadable request body"})
		return
	}
	if err := h.interactions.VerifySignature(r.Header, body); err != nil {
		writeJSON(w, http.StatusUnauthorized, apiError{Error: "invalid signature"})
		return
	}

	form, err := url.ParseQuery(string(body))
	if err != nil || form.Get("payload") == "" {
		writeJSON(w, http.StatusUnprocessableEntity, apiError{Error: "missing interaction payload"})
		return
	}

	res, err := h.interactions.HandleInteraction([]byte(form.Get("payload")))
	if err != nil {
		if errors.Is(err, approval.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, apiError{Error: "approval not found"})
			return
		}
		writeJSON(w, http.StatusUnprocessableEntity, apiError{Error: "unsupported interaction payload"})
		return
	}

	if _, err := h.engine.RespondApproval(res.RequestID, res.Approved, res.Responder, res.Comment); err != nil {
		LoggerFromContext(r.Context()).Debug("interaction trace finalize skipped", "error", err)
	}
	if h.metrics != nil {
		h.metrics.ApprovalsTotal.WithLabelValues(outcomeLabel(res.Approved)).Inc()
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func outcomeLabel(approved bool) string {
	if approved {
		return "approved"
	}
	return "denied"
}

// constraintsSummary describes the shield's enforcement posture in plain
// language: mode, default verdict, every enabled rule, rate limits, and
// the taint chain.
func constraintsSummary(eng *service.ShieldEngine) string {
	cs := eng.RuleSet()
	src := cs.Source

	var b strings.Builder
	if killed, reason := eng.Killed(); killed {
		if reason == "" {
			reason = "no reason given"
		}
		fmt.Fprintf(&b, "KILL SWITCH ENGAGED (%s): every call is blocked.\n", reason)
	}
	fmt.Fprintf(&b, "Shield %q (rules version %s) runs in %s mode; calls matching no rule get %s.\n",
		src.ShieldName, src.Version, eng.Mode(), src.DefaultVerdict)

	for _, r := range src.Rules {
		if !r.Enabled {
			continue
		}
		desc := r.Description
		if desc == "" {
			desc = r.Message
		}
		if desc == "" {
			desc = "no description"
		}
		fmt.Fprintf(&b, "- [%s] %s: %s\n", r.Verdict, toolList(r.When.Tools), desc)
	}

	for _, rl := range src.RateLimits {
		window := "lifetime"
		if rl.Window > 0 {
			window = "per " + rl.Window.String()
		}
		scope := rl.Scope
		if scope == "" {
			scope = "session"
		}
		fmt.Fprintf(&b, "- rate limit: %s allows %d calls %s (%s scope)\n",
			toolList([]string{rl.Tool}), rl.MaxCalls, window, scope)
	}

	if src.TaintChain.Enabled {
		fmt.Fprintf(&b, "- taint chain: after PII appears in a tool result, %s is blocked for that session\n",
			toolList(src.TaintChain.OutgoingTools))
	}

	return strings.TrimRight(b.String(), "\n")
}

func toolList(tools []string) string {
	if len(tools) == 0 {
		return "any tool"
	}
	for _, t := range tools {
		if t == "*" {
			return "any tool"
		}
	}
	return strings.Join(tools, ", ")
}

// writeJSON writes a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// decodeJSON decodes a required JSON body. On failure it writes the
// error response and returns false.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	err := json.NewDecoder(r.Body).Decode(dst)
	if err == nil {
		return true
	}
	var maxErr *http.MaxBytesError
	switch {
	case errors.As(err, &maxErr):
		writeJSON(w, http.StatusRequestEntityTooLarge, apiError{Error: "request body too large"})
	case errors.Is(err, io.EOF):
		writeJSON(w, http.StatusUnprocessableEntity, apiError{Error: "request body is required"})
	default:
		writeJSON(w, http.StatusUnprocessableEntity, apiError{Error: "invalid JSON: " + err.Error()})
	}
	return false
}

// decodeOptionalJSON is decodeJSON for endpoints where an empty body is
// fine; dst keeps its zero value then.
func decodeOptionalJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	err := json.NewDecoder(r.Body).Decode(dst)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		writeJSON(w, http.StatusRequestEntityTooLarge, apiError{Error: "request body too large"})
		return false
	}
	writeJSON(w, http.StatusUnprocessableEntity, apiError{Error: "invalid JSON: " + err.Error()})
	return false
}
