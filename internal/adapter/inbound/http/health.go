package http

import (
	"fmt"
	"net/http"
	"runtime"

	"github.com/policyshield/policyshield/internal/domain/approval"
	"github.com/policyshield/policyshield/internal/service"
)

// HealthResponse is the JSON response from the /health and /livez
// endpoints. It identifies the running shield and its active rule-set.
type HealthResponse struct {
	Status     string `json:"status"`
	ShieldName string `json:"shield_name"`
	Version    string `json:"version"`
	Mode       string `json:"mode"`
	RulesCount int    `json:"rules_count"`
}

// ReadyResponse is the JSON response from the /readyz endpoint.
type ReadyResponse struct {
	Ready  bool              `json:"ready"`
	Checks map[string]string `json:"checks"`
}

// HealthChecker verifies component health.
type HealthChecker struct {
	engine  *service.ShieldEngine
	traces  *service.TraceService
	backend approval.Backend
}

// NewHealthChecker creates a HealthChecker with optional components.
// Pass nil for components that aren't configured.
func NewHealthChecker(engine *service.ShieldEngine, traces *service.TraceService, backend approval.Backend) *HealthChecker {
	return &HealthChecker{
		engine:  engine,
		traces:  traces,
		backend: backend,
	}
}

// Summary reports process liveness and the active rule-set identity.
func (h *HealthChecker) Summary() HealthResponse {
	src := h.engine.RuleSet().Source
	return HealthResponse{
		Status:     "ok",
		ShieldName: src.ShieldName,
		Version:    src.Version,
		Mode:       string(h.engine.Mode()),
		RulesCount: h.engine.RuleSet().RulesCount(),
	}
}

// Ready performs readiness checks on all components. The shield is not
// ready while the kill switch is engaged, the trace channel is under
// backpressure, or the approval backend reports unhealthy.
func (h *HealthChecker) Ready() ReadyResponse {
	checks := make(map[string]string)
	ready := true

	cs := h.engine.RuleSet()
	checks["rules"] = fmt.Sprintf("ok: %d rules (hash %s)", cs.RulesCount(), cs.Source.Hash)

	if killed, reason := h.engine.Killed(); killed {
		if reason == "" {
			reason = "no reason given"
		}
		checks["kill_switch"] = "engaged: " + reason
		ready = false
	} else {
		checks["kill_switch"] = "ok"
	}

	if h.traces != nil {
		depth := h.traces.ChannelDepth()
		capacity := h.traces.ChannelCapacity()
		percentFull := 0
		if capacity > 0 {
			percentFull = depth * 100 / capacity
		}
		// >90% full means the writer is not keeping up
		if percentFull > 90 {
			checks["trace"] = fmt.Sprintf("degraded: %d/%d (%d%%)", depth, capacity, percentFull)
			ready = false
		} else {
			checks["trace"] = fmt.Sprintf("ok: %d/%d (%d%%)", depth, capacity, percentFull)
		}
		if drops := h.traces.DroppedRecords(); drops > 0 {
			checks["trace_drops"] = fmt.Sprintf("%d dropped", drops)
		}
	} else {
		checks["trace"] = "not configured"
	}

	if h.backend != nil {
		bh := h.backend.Health()
		if bh.OK {
			checks["approval"] = "ok: " + bh.Backend
		} else {
			detail := bh.Detail
			if detail == "" {
				detail = "unhealthy"
			}
			checks["approval"] = "degraded: " + detail
			ready = false
		}
	} else {
		checks["approval"] = "not configured"
	}

	checks["sessions"] = fmt.Sprintf("ok: %d active", h.engine.Sessions().Len())
	checks["goroutines"] = fmt.Sprintf("%d", runtime.NumGoroutine())

	return ReadyResponse{Ready: ready, Checks: checks}
}

// SummaryHandler serves /health and /livez.
func (h *HealthChecker) SummaryHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, h.Summary())
	})
}

// ReadyHandler serves /readyz, 503 while any check fails.
func (h *HealthChecker) ReadyHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ready := h.Ready()
		status := http.StatusOK
		if !ready.Ready {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, ready)
	})
}
