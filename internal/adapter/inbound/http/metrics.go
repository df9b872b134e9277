// Package http provides the HTTP API adapter for the shield.
package http

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/policyshield/policyshield/internal/service"
)

// Metrics holds all Prometheus metrics for PolicyShield.
// Pass to components that need to record metrics.
type Metrics struct {
	ChecksTotal      *prometheus.CounterVec
	CheckDuration    prometheus.Histogram
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	ApprovalsTotal   *prometheus.CounterVec
	RateLimitHits    prometheus.Counter
	AuthFailures     prometheus.Counter
	IdempotentHits   prometheus.Counter
	AdmissionRejects prometheus.Counter
}

// NewMetrics creates and registers all metrics with the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		ChecksTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "policyshield",
				Name:      "checks_total",
				Help:      "Total tool-call checks by verdict",
			},
			[]string{"verdict"}, // ALLOW/BLOCK/REDACT/APPROVE
		),
		CheckDuration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "policyshield",
				Name:      "check_duration_seconds",
				Help:      "Check pipeline duration in seconds, approval wait included",
				Buckets:   prometheus.DefBuckets,
			},
		),
		RequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "policyshield",
				Name:      "http_requests_total",
				Help:      "Total HTTP requests processed",
			},
			[]string{"method", "status"}, // status=ok/error
		),
		RequestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "policyshield",
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		ApprovalsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "policyshield",
				Name:      "approvals_total",
				Help:      "Approval requests by outcome",
			},
			[]string{"status"}, // requested/approved/denied
		),
		RateLimitHits: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "policyshield",
				Name:      "rate_limit_hits_total",
				Help:      "Checks blocked by a per-session rate limit",
			},
		),
		AuthFailures: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "policyshield",
				Name:      "auth_failures_total",
				Help:      "Rejected bearer-token authentications",
			},
		),
		IdempotentHits: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "policyshield",
				Name:      "idempotent_replays_total",
				Help:      "Check responses served from the idempotency cache",
			},
		),
		AdmissionRejects: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "policyshield",
				Name:      "admission_rejects_total",
				Help:      "Requests rejected by the admission semaphore",
			},
		),
	}
}

// RegisterShieldCollectors registers gauges and counters that read engine
// and trace state lazily at scrape time.
func RegisterShieldCollectors(reg prometheus.Registerer, eng *service.ShieldEngine, traces *service.TraceService) {
	promauto.With(reg).NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "policyshield",
			Name:      "active_sessions",
			Help:      "Number of live sessions in the store",
		},
		func() float64 { return float64(eng.Sessions().Len()) },
	)
	promauto.With(reg).NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "policyshield",
			Name:      "rules_loaded",
			Help:      "Enabled rules in the active rule-set",
		},
		func() float64 { return float64(eng.RuleSet().RulesCount()) },
	)
	promauto.With(reg).NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "policyshield",
			Name:      "kill_switch_engaged",
			Help:      "1 while the kill switch is on",
		},
		func() float64 {
			if killed, _ := eng.Killed(); killed {
				return 1
			}
			return 0
		},
	)
	promauto.With(reg).NewCounterFunc(
		prometheus.CounterOpts{
			Namespace: "policyshield",
			Name:      "engine_errors_total",
			Help:      "Checks that hit the on-error policy",
		},
		func() float64 { return float64(eng.ErrorCount()) },
	)
	if traces != nil {
		promauto.With(reg).NewCounterFunc(
			prometheus.CounterOpts{
				Namespace: "policyshield",
				Name:      "trace_drops_total",
				Help:      "Trace records dropped due to backpressure",
			},
			func() float64 { return float64(traces.DroppedRecords()) },
		)
		promauto.With(reg).NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: "policyshield",
				Name:      "trace_queue_depth",
				Help:      "Trace records waiting in the writer channel",
			},
			func() float64 { return float64(traces.ChannelDepth()) },
		)
	}
}
