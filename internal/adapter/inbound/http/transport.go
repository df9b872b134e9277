// Package http provides the HTTP API adapter for the shield.
package http

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/policyshield/policyshield/internal/domain/approval"
	"github.com/policyshield/policyshield/internal/domain/rule"
	"github.com/policyshield/policyshield/internal/port/inbound"
	"github.com/policyshield/policyshield/internal/service"
)

// Transport defaults.
const (
	// DefaultAddr binds localhost only.
	DefaultAddr = "127.0.0.1:8080"
	// DefaultMaxConcurrent bounds in-flight API requests.
	DefaultMaxConcurrent = 100
	// DefaultMaxBodyBytes caps request bodies at 1 MiB.
	DefaultMaxBodyBytes = 1 << 20
	// DefaultRequestTimeout bounds a whole request, approval wait included.
	DefaultRequestTimeout = 30 * time.Second
)

// Transport is the inbound adapter serving the shield API over HTTP.
type Transport struct {
	engine  *service.ShieldEngine
	traces  *service.TraceService
	backend approval.Backend

	server *http.Server
	addr   string

	certFile string
	keyFile  string

	corsOrigins    []string
	apiToken       string
	adminToken     string
	maxConcurrent  int
	maxBodyBytes   int64
	requestTimeout time.Duration
	onError        rule.Verdict
	interactions   InteractionResolver

	metrics *Metrics
	guard   *AuthGuard
	idem    *IdempotencyCache
	logger  *slog.Logger
}

// Option is a functional option for configuring Transport.
type Option func(*Transport)

// WithAddr sets the listen address. Default is "127.0.0.1:8080"
// (localhost only).
func WithAddr(addr string) Option {
	return func(t *Transport) {
		t.addr = addr
	}
}

// WithTLS enables TLS with the provided certificate and key files.
// If not set, the server runs without TLS (plain HTTP).
func WithTLS(certFile, keyFile string) Option {
	return func(t *Transport) {
		t.certFile = certFile
		t.keyFile = keyFile
	}
}

// WithLogger sets the logger for the transport.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		t.logger = logger
	}
}

// WithCORSOrigins enables CORS for the given origins. Empty leaves CORS
// off, which blocks cross-origin browser calls while leaving non-browser
// clients untouched.
func WithCORSOrigins(origins []string) Option {
	return func(t *Transport) {
		t.corsOrigins = origins
	}
}

// WithAuthTokens configures bearer auth. Each value may be plaintext or
// a hash in a format auth.DetectHashType recognizes. An empty api token
// disables auth; an empty admin token lets the api token cover admin
// endpoints.
func WithAuthTokens(apiToken, adminToken string) Option {
	return func(t *Transport) {
		t.apiToken = apiToken
		t.adminToken = adminToken
	}
}

// WithMaxConcurrent sets the admission semaphore size.
func WithMaxConcurrent(n int) Option {
	return func(t *Transport) {
		if n > 0 {
			t.maxConcurrent = n
		}
	}
}

// WithMaxBodyBytes caps request body size.
func WithMaxBodyBytes(n int64) Option {
	return func(t *Transport) {
		if n > 0 {
			t.maxBodyBytes = n
		}
	}
}

// WithRequestTimeout bounds whole-request duration. It must exceed the
// approval timeout or every approval wait ends as a 504.
func WithRequestTimeout(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.requestTimeout = d
		}
	}
}

// WithFailOpen sets the verdict reported when a handler panics. Checks
// fail closed (BLOCK) unless the shield is configured fail-open.
func WithFailOpen(failOpen bool) Option {
	return func(t *Transport) {
		if failOpen {
			t.onError = rule.VerdictAllow
		} else {
			t.onError = rule.VerdictBlock
		}
	}
}

// WithInteractions routes chat interaction callbacks (the Slack
// interactivity webhook) to the given resolver.
func WithInteractions(ir InteractionResolver) Option {
	return func(t *Transport) {
		t.interactions = ir
	}
}

// NewTransport creates the HTTP transport for the given engine. The
// trace service and approval backend may be nil; the matching endpoints
// and readiness checks degrade gracefully.
func NewTransport(engine *service.ShieldEngine, traces *service.TraceService, backend approval.Backend, opts ...Option) *Transport {
	t := &Transport{
		engine:         engine,
		traces:         traces,
		backend:        backend,
		addr:           DefaultAddr,
		maxConcurrent:  DefaultMaxConcurrent,
		maxBodyBytes:   DefaultMaxBodyBytes,
		requestTimeout: DefaultRequestTimeout,
		onError:        rule.VerdictBlock,
		logger:         slog.Default(),
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

// Handler builds the full middleware stack and route table. Start calls
// it; tests can serve it directly via httptest.
func (t *Transport) Handler(reg *prometheus.Registry) http.Handler {
	t.metrics = NewMetrics(reg)
	RegisterShieldCollectors(reg, t.engine, t.traces)
	t.guard = NewAuthGuard()
	t.idem = NewIdempotencyCache(DefaultIdempotencyCap, DefaultIdempotencyTTL)

	h := &ShieldHandlers{
		engine:       t.engine,
		backend:      t.backend,
		metrics:      t.metrics,
		interactions: t.interactions,
	}
	hc := NewHealthChecker(t.engine, t.traces, t.backend)

	// One semaphore shared by every guarded route.
	sem := make(chan struct{}, t.maxConcurrent)
	tokens := authTokens{api: t.apiToken, admin: t.adminToken}

	// Route-level stack, innermost listed last:
	// admission, body limit, content-type gate, timeout, auth.
	protect := func(admin bool, handler http.Handler) http.Handler {
		handler = AuthMiddleware(tokens, t.guard, t.metrics, admin)(handler)
		handler = TimeoutMiddleware(t.requestTimeout)(handler)
		handler = ContentTypeMiddleware(handler)
		handler = BodyLimitMiddleware(t.maxBodyBytes)(handler)
		handler = AdmissionMiddleware(sem, t.metrics)(handler)
		return handler
	}
	// The Slack webhook is form-encoded and signature-verified, so it
	// skips the content-type gate and bearer auth.
	webhook := func(handler http.Handler) http.Handler {
		handler = TimeoutMiddleware(t.requestTimeout)(handler)
		handler = BodyLimitMiddleware(t.maxBodyBytes)(handler)
		handler = AdmissionMiddleware(sem, t.metrics)(handler)
		return handler
	}

	mux := http.NewServeMux()
	// Idempotency sits inside auth and limits: replays are
	// authenticated and size-checked but never re-enter the engine.
	mux.Handle("POST /api/v1/check",
		protect(false, t.idem.Middleware(t.metrics)(http.HandlerFunc(h.handleCheck))))
	mux.Handle("POST /api/v1/post-check", protect(false, http.HandlerFunc(h.handlePostCheck)))
	mux.Handle("POST /api/v1/check-approval", protect(false, http.HandlerFunc(h.handleCheckApproval)))
	mux.Handle("GET /api/v1/pending-approvals", protect(false, http.HandlerFunc(h.handlePendingApprovals)))
	mux.Handle("GET /api/v1/constraints", protect(false, http.HandlerFunc(h.handleConstraints)))

	mux.Handle("POST /api/v1/respond-approval", protect(true, http.HandlerFunc(h.handleRespondApproval)))
	mux.Handle("POST /api/v1/reload", protect(true, http.HandlerFunc(h.handleReload)))
	mux.Handle("POST /api/v1/kill", protect(true, http.HandlerFunc(h.handleKill)))
	mux.Handle("POST /api/v1/resume", protect(true, http.HandlerFunc(h.handleResume)))
	mux.Handle("POST /api/v1/clear-taint", protect(true, http.HandlerFunc(h.handleClearTaint)))

	mux.Handle("POST /api/v1/slack/interact", webhook(http.HandlerFunc(h.handleSlackInteract)))

	mux.Handle("GET /api/v1/health", hc.SummaryHandler())
	mux.Handle("GET /api/v1/livez", hc.SummaryHandler())
	mux.Handle("GET /api/v1/readyz", hc.ReadyHandler())
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		Registry: reg,
	}))

	// Shared outer stack, outermost listed last: CORS (so preflights
	// never hit the method-routed mux), panic recovery, client IP,
	// request ID, HTTP metrics.
	var handler http.Handler = mux
	if len(t.corsOrigins) > 0 {
		c := cors.New(cors.Options{
			AllowedOrigins: t.corsOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", IdempotencyHeader},
		})
		handler = c.Handler(handler)
	}
	handler = RecoveryMiddleware(t.logger, t.onError)(handler)
	handler = RealIPMiddleware(handler)
	handler = RequestIDMiddleware(t.logger)(handler)
	handler = MetricsMiddleware(t.metrics)(handler)
	return handler
}

// Start begins accepting HTTP connections and serving shield checks.
// It blocks until the context is cancelled or an error occurs.
func (t *Transport) Start(ctx context.Context) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	handler := t.Handler(reg)

	t.server = &http.Server{
		Addr:    t.addr,
		Handler: handler,
	}
	if t.certFile != "" && t.keyFile != "" {
		t.server.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	errCh := make(chan error, 1)

	go func() {
		var err error
		if t.certFile != "" && t.keyFile != "" {
			t.logger.Info("starting HTTPS server", "addr", t.addr)
			err = t.server.ListenAndServeTLS(t.certFile, t.keyFile)
		} else {
			t.logger.Info("starting HTTP server", "addr", t.addr)
			err = t.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		t.logger.Info("context cancelled, shutting down HTTP server")
		return t.shutdown()
	case err := <-errCh:
		return err
	}
}

// shutdown performs graceful shutdown of the HTTP server.
func (t *Transport) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := t.server.Shutdown(ctx); err != nil {
		t.logger.Error("error during server shutdown", "error", err)
		return err
	}

	t.logger.Info("HTTP server shutdown complete")
	return nil
}

// Close gracefully shuts down the transport.
func (t *Transport) Close() error {
	if t.server == nil {
		return nil
	}
	return t.shutdown()
}

// Compile-time check that Transport implements the inbound port.
var _ inbound.Transport = (*Transport)(nil)
