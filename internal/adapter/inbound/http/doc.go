// Package http provides the HTTP API for PolicyShield.
//
// This package implements the inbound transport that exposes the shield
// engine to agent frameworks and operators over JSON endpoints.
//
// # Usage
//
// Create and start a transport:
//
//	transport := http.NewTransport(engine, traces, backend,
//	    http.WithAddr(":8080"),
//	    http.WithAuthTokens(apiToken, adminToken),
//	    http.WithRequestTimeout(30*time.Second),
//	    http.WithLogger(logger),
//	)
//	err := transport.Start(ctx)
//
// # Endpoints
//
// Check pipeline:
//
//	POST /api/v1/check             - Decide a tool call before it runs
//	POST /api/v1/post-check        - Scan a tool result for PII after it ran
//	GET  /api/v1/constraints       - Human-readable enforcement summary
//
// Approvals:
//
//	POST /api/v1/check-approval    - Poll one approval's state
//	POST /api/v1/respond-approval  - Approve or deny a pending request
//	GET  /api/v1/pending-approvals - List unresolved requests
//	POST /api/v1/slack/interact    - Slack interactivity callback
//
// Administration:
//
//	POST /api/v1/reload            - Re-read rules from disk and swap
//	POST /api/v1/kill              - Engage the kill switch
//	POST /api/v1/resume            - Release the kill switch
//	POST /api/v1/clear-taint       - Clear a session's taint flags
//
// Probes:
//
//	GET /api/v1/health, /api/v1/livez - Shield identity and liveness
//	GET /api/v1/readyz                - Readiness with per-component checks
//	GET /metrics                      - Prometheus text format
//
// # Middleware Chain
//
// Requests pass through middleware in this order:
//
//  1. MetricsMiddleware - duration and status counters
//  2. RequestIDMiddleware - correlation ID extraction and echo
//  3. RealIPMiddleware - client IP from proxy headers
//  4. RecoveryMiddleware - panics become 500 responses
//  5. CORS - preflight handling when origins are configured
//  6. AdmissionMiddleware - concurrency semaphore, 503 on overload
//  7. BodyLimitMiddleware - request size cap, 413
//  8. ContentTypeMiddleware - application/json gate, 415
//  9. TimeoutMiddleware - whole-request deadline, 504
//  10. AuthMiddleware - bearer tokens, admin rate limit, lockout
//  11. IdempotencyCache - byte-for-byte replay on /check
//
// # Security Features
//
//   - TLS 1.2 minimum when HTTPS is enabled via WithTLS
//   - Bearer auth with plaintext, SHA-256, or Argon2id stored tokens
//   - Separate admin token tier for state-mutating endpoints
//   - Per-IP admin rate limiting and auth-failure lockout
//   - Slack callbacks verified against the signing secret
package http
