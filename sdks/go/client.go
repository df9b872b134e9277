package policyshield

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Client talks to a PolicyShield server. It submits tool calls for
// verdicts, reports results for PII scanning, and manages approvals.
type Client struct {
	addr       string
	apiToken   string
	adminToken string
	failMode   string
	timeout    time.Duration
	httpClient *http.Client
	sessionID  string
	sender     string

	// Cache fields. Only ALLOW verdicts are cached, keyed by tool,
	// session, and an argument hash.
	cache        sync.Map
	cacheTTL     time.Duration
	cacheMaxSize int
	cacheCount   int64
	cacheMu      sync.Mutex

	logger *slog.Logger
}

// cacheEntry is a cached allow response with expiry.
type cacheEntry struct {
	response  *CheckResponse
	expiresAt time.Time
	createdAt time.Time
}

// NewClient creates a PolicyShield SDK client. It reads configuration
// from POLICYSHIELD_* environment variables by default; options
// override the defaults.
func NewClient(opts ...Option) *Client {
	c := &Client{
		addr:         os.Getenv("POLICYSHIELD_ADDR"),
		apiToken:     os.Getenv("POLICYSHIELD_API_TOKEN"),
		adminToken:   os.Getenv("POLICYSHIELD_ADMIN_TOKEN"),
		failMode:     envOrDefault("POLICYSHIELD_FAIL_MODE", "closed"),
		timeout:      parseDurationEnv("POLICYSHIELD_TIMEOUT", 2*time.Minute),
		cacheTTL:     parseDurationEnv("POLICYSHIELD_CACHE_TTL", 5*time.Second),
		cacheMaxSize: parseIntEnv("POLICYSHIELD_CACHE_MAX_SIZE", 1000),
		sessionID:    os.Getenv("POLICYSHIELD_SESSION_ID"),
		sender:       os.Getenv("POLICYSHIELD_SENDER"),
		logger:       slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.httpClient == nil {
		c.httpClient = &http.Client{
			Timeout: c.timeout,
		}
	}

	return c
}

// Check submits a tool call and returns the shield's decision. BLOCK
// verdicts come back as a *BlockedError; ALLOW and REDACT return the
// response (REDACT callers must proceed with ModifiedArgs). When the
// server is unreachable the fail mode decides: "closed" (the default)
// returns *ServerUnreachableError, "open" returns a synthetic allow.
func (c *Client) Check(ctx context.Context, req CheckRequest) (*CheckResponse, error) {
	if req.SessionID == "" {
		req.SessionID = c.sessionID
	}
	if req.Sender == "" {
		req.Sender = c.sender
	}

	cacheKey := c.buildCacheKey(req)
	if resp, ok := c.getFromCache(cacheKey); ok {
		return resp, nil
	}

	var resp CheckResponse
	err := c.doRequest(ctx, http.MethodPost, "/api/v1/check", req.IdempotencyKey, req, &resp)
	if err != nil {
		if isConnectionError(err) {
			if c.failMode == "open" {
				c.logger.Warn("shield unreachable, failing open",
					"addr", c.addr,
					"error", err,
				)
				return &CheckResponse{
					Verdict: VerdictAllow,
					Message: "shield unreachable, fail-open",
				}, nil
			}
			return nil, &ServerUnreachableError{Cause: err}
		}
		return nil, err
	}

	switch resp.Verdict {
	case VerdictAllow:
		c.putInCache(cacheKey, &resp)
		return &resp, nil

	case VerdictBlock:
		return nil, &BlockedError{
			RuleID:     resp.RuleID,
			Message:    resp.Message,
			PIITypes:   resp.PIITypes,
			ApprovalID: resp.ApprovalID,
			RequestID:  resp.RequestID,
		}

	default:
		// REDACT, and any verdict a future shield may add.
		return &resp, nil
	}
}

// Allowed is a convenience wrapper that reports whether the call may
// proceed. Policy blocks return (false, nil); only transport and server
// failures surface as errors.
func (c *Client) Allowed(ctx context.Context, req CheckRequest) (bool, error) {
	resp, err := c.Check(ctx, req)
	if err != nil {
		var blocked *BlockedError
		if errors.As(err, &blocked) {
			return false, nil
		}
		return false, err
	}
	return resp.Verdict == VerdictAllow || resp.Verdict == VerdictRedact, nil
}

// PostCheck reports a finished tool call's output for PII scanning.
// Detections taint the session on the shield side, which can arm
// taint-chain blocks for later calls.
func (c *Client) PostCheck(ctx context.Context, req PostCheckRequest) (*PostCheckResponse, error) {
	if req.SessionID == "" {
		req.SessionID = c.sessionID
	}
	var resp PostCheckResponse
	if err := c.doRequest(ctx, http.MethodPost, "/api/v1/post-check", "", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ApprovalStatus reports the state of one approval request without
// side effects.
func (c *Client) ApprovalStatus(ctx context.Context, approvalID string) (*ApprovalStatus, error) {
	body := map[string]string{"approval_id": approvalID}
	var resp ApprovalStatus
	if err := c.doRequest(ctx, http.MethodPost, "/api/v1/check-approval", "", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PendingApprovals lists unresolved approval requests, oldest first.
func (c *Client) PendingApprovals(ctx context.Context) ([]PendingApproval, error) {
	var resp []PendingApproval
	if err := c.doRequest(ctx, http.MethodGet, "/api/v1/pending-approvals", "", nil, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// RespondApproval approves or denies a pending request. It authenticates
// with the admin token when one is configured. Responding to an already
// resolved request is a no-op returning the existing resolution.
func (c *Client) RespondApproval(ctx context.Context, approvalID string, approved bool, responder, comment string) (*ApprovalStatus, error) {
	body := map[string]any{
		"approval_id": approvalID,
		"approved":    approved,
		"responder":   responder,
		"comment":     comment,
	}
	var resp ApprovalStatus
	if err := c.doAdminRequest(ctx, http.MethodPost, "/api/v1/respond-approval", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Constraints fetches the shield's human-readable enforcement summary,
// suitable for injection into an agent's system prompt.
func (c *Client) Constraints(ctx context.Context) (string, error) {
	var resp struct {
		Summary string `json:"summary"`
	}
	if err := c.doRequest(ctx, http.MethodGet, "/api/v1/constraints", "", nil, &resp); err != nil {
		return "", err
	}
	return resp.Summary, nil
}

// ClearTaint clears a session's taint flag so outgoing tools work
// again. It authenticates with the admin token when one is configured.
func (c *Client) ClearTaint(ctx context.Context, sessionID string) error {
	body := map[string]string{"session_id": sessionID}
	return c.doAdminRequest(ctx, http.MethodPost, "/api/v1/clear-taint", body, nil)
}

// doAdminRequest is doRequest with the admin token substituted when
// configured; otherwise the api token covers admin routes.
func (c *Client) doAdminRequest(ctx context.Context, method, path string, body, result any) error {
	token := c.adminToken
	if token == "" {
		token = c.apiToken
	}
	return c.do(ctx, method, path, "", token, body, result)
}

func (c *Client) doRequest(ctx context.Context, method, path, idemKey string, body, result any) error {
	return c.do(ctx, method, path, idemKey, c.apiToken, body, result)
}

// do performs one HTTP round trip against the shield.
func (c *Client) do(ctx context.Context, method, path, idemKey, token string, body, result any) error {
	url := strings.TrimRight(c.addr, "/") + path

	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}
	if idemKey != "" {
		httpReq.Header.Set("X-Idempotency-Key", idemKey)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		apiErr := &APIError{
			StatusCode: httpResp.StatusCode,
			RequestID:  httpResp.Header.Get("X-Request-ID"),
		}
		var parsed struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(respBody, &parsed) == nil && parsed.Error != "" {
			apiErr.Message = parsed.Error
		} else {
			apiErr.Message = strings.TrimSpace(string(respBody))
		}
		return apiErr
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("failed to unmarshal response: %w", err)
		}
	}

	return nil
}

// buildCacheKey derives the cache key from tool, session, and an
// argument hash. Keys are order-independent over the argument map.
func (c *Client) buildCacheKey(req CheckRequest) string {
	h := sha256.New()
	if len(req.Args) > 0 {
		keys := make([]string, 0, len(req.Args))
		for k := range req.Args {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			vb, _ := json.Marshal(req.Args[k])
			h.Write([]byte(k))
			h.Write([]byte{0})
			h.Write(vb)
			h.Write([]byte{0})
		}
	}
	argsHash := hex.EncodeToString(h.Sum(nil))[:16]
	return fmt.Sprintf("%s:%s:%s", req.ToolName, req.SessionID, argsHash)
}

// getFromCache retrieves a cached response if it exists and hasn't expired.
func (c *Client) getFromCache(key string) (*CheckResponse, bool) {
	if c.cacheTTL <= 0 {
		return nil, false
	}
	val, ok := c.cache.Load(key)
	if !ok {
		return nil, false
	}
	entry := val.(*cacheEntry)
	if time.Now().After(entry.expiresAt) {
		c.cache.Delete(key)
		c.cacheMu.Lock()
		c.cacheCount--
		c.cacheMu.Unlock()
		return nil, false
	}
	return entry.response, true
}

// putInCache stores an allow response. The short default TTL bounds how
// stale a session-dependent verdict (rate limits, taint) can get.
func (c *Client) putInCache(key string, resp *CheckResponse) {
	if c.cacheTTL <= 0 {
		return
	}
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()

	// Best-effort eviction: past the cap, drop expired entries first.
	if c.cacheCount >= int64(c.cacheMaxSize) {
		now := time.Now()
		evicted := 0
		c.cache.Range(func(k, v any) bool {
			entry := v.(*cacheEntry)
			if now.After(entry.expiresAt) {
				c.cache.Delete(k)
				evicted++
			}
			return evicted < 100
		})
		c.cacheCount -= int64(evicted)

		// Still full: drop the oldest entry.
		if c.cacheCount >= int64(c.cacheMaxSize) {
			var oldest time.Time
			var oldestKey any
			c.cache.Range(func(k, v any) bool {
				entry := v.(*cacheEntry)
				if oldest.IsZero() || entry.createdAt.Before(oldest) {
					oldest = entry.createdAt
					oldestKey = k
				}
				return true
			})
			if oldestKey != nil {
				c.cache.Delete(oldestKey)
				c.cacheCount--
			}
		}
	}

	now := time.Now()
	c.cache.Store(key, &cacheEntry{
		response:  resp,
		expiresAt: now.Add(c.cacheTTL),
		createdAt: now,
	})
	c.cacheCount++
}

// isConnectionError reports whether err is a connection-level failure
// (DNS, refused, TLS, timeout) rather than a server response.
func isConnectionError(err error) bool {
	if err == nil {
		return false
	}

	// HTTP status errors mean the server answered.
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return false
	}

	// Everything else out of http.Client.Do is transport-level.
	return true
}

// Helper functions for env var parsing.

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func parseDurationEnv(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	// Bare integers mean seconds.
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	return defaultVal
}

func parseIntEnv(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(v); err == nil {
		return n
	}
	return defaultVal
}
