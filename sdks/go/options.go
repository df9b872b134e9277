package policyshield

import (
	"log/slog"
	"net/http"
	"time"
)

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithAddr sets the PolicyShield server address, e.g. "http://127.0.0.1:8080".
// If not set, defaults to the POLICYSHIELD_ADDR environment variable.
func WithAddr(addr string) Option {
	return func(c *Client) {
		c.addr = addr
	}
}

// WithAPIToken sets the bearer token for check endpoints.
// If not set, defaults to the POLICYSHIELD_API_TOKEN environment variable.
func WithAPIToken(token string) Option {
	return func(c *Client) {
		c.apiToken = token
	}
}

// WithAdminToken sets the bearer token for admin endpoints
// (RespondApproval, ClearTaint). When empty, the api token is used.
// If not set, defaults to the POLICYSHIELD_ADMIN_TOKEN environment variable.
func WithAdminToken(token string) Option {
	return func(c *Client) {
		c.adminToken = token
	}
}

// WithFailMode sets the behavior when the shield is unreachable.
// Valid values are "closed" (surface an error, the default) and "open"
// (return a synthetic allow). A shield that cannot be consulted blocks
// by default; only opt into "open" for non-sensitive tooling.
func WithFailMode(mode string) Option {
	return func(c *Client) {
		c.failMode = mode
	}
}

// WithTimeout sets the HTTP request timeout. The default is 2 minutes,
// sized so a check that waits on a human approval is not cut off by the
// client before the shield decides.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithCacheTTL sets how long ALLOW verdicts replay from the client-side
// cache. Zero or negative disables caching. The default is 5 seconds;
// longer TTLs trade staleness of session-dependent verdicts (rate
// limits, taint) for fewer round trips.
func WithCacheTTL(d time.Duration) Option {
	return func(c *Client) {
		c.cacheTTL = d
	}
}

// WithCacheMaxSize sets the maximum number of cached verdicts.
// If not set, defaults to 1000.
func WithCacheMaxSize(n int) Option {
	return func(c *Client) {
		c.cacheMaxSize = n
	}
}

// WithHTTPClient sets a custom http.Client for making requests.
// Useful for testing, proxying, or custom transport configurations.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithSessionID sets the default session for requests that don't carry
// their own. If not set, defaults to the POLICYSHIELD_SESSION_ID
// environment variable.
func WithSessionID(id string) Option {
	return func(c *Client) {
		c.sessionID = id
	}
}

// WithSender sets the default sender identity for requests that don't
// carry their own.
func WithSender(sender string) Option {
	return func(c *Client) {
		c.sender = sender
	}
}

// WithLogger sets the logger used for fail-open warnings.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}
