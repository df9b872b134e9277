package http

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/policyshield/policyshield/internal/domain/auth"
)

// Guard defaults.
const (
	// DefaultAdminRatePerMin caps admin endpoint calls per IP.
	DefaultAdminRatePerMin = 10
	// DefaultAuthFailPerMin is how many bad tokens an IP may present
	// per minute before it is locked out.
	DefaultAuthFailPerMin = 5
	// DefaultLockoutDuration is how long a locked IP stays locked.
	DefaultLockoutDuration = 5 * time.Minute

	guardIdleEviction = 30 * time.Minute
)

// visitor tracks the rate limiter and last seen time for an IP.
type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// lockState tracks auth failures for an IP. The limiter meters failures;
// exhausting it locks the IP until lockedUntil.
type lockState struct {
	limiter     *rate.Limiter
	lockedUntil time.Time
	lastSeen    time.Time
}

// AuthGuard rate-limits admin endpoints per IP and locks out IPs that
// keep presenting bad tokens. Idle entries are evicted lazily.
type AuthGuard struct {
	mu        sync.Mutex
	admin     map[string]*visitor
	failures  map[string]*lockState
	adminRate rate.Limit
	failRate  rate.Limit
	lockout   time.Duration
	lastSweep time.Time
}

// NewAuthGuard creates a guard with the default limits.
func NewAuthGuard() *AuthGuard {
	return &AuthGuard{
		admin:     make(map[string]*visitor),
		failures:  make(map[string]*lockState),
		adminRate: rate.Every(time.Minute / DefaultAdminRatePerMin),
		failRate:  rate.Every(time.Minute / DefaultAuthFailPerMin),
		lockout:   DefaultLockoutDuration,
		lastSweep: time.Now(),
	}
}

// AdminAllow reserves an admin-endpoint slot for the IP. When the limit
// is exceeded it reports false and how long the caller should wait.
func (g *AuthGuard) AdminAllow(ip string) (time.Duration, bool) {
	g.mu.Lock()
	v, ok := g.admin[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(g.adminRate, DefaultAdminRatePerMin)}
		g.admin[ip] = v
	}
	v.lastSeen = time.Now()
	g.sweepLocked(v.lastSeen)
	g.mu.Unlock()

	res := v.limiter.Reserve()
	if delay := res.Delay(); delay > 0 {
		res.Cancel()
		return delay, false
	}
	return 0, true
}

// Locked reports whether the IP is currently locked out and for how
// much longer.
func (g *AuthGuard) Locked(ip string) (time.Duration, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.failures[ip]
	if !ok {
		return 0, false
	}
	remaining := time.Until(st.lockedUntil)
	if remaining <= 0 {
		return 0, false
	}
	return remaining, true
}

// RecordFailure counts a bad token from the IP. Exceeding the failure
// budget locks the IP out.
func (g *AuthGuard) RecordFailure(ip string) {
	now := time.Now()
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.failures[ip]
	if !ok {
		st = &lockState{limiter: rate.NewLimiter(g.failRate, DefaultAuthFailPerMin)}
		g.failures[ip] = st
	}
	st.lastSeen = now
	if !st.limiter.Allow() {
		st.lockedUntil = now.Add(g.lockout)
	}
	g.sweepLocked(now)
}

// sweepLocked drops idle entries. Called with g.mu held.
func (g *AuthGuard) sweepLocked(now time.Time) {
	if now.Sub(g.lastSweep) < time.Minute {
		return
	}
	g.lastSweep = now
	for ip, v := range g.admin {
		if now.Sub(v.lastSeen) > guardIdleEviction {
			delete(g.admin, ip)
		}
	}
	for ip, st := range g.failures {
		if now.Sub(st.lastSeen) > guardIdleEviction && now.After(st.lockedUntil) {
			delete(g.failures, ip)
		}
	}
}

// authTokens holds the configured token values. Either may be plaintext
// or a hash in a format auth.DetectHashType recognizes. Empty APIToken
// disables bearer auth; empty AdminToken makes APIToken cover admin
// endpoints too.
type authTokens struct {
	api   string
	admin string
}

// required returns the stored token value a request must match. Admin
// routes fall back to the api token when no admin token is configured;
// an empty return means auth is disabled for the route.
func (t authTokens) required(admin bool) string {
	if admin && t.admin != "" {
		return t.admin
	}
	return t.api
}

// AuthMiddleware enforces bearer-token auth. Admin routes additionally
// pass the per-IP admin rate limit; bad tokens feed the lockout tracker.
// Missing Authorization is 401, a wrong token 403, a locked or
// rate-limited IP 429.
func AuthMiddleware(tokens authTokens, guard *AuthGuard, metrics *Metrics, admin bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := ClientIPFromContext(r.Context())

			if remaining, locked := guard.Locked(ip); locked {
				w.Header().Set("Retry-After", retryAfterSeconds(remaining))
				writeJSON(w, http.StatusTooManyRequests, apiError{Error: "too many failed authentications"})
				return
			}
			if admin {
				if delay, ok := guard.AdminAllow(ip); !ok {
					w.Header().Set("Retry-After", retryAfterSeconds(delay))
					writeJSON(w, http.StatusTooManyRequests, apiError{Error: "admin rate limit exceeded"})
					return
				}
			}

			stored := tokens.required(admin)
			if stored == "" {
				next.ServeHTTP(w, r)
				return
			}

			token, ok := bearerToken(r)
			if !ok {
				writeJSON(w, http.StatusUnauthorized, apiError{Error: "missing bearer token"})
				return
			}
			if !auth.VerifyToken(token, stored) {
				guard.RecordFailure(ip)
				if metrics != nil {
					metrics.AuthFailures.Inc()
				}
				writeJSON(w, http.StatusForbidden, apiError{Error: "invalid token"})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// bearerToken extracts the token from an Authorization: Bearer header.
func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return "", false
	}
	token := strings.TrimPrefix(header, "Bearer ")
	if token == "" {
		return "", false
	}
	return token, true
}

// retryAfterSeconds renders a delay as a whole-second Retry-After value,
// never below 1.
func retryAfterSeconds(d time.Duration) string {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
