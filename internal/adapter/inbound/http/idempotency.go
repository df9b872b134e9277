package http

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Idempotency cache defaults.
const (
	// IdempotencyHeader names the client-supplied replay key.
	IdempotencyHeader = "X-Idempotency-Key"
	// DefaultIdempotencyCap bounds cached responses.
	DefaultIdempotencyCap = 10000
	// DefaultIdempotencyTTL is how long a cached response replays.
	DefaultIdempotencyTTL = 5 * time.Minute
)

type idemEntry struct {
	status      int
	contentType string
	body        []byte
	storedAt    time.Time
}

// IdempotencyCache replays check responses byte-for-byte when a client
// resubmits the same key and body within the TTL. Keys are xxhash over
// the header value and the raw body, so the same key with a different
// body is a miss, never a wrong replay.
type IdempotencyCache struct {
	mu      sync.Mutex
	entries map[uint64]idemEntry
	cap     int
	ttl     time.Duration
}

// NewIdempotencyCache creates a cache holding up to capacity responses
// for ttl. Non-positive arguments fall back to the defaults.
func NewIdempotencyCache(capacity int, ttl time.Duration) *IdempotencyCache {
	if capacity <= 0 {
		capacity = DefaultIdempotencyCap
	}
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	return &IdempotencyCache{
		entries: make(map[uint64]idemEntry),
		cap:     capacity,
		ttl:     ttl,
	}
}

func idemKey(key string, body []byte) uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(key)
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(body)
	return h.Sum64()
}

func (c *IdempotencyCache) lookup(k uint64, now time.Time) (idemEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[k]
	if !ok {
		return idemEntry{}, false
	}
	if now.Sub(e.storedAt) > c.ttl {
		delete(c.entries, k)
		return idemEntry{}, false
	}
	return e, true
}

func (c *IdempotencyCache) store(k uint64, e idemEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= c.cap {
		c.evictLocked(e.storedAt)
	}
	c.entries[k] = e
}

// evictLocked drops expired entries, then the oldest entry if the cache
// is still full. Linear scan; the cap keeps it cheap.
func (c *IdempotencyCache) evictLocked(now time.Time) {
	for k, e := range c.entries {
		if now.Sub(e.storedAt) > c.ttl {
			delete(c.entries, k)
		}
	}
	if len(c.entries) < c.cap {
		return
	}
	var oldestKey uint64
	var oldestAt time.Time
	first := true
	for k, e := range c.entries {
		if first || e.storedAt.Before(oldestAt) {
			oldestKey, oldestAt = k, e.storedAt
			first = false
		}
	}
	if !first {
		delete(c.entries, oldestKey)
	}
}

// Len reports the number of cached responses.
func (c *IdempotencyCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Middleware replays cached responses for requests carrying the
// idempotency header. Requests without the header pass straight
// through. Only 2xx responses are cached; an error response is worth
// retrying, so it never replays.
func (c *IdempotencyCache) Middleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(IdempotencyHeader)
			if key == "" {
				next.ServeHTTP(w, r)
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
			r.Body = io.NopCloser(bytes.NewReader(body))

			now := time.Now()
			k := idemKey(key, body)
			if e, ok := c.lookup(k, now); ok {
				if metrics != nil {
					metrics.IdempotentHits.Inc()
				}
				if e.contentType != "" {
					w.Header().Set("Content-Type", e.contentType)
				}
				w.Header().Set("X-Idempotent-Replay", "true")
				w.WriteHeader(e.status)
				_, _ = w.Write(e.body)
				return
			}

			rec := &captureResponse{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			if rec.status >= 200 && rec.status < 300 {
				c.store(k, idemEntry{
					status:      rec.status,
					contentType: rec.Header().Get("Content-Type"),
					body:        rec.body.Bytes(),
					storedAt:    now,
				})
			}
		})
	}
}

// captureResponse tees the response body while passing it through.
type captureResponse struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (r *captureResponse) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *captureResponse) Write(p []byte) (int, error) {
	r.body.Write(p)
	return r.ResponseWriter.Write(p)
}
