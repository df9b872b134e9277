package approval

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// DefaultGCInterval is how often the background GC scans for stale entries.
const DefaultGCInterval = 1 * time.Minute

// pendingEntry pairs a request with the channel its waiter blocks on.
// The channel is buffered so a resolver never blocks on a missing waiter.
type pendingEntry struct {
	req Request
	ch  chan Resolution
}

// InMemory is the in-process approval backend. Resolutions arrive through
// Respond (wired to the HTTP surface); WaitFor parks on a per-request
// channel. Entries older than the TTL are garbage collected.
type InMemory struct {
	mu       sync.Mutex
	pending  map[string]*pendingEntry
	resolved map[string]Resolution

	ttl      time.Duration
	interval time.Duration

	stopChan chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

// Compile-time check that InMemory implements Backend.
var _ Backend = (*InMemory)(nil)

// NewInMemory creates an in-memory backend. Zero ttl or interval fall back
// to the defaults. Call StartGC to enable background expiry and Stop to
// shut it down.
func NewInMemory(ttl, gcInterval time.Duration) *InMemory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if gcInterval <= 0 {
		gcInterval = DefaultGCInterval
	}
	return &InMemory{
		pending:  make(map[string]*pendingEntry),
		resolved: make(map[string]Resolution),
		ttl:      ttl,
		interval: gcInterval,
		stopChan: make(chan struct{}),
	}
}

// Submit registers a pending request. Duplicate ids are rejected.
func (m *InMemory) Submit(_ context.Context, req Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.pending[req.ID]; ok {
		return fmt.Errorf("approval request %s already pending", req.ID)
	}
	if _, ok := m.resolved[req.ID]; ok {
		return fmt.Errorf("approval request %s already resolved", req.ID)
	}

	m.pending[req.ID] = &pendingEntry{
		req: req,
		ch:  make(chan Resolution, 1),
	}
	return nil
}

// WaitFor blocks until resolution, timeout, or ctx cancellation. On timeout
// the entry transitions to timed_out unless a responder got there first.
func (m *InMemory) WaitFor(ctx context.Context, requestID string, timeout time.Duration) (Resolution, bool) {
	m.mu.Lock()
	if res, ok := m.resolved[requestID]; ok {
		m.mu.Unlock()
		return res, true
	}
	entry, ok := m.pending[requestID]
	m.mu.Unlock()
	if !ok {
		return Resolution{}, false
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-entry.ch:
		return res, true
	case <-timer.C:
		// The timeout writer races any in-flight respond; resolve
		// settles it under the mutex.
		res, first := m.resolve(requestID, Resolution{
			RequestID:   requestID,
			Status:      StatusTimedOut,
			RespondedAt: time.Now().UTC(),
		})
		if first || res.Status == "" {
			return Resolution{}, false
		}
		return res, true
	case <-ctx.Done():
		return Resolution{}, false
	}
}

// Respond resolves a pending request. The first writer wins; a second
// respond returns the existing resolution without changing it.
func (m *InMemory) Respond(requestID string, approved bool, responder, comment string) (Resolution, error) {
	status := StatusDenied
	if approved {
		status = StatusApproved
	}
	res, first := m.resolve(requestID, Resolution{
		RequestID:   requestID,
		Status:      status,
		Approved:    approved,
		Responder:   responder,
		Comment:     comment,
		RespondedAt: time.Now().UTC(),
	})
	if !first && res.Status == "" {
		return Resolution{}, ErrNotFound
	}
	return res, nil
}

// resolve performs the one-way transition. It returns the effective
// resolution and whether this call was the first writer. An unknown id
// returns a zero Resolution and false.
func (m *InMemory) resolve(requestID string, res Resolution) (Resolution, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.resolved[requestID]; ok {
		return existing, false
	}
	entry, ok := m.pending[requestID]
	if !ok {
		return Resolution{}, false
	}

	delete(m.pending, requestID)
	m.resolved[requestID] = res

	select {
	case entry.ch <- res:
	default:
	}
	return res, true
}

// Status reports the request's state without disturbing it. A pending
// entry stays pending; polling never triggers the timeout transition.
func (m *InMemory) Status(requestID string) (Status, Resolution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if res, ok := m.resolved[requestID]; ok {
		return res.Status, res, nil
	}
	if _, ok := m.pending[requestID]; ok {
		return StatusPending, Resolution{}, nil
	}
	return "", Resolution{}, ErrNotFound
}

// Pending lists unresolved requests, oldest first.
func (m *InMemory) Pending() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Request, 0, len(m.pending))
	for _, e := range m.pending {
		out = append(out, e.req)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Health reports the backend as healthy with its pending depth.
func (m *InMemory) Health() Health {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Health{OK: true, Backend: "memory", Pending: len(m.pending)}
}

// StartGC starts the background expiry goroutine. Call Stop to stop it.
func (m *InMemory) StartGC(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopChan:
				return
			case <-ticker.C:
				m.GC(time.Now().UTC())
			}
		}
	}()
}

// Stop stops the GC goroutine and waits for it. Safe to call twice.
func (m *InMemory) Stop() {
	m.once.Do(func() {
		close(m.stopChan)
	})
	m.wg.Wait()
}

// GC drops pending requests and resolutions older than the TTL. Expired
// pending entries transition to timed_out so a parked waiter unblocks.
func (m *InMemory) GC(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	dropped := 0
	for id, e := range m.pending {
		if now.Sub(e.req.CreatedAt) > m.ttl {
			// Expired pending entries transition to timed_out rather
			// than vanish, so a parked waiter still gets a resolution.
			res := Resolution{RequestID: id, Status: StatusTimedOut, RespondedAt: now}
			delete(m.pending, id)
			m.resolved[id] = res
			select {
			case e.ch <- res:
			default:
			}
			dropped++
		}
	}
	for id, res := range m.resolved {
		if now.Sub(res.RespondedAt) > m.ttl {
			delete(m.resolved, id)
			dropped++
		}
	}

	if dropped > 0 {
		slog.Debug("approval gc dropped stale entries", "count", dropped)
	}
	return dropped
}
