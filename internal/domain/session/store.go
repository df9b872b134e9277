package session

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Store defaults.
const (
	// DefaultTTL expires sessions idle for an hour.
	DefaultTTL = 1 * time.Hour
	// DefaultCapacity bounds the number of live sessions.
	DefaultCapacity = 10000
	// DefaultSweepInterval is how often the background sweeper runs.
	DefaultSweepInterval = 1 * time.Minute
)

// Config tunes a Store. Zero fields fall back to the defaults above;
// EventBufferSize falls back to the rule-set default.
type Config struct {
	TTL             time.Duration
	Capacity        int
	EventBufferSize int
	SweepInterval   time.Duration
}

// Store is a TTL and capacity bounded map of session state. A single mutex
// guards every operation; reads hand out snapshots. The background sweeper
// removes expired entries and an opportunistic sweep runs on GetOrCreate.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*State

	ttl       time.Duration
	capacity  int
	ringSize  int
	interval  time.Duration
	lastSweep time.Time

	stopChan chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

// NewStore creates a session store. Call StartSweeper to enable background
// expiry and Stop to shut it down.
func NewStore(cfg Config) *Store {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	return &Store{
		sessions: make(map[string]*State),
		ttl:      cfg.TTL,
		capacity: cfg.Capacity,
		ringSize: cfg.EventBufferSize,
		interval: cfg.SweepInterval,
		stopChan: make(chan struct{}),
	}
}

// StartSweeper starts the background expiry goroutine.
// Call Stop to stop it gracefully.
func (s *Store) StartSweeper(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopChan:
				return
			case <-ticker.C:
				s.Sweep(time.Now().UTC())
			}
		}
	}()
}

// Stop stops the sweeper and waits for it to exit. Safe to call twice.
func (s *Store) Stop() {
	s.once.Do(func() {
		close(s.stopChan)
	})
	s.wg.Wait()
}

// Sweep removes TTL-expired sessions and returns how many were dropped.
func (s *Store) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sweepLocked(now)
}

func (s *Store) sweepLocked(now time.Time) int {
	swept := 0
	for id, st := range s.sessions {
		if st.expired(s.ttl, now) {
			delete(s.sessions, id)
			swept++
		}
	}
	s.lastSweep = now
	if swept > 0 {
		slog.Debug("swept expired sessions", "count", swept)
	}
	return swept
}

// GetOrCreate returns a snapshot of the session, creating it when missing
// or expired. Existing sessions are touched. An opportunistic sweep runs
// when the sweep interval has elapsed since the last one.
func (s *Store) GetOrCreate(id string) View {
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	if now.Sub(s.lastSweep) >= s.interval {
		s.sweepLocked(now)
	}

	st := s.getOrCreateLocked(id, now)
	return st.snapshot()
}

// getOrCreateLocked touches an existing fresh session or installs a new
// one, evicting the least-recently-accessed entry at capacity.
func (s *Store) getOrCreateLocked(id string, now time.Time) *State {
	if st, ok := s.sessions[id]; ok {
		if !st.expired(s.ttl, now) {
			st.LastAccessed = now
			return st
		}
		delete(s.sessions, id)
	}

	if len(s.sessions) >= s.capacity {
		s.evictOldestLocked()
	}

	st := &State{
		ID:           id,
		CreatedAt:    now,
		LastAccessed: now,
		ToolCounts:   make(map[string]int),
		Taints:       make(map[string]struct{}),
		ring:         newEventRing(s.ringSize),
	}
	s.sessions[id] = st
	return st
}

func (s *Store) evictOldestLocked() {
	var oldestID string
	var oldest time.Time
	for id, st := range s.sessions {
		if oldestID == "" || st.LastAccessed.Before(oldest) {
			oldestID = id
			oldest = st.LastAccessed
		}
	}
	if oldestID != "" {
		delete(s.sessions, oldestID)
		slog.Debug("evicted session at capacity", "session_id", oldestID)
	}
}

// Increment bumps the tool counter and the total for the session.
func (s *Store) Increment(id, tool string) {
	now := time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.getOrCreateLocked(id, now)
	st.ToolCounts[tool]++
	st.TotalCalls++
	st.LastAccessed = now
}

// AddTaint records PII type labels on the session. Taints only grow.
func (s *Store) AddTaint(id string, types ...string) {
	if len(types) == 0 {
		return
	}
	now := time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.getOrCreateLocked(id, now)
	for _, t := range types {
		st.Taints[t] = struct{}{}
	}
	st.LastAccessed = now
}

// SetTaint marks the session tainted with a reason.
func (s *Store) SetTaint(id, reason string) {
	now := time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.getOrCreateLocked(id, now)
	st.PIITainted = true
	st.TaintReason = reason
	st.LastAccessed = now
}

// ClearTaint resets the derived taint flag and reason. Accumulated taint
// labels stay.
func (s *Store) ClearTaint(id string) {
	now := time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.sessions[id]
	if !ok {
		return
	}
	st.PIITainted = false
	st.TaintReason = ""
	st.LastAccessed = now
}

// RecordEvent appends a completed check to the session's ring. The args
// summary is truncated to ArgsSummaryLimit bytes.
func (s *Store) RecordEvent(id string, e Event) {
	if len(e.ArgsSummary) > ArgsSummaryLimit {
		e.ArgsSummary = e.ArgsSummary[:ArgsSummaryLimit]
	}
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.getOrCreateLocked(id, now)
	st.ring.append(e)
	st.LastAccessed = now
}

// Get returns a snapshot without creating or touching the session.
func (s *Store) Get(id string) (View, bool) {
	now := time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.sessions[id]
	if !ok || st.expired(s.ttl, now) {
		return View{}, false
	}
	return st.snapshot(), true
}

// Delete removes a session outright. Returns true when it existed.
func (s *Store) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.sessions[id]
	delete(s.sessions, id)
	return ok
}

// List returns snapshots of all live sessions ordered by id.
func (s *Store) List() []View {
	now := time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]View, 0, len(s.sessions))
	for _, st := range s.sessions {
		if st.expired(s.ttl, now) {
			continue
		}
		out = append(out, st.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len reports the number of stored sessions, expired ones included.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
