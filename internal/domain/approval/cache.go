package approval

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/policyshield/policyshield/internal/domain/rule"
)

// Cache remembers prior approval decisions per rule strategy so repeated
// calls skip the backend round-trip. Denials are cached too: a denied
// request stays denied until the entry expires.
type Cache struct {
	mu      sync.Mutex
	entries map[uint64]cacheEntry
	ttl     time.Duration
}

type cacheEntry struct {
	approved bool
	at       time.Time
}

// NewCache creates a decision cache. Zero ttl falls back to DefaultTTL.
func NewCache(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		entries: make(map[uint64]cacheEntry),
		ttl:     ttl,
	}
}

// cacheKey hashes the strategy-relevant identity fields. Parts are joined
// with zero bytes so adjacent fields cannot collide by concatenation.
//
// Scope per strategy:
//
//	once        session + rule + tool + exact args hash
//	per_session session + rule
//	per_rule    rule (crosses sessions)
//	per_tool    session + tool
func cacheKey(strategy rule.ApprovalStrategy, sessionID, ruleID, tool, argsHash string) uint64 {
	h := xxhash.New()
	write := func(parts ...string) {
		for _, p := range parts {
			_, _ = h.WriteString(p)
			_, _ = h.Write([]byte{0})
		}
	}

	write(string(strategy))
	switch strategy {
	case rule.StrategyOnce:
		write(sessionID, ruleID, tool, argsHash)
	case rule.StrategyPerSession:
		write(sessionID, ruleID)
	case rule.StrategyPerRule:
		write(ruleID)
	case rule.StrategyPerTool:
		write(sessionID, tool)
	}
	return h.Sum64()
}

// Get returns a cached decision for the call, if one is still live.
// StrategyNone never hits.
func (c *Cache) Get(strategy rule.ApprovalStrategy, sessionID, ruleID, tool, argsHash string, now time.Time) (approved, hit bool) {
	if strategy == rule.StrategyNone {
		return false, false
	}
	key := cacheKey(strategy, sessionID, ruleID, tool, argsHash)

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return false, false
	}
	if now.Sub(e.at) > c.ttl {
		delete(c.entries, key)
		return false, false
	}
	return e.approved, true
}

// Put records a decision for the call. StrategyNone is not cached.
func (c *Cache) Put(strategy rule.ApprovalStrategy, sessionID, ruleID, tool, argsHash string, approved bool, now time.Time) {
	if strategy == rule.StrategyNone {
		return
	}
	key := cacheKey(strategy, sessionID, ruleID, tool, argsHash)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{approved: approved, at: now}
}

// Sweep drops expired entries; wired to the engine's session sweep cadence.
func (c *Cache) Sweep(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	swept := 0
	for key, e := range c.entries {
		if now.Sub(e.at) > c.ttl {
			delete(c.entries, key)
			swept++
		}
	}
	return swept
}

// Len reports the number of cached decisions, expired ones included.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
