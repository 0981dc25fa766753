package rules

import (
	"sync"
	"sync/atomic"
	"time"
)

// InMemoryRulesCache is the in-process RulesCache.
// Thread-safe for concurrent access.
type InMemoryRulesCache struct {
	rules    []*Rule
	cachedAt time.Time
	config   CacheConfig
	now      func() time.Time
	isValid  bool
	gen      uint64
	mu       sync.RWMutex

	hits   atomic.Uint64
	misses atomic.Uint64
}

// NewInMemoryRulesCache creates a new in-memory rules cache
func NewInMemoryRulesCache(config CacheConfig) *InMemoryRulesCache {
	return &InMemoryRulesCache{
		config: config,
		now:    time.Now,
	}
}

// Get returns a copy of the snapshot so callers can reorder it freely
func (c *InMemoryRulesCache) Get() []*Rule {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.freshLocked() {
		c.misses.Add(1)
		return nil
	}
	c.hits.Add(1)

	rulesCopy := make([]*Rule, len(c.rules))
	copy(rulesCopy, c.rules)
	return rulesCopy
}

// Set stores the snapshot
func (c *InMemoryRulesCache) Set(rules []*Rule) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(rules)
}

// Generation returns the invalidation counter
func (c *InMemoryRulesCache) Generation() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gen
}

// SetIfGeneration stores the snapshot unless the cache was invalidated after gen
func (c *InMemoryRulesCache) SetIfGeneration(gen uint64, rules []*Rule) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.gen != gen {
		return false
	}
	c.setLocked(rules)
	return true
}

func (c *InMemoryRulesCache) setLocked(rules []*Rule) {
	c.rules = make([]*Rule, len(rules))
	copy(c.rules, rules)
	c.cachedAt = c.now()
	c.isValid = true
}

// Invalidate clears the cache
func (c *InMemoryRulesCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.gen++
	c.isValid = false
	c.rules = nil
}

// IsValid returns true if the cache holds a fresh snapshot
func (c *InMemoryRulesCache) IsValid() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.freshLocked()
}

// Stats returns lookup counters
func (c *InMemoryRulesCache) Stats() CacheStats {
	return CacheStats{Hits: c.hits.Load(), Misses: c.misses.Load()}
}

func (c *InMemoryRulesCache) freshLocked() bool {
	if !c.isValid {
		return false
	}
	if c.config.TTL > 0 && c.now().Sub(c.cachedAt) > c.config.TTL {
		return false
	}
	return true
}
