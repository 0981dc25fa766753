package rules

import "time"

// RulesCache holds the enabled-rule snapshot that event matching reads from.
// Any store mutation invalidates it so the next event sees the change.
type RulesCache interface {
	// Get returns the cached snapshot, or nil on a miss or expiry
	Get() []*Rule

	// Set replaces the snapshot
	Set(rules []*Rule)

	// Generation returns a counter bumped by every Invalidate
	Generation() uint64

	// SetIfGeneration stores rules only if no Invalidate happened since gen
	// was read, so a reload racing a mutation cannot restore stale rules
	SetIfGeneration(gen uint64, rules []*Rule) bool

	// Invalidate drops the snapshot, forcing a reload on next Get
	Invalidate()

	// IsValid reports whether a snapshot is present and fresh
	IsValid() bool

	// Stats returns hit and miss counts since creation
	Stats() CacheStats
}

// CacheStats counts snapshot lookups
type CacheStats struct {
	Hits   uint64 `json:"hits"`
	Misses uint64 `json:"misses"`
}

// CacheConfig holds configuration for cache behavior
type CacheConfig struct {
	// TTL bounds how long a snapshot is served.
	// 0 means no expiry; mutations still invalidate.
	TTL time.Duration
}

// DefaultCacheConfig returns the engine's default: invalidate on mutation only
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{TTL: 0}
}
