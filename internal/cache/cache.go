// SPDX-License-Identifier: MIT

// Package cache provides a size-bounded in-memory cache with pluggable
// eviction (LRU, LFU, FIFO) and optional per-entry max age.
package cache

import (
	"sort"
	"sync"
	"time"

	"github.com/tiktok-toe/governor/internal/metrics"
	"github.com/tiktok-toe/governor/internal/sched"
)

// Policy selects which entry is removed when the cache is over capacity.
type Policy string

const (
	// PolicyLRU evicts the entry with the oldest lastAccessed.
	PolicyLRU Policy = "lru"
	// PolicyLFU evicts the entry with the smallest accessCount.
	PolicyLFU Policy = "lfu"
	// PolicyFIFO evicts the entry with the oldest createdAt.
	PolicyFIFO Policy = "fifo"
)

// Stats holds cache counters. Rejected counts Set calls refused because a
// single entry exceeded the configured capacity.
type Stats struct {
	Hits        int64
	Misses      int64
	Evictions   int64
	Expired     int64
	Rejected    int64
	CurrentSize int64
	MaxSize     int64
	Entries     int
}

// Config configures a Cache.
type Config struct {
	// Name labels metrics and log entries.
	Name string
	// MaxSizeBytes caps the sum of entry sizes.
	MaxSizeBytes int64
	// MaxAge expires entries relative to creation; zero disables expiry.
	MaxAge time.Duration
	// EvictionPolicy defaults to LRU.
	EvictionPolicy Policy
	// Clock defaults to the system clock.
	Clock sched.Clock
}

type entry[V any] struct {
	value        V
	size         int64
	createdAt    time.Time
	lastAccessed time.Time
	accessCount  int64
	seq          uint64 // insertion order, breaks eviction ties
}

// Cache is a bounded key/value store. All methods are safe for concurrent
// use; none of them return errors. Absent or expired keys are misses.
type Cache[V any] struct {
	mu      sync.Mutex
	name    string
	maxSize int64
	maxAge  time.Duration
	policy  Policy
	clock   sched.Clock
	entries map[string]*entry[V]
	size    int64
	seq     uint64
	stats   Stats
}

// New creates a cache.
func New[V any](cfg Config) *Cache[V] {
	if cfg.EvictionPolicy == "" {
		cfg.EvictionPolicy = PolicyLRU
	}
	if cfg.Clock == nil {
		cfg.Clock = sched.RealClock{}
	}
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	c := &Cache[V]{
		name:    cfg.Name,
		maxSize: cfg.MaxSizeBytes,
		maxAge:  cfg.MaxAge,
		policy:  cfg.EvictionPolicy,
		clock:   cfg.Clock,
		entries: make(map[string]*entry[V]),
	}
	metrics.SetCacheSize(c.name, 0, float64(c.maxSize))
	return c
}

// Set stores value under key, evicting per policy until it fits. An entry
// larger than the whole cache is refused and recorded as a rejected
// admission; nothing is partially stored. Returns false on rejection.
func (c *Cache[V]) Set(key string, value V, size int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if size > c.maxSize || size < 0 {
		c.stats.Rejected++
		metrics.RecordCacheOp(c.name, "reject")
		return false
	}

	now := c.clock.Now()
	if old, ok := c.entries[key]; ok {
		c.size -= old.size
		delete(c.entries, key)
	}
	for c.size+size > c.maxSize {
		if !c.evictLocked() {
			break
		}
	}

	c.seq++
	c.entries[key] = &entry[V]{
		value:        value,
		size:         size,
		createdAt:    now,
		lastAccessed: now,
		seq:          c.seq,
	}
	c.size += size
	c.publishLocked()
	return true
}

// Get returns the value for key. Expired entries are deleted lazily and
// reported as misses. A hit refreshes lastAccessed and accessCount.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	e, ok := c.entries[key]
	if !ok {
		c.stats.Misses++
		metrics.RecordCacheOp(c.name, "miss")
		return zero, false
	}

	now := c.clock.Now()
	if c.expiredLocked(e, now) {
		c.removeLocked(key, e)
		c.stats.Expired++
		c.stats.Misses++
		metrics.RecordCacheOp(c.name, "miss")
		c.publishLocked()
		return zero, false
	}

	e.lastAccessed = now
	e.accessCount++
	c.stats.Hits++
	metrics.RecordCacheOp(c.name, "hit")
	return e.value, true
}

// Delete removes key if present.
func (c *Cache[V]) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return false
	}
	c.removeLocked(key, e)
	c.publishLocked()
	return true
}

// Resize updates the capacity and evicts immediately if over the new limit.
func (c *Cache[V]) Resize(newMaxSize int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if newMaxSize < 0 {
		newMaxSize = 0
	}
	c.maxSize = newMaxSize
	for c.size > c.maxSize {
		if !c.evictLocked() {
			break
		}
	}
	c.publishLocked()
}

// Clear removes every entry.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*entry[V])
	c.size = 0
	c.publishLocked()
}

// ClearExpired removes entries past their max age and reports how many.
func (c *Cache[V]) ClearExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.maxAge <= 0 {
		return 0
	}
	now := c.clock.Now()
	removed := 0
	for key, e := range c.entries {
		if c.expiredLocked(e, now) {
			c.removeLocked(key, e)
			c.stats.Expired++
			removed++
		}
	}
	if removed > 0 {
		c.publishLocked()
	}
	return removed
}

// ClearLowPriority removes entries whose access count falls below the given
// percentile (0–1) of all access counts, freeing space under pressure while
// keeping hot entries.
func (c *Cache[V]) ClearLowPriority(percentile float64) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) == 0 || percentile <= 0 {
		return 0
	}
	if percentile > 1 {
		percentile = 1
	}

	counts := make([]int64, 0, len(c.entries))
	for _, e := range c.entries {
		counts = append(counts, e.accessCount)
	}
	sort.Slice(counts, func(i, j int) bool { return counts[i] < counts[j] })
	idx := int(percentile * float64(len(counts)))
	if idx >= len(counts) {
		idx = len(counts) - 1
	}
	cutoff := counts[idx]

	removed := 0
	for key, e := range c.entries {
		if e.accessCount < cutoff {
			c.removeLocked(key, e)
			c.stats.Evictions++
			removed++
		}
	}
	if removed > 0 {
		c.publishLocked()
	}
	return removed
}

// Len returns the number of live entries.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Size returns the current byte size.
func (c *Cache[V]) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// MaxSize returns the configured capacity.
func (c *Cache[V]) MaxSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxSize
}

// Stats returns a snapshot of the cache counters.
func (c *Cache[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.CurrentSize = c.size
	s.MaxSize = c.maxSize
	s.Entries = len(c.entries)
	return s
}

func (c *Cache[V]) expiredLocked(e *entry[V], now time.Time) bool {
	return c.maxAge > 0 && now.Sub(e.createdAt) > c.maxAge
}

func (c *Cache[V]) removeLocked(key string, e *entry[V]) {
	delete(c.entries, key)
	c.size -= e.size
}

// evictLocked removes one victim per the configured policy. Victim selection
// is a linear scan; governed caches hold few enough entries for that to be
// cheaper than maintaining policy-specific index structures on every access.
func (c *Cache[V]) evictLocked() bool {
	if len(c.entries) == 0 {
		return false
	}

	var victimKey string
	var victim *entry[V]
	for key, e := range c.entries {
		if victim == nil || c.before(e, victim) {
			victimKey, victim = key, e
		}
	}

	c.removeLocked(victimKey, victim)
	c.stats.Evictions++
	metrics.RecordCacheOp(c.name, "evict")
	return true
}

// before reports whether a should be evicted ahead of b.
func (c *Cache[V]) before(a, b *entry[V]) bool {
	switch c.policy {
	case PolicyLFU:
		if a.accessCount != b.accessCount {
			return a.accessCount < b.accessCount
		}
	case PolicyFIFO:
		if !a.createdAt.Equal(b.createdAt) {
			return a.createdAt.Before(b.createdAt)
		}
	default: // LRU
		if !a.lastAccessed.Equal(b.lastAccessed) {
			return a.lastAccessed.Before(b.lastAccessed)
		}
	}
	return a.seq < b.seq
}

func (c *Cache[V]) publishLocked() {
	metrics.SetCacheSize(c.name, float64(c.size), float64(c.maxSize))
	metrics.SetCacheEntries(c.name, float64(len(c.entries)))
}
