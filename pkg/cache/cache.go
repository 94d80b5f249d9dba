// Package cache provides a generic bounded expiring cache.
//
// The same abstraction backs both the token cache and the validation-result
// cache: entries carry an absolute deadline, the cache is capped at a maximum
// size with oldest-entry eviction, and an optional background sweep purges
// expired entries so memory is reclaimed even for keys that are never read
// again.
package cache

import (
	"sync"
	"time"
)

type entry[V any] struct {
	value      V
	expiresAt  time.Time
	insertedAt time.Time
}

// Cache is a bounded expiring key/value cache. The zero value is not usable;
// construct with New. All methods are safe for concurrent use.
type Cache[V any] struct {
	mu      sync.Mutex
	entries map[string]entry[V]
	maxSize int

	hits      int64
	misses    int64
	evictions int64

	stopOnce sync.Once
	done     chan struct{}
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	// Hits is the number of cache hits.
	Hits int64

	// Misses is the number of cache misses, including expired entries.
	Misses int64

	// Evictions is the number of entries removed by capacity or sweep.
	Evictions int64

	// Size is the current cache size.
	Size int

	// MaxSize is the maximum cache size. Zero means unbounded.
	MaxSize int
}

// New creates a cache. maxSize caps the number of entries (zero or negative
// means unbounded). If sweepInterval is positive, a background goroutine
// purges expired entries on that interval until Close is called.
func New[V any](maxSize int, sweepInterval time.Duration) *Cache[V] {
	c := &Cache[V]{
		entries: make(map[string]entry[V]),
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	if sweepInterval > 0 {
		go c.sweepLoop(sweepInterval)
	}
	return c
}

// Get returns the live value for key. Expired entries count as misses and
// are removed.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.misses++
		var zero V
		return zero, false
	}
	if !time.Now().Before(e.expiresAt) {
		delete(c.entries, key)
		c.misses++
		var zero V
		return zero, false
	}
	c.hits++
	return e.value, true
}

// Set stores value under key until expiresAt, replacing any previous entry.
// Values whose deadline is already past are not stored. When inserting a new
// key into a full cache, the oldest entry by insertion time is evicted first.
func (c *Cache[V]) Set(key string, value V, expiresAt time.Time) {
	now := time.Now()
	if !now.Before(expiresAt) {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && c.maxSize > 0 && len(c.entries) >= c.maxSize {
		c.evictOldestLocked()
	}
	c.entries[key] = entry[V]{value: value, expiresAt: expiresAt, insertedAt: now}
}

// Delete removes key if present.
func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Clear removes all entries.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]entry[V])
}

// Len returns the number of entries, including any not yet swept expired ones.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns a snapshot of the cache counters.
func (c *Cache[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Size:      len(c.entries),
		MaxSize:   c.maxSize,
	}
}

// Close stops the background sweep. The cache remains usable afterwards;
// expired entries are then only reclaimed lazily on Get.
func (c *Cache[V]) Close() {
	c.stopOnce.Do(func() {
		close(c.done)
	})
}

func (c *Cache[V]) evictOldestLocked() {
	var oldestKey string
	var oldest time.Time
	first := true
	for k, e := range c.entries {
		if first || e.insertedAt.Before(oldest) {
			oldestKey = k
			oldest = e.insertedAt
			first = false
		}
	}
	if !first {
		delete(c.entries, oldestKey)
		c.evictions++
	}
}

func (c *Cache[V]) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *Cache[V]) sweep() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, k)
			c.evictions++
		}
	}
}
