// Package cache provides a time-bounded read cache shielding the
// orchestration layer from redundant expensive broker queries.
package cache

import (
	"sync"
	"time"
)

// Cache is a TTL cache with per-key locking: concurrent readers of the same
// expired key compute once, and readers of different keys never contend.
type Cache struct {
	entries sync.Map // string → *entry
}

type entry struct {
	mu        sync.Mutex
	value     any
	expiresAt time.Time
}

// New returns an empty cache.
func New() *Cache {
	return &Cache{}
}

func (c *Cache) entry(key string) *entry {
	if e, ok := c.entries.Load(key); ok {
		return e.(*entry)
	}
	e, _ := c.entries.LoadOrStore(key, &entry{})
	return e.(*entry)
}

// GetOrCompute returns the cached value for key if it has not expired.
// Otherwise it invokes compute, stores the result with an expiry of
// now+ttl, and returns it. Compute errors are returned and never cached.
func (c *Cache) GetOrCompute(key string, ttl time.Duration, compute func() (any, error)) (any, error) {
	e := c.entry(key)
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.expiresAt.IsZero() && time.Now().Before(e.expiresAt) {
		return e.value, nil
	}

	v, err := compute()
	if err != nil {
		return nil, err
	}
	e.value = v
	e.expiresAt = time.Now().Add(ttl)
	return v, nil
}

// Get returns the cached value for key if present and unexpired.
func (c *Cache) Get(key string) (any, bool) {
	raw, ok := c.entries.Load(key)
	if !ok {
		return nil, false
	}
	e := raw.(*entry)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.expiresAt.IsZero() || time.Now().After(e.expiresAt) {
		return nil, false
	}
	return e.value, true
}

// Set stores value under key with an expiry of now+ttl, replacing any
// existing entry for the same key.
func (c *Cache) Set(key string, value any, ttl time.Duration) {
	e := c.entry(key)
	e.mu.Lock()
	e.value = value
	e.expiresAt = time.Now().Add(ttl)
	e.mu.Unlock()
}

// Invalidate removes the entry for key, forcing recomputation on the next
// read.
func (c *Cache) Invalidate(key string) {
	c.entries.Delete(key)
}
