// Package cache provides a small TTL cache with explicit invalidation.
package cache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const defaultMaxEntries = 1024

type entry[V any] struct {
	value   V
	expires time.Time
}

// Cache memoizes values by key for a fixed TTL. Writers call Invalidate or
// InvalidateAll; a value loaded before an invalidation is never stored after it.
type Cache[V any] struct {
	mu      sync.RWMutex
	ttl     time.Duration
	max     int
	entries map[string]entry[V]
	gen     uint64
	now     func() time.Time
	group   singleflight.Group
}

// New returns a cache. ttl <= 0 disables caching; every Get misses.
func New[V any](ttl time.Duration) *Cache[V] {
	return &Cache[V]{
		ttl:     ttl,
		max:     defaultMaxEntries,
		entries: map[string]entry[V]{},
		now:     time.Now,
	}
}

// WithClock replaces the time source. Tests only.
func (c *Cache[V]) WithClock(now func() time.Time) *Cache[V] {
	c.now = now
	return c
}

func (c *Cache[V]) Get(key string) (V, bool) {
	now := c.now()
	c.mu.RLock()
	defer c.mu.RUnlock()
	ent, ok := c.entries[key]
	if !ok || !now.Before(ent.expires) {
		var zero V
		return zero, false
	}
	return ent.value, true
}

func (c *Cache[V]) Set(key string, value V) {
	c.mu.Lock()
	c.setLocked(key, value, c.now())
	c.mu.Unlock()
}

func (c *Cache[V]) setLocked(key string, value V, now time.Time) {
	if c.ttl <= 0 {
		return
	}
	c.entries[key] = entry[V]{value: value, expires: now.Add(c.ttl)}
	if len(c.entries) > c.max {
		c.pruneLocked(now)
	}
}

// pruneLocked drops expired entries, then clears the map if it is still too large.
func (c *Cache[V]) pruneLocked(now time.Time) {
	for k, ent := range c.entries {
		if !now.Before(ent.expires) {
			delete(c.entries, k)
		}
	}
	if len(c.entries) > c.max {
		c.entries = map[string]entry[V]{}
	}
}

// Invalidate drops one key.
func (c *Cache[V]) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.gen++
	c.mu.Unlock()
}

// InvalidateAll drops everything.
func (c *Cache[V]) InvalidateAll() {
	c.mu.Lock()
	c.entries = map[string]entry[V]{}
	c.gen++
	c.mu.Unlock()
}

// Len reports the number of stored entries, expired ones included.
func (c *Cache[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// GetOrLoad returns the cached value or calls load once per key across
// concurrent callers. Errors are not cached.
func (c *Cache[V]) GetOrLoad(ctx context.Context, key string, load func(context.Context) (V, error)) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}

	c.mu.RLock()
	gen := c.gen
	c.mu.RUnlock()

	res, err, _ := c.group.Do(key, func() (any, error) {
		v, err := load(ctx)
		if err != nil {
			return v, err
		}
		c.mu.Lock()
		if c.gen == gen {
			c.setLocked(key, v, c.now())
		}
		c.mu.Unlock()
		return v, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return res.(V), nil
}
