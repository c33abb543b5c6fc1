// Package cache is a small in-process TTL cache.
package cache

import (
	"context"
	"sync"
	"time"
)

const minSweepSize = 64

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// Cache holds values for a fixed TTL. Expired entries are dropped when read
// and swept in bulk as the cache grows.
type Cache[V any] struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	items   map[string]entry[V]
	sweepAt int
	loads   map[string]*load[V]
	hits    uint64
	misses  uint64
}

type load[V any] struct {
	done  chan struct{}
	value V
	err   error
}

func New[V any](ttl time.Duration) *Cache[V] {
	return &Cache[V]{
		ttl:     ttl,
		now:     time.Now,
		items:   make(map[string]entry[V]),
		sweepAt: minSweepSize,
		loads:   make(map[string]*load[V]),
	}
}

func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getLocked(key)
}

func (c *Cache[V]) getLocked(key string) (V, bool) {
	var zero V
	e, ok := c.items[key]
	if !ok {
		c.misses++
		return zero, false
	}
	if !c.now().Before(e.expiresAt) {
		delete(c.items, key)
		c.misses++
		return zero, false
	}
	c.hits++
	return e.value, true
}

func (c *Cache[V]) Set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(key, value)
}

func (c *Cache[V]) setLocked(key string, value V) {
	now := c.now()
	if len(c.items) >= c.sweepAt {
		for k, e := range c.items {
			if !now.Before(e.expiresAt) {
				delete(c.items, k)
			}
		}
		c.sweepAt = max(minSweepSize, 2*len(c.items))
	}
	c.items[key] = entry[V]{value: value, expiresAt: now.Add(c.ttl)}
}

func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}

// GetOrLoad returns the cached value for key or calls fn to produce it.
// Concurrent misses on the same key share one call. Errors are not cached.
func (c *Cache[V]) GetOrLoad(ctx context.Context, key string, fn func(context.Context) (V, error)) (V, error) {
	c.mu.Lock()
	if v, ok := c.getLocked(key); ok {
		c.mu.Unlock()
		return v, nil
	}
	if l, ok := c.loads[key]; ok {
		c.mu.Unlock()
		select {
		case <-l.done:
			return l.value, l.err
		case <-ctx.Done():
			var zero V
			return zero, ctx.Err()
		}
	}
	l := &load[V]{done: make(chan struct{})}
	c.loads[key] = l
	c.mu.Unlock()

	l.value, l.err = fn(ctx)

	c.mu.Lock()
	delete(c.loads, key)
	if l.err == nil {
		c.setLocked(key, l.value)
	}
	c.mu.Unlock()
	close(l.done)
	return l.value, l.err
}

type Stats struct {
	Size   int
	Hits   uint64
	Misses uint64
}

func (c *Cache[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Size: len(c.items), Hits: c.hits, Misses: c.misses}
}
