// Package cache provides the bounded, time-expiring LRU used for the
// per-worker workflow/profile lookups of §5: an `hashicorp/golang-lru/v2`
// cache wrapped with a per-entry expiry timestamp, mirroring the engine's
// expression-cache idiom generalized from compiled programs to arbitrary
// cached values.
package cache

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// TTLCache is a thread-safe, size-bounded LRU where entries additionally
// expire after a fixed TTL regardless of recency.
type TTLCache[K comparable, V any] struct {
	cache *lru.Cache[K, entry[V]]
	ttl   time.Duration
	mu    sync.Mutex
	now   func() time.Time
}

// New constructs a TTLCache holding at most size entries, each valid for
// ttl after insertion.
func New[K comparable, V any](size int, ttl time.Duration) *TTLCache[K, V] {
	c, err := lru.New[K, entry[V]](size)
	if err != nil {
		panic(err)
	}
	return &TTLCache[K, V]{cache: c, ttl: ttl, now: time.Now}
}

// Get returns the cached value for key if present and not expired.
func (c *TTLCache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	e, ok := c.cache.Get(key)
	if !ok {
		return zero, false
	}
	if c.now().After(e.expiresAt) {
		c.cache.Remove(key)
		return zero, false
	}
	return e.value, true
}

// Put stores value under key with the cache's configured TTL.
func (c *TTLCache[K, V]) Put(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Add(key, entry[V]{value: value, expiresAt: c.now().Add(c.ttl)})
}

// Remove evicts key, if present.
func (c *TTLCache[K, V]) Remove(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Remove(key)
}

// Len reports the current entry count, including not-yet-swept expired ones.
func (c *TTLCache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cache.Len()
}
