// Package ttlcache provides a typed, size-bounded cache whose entries expire
// after a TTL. It is a per-process read-through helper, never a system of
// record.
package ttlcache

import (
	"time"

	"k8s.io/apimachinery/pkg/util/cache"

	"github.com/ahrav/harvest-armada/pkg/common/timeutil"
)

// Cache maps K to V with LRU eviction beyond Size entries and per-entry
// expiry.
type Cache[K comparable, V any] struct {
	lru *cache.LRUExpireCache
	ttl time.Duration
}

// New creates a cache holding at most size entries, each living ttl unless
// added with an explicit TTL. clock drives expiry so tests can advance time.
func New[K comparable, V any](size int, ttl time.Duration, clock timeutil.Provider) *Cache[K, V] {
	if size < 1 {
		size = 1
	}
	return &Cache[K, V]{
		lru: cache.NewLRUExpireCacheWithClock(size, clock),
		ttl: ttl,
	}
}

// Get returns the live entry for k.
func (c *Cache[K, V]) Get(k K) (V, bool) {
	v, ok := c.lru.Get(k)
	if !ok {
		var zero V
		return zero, false
	}
	return v.(V), true
}

// Add stores v under k with the default TTL.
func (c *Cache[K, V]) Add(k K, v V) { c.lru.Add(k, v, c.ttl) }

// AddWithTTL stores v under k with a specific TTL.
func (c *Cache[K, V]) AddWithTTL(k K, v V, ttl time.Duration) { c.lru.Add(k, v, ttl) }

// Remove evicts k.
func (c *Cache[K, V]) Remove(k K) { c.lru.Remove(k) }

// Len returns the number of entries, expired ones included until touched.
func (c *Cache[K, V]) Len() int { return len(c.lru.Keys()) }
