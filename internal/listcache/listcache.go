// Package listcache keeps short-lived per-identity copies of case listings so
// repeated polls do not hit the database. Writes invalidate explicitly.
package listcache

import (
	"context"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"
)

const (
	DefaultTTL      = 5 * time.Second
	DefaultCapacity = 1024
)

// Config controls cache lifetime and size.
type Config struct {
	TTL      time.Duration
	Capacity uint64
	Logger   *zap.Logger
}

// Stats mirrors the underlying cache counters.
type Stats struct {
	Hits       uint64
	Misses     uint64
	Insertions uint64
	Evictions  uint64
}

// Cache maps an identity to its last computed listing.
//
// Every invalidation advances a generation. A listing computed before an
// invalidation is refused by SetIfCurrent, so a read racing a write cannot
// repopulate the cache with the pre-write view.
type Cache[V any] struct {
	items  *ttlcache.Cache[string, V]
	logger *zap.Logger

	mu         sync.Mutex
	generation uint64
}

// New constructs a Cache. Zero values select the defaults.
func New[V any](cfg Config) *Cache[V] {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	capacity := cfg.Capacity
	if capacity == 0 {
		capacity = DefaultCapacity
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	items := ttlcache.New[string, V](
		ttlcache.WithTTL[string, V](ttl),
		ttlcache.WithCapacity[string, V](capacity),
		ttlcache.WithDisableTouchOnHit[string, V](),
	)
	items.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, V]) {
		if reason == ttlcache.EvictionReasonCapacityReached {
			logger.Debug("listing evicted for capacity", zap.String("identity", item.Key()))
		}
	})
	return &Cache[V]{items: items, logger: logger}
}

// Start runs expiry cleanup until Stop is called. It blocks.
func (c *Cache[V]) Start() {
	c.items.Start()
}

// Stop halts the cleanup loop started by Start.
func (c *Cache[V]) Stop() {
	c.items.Stop()
}

// Get returns the cached listing for identity.
func (c *Cache[V]) Get(identity string) (V, bool) {
	item := c.items.Get(identity)
	if item == nil || item.IsExpired() {
		var zero V
		return zero, false
	}
	return item.Value(), true
}

// Set stores listing for identity with the default TTL.
func (c *Cache[V]) Set(identity string, listing V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items.Set(identity, listing, ttlcache.DefaultTTL)
}

// Generation returns the current invalidation generation. Read it before
// computing a listing and pass it to SetIfCurrent.
func (c *Cache[V]) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

// SetIfCurrent stores listing only when no invalidation happened since
// generation was read. It reports whether the listing was stored.
func (c *Cache[V]) SetIfCurrent(identity string, listing V, generation uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if generation != c.generation {
		return false
	}
	c.items.Set(identity, listing, ttlcache.DefaultTTL)
	return true
}

// Invalidate drops the listing of each given identity.
func (c *Cache[V]) Invalidate(identities ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation++
	for _, identity := range identities {
		c.items.Delete(identity)
	}
}

// InvalidateAll drops every cached listing.
func (c *Cache[V]) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation++
	c.items.DeleteAll()
}

// Len reports the number of cached listings, including expired ones not yet cleaned up.
func (c *Cache[V]) Len() int {
	return c.items.Len()
}

// Stats returns hit and miss counters.
func (c *Cache[V]) Stats() Stats {
	metrics := c.items.Metrics()
	return Stats{
		Hits:       metrics.Hits,
		Misses:     metrics.Misses,
		Insertions: metrics.Insertions,
		Evictions:  metrics.Evictions,
	}
}
