// Package twcache provides the bounded, TTL-aware, request-coalescing cache
// that the engine uses for verification results; oracle quotes and
// consensus verdicts are not cached through it. It wraps hashicorp/golang-lru/v2 for bounded-memory
// eviction and golang.org/x/sync/singleflight for call coalescing, in the
// style of infrastructure/cache's earlier hand-rolled map+mutex cache, but
// bounded and with single-flight built in rather than left to callers.
package twcache

import (
	"context"
	"errors"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// ErrNegativeCache is returned by GetOrCompute when the cached entry is a
// negative (error) entry rather than a real value.
var ErrNegativeCache = errors.New("twcache: negative cache entry")

type entry[V any] struct {
	value     V
	expiresAt time.Time
	err       error // set for negative-cache entries
}

func (e entry[V]) expired(now time.Time) bool {
	return now.After(e.expiresAt)
}

// Config controls cache sizing and default lifetimes.
type Config struct {
	Capacity      int           // max entries held by the LRU, default 1000
	DefaultTTL    time.Duration // default positive-entry TTL, default 30s
	NegativeTTL   time.Duration // default negative-entry TTL, default 2s
}

// DefaultConfig returns the defaults used when a zero Config is supplied.
func DefaultConfig() Config {
	return Config{
		Capacity:    1000,
		DefaultTTL:  30 * time.Second,
		NegativeTTL: 2 * time.Second,
	}
}

// Cache is a generic, bounded, TTL-aware cache with single-flight
// coalescing of concurrent misses for the same key.
type Cache[V any] struct {
	mu     sync.Mutex
	lru    *lru.Cache[string, entry[V]]
	group  singleflight.Group
	cfg    Config

	hits   uint64
	misses uint64
}

// New constructs a Cache with the given configuration.
func New[V any](cfg Config) (*Cache[V], error) {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1000
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 30 * time.Second
	}
	if cfg.NegativeTTL <= 0 {
		cfg.NegativeTTL = 2 * time.Second
	}

	l, err := lru.New[string, entry[V]](cfg.Capacity)
	if err != nil {
		return nil, err
	}

	return &Cache[V]{lru: l, cfg: cfg}, nil
}

// Get returns the cached value for key if present and not expired. TTL is
// checked lazily here rather than by a background sweep.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Get(key)
	if !ok || e.expired(time.Now()) {
		var zero V
		if ok {
			c.lru.Remove(key)
		}
		c.misses++
		return zero, false
	}
	c.hits++
	return e.value, true
}

// Set stores value under key with ttl (or the configured default when
// ttl <= 0).
func (c *Cache[V]) Set(key string, value V, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictBatchIfFull(key)
	c.lru.Add(key, entry[V]{value: value, expiresAt: time.Now().Add(ttl)})
}

// SetErr records a negative-cache entry so that repeated lookups of a
// recently-failed key short-circuit instead of retrying the origin.
func (c *Cache[V]) SetErr(key string, cause error, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.cfg.NegativeTTL
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	var zero V
	c.evictBatchIfFull(key)
	c.lru.Add(key, entry[V]{value: zero, expiresAt: time.Now().Add(ttl), err: cause})
}

// evictBatchIfFull drops ceil(capacity/5) of the least-recently-used entries
// before a new key is inserted into a cache that is at capacity, so eviction
// happens in batches rather than through golang-lru's one-per-Add eviction.
// Replacing an existing key evicts nothing. Must be called with c.mu held.
func (c *Cache[V]) evictBatchIfFull(key string) {
	if c.lru.Len() < c.cfg.Capacity || c.lru.Contains(key) {
		return
	}
	batch := (c.cfg.Capacity + 4) / 5
	if batch < 1 {
		batch = 1
	}
	for i := 0; i < batch; i++ {
		if _, _, ok := c.lru.RemoveOldest(); !ok {
			break
		}
	}
}

// Invalidate removes key unconditionally.
func (c *Cache[V]) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Remove(key)
}

// InvalidateAll clears the cache.
func (c *Cache[V]) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
}

// Stats reports current size and cumulative hit/miss counters.
type Stats struct {
	Size   int
	Hits   uint64
	Misses uint64
}

// Stats returns a snapshot of cache occupancy and hit/miss counters.
func (c *Cache[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Size: c.lru.Len(), Hits: c.hits, Misses: c.misses}
}

// GetOrCompute returns the cached value for key, computing it via fn on a
// miss. Concurrent callers for the same key during a miss share a single
// in-flight fn call (golang.org/x/sync/singleflight). A negative cache hit
// returns ErrNegativeCache wrapping the original failure without calling fn.
func (c *Cache[V]) GetOrCompute(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) (V, error)) (V, error) {
	if v, ok := c.peekIncludingNegative(key); ok {
		return v.value, v.err
	}

	result, err, _ := c.group.Do(key, func() (any, error) {
		if v, ok := c.peekIncludingNegative(key); ok {
			return v.value, v.err
		}

		value, ferr := fn(ctx)
		if ferr != nil {
			c.SetErr(key, ferr, 0)
			return value, errNegative{cause: ferr}
		}
		c.Set(key, value, ttl)
		return value, nil
	})

	if err != nil {
		var neg errNegative
		if errors.As(err, &neg) {
			return result.(V), wrapNegative(neg.cause)
		}
		var zero V
		return zero, err
	}
	return result.(V), nil
}

type errNegative struct{ cause error }

func (e errNegative) Error() string { return e.cause.Error() }
func (e errNegative) Unwrap() error { return e.cause }

func wrapNegative(cause error) error {
	return errors.Join(ErrNegativeCache, cause)
}

type peeked[V any] struct {
	value V
	err   error
}

// peekIncludingNegative returns (value-or-negative, true) when key is
// present and unexpired, whether positive or negative.
func (c *Cache[V]) peekIncludingNegative(key string) (peeked[V], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Get(key)
	if !ok || e.expired(time.Now()) {
		if ok {
			c.lru.Remove(key)
		}
		c.misses++
		return peeked[V]{}, false
	}
	c.hits++
	if e.err != nil {
		return peeked[V]{value: e.value, err: wrapNegative(e.err)}, true
	}
	return peeked[V]{value: e.value}, true
}
