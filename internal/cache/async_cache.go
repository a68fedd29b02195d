// Package cache provides the single-flight, copy-on-refresh cache shared by
// the collection, routing map and address caches.
package cache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/devrev/pairdb/directconn/internal/metrics"
)

// FetchFunc produces a fresh value for a key.
type FetchFunc[V any] func(ctx context.Context) (V, error)

// Options configures an AsyncCache.
type Options[V any] struct {
	// Name labels metrics and logs.
	Name string
	// TTL expires entries after the given age. Zero keeps entries until replaced.
	TTL time.Duration
	// Keep reports whether a fetched value should be stored. Values it rejects
	// (for example "not found") are returned to the caller but not cached.
	Keep func(V) bool
	// FetchTimeout bounds a shared fetch, which does not inherit the
	// cancellation of the caller that started it.
	FetchTimeout time.Duration
	Metrics      *metrics.Metrics
	Logger       *zap.Logger
}

type entry[V any] struct {
	value    V
	storedAt time.Time
	seq      uint64
}

const defaultFetchTimeout = 30 * time.Second

// AsyncCache maps keys to immutable values. A refresh stores a new value and
// never mutates the previous one, so readers holding an old value are unaffected.
// Concurrent fetches of the same key share one call.
type AsyncCache[K comparable, V any] struct {
	opts    Options[V]
	mu      sync.RWMutex
	entries map[K]*entry[V]
	group   singleflight.Group
	seq     atomic.Uint64
	now     func() time.Time
}

// New creates an empty cache.
func New[K comparable, V any](opts Options[V]) *AsyncCache[K, V] {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = defaultFetchTimeout
	}
	return &AsyncCache[K, V]{
		opts:    opts,
		entries: make(map[K]*entry[V]),
		now:     time.Now,
	}
}

// TryGet returns the cached value without fetching.
func (c *AsyncCache[K, V]) TryGet(key K) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok || c.expired(e) {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Get returns the cached value for key, fetching it on a miss.
func (c *AsyncCache[K, V]) Get(ctx context.Context, key K, fetch FetchFunc[V]) (V, error) {
	if v, ok := c.TryGet(key); ok {
		c.opts.Metrics.RecordCacheHit(c.opts.Name)
		return v, nil
	}
	c.opts.Metrics.RecordCacheMiss(c.opts.Name)
	return c.load(ctx, key, false, nil, fetch)
}

// Refresh fetches a new value for key. When isStale is non-nil and the value
// currently cached is not stale (another caller already replaced the value this
// caller saw), the current value is returned without fetching. A refresh never
// joins an in-flight plain Get, so it always reflects a fetch started after it.
func (c *AsyncCache[K, V]) Refresh(ctx context.Context, key K, isStale func(current V) bool, fetch FetchFunc[V]) (V, error) {
	c.opts.Metrics.RecordCacheRefresh(c.opts.Name)
	return c.load(ctx, key, true, func() (V, bool) {
		if isStale == nil {
			var zero V
			return zero, false
		}
		current, ok := c.TryGet(key)
		if ok && !isStale(current) {
			return current, true
		}
		var zero V
		return zero, false
	}, fetch)
}

func (c *AsyncCache[K, V]) load(ctx context.Context, key K, forced bool, reuse func() (V, bool), fetch FetchFunc[V]) (V, error) {
	flightKey := fmt.Sprintf("%v", key)
	if forced {
		flightKey += "#refresh"
	}
	ch := c.group.DoChan(flightKey, func() (interface{}, error) {
		if reuse != nil {
			if v, ok := reuse(); ok {
				return v, nil
			}
		}
		startSeq := c.seq.Load()
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.FetchTimeout)
		defer cancel()
		v, err := fetch(fetchCtx)
		if err != nil {
			return v, err
		}
		c.store(key, v, startSeq)
		return v, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			c.opts.Logger.Debug("cache fetch failed",
				zap.String("cache", c.opts.Name),
				zap.String("key", flightKey),
				zap.Error(res.Err))
			var zero V
			return zero, res.Err
		}
		return res.Val.(V), nil
	case <-ctx.Done():
		var zero V
		return zero, ctx.Err()
	}
}

// store keeps a fetched value unless the entry was replaced after the fetch
// began, so a slow plain fetch cannot overwrite a newer refresh.
func (c *AsyncCache[K, V]) store(key K, v V, startSeq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok && e.seq > startSeq {
		return
	}
	if c.opts.Keep == nil || c.opts.Keep(v) {
		c.entries[key] = &entry[V]{value: v, storedAt: c.now(), seq: c.seq.Add(1)}
		return
	}
	delete(c.entries, key)
}

// Set stores a value directly, replacing any cached entry.
func (c *AsyncCache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = &entry[V]{value: value, storedAt: c.now(), seq: c.seq.Add(1)}
}

// Remove drops the entry for key.
func (c *AsyncCache[K, V]) Remove(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Len returns the number of live entries.
func (c *AsyncCache[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, e := range c.entries {
		if !c.expired(e) {
			n++
		}
	}
	return n
}

// PurgeExpired removes expired entries.
func (c *AsyncCache[K, V]) PurgeExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for k, e := range c.entries {
		if c.expired(e) {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

func (c *AsyncCache[K, V]) expired(e *entry[V]) bool {
	return c.opts.TTL > 0 && c.now().Sub(e.storedAt) > c.opts.TTL
}
