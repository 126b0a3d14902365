// Package extdata fetches the slow-changing external inputs of the emission
// model, carbon intensity and device power profiles, behind a shared TTL cache.
package extdata

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultTTL          = 30 * time.Minute
	DefaultFetchTimeout = 10 * time.Second
)

// FetchFunc loads the value of key from its source.
type FetchFunc[K comparable, V any] func(ctx context.Context, key K) (V, error)

type Config struct {
	// TTL is measured from the moment a value was fetched. Reads do not extend it.
	TTL time.Duration
	// FetchTimeout bounds a single fetch, shared by every caller waiting on it.
	FetchTimeout time.Duration
}

// Entry is a value read through the cache. Stale is set when the value is the
// last good one, served because a refetch failed.
type Entry[V any] struct {
	Value V
	Stale bool
}

// Cache is a cache-through store: concurrent misses for one key share a single
// fetch, failures are never cached, and the last good value survives expiry.
type Cache[K comparable, V any] struct {
	cache  *ttlcache.Cache[K, V]
	config Config
	group  singleflight.Group

	mu       sync.Mutex
	lastGood map[K]V
}

func NewCache[K comparable, V any](config Config) *Cache[K, V] {
	if config.TTL <= 0 {
		config.TTL = DefaultTTL
	}
	if config.FetchTimeout <= 0 {
		config.FetchTimeout = DefaultFetchTimeout
	}

	cache := ttlcache.New(
		ttlcache.WithTTL[K, V](config.TTL),
		ttlcache.WithDisableTouchOnHit[K, V](),
	)
	go cache.Start()

	return &Cache[K, V]{
		cache:    cache,
		config:   config,
		lastGood: make(map[K]V),
	}
}

func (c *Cache[K, V]) Get(key K) (V, bool) {
	item := c.cache.Get(key)
	if item == nil {
		var zero V

		return zero, false
	}

	return item.Value(), true
}

func (c *Cache[K, V]) Set(key K, value V) {
	c.cache.Set(key, value, ttlcache.DefaultTTL)

	c.mu.Lock()
	c.lastGood[key] = value
	c.mu.Unlock()
}

// Delete drops key from the cache. The last good value is kept.
func (c *Cache[K, V]) Delete(key K) {
	c.cache.Delete(key)
}

// GetOrFetch returns the cached value of key, fetching it on a miss. When the
// fetch fails, err is returned together with the last good value, if any,
// marked Stale. Callers treat an error with a non-stale entry as "no data".
func (c *Cache[K, V]) GetOrFetch(ctx context.Context, key K, fetch FetchFunc[K, V]) (Entry[V], error) {
	if v, ok := c.Get(key); ok {
		return Entry[V]{Value: v}, nil
	}

	v, err, _ := c.group.Do(fmt.Sprint(key), func() (any, error) {
		// Another caller may have filled the key while this one waited.
		if v, ok := c.Get(key); ok {
			return v, nil
		}

		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.config.FetchTimeout)
		defer cancel()

		v, err := fetch(fetchCtx, key)
		if err != nil {
			return nil, err
		}

		c.Set(key, v)

		return v, nil
	})
	if err != nil {
		c.mu.Lock()
		last, ok := c.lastGood[key]
		c.mu.Unlock()

		if ok {
			return Entry[V]{Value: last, Stale: true}, err
		}

		return Entry[V]{}, err
	}

	return Entry[V]{Value: v.(V)}, nil
}

func (c *Cache[K, V]) Keys() []K {
	return c.cache.Keys()
}

func (c *Cache[K, V]) Close() {
	c.cache.Stop()
}
