package cache

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// goCacheWrapper wraps go-cache package for unified interface
type goCacheWrapper struct {
	cache *gocache.Cache
}

// NewGoCache creates a local cache based on go-cache package
func NewGoCache(config LocalConfig) Cache {
	return &goCacheWrapper{
		cache: gocache.New(config.DefaultExpiration, config.CleanupInterval),
	}
}

// Get retrieves a value from cache by key
func (gc *goCacheWrapper) Get(ctx context.Context, key string) (interface{}, bool) {
	return gc.cache.Get(key)
}

// Set stores a value in cache with expiration
func (gc *goCacheWrapper) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	gc.cache.Set(key, value, expiration)
	return nil
}

// SetNX uses go-cache Add, which fails when an unexpired item exists
func (gc *goCacheWrapper) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error) {
	if err := gc.cache.Add(key, value, expiration); err != nil {
		return false, nil
	}
	return true, nil
}

// Delete removes a key from cache
func (gc *goCacheWrapper) Delete(ctx context.Context, key string) error {
	gc.cache.Delete(key)
	return nil
}

// Exists checks if a key exists in cache
func (gc *goCacheWrapper) Exists(ctx context.Context, key string) bool {
	_, found := gc.cache.Get(key)
	return found
}

// Increment increments a numeric value by the given amount
func (gc *goCacheWrapper) Increment(ctx context.Context, key string, value int64) (int64, error) {
	return gc.add(key, value)
}

// Decrement decrements a numeric value by the given amount
func (gc *goCacheWrapper) Decrement(ctx context.Context, key string, value int64) (int64, error) {
	return gc.add(key, -value)
}

// add seeds a missing key with Add, which fails if another caller created it
// first; in that case the increment is retried on the existing value.
func (gc *goCacheWrapper) add(key string, delta int64) (int64, error) {
	if n, err := gc.cache.IncrementInt64(key, delta); err == nil {
		return n, nil
	} else if _, found := gc.cache.Get(key); found {
		return 0, err
	}
	// counters never expire so they survive cleanup
	if err := gc.cache.Add(key, delta, gocache.NoExpiration); err == nil {
		return delta, nil
	}
	return gc.cache.IncrementInt64(key, delta)
}

// Close is a no-op for go-cache
func (gc *goCacheWrapper) Close() error {
	return nil
}
