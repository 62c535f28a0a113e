package cache

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// lruEntry keeps a per-key deadline on top of the LRU's global TTL.
type lruEntry struct {
	value    interface{}
	deadline time.Time
}

func (e lruEntry) expired(now time.Time) bool {
	return !e.deadline.IsZero() && now.After(e.deadline)
}

// localCache is a bounded in-process cache. The expirable LRU evicts on size
// and on the default TTL; shorter per-key expirations are checked on read.
type localCache struct {
	mu      sync.Mutex
	lru     *expirable.LRU[string, lruEntry]
	nowFunc func() time.Time
}

// NewLocalCache creates a size-bounded local cache backed by golang-lru.
func NewLocalCache(config LocalConfig) Cache {
	size := config.MaxSize
	if size <= 0 {
		size = 10000
	}
	return &localCache{
		lru:     expirable.NewLRU[string, lruEntry](size, nil, config.DefaultExpiration),
		nowFunc: time.Now,
	}
}

func (lc *localCache) load(key string) (lruEntry, bool) {
	e, ok := lc.lru.Get(key)
	if !ok {
		return lruEntry{}, false
	}
	if e.expired(lc.nowFunc()) {
		lc.lru.Remove(key)
		return lruEntry{}, false
	}
	return e, true
}

func (lc *localCache) store(key string, value interface{}, expiration time.Duration) {
	e := lruEntry{value: value}
	if expiration > 0 {
		e.deadline = lc.nowFunc().Add(expiration)
	}
	lc.lru.Add(key, e)
}

func (lc *localCache) Get(ctx context.Context, key string) (interface{}, bool) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	e, ok := lc.load(key)
	return e.value, ok
}

func (lc *localCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	lc.store(key, value, expiration)
	return nil
}

func (lc *localCache) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	if _, ok := lc.load(key); ok {
		return false, nil
	}
	lc.store(key, value, expiration)
	return true, nil
}

func (lc *localCache) Delete(ctx context.Context, key string) error {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	lc.lru.Remove(key)
	return nil
}

func (lc *localCache) Exists(ctx context.Context, key string) bool {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	_, ok := lc.load(key)
	return ok
}

func (lc *localCache) Increment(ctx context.Context, key string, value int64) (int64, error) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	var current int64
	e, ok := lc.load(key)
	if ok {
		n, isInt := e.value.(int64)
		if !isInt {
			return 0, ErrNotNumeric
		}
		current = n
	}
	current += value
	e.value = current
	lc.lru.Add(key, e)
	return current, nil
}

func (lc *localCache) Decrement(ctx context.Context, key string, value int64) (int64, error) {
	return lc.Increment(ctx, key, -value)
}

func (lc *localCache) Close() error {
	lc.lru.Purge()
	return nil
}
