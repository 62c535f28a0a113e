package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
)

// redisCache implements Redis cache
type redisCache struct {
	client *redis.Client
	config RedisConfig
}

// NewRedisCache creates a new Redis cache instance
func NewRedisCache(config RedisConfig) (Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		PoolSize:     config.PoolSize,
		MinIdleConns: config.MinIdleConns,
		DialTimeout:  config.DialTimeout,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		PoolTimeout:  config.IdleTimeout,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return newRedisCacheWithClient(client, config), nil
}

func newRedisCacheWithClient(client *redis.Client, config RedisConfig) *redisCache {
	return &redisCache{client: client, config: config}
}

// Get retrieves a cached value
func (rc *redisCache) Get(ctx context.Context, key string) (interface{}, bool) {
	result := rc.client.Get(ctx, key)
	if result.Err() != nil {
		return nil, false
	}

	var value interface{}
	if err := sonic.UnmarshalString(result.Val(), &value); err != nil {
		// Not JSON, return the raw string
		return result.Val(), true
	}
	return value, true
}

// Set stores a value in cache
func (rc *redisCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	data, err := sonic.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}
	return rc.client.Set(ctx, key, data, expiration).Err()
}

// SetNX stores a value only if the key does not exist yet
func (rc *redisCache) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error) {
	data, err := sonic.Marshal(value)
	if err != nil {
		return false, fmt.Errorf("failed to marshal value: %w", err)
	}
	ok, err := rc.client.SetNX(ctx, key, data, expiration).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, err
	}
	return ok, nil
}

// Delete removes a cached value
func (rc *redisCache) Delete(ctx context.Context, key string) error {
	return rc.client.Del(ctx, key).Err()
}

// Exists checks if a key exists
func (rc *redisCache) Exists(ctx context.Context, key string) bool {
	return rc.client.Exists(ctx, key).Val() > 0
}

// Increment increments a numeric value
func (rc *redisCache) Increment(ctx context.Context, key string, value int64) (int64, error) {
	result := rc.client.IncrBy(ctx, key, value)
	return result.Val(), result.Err()
}

// Decrement decrements a numeric value
func (rc *redisCache) Decrement(ctx context.Context, key string, value int64) (int64, error) {
	result := rc.client.DecrBy(ctx, key, value)
	return result.Val(), result.Err()
}

// Close closes the redis connection
func (rc *redisCache) Close() error {
	return rc.client.Close()
}
