package cache

import (
	"context"
	"errors"
	"time"
)

// ErrNotNumeric is returned when Increment/Decrement hits a non-integer value.
var ErrNotNumeric = errors.New("cache: value is not an int64")

// Cache is the key/value store the gateway uses for state that may need to be
// shared between instances: the active session gauge and single-use token
// markers. Local backends serve single-instance deployments; redis serves
// a fleet.
type Cache interface {
	// Get retrieves a cached value
	Get(ctx context.Context, key string) (interface{}, bool)

	// Set stores a value in cache
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error

	// SetNX stores a value only if the key is absent and reports whether it did
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error)

	// Delete removes a cached value
	Delete(ctx context.Context, key string) error

	// Exists checks if a key exists
	Exists(ctx context.Context, key string) bool

	// Increment increments a numeric value
	Increment(ctx context.Context, key string, value int64) (int64, error)

	// Decrement decrements a numeric value
	Decrement(ctx context.Context, key string, value int64) (int64, error)

	// Close closes the cache connection
	Close() error
}

// Config defines cache configuration
type Config struct {
	// Cache type: "local", "gocache" or "redis"
	Type string `json:"type" yaml:"type" env:"CACHE_TYPE" default:"local"`

	// Redis configuration
	Redis RedisConfig `json:"redis" yaml:"redis"`

	// Local cache configuration
	Local LocalConfig `json:"local" yaml:"local"`
}

// RedisConfig defines Redis configuration
type RedisConfig struct {
	Addr         string        `json:"addr" yaml:"addr" env:"REDIS_ADDR" default:"localhost:6379"`
	Password     string        `json:"password" yaml:"password" env:"REDIS_PASSWORD"`
	DB           int           `json:"db" yaml:"db" env:"REDIS_DB" default:"0"`
	PoolSize     int           `json:"pool_size" yaml:"pool_size" env:"REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `json:"min_idle_conns" yaml:"min_idle_conns" env:"REDIS_MIN_IDLE_CONNS" default:"5"`
	DialTimeout  time.Duration `json:"dial_timeout" yaml:"dial_timeout" env:"REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `json:"read_timeout" yaml:"read_timeout" env:"REDIS_READ_TIMEOUT" default:"3s"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout" env:"REDIS_WRITE_TIMEOUT" default:"3s"`
	IdleTimeout  time.Duration `json:"idle_timeout" yaml:"idle_timeout" env:"REDIS_IDLE_TIMEOUT" default:"5m"`
}

// LocalConfig defines local cache configuration
type LocalConfig struct {
	// Maximum number of cache items (lru backend only)
	MaxSize int `json:"max_size" yaml:"max_size" env:"LOCAL_CACHE_MAX_SIZE" default:"10000"`

	// Default expiration time
	DefaultExpiration time.Duration `json:"default_expiration" yaml:"default_expiration" env:"LOCAL_CACHE_DEFAULT_EXPIRATION" default:"1h"`

	// Cleanup interval (gocache backend only)
	CleanupInterval time.Duration `json:"cleanup_interval" yaml:"cleanup_interval" env:"LOCAL_CACHE_CLEANUP_INTERVAL" default:"10m"`
}
