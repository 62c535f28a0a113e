package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	DriverS3          = "s3"
	DriverLingStorage = "lingstorage"
	DriverMemory      = "memory"
)

// ErrNotReachable is returned by Probe when the backend did not answer.
var ErrNotReachable = errors.New("object store not reachable")

// ObjectStore is the write side of an object storage backend. Keys are
// slash separated paths; a Put never overwrites an existing key in practice
// because callers derive keys from monotonically increasing sequences.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Ping(ctx context.Context) error
	Name() string
}

// Config selects and configures a backend.
type Config struct {
	Driver    string
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	PathStyle bool

	LingStorageBaseURL   string
	LingStorageAPIKey    string
	LingStorageAPISecret string
}

// Open builds the backend named by cfg.Driver.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (ObjectStore, error) {
	switch strings.ToLower(cfg.Driver) {
	case DriverS3, "":
		return NewS3Store(ctx, cfg)
	case DriverLingStorage:
		return NewLingStore(cfg), nil
	case DriverMemory:
		logger.Warn("[Storage] using in-memory object store, recordings are lost on restart")
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", cfg.Driver)
	}
}

// Probe pings the store with a bounded timeout.
func Probe(ctx context.Context, store ObjectStore, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := store.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrNotReachable, store.Name(), err)
	}
	return nil
}
