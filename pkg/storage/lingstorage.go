package storage

import (
	"context"
	"fmt"

	"github.com/LingByte/lingstorage-sdk-go"
)

// LingStore writes objects through the LingStorage service.
type LingStore struct {
	client *lingstorage.Client
	bucket string
}

func NewLingStore(cfg Config) *LingStore {
	bucket := cfg.Bucket
	if bucket == "" {
		bucket = "default"
	}
	return &LingStore{
		client: lingstorage.NewClient(&lingstorage.Config{
			BaseURL:   cfg.LingStorageBaseURL,
			APIKey:    cfg.LingStorageAPIKey,
			APISecret: cfg.LingStorageAPISecret,
		}),
		bucket: bucket,
	}
}

func (s *LingStore) Name() string { return DriverLingStorage }

// Put uploads data under key. The SDK call is not context aware; a cancelled
// context is honoured only before the upload starts.
func (s *LingStore) Put(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := s.client.UploadBytes(&lingstorage.UploadBytesRequest{
		Bucket:   s.bucket,
		Data:     data,
		Filename: key,
	}); err != nil {
		return fmt.Errorf("lingstorage: upload %s: %w", key, err)
	}
	return nil
}

func (s *LingStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.client.Ping()
}
