package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no record exists for a cache key.
var ErrNotFound = errors.New("content record not found")

// ContentRecord describes one fully written entry of the content cache.
type ContentRecord struct {
	Key        string
	FileName   string
	Length     int64
	LastAccess time.Time
}

// ContentIndex persists the key to file mapping of the content cache.
type ContentIndex interface {
	Get(ctx context.Context, key string) (ContentRecord, error)
	Put(ctx context.Context, record ContentRecord) error
	Touch(ctx context.Context, key string, at time.Time) error
	Remove(ctx context.Context, key string) error
	All(ctx context.Context) ([]ContentRecord, error)
	Close() error
}
