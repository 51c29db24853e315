package cache

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by Get for a missing or expired key
	ErrNotFound = errors.New("key not found")
	// ErrCorrupt is returned by Get when the stored value does not decode
	// into the destination
	ErrCorrupt = errors.New("cached value is unreadable")
)

// Cache holds JSON encoded values. A ttl of zero means the cache default.
type Cache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	SetWithTTL(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Counter is implemented by caches that support atomic counters
type Counter interface {
	Increment(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
}
