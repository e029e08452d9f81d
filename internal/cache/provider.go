package cache

import (
	"context"
	"errors"
	"time"
)

// Provider is the key/value surface the execution guard needs. Implementations must make
// SetNX atomic: exactly one caller wins for a given key until it expires or is deleted.
type Provider interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Del(ctx context.Context, key string) error
	Close() error
}

// ErrCacheMiss signals that a cache key was not found.
var ErrCacheMiss = errors.New("cache miss")
