// Package kvcache is the key/value primitive beneath the projection cache and
// the refresh scheduler's coordination flags.
//
// A Backend is the raw capability set of a TTL key/value store and reports
// every failure. Cache wraps a Backend with the best-effort contract used on
// request paths: failures are logged and counted, and callers observe a miss
// or a no-op instead of an error.
//
// Two backends ship:
//   - Memory: bounded LRU with lazy TTL expiry, used by tests and single-process runs
//   - Redis: go-redis v9, the shared backend for multi-instance deployments
package kvcache

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by backends after Close.
var ErrClosed = errors.New("kvcache: backend closed")

// Backend is a TTL key/value store. A ttl <= 0 means "no expiry".
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetNX stores value only when key is absent and reports whether it did.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
	// CompareAndDelete removes key only while it still holds value.
	CompareAndDelete(ctx context.Context, key string, value []byte) (bool, error)
	// CompareAndExpire resets the ttl of key only while it still holds value.
	CompareAndExpire(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// DeletePattern removes every key matching a glob pattern and returns the count.
	DeletePattern(ctx context.Context, pattern string) (int, error)
	Close() error
}
