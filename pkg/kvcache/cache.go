package kvcache

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"distribution.app/pkg/logging"
)

// Metrics tracks cache traffic and backend failures.
type Metrics struct {
	Hits          atomic.Int64
	Misses        atomic.Int64
	Sets          atomic.Int64
	Deletes       atomic.Int64
	BackendErrors atomic.Int64
}

// Stats is a point-in-time copy of Metrics.
type Stats struct {
	Hits          int64   `json:"hits"`
	Misses        int64   `json:"misses"`
	HitRate       float64 `json:"hit_rate"`
	Sets          int64   `json:"sets"`
	Deletes       int64   `json:"deletes"`
	BackendErrors int64   `json:"backend_errors"`
}

// Cache is the best-effort key/value cache used on request paths.
// No method returns a backend error: failures are logged and the call
// degrades to a miss or a no-op.
type Cache struct {
	backend Backend
	logger  *zap.Logger
	metrics Metrics
}

// New wraps backend. A nil logger disables logging.
func New(backend Backend, logger *zap.Logger) *Cache {
	return &Cache{
		backend: backend,
		logger:  logging.OrNop(logger).Named("kvcache"),
	}
}

// Get returns the raw value for key, or ok=false on miss or backend failure.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	val, ok, err := c.backend.Get(ctx, key)
	if err != nil {
		c.fail(ctx, "get", key, err)
		c.metrics.Misses.Add(1)
		return nil, false
	}
	if !ok {
		c.metrics.Misses.Add(1)
		return nil, false
	}
	c.metrics.Hits.Add(1)
	return val, true
}

// Set stores value with ttl. Failures are logged only.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if err := c.backend.Set(ctx, key, value, ttl); err != nil {
		c.fail(ctx, "set", key, err)
		return
	}
	c.metrics.Sets.Add(1)
}

// SetIfAbsent atomically stores value when key is absent and reports whether
// this caller acquired it. When the backend is unreachable it reports true:
// the caller proceeds without the guard rather than stalling.
func (c *Cache) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) bool {
	ok, err := c.backend.SetNX(ctx, key, value, ttl)
	if err != nil {
		c.fail(ctx, "setnx", key, err)
		return true
	}
	if ok {
		c.metrics.Sets.Add(1)
	}
	return ok
}

// Delete removes key. Failures are logged only.
func (c *Cache) Delete(ctx context.Context, key string) {
	if err := c.backend.Delete(ctx, key); err != nil {
		c.fail(ctx, "delete", key, err)
		return
	}
	c.metrics.Deletes.Add(1)
}

// DeleteIfValue removes key only while it still holds value, so a holder
// whose flag expired cannot clear the next holder's flag.
func (c *Cache) DeleteIfValue(ctx context.Context, key string, value []byte) bool {
	ok, err := c.backend.CompareAndDelete(ctx, key, value)
	if err != nil {
		c.fail(ctx, "compare_delete", key, err)
		return false
	}
	if ok {
		c.metrics.Deletes.Add(1)
	}
	return ok
}

// ExtendIfValue resets the ttl of key while it still holds value and reports
// whether it did.
func (c *Cache) ExtendIfValue(ctx context.Context, key string, value []byte, ttl time.Duration) bool {
	ok, err := c.backend.CompareAndExpire(ctx, key, value, ttl)
	if err != nil {
		c.fail(ctx, "compare_expire", key, err)
		return false
	}
	return ok
}

// DeleteByPattern removes every key matching the glob and returns the count
// removed (0 on failure).
func (c *Cache) DeleteByPattern(ctx context.Context, pattern string) int {
	n, err := c.backend.DeletePattern(ctx, pattern)
	if err != nil {
		c.fail(ctx, "delete_pattern", pattern, err)
		return n
	}
	c.metrics.Deletes.Add(int64(n))
	return n
}

// GetJSON decodes the value under key into dst. A value that no longer
// decodes is treated as a miss.
func (c *Cache) GetJSON(ctx context.Context, key string, dst any) bool {
	raw, ok := c.Get(ctx, key)
	if !ok {
		return false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		logging.FromContext(ctx, c.logger).Warn("discarding undecodable cache value",
			zap.String("key", key), zap.Error(err))
		return false
	}
	return true
}

// SetJSON encodes v and stores it with ttl.
func (c *Cache) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) {
	raw, err := json.Marshal(v)
	if err != nil {
		logging.FromContext(ctx, c.logger).Error("cache value not encodable",
			zap.String("key", key), zap.Error(err))
		return
	}
	c.Set(ctx, key, raw, ttl)
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	hits := c.metrics.Hits.Load()
	misses := c.metrics.Misses.Load()

	hitRate := 0.0
	if total := hits + misses; total > 0 {
		hitRate = float64(hits) / float64(total)
	}

	return Stats{
		Hits:          hits,
		Misses:        misses,
		HitRate:       hitRate,
		Sets:          c.metrics.Sets.Load(),
		Deletes:       c.metrics.Deletes.Load(),
		BackendErrors: c.metrics.BackendErrors.Load(),
	}
}

func (c *Cache) fail(ctx context.Context, op, key string, err error) {
	c.metrics.BackendErrors.Add(1)
	logging.FromContext(ctx, c.logger).Warn("cache backend unavailable",
		zap.String("op", op),
		zap.String("key", key),
		zap.Error(err))
}
