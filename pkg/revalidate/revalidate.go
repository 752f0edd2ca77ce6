// Package revalidate implements the cache-aside and stale-while-revalidate
// read patterns over a best-effort kvcache.Cache.
//
// Every logical resource may live under two keys:
//   - fresh: <key>, short TTL
//   - stale: <key>:stale, long TTL, the last known-good value
//
// A stale hit returns immediately and refreshes both tiers in a detached
// goroutine. That goroutine owns its own context (detached from the caller's
// cancellation), its own timeout, and its own error/panic boundary: failures
// are logged and never reach the request that triggered them.
//
// Concurrent misses for the same key inside one process are coalesced with
// singleflight; across processes duplicate computation is tolerated.
package revalidate

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"distribution.app/pkg/kvcache"
	"distribution.app/pkg/logging"
)

// Config tunes background refresh behaviour.
type Config struct {
	RefreshTimeout time.Duration // Upper bound for one background refresh
	FreshTTL       time.Duration // Default fresh-tier TTL
	StaleTTL       time.Duration // Default stale-tier TTL
}

// DefaultConfig returns the TTLs used by the projection endpoints.
func DefaultConfig() Config {
	return Config{
		RefreshTimeout: 30 * time.Second,
		FreshTTL:       60 * time.Second,
		StaleTTL:       10 * time.Minute,
	}
}

// Metrics counts read outcomes.
type Metrics struct {
	FreshHits            atomic.Int64
	StaleHits            atomic.Int64
	Misses               atomic.Int64
	Revalidations        atomic.Int64
	RevalidationFailures atomic.Int64
}

// Cache layers the read patterns over a kvcache.Cache.
type Cache struct {
	kv     *kvcache.Cache
	config Config
	logger *zap.Logger

	group    singleflight.Group
	inflight sync.Map // key -> struct{}, background refreshes in progress
	wg       sync.WaitGroup
	metrics  Metrics
}

// New creates a revalidating cache over kv.
func New(kv *kvcache.Cache, config Config, logger *zap.Logger) *Cache {
	if config.RefreshTimeout <= 0 {
		config.RefreshTimeout = DefaultConfig().RefreshTimeout
	}
	if config.FreshTTL <= 0 {
		config.FreshTTL = DefaultConfig().FreshTTL
	}
	if config.StaleTTL <= 0 {
		config.StaleTTL = DefaultConfig().StaleTTL
	}
	return &Cache{
		kv:     kv,
		config: config,
		logger: logging.OrNop(logger).Named("revalidate"),
	}
}

// KV exposes the underlying key/value cache.
func (c *Cache) KV() *kvcache.Cache {
	return c.kv
}

// Config returns the effective configuration.
func (c *Cache) Config() Config {
	return c.config
}

// Metrics returns the live counters.
func (c *Cache) Metrics() *Metrics {
	return &c.metrics
}

// Wait blocks until all background refreshes started so far have finished.
func (c *Cache) Wait() {
	c.wg.Wait()
}

// Invalidate drops every key matching pattern, both tiers included when the
// pattern covers them.
func (c *Cache) Invalidate(ctx context.Context, pattern string) int {
	return c.kv.DeleteByPattern(ctx, pattern)
}

// GetOrSet returns the cached value for key, or computes, stores with ttl and
// returns it. compute errors are returned and nothing is stored.
func GetOrSet[T any](ctx context.Context, c *Cache, key string, ttl time.Duration, compute func(context.Context) (T, error)) (T, error) {
	var cached T
	if c.kv.GetJSON(ctx, key, &cached) {
		c.metrics.FreshHits.Add(1)
		return cached, nil
	}
	c.metrics.Misses.Add(1)

	v, err, _ := c.group.Do(key, func() (any, error) {
		value, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		c.kv.SetJSON(ctx, key, value, ttl)
		return value, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	value, _ := v.(T)
	return value, nil
}

// GetOrRevalidate serves the fresh tier, else the stale tier while refreshing
// in the background, else computes synchronously and fills both tiers.
// Zero TTLs fall back to the configured defaults.
func GetOrRevalidate[T any](ctx context.Context, c *Cache, key string, freshTTL, staleTTL time.Duration, compute func(context.Context) (T, error)) (T, error) {
	if freshTTL <= 0 {
		freshTTL = c.config.FreshTTL
	}
	if staleTTL <= 0 {
		staleTTL = c.config.StaleTTL
	}

	var cached T
	if c.kv.GetJSON(ctx, key, &cached) {
		c.metrics.FreshHits.Add(1)
		return cached, nil
	}

	var stale T
	if c.kv.GetJSON(ctx, StaleKey(key), &stale) {
		c.metrics.StaleHits.Add(1)
		c.revalidateAsync(ctx, key, func(bgCtx context.Context) error {
			value, err := compute(bgCtx)
			if err != nil {
				return err
			}
			Store(bgCtx, c, key, value, freshTTL, staleTTL)
			return nil
		})
		return stale, nil
	}

	c.metrics.Misses.Add(1)
	v, err, _ := c.group.Do(key, func() (any, error) {
		value, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		Store(ctx, c, key, value, freshTTL, staleTTL)
		return value, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	value, _ := v.(T)
	return value, nil
}

// Store writes value to both tiers of key.
func Store[T any](ctx context.Context, c *Cache, key string, value T, freshTTL, staleTTL time.Duration) {
	raw, err := json.Marshal(value)
	if err != nil {
		logging.FromContext(ctx, c.logger).Error("value not encodable",
			zap.String("key", key), zap.Error(err))
		return
	}
	c.kv.Set(ctx, key, raw, freshTTL)
	c.kv.Set(ctx, StaleKey(key), raw, staleTTL)
}

// revalidateAsync runs refresh in a detached goroutine, at most one per key.
func (c *Cache) revalidateAsync(parent context.Context, key string, refresh func(context.Context) error) {
	if _, running := c.inflight.LoadOrStore(key, struct{}{}); running {
		return
	}

	logger := logging.FromContext(parent, c.logger).With(zap.String("key", key))
	detached := context.WithoutCancel(parent)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.inflight.Delete(key)

		ctx, cancel := context.WithTimeout(detached, c.config.RefreshTimeout)
		defer cancel()

		c.metrics.Revalidations.Add(1)
		start := time.Now()

		if err := runGuarded(ctx, refresh); err != nil {
			c.metrics.RevalidationFailures.Add(1)
			logger.Warn("background revalidation failed",
				zap.Duration("elapsed", time.Since(start)),
				zap.Error(err))
			return
		}
		logger.Debug("background revalidation completed",
			zap.Duration("elapsed", time.Since(start)))
	}()
}

// runGuarded converts a panic in fn into an error.
func runGuarded(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during revalidation: %v", r)
		}
	}()
	return fn(ctx)
}
