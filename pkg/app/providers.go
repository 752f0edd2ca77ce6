// Package app assembles the components into a Runtime. The providers are
// plain constructors grouped into a wire set; the Encore service calls them
// directly and cmd/worker wires them with google/wire.
package app

import (
	"context"
	"fmt"

	"github.com/google/wire"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"distribution.app/pkg/bridge"
	"distribution.app/pkg/config"
	"distribution.app/pkg/jobqueue"
	"distribution.app/pkg/kvcache"
	"distribution.app/pkg/logging"
	"distribution.app/pkg/monitoring"
	"distribution.app/pkg/projection"
	"distribution.app/pkg/refresh"
	"distribution.app/pkg/revalidate"
)

// ProviderSet builds a Runtime from a config.Config, a refresh.Refresher and
// a projection.ParameterStore.
var ProviderSet = wire.NewSet(
	ProvideLogger,
	ProvideBackends,
	ProvideKV,
	ProvideCache,
	ProvideTracerProvider,
	ProvideQueue,
	ProvideBridge,
	ProvideRecorder,
	ProvideScheduler,
	ProvideProjection,
	wire.Struct(new(Runtime), "Config", "Logger", "Backends", "KV", "Cache", "Queue", "Bridge", "Recorder", "Scheduler", "Projection"),
)

// Backends is the storage pair shared by the cache and the job queue.
type Backends struct {
	Cache  kvcache.Backend
	Broker jobqueue.Broker
	Redis  *redis.Client // nil for the memory backend
}

func ProvideLogger(cfg config.Config) (*zap.Logger, func(), error) {
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return nil, nil, err
	}
	return logger, func() { _ = logger.Sync() }, nil
}

// ProvideBackends opens the configured backend. For Redis the connection is
// checked before anything is built on it, and the maintenance class moves
// under cfg.ViewsNamespace when one is set.
func ProvideBackends(ctx context.Context, cfg config.Config, logger *zap.Logger) (Backends, func(), error) {
	if !cfg.UseRedis() {
		b := Backends{
			Cache:  kvcache.NewMemory(cfg.CacheMaxEntries),
			Broker: jobqueue.NewMemoryBroker(cfg.CompletedRetention),
		}
		return b, func() {
			_ = b.Broker.Close()
			_ = b.Cache.Close()
		}, nil
	}

	client := kvcache.NewRedisClient(cfg.Redis)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return Backends{}, nil, fmt.Errorf("connect redis %s: %w", cfg.Redis.Addr, err)
	}
	logger.Info("using redis backend", zap.String("addr", cfg.Redis.Addr))

	b := Backends{
		Cache:  kvcache.NewRedis(client, cfg.Redis.KeyPrefix),
		Broker: jobqueue.NewRedisBroker(client,
			jobqueue.WithKeyPrefix(cfg.Redis.KeyPrefix),
			jobqueue.WithRetention(cfg.CompletedRetention, cfg.DeadRetention),
			jobqueue.WithClassNamespace(jobqueue.ClassMaintenance, cfg.ViewsNamespace)),
		Redis:  client,
	}
	return b, func() {
		_ = b.Broker.Close()
		_ = b.Cache.Close()
		_ = client.Close()
	}, nil
}

func ProvideKV(b Backends, logger *zap.Logger) *kvcache.Cache {
	return kvcache.New(b.Cache, logger)
}

func ProvideCache(kv *kvcache.Cache, cfg config.Config, logger *zap.Logger) *revalidate.Cache {
	return revalidate.New(kv, cfg.RevalidateConfig(), logger)
}

// ProvideTracerProvider returns the global provider. The worker installs an
// SDK provider before wiring.
func ProvideTracerProvider() trace.TracerProvider {
	return otel.GetTracerProvider()
}

func ProvideQueue(b Backends, cfg config.Config, logger *zap.Logger, tp trace.TracerProvider) *jobqueue.Queue {
	return jobqueue.New(b.Broker, cfg.QueueConfig(), logger, jobqueue.WithTracerProvider(tp))
}

func ProvideBridge(cfg config.Config, logger *zap.Logger) *bridge.Bridge {
	return bridge.New(cfg.BridgeConfig(), logger)
}

func ProvideRecorder(kv *kvcache.Cache, cfg config.Config, logger *zap.Logger) *monitoring.Recorder {
	return monitoring.NewRecorder(kv, cfg.MonitoringConfig(), logger)
}

// ProvideScheduler builds the scheduler and binds its maintenance handler.
func ProvideScheduler(cfg config.Config, kv *kvcache.Cache, q *jobqueue.Queue, refresher refresh.Refresher, logger *zap.Logger) (*refresh.Scheduler, error) {
	table, err := cfg.ViewTable()
	if err != nil {
		return nil, err
	}
	s := refresh.New(table, kv, q, refresher, cfg.RefreshConfig(), logger)
	s.Register(q)
	return s, nil
}

// ProvideProjection builds the projection service and binds its handlers.
func ProvideProjection(cache *revalidate.Cache, q *jobqueue.Queue, br *bridge.Bridge, store projection.ParameterStore, cfg config.Config, logger *zap.Logger) *projection.Service {
	svc := projection.NewService(cache, q, br, store, cfg.ProjectionConfig(), logger)
	svc.Register()
	return svc
}
