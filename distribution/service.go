// Package distribution serves distribution projections over Encore.
//
// The service is a thin shell around pkg/app: every endpoint delegates to
// the runtime's components and maps their sentinel errors to errs codes.
// Jobs run in-process on the configured backend; with CACHE_BACKEND=redis
// cmd/worker instances share the compute and export classes, while view
// maintenance stays under the service's own namespace.
package distribution

import (
	"context"
	_ "embed"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"distribution.app/pkg/app"
	"distribution.app/pkg/config"
	"distribution.app/pkg/refresh"
)

// views.yaml lists the views this service's database owns.
//
//go:embed views.yaml
var serviceViews []byte

// serviceName stamps the events this service publishes.
const serviceName = "distribution"

// viewsNamespace keeps this service's maintenance jobs and view flags apart
// from cmd/worker's, whose table refreshes the campaign database.
const viewsNamespace = "distribution"

//encore:service
type Service struct {
	rt      *app.Runtime
	cleanup func()
}

var (
	svc     *Service
	once    sync.Once
	initErr error
)

// initService builds the runtime once. Encore calls it before the first
// request; cron and pubsub entry points call it as well.
func initService() (*Service, error) {
	once.Do(func() {
		svc, initErr = newService(context.Background())
	})
	return svc, initErr
}

func newService(ctx context.Context) (*Service, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if cfg.ViewsNamespace == "" {
		cfg.ViewsNamespace = viewsNamespace
	}

	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	logger, syncLogger, err := app.ProvideLogger(cfg)
	if err != nil {
		return nil, err
	}
	cleanups = append(cleanups, syncLogger)
	logger = logger.Named("distribution")

	backends, closeBackends, err := app.ProvideBackends(ctx, cfg, logger)
	if err != nil {
		cleanup()
		return nil, err
	}
	cleanups = append(cleanups, closeBackends)

	table, err := refresh.ParseTable(serviceViews)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("service views: %w", err)
	}

	kv := app.ProvideKV(backends, logger)
	cache := app.ProvideCache(kv, cfg, logger)
	q := app.ProvideQueue(backends, cfg, logger, app.ProvideTracerProvider())
	br := app.ProvideBridge(cfg, logger)
	sqlDB := sqldbQuerier{db: db}

	sched := refresh.New(table, kv, q, refresh.NewSQLRefresher(refresh.PgxExec(sqlDB)), cfg.RefreshConfig(), logger)
	sched.Register(q)

	rt := &app.Runtime{
		Config:     cfg,
		Logger:     logger,
		Backends:   backends,
		KV:         kv,
		Cache:      cache,
		Queue:      q,
		Bridge:     br,
		Recorder:   app.ProvideRecorder(kv, cfg, logger),
		Scheduler:  sched,
		Projection: app.ProvideProjection(cache, q, br, newParameterStore(sqlDB), cfg, logger),
	}
	if err := rt.Start(ctx); err != nil {
		cleanup()
		return nil, err
	}
	return &Service{rt: rt, cleanup: cleanup}, nil
}

// Shutdown drains the runtime. Encore cancels force when the grace period
// ends.
func (s *Service) Shutdown(force context.Context) {
	if err := s.rt.Shutdown(force); err != nil {
		s.rt.Logger.Warn("forced shutdown", zap.Error(err))
	}
	s.cleanup()
}
