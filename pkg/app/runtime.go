package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"distribution.app/pkg/bridge"
	"distribution.app/pkg/config"
	"distribution.app/pkg/jobqueue"
	"distribution.app/pkg/kvcache"
	"distribution.app/pkg/monitoring"
	"distribution.app/pkg/projection"
	"distribution.app/pkg/refresh"
	"distribution.app/pkg/revalidate"
)

// Runtime owns every long-lived component of a process.
type Runtime struct {
	Config     config.Config
	Logger     *zap.Logger
	Backends   Backends
	KV         *kvcache.Cache
	Cache      *revalidate.Cache
	Queue      *jobqueue.Queue
	Bridge     *bridge.Bridge
	Recorder   *monitoring.Recorder
	Scheduler  *refresh.Scheduler
	Projection *projection.Service
}

// Start launches the queue dispatchers, the recorder sweep and, when
// enabled, the periodic view refresh.
func (r *Runtime) Start(ctx context.Context) error {
	if err := r.Queue.Start(ctx); err != nil {
		return fmt.Errorf("start job queue: %w", err)
	}
	r.Recorder.Start()
	if r.Config.RunPeriodicViews {
		r.Scheduler.Start(ctx)
	}
	r.Logger.Info("runtime started",
		zap.String("backend", r.Config.Backend),
		zap.Bool("periodic_views", r.Config.RunPeriodicViews))
	return nil
}

// Shutdown stops producers first, then drains the queue and waits for
// detached work. It does not close the backends; the wire cleanup does.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.Scheduler.Stop()
	r.Recorder.Stop()

	var errs []error
	if err := r.Queue.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("drain job queue: %w", err))
	}

	done := make(chan struct{})
	go func() {
		r.Bridge.Wait()
		r.Cache.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("wait for background work: %w", ctx.Err()))
	}

	if err := errors.Join(errs...); err != nil {
		r.Logger.Warn("runtime shutdown incomplete", zap.Error(err))
		return err
	}
	r.Logger.Info("runtime stopped")
	return nil
}

// Health reports backend reachability and per-class queue counters.
type Health struct {
	Status string                                 `json:"status"`
	Cache  kvcache.Stats                          `json:"cache"`
	Queue  map[jobqueue.Class]jobqueue.ClassStats `json:"queue"`
	Bridge string                                 `json:"bridge"`
	Error  string                                 `json:"error,omitempty"`
}

// Health pings the Redis backend when one is configured.
func (r *Runtime) Health(ctx context.Context) Health {
	h := Health{
		Status: "ok",
		Cache:  r.KV.Stats(),
		Queue:  r.Queue.Stats(),
		Bridge: r.Bridge.State(),
	}
	if r.Backends.Redis != nil {
		if err := r.Backends.Redis.Ping(ctx).Err(); err != nil {
			h.Status = "degraded"
			h.Error = err.Error()
		}
	}
	return h
}
