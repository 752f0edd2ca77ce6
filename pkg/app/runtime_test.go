package app

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"distribution.app/pkg/config"
	"distribution.app/pkg/projection"
	"distribution.app/pkg/refresh"
)

type recordingRefresher struct {
	mu    sync.Mutex
	views []string
}

func (r *recordingRefresher) Refresh(_ context.Context, view string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.views = append(r.views, view)
	return nil
}

func (r *recordingRefresher) Views() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.views...)
}

// setupTestRuntime assembles a memory-backed runtime the same way the
// generated injector does.
func setupTestRuntime(t *testing.T) (*Runtime, *recordingRefresher) {
	t.Helper()
	ctx := context.Background()

	cfg, err := config.Load()
	require.NoError(t, err)
	cfg.RunPeriodicViews = false
	cfg.PollInterval = 5 * time.Millisecond
	cfg.BridgeDeadline = 3 * time.Second

	logger := zaptest.NewLogger(t)
	backends, cleanup, err := ProvideBackends(ctx, cfg, logger)
	require.NoError(t, err)
	t.Cleanup(cleanup)

	kv := ProvideKV(backends, logger)
	cache := ProvideCache(kv, cfg, logger)
	q := ProvideQueue(backends, cfg, logger, ProvideTracerProvider())
	br := ProvideBridge(cfg, logger)
	refresher := &recordingRefresher{}
	sched, err := ProvideScheduler(cfg, kv, q, refresher, logger)
	require.NoError(t, err)

	rt := &Runtime{
		Config:     cfg,
		Logger:     logger,
		Backends:   backends,
		KV:         kv,
		Cache:      cache,
		Queue:      q,
		Bridge:     br,
		Recorder:   ProvideRecorder(kv, cfg, logger),
		Scheduler:  sched,
		Projection: ProvideProjection(cache, q, br, projection.NewMemoryStore(), cfg, logger),
	}
	require.NoError(t, rt.Start(ctx))
	t.Cleanup(func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = rt.Shutdown(sctx)
	})
	return rt, refresher
}

func TestRuntimeServesProjectionAndRefresh(t *testing.T) {
	ctx := context.Background()
	rt, refresher := setupTestRuntime(t)

	resp, err := rt.Projection.UpdateParameters(ctx, projection.UpdateRequest{
		ScopeID: "brief-1",
		Parameters: projection.Parameters{
			MSRP: 32.99, DistributorMargin: 22, RetailerMargin: 35,
			VolumeCommitment: 75000, MarketingSpend: 150000, SeasonalAdjustment: 1,
		},
	})
	require.NoError(t, err)
	assert.InDelta(t, 75000, resp.Projection.Year1Volume, 1e-9)

	res := rt.Scheduler.RefreshView(ctx, "mv_brief_pipeline")
	assert.True(t, res.Success, res.Error)
	assert.Equal(t, []string{"mv_brief_pipeline"}, refresher.Views())

	h := rt.Health(ctx)
	assert.Equal(t, "ok", h.Status)
	assert.EqualValues(t, 1, h.Queue["compute"].Completed)
}

func TestRuntimeShutdownIsIdempotent(t *testing.T) {
	rt, _ := setupTestRuntime(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, rt.Shutdown(ctx))
	require.NoError(t, rt.Shutdown(ctx))
}

func TestProvideSchedulerRejectsBadTable(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)
	cfg.ViewsFile = "/nonexistent/views.yaml"

	_, err = ProvideScheduler(cfg, nil, nil, refresh.RefresherFunc(func(context.Context, string) error { return nil }), nil)
	assert.Error(t, err)
}
