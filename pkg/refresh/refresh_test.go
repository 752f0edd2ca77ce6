package refresh

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"distribution.app/pkg/jobqueue"
	"distribution.app/pkg/kvcache"
)

type enqueueCall struct {
	Class   jobqueue.Class
	Op      string
	Payload Payload
	Opts    jobqueue.Options
}

// MockEnqueuer records Enqueue calls.
type MockEnqueuer struct {
	mu    sync.Mutex
	calls []enqueueCall
	err   error
}

func (m *MockEnqueuer) Enqueue(_ context.Context, class jobqueue.Class, op string, payload any, opts jobqueue.Options) (jobqueue.Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return jobqueue.Handle{}, m.err
	}
	p, _ := payload.(Payload)
	m.calls = append(m.calls, enqueueCall{Class: class, Op: op, Payload: p, Opts: opts})
	return jobqueue.Handle{ID: opts.JobID, Class: class}, nil
}

func (m *MockEnqueuer) Calls() []enqueueCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]enqueueCall(nil), m.calls...)
}

var testNow = time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)

func setupScheduler(t *testing.T, refresher Refresher) (*Scheduler, *MockEnqueuer, *kvcache.Cache) {
	t.Helper()
	backend := kvcache.NewMemory(1000)
	t.Cleanup(func() { _ = backend.Close() })
	kv := kvcache.New(backend, nil)
	queue := &MockEnqueuer{}
	if refresher == nil {
		refresher = RefresherFunc(func(context.Context, string) error { return nil })
	}
	s := New(DefaultTable(), kv, queue, refresher, DefaultConfig(), zaptest.NewLogger(t),
		WithClock(func() time.Time { return testNow }))
	return s, queue, kv
}

func markRefreshed(t *testing.T, kv *kvcache.Cache, view string, ago time.Duration) {
	t.Helper()
	kv.SetJSON(context.Background(), lastRefreshKey(view), lastRefresh{
		Timestamp:  testNow.Add(-ago),
		DurationMs: 120,
	}, time.Hour)
}

func TestDefaultTable(t *testing.T) {
	table := DefaultTable()
	views := table.Views()
	require.Len(t, views, 4)

	var names []string
	for _, v := range views {
		names = append(names, v.Name)
	}
	assert.Equal(t, []string{
		"mv_campaign_summary",
		"mv_distribution_projections",
		"mv_partner_performance",
		"mv_brief_pipeline",
	}, names)

	v, ok := table.Get("mv_partner_performance")
	require.True(t, ok)
	assert.Equal(t, 15*time.Minute, v.RefreshInterval)
	assert.True(t, v.DependsOn("partners"))
}

func TestParseTableValidation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"priority too high", "views:\n  - {name: mv_a, refresh_interval: 1m, priority: 11}\n"},
		{"priority too low", "views:\n  - {name: mv_a, refresh_interval: 1m, priority: 0}\n"},
		{"zero interval", "views:\n  - {name: mv_a, refresh_interval: 0s, priority: 5}\n"},
		{"duplicate names", "views:\n  - {name: mv_a, refresh_interval: 1m, priority: 5}\n  - {name: mv_a, refresh_interval: 2m, priority: 6}\n"},
		{"not an identifier", "views:\n  - {name: 'mv; drop table x', refresh_interval: 1m, priority: 5}\n"},
		{"empty", "views: []\n"},
		{"malformed", "views: [\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseTable([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}

	table, err := ParseTable([]byte("views:\n  - {name: mv_a, refresh_interval: 90s, priority: 5, dependencies: [a]}\n"))
	require.NoError(t, err)
	v, ok := table.Get("mv_a")
	require.True(t, ok)
	assert.Equal(t, 90*time.Second, v.RefreshInterval)
}

func TestRefreshViewIsExclusive(t *testing.T) {
	ctx := context.Background()
	started := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32

	s, _, kv := setupScheduler(t, RefresherFunc(func(context.Context, string) error {
		if calls.Add(1) == 1 {
			close(started)
		}
		<-release
		return nil
	}))

	results := make(chan Result, 2)
	go func() { results <- s.RefreshView(ctx, "mv_campaign_summary") }()
	<-started
	go func() { results <- s.RefreshView(ctx, "mv_campaign_summary") }()

	second := <-results
	assert.False(t, second.Success)
	assert.Equal(t, ErrAlreadyInProgress, second.Error)

	close(release)
	first := <-results
	assert.True(t, first.Success)
	assert.EqualValues(t, 1, calls.Load())

	_, flagged := kv.Get(ctx, inProgressKey("mv_campaign_summary"))
	assert.False(t, flagged, "in-progress flag is cleared")

	var last lastRefresh
	require.True(t, kv.GetJSON(ctx, lastRefreshKey("mv_campaign_summary"), &last))
	assert.Equal(t, testNow, last.Timestamp.UTC())
}

func TestRefreshViewOutlivingFlagTTLStaysExclusive(t *testing.T) {
	ctx := context.Background()
	backend := kvcache.NewMemory(100)
	t.Cleanup(func() { _ = backend.Close() })
	kv := kvcache.New(backend, nil)

	var running, peak atomic.Int32
	refresher := RefresherFunc(func(context.Context, string) error {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(100 * time.Millisecond)
		running.Add(-1)
		return nil
	})
	s := New(DefaultTable(), kv, &MockEnqueuer{}, refresher,
		Config{InProgressTTL: 50 * time.Millisecond}, zaptest.NewLogger(t))

	var wg sync.WaitGroup
	results := make([]Result, 3)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = s.RefreshView(ctx, "mv_brief_pipeline")
		}()
		time.Sleep(60 * time.Millisecond)
	}
	wg.Wait()

	assert.EqualValues(t, 1, peak.Load(), "refreshes of one view never overlap")
	assert.True(t, results[0].Success)
	assert.Equal(t, ErrAlreadyInProgress, results[1].Error)

	_, flagged := kv.Get(ctx, inProgressKey("mv_brief_pipeline"))
	assert.False(t, flagged)
}

func TestRefreshViewKeepsAnotherHoldersFlag(t *testing.T) {
	ctx := context.Background()
	var kv *kvcache.Cache
	s, _, kv := setupScheduler(t, RefresherFunc(func(ctx context.Context, view string) error {
		// The flag expired and another process took it over.
		kv.Set(ctx, inProgressKey(view), []byte("other-holder"), time.Minute)
		return nil
	}))

	res := s.RefreshView(ctx, "mv_brief_pipeline")
	assert.True(t, res.Success)

	val, ok := kv.Get(ctx, inProgressKey("mv_brief_pipeline"))
	require.True(t, ok)
	assert.Equal(t, []byte("other-holder"), val)
}

func TestRefreshViewIsBounded(t *testing.T) {
	backend := kvcache.NewMemory(10)
	t.Cleanup(func() { _ = backend.Close() })
	s := New(DefaultTable(), kvcache.New(backend, nil), &MockEnqueuer{},
		RefresherFunc(func(ctx context.Context, _ string) error {
			<-ctx.Done()
			return ctx.Err()
		}),
		Config{MaxDuration: 20 * time.Millisecond}, zaptest.NewLogger(t))

	res := s.RefreshView(context.Background(), "mv_brief_pipeline")
	assert.False(t, res.Success)
	assert.Equal(t, context.DeadlineExceeded.Error(), res.Error)
}

func TestRefreshViewFailureClearsFlag(t *testing.T) {
	ctx := context.Background()
	s, _, kv := setupScheduler(t, RefresherFunc(func(context.Context, string) error {
		return errors.New("lock timeout")
	}))

	res := s.RefreshView(ctx, "mv_brief_pipeline")
	assert.False(t, res.Success)
	assert.Equal(t, "lock timeout", res.Error)

	_, flagged := kv.Get(ctx, inProgressKey("mv_brief_pipeline"))
	assert.False(t, flagged)
	var last lastRefresh
	assert.False(t, kv.GetJSON(ctx, lastRefreshKey("mv_brief_pipeline"), &last), "failures do not count as refreshes")

	res = s.RefreshView(ctx, "mv_unknown")
	assert.False(t, res.Success)
	assert.Equal(t, "unknown view", res.Error)
}

func TestOnTableChanged(t *testing.T) {
	ctx := context.Background()
	s, queue, kv := setupScheduler(t, nil)

	markRefreshed(t, kv, "mv_campaign_summary", time.Minute)         // priority 9: always
	markRefreshed(t, kv, "mv_distribution_projections", time.Minute) // 10m/4 not elapsed: skip
	markRefreshed(t, kv, "mv_partner_performance", 10*time.Minute)   // 15m/4 elapsed: refresh

	got := s.OnTableChanged(ctx, "campaigns")
	assert.Equal(t, []string{"mv_campaign_summary", "mv_partner_performance"}, got)

	calls := queue.Calls()
	require.Len(t, calls, 2)
	for _, c := range calls {
		assert.Equal(t, jobqueue.ClassMaintenance, c.Class)
		assert.Equal(t, OpRefreshView, c.Op)
	}
	assert.Equal(t, "mv_campaign_summary", calls[0].Payload.ViewName)
	assert.Equal(t, 9, calls[0].Opts.Priority)
	assert.Equal(t, 7, calls[1].Opts.Priority)

	got = s.OnTableChanged(ctx, "brief_assignments")
	assert.Equal(t, []string{"mv_brief_pipeline"}, got, "never refreshed views are due")

	assert.Empty(t, s.OnTableChanged(ctx, "unrelated_table"))
}

func TestOnTableChangedEnqueueFailure(t *testing.T) {
	s, queue, _ := setupScheduler(t, nil)
	queue.err = errors.New("redis down")
	assert.Empty(t, s.OnTableChanged(context.Background(), "briefs"))
}

func TestGetViewStats(t *testing.T) {
	ctx := context.Background()
	s, _, kv := setupScheduler(t, nil)

	markRefreshed(t, kv, "mv_campaign_summary", time.Minute)
	markRefreshed(t, kv, "mv_distribution_projections", 30*time.Minute)

	stats := s.GetViewStats(ctx)
	require.Len(t, stats, 4)

	byName := make(map[string]ViewStats)
	for _, st := range stats {
		byName[st.Name] = st
	}
	assert.Equal(t, HealthHealthy, byName["mv_campaign_summary"].Health)
	assert.EqualValues(t, 120, byName["mv_campaign_summary"].LastDurationMs)
	assert.Equal(t, HealthStale, byName["mv_distribution_projections"].Health)
	assert.Equal(t, HealthError, byName["mv_partner_performance"].Health)
	assert.Nil(t, byName["mv_brief_pipeline"].LastRefresh)
	assert.Equal(t, "5m0s", byName["mv_campaign_summary"].RefreshInterval)
}

func TestPeriodicRefreshUsesSlotJobIDs(t *testing.T) {
	table, err := NewTable([]ViewDescriptor{
		{Name: "mv_fast", RefreshInterval: 20 * time.Millisecond, Priority: 3},
	})
	require.NoError(t, err)

	queue := &MockEnqueuer{}
	backend := kvcache.NewMemory(10)
	defer backend.Close()
	s := New(table, kvcache.New(backend, nil), queue, RefresherFunc(func(context.Context, string) error { return nil }),
		DefaultConfig(), zaptest.NewLogger(t))

	s.Start(context.Background())
	time.Sleep(75 * time.Millisecond)
	s.Stop()

	calls := queue.Calls()
	require.GreaterOrEqual(t, len(calls), 2)
	for _, c := range calls {
		assert.True(t, strings.HasPrefix(c.Opts.JobID, "refresh:mv_fast:"), c.Opts.JobID)
		assert.Equal(t, 3, c.Opts.Priority)
	}

	after := len(queue.Calls())
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, after, len(queue.Calls()), "no ticks after Stop")
}

func TestMaintenanceJobRunsRefresh(t *testing.T) {
	ctx := context.Background()

	var refreshed atomic.Value
	backend := kvcache.NewMemory(100)
	defer backend.Close()
	kv := kvcache.New(backend, nil)

	q := jobqueue.New(jobqueue.NewMemoryBroker(time.Hour), jobqueue.Config{
		Classes:      []jobqueue.ClassConfig{{Name: jobqueue.ClassMaintenance, Concurrency: 1, Attempts: 1}},
		PollInterval: 5 * time.Millisecond,
	}, zaptest.NewLogger(t))
	s := New(DefaultTable(), kv, q, RefresherFunc(func(_ context.Context, view string) error {
		refreshed.Store(view)
		return nil
	}), DefaultConfig(), zaptest.NewLogger(t))
	s.Register(q)

	require.NoError(t, q.Start(ctx))
	defer func() { _ = q.Shutdown(context.Background()) }()

	h, err := q.Enqueue(ctx, jobqueue.ClassMaintenance, OpRefreshView, Payload{ViewName: "mv_brief_pipeline"}, jobqueue.Options{})
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	st, err := q.Await(waitCtx, h)
	require.NoError(t, err)
	assert.Equal(t, jobqueue.StateCompleted, st.State)
	assert.Equal(t, "mv_brief_pipeline", refreshed.Load())

	var res Result
	require.NoError(t, st.DecodeResult(&res))
	assert.True(t, res.Success)
}

type fakeExecer struct {
	queries []string
	err     error
}

func (f *fakeExecer) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	f.queries = append(f.queries, sql)
	return pgconn.NewCommandTag("REFRESH MATERIALIZED VIEW"), f.err
}

func TestSQLRefresher(t *testing.T) {
	ctx := context.Background()
	db := &fakeExecer{}
	r := NewSQLRefresher(PgxExec(db))

	require.NoError(t, r.Refresh(ctx, "mv_campaign_summary"))
	assert.Equal(t, []string{"REFRESH MATERIALIZED VIEW CONCURRENTLY mv_campaign_summary"}, db.queries)

	err := r.Refresh(ctx, "mv_x; DROP TABLE campaigns")
	assert.Error(t, err)
	assert.Len(t, db.queries, 1, "invalid identifiers never reach the database")

	db.err = errors.New("cannot refresh concurrently")
	err = r.Refresh(ctx, "mv_brief_pipeline")
	assert.ErrorIs(t, err, db.err)
}

// recordingRefresher collects refreshed view names.
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

func TestNamespacedSchedulersShareRedis(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	kv := kvcache.New(kvcache.NewRedis(client, ""), nil)

	newQueue := func(broker jobqueue.Broker) *jobqueue.Queue {
		q := jobqueue.New(broker, jobqueue.Config{
			Classes:      []jobqueue.ClassConfig{{Name: jobqueue.ClassMaintenance, Concurrency: 1, Attempts: 1}},
			PollInterval: 5 * time.Millisecond,
		}, zaptest.NewLogger(t))
		t.Cleanup(func() { _ = q.Shutdown(context.Background()) })
		return q
	}

	serviceTable, err := ParseTable([]byte("views:\n  - {name: mv_distribution_projections, refresh_interval: 10m, priority: 8, dependencies: [distribution_parameters]}\n"))
	require.NoError(t, err)

	serviceQ := newQueue(jobqueue.NewRedisBroker(client, jobqueue.WithClassNamespace(jobqueue.ClassMaintenance, "distribution")))
	serviceDB := &recordingRefresher{}
	serviceCfg := DefaultConfig()
	serviceCfg.Namespace = "distribution"
	service := New(serviceTable, kv, serviceQ, serviceDB, serviceCfg, zaptest.NewLogger(t))
	service.Register(serviceQ)

	workerQ := newQueue(jobqueue.NewRedisBroker(client))
	workerDB := &recordingRefresher{}
	worker := New(DefaultTable(), kv, workerQ, workerDB, DefaultConfig(), zaptest.NewLogger(t))
	worker.Register(workerQ)

	assert.Equal(t, []string{"mv_campaign_summary", "mv_distribution_projections", "mv_partner_performance"},
		worker.OnTableChanged(ctx, "campaigns"))
	assert.Equal(t, []string{"mv_distribution_projections"},
		service.OnTableChanged(ctx, "distribution_parameters"))

	// Only the service consumes: it runs its own job and none of the worker's.
	require.NoError(t, serviceQ.Start(ctx))
	require.Eventually(t, func() bool { return len(serviceDB.Views()) == 1 }, 5*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []string{"mv_distribution_projections"}, serviceDB.Views())
	assert.Empty(t, workerDB.Views())

	require.NoError(t, workerQ.Start(ctx))
	require.Eventually(t, func() bool { return len(workerDB.Views()) == 3 }, 5*time.Second, 5*time.Millisecond)
	assert.ElementsMatch(t, []string{"mv_campaign_summary", "mv_distribution_projections", "mv_partner_performance"}, workerDB.Views())
	assert.Len(t, serviceDB.Views(), 1)

	// Each database's refresh of the shared view name is tracked separately.
	assert.True(t, mr.Exists("view_last_refresh:mv_distribution_projections"))
	assert.True(t, mr.Exists("view_last_refresh:distribution:mv_distribution_projections"))
}
