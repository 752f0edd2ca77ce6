// Package refresh keeps materialized views current.
//
// Two triggers enqueue maintenance jobs:
//   - periodic: one ticker per view fires every RefreshInterval
//   - dependency: OnTableChanged refreshes the views that read a changed
//     table, unless they were refreshed recently (priority 9+ always refresh)
//
// RefreshView is the job body. It holds a cache flag for the duration of the
// refresh so the same view never refreshes twice at once across all
// processes sharing the cache. The flag value is a per-refresh token: the
// holder renews the flag while the refresh runs and removes it only while it
// still holds it.
//
// Processes whose view tables target different databases set distinct
// Namespaces. The namespace qualifies the flag keys and periodic job IDs;
// the job broker must namespace the maintenance class the same way
// (jobqueue.WithClassNamespace) so each process only claims its own jobs.
package refresh

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"distribution.app/pkg/jobqueue"
	"distribution.app/pkg/kvcache"
	"distribution.app/pkg/logging"
)

// OpRefreshView is the maintenance operation executing RefreshView.
const OpRefreshView = "refresh_view"

const (
	HealthHealthy = "healthy"
	HealthStale   = "stale"
	HealthError   = "error"
)

// ErrAlreadyInProgress is the Result.Error of a conflicting refresh.
const ErrAlreadyInProgress = "already in progress"

// Refresher performs the opaque refresh of one view.
type Refresher interface {
	Refresh(ctx context.Context, view string) error
}

// RefresherFunc adapts a function to Refresher.
type RefresherFunc func(ctx context.Context, view string) error

func (f RefresherFunc) Refresh(ctx context.Context, view string) error { return f(ctx, view) }

// Enqueuer is the part of the job queue the scheduler needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, class jobqueue.Class, op string, payload any, opts jobqueue.Options) (jobqueue.Handle, error)
}

// Payload is the maintenance job body.
type Payload struct {
	ViewName string            `json:"viewName"`
	Filters  map[string]string `json:"filters,omitempty"`
}

// Result reports one refresh attempt.
type Result struct {
	View       string `json:"view"`
	Success    bool   `json:"success"`
	DurationMs int64  `json:"durationMs"`
	Error      string `json:"error,omitempty"`
}

// ViewStats is the health summary of one view.
type ViewStats struct {
	Name            string     `json:"name"`
	Priority        int        `json:"priority"`
	RefreshInterval string     `json:"refreshInterval"`
	LastRefresh     *time.Time `json:"lastRefresh,omitempty"`
	LastDurationMs  int64      `json:"lastDurationMs"`
	Health          string     `json:"health"`
}

type lastRefresh struct {
	Timestamp  time.Time `json:"timestamp"`
	DurationMs int64     `json:"durationMs"`
}

// Config tunes flag lifetimes.
type Config struct {
	Namespace      string        // Qualifies flag keys and job IDs; empty for none
	InProgressTTL  time.Duration // Lifetime of the in-progress flag between renewals
	LastRefreshTTL time.Duration // Lifetime of the last-refresh record
	MaxDuration    time.Duration // Deadline of a single refresh
}

// DefaultConfig returns the standard lifetimes.
func DefaultConfig() Config {
	return Config{
		InProgressTTL:  5 * time.Minute,
		LastRefreshTTL: 24 * time.Hour,
		MaxDuration:    10 * time.Minute,
	}
}

// Scheduler triggers and executes view refreshes.
type Scheduler struct {
	table     *Table
	kv        *kvcache.Cache
	queue     Enqueuer
	refresher Refresher
	config    Config
	logger    *zap.Logger
	now       func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	group  *errgroup.Group
}

// Option customises a Scheduler.
type Option func(*Scheduler)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New creates a scheduler.
func New(table *Table, kv *kvcache.Cache, queue Enqueuer, refresher Refresher, config Config, logger *zap.Logger, opts ...Option) *Scheduler {
	if config.InProgressTTL <= 0 {
		config.InProgressTTL = DefaultConfig().InProgressTTL
	}
	if config.LastRefreshTTL <= 0 {
		config.LastRefreshTTL = DefaultConfig().LastRefreshTTL
	}
	if config.MaxDuration <= 0 {
		config.MaxDuration = DefaultConfig().MaxDuration
	}
	s := &Scheduler{
		table:     table,
		kv:        kv,
		queue:     queue,
		refresher: refresher,
		config:    config,
		logger:    logging.OrNop(logger).Named("refresh"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Table returns the view table.
func (s *Scheduler) Table() *Table {
	return s.table
}

func inProgressKey(view string) string { return "view_refresh:" + view }
func lastRefreshKey(view string) string { return "view_last_refresh:" + view }

// qualified prefixes view with the namespace.
func (s *Scheduler) qualified(view string) string {
	if s.config.Namespace == "" {
		return view
	}
	return s.config.Namespace + ":" + view
}

// Register binds the refresh_view maintenance operation on q.
func (s *Scheduler) Register(q *jobqueue.Queue) {
	q.Register(jobqueue.ClassMaintenance, OpRefreshView, s.handle)
}

func (s *Scheduler) handle(ctx context.Context, job *jobqueue.Job, _ jobqueue.Progress) (any, error) {
	var p Payload
	if err := job.Decode(&p); err != nil {
		return nil, err
	}
	res := s.RefreshView(ctx, p.ViewName)
	if !res.Success {
		return res, fmt.Errorf("refresh %s: %s", p.ViewName, res.Error)
	}
	return res, nil
}

// Start launches one ticker per view. Each tick enqueues a refresh job whose
// ID is derived from the view and interval slot, so instances sharing a
// broker enqueue each slot once.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	s.cancel = cancel
	s.group = g

	for _, view := range s.table.Views() {
		g.Go(func() error {
			s.tick(gctx, view)
			return nil
		})
	}
	s.logger.Info("refresh scheduler started", zap.Int("views", len(s.table.views)))
}

// Stop halts the tickers and waits for them to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, g := s.cancel, s.group
	s.cancel, s.group = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	_ = g.Wait()
	s.logger.Info("refresh scheduler stopped")
}

func (s *Scheduler) tick(ctx context.Context, view ViewDescriptor) {
	ticker := time.NewTicker(view.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			slot := s.now().UnixNano() / int64(view.RefreshInterval)
			jobID := fmt.Sprintf("refresh:%s:%d", s.qualified(view.Name), slot)
			if err := s.enqueue(ctx, view, jobID); err != nil {
				s.logger.Warn("periodic refresh enqueue failed",
					zap.String("view", view.Name), zap.Error(err))
			}
		}
	}
}

func (s *Scheduler) enqueue(ctx context.Context, view ViewDescriptor, jobID string) error {
	_, err := s.queue.Enqueue(ctx, jobqueue.ClassMaintenance, OpRefreshView,
		Payload{ViewName: view.Name},
		jobqueue.Options{Priority: view.Priority, JobID: jobID})
	return err
}

// OnTableChanged enqueues refreshes for the views reading table and returns
// their names in enqueue order.
func (s *Scheduler) OnTableChanged(ctx context.Context, table string) []string {
	logger := logging.FromContext(ctx, s.logger).With(zap.String("table", table))

	var enqueued []string
	for _, view := range s.table.Dependents(table) {
		if !s.due(ctx, view) {
			logger.Debug("view refreshed recently, skipping", zap.String("view", view.Name))
			continue
		}
		if err := s.enqueue(ctx, view, ""); err != nil {
			logger.Warn("dependency refresh enqueue failed",
				zap.String("view", view.Name), zap.Error(err))
			continue
		}
		enqueued = append(enqueued, view.Name)
	}
	if len(enqueued) > 0 {
		logger.Info("dependent views scheduled for refresh", zap.Strings("views", enqueued))
	}
	return enqueued
}

// due reports whether a dependency change should refresh view now.
func (s *Scheduler) due(ctx context.Context, view ViewDescriptor) bool {
	if view.Priority >= 9 {
		return true
	}
	last, ok := s.lastRefresh(ctx, view.Name)
	if !ok {
		return true
	}
	return s.now().Sub(last.Timestamp) > view.RefreshInterval/4
}

func (s *Scheduler) lastRefresh(ctx context.Context, view string) (lastRefresh, bool) {
	var last lastRefresh
	ok := s.kv.GetJSON(ctx, lastRefreshKey(s.qualified(view)), &last)
	return last, ok
}

// RefreshView refreshes one view unless a refresh of it is already running.
func (s *Scheduler) RefreshView(ctx context.Context, name string) Result {
	logger := logging.FromContext(ctx, s.logger).With(zap.String("view", name))

	if _, ok := s.table.Get(name); !ok {
		return Result{View: name, Error: "unknown view"}
	}

	flag := inProgressKey(s.qualified(name))
	token := []byte(uuid.NewString())
	if !s.kv.SetIfAbsent(ctx, flag, token, s.config.InProgressTTL) {
		logger.Info("refresh skipped, already in progress")
		return Result{View: name, Error: ErrAlreadyInProgress}
	}
	defer s.kv.DeleteIfValue(context.WithoutCancel(ctx), flag, token)

	runCtx, cancel := context.WithTimeout(ctx, s.config.MaxDuration)
	release := s.holdFlag(runCtx, logger, flag, token)
	start := s.now()
	err := s.run(runCtx, name)
	elapsed := s.now().Sub(start)
	release()
	cancel()

	if err != nil {
		logger.Error("view refresh failed", zap.Duration("elapsed", elapsed), zap.Error(err))
		return Result{View: name, DurationMs: elapsed.Milliseconds(), Error: err.Error()}
	}

	s.kv.SetJSON(ctx, lastRefreshKey(s.qualified(name)), lastRefresh{
		Timestamp:  start,
		DurationMs: elapsed.Milliseconds(),
	}, s.config.LastRefreshTTL)

	logger.Info("view refreshed", zap.Duration("elapsed", elapsed))
	return Result{View: name, Success: true, DurationMs: elapsed.Milliseconds()}
}

// holdFlag renews the in-progress flag every third of its TTL until the
// returned release func is called.
func (s *Scheduler) holdFlag(ctx context.Context, logger *zap.Logger, flag string, token []byte) (release func()) {
	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		ticker := time.NewTicker(max(s.config.InProgressTTL/3, time.Millisecond))
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if !s.kv.ExtendIfValue(context.WithoutCancel(ctx), flag, token, s.config.InProgressTTL) {
					logger.Warn("in-progress flag lost during refresh")
				}
			}
		}
	}()
	return func() {
		close(done)
		<-exited
	}
}

func (s *Scheduler) run(ctx context.Context, name string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic refreshing %s: %v", name, r)
		}
	}()
	return s.refresher.Refresh(ctx, name)
}

// GetViewStats reports health per view, highest priority first.
func (s *Scheduler) GetViewStats(ctx context.Context) []ViewStats {
	now := s.now()
	views := s.table.Views()
	out := make([]ViewStats, 0, len(views))

	for _, view := range views {
		st := ViewStats{
			Name:            view.Name,
			Priority:        view.Priority,
			RefreshInterval: view.RefreshInterval.String(),
			Health:          HealthError,
		}
		if last, ok := s.lastRefresh(ctx, view.Name); ok {
			ts := last.Timestamp
			st.LastRefresh = &ts
			st.LastDurationMs = last.DurationMs
			if now.Sub(last.Timestamp) <= 2*view.RefreshInterval {
				st.Health = HealthHealthy
			} else {
				st.Health = HealthStale
			}
		}
		out = append(out, st)
	}
	return out
}
