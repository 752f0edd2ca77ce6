// Package monitoring records per-operation latency against budgets.
//
// Every tracked call updates in-memory aggregates (count, min, max, total and
// a ring of recent samples for percentiles) and a Prometheus histogram. A call
// over its budget additionally:
//   - writes slow_op:<operation>:<unixMillis> to the cache (short TTL)
//   - logs a warning
//   - appends an alert to the alert log
//   - increments distribution_budget_exceeded_total
//
// Aggregates untouched for IdleEviction are dropped by Sweep.
package monitoring

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"distribution.app/pkg/kvcache"
	"distribution.app/pkg/logging"
)

// BudgetClass names a latency budget.
type BudgetClass string

const (
	BudgetCritical BudgetClass = "critical"
	BudgetFast     BudgetClass = "fast"
	BudgetStandard BudgetClass = "standard"
)

// Budget returns the allowed latency for class. Unknown classes get the
// standard budget.
func Budget(class BudgetClass) time.Duration {
	switch class {
	case BudgetCritical:
		return 500 * time.Millisecond
	case BudgetFast:
		return time.Second
	default:
		return 3 * time.Second
	}
}

// Config tunes the recorder.
type Config struct {
	SampleSize    int           // Samples kept per operation for percentiles
	SweepInterval time.Duration // How often Start runs Sweep
	IdleEviction  time.Duration // Operations untouched this long are dropped
	SlowOpTTL     time.Duration // Lifetime of slow_op cache entries
	AlertHistory  int           // Alerts retained
}

// DefaultConfig returns production settings.
func DefaultConfig() Config {
	return Config{
		SampleSize:    1000,
		SweepInterval: time.Hour,
		IdleEviction:  24 * time.Hour,
		SlowOpTTL:     5 * time.Minute,
		AlertHistory:  100,
	}
}

// OperationMetrics is the summary of one operation.
type OperationMetrics struct {
	Operation string       `json:"operation"`
	Budget    BudgetClass  `json:"budget"`
	Count     int64        `json:"count"`
	SlowCount int64        `json:"slowCount"`
	AvgMs     float64      `json:"avgMs"`
	MinMs     float64      `json:"minMs"`
	MaxMs     float64      `json:"maxMs"`
	Recent    LatencyStats `json:"recent"`
	LastSeen  time.Time    `json:"lastSeen"`
}

// SlowOperation is the value stored under slow_op:* keys.
type SlowOperation struct {
	Operation string      `json:"operation"`
	Budget    BudgetClass `json:"budget"`
	ElapsedMs float64     `json:"elapsedMs"`
	BudgetMs  float64     `json:"budgetMs"`
	Timestamp time.Time   `json:"timestamp"`
}

type opMetrics struct {
	budget   BudgetClass
	count    int64
	slow     int64
	totalMs  float64
	minMs    float64
	maxMs    float64
	lastSeen time.Time
	samples  *RingBuffer
}

// Recorder tracks operation latency.
type Recorder struct {
	kv     *kvcache.Cache
	config Config
	logger *zap.Logger
	now    func() time.Time
	prom   *promMetrics
	alerts *AlertLog

	mu  sync.RWMutex
	ops map[string]*opMetrics

	stopChan chan struct{}
	stopOnce sync.Once
	started  bool
	wg       sync.WaitGroup
}

// Option customises a Recorder.
type Option func(*Recorder)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

// NewRecorder creates a recorder. kv may be nil, in which case slow
// operations are only logged.
func NewRecorder(kv *kvcache.Cache, config Config, logger *zap.Logger, opts ...Option) *Recorder {
	def := DefaultConfig()
	if config.SampleSize <= 0 {
		config.SampleSize = def.SampleSize
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = def.SweepInterval
	}
	if config.IdleEviction <= 0 {
		config.IdleEviction = def.IdleEviction
	}
	if config.SlowOpTTL <= 0 {
		config.SlowOpTTL = def.SlowOpTTL
	}
	if config.AlertHistory <= 0 {
		config.AlertHistory = def.AlertHistory
	}

	r := &Recorder{
		kv:       kv,
		config:   config,
		logger:   logging.OrNop(logger).Named("monitoring"),
		now:      time.Now,
		prom:     newPromMetrics(),
		alerts:   NewAlertLog(config.AlertHistory),
		ops:      make(map[string]*opMetrics),
		stopChan: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SlowOpKey is the cache key recording one slow occurrence.
func SlowOpKey(op string, at time.Time) string {
	return fmt.Sprintf("slow_op:%s:%d", op, at.UnixMilli())
}

// TrackResponse records one call of op that took elapsed.
func (r *Recorder) TrackResponse(ctx context.Context, op string, elapsed time.Duration, class BudgetClass) {
	now := r.now()
	elapsedMs := ms(elapsed)

	r.mu.Lock()
	m, ok := r.ops[op]
	if !ok {
		m = &opMetrics{minMs: elapsedMs, samples: NewRingBuffer(r.config.SampleSize)}
		r.ops[op] = m
	}
	m.budget = class
	m.count++
	m.totalMs += elapsedMs
	if elapsedMs < m.minMs {
		m.minMs = elapsedMs
	}
	if elapsedMs > m.maxMs {
		m.maxMs = elapsedMs
	}
	m.lastSeen = now
	m.samples.Add(elapsedMs, now)

	budget := Budget(class)
	slow := elapsed > budget
	if slow {
		m.slow++
	}
	r.mu.Unlock()

	r.prom.duration.WithLabelValues(op, string(class)).Observe(elapsed.Seconds())
	if !slow {
		return
	}

	r.prom.exceeded.WithLabelValues(op, string(class)).Inc()
	alert := newBudgetAlert(op, class, elapsed, budget, now)
	r.alerts.Add(alert)

	logging.FromContext(ctx, r.logger).Warn("operation exceeded latency budget",
		zap.String("operation", op),
		zap.String("budget", string(class)),
		zap.Duration("elapsed", elapsed),
		zap.Duration("limit", budget),
		zap.String("severity", alert.Severity))

	if r.kv != nil {
		r.kv.SetJSON(ctx, SlowOpKey(op, now), SlowOperation{
			Operation: op,
			Budget:    class,
			ElapsedMs: elapsedMs,
			BudgetMs:  ms(budget),
			Timestamp: now,
		}, r.config.SlowOpTTL)
	}
}

// GetMetrics returns the summary of op, or of every operation when op is
// empty. Unknown operations yield an empty map.
func (r *Recorder) GetMetrics(op string) map[string]OperationMetrics {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]OperationMetrics)
	if op != "" {
		if m, ok := r.ops[op]; ok {
			out[op] = m.summary(op)
		}
		return out
	}
	for name, m := range r.ops {
		out[name] = m.summary(name)
	}
	return out
}

// Operations returns tracked operation names, sorted.
func (r *Recorder) Operations() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.ops))
	for name := range r.ops {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Alerts returns up to n recent alerts, newest first.
func (r *Recorder) Alerts(n int) []Alert {
	return r.alerts.Recent(n)
}

// AlertsTriggered counts every alert raised, including those no longer retained.
func (r *Recorder) AlertsTriggered() int64 {
	return r.alerts.Triggered()
}

func (m *opMetrics) summary(name string) OperationMetrics {
	avg := 0.0
	if m.count > 0 {
		avg = m.totalMs / float64(m.count)
	}
	return OperationMetrics{
		Operation: name,
		Budget:    m.budget,
		Count:     m.count,
		SlowCount: m.slow,
		AvgMs:     avg,
		MinMs:     m.minMs,
		MaxMs:     m.maxMs,
		Recent:    calculateLatencyStats(m.samples.GetAll()),
		LastSeen:  m.lastSeen,
	}
}

// Sweep drops operations not tracked within IdleEviction and returns how
// many were dropped.
func (r *Recorder) Sweep() int {
	cutoff := r.now().Add(-r.config.IdleEviction)

	r.mu.Lock()
	defer r.mu.Unlock()

	evicted := 0
	for name, m := range r.ops {
		if m.lastSeen.Before(cutoff) {
			delete(r.ops, name)
			evicted++
		}
	}
	if evicted > 0 {
		r.logger.Info("evicted idle operation metrics", zap.Int("count", evicted))
	}
	return evicted
}

// Start runs Sweep every SweepInterval until Stop.
func (r *Recorder) Start() {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.config.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-r.stopChan:
				return
			case <-ticker.C:
				r.Sweep()
			}
		}
	}()
}

// Stop halts the sweep loop.
func (r *Recorder) Stop() {
	r.stopOnce.Do(func() { close(r.stopChan) })
	r.wg.Wait()
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
