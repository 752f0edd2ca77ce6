// Package jobqueue runs named operations asynchronously on prioritized,
// independently configured queue classes.
//
// A Queue owns:
//   - a Broker holding job records and per-class ready/delayed indexes
//     (MemoryBroker in-process, RedisBroker across processes)
//   - one dispatcher goroutine per class, bounded by a weighted semaphore
//     (Concurrency) and an optional token-bucket rate limiter
//   - the retry policy: a failed attempt is rescheduled after the class
//     backoff until Attempts is exhausted, then the job is dead
//
// Within a class, higher priority runs first and equal priorities run in
// enqueue order. Handlers must be registered before Enqueue accepts an
// operation; a handler panic counts as a failed attempt.
package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"distribution.app/pkg/logging"
)

const persistTimeout = 5 * time.Second

// Handler executes one attempt of a job. The returned value is stored as the
// job result (JSON encoded). progress may be called with 0..100.
type Handler func(ctx context.Context, job *Job, progress Progress) (any, error)

// Progress reports completion percentage of the running attempt.
type Progress func(percent int)

// Options tune a single Enqueue call.
type Options struct {
	Priority int           // Higher runs first
	Delay    time.Duration // Earliest start relative to now
	JobID    string        // Caller-chosen ID; enqueueing an existing ID is a no-op
}

// Config configures a Queue.
type Config struct {
	Classes      []ClassConfig
	PollInterval time.Duration // How often idle dispatchers look for due or remote jobs
}

// DefaultConfig returns the compute, export and maintenance classes.
func DefaultConfig() Config {
	return Config{
		Classes:      DefaultClasses(),
		PollInterval: 250 * time.Millisecond,
	}
}

// ClassStats is a snapshot of one class's counters.
type ClassStats struct {
	Enqueued  int64 `json:"enqueued"`
	Completed int64 `json:"completed"`
	Retried   int64 `json:"retried"`
	Dead      int64 `json:"dead"`
	Active    int64 `json:"active"`
}

type classRuntime struct {
	config  ClassConfig
	sem     *semaphore.Weighted
	limiter *rate.Limiter
	wake    chan struct{}

	mu       sync.RWMutex
	handlers map[string]Handler

	enqueued  atomic.Int64
	completed atomic.Int64
	retried   atomic.Int64
	dead      atomic.Int64
	active    atomic.Int64
}

func (rt *classRuntime) handler(op string) (Handler, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	h, ok := rt.handlers[op]
	return h, ok
}

func (rt *classRuntime) wakeUp() {
	select {
	case rt.wake <- struct{}{}:
	default:
	}
}

// QueueOption customises a Queue.
type QueueOption func(*Queue)

// WithTracerProvider sets the provider for job spans. Defaults to the global one.
func WithTracerProvider(tp trace.TracerProvider) QueueOption {
	return func(q *Queue) { q.tracer = tp.Tracer("distribution.app/pkg/jobqueue") }
}

// Queue dispatches jobs from a Broker to registered handlers.
type Queue struct {
	broker  Broker
	config  Config
	logger  *zap.Logger
	tracer  trace.Tracer
	classes map[Class]*classRuntime

	mu      sync.Mutex
	waiters map[string][]chan Status
	started bool
	closed  bool

	runCtx     context.Context
	runCancel  context.CancelFunc
	jobsCtx    context.Context
	jobsCancel context.CancelFunc

	dispatchers sync.WaitGroup
	inflight    sync.WaitGroup
}

// New creates a queue over broker. Call Register for each operation, then
// Start to begin consuming.
func New(broker Broker, config Config, logger *zap.Logger, opts ...QueueOption) *Queue {
	if len(config.Classes) == 0 {
		config.Classes = DefaultClasses()
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultConfig().PollInterval
	}

	q := &Queue{
		broker:  broker,
		config:  config,
		logger:  logging.OrNop(logger).Named("jobqueue"),
		tracer:  otel.Tracer("distribution.app/pkg/jobqueue"),
		classes: make(map[Class]*classRuntime, len(config.Classes)),
		waiters: make(map[string][]chan Status),
	}
	for _, opt := range opts {
		opt(q)
	}

	for _, cc := range config.Classes {
		cc = cc.normalized()
		rt := &classRuntime{
			config:   cc,
			sem:      semaphore.NewWeighted(int64(cc.Concurrency)),
			wake:     make(chan struct{}, 1),
			handlers: make(map[string]Handler),
		}
		if cc.RateLimit > 0 {
			burst := int(cc.RateLimit)
			if burst < 1 {
				burst = 1
			}
			rt.limiter = rate.NewLimiter(rate.Limit(cc.RateLimit), burst)
		}
		q.classes[cc.Name] = rt
	}
	return q
}

// Register binds handler to (class, op). It panics for classes the queue was
// not configured with.
func (q *Queue) Register(class Class, op string, handler Handler) {
	rt, ok := q.classes[class]
	if !ok {
		panic(fmt.Sprintf("jobqueue: register %s/%s: %v", class, op, ErrUnknownClass))
	}
	rt.mu.Lock()
	rt.handlers[op] = handler
	rt.mu.Unlock()
}

// Enqueue records a job and returns its handle without waiting for it to run.
func (q *Queue) Enqueue(ctx context.Context, class Class, op string, payload any, opts Options) (Handle, error) {
	rt, ok := q.classes[class]
	if !ok {
		return Handle{}, fmt.Errorf("%w: %s", ErrUnknownClass, class)
	}
	if _, ok := rt.handler(op); !ok {
		return Handle{}, fmt.Errorf("%w: %s/%s", ErrUnknownOperation, class, op)
	}

	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return Handle{}, ErrQueueClosed
	}

	raw, err := encodePayload(payload)
	if err != nil {
		return Handle{}, fmt.Errorf("jobqueue: encode payload for %s/%s: %w", class, op, err)
	}

	id := opts.JobID
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now()
	job := &Job{
		ID:          id,
		Class:       class,
		Operation:   op,
		Payload:     raw,
		Priority:    opts.Priority,
		MaxAttempts: rt.config.Attempts,
		Backoff:     rt.config.Backoff,
		State:       StateWaiting,
		CreatedAt:   now,
		RunAt:       now,
	}
	if opts.Delay > 0 {
		job.State = StateDelayed
		job.RunAt = now.Add(opts.Delay)
	}

	handle := Handle{ID: id, Class: class}
	if err := q.broker.Add(ctx, job); err != nil {
		if errors.Is(err, ErrDuplicateJob) && opts.JobID != "" {
			return handle, nil
		}
		return Handle{}, err
	}

	rt.enqueued.Add(1)
	rt.wakeUp()
	logging.FromContext(ctx, q.logger).Debug("job enqueued",
		zap.String("job_id", id),
		zap.String("class", string(class)),
		zap.String("operation", op),
		zap.Int("priority", opts.Priority),
		zap.Duration("delay", opts.Delay))
	return handle, nil
}

// GetStatus returns the current status of a job.
func (q *Queue) GetStatus(ctx context.Context, class Class, id string) (Status, error) {
	if _, ok := q.classes[class]; !ok {
		return Status{}, fmt.Errorf("%w: %s", ErrUnknownClass, class)
	}
	job, err := q.broker.Get(ctx, class, id)
	if err != nil {
		return Status{}, err
	}
	return job.Status(), nil
}

// Await blocks until the job is completed or dead, or ctx is done. On ctx
// expiry the last observed status is returned with ctx.Err().
func (q *Queue) Await(ctx context.Context, h Handle) (Status, error) {
	key := recordKey(h.Class, h.ID)
	ch := q.subscribe(key)
	defer q.unsubscribe(key, ch)

	status, err := q.GetStatus(ctx, h.Class, h.ID)
	if err != nil || status.State.Terminal() {
		return status, err
	}

	ticker := time.NewTicker(q.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return status, ctx.Err()
		case final := <-ch:
			return final, nil
		case <-ticker.C:
			current, err := q.GetStatus(ctx, h.Class, h.ID)
			if err != nil {
				if ctx.Err() != nil {
					return status, ctx.Err()
				}
				return status, err
			}
			status = current
			if status.State.Terminal() {
				return status, nil
			}
		}
	}
}

// Start launches one dispatcher per class. Cancelling ctx stops dispatching
// the same way Shutdown does.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	if q.started {
		return nil
	}
	q.started = true

	q.runCtx, q.runCancel = context.WithCancel(ctx)
	q.jobsCtx, q.jobsCancel = context.WithCancel(context.WithoutCancel(ctx))

	for _, rt := range q.classes {
		q.dispatchers.Add(1)
		go q.dispatch(rt)
	}

	q.logger.Info("job queue started", zap.Int("classes", len(q.classes)))
	return nil
}

// Shutdown stops claiming new jobs and waits for running attempts to finish.
// If ctx expires first, running handlers are cancelled and ctx.Err() returned.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	started := q.started
	q.mu.Unlock()

	if !started {
		return nil
	}

	q.runCancel()
	q.dispatchers.Wait()

	done := make(chan struct{})
	go func() {
		q.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.jobsCancel()
		q.logger.Info("job queue drained")
		return nil
	case <-ctx.Done():
		q.jobsCancel()
		q.logger.Warn("job queue shutdown timed out, cancelling running jobs")
		return ctx.Err()
	}
}

// Stats returns per-class counters.
func (q *Queue) Stats() map[Class]ClassStats {
	out := make(map[Class]ClassStats, len(q.classes))
	for name, rt := range q.classes {
		out[name] = ClassStats{
			Enqueued:  rt.enqueued.Load(),
			Completed: rt.completed.Load(),
			Retried:   rt.retried.Load(),
			Dead:      rt.dead.Load(),
			Active:    rt.active.Load(),
		}
	}
	return out
}

func (q *Queue) dispatch(rt *classRuntime) {
	defer q.dispatchers.Done()

	ticker := time.NewTicker(q.config.PollInterval)
	defer ticker.Stop()

	logger := q.logger.With(zap.String("class", string(rt.config.Name)))

	for {
		if err := rt.sem.Acquire(q.runCtx, 1); err != nil {
			return
		}

		job, err := q.broker.Claim(q.runCtx, rt.config.Name, time.Now())
		if err != nil || job == nil {
			rt.sem.Release(1)
			if err != nil && q.runCtx.Err() == nil {
				logger.Warn("claim failed", zap.Error(err))
			}
			select {
			case <-q.runCtx.Done():
				return
			case <-rt.wake:
			case <-ticker.C:
			}
			continue
		}

		if rt.limiter != nil {
			if err := rt.limiter.Wait(q.runCtx); err != nil {
				q.release(rt, job)
				rt.sem.Release(1)
				return
			}
		}

		q.inflight.Add(1)
		go func(job *Job) {
			defer q.inflight.Done()
			defer rt.sem.Release(1)
			q.execute(rt, job)
		}(job)
	}
}

// release puts a claimed but unstarted job back.
func (q *Queue) release(rt *classRuntime, job *Job) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	job.State = StateWaiting
	job.StartedAt = nil
	job.RunAt = time.Now()
	if err := q.broker.Retry(ctx, job); err != nil {
		q.logger.Error("failed to release job", zap.String("job_id", job.ID), zap.Error(err))
	}
}

func (q *Queue) execute(rt *classRuntime, job *Job) {
	ctx, span := q.tracer.Start(q.jobsCtx, "job "+string(job.Class)+"."+job.Operation,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("job.id", job.ID),
			attribute.String("job.class", string(job.Class)),
			attribute.String("job.operation", job.Operation),
			attribute.Int("job.attempt", job.AttemptsMade+1),
		))
	defer span.End()

	if rt.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, rt.config.Timeout)
		defer cancel()
	}

	logger := q.logger.With(
		zap.String("job_id", job.ID),
		zap.String("class", string(job.Class)),
		zap.String("operation", job.Operation),
		zap.Int("attempt", job.AttemptsMade+1),
	)

	rt.active.Add(1)
	defer rt.active.Add(-1)

	tracker := &progressTracker{queue: q, job: job, logger: logger}
	start := time.Now()

	var result any
	var err error
	if handler, ok := rt.handler(job.Operation); ok {
		result, err = runHandler(ctx, handler, job.Clone(), tracker.report)
	} else {
		err = fmt.Errorf("%w: %s/%s", ErrUnknownOperation, job.Class, job.Operation)
	}

	var raw json.RawMessage
	if err == nil {
		raw, err = json.Marshal(result)
		if err != nil {
			err = fmt.Errorf("encode result: %w", err)
		}
	}

	tracker.finish()

	persistCtx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	now := time.Now()
	job.AttemptsMade++
	elapsed := time.Since(start)

	switch {
	case err == nil:
		job.State = StateCompleted
		job.Progress = 100
		job.Result = raw
		job.Error = ""
		job.FinishedAt = &now
		rt.completed.Add(1)
		if serr := q.broker.Save(persistCtx, job); serr != nil {
			logger.Error("failed to persist completed job", zap.Error(serr))
		}
		logger.Info("job completed", zap.Duration("duration", elapsed))
		q.notify(job)

	case job.AttemptsMade < job.MaxAttempts:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		delay := job.Backoff.RetryDelay(job.AttemptsMade)
		job.State = StateFailed
		job.Error = err.Error()
		job.StartedAt = nil
		job.RunAt = now.Add(delay)
		rt.retried.Add(1)
		if serr := q.broker.Retry(persistCtx, job); serr != nil {
			logger.Error("failed to reschedule job", zap.Error(serr))
		}
		logger.Warn("job attempt failed, retrying",
			zap.Duration("duration", elapsed),
			zap.Duration("retry_in", delay),
			zap.Error(err))
		if delay == 0 {
			rt.wakeUp()
		}

	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		job.State = StateDead
		job.Error = err.Error()
		job.FinishedAt = &now
		rt.dead.Add(1)
		if serr := q.broker.Save(persistCtx, job); serr != nil {
			logger.Error("failed to persist dead job", zap.Error(serr))
		}
		logger.Error("job dead after final attempt",
			zap.Int("attempts", job.AttemptsMade),
			zap.Error(err))
		q.notify(job)
	}
}

func runHandler(ctx context.Context, handler Handler, job *Job, progress Progress) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, job, progress)
}

// progressTracker persists progress updates of one attempt until it finishes.
type progressTracker struct {
	queue  *Queue
	job    *Job
	logger *zap.Logger

	mu   sync.Mutex
	done bool
}

func (p *progressTracker) report(percent int) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done {
		return
	}
	p.job.Progress = percent

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := p.queue.broker.Save(ctx, p.job); err != nil {
		p.logger.Warn("failed to persist progress", zap.Int("progress", percent), zap.Error(err))
	}
}

func (p *progressTracker) finish() {
	p.mu.Lock()
	p.done = true
	p.mu.Unlock()
}

func (q *Queue) subscribe(key string) chan Status {
	ch := make(chan Status, 1)
	q.mu.Lock()
	q.waiters[key] = append(q.waiters[key], ch)
	q.mu.Unlock()
	return ch
}

func (q *Queue) unsubscribe(key string, ch chan Status) {
	q.mu.Lock()
	defer q.mu.Unlock()
	list := q.waiters[key]
	for i, c := range list {
		if c == ch {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(q.waiters, key)
		return
	}
	q.waiters[key] = list
}

func (q *Queue) notify(job *Job) {
	status := job.Status()
	key := recordKey(job.Class, job.ID)

	q.mu.Lock()
	defer q.mu.Unlock()
	for _, ch := range q.waiters[key] {
		select {
		case ch <- status:
		default:
		}
	}
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	default:
		return json.Marshal(payload)
	}
}
