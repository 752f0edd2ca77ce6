// Package bridge lets a synchronous request wait a bounded time for an
// asynchronous result and otherwise answer with a cheap local fallback.
//
// The primary runs on a context detached from the caller: a missed deadline
// abandons it but never cancels it, so its side effects (typically a cache
// write) still land. A circuit breaker counts consecutive misses; while open,
// calls go straight to the fallback without starting a primary.
package bridge

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"distribution.app/pkg/logging"
)

// Outcome tells which path produced the value.
type Outcome string

const (
	OutcomePrimary      Outcome = "primary"
	OutcomeFallback     Outcome = "fallback"
	OutcomeShortCircuit Outcome = "short_circuit"
)

// Config tunes a Bridge.
type Config struct {
	Name           string
	Deadline       time.Duration // Default wait when a call passes 0
	PrimaryTimeout time.Duration // Upper bound on an abandoned primary
	TripAfter      uint32        // Consecutive misses that open the circuit
	OpenTimeout    time.Duration // Time the circuit stays open before probing
}

// DefaultConfig returns the live-edit settings.
func DefaultConfig() Config {
	return Config{
		Name:           "projection",
		Deadline:       500 * time.Millisecond,
		PrimaryTimeout: 30 * time.Second,
		TripAfter:      5,
		OpenTimeout:    30 * time.Second,
	}
}

// Metrics counts call outcomes.
type Metrics struct {
	Primary         atomic.Int64
	Fallbacks       atomic.Int64
	ShortCircuits   atomic.Int64
	LateCompletions atomic.Int64
}

// Bridge races primaries against deadlines.
type Bridge struct {
	config  Config
	logger  *zap.Logger
	breaker *gobreaker.TwoStepCircuitBreaker
	metrics Metrics
	wg      sync.WaitGroup
}

// New creates a bridge.
func New(config Config, logger *zap.Logger) *Bridge {
	def := DefaultConfig()
	if config.Name == "" {
		config.Name = def.Name
	}
	if config.Deadline <= 0 {
		config.Deadline = def.Deadline
	}
	if config.PrimaryTimeout <= 0 {
		config.PrimaryTimeout = def.PrimaryTimeout
	}
	if config.TripAfter == 0 {
		config.TripAfter = def.TripAfter
	}
	if config.OpenTimeout <= 0 {
		config.OpenTimeout = def.OpenTimeout
	}

	b := &Bridge{
		config: config,
		logger: logging.OrNop(logger).Named("bridge").With(zap.String("bridge", config.Name)),
	}
	b.breaker = gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        config.Name,
		MaxRequests: 1,
		Timeout:     config.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= config.TripAfter
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.logger.Warn("bridge circuit state changed",
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return b
}

// Metrics returns the live counters.
func (b *Bridge) Metrics() *Metrics {
	return &b.metrics
}

// State returns the circuit state: closed, half-open or open.
func (b *Bridge) State() string {
	return b.breaker.State().String()
}

// Wait blocks until every abandoned primary has finished.
func (b *Bridge) Wait() {
	b.wg.Wait()
}

type callOptions[T any] struct {
	onLate func(T, error)
}

// CallOption customises one CallWithDeadline invocation.
type CallOption[T any] func(*callOptions[T])

// OnLate registers fn to receive the primary's result when it finishes after
// the caller already got the fallback.
func OnLate[T any](fn func(T, error)) CallOption[T] {
	return func(o *callOptions[T]) { o.onLate = fn }
}

type result[T any] struct {
	value T
	err   error
}

// CallWithDeadline returns primary's value if it succeeds within deadline,
// otherwise fallback's. A zero deadline uses the configured default.
func CallWithDeadline[T any](
	ctx context.Context,
	b *Bridge,
	primary func(context.Context) (T, error),
	fallback func() T,
	deadline time.Duration,
	opts ...CallOption[T],
) (T, Outcome) {
	if deadline <= 0 {
		deadline = b.config.Deadline
	}
	var o callOptions[T]
	for _, opt := range opts {
		opt(&o)
	}
	logger := logging.FromContext(ctx, b.logger)

	done, err := b.breaker.Allow()
	if err != nil {
		b.metrics.ShortCircuits.Add(1)
		logger.Warn("bridge circuit open, serving fallback", zap.Error(err))
		return fallback(), OutcomeShortCircuit
	}

	ch := make(chan result[T], 1)
	start := time.Now()
	detached := context.WithoutCancel(ctx)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		pctx, cancel := context.WithTimeout(detached, b.config.PrimaryTimeout)
		defer cancel()
		value, err := runPrimary(pctx, primary)
		ch <- result[T]{value: value, err: err}
	}()

	timer := time.NewTimer(deadline)
	defer timer.Stop()

	var reason string
	var primaryErr error
	select {
	case r := <-ch:
		if r.err == nil {
			done(true)
			b.metrics.Primary.Add(1)
			return r.value, OutcomePrimary
		}
		reason, primaryErr = "primary failed", r.err
	case <-timer.C:
		reason = "deadline exceeded"
	case <-ctx.Done():
		reason = "caller gave up"
	}

	done(false)
	b.metrics.Fallbacks.Add(1)
	logger.Warn("bridge degraded to fallback",
		zap.String("reason", reason),
		zap.Duration("deadline", deadline),
		zap.Duration("waited", time.Since(start)),
		zap.Error(primaryErr))

	if primaryErr == nil {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			r := <-ch
			b.metrics.LateCompletions.Add(1)
			b.logger.Debug("abandoned primary finished",
				zap.Duration("elapsed", time.Since(start)),
				zap.Error(r.err))
			if o.onLate != nil {
				o.onLate(r.value, r.err)
			}
		}()
	}

	return fallback(), OutcomeFallback
}

func runPrimary[T any](ctx context.Context, primary func(context.Context) (T, error)) (value T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in primary: %v", r)
		}
	}()
	return primary(ctx)
}
