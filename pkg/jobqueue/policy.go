package jobqueue

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// BackoffKind selects how retry delays grow.
type BackoffKind string

const (
	BackoffNone        BackoffKind = "none"
	BackoffFixed       BackoffKind = "fixed"
	BackoffExponential BackoffKind = "exponential"
)

// maxRetryDelay caps exponential growth.
const maxRetryDelay = 10 * time.Minute

// BackoffPolicy describes the delay before retry n (1-based).
type BackoffPolicy struct {
	Kind  BackoffKind   `json:"kind"`
	Delay time.Duration `json:"delay"`
}

// NoBackoff retries immediately.
func NoBackoff() BackoffPolicy { return BackoffPolicy{Kind: BackoffNone} }

// FixedBackoff waits d before every retry.
func FixedBackoff(d time.Duration) BackoffPolicy {
	return BackoffPolicy{Kind: BackoffFixed, Delay: d}
}

// ExponentialBackoff waits base, 2*base, 4*base, ...
func ExponentialBackoff(base time.Duration) BackoffPolicy {
	return BackoffPolicy{Kind: BackoffExponential, Delay: base}
}

// RetryDelay returns the wait after the given number of failed attempts.
func (p BackoffPolicy) RetryDelay(attemptsMade int) time.Duration {
	if attemptsMade < 1 || p.Delay <= 0 {
		return 0
	}
	switch p.Kind {
	case BackoffFixed:
		return p.Delay
	case BackoffExponential:
		b := &backoff.ExponentialBackOff{
			InitialInterval:     p.Delay,
			RandomizationFactor: 0,
			Multiplier:          2,
			MaxInterval:         maxRetryDelay,
		}
		b.Reset()
		var d time.Duration
		for i := 0; i < attemptsMade; i++ {
			d = b.NextBackOff()
		}
		return d
	default:
		return 0
	}
}

// ClassConfig configures one queue class.
type ClassConfig struct {
	Name        Class
	Concurrency int           // Maximum jobs running at once in this process
	Attempts    int           // Total attempts including the first
	Backoff     BackoffPolicy // Delay policy between attempts
	RateLimit   float64       // Jobs started per second, 0 = unlimited
	Timeout     time.Duration // Per-attempt handler deadline, 0 = none
}

// DefaultClasses returns the three classes used by the distribution service.
func DefaultClasses() []ClassConfig {
	return []ClassConfig{
		{
			Name:        ClassCompute,
			Concurrency: 10,
			Attempts:    3,
			Backoff:     ExponentialBackoff(2 * time.Second),
			Timeout:     30 * time.Second,
		},
		{
			Name:        ClassExport,
			Concurrency: 3,
			Attempts:    2,
			Backoff:     FixedBackoff(500 * time.Millisecond),
			RateLimit:   5,
			Timeout:     2 * time.Minute,
		},
		{
			Name:        ClassMaintenance,
			Concurrency: 1,
			Attempts:    1,
			Backoff:     NoBackoff(),
			Timeout:     10 * time.Minute,
		},
	}
}

func (c ClassConfig) normalized() ClassConfig {
	if c.Concurrency < 1 {
		c.Concurrency = 1
	}
	if c.Attempts < 1 {
		c.Attempts = 1
	}
	if c.Backoff.Kind == "" {
		c.Backoff = NoBackoff()
	}
	return c
}
