package jobqueue

import (
	"context"
	"time"
)

// Broker persists jobs and hands them out in priority order.
//
// Ordering within a class: higher Priority first, then enqueue order (Seq).
// Jobs whose RunAt is in the future are held back until due.
type Broker interface {
	// Add stores a new job and makes it claimable at job.RunAt.
	// It assigns job.Seq. Returns ErrDuplicateJob if the ID is already held.
	Add(ctx context.Context, job *Job) error

	// Claim atomically takes the next due job of class, marks it active and
	// returns it. Returns nil, nil when nothing is due.
	Claim(ctx context.Context, class Class, now time.Time) (*Job, error)

	// Save persists the job record (progress, result, terminal state).
	Save(ctx context.Context, job *Job) error

	// Retry persists job and schedules it to be claimable again at job.RunAt.
	Retry(ctx context.Context, job *Job) error

	// Get returns the job record or ErrJobNotFound.
	Get(ctx context.Context, class Class, id string) (*Job, error)

	Close() error
}
