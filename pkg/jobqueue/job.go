package jobqueue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Class names an independently configured work queue.
type Class string

const (
	ClassCompute     Class = "compute"
	ClassExport      Class = "export"
	ClassMaintenance Class = "maintenance"
)

// State is a job lifecycle state.
type State string

const (
	StateWaiting   State = "waiting"   // ready to be claimed
	StateDelayed   State = "delayed"   // enqueued with a delay, not yet due
	StateActive    State = "active"    // claimed by a worker
	StateCompleted State = "completed" // handler returned successfully
	StateFailed    State = "failed"    // handler failed, retry scheduled after backoff
	StateDead      State = "dead"      // attempts exhausted, error retained
)

// Terminal reports whether no further transitions will happen.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateDead
}

var (
	// ErrUnknownClass means a class was used that the queue was not configured with.
	ErrUnknownClass = errors.New("jobqueue: unknown queue class")
	// ErrUnknownOperation means no handler is registered for (class, operation).
	ErrUnknownOperation = errors.New("jobqueue: unknown operation")
	// ErrJobNotFound is returned for IDs the broker does not hold (or has pruned).
	ErrJobNotFound = errors.New("jobqueue: job not found")
	// ErrDuplicateJob is returned by brokers when a job ID already exists.
	ErrDuplicateJob = errors.New("jobqueue: duplicate job id")
	// ErrQueueClosed is returned by Enqueue after Shutdown.
	ErrQueueClosed = errors.New("jobqueue: queue shut down")
)

// Job is the broker-persisted record of one unit of work.
type Job struct {
	ID           string          `json:"id"`
	Class        Class           `json:"class"`
	Operation    string          `json:"operation"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Priority     int             `json:"priority"`
	MaxAttempts  int             `json:"max_attempts"`
	AttemptsMade int             `json:"attempts_made"`
	Backoff      BackoffPolicy   `json:"backoff"`
	State        State           `json:"state"`
	Progress     int             `json:"progress"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
	Seq          int64           `json:"seq"`
	CreatedAt    time.Time       `json:"created_at"`
	RunAt        time.Time       `json:"run_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
}

// Clone returns a deep copy so brokers never share mutable state with callers.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.Payload = append(json.RawMessage(nil), j.Payload...)
	c.Result = append(json.RawMessage(nil), j.Result...)
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}

// Status returns the public view of the job.
func (j *Job) Status() Status {
	return Status{
		ID:          j.ID,
		Class:       j.Class,
		Operation:   j.Operation,
		State:       j.State,
		Progress:    j.Progress,
		Attempts:    j.AttemptsMade,
		MaxAttempts: j.MaxAttempts,
		Result:      j.Result,
		Error:       j.Error,
		CreatedAt:   j.CreatedAt,
		FinishedAt:  j.FinishedAt,
	}
}

// Decode unmarshals the job payload into dst.
func (j *Job) Decode(dst any) error {
	if len(j.Payload) == 0 {
		return fmt.Errorf("job %s: empty payload", j.ID)
	}
	if err := json.Unmarshal(j.Payload, dst); err != nil {
		return fmt.Errorf("job %s: decode payload: %w", j.ID, err)
	}
	return nil
}

// Status is the stable, caller-facing description of a job.
// Result is set only when State is completed; Error is the most recent
// handler failure (kept while retrying and once dead).
type Status struct {
	ID          string          `json:"id"`
	Class       Class           `json:"class"`
	Operation   string          `json:"operation"`
	State       State           `json:"state"`
	Progress    int             `json:"progress"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
}

// DecodeResult unmarshals a completed job's result into dst.
func (s Status) DecodeResult(dst any) error {
	if s.State != StateCompleted {
		return fmt.Errorf("job %s is %s, not completed", s.ID, s.State)
	}
	if err := json.Unmarshal(s.Result, dst); err != nil {
		return fmt.Errorf("job %s: decode result: %w", s.ID, err)
	}
	return nil
}

// Handle identifies an enqueued job.
type Handle struct {
	ID    string `json:"id"`
	Class Class  `json:"class"`
}
