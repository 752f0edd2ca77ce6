package jobqueue

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// MemoryBroker is an in-process Broker. Jobs do not survive a restart.
type MemoryBroker struct {
	mu        sync.Mutex
	seq       int64
	jobs      map[string]*Job // class/id -> record
	ready     map[Class]*readyHeap
	delayed   map[Class][]*Job
	retention time.Duration
	finished  []finishedEntry
	closed    bool
}

type finishedEntry struct {
	key string
	at  time.Time
}

// NewMemoryBroker creates an in-memory broker. Terminal jobs are kept for
// retention (0 keeps them forever).
func NewMemoryBroker(retention time.Duration) *MemoryBroker {
	return &MemoryBroker{
		jobs:      make(map[string]*Job),
		ready:     make(map[Class]*readyHeap),
		delayed:   make(map[Class][]*Job),
		retention: retention,
	}
}

func recordKey(class Class, id string) string {
	return string(class) + "/" + id
}

func (b *MemoryBroker) Add(_ context.Context, job *Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrQueueClosed
	}

	b.prune(time.Now())

	key := recordKey(job.Class, job.ID)
	if _, exists := b.jobs[key]; exists {
		return ErrDuplicateJob
	}
	b.seq++
	job.Seq = b.seq

	stored := job.Clone()
	b.jobs[key] = stored
	b.schedule(stored, job.RunAt)
	return nil
}

func (b *MemoryBroker) Claim(_ context.Context, class Class, now time.Time) (*Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrQueueClosed
	}

	b.promote(class, now)

	h := b.ready[class]
	if h == nil || h.Len() == 0 {
		return nil, nil
	}
	job := heap.Pop(h).(*Job)
	job.State = StateActive
	started := now
	job.StartedAt = &started
	return job.Clone(), nil
}

func (b *MemoryBroker) Save(_ context.Context, job *Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrQueueClosed
	}

	key := recordKey(job.Class, job.ID)
	if _, ok := b.jobs[key]; !ok {
		return ErrJobNotFound
	}
	b.jobs[key] = job.Clone()
	if job.State.Terminal() {
		at := time.Now()
		if job.FinishedAt != nil {
			at = *job.FinishedAt
		}
		b.finished = append(b.finished, finishedEntry{key: key, at: at})
	}
	return nil
}

func (b *MemoryBroker) Retry(_ context.Context, job *Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrQueueClosed
	}

	key := recordKey(job.Class, job.ID)
	if _, ok := b.jobs[key]; !ok {
		return ErrJobNotFound
	}
	stored := job.Clone()
	b.jobs[key] = stored
	b.schedule(stored, job.RunAt)
	return nil
}

func (b *MemoryBroker) Get(_ context.Context, class Class, id string) (*Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	job, ok := b.jobs[recordKey(class, id)]
	if !ok {
		return nil, ErrJobNotFound
	}
	return job.Clone(), nil
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// schedule places a stored record in the ready heap or the delayed list.
// Caller holds mu.
func (b *MemoryBroker) schedule(job *Job, runAt time.Time) {
	if !runAt.IsZero() && runAt.After(time.Now()) {
		b.delayed[job.Class] = append(b.delayed[job.Class], job)
		return
	}
	b.push(job)
}

func (b *MemoryBroker) push(job *Job) {
	h := b.ready[job.Class]
	if h == nil {
		h = &readyHeap{}
		b.ready[job.Class] = h
	}
	heap.Push(h, job)
}

// promote moves due delayed jobs into the ready heap. Caller holds mu.
func (b *MemoryBroker) promote(class Class, now time.Time) {
	pending := b.delayed[class]
	if len(pending) == 0 {
		return
	}
	kept := pending[:0]
	for _, job := range pending {
		if job.RunAt.After(now) {
			kept = append(kept, job)
			continue
		}
		b.push(job)
	}
	b.delayed[class] = kept
}

// prune drops terminal records older than retention. Caller holds mu.
func (b *MemoryBroker) prune(now time.Time) {
	if b.retention <= 0 || len(b.finished) == 0 {
		return
	}
	cutoff := now.Add(-b.retention)
	i := 0
	for ; i < len(b.finished); i++ {
		entry := b.finished[i]
		if entry.at.After(cutoff) {
			break
		}
		if job, ok := b.jobs[entry.key]; ok && job.State.Terminal() {
			delete(b.jobs, entry.key)
		}
	}
	b.finished = b.finished[i:]
}

// readyHeap orders by priority descending, then sequence ascending.
type readyHeap []*Job

func (h readyHeap) Len() int { return len(h) }

func (h readyHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].Seq < h[j].Seq
}

func (h readyHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *readyHeap) Push(x any) { *h = append(*h, x.(*Job)) }

func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
