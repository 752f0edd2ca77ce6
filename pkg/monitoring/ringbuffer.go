package monitoring

import (
	"math"
	"sort"
	"sync"
	"time"
)

// Sample is one latency observation in milliseconds.
type Sample struct {
	Value     float64
	Timestamp time.Time
}

// RingBuffer keeps the most recent samples of an operation.
//
// Complexity: Add O(1), GetAll O(n) where n = buffer size.
type RingBuffer struct {
	mu     sync.RWMutex
	buffer []Sample
	next   int
	full   bool
}

// NewRingBuffer creates a ring holding up to size samples.
func NewRingBuffer(size int) *RingBuffer {
	if size < 1 {
		size = 1
	}
	return &RingBuffer{buffer: make([]Sample, size)}
}

// Add records a sample, overwriting the oldest once full.
func (rb *RingBuffer) Add(value float64, timestamp time.Time) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.buffer[rb.next] = Sample{Value: value, Timestamp: timestamp}
	rb.next = (rb.next + 1) % len(rb.buffer)
	if rb.next == 0 {
		rb.full = true
	}
}

// Len returns the number of samples held.
func (rb *RingBuffer) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	if rb.full {
		return len(rb.buffer)
	}
	return rb.next
}

// GetAll returns samples oldest first.
func (rb *RingBuffer) GetAll() []Sample {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if !rb.full {
		out := make([]Sample, rb.next)
		copy(out, rb.buffer[:rb.next])
		return out
	}
	out := make([]Sample, 0, len(rb.buffer))
	out = append(out, rb.buffer[rb.next:]...)
	out = append(out, rb.buffer[:rb.next]...)
	return out
}

// LatencyStats summarises a set of samples in milliseconds.
type LatencyStats struct {
	Count int     `json:"count"`
	Min   float64 `json:"minMs"`
	Max   float64 `json:"maxMs"`
	Avg   float64 `json:"avgMs"`
	P50   float64 `json:"p50Ms"`
	P95   float64 `json:"p95Ms"`
	P99   float64 `json:"p99Ms"`
}

// calculateLatencyStats computes percentile statistics from samples.
// Complexity: O(n log n) due to sorting.
func calculateLatencyStats(samples []Sample) LatencyStats {
	if len(samples) == 0 {
		return LatencyStats{}
	}

	values := make([]float64, len(samples))
	sum := 0.0
	lo := math.MaxFloat64
	hi := 0.0
	for i, s := range samples {
		values[i] = s.Value
		sum += s.Value
		lo = math.Min(lo, s.Value)
		hi = math.Max(hi, s.Value)
	}
	sort.Float64s(values)

	return LatencyStats{
		Count: len(values),
		Min:   lo,
		Max:   hi,
		Avg:   sum / float64(len(values)),
		P50:   percentile(values, 0.50),
		P95:   percentile(values, 0.95),
		P99:   percentile(values, 0.99),
	}
}

// percentile interpolates the p-th percentile of sorted values.
func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}

	index := p * float64(len(values)-1)
	lower := int(math.Floor(index))
	upper := int(math.Ceil(index))
	if lower == upper {
		return values[lower]
	}

	weight := index - float64(lower)
	return values[lower]*(1-weight) + values[upper]*weight
}
