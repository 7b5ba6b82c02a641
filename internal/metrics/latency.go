package metrics

import (
	"sort"
	"sync"
	"time"
)

// DefaultWindow is the number of samples kept per branch.
const DefaultWindow = 1024

// Stats is a point-in-time view of a latency window.
type Stats struct {
	Samples     int
	P50         time.Duration
	P95         time.Duration
	P99         time.Duration
	LastOutcome string
	Failures    int64
}

// LatencyTracker is a fixed-size ring of recent latencies.
type LatencyTracker struct {
	mu       sync.Mutex
	buf      []time.Duration
	next     int
	full     bool
	last     string
	failures int64
}

func NewLatencyTracker(size int) *LatencyTracker {
	if size <= 0 {
		size = DefaultWindow
	}
	return &LatencyTracker{buf: make([]time.Duration, size)}
}

// Record adds a sample; the oldest one is overwritten once the ring is full.
func (t *LatencyTracker) Record(d time.Duration, outcome string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf[t.next] = d
	t.next++
	if t.next == len(t.buf) {
		t.next = 0
		t.full = true
	}
	t.last = outcome
	if outcome != "ok" {
		t.failures++
	}
}

func (t *LatencyTracker) Snapshot() Stats {
	t.mu.Lock()
	n := t.next
	if t.full {
		n = len(t.buf)
	}
	samples := make([]time.Duration, n)
	copy(samples, t.buf[:n])
	st := Stats{Samples: n, LastOutcome: t.last, Failures: t.failures}
	t.mu.Unlock()

	if n == 0 {
		return st
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	st.P50 = percentile(samples, 50)
	st.P95 = percentile(samples, 95)
	st.P99 = percentile(samples, 99)
	return st
}

// percentile uses the nearest-rank method on sorted samples.
func percentile(sorted []time.Duration, p int) time.Duration {
	rank := (p*len(sorted) + 99) / 100
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}
