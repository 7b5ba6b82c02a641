// Package metrics records per-branch retrieval latency and outcomes, both as
// Prometheus collectors and as a rolling window the health report reads.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/seanblong/hybridsearch/pkg/models"
)

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Metrics holds the Prometheus collectors for the search path.
//
//   - hybridsearch_branch_duration_seconds{branch,outcome}
//   - hybridsearch_branch_outcomes_total{branch,outcome}
//   - hybridsearch_requests_total{mode,result}
//   - hybridsearch_degraded_total{branch}
//   - hybridsearch_hydration_gaps_total
type Metrics struct {
	BranchDuration *prometheus.HistogramVec
	BranchOutcomes *prometheus.CounterVec
	RequestsTotal  *prometheus.CounterVec
	DegradedTotal  *prometheus.CounterVec
	HydrationGaps  prometheus.Counter
}

// Default returns the collectors registered on the global registry. Repeated
// calls share one set so registration never panics.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = New(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// New registers a fresh set of collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		BranchDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "hybridsearch",
				Name:      "branch_duration_seconds",
				Help:      "Retrieval branch latency in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
			},
			[]string{"branch", "outcome"},
		),
		BranchOutcomes: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "hybridsearch",
				Name:      "branch_outcomes_total",
				Help:      "Retrieval branch completions by outcome",
			},
			[]string{"branch", "outcome"},
		),
		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "hybridsearch",
				Name:      "requests_total",
				Help:      "Search requests by mode and result code",
			},
			[]string{"mode", "result"},
		),
		DegradedTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "hybridsearch",
				Name:      "degraded_total",
				Help:      "Requests answered without the labelled branch",
			},
			[]string{"branch"},
		),
		HydrationGaps: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: "hybridsearch",
				Name:      "hydration_gaps_total",
				Help:      "Fused candidates whose chunk record was missing",
			},
		),
	}
}

// Recorder fans observations out to the collectors and the per-branch windows.
type Recorder struct {
	metrics *Metrics
	window  int

	mu       sync.Mutex
	trackers map[models.Branch]*LatencyTracker
}

// NewRecorder keeps the last window samples per branch. A nil m records only
// the windows.
func NewRecorder(m *Metrics, window int) *Recorder {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Recorder{metrics: m, window: window, trackers: make(map[models.Branch]*LatencyTracker)}
}

func (r *Recorder) tracker(b models.Branch) *LatencyTracker {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.trackers[b]
	if !ok {
		t = NewLatencyTracker(r.window)
		r.trackers[b] = t
	}
	return t
}

// ObserveBranch records one branch completion. Any outcome other than "ok"
// counts as a failure.
func (r *Recorder) ObserveBranch(b models.Branch, outcome string, d time.Duration) {
	r.tracker(b).Record(d, outcome)
	if r.metrics != nil {
		r.metrics.BranchDuration.WithLabelValues(string(b), outcome).Observe(d.Seconds())
		r.metrics.BranchOutcomes.WithLabelValues(string(b), outcome).Inc()
	}
}

func (r *Recorder) ObserveRequest(mode models.Mode, result string) {
	if r.metrics != nil {
		r.metrics.RequestsTotal.WithLabelValues(string(mode), result).Inc()
	}
}

func (r *Recorder) ObserveDegraded(b models.Branch) {
	if r.metrics != nil {
		r.metrics.DegradedTotal.WithLabelValues(string(b)).Inc()
	}
}

func (r *Recorder) ObserveHydrationGaps(n int) {
	if r.metrics != nil && n > 0 {
		r.metrics.HydrationGaps.Add(float64(n))
	}
}

// Stats returns the rolling window for a branch.
func (r *Recorder) Stats(b models.Branch) Stats {
	return r.tracker(b).Snapshot()
}
