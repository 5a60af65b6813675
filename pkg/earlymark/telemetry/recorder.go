// Package telemetry keeps an in-process, bounded window of latency samples
// per metric key and summarises them on demand.
//
// Each metric keeps at most WindowSize samples; when full, the oldest sample
// is overwritten. Samples are whole milliseconds. Negative or non-finite
// inputs are recorded as 0 so that a bad clock never poisons the window.
package telemetry

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DefaultWindowSize is the number of samples retained per metric.
const DefaultWindowSize = 500

// Summary is the aggregate view of one metric's window.
type Summary struct {
	Count int   `json:"count"`
	AvgMs int64 `json:"avgMs"`
	MinMs int64 `json:"minMs"`
	MaxMs int64 `json:"maxMs"`
	P50Ms int64 `json:"p50Ms"`
	P95Ms int64 `json:"p95Ms"`
}

// Snapshot is a point-in-time copy of all metric summaries.
type Snapshot struct {
	GeneratedAt time.Time          `json:"generatedAt"`
	WindowSize  int                `json:"windowSize"`
	Metrics     map[string]Summary `json:"metrics"`
}

// window is a fixed-capacity ring of samples guarded by its own mutex so
// writers to different metrics never contend.
type window struct {
	mu      sync.Mutex
	samples []int64
	next    int
	full    bool
}

func newWindow(size int) *window {
	return &window{samples: make([]int64, size)}
}

func (w *window) push(v int64) {
	w.mu.Lock()
	w.samples[w.next] = v
	w.next++
	if w.next == len(w.samples) {
		w.next = 0
		w.full = true
	}
	w.mu.Unlock()
}

// values returns a copy of the retained samples, oldest first.
func (w *window) values() []int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.full {
		out := make([]int64, w.next)
		copy(out, w.samples[:w.next])
		return out
	}
	out := make([]int64, 0, len(w.samples))
	out = append(out, w.samples[w.next:]...)
	out = append(out, w.samples[:w.next]...)
	return out
}

// Recorder is a concurrency-safe collection of per-metric sample windows.
// The zero value is not usable; construct with NewRecorder.
type Recorder struct {
	size int

	mu      sync.RWMutex
	windows map[string]*window

	// hist mirrors every sample into a Prometheus histogram when set.
	hist *prometheus.HistogramVec

	now func() time.Time
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithWindowSize overrides DefaultWindowSize. Non-positive values are ignored.
func WithWindowSize(n int) Option {
	return func(r *Recorder) {
		if n > 0 {
			r.size = n
		}
	}
}

// WithRegisterer mirrors samples into an "earlymark_latency_seconds"
// histogram registered on reg, labelled by metric.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(r *Recorder) {
		if reg == nil {
			return
		}
		hist := prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "earlymark",
			Name:      "latency_seconds",
			Help:      "Latency of agent pipeline stages and tool executions.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"metric"})
		reg.MustRegister(hist)
		r.hist = hist
	}
}

// NewRecorder creates an empty Recorder.
func NewRecorder(opts ...Option) *Recorder {
	r := &Recorder{
		size:    DefaultWindowSize,
		windows: make(map[string]*window),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// WindowSize returns the per-metric sample capacity.
func (r *Recorder) WindowSize() int { return r.size }

// Record appends a duration in milliseconds to metric's window.
func (r *Recorder) Record(metric string, durationMs float64) {
	v := sanitize(durationMs)
	r.windowFor(metric).push(v)
	if r.hist != nil {
		r.hist.WithLabelValues(metric).Observe(float64(v) / 1000)
	}
}

// Observe records d under metric.
func (r *Recorder) Observe(metric string, d time.Duration) {
	r.Record(metric, float64(d)/float64(time.Millisecond))
}

// Time starts a measurement and returns the function that records it.
//
//	defer rec.Time("agent.run")()
func (r *Recorder) Time(metric string) func() time.Duration {
	start := r.now()
	return func() time.Duration {
		d := r.now().Sub(start)
		r.Observe(metric, d)
		return d
	}
}

func (r *Recorder) windowFor(metric string) *window {
	r.mu.RLock()
	w, ok := r.windows[metric]
	r.mu.RUnlock()
	if ok {
		return w
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok = r.windows[metric]; ok {
		return w
	}
	w = newWindow(r.size)
	r.windows[metric] = w
	return w
}

// Snapshot summarises every metric that has at least one sample.
func (r *Recorder) Snapshot() Snapshot {
	r.mu.RLock()
	names := make([]string, 0, len(r.windows))
	wins := make([]*window, 0, len(r.windows))
	for name, w := range r.windows {
		names = append(names, name)
		wins = append(wins, w)
	}
	r.mu.RUnlock()

	metrics := make(map[string]Summary, len(names))
	for i, name := range names {
		vals := wins[i].values()
		if len(vals) == 0 {
			continue
		}
		metrics[name] = summarize(vals)
	}
	return Snapshot{
		GeneratedAt: r.now().UTC(),
		WindowSize:  r.size,
		Metrics:     metrics,
	}
}

// Reset discards all samples for all metrics.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.windows = make(map[string]*window)
	r.mu.Unlock()
}

func sanitize(ms float64) int64 {
	if math.IsNaN(ms) || math.IsInf(ms, 0) || ms < 0 {
		return 0
	}
	return int64(math.Round(ms))
}

func summarize(vals []int64) Summary {
	sorted := make([]int64, len(vals))
	copy(sorted, vals)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var total int64
	for _, v := range sorted {
		total += v
	}
	return Summary{
		Count: len(sorted),
		AvgMs: int64(math.Round(float64(total) / float64(len(sorted)))),
		MinMs: sorted[0],
		MaxMs: sorted[len(sorted)-1],
		P50Ms: percentile(sorted, 50),
		P95Ms: percentile(sorted, 95),
	}
}

// percentile uses the nearest-rank method on an ascending slice.
func percentile(sorted []int64, p float64) int64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p/100*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
