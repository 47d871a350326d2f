package perf

import (
	"math"
	"sort"
	"sync"
)

// Window is a fixed-capacity rolling sample set. Not safe for concurrent
// use; owners wrap it in their own lock.
type Window struct {
	samples []float64
	next    int
	count   int
}

// NewWindow creates a window holding the most recent capacity samples.
func NewWindow(capacity int) *Window {
	if capacity < 1 {
		capacity = 1
	}
	return &Window{samples: make([]float64, capacity)}
}

// Add records a sample, displacing the oldest once full.
func (w *Window) Add(v float64) {
	w.samples[w.next] = v
	w.next = (w.next + 1) % len(w.samples)
	if w.count < len(w.samples) {
		w.count++
	}
}

// Count returns how many samples the window currently holds.
func (w *Window) Count() int {
	return w.count
}

// Average returns the mean of the held samples.
func (w *Window) Average() float64 {
	if w.count == 0 {
		return 0
	}
	var sum float64
	for _, v := range w.values() {
		sum += v
	}
	return sum / float64(w.count)
}

// Jitter returns the mean absolute difference between successive samples,
// oldest to newest.
func (w *Window) Jitter() float64 {
	if w.count < 2 {
		return 0
	}
	vals := w.values()
	var sum float64
	for i := 1; i < len(vals); i++ {
		sum += math.Abs(vals[i] - vals[i-1])
	}
	return sum / float64(len(vals)-1)
}

// Min returns the smallest held sample.
func (w *Window) Min() float64 {
	vals := w.values()
	if len(vals) == 0 {
		return 0
	}
	min := vals[0]
	for _, v := range vals[1:] {
		if v < min {
			min = v
		}
	}
	return min
}

// Max returns the largest held sample.
func (w *Window) Max() float64 {
	vals := w.values()
	if len(vals) == 0 {
		return 0
	}
	max := vals[0]
	for _, v := range vals[1:] {
		if v > max {
			max = v
		}
	}
	return max
}

// Percentile returns the nearest-rank percentile, p in [0, 100].
func (w *Window) Percentile(p float64) float64 {
	if w.count == 0 {
		return 0
	}
	vals := w.values()
	sort.Float64s(vals)
	if p <= 0 {
		return vals[0]
	}
	rank := int(math.Ceil(p / 100 * float64(len(vals))))
	if rank < 1 {
		rank = 1
	}
	if rank > len(vals) {
		rank = len(vals)
	}
	return vals[rank-1]
}

// values returns held samples oldest first.
func (w *Window) values() []float64 {
	out := make([]float64, w.count)
	start := w.next - w.count
	for i := 0; i < w.count; i++ {
		out[i] = w.samples[(start+i+len(w.samples))%len(w.samples)]
	}
	return out
}

// CallTracker keeps the rolling latency and quality windows for one call.
type CallTracker struct {
	mu      sync.Mutex
	latency *Window
	quality *Window
}

// TrackerStats is the per-call rolling summary.
type TrackerStats struct {
	AvgLatencyMs float64 `json:"avg_latency_ms"`
	JitterMs     float64 `json:"jitter_ms"`
	AvgQuality   float64 `json:"avg_quality"`
	Samples      int     `json:"samples"`
}

// NewCallTracker creates a tracker with the given window capacity.
func NewCallTracker(windowSize int) *CallTracker {
	return &CallTracker{
		latency: NewWindow(windowSize),
		quality: NewWindow(windowSize),
	}
}

// RecordLatency adds one end-to-end chunk latency sample in milliseconds.
func (t *CallTracker) RecordLatency(ms float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.latency.Add(ms)
}

// RecordQuality adds one quality score sample.
func (t *CallTracker) RecordQuality(score float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.quality.Add(score)
}

// AverageLatency returns the rolling mean latency in milliseconds.
func (t *CallTracker) AverageLatency() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.latency.Average()
}

// AverageQuality returns the rolling mean quality score.
func (t *CallTracker) AverageQuality() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.quality.Average()
}

// Stats snapshots the rolling windows.
func (t *CallTracker) Stats() TrackerStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return TrackerStats{
		AvgLatencyMs: t.latency.Average(),
		JitterMs:     t.latency.Jitter(),
		AvgQuality:   t.quality.Average(),
		Samples:      t.latency.Count(),
	}
}
