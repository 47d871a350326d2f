package perf

import (
	"context"
	"log"
	"runtime"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/voxguard/voxguard/internal/adapters/metrics"
)

// Stage names shared by the pipeline histograms and the monitor windows.
const (
	StagePreprocess = "preprocess"
	StageRecognizer = "recognizer"
	StageIntent     = "intent"
	StageResponse   = "response"
	StageSynth      = "synth"
)

// stageRecommendations are the advisory actions published per bottlenecked
// stage. The monitor never acts on them itself.
var stageRecommendations = map[string][]string{
	StagePreprocess: {"cache_features", "parallelize", "simplify_vad"},
	StageRecognizer: {"enable_streaming", "pool_connections", "cache_transcripts", "reduce_chunk_size"},
	StageIntent:     {"cache_classifications", "reduce_prompt", "predictive_pipeline"},
	StageResponse:   {"enlarge_pool", "cache_templates", "stream_response", "shorten_prompt"},
	StageSynth:      {"cache_responses", "pool_connections", "pre_generate_common"},
}

// MonitorConfig tunes the latency monitor.
type MonitorConfig struct {
	WindowSize     int
	StageTargets   map[string]time.Duration
	SampleInterval time.Duration
	CPUThreshold   float64 // percent
	MemThreshold   float64 // percent
	MemoryBudget   uint64  // bytes backing the memory percentage
}

// DefaultMonitorConfig returns the stock monitor settings. Stage targets
// sum to the default chunk latency bound.
func DefaultMonitorConfig() *MonitorConfig {
	return &MonitorConfig{
		WindowSize: 256,
		StageTargets: map[string]time.Duration{
			StagePreprocess: 100 * time.Millisecond,
			StageRecognizer: 700 * time.Millisecond,
			StageIntent:     400 * time.Millisecond,
			StageResponse:   400 * time.Millisecond,
			StageSynth:      400 * time.Millisecond,
		},
		SampleInterval: 10 * time.Second,
		CPUThreshold:   80,
		MemThreshold:   80,
		MemoryBudget:   1 << 30,
	}
}

// StageStats summarizes one stage's sliding window.
type StageStats struct {
	Count  int     `json:"count"`
	MeanMs float64 `json:"mean_ms"`
	MinMs  float64 `json:"min_ms"`
	MaxMs  float64 `json:"max_ms"`
	P50Ms  float64 `json:"p50_ms"`
	P95Ms  float64 `json:"p95_ms"`
	P99Ms  float64 `json:"p99_ms"`
}

// Bottleneck is one stage whose p95 exceeds 1.5 times its target.
type Bottleneck struct {
	Stage           string   `json:"stage"`
	P95Ms           float64  `json:"p95_ms"`
	TargetMs        float64  `json:"target_ms"`
	Severity        float64  `json:"severity"` // p95 over target ratio
	Recommendations []string `json:"recommendations"`
}

// Monitor keeps per-stage latency windows and samples process resources.
// It only ever advises; adaptation belongs to the controller.
type Monitor struct {
	cfg *MonitorConfig

	mu     sync.Mutex
	stages map[string]*Window

	// OnResourceAlert, when set, is invoked outside the monitor lock for
	// every threshold breach.
	OnResourceAlert func(resource string, percent float64)

	lastCPU     float64
	lastCPUWall time.Time
}

// NewMonitor creates a monitor, filling missing config with defaults.
func NewMonitor(cfg *MonitorConfig) *Monitor {
	if cfg == nil {
		cfg = DefaultMonitorConfig()
	}
	def := DefaultMonitorConfig()
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = def.WindowSize
	}
	if len(cfg.StageTargets) == 0 {
		cfg.StageTargets = def.StageTargets
	}
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = def.SampleInterval
	}
	if cfg.CPUThreshold <= 0 {
		cfg.CPUThreshold = def.CPUThreshold
	}
	if cfg.MemThreshold <= 0 {
		cfg.MemThreshold = def.MemThreshold
	}
	if cfg.MemoryBudget == 0 {
		cfg.MemoryBudget = def.MemoryBudget
	}
	return &Monitor{
		cfg:    cfg,
		stages: make(map[string]*Window),
	}
}

// RecordStage feeds one stage duration into its window and histogram.
func (m *Monitor) RecordStage(stage string, d time.Duration) {
	metrics.StageDuration.WithLabelValues(stage).Observe(d.Seconds())

	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.stages[stage]
	if !ok {
		w = NewWindow(m.cfg.WindowSize)
		m.stages[stage] = w
	}
	w.Add(float64(d.Milliseconds()))
}

// StageStats returns the current summary for one stage.
func (m *Monitor) StageStats(stage string) StageStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.stages[stage]
	if !ok {
		return StageStats{}
	}
	return statsFromWindow(w)
}

// Snapshot returns summaries for every stage seen so far.
func (m *Monitor) Snapshot() map[string]StageStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]StageStats, len(m.stages))
	for stage, w := range m.stages {
		out[stage] = statsFromWindow(w)
	}
	return out
}

// Bottlenecks returns stages breaching 1.5 times their target p95, ranked
// worst first, each with its recommendation set.
func (m *Monitor) Bottlenecks() []Bottleneck {
	m.mu.Lock()
	type probe struct {
		stage string
		p95   float64
	}
	probes := make([]probe, 0, len(m.stages))
	for stage, w := range m.stages {
		if w.Count() == 0 {
			continue
		}
		probes = append(probes, probe{stage: stage, p95: w.Percentile(95)})
	}
	m.mu.Unlock()

	var out []Bottleneck
	for _, p := range probes {
		target, ok := m.cfg.StageTargets[p.stage]
		if !ok {
			continue
		}
		targetMs := float64(target.Milliseconds())
		if p.p95 <= 1.5*targetMs {
			continue
		}
		out = append(out, Bottleneck{
			Stage:           p.stage,
			P95Ms:           p.p95,
			TargetMs:        targetMs,
			Severity:        p.p95 / targetMs,
			Recommendations: stageRecommendations[p.stage],
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Severity > out[j].Severity })
	for _, b := range out {
		metrics.BottlenecksDetectedTotal.WithLabelValues(b.Stage).Inc()
	}
	return out
}

// Run samples process resources until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sampleResources()
		}
	}
}

func (m *Monitor) sampleResources() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	memPercent := float64(ms.HeapInuse) / float64(m.cfg.MemoryBudget) * 100
	metrics.MemoryPercent.Set(memPercent)

	cpuPercent, ok := m.sampleCPU()
	if ok {
		metrics.CPUPercent.Set(cpuPercent)
	}

	if memPercent > m.cfg.MemThreshold {
		metrics.ResourceAlertsTotal.WithLabelValues("memory").Inc()
		log.Printf("WARNING: Memory usage %.1f%% exceeds threshold %.1f%%", memPercent, m.cfg.MemThreshold)
		if m.OnResourceAlert != nil {
			m.OnResourceAlert("memory", memPercent)
		}
	}
	if ok && cpuPercent > m.cfg.CPUThreshold {
		metrics.ResourceAlertsTotal.WithLabelValues("cpu").Inc()
		log.Printf("WARNING: CPU usage %.1f%% exceeds threshold %.1f%%", cpuPercent, m.cfg.CPUThreshold)
		if m.OnResourceAlert != nil {
			m.OnResourceAlert("cpu", cpuPercent)
		}
	}
}

// sampleCPU derives process CPU percent from rusage deltas between samples.
// The first sample only establishes the baseline.
func (m *Monitor) sampleCPU() (float64, bool) {
	var ru syscall.Rusage
	if err := syscall.Getrusage(syscall.RUSAGE_SELF, &ru); err != nil {
		return 0, false
	}
	cpuSeconds := float64(ru.Utime.Sec) + float64(ru.Utime.Usec)/1e6 +
		float64(ru.Stime.Sec) + float64(ru.Stime.Usec)/1e6

	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	if m.lastCPUWall.IsZero() {
		m.lastCPU = cpuSeconds
		m.lastCPUWall = now
		return 0, false
	}
	wall := now.Sub(m.lastCPUWall).Seconds()
	used := cpuSeconds - m.lastCPU
	m.lastCPU = cpuSeconds
	m.lastCPUWall = now
	if wall <= 0 {
		return 0, false
	}
	return used / wall / float64(runtime.NumCPU()) * 100, true
}

func statsFromWindow(w *Window) StageStats {
	return StageStats{
		Count:  w.Count(),
		MeanMs: w.Average(),
		MinMs:  w.Min(),
		MaxMs:  w.Max(),
		P50Ms:  w.Percentile(50),
		P95Ms:  w.Percentile(95),
		P99Ms:  w.Percentile(99),
	}
}
