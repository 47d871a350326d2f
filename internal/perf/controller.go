package perf

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voxguard/voxguard/internal/adapters/metrics"
	"github.com/voxguard/voxguard/internal/domain/models"
)

// ControllerConfig tunes the adaptive performance controller.
type ControllerConfig struct {
	BufferSize            int
	LatencyWindow         int
	MaxLatency            time.Duration
	BackpressureHighWater float64
	BackpressureDelay     time.Duration
	InitialTier           string
	OptimizeCooldown      time.Duration
	ControlInterval       time.Duration
	SweepInterval         time.Duration
	CacheTTL              time.Duration
	ResponseCacheSize     int
	TranscriptCacheSize   int
	IntentCacheSize       int
	CompressionThreshold  int
	Tiers                 []models.QualityTier
}

// DefaultControllerConfig returns the stock controller settings.
func DefaultControllerConfig() *ControllerConfig {
	return &ControllerConfig{
		BufferSize:            64,
		LatencyWindow:         256,
		MaxLatency:            2 * time.Second,
		BackpressureHighWater: 0.9,
		BackpressureDelay:     10 * time.Millisecond,
		InitialTier:           "high",
		OptimizeCooldown:      30 * time.Second,
		ControlInterval:       5 * time.Second,
		SweepInterval:         30 * time.Second,
		CacheTTL:              5 * time.Minute,
		ResponseCacheSize:     256,
		TranscriptCacheSize:   512,
		IntentCacheSize:       512,
		CompressionThreshold:  8192,
		Tiers:                 models.DefaultQualityTiers(),
	}
}

const (
	cacheShrinkFloor = 16
	compressionFloor = 1024 // lowest the adaptive compression cutoff goes
)

type callState struct {
	ring    *ChunkRing
	tracker *CallTracker
	tier    int // index into cfg.Tiers, 0 = richest
}

// CompressionSink receives compression threshold updates from the control
// loop. The envelope codec implements it.
type CompressionSink interface {
	SetCompressionThreshold(threshold int)
}

// Controller owns the per-call rings, rolling windows, quality tiers and
// the tiered cache, and runs the periodic optimization loops.
type Controller struct {
	cfg   *ControllerConfig
	cache *TieredCache

	mu             sync.Mutex
	calls          map[string]*callState
	lastCacheClear time.Time
	sink           CompressionSink

	compression atomic.Int64
}

// NewController creates a controller, filling missing config with defaults.
func NewController(cfg *ControllerConfig) *Controller {
	if cfg == nil {
		cfg = DefaultControllerConfig()
	}
	def := DefaultControllerConfig()
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.LatencyWindow <= 0 {
		cfg.LatencyWindow = def.LatencyWindow
	}
	if cfg.MaxLatency <= 0 {
		cfg.MaxLatency = def.MaxLatency
	}
	if cfg.BackpressureHighWater <= 0 || cfg.BackpressureHighWater > 1 {
		cfg.BackpressureHighWater = def.BackpressureHighWater
	}
	if cfg.BackpressureDelay <= 0 {
		cfg.BackpressureDelay = def.BackpressureDelay
	}
	if cfg.OptimizeCooldown <= 0 {
		cfg.OptimizeCooldown = def.OptimizeCooldown
	}
	if cfg.ControlInterval <= 0 {
		cfg.ControlInterval = def.ControlInterval
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = def.CacheTTL
	}
	if cfg.ResponseCacheSize <= 0 {
		cfg.ResponseCacheSize = def.ResponseCacheSize
	}
	if cfg.TranscriptCacheSize <= 0 {
		cfg.TranscriptCacheSize = def.TranscriptCacheSize
	}
	if cfg.IntentCacheSize <= 0 {
		cfg.IntentCacheSize = def.IntentCacheSize
	}
	if cfg.CompressionThreshold <= 0 {
		cfg.CompressionThreshold = def.CompressionThreshold
	}
	if len(cfg.Tiers) == 0 {
		cfg.Tiers = models.DefaultQualityTiers()
	}

	c := &Controller{
		cfg:   cfg,
		cache: NewTieredCache(cfg.ResponseCacheSize, cfg.TranscriptCacheSize, cfg.IntentCacheSize, cfg.CacheTTL),
		calls: make(map[string]*callState),
	}
	c.compression.Store(int64(cfg.CompressionThreshold))
	return c
}

// Cache exposes the tiered cache to the pipeline.
func (c *Controller) Cache() *TieredCache {
	return c.cache
}

// MaxLatency returns the per-chunk latency bound used by the cache quality
// gate and the optimization trigger.
func (c *Controller) MaxLatency() time.Duration {
	return c.cfg.MaxLatency
}

// CompressionThreshold returns the current payload size above which
// envelopes are compressed. The control loop lowers it under load.
func (c *Controller) CompressionThreshold() int {
	return int(c.compression.Load())
}

// SetCompressionSink attaches the codec whose threshold the control loop
// retunes, seeding it with the current value. Call before Run.
func (c *Controller) SetCompressionSink(sink CompressionSink) {
	c.mu.Lock()
	c.sink = sink
	c.mu.Unlock()
	if sink != nil {
		sink.SetCompressionThreshold(c.CompressionThreshold())
	}
}

// RegisterCall creates the per-call state at the configured initial tier.
func (c *Controller) RegisterCall(callID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ensureCallLocked(callID)
}

// UnregisterCall drops the per-call state.
func (c *Controller) UnregisterCall(callID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.calls, callID)
	metrics.QualityTierGauge.DeleteLabelValues(callID)
}

// Buffer returns the call's ring, creating the call state if needed.
func (c *Controller) Buffer(callID string) *ChunkRing {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ensureCallLocked(callID).ring
}

// AdmissionDelay returns the backpressure pause to apply before admitting
// the next chunk, zero when the ring has headroom.
func (c *Controller) AdmissionDelay(callID string) time.Duration {
	c.mu.Lock()
	state, ok := c.calls[callID]
	c.mu.Unlock()
	if !ok {
		return 0
	}
	if state.ring.Utilization() > c.cfg.BackpressureHighWater {
		return c.cfg.BackpressureDelay
	}
	return 0
}

// RecordChunk feeds one processed chunk's latency and quality score into
// the rolling windows and fires the optimization trigger on a breach.
func (c *Controller) RecordChunk(callID string, latency time.Duration, quality float64) {
	c.mu.Lock()
	state := c.ensureCallLocked(callID)
	c.mu.Unlock()

	state.tracker.RecordLatency(float64(latency.Milliseconds()))
	if quality > 0 {
		state.tracker.RecordQuality(quality)
	}
	if latency > c.cfg.MaxLatency {
		c.optimizationTriggered(callID, latency)
	}
}

// Tier returns the call's current quality tier.
func (c *Controller) Tier(callID string) models.QualityTier {
	c.mu.Lock()
	defer c.mu.Unlock()
	state := c.ensureCallLocked(callID)
	return c.cfg.Tiers[state.tier]
}

// Tracker returns the call's rolling windows, creating state if needed.
func (c *Controller) Tracker(callID string) *CallTracker {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ensureCallLocked(callID).tracker
}

// AdaptTier moves the call one tier step based on its rolling latency:
// above target downgrades, below half the target upgrades. It returns the
// tier in force and whether it changed.
func (c *Controller) AdaptTier(callID string) (models.QualityTier, bool) {
	c.mu.Lock()
	state, ok := c.calls[callID]
	if !ok {
		state = c.ensureCallLocked(callID)
	}
	tier := state.tier
	c.mu.Unlock()

	avg := state.tracker.AverageLatency()
	if state.tracker.Stats().Samples == 0 {
		return c.cfg.Tiers[tier], false
	}

	target := c.cfg.Tiers[tier].LatencyTargetMs
	next := tier
	switch {
	case avg > target && tier < len(c.cfg.Tiers)-1:
		next = tier + 1
	case avg < 0.5*target && tier > 0:
		next = tier - 1
	}
	if next == tier {
		return c.cfg.Tiers[tier], false
	}

	c.mu.Lock()
	state.tier = next
	c.mu.Unlock()
	metrics.QualityTierGauge.WithLabelValues(callID).Set(float64(next))
	log.Printf("Call %s quality tier %s -> %s (rolling latency %.0fms, target %.0fms)",
		callID, c.cfg.Tiers[tier].Name, c.cfg.Tiers[next].Name, avg, target)
	return c.cfg.Tiers[next], true
}

// Run drives the periodic optimization and cache maintenance loops until
// the context is cancelled.
func (c *Controller) Run(ctx context.Context) {
	control := time.NewTicker(c.cfg.ControlInterval)
	defer control.Stop()
	sweep := time.NewTicker(c.cfg.SweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-control.C:
			c.controlPass()
		case <-sweep.C:
			if removed := c.cache.RemoveExpired(); removed > 0 {
				log.Printf("Cache sweep evicted %d expired entries", removed)
			}
			c.cache.PublishHitRates()
		}
	}
}

// Stats snapshots the controller for the stats endpoint.
type ControllerStats struct {
	ActiveCalls     int            `json:"active_calls"`
	GlobalAvgMs     float64        `json:"global_avg_latency_ms"`
	TierCounts      map[string]int `json:"tier_counts"`
	CompressionByte int            `json:"compression_threshold_bytes"`
	Cache           CacheStats     `json:"cache"`
}

// Stats returns the current controller snapshot.
func (c *Controller) Stats() ControllerStats {
	c.mu.Lock()
	trackers := make(map[string]*CallTracker, len(c.calls))
	tiers := make(map[string]int)
	for id, state := range c.calls {
		trackers[id] = state.tracker
		tiers[c.cfg.Tiers[state.tier].Name]++
	}
	c.mu.Unlock()

	var sum float64
	for _, tr := range trackers {
		sum += tr.AverageLatency()
	}
	var avg float64
	if len(trackers) > 0 {
		avg = sum / float64(len(trackers))
	}
	return ControllerStats{
		ActiveCalls:     len(trackers),
		GlobalAvgMs:     avg,
		TierCounts:      tiers,
		CompressionByte: c.CompressionThreshold(),
		Cache:           c.cache.Stats(),
	}
}

// ensureCallLocked returns the call state, creating it at the initial tier.
// The caller holds c.mu.
func (c *Controller) ensureCallLocked(callID string) *callState {
	if state, ok := c.calls[callID]; ok {
		return state
	}
	tier := c.tierIndex(c.cfg.InitialTier)
	state := &callState{
		ring:    NewChunkRing(c.cfg.BufferSize),
		tracker: NewCallTracker(c.cfg.LatencyWindow),
		tier:    tier,
	}
	c.calls[callID] = state
	metrics.QualityTierGauge.WithLabelValues(callID).Set(float64(tier))
	return state
}

func (c *Controller) tierIndex(name string) int {
	for i, t := range c.cfg.Tiers {
		if t.Name == name {
			return i
		}
	}
	return 1
}

// optimizationTriggered reacts to a single chunk breaching the latency
// bound: the call is downgraded, the caches are cleared once per cooldown,
// and the call's buffer is compacted.
func (c *Controller) optimizationTriggered(callID string, latency time.Duration) {
	metrics.OptimizationsTriggeredTotal.Inc()
	log.Printf("WARNING: Chunk latency %v exceeded bound for call %s, optimizing", latency, callID)

	c.mu.Lock()
	state, ok := c.calls[callID]
	if ok && state.tier < len(c.cfg.Tiers)-1 {
		state.tier++
		metrics.QualityTierGauge.WithLabelValues(callID).Set(float64(state.tier))
	}
	clearCaches := time.Since(c.lastCacheClear) > c.cfg.OptimizeCooldown
	if clearCaches {
		c.lastCacheClear = time.Now()
	}
	c.mu.Unlock()

	if clearCaches {
		c.cache.ClearAll()
	}
	if ok {
		if dropped := state.ring.Compact(); dropped > 0 {
			log.Printf("Compacted buffer for call %s, dropped %d stale chunks", callID, dropped)
		}
	}
}

// controlPass inspects global health and sheds cost when the average
// processing time approaches the latency bound.
func (c *Controller) controlPass() {
	c.mu.Lock()
	type candidate struct {
		id      string
		state   *callState
		tracker *CallTracker
	}
	candidates := make([]candidate, 0, len(c.calls))
	for id, state := range c.calls {
		candidates = append(candidates, candidate{id: id, state: state, tracker: state.tracker})
	}
	c.mu.Unlock()

	if len(candidates) == 0 {
		return
	}
	var sum float64
	worstIdx := -1
	var worstAvg float64
	for i, cand := range candidates {
		avg := cand.tracker.AverageLatency()
		sum += avg
		if avg > worstAvg {
			worstAvg = avg
			worstIdx = i
		}
	}
	globalAvg := sum / float64(len(candidates))
	if globalAvg <= 0.8*float64(c.cfg.MaxLatency.Milliseconds()) {
		return
	}

	c.cache.Shrink(cacheShrinkFloor)
	for {
		current := c.compression.Load()
		lowered := current / 2
		if lowered < compressionFloor {
			lowered = compressionFloor
		}
		if c.compression.CompareAndSwap(current, lowered) {
			break
		}
	}
	c.mu.Lock()
	sink := c.sink
	c.mu.Unlock()
	if sink != nil {
		sink.SetCompressionThreshold(c.CompressionThreshold())
	}
	log.Printf("WARNING: Global average latency %.0fms near bound, shrinking caches and compression threshold", globalAvg)

	if worstIdx >= 0 {
		worst := candidates[worstIdx]
		c.mu.Lock()
		if worst.state.tier < len(c.cfg.Tiers)-1 {
			worst.state.tier++
			metrics.QualityTierGauge.WithLabelValues(worst.id).Set(float64(worst.state.tier))
			log.Printf("Downgraded worst performing call %s to %s", worst.id, c.cfg.Tiers[worst.state.tier].Name)
		}
		c.mu.Unlock()
	}
}
