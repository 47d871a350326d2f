package audio

import (
	"math"
	"sync"
	"time"
)

// ProcessorConfig holds the tunable DSP parameters for one call.
type ProcessorConfig struct {
	SampleRate      int
	NoiseReduction  int
	EchoTailMs      int
	EchoSuppression float64
	AGCTargetRMS    float64
}

// DefaultProcessorConfig returns the stock processing chain: light noise
// reduction, echo suppression off, AGC aiming at a moderate level.
func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		SampleRate:      PipelineSampleRate,
		NoiseReduction:  1,
		EchoTailMs:      0,
		EchoSuppression: 0.7,
		AGCTargetRMS:    0.1,
	}
}

const (
	maxNoiseReduction = 3
	maxEchoTailMs     = 240
	echoTailStepMs    = 40

	agcMinGain   = 0.25
	agcMaxGain   = 4.0
	agcSmoothing = 0.2

	noiseFloorAlpha  = 0.02
	noiseSeedCeiling = 0.05

	dcFilterR = 0.995
)

// Processor runs the per-call enhancement chain on normalized PCM. Tuning
// changes made through Optimize or SetNoiseReduction apply from the next
// chunk onward.
type Processor struct {
	mu  sync.Mutex
	cfg ProcessorConfig

	dcPrevIn    float64
	dcPrevOut   float64
	noiseFloor  float64
	gain        float64
	farEndUntil time.Time
}

// NewProcessor creates a processor, filling zero config fields with
// defaults and clamping out-of-range ones.
func NewProcessor(cfg ProcessorConfig) *Processor {
	def := DefaultProcessorConfig()
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = def.SampleRate
	}
	if cfg.NoiseReduction < 0 {
		cfg.NoiseReduction = 0
	}
	if cfg.NoiseReduction > maxNoiseReduction {
		cfg.NoiseReduction = maxNoiseReduction
	}
	if cfg.EchoTailMs < 0 {
		cfg.EchoTailMs = 0
	}
	if cfg.EchoTailMs > maxEchoTailMs {
		cfg.EchoTailMs = maxEchoTailMs
	}
	if cfg.EchoSuppression <= 0 || cfg.EchoSuppression > 1 {
		cfg.EchoSuppression = def.EchoSuppression
	}
	return &Processor{cfg: cfg, gain: 1.0}
}

// Process runs the chain over one chunk and returns the enhanced PCM.
func (p *Processor) Process(pcm []byte) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()

	samples := pcmToFloat(pcm)
	if len(samples) == 0 {
		return pcm
	}

	p.removeDC(samples)
	if p.cfg.NoiseReduction > 0 {
		p.gateNoise(samples)
	}
	if p.cfg.EchoTailMs > 0 && time.Now().Before(p.farEndUntil) {
		damp := 1 - p.cfg.EchoSuppression
		for i := range samples {
			samples[i] *= damp
		}
	}
	if p.cfg.AGCTargetRMS > 0 {
		p.applyGain(samples)
	}
	return floatToPCM(samples)
}

// NoteFarEnd marks the interval during which our own synthesized audio is
// playing at the caller side, so the echo suppressor can damp the return
// path for the playback duration plus the configured tail.
func (p *Processor) NoteFarEnd(playback time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cfg.EchoTailMs <= 0 {
		return
	}
	until := time.Now().Add(playback + time.Duration(p.cfg.EchoTailMs)*time.Millisecond)
	if until.After(p.farEndUntil) {
		p.farEndUntil = until
	}
}

// Optimize nudges the chain in response to call health. Latency pressure
// wins over quality pressure: it cheapens the chain, while low quality
// spends more on it.
func (p *Processor) Optimize(overLatency, underQuality bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if overLatency {
		if p.cfg.NoiseReduction > 0 {
			p.cfg.NoiseReduction--
		}
		if p.cfg.EchoTailMs > 0 {
			p.cfg.EchoTailMs -= echoTailStepMs
			if p.cfg.EchoTailMs < 0 {
				p.cfg.EchoTailMs = 0
			}
		}
		return
	}
	if underQuality {
		if p.cfg.NoiseReduction < maxNoiseReduction {
			p.cfg.NoiseReduction++
		}
		if p.cfg.EchoTailMs < maxEchoTailMs {
			p.cfg.EchoTailMs += echoTailStepMs
			if p.cfg.EchoTailMs > maxEchoTailMs {
				p.cfg.EchoTailMs = maxEchoTailMs
			}
		}
	}
}

// Config returns a snapshot of the current parameters.
func (p *Processor) Config() ProcessorConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg
}

// SetNoiseReduction overrides the aggressiveness level, clamped to the
// supported range.
func (p *Processor) SetNoiseReduction(level int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if level < 0 {
		level = 0
	}
	if level > maxNoiseReduction {
		level = maxNoiseReduction
	}
	p.cfg.NoiseReduction = level
}

// removeDC applies a one-pole high-pass to strip DC offset.
func (p *Processor) removeDC(samples []float64) {
	for i, s := range samples {
		out := s - p.dcPrevIn + dcFilterR*p.dcPrevOut
		p.dcPrevIn = s
		p.dcPrevOut = out
		samples[i] = out
	}
}

// gateNoise attenuates chunks that sit at the adaptive noise floor. The
// floor seeds only from genuinely quiet audio so that speech arriving on a
// fresh call is never gated.
func (p *Processor) gateNoise(samples []float64) {
	var sumSq float64
	for _, s := range samples {
		sumSq += s * s
	}
	rms := math.Sqrt(sumSq / float64(len(samples)))

	if p.noiseFloor == 0 {
		if rms < noiseSeedCeiling {
			p.noiseFloor = rms
		}
	} else if rms < 2*p.noiseFloor {
		p.noiseFloor = (1-noiseFloorAlpha)*p.noiseFloor + noiseFloorAlpha*rms
	}
	if p.noiseFloor == 0 {
		return
	}

	level := float64(p.cfg.NoiseReduction)
	gateThreshold := p.noiseFloor * (1 + 0.5*level)
	if rms >= gateThreshold {
		return
	}
	attenuation := 1 / (1 + level)
	for i := range samples {
		samples[i] *= attenuation
	}
}

// applyGain runs the slow AGC loop toward the target RMS.
func (p *Processor) applyGain(samples []float64) {
	var sumSq float64
	for _, s := range samples {
		sumSq += s * s
	}
	rms := math.Sqrt(sumSq / float64(len(samples)))
	if rms > 0 {
		desired := p.cfg.AGCTargetRMS / rms
		if desired < agcMinGain {
			desired = agcMinGain
		}
		if desired > agcMaxGain {
			desired = agcMaxGain
		}
		p.gain += agcSmoothing * (desired - p.gain)
	}
	for i := range samples {
		samples[i] *= p.gain
	}
}
