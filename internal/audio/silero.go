package audio

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/streamer45/silero-vad-go/speech"
)

const (
	sileroThreshold     = 0.5
	sileroMinSilenceMs  = 300
	sileroSpeechPadMs   = 100
	sileroWindowSamples = 512
)

// SileroGate is the model-based speech gate. It satisfies the same Gate
// contract as Detector and replaces it when a model path is configured.
type SileroGate struct {
	mu       sync.Mutex
	detector *speech.Detector
	speaking bool
}

// NewSileroGate loads the ONNX model and prepares a detector at the
// pipeline sample rate.
func NewSileroGate(modelPath string) (*SileroGate, error) {
	detector, err := speech.NewDetector(speech.DetectorConfig{
		ModelPath:            modelPath,
		SampleRate:           PipelineSampleRate,
		Threshold:            sileroThreshold,
		MinSilenceDurationMs: sileroMinSilenceMs,
		SpeechPadMs:          sileroSpeechPadMs,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create silero detector: %w", err)
	}
	return &SileroGate{detector: detector}, nil
}

// Voiced feeds the chunk to the model and tracks whether a speech turn is
// open. Chunks shorter than the model window keep the previous verdict.
func (g *SileroGate) Voiced(pcm []byte) (Decision, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.detector == nil {
		return Decision{}, fmt.Errorf("silero detector closed")
	}

	n := len(pcm) / BytesPerSample
	samples := make([]float32, n)
	var sumSq float64
	for i := 0; i < n; i++ {
		s := int16(binary.LittleEndian.Uint16(pcm[i*BytesPerSample:]))
		f := float32(s) / 32768.0
		samples[i] = f
		sumSq += float64(f) * float64(f)
	}
	var energy float64
	if n > 0 {
		energy = sumSq / float64(n)
	}

	if n < sileroWindowSamples {
		return Decision{Speech: g.speaking, Energy: energy}, nil
	}

	segments, err := g.detector.Detect(samples)
	if err != nil {
		return Decision{}, fmt.Errorf("silero detection failed: %w", err)
	}
	for _, seg := range segments {
		if seg.SpeechStartAt >= 0 {
			g.speaking = true
		}
		if seg.SpeechEndAt > 0 {
			g.speaking = false
		}
	}
	return Decision{
		Speech: g.speaking || len(segments) > 0,
		Energy: energy,
	}, nil
}

// Reset clears model state between calls.
func (g *SileroGate) Reset() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.speaking = false
	if g.detector == nil {
		return nil
	}
	if err := g.detector.Reset(); err != nil {
		return fmt.Errorf("failed to reset silero detector: %w", err)
	}
	return nil
}

// Close releases the ONNX runtime resources.
func (g *SileroGate) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.detector == nil {
		return nil
	}
	if err := g.detector.Destroy(); err != nil {
		return fmt.Errorf("failed to destroy silero detector: %w", err)
	}
	g.detector = nil
	return nil
}
