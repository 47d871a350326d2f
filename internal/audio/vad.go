package audio

import (
	"encoding/binary"
	"math"
	"sync"
)

// Decision is the speech gate outcome for one chunk, together with the
// features of its loudest frame.
type Decision struct {
	Speech     bool
	Energy     float64
	ZeroCross  float64
	Centroid   float64
	Rolloff    float64
	BandRatio  float64
	Background float64
}

// Gate decides whether a chunk contains speech.
type Gate interface {
	Voiced(pcm []byte) (Decision, error)
}

// DetectorConfig tunes the feature gate.
type DetectorConfig struct {
	SampleRate    int
	FrameMs       int
	BaseThreshold float64
	HangoverMs    int
}

// DefaultDetectorConfig returns the stock 16 kHz configuration.
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		SampleRate:    PipelineSampleRate,
		FrameMs:       20,
		BaseThreshold: 0.01,
		HangoverMs:    300,
	}
}

const (
	backgroundAlpha = 0.05

	// Voiced speech sits between line hum and broadband hiss.
	minSpeechZCR = 0.02
	maxSpeechZCR = 0.45

	// Telephony voice band for the band-energy ratio.
	voiceBandLowHz  = 300
	voiceBandHighHz = 3400
	minBandRatio    = 0.4

	rolloffFraction = 0.85
)

// Detector is the energy and spectral feature speech gate. State is per
// call: the background estimate adapts to the line.
type Detector struct {
	cfg DetectorConfig

	mu           sync.Mutex
	background   float64
	hangoverLeft int
}

// NewDetector creates a feature gate, filling zero config fields with
// defaults.
func NewDetector(cfg DetectorConfig) *Detector {
	def := DefaultDetectorConfig()
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = def.SampleRate
	}
	if cfg.FrameMs <= 0 {
		cfg.FrameMs = def.FrameMs
	}
	if cfg.BaseThreshold <= 0 {
		cfg.BaseThreshold = def.BaseThreshold
	}
	if cfg.HangoverMs < 0 {
		cfg.HangoverMs = def.HangoverMs
	}
	return &Detector{cfg: cfg}
}

// Voiced analyses the chunk frame by frame. The chunk counts as speech when
// any frame passes the gate or falls inside the hangover window.
func (d *Detector) Voiced(pcm []byte) (Decision, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	samples := pcmToFloat(pcm)
	if len(samples) == 0 {
		return Decision{Background: d.background}, nil
	}

	frameLen := d.cfg.SampleRate * d.cfg.FrameMs / 1000
	if frameLen <= 0 || frameLen > len(samples) {
		frameLen = len(samples)
	}
	hangoverFrames := d.cfg.HangoverMs / d.cfg.FrameMs

	var out Decision
	for start := 0; start < len(samples); start += frameLen {
		end := start + frameLen
		if end > len(samples) {
			end = len(samples)
		}
		feats := analyzeFrame(samples[start:end], d.cfg.SampleRate)

		// The background estimate seeds from genuinely quiet frames and
		// then follows anything that stays near the floor.
		if d.background == 0 {
			if feats.Energy < d.cfg.BaseThreshold {
				d.background = feats.Energy
			}
		} else if feats.Energy < 2*d.background {
			d.background = (1-backgroundAlpha)*d.background + backgroundAlpha*feats.Energy
		}

		threshold := math.Max(d.background*3, d.cfg.BaseThreshold)
		voiced := feats.Energy > threshold &&
			feats.ZeroCross >= minSpeechZCR && feats.ZeroCross <= maxSpeechZCR &&
			feats.BandRatio >= minBandRatio

		if voiced {
			d.hangoverLeft = hangoverFrames
		} else if d.hangoverLeft > 0 {
			d.hangoverLeft--
			voiced = true
		}

		if voiced {
			out.Speech = true
		}
		if feats.Energy >= out.Energy {
			out.Energy = feats.Energy
			out.ZeroCross = feats.ZeroCross
			out.Centroid = feats.Centroid
			out.Rolloff = feats.Rolloff
			out.BandRatio = feats.BandRatio
		}
	}
	out.Background = d.background
	return out, nil
}

// Reset clears adaptive state between calls.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.background = 0
	d.hangoverLeft = 0
}

type frameFeatures struct {
	Energy    float64
	ZeroCross float64
	Centroid  float64
	Rolloff   float64
	BandRatio float64
}

func analyzeFrame(frame []float64, sampleRate int) frameFeatures {
	var feats frameFeatures
	if len(frame) == 0 {
		return feats
	}

	var sumSq float64
	crossings := 0
	for i, s := range frame {
		sumSq += s * s
		if i > 0 && (s >= 0) != (frame[i-1] >= 0) {
			crossings++
		}
	}
	feats.Energy = sumSq / float64(len(frame))
	if len(frame) > 1 {
		feats.ZeroCross = float64(crossings) / float64(len(frame)-1)
	}

	spectrum := magnitudeSpectrum(frame)
	if len(spectrum) == 0 {
		return feats
	}
	binHz := float64(sampleRate) / float64(2*len(spectrum))

	var total, weighted, band float64
	powers := make([]float64, len(spectrum))
	for i, m := range spectrum {
		p := m * m
		powers[i] = p
		total += p
		freq := float64(i) * binHz
		weighted += p * freq
		if freq >= voiceBandLowHz && freq <= voiceBandHighHz {
			band += p
		}
	}
	if total > 0 {
		feats.Centroid = weighted / total
		feats.BandRatio = band / total

		target := total * rolloffFraction
		var acc float64
		for i, p := range powers {
			acc += p
			if acc >= target {
				feats.Rolloff = float64(i) * binHz
				break
			}
		}
	}
	return feats
}

// magnitudeSpectrum returns the positive-frequency magnitudes of the frame,
// zero-padded to the next power of two.
func magnitudeSpectrum(frame []float64) []float64 {
	n := 1
	for n < len(frame) {
		n <<= 1
	}
	if n < 2 {
		return nil
	}
	re := make([]float64, n)
	im := make([]float64, n)
	copy(re, frame)

	fft(re, im)

	mags := make([]float64, n/2)
	for i := range mags {
		mags[i] = math.Hypot(re[i], im[i])
	}
	return mags
}

// fft is an in-place iterative radix-2 transform; len(re) must be a power of
// two.
func fft(re, im []float64) {
	n := len(re)
	if n < 2 {
		return
	}

	for i, j := 1, 0; i < n; i++ {
		bit := n >> 1
		for ; j&bit != 0; bit >>= 1 {
			j ^= bit
		}
		j |= bit
		if i < j {
			re[i], re[j] = re[j], re[i]
			im[i], im[j] = im[j], im[i]
		}
	}

	for size := 2; size <= n; size <<= 1 {
		half := size / 2
		step := -2 * math.Pi / float64(size)
		for start := 0; start < n; start += size {
			for k := 0; k < half; k++ {
				angle := step * float64(k)
				wr, wi := math.Cos(angle), math.Sin(angle)
				i := start + k
				j := i + half
				tr := wr*re[j] - wi*im[j]
				ti := wr*im[j] + wi*re[j]
				re[j] = re[i] - tr
				im[j] = im[i] - ti
				re[i] += tr
				im[i] += ti
			}
		}
	}
}

// pcmToFloat converts s16le PCM bytes to samples in [-1, 1).
func pcmToFloat(pcm []byte) []float64 {
	n := len(pcm) / BytesPerSample
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		s := int16(binary.LittleEndian.Uint16(pcm[i*BytesPerSample:]))
		out[i] = float64(s) / 32768.0
	}
	return out
}

// floatToPCM converts samples back to s16le bytes with clipping.
func floatToPCM(samples []float64) []byte {
	out := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		if s > 1 {
			s = 1
		}
		if s < -1 {
			s = -1
		}
		binary.LittleEndian.PutUint16(out[i*BytesPerSample:], uint16(int16(s*32767)))
	}
	return out
}
