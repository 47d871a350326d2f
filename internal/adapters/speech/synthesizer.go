package speech

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/voxguard/voxguard/internal/adapters/circuitbreaker"
	"github.com/voxguard/voxguard/internal/adapters/metrics"
	"github.com/voxguard/voxguard/internal/domain"
	"github.com/voxguard/voxguard/internal/domain/models"
	"github.com/voxguard/voxguard/internal/ports"
	"github.com/voxguard/voxguard/pkg/otel"
)

const synthesizePath = "/v1/synthesize"

// SynthesizerConfig points at the speech synthesis service and fixes the
// defaults a request falls back to when the caller's voice profile leaves a
// field unset.
type SynthesizerConfig struct {
	URL        string
	APIKey     string
	Model      string
	Voice      string
	Speed      float64
	Format     models.AudioEncoding
	SampleRate int
	Timeout    time.Duration
}

func DefaultSynthesizerConfig() SynthesizerConfig {
	return SynthesizerConfig{
		URL:        "http://localhost:8202",
		Model:      "kokoro",
		Voice:      "female_calm",
		Speed:      1.0,
		Format:     models.EncodingPCM,
		SampleRate: 16000,
		Timeout:    10 * time.Second,
	}
}

// Synthesizer implements ports.Synthesizer against the synthesis HTTP
// service. The reply body is the audio itself.
type Synthesizer struct {
	cfg     SynthesizerConfig
	client  *client
	breaker *circuitbreaker.CircuitBreaker
}

func NewSynthesizer(cfg SynthesizerConfig) *Synthesizer {
	def := DefaultSynthesizerConfig()
	if cfg.URL == "" {
		cfg.URL = def.URL
	}
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	if cfg.Voice == "" {
		cfg.Voice = def.Voice
	}
	if cfg.Speed <= 0 {
		cfg.Speed = def.Speed
	}
	if cfg.Format == "" {
		cfg.Format = def.Format
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = def.SampleRate
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	bcfg := circuitbreaker.DefaultConfig("synthesizer")
	bcfg.CallTimeout = cfg.Timeout
	breaker := circuitbreaker.New(bcfg)
	breaker.OnStateChange(breakerGauge)
	return &Synthesizer{
		cfg:     cfg,
		client:  newClient(cfg.URL, cfg.APIKey, cfg.Timeout),
		breaker: breaker,
	}
}

type synthesizeRequest struct {
	Text   string  `json:"text"`
	Voice  string  `json:"voice"`
	Speed  float64 `json:"speed,omitempty"`
	Pitch  float64 `json:"pitch,omitempty"`
	Format string  `json:"format,omitempty"`
	Model  string  `json:"model,omitempty"`
}

func (s *Synthesizer) Synthesize(ctx context.Context, text string, opts *ports.SynthesisOptions) (*ports.SynthesisResult, error) {
	if text == "" {
		return nil, fmt.Errorf("%w: empty text", domain.ErrInvalidInput)
	}

	var out *ports.SynthesisResult
	err := s.breaker.Execute(ctx, func(ctx context.Context) error {
		var serr error
		out, serr = s.synthesize(ctx, text, opts)
		return serr
	})
	return out, err
}

func (s *Synthesizer) synthesize(ctx context.Context, text string, opts *ports.SynthesisOptions) (*ports.SynthesisResult, error) {
	req := synthesizeRequest{
		Text:   text,
		Voice:  s.cfg.Voice,
		Speed:  s.cfg.Speed,
		Format: string(s.cfg.Format),
		Model:  s.cfg.Model,
	}
	rate := s.cfg.SampleRate
	if opts != nil {
		if opts.Voice != "" {
			req.Voice = opts.Voice
		}
		if opts.Speed > 0 {
			req.Speed = opts.Speed
		}
		if opts.Pitch != 0 {
			req.Pitch = opts.Pitch
		}
		if opts.OutputFormat != "" {
			req.Format = string(opts.OutputFormat)
		}
		if opts.SampleRate > 0 {
			rate = opts.SampleRate
		}
	}

	ctx, span := otel.Tracer("voxguard-speech").Start(ctx, "tts.synthesize",
		trace.WithAttributes(
			otel.TTSModel(req.Model),
			otel.TTSVoice(req.Voice),
			otel.TTSTextChars(len(text)),
		))
	defer span.End()

	started := time.Now()
	audio, _, err := s.client.postJSON(ctx, synthesizePath, req)
	metrics.SynthesizerRequestDuration.Observe(time.Since(started).Seconds())
	span.SetAttributes(otel.TTSLatencyMs(time.Since(started).Milliseconds()))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "synthesis request failed")
		return nil, fmt.Errorf("synthesize: %w", err)
	}
	if len(audio) == 0 {
		span.SetStatus(codes.Error, "empty audio reply")
		return nil, fmt.Errorf("synthesize: empty audio reply")
	}

	enc := models.AudioEncoding(req.Format)
	return &ports.SynthesisResult{
		AudioData:  audio,
		Encoding:   enc,
		SampleRate: rate,
		DurationMs: pcmDurationMs(enc, len(audio), rate),
	}, nil
}

// pcmDurationMs derives the clip length for raw PCM (16-bit mono). Encoded
// formats would need a container parse, so they report zero.
func pcmDurationMs(enc models.AudioEncoding, size, rate int) int64 {
	if enc != models.EncodingPCM || rate <= 0 {
		return 0
	}
	samples := size / 2
	return int64(samples) * 1000 / int64(rate)
}

// Stats exposes the breaker snapshot for the ops surface.
func (s *Synthesizer) Stats() circuitbreaker.Stats {
	return s.breaker.Stats()
}
