package speech

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/voxguard/voxguard/internal/adapters/circuitbreaker"
	"github.com/voxguard/voxguard/internal/adapters/metrics"
	"github.com/voxguard/voxguard/internal/domain"
	"github.com/voxguard/voxguard/internal/domain/models"
	"github.com/voxguard/voxguard/pkg/otel"
)

const transcribePath = "/v1/transcribe"

// RecognizerConfig points at the speech recognition service.
type RecognizerConfig struct {
	URL      string
	APIKey   string
	Model    string
	Language string // empty lets the service autodetect
	Timeout  time.Duration
}

func DefaultRecognizerConfig() RecognizerConfig {
	return RecognizerConfig{
		URL:     "http://localhost:8201",
		Model:   "whisper-large-v3",
		Timeout: 10 * time.Second,
	}
}

// Recognizer implements ports.Recognizer against the transcription HTTP
// service.
type Recognizer struct {
	cfg     RecognizerConfig
	client  *client
	breaker *circuitbreaker.CircuitBreaker
}

func NewRecognizer(cfg RecognizerConfig) *Recognizer {
	def := DefaultRecognizerConfig()
	if cfg.URL == "" {
		cfg.URL = def.URL
	}
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	bcfg := circuitbreaker.DefaultConfig("recognizer")
	bcfg.CallTimeout = cfg.Timeout
	breaker := circuitbreaker.New(bcfg)
	breaker.OnStateChange(breakerGauge)
	return &Recognizer{
		cfg:     cfg,
		client:  newClient(cfg.URL, cfg.APIKey, cfg.Timeout),
		breaker: breaker,
	}
}

type transcribeResponse struct {
	Text     string              `json:"text"`
	Language string              `json:"language,omitempty"`
	Segments []transcribeSegment `json:"segments,omitempty"`
}

type transcribeSegment struct {
	Text         string  `json:"text"`
	Start        float64 `json:"start,omitempty"`
	End          float64 `json:"end,omitempty"`
	NoSpeechProb float64 `json:"no_speech_prob,omitempty"`
}

// Transcribe submits WAV-wrapped audio and returns the transcript. An empty
// transcript text means the service heard no speech; the pipeline
// short-circuits on it.
func (r *Recognizer) Transcribe(ctx context.Context, audio []byte, format string) (*models.Transcript, error) {
	if len(audio) == 0 {
		return nil, fmt.Errorf("%w: empty audio", domain.ErrInvalidInput)
	}
	if format == "" {
		format = "wav"
	}

	var out *models.Transcript
	err := r.breaker.Execute(ctx, func(ctx context.Context) error {
		var terr error
		out, terr = r.transcribe(ctx, audio, format)
		return terr
	})
	return out, err
}

func (r *Recognizer) transcribe(ctx context.Context, audio []byte, format string) (*models.Transcript, error) {
	ctx, span := otel.Tracer("voxguard-speech").Start(ctx, "asr.transcribe",
		trace.WithAttributes(
			otel.ASRModel(r.cfg.Model),
			otel.AudioBytes(len(audio)),
		))
	defer span.End()

	fields := map[string]string{
		"model":           r.cfg.Model,
		"response_format": "verbose_json",
	}
	if r.cfg.Language != "" {
		fields["language"] = r.cfg.Language
	}

	started := time.Now()
	var resp transcribeResponse
	err := r.client.postMultipart(ctx, transcribePath, fields, "file", "audio."+format, audio, &resp)
	metrics.RecognizerRequestDuration.Observe(time.Since(started).Seconds())
	span.SetAttributes(otel.ASRLatencyMs(time.Since(started).Milliseconds()))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transcription request failed")
		return nil, fmt.Errorf("transcribe: %w", err)
	}

	return &models.Transcript{
		Text:       strings.TrimSpace(resp.Text),
		Confidence: transcriptConfidence(resp),
		Language:   resp.Language,
	}, nil
}

// transcriptConfidence is the mean speech probability over the segments.
// Services that omit segment detail give no signal either way, so a
// non-empty text counts as confident.
func transcriptConfidence(resp transcribeResponse) float64 {
	if len(resp.Segments) == 0 {
		if strings.TrimSpace(resp.Text) == "" {
			return 0
		}
		return 1
	}
	var sum float64
	for _, seg := range resp.Segments {
		sum += 1 - seg.NoSpeechProb
	}
	return sum / float64(len(resp.Segments))
}

// Stats exposes the breaker snapshot for the ops surface.
func (r *Recognizer) Stats() circuitbreaker.Stats {
	return r.breaker.Stats()
}

// breakerGauge keeps the breaker state metric current.
func breakerGauge(name string, from, to circuitbreaker.State) {
	metrics.BreakerState.WithLabelValues(name).Set(float64(to))
}
