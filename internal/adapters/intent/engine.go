// Package intent classifies caller utterances and generates replies through an
// OpenAI-compatible chat service. Without a configured URL the engine runs on
// the built-in keyword classifier and response templates; the same built-ins
// back every upstream failure, so a caller is never left without an answer.
package intent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/voxguard/voxguard/internal/adapters/circuitbreaker"
	"github.com/voxguard/voxguard/internal/adapters/metrics"
	"github.com/voxguard/voxguard/internal/adapters/retry"
	"github.com/voxguard/voxguard/pkg/otel"
)

const (
	chatCompletionsPath = "/chat/completions"
	maxErrorBody        = 256
)

// Config holds the chat service settings. An empty URL selects the built-in
// keyword and template mode.
type Config struct {
	URL         string
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
}

func DefaultConfig() Config {
	return Config{
		Model:       "Qwen/Qwen3-8B-AWQ",
		MaxTokens:   256,
		Temperature: 0.7,
		Timeout:     8 * time.Second,
	}
}

// Engine implements both the intent classifier and the response generator;
// classification and generation share one upstream service and one breaker.
type Engine struct {
	cfg     Config
	url     string
	http    *http.Client
	retry   retry.BackoffConfig
	breaker *circuitbreaker.CircuitBreaker
}

func New(cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = def.MaxTokens
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = def.Temperature
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}

	bcfg := circuitbreaker.DefaultConfig("responder")
	bcfg.CallTimeout = cfg.Timeout
	breaker := circuitbreaker.New(bcfg)
	breaker.OnStateChange(breakerGauge)

	e := &Engine{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		retry:   retry.RealtimeConfig(),
		breaker: breaker,
	}
	if cfg.URL != "" {
		e.url = strings.TrimRight(cfg.URL, "/") + chatCompletionsPath
	}
	return e
}

// remote reports whether a chat service is configured.
func (e *Engine) remote() bool {
	return e.url != ""
}

// Stats exposes the breaker snapshot for the ops endpoints.
func (e *Engine) Stats() circuitbreaker.Stats {
	return e.breaker.Stats()
}

// breakerGauge keeps the breaker state metric current.
func breakerGauge(name string, _, to circuitbreaker.State) {
	metrics.BreakerState.WithLabelValues(name).Set(float64(to))
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	Temperature    float64         `json:"temperature"`
	Stream         bool            `json:"stream"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
}

// chat runs one retried chat completion and returns the first choice's
// content. operation labels the latency histogram.
func (e *Engine) chat(ctx context.Context, operation string, messages []chatMessage, jsonReply bool) (string, error) {
	ctx, span := otel.Tracer("voxguard-intent").Start(ctx, "llm.chat",
		trace.WithAttributes(
			otel.LLMModel(e.cfg.Model),
			otel.LLMOperation(operation),
		))
	defer span.End()

	req := chatRequest{
		Model:       e.cfg.Model,
		Messages:    messages,
		MaxTokens:   e.cfg.MaxTokens,
		Temperature: e.cfg.Temperature,
	}
	if jsonReply {
		req.ResponseFormat = &responseFormat{Type: "json_object"}
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}

	var (
		reply    chatResponse
		failBody []byte
	)
	started := time.Now()
	err = retry.WithBackoffHTTP(ctx, e.retry, func() (int, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(payload))
		if err != nil {
			return 0, err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		if e.cfg.APIKey != "" {
			httpReq.Header.Set("Authorization", "Bearer "+e.cfg.APIKey)
		}

		resp, err := e.http.Do(httpReq)
		if err != nil {
			return 0, err
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return resp.StatusCode, fmt.Errorf("read reply: %w", err)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			// Completed exchange: report the status without an error so
			// retryability is decided from the code alone.
			failBody = body
			return resp.StatusCode, nil
		}
		if err := json.Unmarshal(body, &reply); err != nil {
			return resp.StatusCode, fmt.Errorf("decode reply: %w", err)
		}
		return resp.StatusCode, nil
	})
	metrics.ResponderRequestDuration.WithLabelValues(operation).Observe(time.Since(started).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "chat completion failed")
		if len(failBody) > 0 {
			return "", fmt.Errorf("%w: %s", err, truncateBody(failBody))
		}
		return "", err
	}
	if len(reply.Choices) == 0 {
		span.SetStatus(codes.Error, "chat reply carries no choices")
		return "", fmt.Errorf("chat reply carries no choices")
	}
	return reply.Choices[0].Message.Content, nil
}

func truncateBody(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > maxErrorBody {
		return s[:maxErrorBody] + "..."
	}
	return s
}
