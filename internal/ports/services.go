// Package ports defines the interfaces between the voice core and its
// adapters. Domain code depends on these, never on concrete adapters.
package ports

import (
	"context"

	"github.com/voxguard/voxguard/internal/domain/models"
)

// Recognizer converts canonical audio into text. Implementations wrap the
// external ASR service with a circuit breaker.
type Recognizer interface {
	// Transcribe submits WAV-wrapped PCM and returns the transcript. An
	// empty transcript means no recognizable speech.
	Transcribe(ctx context.Context, audio []byte, format string) (*models.Transcript, error)
}

// SynthesisOptions shape a synthesis request.
type SynthesisOptions struct {
	Voice        string
	Speed        float64
	Pitch        float64
	OutputFormat models.AudioEncoding
	SampleRate   int
}

// SynthesisResult is the synthesizer's output.
type SynthesisResult struct {
	AudioData  []byte
	Encoding   models.AudioEncoding
	SampleRate int
	DurationMs int64
}

// Synthesizer converts response text into audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string, opts *SynthesisOptions) (*SynthesisResult, error)
}

// IntentClassifier maps one utterance plus call context to a structured
// intent. Implementations must not propagate upstream failures: the pipeline
// relies on the keyword fallback inside the adapter.
type IntentClassifier interface {
	Classify(ctx context.Context, text string, callCtx *models.CallContext) (*models.Intent, error)
}

// ResponseGenerator produces the assistant's reply for a classified intent.
type ResponseGenerator interface {
	Generate(ctx context.Context, intent *models.Intent, callCtx *models.CallContext, profile *models.PersonalityProfile) (*models.Response, error)
}

// Event is one cross-instance notification. Values are immutable once
// published.
type Event struct {
	Kind    string            `json:"kind"`
	CallID  string            `json:"call_id,omitempty"`
	Payload map[string]string `json:"payload,omitempty"`
	At      int64             `json:"at"`
}

// Event kinds on the call channel.
const (
	EventCallTransfer   = "callTransfer"
	EventCallTerminate  = "callTerminate"
	EventResultEmitted  = "resultEmitted"
	EventPeerMembership = "peerMembership"
)

// CallEventsChannel is the cross-instance channel call events ride on.
const CallEventsChannel = "voxguard_call_events"

// EventBus is the cross-instance channel sessions subscribe to. Unsubscribe
// via the returned cancel function.
type EventBus interface {
	Publish(ctx context.Context, channel string, event Event) error
	Subscribe(ctx context.Context, channel string) (<-chan Event, func(), error)
}

// AuthClaims is the identity extracted from an admission token.
type AuthClaims struct {
	UserID   string
	DeviceID string
	CallID   string
}

// TokenVerifier validates admission tokens; issuance is external.
type TokenVerifier interface {
	Verify(token string) (*AuthClaims, error)
}

// IDGenerator mints prefixed identifiers for domain entities.
type IDGenerator interface {
	GenerateSessionID() string
	GenerateCallID() string
	GeneratePeerID() string
	GenerateRoomID() string
	GenerateConnectionID() string
	GenerateDeviceID() string
	GenerateChunkID() string
}
