package models

import (
	"strings"
	"time"
)

// AudioEncoding names the codec of a chunk payload.
type AudioEncoding string

const (
	EncodingPCM  AudioEncoding = "pcm"
	EncodingOpus AudioEncoding = "opus"
	EncodingAAC  AudioEncoding = "aac"
	EncodingMP3  AudioEncoding = "mp3"
)

// AudioChunk is one fragment of caller audio flowing through the pipeline.
// SequenceNumber is strictly increasing within a call.
type AudioChunk struct {
	ID             string        `json:"id"`
	CallID         string        `json:"call_id"`
	Timestamp      time.Time     `json:"timestamp"`
	SequenceNumber int64         `json:"sequence_number"`
	Payload        []byte        `json:"payload"`
	SampleRate     int           `json:"sample_rate"`
	ChannelCount   int           `json:"channel_count"`
	Encoding       AudioEncoding `json:"encoding"`
}

// PipelineResult is the outcome of processing one chunk. A result with only
// ProcessingLatencyMs populated is the canonical silence outcome.
type PipelineResult struct {
	ChunkID             string          `json:"chunk_id"`
	CallID              string          `json:"call_id"`
	Timestamp           time.Time       `json:"timestamp"`
	ProcessingLatencyMs float64         `json:"processing_latency_ms"`
	Transcript          *Transcript     `json:"transcript,omitempty"`
	Intent              *Intent         `json:"intent,omitempty"`
	Response            *Response       `json:"response,omitempty"`
	ResponseAudio       []byte          `json:"response_audio,omitempty"`
	ResponseEncoding    AudioEncoding   `json:"response_encoding,omitempty"`
	ResponseSampleRate  int             `json:"response_sample_rate,omitempty"`
	ResponseDurationMs  int64           `json:"response_duration_ms,omitempty"`
	QualityMetrics      *QualityMetrics `json:"quality_metrics,omitempty"`
}

// IsSilence reports whether the result is the canonical no-speech outcome.
func (r *PipelineResult) IsSilence() bool {
	return r.Transcript == nil && r.Response == nil
}

// Transcript is recognizer output for one chunk.
type Transcript struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Language   string  `json:"language,omitempty"`
}

// IntentCategory classifies the caller's purpose.
type IntentCategory string

const (
	IntentSalesCall       IntentCategory = "salesCall"
	IntentLoanOffer       IntentCategory = "loanOffer"
	IntentInvestmentPitch IntentCategory = "investmentPitch"
	IntentInsuranceSales  IntentCategory = "insuranceSales"
	IntentSurvey          IntentCategory = "survey"
	IntentTelemarketing   IntentCategory = "telemarketing"
	IntentUnknown         IntentCategory = "unknown"
)

// EmotionalTone describes the caller's delivery.
type EmotionalTone string

const (
	ToneNeutral    EmotionalTone = "neutral"
	ToneFriendly   EmotionalTone = "friendly"
	ToneAggressive EmotionalTone = "aggressive"
	TonePersuasive EmotionalTone = "persuasive"
	ToneUrgent     EmotionalTone = "urgent"
	ToneConfused   EmotionalTone = "confused"
)

// Intent is the structured classification of one caller utterance.
type Intent struct {
	Label         string            `json:"label"`
	Confidence    float64           `json:"confidence"`
	Category      IntentCategory    `json:"category"`
	EmotionalTone EmotionalTone     `json:"emotional_tone"`
	Entities      map[string]string `json:"entities,omitempty"`
}

// ResponseStrategy names the escalation rung a response was generated on.
type ResponseStrategy string

const (
	StrategyPoliteDecline        ResponseStrategy = "politeDecline"
	StrategyFirmRejection        ResponseStrategy = "firmRejection"
	StrategyHumorDeflection      ResponseStrategy = "humorDeflection"
	StrategyInformationGathering ResponseStrategy = "informationGathering"
	StrategyCallTermination      ResponseStrategy = "callTermination"
)

// TerminationKeywords are phrases that force shouldTerminate regardless of
// strategy.
var TerminationKeywords = []string{"再见", "挂了", "挂断", "goodbye", "hanging up"}

// Response is the generated reply for one caller utterance.
type Response struct {
	Text            string           `json:"text"`
	ShouldTerminate bool             `json:"should_terminate"`
	Confidence      float64          `json:"confidence"`
	Strategy        ResponseStrategy `json:"strategy"`
}

// ContainsTerminationKeyword reports whether the text carries any phrase from
// the fixed termination set.
func ContainsTerminationKeyword(text string) bool {
	lowered := strings.ToLower(text)
	for _, kw := range TerminationKeywords {
		if strings.Contains(lowered, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// QualityMetrics is the rolling per-call quality snapshot.
type QualityMetrics struct {
	AudioLevel    float64 `json:"audio_level"`
	SignalToNoise float64 `json:"signal_to_noise"`
	Jitter        float64 `json:"jitter"`
	PacketLoss    float64 `json:"packet_loss"`
	RoundTripMs   float64 `json:"round_trip_ms"`
}

// CallContext carries the conversational hints handed to the intent
// classifier and response generator.
type CallContext struct {
	CallID            string        `json:"call_id"`
	RecentTranscripts []string      `json:"recent_transcripts"`
	RecentIntents     []Intent      `json:"recent_intents"`
	Duration          time.Duration `json:"duration"`
	MessageCount      int           `json:"message_count"`
}

// PersonalityProfile shapes generated responses per user.
type PersonalityProfile struct {
	Name       string  `json:"name"`
	Style      string  `json:"style"`
	Politeness string  `json:"politeness"`
	Voice      string  `json:"voice"`
	Speed      float64 `json:"speed"`
	Pitch      float64 `json:"pitch"`
}

// DefaultPersonality is used when the user has no stored profile.
func DefaultPersonality() *PersonalityProfile {
	return &PersonalityProfile{
		Name:       "assistant",
		Style:      "concise",
		Politeness: "polite",
		Voice:      "female_calm",
		Speed:      1.0,
		Pitch:      1.0,
	}
}
