// Package protocol defines the versioned message envelope exchanged between
// peers and the voice core over WebSocket and WebRTC data-channel transports.
package protocol

// Version is the protocol version stamped on every envelope. Envelopes
// carrying any other version are rejected before dispatch.
const Version = "2.0"

// MaxFrameSize is the largest serialized envelope accepted on any transport.
const MaxFrameSize = 2 << 20 // 2 MB

// MessageType identifies the payload carried by an envelope. The set is
// closed: decoding an envelope whose type is not listed here fails with
// ErrUnknownType.
type MessageType string

const (
	// TypeAudioChunk - caller audio fragment entering the pipeline
	TypeAudioChunk MessageType = "audio_chunk"
	// TypeAudioResponse - synthesized audio returned to the caller
	TypeAudioResponse MessageType = "audio_response"
	// TypeTranscript - recognizer output for one chunk
	TypeTranscript MessageType = "transcript"
	// TypeAIResponse - generated assistant response for one chunk
	TypeAIResponse MessageType = "ai_response"
	// TypeHeartbeat - liveness probe in either direction
	TypeHeartbeat MessageType = "heartbeat"
	// TypeConnectionStatus - transport state notification
	TypeConnectionStatus MessageType = "connection_status"
	// TypeProcessingStatus - per-chunk pipeline progress notification
	TypeProcessingStatus MessageType = "processing_status"
	// TypeMetrics - quality/latency metrics report
	TypeMetrics MessageType = "metrics"
	// TypeError - typed error notification
	TypeError MessageType = "error"
	// TypeWebRTCOffer - SDP offer for the media transport upgrade
	TypeWebRTCOffer MessageType = "webrtc_offer"
	// TypeWebRTCAnswer - SDP answer for the media transport upgrade
	TypeWebRTCAnswer MessageType = "webrtc_answer"
	// TypeWebRTCICECandidate - trickled ICE candidate
	TypeWebRTCICECandidate MessageType = "webrtc_ice_candidate"
	// TypeSessionRecovery - request/response for resuming a dropped call
	TypeSessionRecovery MessageType = "session_recovery"
	// TypeAck - delivery acknowledgement, terminal to the reliability layer
	TypeAck MessageType = "ack"
)

// Known reports whether t belongs to the closed message-type set.
func (t MessageType) Known() bool {
	switch t {
	case TypeAudioChunk, TypeAudioResponse, TypeTranscript, TypeAIResponse,
		TypeHeartbeat, TypeConnectionStatus, TypeProcessingStatus, TypeMetrics,
		TypeError, TypeWebRTCOffer, TypeWebRTCAnswer, TypeWebRTCICECandidate,
		TypeSessionRecovery, TypeAck:
		return true
	}
	return false
}

// Priority orders envelopes for delivery and pool admission. Priorities at
// PriorityHigh and above implicitly request acknowledgement.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Rank maps a priority to its ordinal; unknown strings rank as normal.
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 0
	case PriorityNormal:
		return 1
	case PriorityHigh:
		return 2
	case PriorityUrgent:
		return 3
	default:
		return 1
	}
}

// AudioEncoding names the codec of an audio payload.
type AudioEncoding string

const (
	EncodingPCM  AudioEncoding = "pcm"
	EncodingOpus AudioEncoding = "opus"
	EncodingAAC  AudioEncoding = "aac"
	EncodingMP3  AudioEncoding = "mp3"
)

// Valid reports whether the encoding is one a peer may declare.
func (e AudioEncoding) Valid() bool {
	switch e {
	case EncodingPCM, EncodingOpus, EncodingAAC, EncodingMP3:
		return true
	}
	return false
}

// Processing stages reported through processing_status payloads.
const (
	StageAudioReceived = "audio_received"
	StageRejected      = "rejected"
	StageResponseSent  = "response_sent"
)

// Ack statuses.
const (
	AckStatusReceived = "received"
	AckStatusFailed   = "failed"
)

// Transport close codes mirrored into connection_status payloads.
const (
	CloseNormal        = 1000
	CloseGoingAway     = 1001
	ClosePolicy        = 1008
	CloseInternalError = 1011
)

// Error kinds carried in error payloads. They mirror the service error
// taxonomy so peers can decide whether to retry.
const (
	ErrKindValidation           = "validation"
	ErrKindRateLimit            = "rate_limit"
	ErrKindConnection           = "connection"
	ErrKindAudioProcessing      = "audio_processing"
	ErrKindStageDependency      = "stage_dependency"
	ErrKindProtocolInvalid      = "protocol_invalid"
	ErrKindProtocolIntegrity    = "protocol_integrity"
	ErrKindProtocolExpired      = "protocol_expired"
	ErrKindProtocolDeliveryFail = "protocol_delivery_failed"
	ErrKindBackpressure         = "backpressure"
	ErrKindPoolExhausted        = "pool_exhausted"
	ErrKindUserLimit            = "user_limit_exceeded"
	ErrKindFatal                = "fatal"
)
