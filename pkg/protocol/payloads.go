package protocol

// AudioChunkPayload (audio_chunk) carries one fragment of caller audio.
// SequenceNumber is strictly increasing within a call; the pipeline processes
// chunks in that order.
type AudioChunkPayload struct {
	ID             string        `json:"id"`
	CallID         string        `json:"callId"`
	SequenceNumber int64         `json:"sequenceNumber"`
	Timestamp      int64         `json:"timestamp"`
	SampleRate     int           `json:"sampleRate"`
	Channels       int           `json:"channels"`
	Encoding       AudioEncoding `json:"encoding"`
	AudioData      []byte        `json:"audioData"` // base64 on the wire
}

// AudioResponsePayload (audio_response) returns synthesized audio for a chunk.
type AudioResponsePayload struct {
	CallID     string        `json:"callId"`
	ChunkID    string        `json:"chunkId"`
	Encoding   AudioEncoding `json:"encoding"`
	SampleRate int           `json:"sampleRate"`
	AudioData  []byte        `json:"audioData"`
	DurationMs int64         `json:"durationMs,omitempty"`
}

// TranscriptPayload (transcript) is the recognizer output for one chunk.
type TranscriptPayload struct {
	CallID     string  `json:"callId"`
	ChunkID    string  `json:"chunkId"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Language   string  `json:"language,omitempty"`
	Final      bool    `json:"final"`
}

// AIResponsePayload (ai_response) is the generated reply for one chunk.
type AIResponsePayload struct {
	CallID          string  `json:"callId"`
	ChunkID         string  `json:"chunkId"`
	Text            string  `json:"text"`
	Strategy        string  `json:"strategy"`
	ShouldTerminate bool    `json:"shouldTerminate"`
	Confidence      float64 `json:"confidence"`
	IntentCategory  string  `json:"intentCategory,omitempty"`
	EmotionalTone   string  `json:"emotionalTone,omitempty"`
}

// HeartbeatPayload (heartbeat) keeps the transport alive and measures skew.
type HeartbeatPayload struct {
	SentAt     int64 `json:"sentAt"`
	ServerTime int64 `json:"serverTime,omitempty"`
}

// ConnectionStatusPayload (connection_status) reports transport transitions.
// Code follows the transport close-code table (1000, 1001, 1008, 1011).
type ConnectionStatusPayload struct {
	ConnectionID string `json:"connectionId"`
	State        string `json:"state"`
	Code         int    `json:"code,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// ProcessingStatusPayload (processing_status) reports per-chunk pipeline
// progress: audio_received on admission, rejected on backpressure,
// response_sent after emission.
type ProcessingStatusPayload struct {
	CallID  string `json:"callId"`
	ChunkID string `json:"chunkId,omitempty"`
	Stage   string `json:"stage"`
	Detail  string `json:"detail,omitempty"`
}

// MetricsPayload (metrics) carries a named group of gauge readings, either
// client-reported call quality or a server snapshot requested by the peer.
type MetricsPayload struct {
	CallID      string             `json:"callId,omitempty"`
	Scope       string             `json:"scope"`
	Values      map[string]float64 `json:"values"`
	CollectedAt int64              `json:"collectedAt"`
}

// ErrorPayload (error) notifies the peer of a typed failure.
type ErrorPayload struct {
	Kind         string `json:"kind"`
	Message      string `json:"message"`
	Retryable    bool   `json:"retryable"`
	RetryAfterMs int64  `json:"retryAfterMs,omitempty"`
	ChunkID      string `json:"chunkId,omitempty"`
	CallID       string `json:"callId,omitempty"`
}

// WebRTCOfferPayload (webrtc_offer) carries the SDP offer that starts the
// media transport upgrade.
type WebRTCOfferPayload struct {
	CallID string `json:"callId"`
	PeerID string `json:"peerId,omitempty"`
	SDP    string `json:"sdp"`
}

// WebRTCAnswerPayload (webrtc_answer) carries the SDP answer.
type WebRTCAnswerPayload struct {
	CallID string `json:"callId"`
	PeerID string `json:"peerId,omitempty"`
	SDP    string `json:"sdp"`
}

// WebRTCICECandidatePayload (webrtc_ice_candidate) trickles one candidate.
type WebRTCICECandidatePayload struct {
	CallID        string `json:"callId"`
	PeerID        string `json:"peerId,omitempty"`
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid,omitempty"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex,omitempty"`
}

// SessionRecoveryPayload (session_recovery) requests resumption of a dropped
// call and carries the outcome on the way back.
type SessionRecoveryPayload struct {
	SessionID    string `json:"sessionId,omitempty"`
	CallID       string `json:"callId"`
	LastSequence int64  `json:"lastSequence,omitempty"`
	Recovered    bool   `json:"recovered,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// AckPayload (ack) acknowledges a prior envelope by its id. Ack envelopes are
// never themselves ackRequired and are exempt from duplicate tracking, since
// retransmits legitimately repeat them.
type AckPayload struct {
	AckedID   string `json:"ackedId"`
	Status    string `json:"status"`
	LatencyMs int64  `json:"latencyMs,omitempty"`
}

// payloadFactory produces a zero value of the payload struct for a type, so
// the codec can unmarshal into the right shape.
type payloadFactory func() interface{}

var payloadRegistry = map[MessageType]payloadFactory{
	TypeAudioChunk:         func() interface{} { return &AudioChunkPayload{} },
	TypeAudioResponse:      func() interface{} { return &AudioResponsePayload{} },
	TypeTranscript:         func() interface{} { return &TranscriptPayload{} },
	TypeAIResponse:         func() interface{} { return &AIResponsePayload{} },
	TypeHeartbeat:          func() interface{} { return &HeartbeatPayload{} },
	TypeConnectionStatus:   func() interface{} { return &ConnectionStatusPayload{} },
	TypeProcessingStatus:   func() interface{} { return &ProcessingStatusPayload{} },
	TypeMetrics:            func() interface{} { return &MetricsPayload{} },
	TypeError:              func() interface{} { return &ErrorPayload{} },
	TypeWebRTCOffer:        func() interface{} { return &WebRTCOfferPayload{} },
	TypeWebRTCAnswer:       func() interface{} { return &WebRTCAnswerPayload{} },
	TypeWebRTCICECandidate: func() interface{} { return &WebRTCICECandidatePayload{} },
	TypeSessionRecovery:    func() interface{} { return &SessionRecoveryPayload{} },
	TypeAck:                func() interface{} { return &AckPayload{} },
}
