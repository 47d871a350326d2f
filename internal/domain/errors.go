package domain

import "errors"

// Common domain errors
var (
	// Session errors
	ErrUnauthorized       = errors.New("authentication failed")
	ErrSessionNotFound    = errors.New("session not found")
	ErrSessionExpired     = errors.New("session expired")
	ErrSessionCompromised = errors.New("session device fingerprint mismatch")
	ErrSessionLimit       = errors.New("session limit reached for user")
	ErrDuplicateSession   = errors.New("active session already exists for user and call")

	// Transport errors
	ErrTransportFailed  = errors.New("transport failed")
	ErrMediaUnavailable = errors.New("media transport unavailable")
	ErrConnectionClosed = errors.New("connection closed")

	// Pool errors
	ErrPoolExhausted     = errors.New("connection pool exhausted")
	ErrUserLimitExceeded = errors.New("user connection limit exceeded")
	ErrAcquireTimeout    = errors.New("connection acquire timed out")
	ErrPoolShutdown      = errors.New("connection pool shut down")

	// Signaling errors
	ErrRoomNotFound  = errors.New("room not found")
	ErrRoomFull      = errors.New("room is full")
	ErrPeerNotFound  = errors.New("peer not found")
	ErrNotInSameRoom = errors.New("peers are not in the same room")
	ErrRoomLimit     = errors.New("room limit reached for user")
	ErrTooManyRooms  = errors.New("hub room capacity reached")

	// Pipeline errors
	ErrQueueFull           = errors.New("call work queue is full")
	ErrChunkTooLarge       = errors.New("audio chunk exceeds size limit")
	ErrEmptyChunk          = errors.New("audio chunk is empty")
	ErrEncodingUnsupported = errors.New("audio encoding not supported")
	ErrCallClosed          = errors.New("call is closed")

	// External dependency errors
	ErrRecognizerUnavailable  = errors.New("speech recognizer unavailable")
	ErrSynthesizerUnavailable = errors.New("speech synthesizer unavailable")
	ErrResponderUnavailable   = errors.New("response service unavailable")

	// Validation errors
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("resource not found")
)

// ErrorKind classifies an error per the service taxonomy; it decides
// retryability and how the failure surfaces to the peer.
type ErrorKind string

const (
	KindValidation           ErrorKind = "validation"
	KindRateLimit            ErrorKind = "rate_limit"
	KindConnection           ErrorKind = "connection"
	KindAudioProcessing      ErrorKind = "audio_processing"
	KindStageDependency      ErrorKind = "stage_dependency"
	KindProtocolInvalid      ErrorKind = "protocol_invalid"
	KindProtocolIntegrity    ErrorKind = "protocol_integrity"
	KindProtocolExpired      ErrorKind = "protocol_expired"
	KindProtocolDeliveryFail ErrorKind = "protocol_delivery_failed"
	KindBackpressure         ErrorKind = "backpressure"
	KindPoolExhausted        ErrorKind = "pool_exhausted"
	KindUserLimit            ErrorKind = "user_limit_exceeded"
	KindTimeout              ErrorKind = "timeout"
	KindFatal                ErrorKind = "fatal"
)

// Retryable reports whether a peer may usefully retry after this kind.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindBackpressure, KindPoolExhausted, KindTimeout, KindStageDependency:
		return true
	}
	return false
}

// Error carries the taxonomy kind alongside the underlying cause. Pipeline
// stages and the protocol layer wrap failures in it so the gateway can frame
// them for the peer without string matching.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func WrapError(kind ErrorKind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the taxonomy kind from any error in the chain, defaulting
// to fatal for unclassified failures.
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindFatal
}
