package models

import (
	"time"
)

// TransportKind names the transports a session runs on.
type TransportKind string

const (
	TransportReliable TransportKind = "reliable"
	TransportMedia    TransportKind = "media"
	TransportHybrid   TransportKind = "hybrid"
)

// SessionState is the lifecycle state of a transport session.
type SessionState string

const (
	SessionConnected    SessionState = "connected"
	SessionIdle         SessionState = "idle"
	SessionTransferring SessionState = "transferring"
	SessionTerminated   SessionState = "terminated"
	SessionError        SessionState = "error"
)

// ProcessingStats accumulates per-session pipeline counters.
type ProcessingStats struct {
	ChunksProcessed int64   `json:"chunks_processed"`
	ChunksDropped   int64   `json:"chunks_dropped"`
	SilenceChunks   int64   `json:"silence_chunks"`
	Errors          int64   `json:"errors"`
	AvgLatencyMs    float64 `json:"avg_latency_ms"`
}

// Session is the application-level record for one peer on one call. At most
// one active session exists per (userId, callId); hybrid requires both
// sub-transports alive.
type Session struct {
	ID             string          `json:"id"`
	UserID         string          `json:"user_id"`
	CallID         string          `json:"call_id"`
	TransportKind  TransportKind   `json:"transport_kind"`
	StartedAt      time.Time       `json:"started_at"`
	LastActivityAt time.Time       `json:"last_activity_at"`
	State          SessionState    `json:"state"`
	QualityMetrics QualityMetrics  `json:"quality_metrics"`
	Stats          ProcessingStats `json:"processing_stats"`
}

func NewSession(id, userID, callID string) *Session {
	now := time.Now()
	return &Session{
		ID:             id,
		UserID:         userID,
		CallID:         callID,
		TransportKind:  TransportReliable,
		StartedAt:      now,
		LastActivityAt: now,
		State:          SessionConnected,
	}
}

// Touch records inbound activity and wakes an idle session.
func (s *Session) Touch() {
	s.LastActivityAt = time.Now()
	if s.State == SessionIdle {
		s.State = SessionConnected
	}
}

// IsActive reports whether the session still serves traffic.
func (s *Session) IsActive() bool {
	return s.State == SessionConnected || s.State == SessionIdle ||
		s.State == SessionTransferring
}

// UserSession is the user-facing authenticated session with device binding.
type UserSession struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	DeviceID    string    `json:"device_id"`
	Fingerprint string    `json:"fingerprint"`
	CreatedAt   time.Time `json:"created_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	Compromised bool      `json:"compromised"`
}

func NewUserSession(id, userID, deviceID, fingerprint string, ttl time.Duration) *UserSession {
	now := time.Now()
	return &UserSession{
		ID:          id,
		UserID:      userID,
		DeviceID:    deviceID,
		Fingerprint: fingerprint,
		CreatedAt:   now,
		LastSeenAt:  now,
		ExpiresAt:   now.Add(ttl),
	}
}

// Expired reports whether the session has passed its absolute expiry.
func (s *UserSession) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// TrustedDevice is one entry of a user's device trust list.
type TrustedDevice struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Fingerprint string    `json:"fingerprint"`
	Label       string    `json:"label,omitempty"`
	FirstSeenAt time.Time `json:"first_seen_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`
}
