package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Envelope is the frame wrapping every message at the core's boundary.
// Frames are UTF-8 JSON. Payload stays raw until the codec resolves it
// against the type registry.
type Envelope struct {
	Version string      `json:"version"`
	Type    MessageType `json:"type"`

	// ID is a UUID assigned by the sender; the receiver's dedup set and the
	// sender's pending-ack map are both keyed by it.
	ID string `json:"id"`

	// Timestamp is milliseconds since the Unix epoch at send time.
	Timestamp int64 `json:"timestamp"`

	// SequenceNumber orders envelopes within one connection. Zero means
	// unsequenced.
	SequenceNumber int64 `json:"sequenceNumber,omitempty"`

	// AckRequired parks the envelope in the sender's pending-ack map until
	// the peer acknowledges it. Priorities high and urgent imply it.
	AckRequired bool `json:"ackRequired,omitempty"`

	// Retry counts retransmissions of this envelope, zero on first send.
	Retry int `json:"retry,omitempty"`

	// Compressed marks the payload as base64-wrapped gzip. The checksum is
	// always computed over the uncompressed payload.
	Compressed bool `json:"compressed,omitempty"`

	// Checksum is the CRC-32 (IEEE) of {type,id,timestamp,payload} in
	// lowercase hex.
	Checksum string `json:"checksum"`

	Payload  json.RawMessage `json:"payload"`
	Metadata Metadata        `json:"metadata"`
}

// Metadata carries routing and delivery hints.
type Metadata struct {
	Source      string   `json:"source"`
	Target      string   `json:"target,omitempty"`
	Priority    Priority `json:"priority"`
	TTL         int64    `json:"ttl,omitempty"` // milliseconds from Timestamp
	Correlation string   `json:"correlation,omitempty"`
	Encoding    string   `json:"encoding,omitempty"`
}

// Validation failures surfaced by Envelope.Validate and the codec.
var (
	ErrVersionMismatch  = errors.New("protocol: version mismatch")
	ErrUnknownType      = errors.New("protocol: unknown message type")
	ErrMissingField     = errors.New("protocol: missing required field")
	ErrChecksumMismatch = errors.New("protocol: checksum mismatch")
	ErrExpired          = errors.New("protocol: envelope ttl exceeded")
	ErrFrameTooLarge    = errors.New("protocol: frame exceeds maximum size")
)

// NewEnvelope builds an envelope for the given type and already-marshaled
// payload. ID and timestamp are assigned here; the checksum is computed by
// the codec at serialization time.
func NewEnvelope(msgType MessageType, payload json.RawMessage, source string) *Envelope {
	return &Envelope{
		Version:   Version,
		Type:      msgType,
		ID:        uuid.NewString(),
		Timestamp: time.Now().UnixMilli(),
		Payload:   payload,
		Metadata: Metadata{
			Source:   source,
			Priority: PriorityNormal,
			Encoding: "json",
		},
	}
}

// WithPriority sets the delivery priority. High and urgent also request
// acknowledgement.
func (e *Envelope) WithPriority(p Priority) *Envelope {
	e.Metadata.Priority = p
	if p.Rank() >= PriorityHigh.Rank() {
		e.AckRequired = true
	}
	return e
}

// WithTarget routes the envelope to a specific peer.
func (e *Envelope) WithTarget(target string) *Envelope {
	e.Metadata.Target = target
	return e
}

// WithCorrelation links the envelope to a prior exchange.
func (e *Envelope) WithCorrelation(id string) *Envelope {
	e.Metadata.Correlation = id
	return e
}

// WithTTL bounds the envelope's validity in milliseconds from its timestamp.
func (e *Envelope) WithTTL(ms int64) *Envelope {
	e.Metadata.TTL = ms
	return e
}

// WithAck requests acknowledgement regardless of priority.
func (e *Envelope) WithAck() *Envelope {
	e.AckRequired = true
	return e
}

// ComputeChecksum returns the CRC-32 over the envelope's identity fields and
// the given payload bytes. The payload must be the uncompressed form so both
// ends agree regardless of transport compression.
func ComputeChecksum(msgType MessageType, id string, timestamp int64, payload []byte) string {
	h := crc32.NewIEEE()
	h.Write([]byte(msgType))
	h.Write([]byte{'|'})
	h.Write([]byte(id))
	h.Write([]byte{'|'})
	h.Write([]byte(strconv.FormatInt(timestamp, 10)))
	h.Write([]byte{'|'})
	h.Write(payload)
	return fmt.Sprintf("%08x", h.Sum32())
}

// Expired reports whether the envelope's TTL has elapsed at the given time.
// Envelopes without a TTL never expire.
func (e *Envelope) Expired(now time.Time) bool {
	if e.Metadata.TTL <= 0 {
		return false
	}
	return now.UnixMilli() > e.Timestamp+e.Metadata.TTL
}

// Validate checks the structural requirements shared by every envelope:
// version, known type, id, timestamp and checksum presence. Checksum
// verification and TTL are the codec's job because they need the inflated
// payload and a clock.
func (e *Envelope) Validate() error {
	if e.Version != Version {
		return fmt.Errorf("%w: got %q, want %q", ErrVersionMismatch, e.Version, Version)
	}
	if !e.Type.Known() {
		return fmt.Errorf("%w: %q", ErrUnknownType, e.Type)
	}
	if e.ID == "" {
		return fmt.Errorf("%w: id", ErrMissingField)
	}
	if e.Timestamp <= 0 {
		return fmt.Errorf("%w: timestamp", ErrMissingField)
	}
	if e.Checksum == "" {
		return fmt.Errorf("%w: checksum", ErrMissingField)
	}
	if e.Metadata.Source == "" {
		return fmt.Errorf("%w: metadata.source", ErrMissingField)
	}
	return nil
}
