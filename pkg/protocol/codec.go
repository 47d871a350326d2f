package protocol

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/gzip"
)

// DefaultCompressionThreshold is the payload size in bytes above which the
// codec gzips the payload before framing.
const DefaultCompressionThreshold = 8 * 1024

// Codec serializes and deserializes envelopes for a transport. Encode seals
// the envelope (checksum, optional compression); Decode validates it and
// resolves the payload against the type registry.
type Codec struct {
	compressionThreshold atomic.Int64
}

func NewCodec() *Codec {
	return NewCodecWithThreshold(DefaultCompressionThreshold)
}

// NewCodecWithThreshold overrides the compression threshold; a threshold
// <= 0 disables compression.
func NewCodecWithThreshold(threshold int) *Codec {
	c := &Codec{}
	c.compressionThreshold.Store(int64(threshold))
	return c
}

// SetCompressionThreshold retunes compression at runtime. The performance
// controller lowers it under load; encodes in flight keep the value they
// loaded.
func (c *Codec) SetCompressionThreshold(threshold int) {
	c.compressionThreshold.Store(int64(threshold))
}

// CompressionThreshold reports the current cutoff.
func (c *Codec) CompressionThreshold() int {
	return int(c.compressionThreshold.Load())
}

// Encode seals and serializes the envelope: computes the checksum over the
// uncompressed payload, compresses payloads over the threshold, and marshals
// the frame. The envelope is mutated so retransmissions reuse the sealed
// form with only the retry counter changed.
func (c *Codec) Encode(env *Envelope) ([]byte, error) {
	if env.Type == TypeAck {
		// Acks never request acks of their own.
		env.AckRequired = false
	}
	payload := env.Payload
	if !env.Compressed {
		env.Checksum = ComputeChecksum(env.Type, env.ID, env.Timestamp, payload)
		if threshold := c.CompressionThreshold(); threshold > 0 && len(payload) > threshold {
			compressed, err := compressPayload(payload)
			if err != nil {
				return nil, fmt.Errorf("compress payload: %w", err)
			}
			env.Payload = compressed
			env.Compressed = true
		}
	}

	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	if len(data) > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(data))
	}
	return data, nil
}

// Decode parses a frame, validates structure, checksum and TTL, and returns
// the envelope together with its typed payload. The returned envelope holds
// the uncompressed payload.
func (c *Codec) Decode(data []byte) (*Envelope, interface{}, error) {
	if len(data) > MaxFrameSize {
		return nil, nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(data))
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	if err := env.Validate(); err != nil {
		return nil, nil, err
	}
	if env.Expired(time.Now()) {
		return &env, nil, fmt.Errorf("%w: id=%s", ErrExpired, env.ID)
	}

	if env.Compressed {
		inflated, err := decompressPayload(env.Payload)
		if err != nil {
			return &env, nil, fmt.Errorf("decompress payload: %w", err)
		}
		env.Payload = inflated
		env.Compressed = false
	}

	want := ComputeChecksum(env.Type, env.ID, env.Timestamp, env.Payload)
	if want != env.Checksum {
		return &env, nil, fmt.Errorf("%w: id=%s", ErrChecksumMismatch, env.ID)
	}

	factory, ok := payloadRegistry[env.Type]
	if !ok {
		return &env, nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	payload := factory()
	if err := json.Unmarshal(env.Payload, payload); err != nil {
		return &env, nil, fmt.Errorf("unmarshal %s payload: %w", env.Type, err)
	}
	return &env, payload, nil
}

// DecodePayload resolves an already-validated envelope's payload against the
// registry. Used where the envelope arrived through a trusted in-process
// path rather than a wire frame.
func DecodePayload(env *Envelope) (interface{}, error) {
	factory, ok := payloadRegistry[env.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	payload := factory()
	if err := json.Unmarshal(env.Payload, payload); err != nil {
		return nil, fmt.Errorf("unmarshal %s payload: %w", env.Type, err)
	}
	return payload, nil
}

// MarshalPayload is a convenience for building envelopes from typed payloads.
func MarshalPayload(payload interface{}) (json.RawMessage, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return data, nil
}

// compressPayload gzips the payload and wraps it as a JSON base64 string, so
// the frame stays valid UTF-8 JSON.
func compressPayload(payload []byte) (json.RawMessage, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(payload); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	encoded := base64.StdEncoding.EncodeToString(buf.Bytes())
	return json.Marshal(encoded)
}

func decompressPayload(raw json.RawMessage) (json.RawMessage, error) {
	var encoded string
	if err := json.Unmarshal(raw, &encoded); err != nil {
		return nil, fmt.Errorf("compressed payload is not a string: %w", err)
	}
	compressed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode base64: %w", err)
	}
	zr, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("open gzip: %w", err)
	}
	defer zr.Close()
	inflated, err := io.ReadAll(io.LimitReader(zr, MaxFrameSize+1))
	if err != nil {
		return nil, fmt.Errorf("inflate: %w", err)
	}
	if len(inflated) > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	return inflated, nil
}
