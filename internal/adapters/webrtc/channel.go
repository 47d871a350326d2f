package webrtc

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/voxguard/voxguard/internal/adapters/metrics"
	"github.com/voxguard/voxguard/internal/domain"
	"github.com/voxguard/voxguard/internal/domain/models"
	"github.com/voxguard/voxguard/internal/ports"
	"github.com/voxguard/voxguard/pkg/protocol"
)

// preOpenBacklog caps audio frames held while the data channel is still
// connecting. The pipeline can emit before ICE completes; the backlog is
// flushed in order on open.
const preOpenBacklog = 64

// audioFrame is the inbound msgpack wire form on the data channel. Field
// names mirror the envelope payloads so clients reuse one schema across
// transports.
type audioFrame struct {
	ID             string `msgpack:"id,omitempty"`
	CallID         string `msgpack:"callId,omitempty"`
	SequenceNumber int64  `msgpack:"sequenceNumber"`
	Timestamp      int64  `msgpack:"timestamp,omitempty"`
	SampleRate     int    `msgpack:"sampleRate"`
	Channels       int    `msgpack:"channels"`
	Encoding       string `msgpack:"encoding"`
	Audio          []byte `msgpack:"audio"`
}

// audioResponseFrame is the outbound msgpack wire form.
type audioResponseFrame struct {
	CallID     string `msgpack:"callId"`
	ChunkID    string `msgpack:"chunkId"`
	Encoding   string `msgpack:"encoding"`
	SampleRate int    `msgpack:"sampleRate"`
	DurationMs int64  `msgpack:"durationMs,omitempty"`
	Audio      []byte `msgpack:"audio"`
}

// dataChannel is the slice of *webrtc.DataChannel the media channel drives.
type dataChannel interface {
	Send(data []byte) error
	BufferedAmount() uint64
}

// mediaChannel is one session's audio sub-transport. It satisfies the
// session layer's MediaChannel: outbound synthesized audio goes out as
// msgpack frames, inbound frames become pipeline chunks.
type mediaChannel struct {
	sessionID string
	callID    string
	sink      AudioSink
	ids       ports.IDGenerator

	// maxBuffered bounds unacknowledged outbound bytes; beyond it sends
	// fail with a backpressure error and the session falls back.
	maxBuffered uint64

	// teardown closes the peer connection; own distinguishes a local close
	// from a remote failure that must be reported.
	teardown func(own bool)

	mu      sync.Mutex
	dc      dataChannel
	backlog [][]byte
	closed  bool
}

// attach binds the opened data channel and flushes frames queued while ICE
// was still connecting.
func (c *mediaChannel) attach(dc dataChannel) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.dc = dc
	backlog := c.backlog
	c.backlog = nil
	c.mu.Unlock()

	for _, frame := range backlog {
		if err := dc.Send(frame); err != nil {
			log.Printf("WARNING: media: flush backlog for session %s: %v", c.sessionID, err)
			return
		}
		metrics.MediaFramesTotal.WithLabelValues("out").Inc()
	}
}

func (c *mediaChannel) SendAudio(p *protocol.AudioResponsePayload) error {
	frame, err := msgpack.Marshal(&audioResponseFrame{
		CallID:     p.CallID,
		ChunkID:    p.ChunkID,
		Encoding:   string(p.Encoding),
		SampleRate: p.SampleRate,
		DurationMs: p.DurationMs,
		Audio:      p.AudioData,
	})
	if err != nil {
		return fmt.Errorf("marshal audio frame: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("session %s media: %w", c.sessionID, domain.ErrConnectionClosed)
	}
	dc := c.dc
	if dc == nil {
		if len(c.backlog) >= preOpenBacklog {
			c.mu.Unlock()
			return domain.NewError(domain.KindBackpressure, "media channel backlog full")
		}
		c.backlog = append(c.backlog, frame)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if dc.BufferedAmount() > c.maxBuffered {
		return domain.NewError(domain.KindBackpressure, "media channel congested")
	}
	if err := dc.Send(frame); err != nil {
		return fmt.Errorf("media send: %w", err)
	}
	metrics.MediaFramesTotal.WithLabelValues("out").Inc()
	return nil
}

// Close tears the peer connection down. Called by the session layer; remote
// failures go through the negotiator instead.
func (c *mediaChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.dc = nil
	c.backlog = nil
	c.mu.Unlock()
	c.teardown(true)
	return nil
}

// markDead flags the channel after a remote failure so in-flight sends fail
// fast instead of writing into a dead channel.
func (c *mediaChannel) markDead() {
	c.mu.Lock()
	c.closed = true
	c.dc = nil
	c.backlog = nil
	c.mu.Unlock()
}

// handleInbound turns one data-channel frame into a pipeline chunk.
// Malformed and cross-call frames are dropped; the media path carries no
// error replies, the reliable transport does.
func (c *mediaChannel) handleInbound(data []byte) {
	var f audioFrame
	if err := msgpack.Unmarshal(data, &f); err != nil {
		log.Printf("WARNING: media: malformed frame on session %s: %v", c.sessionID, err)
		return
	}
	if f.CallID != "" && f.CallID != c.callID {
		log.Printf("WARNING: media: frame for call %s dropped on session %s (call %s)", f.CallID, c.sessionID, c.callID)
		return
	}

	chunk := &models.AudioChunk{
		ID:             f.ID,
		CallID:         c.callID,
		SequenceNumber: f.SequenceNumber,
		Payload:        f.Audio,
		SampleRate:     f.SampleRate,
		ChannelCount:   f.Channels,
		Encoding:       models.AudioEncoding(f.Encoding),
	}
	if chunk.ID == "" {
		chunk.ID = c.ids.GenerateChunkID()
	}
	if f.Timestamp > 0 {
		chunk.Timestamp = time.UnixMilli(f.Timestamp)
	} else {
		chunk.Timestamp = time.Now()
	}

	metrics.MediaFramesTotal.WithLabelValues("in").Inc()
	if err := c.sink.Submit(chunk); err != nil {
		log.Printf("WARNING: media: chunk %s for call %s rejected: %v", chunk.ID, c.callID, err)
	}
}
