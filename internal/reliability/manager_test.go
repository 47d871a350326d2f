package reliability

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/voxguard/voxguard/internal/domain"
	"github.com/voxguard/voxguard/pkg/protocol"
)

type sentFrame struct {
	connectionID string
	frame        []byte
}

type frameSink struct {
	mu     sync.Mutex
	frames []sentFrame
	err    error
}

func (s *frameSink) SendFrame(connectionID string, frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.frames = append(s.frames, sentFrame{connectionID: connectionID, frame: frame})
	return nil
}

func (s *frameSink) take() []sentFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]sentFrame, len(s.frames))
	copy(out, s.frames)
	return out
}

func testEnvelope(t *testing.T, priority protocol.Priority) *protocol.Envelope {
	t.Helper()
	payload, err := protocol.MarshalPayload(&protocol.TranscriptPayload{
		CallID:     "call_1",
		ChunkID:    "chunk_1",
		Text:       "hello",
		Confidence: 0.9,
		Final:      true,
	})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return protocol.NewEnvelope(protocol.TypeTranscript, payload, "client-test").WithPriority(priority)
}

func dataFrame(t *testing.T, env *protocol.Envelope) []byte {
	t.Helper()
	frame, err := protocol.NewCodec().Encode(env)
	if err != nil {
		t.Fatalf("encode envelope: %v", err)
	}
	return frame
}

func ackFrame(t *testing.T, ackedID, status string) []byte {
	t.Helper()
	raw, err := protocol.MarshalPayload(&protocol.AckPayload{AckedID: ackedID, Status: status})
	if err != nil {
		t.Fatalf("marshal ack: %v", err)
	}
	env := protocol.NewEnvelope(protocol.TypeAck, raw, "client-test")
	frame, err := protocol.NewCodec().Encode(env)
	if err != nil {
		t.Fatalf("encode ack: %v", err)
	}
	return frame
}

func decodeFrame(t *testing.T, frame []byte) (*protocol.Envelope, interface{}) {
	t.Helper()
	env, payload, err := protocol.NewCodec().Decode(frame)
	if err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	return env, payload
}

func TestManagerSendAssignsSequencePerConnection(t *testing.T) {
	sink := &frameSink{}
	m := NewManager(DefaultManagerConfig(), nil, sink, nil)

	for i := 0; i < 3; i++ {
		if err := m.Send("conn-a", testEnvelope(t, protocol.PriorityNormal)); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	if err := m.Send("conn-b", testEnvelope(t, protocol.PriorityNormal)); err != nil {
		t.Fatalf("send on conn-b: %v", err)
	}

	frames := sink.take()
	if len(frames) != 4 {
		t.Fatalf("expected 4 frames, got %d", len(frames))
	}
	for i, want := range []int64{1, 2, 3} {
		env, _ := decodeFrame(t, frames[i].frame)
		if env.SequenceNumber != want {
			t.Errorf("frame %d: sequence = %d, want %d", i, env.SequenceNumber, want)
		}
	}
	envB, _ := decodeFrame(t, frames[3].frame)
	if envB.SequenceNumber != 1 {
		t.Errorf("conn-b sequence = %d, want 1", envB.SequenceNumber)
	}
}

func TestManagerSendParksAckRequired(t *testing.T) {
	sink := &frameSink{}
	m := NewManager(DefaultManagerConfig(), nil, sink, nil)

	if err := m.Send("conn-a", testEnvelope(t, protocol.PriorityHigh)); err != nil {
		t.Fatalf("send high: %v", err)
	}
	if got := m.Stats().PendingAcks; got != 1 {
		t.Fatalf("pending after high-priority send = %d, want 1", got)
	}

	if err := m.Send("conn-a", testEnvelope(t, protocol.PriorityNormal)); err != nil {
		t.Fatalf("send normal: %v", err)
	}
	if got := m.Stats().PendingAcks; got != 1 {
		t.Errorf("normal-priority send parked, pending = %d, want 1", got)
	}
}

func TestManagerAckResolvesPending(t *testing.T) {
	sink := &frameSink{}
	m := NewManager(DefaultManagerConfig(), nil, sink, nil)

	env := testEnvelope(t, protocol.PriorityHigh)
	if err := m.Send("conn-a", env); err != nil {
		t.Fatalf("send: %v", err)
	}

	res, err := m.Receive(context.Background(), "conn-a", ackFrame(t, env.ID, protocol.AckStatusReceived))
	if err != nil {
		t.Fatalf("receive ack: %v", err)
	}
	if !res.Handled {
		t.Error("ack not marked handled")
	}
	if got := m.Stats().PendingAcks; got != 0 {
		t.Errorf("pending after ack = %d, want 0", got)
	}
}

func TestManagerRetransmitBumpsRetryCounter(t *testing.T) {
	sink := &frameSink{}
	m := NewManager(DefaultManagerConfig(), nil, sink, nil)

	env := testEnvelope(t, protocol.PriorityHigh)
	if err := m.Send("conn-a", env); err != nil {
		t.Fatalf("send: %v", err)
	}

	m.scanPending(time.Now().Add(m.cfg.AckTimeout + time.Second))

	frames := sink.take()
	if len(frames) != 2 {
		t.Fatalf("expected original + retransmit, got %d frames", len(frames))
	}
	resent, _ := decodeFrame(t, frames[1].frame)
	if resent.ID != env.ID {
		t.Errorf("retransmit id = %s, want %s", resent.ID, env.ID)
	}
	if resent.Retry != 1 {
		t.Errorf("retransmit retry = %d, want 1", resent.Retry)
	}
	if got := m.Stats().PendingAcks; got != 1 {
		t.Errorf("pending after retransmit = %d, want 1", got)
	}
}

func TestManagerDeliveryFailsAfterMaxRetries(t *testing.T) {
	cfg := DefaultManagerConfig()
	cfg.MaxRetries = 2
	sink := &frameSink{}
	m := NewManager(cfg, nil, sink, nil)

	env := testEnvelope(t, protocol.PriorityHigh)
	if err := m.Send("conn-a", env); err != nil {
		t.Fatalf("send: %v", err)
	}

	now := time.Now()
	for i := 0; i < 3; i++ {
		now = now.Add(cfg.AckTimeout + time.Second)
		m.scanPending(now)
	}

	if got := m.Stats().PendingAcks; got != 0 {
		t.Errorf("pending after exhausting retries = %d, want 0", got)
	}
	if frames := sink.take(); len(frames) != 3 {
		t.Errorf("expected 1 send + 2 retransmits, got %d frames", len(frames))
	}

	select {
	case msg := <-m.Failed():
		if msg.Envelope.ID != env.ID {
			t.Errorf("failed envelope id = %s, want %s", msg.Envelope.ID, env.ID)
		}
		if msg.Retries != 2 {
			t.Errorf("failed retries = %d, want 2", msg.Retries)
		}
		if msg.Reason != "ack timeout" {
			t.Errorf("failed reason = %q, want %q", msg.Reason, "ack timeout")
		}
	default:
		t.Fatal("expected a failed-message event")
	}
}

func TestManagerDuplicateDropped(t *testing.T) {
	calls := 0
	reg := NewRegistry()
	reg.RegisterFunc(protocol.TypeTranscript, func(ctx context.Context, env *protocol.Envelope, connectionID string) (HandlerResult, error) {
		calls++
		return HandlerResult{Handled: true}, nil
	})
	sink := &frameSink{}
	m := NewManager(DefaultManagerConfig(), nil, sink, reg)

	frame := dataFrame(t, testEnvelope(t, protocol.PriorityNormal))

	res, err := m.Receive(context.Background(), "conn-a", frame)
	if err != nil {
		t.Fatalf("first receive: %v", err)
	}
	if !res.Handled {
		t.Error("first receive not handled")
	}

	if _, err := m.Receive(context.Background(), "conn-a", frame); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("second receive error = %v, want ErrDuplicate", err)
	}
	if calls != 1 {
		t.Errorf("handler ran %d times, want 1", calls)
	}
}

func TestManagerDuplicateStillAcked(t *testing.T) {
	calls := 0
	reg := NewRegistry()
	reg.RegisterFunc(protocol.TypeTranscript, func(ctx context.Context, env *protocol.Envelope, connectionID string) (HandlerResult, error) {
		calls++
		return HandlerResult{Handled: true}, nil
	})
	sink := &frameSink{}
	m := NewManager(DefaultManagerConfig(), nil, sink, reg)

	env := testEnvelope(t, protocol.PriorityHigh)
	frame := dataFrame(t, env)

	if _, err := m.Receive(context.Background(), "conn-a", frame); err != nil {
		t.Fatalf("first receive: %v", err)
	}
	if _, err := m.Receive(context.Background(), "conn-a", frame); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("second receive error = %v, want ErrDuplicate", err)
	}
	if calls != 1 {
		t.Errorf("handler ran %d times, want 1", calls)
	}

	var acks int
	for _, sent := range sink.take() {
		got, payload := decodeFrame(t, sent.frame)
		if got.Type != protocol.TypeAck {
			continue
		}
		acks++
		if got.AckRequired {
			t.Error("ack frame has ackRequired set")
		}
		ack := payload.(*protocol.AckPayload)
		if ack.AckedID != env.ID {
			t.Errorf("ackedId = %s, want %s", ack.AckedID, env.ID)
		}
		if ack.Status != protocol.AckStatusReceived {
			t.Errorf("ack status = %q, want %q", ack.Status, protocol.AckStatusReceived)
		}
	}
	if acks != 2 {
		t.Errorf("expected an ack per delivery, got %d", acks)
	}
}

func TestManagerAcksExemptFromDedup(t *testing.T) {
	sink := &frameSink{}
	m := NewManager(DefaultManagerConfig(), nil, sink, nil)

	frame := ackFrame(t, "no-such-id", protocol.AckStatusReceived)
	for i := 0; i < 2; i++ {
		res, err := m.Receive(context.Background(), "conn-a", frame)
		if err != nil {
			t.Fatalf("receive %d: %v", i, err)
		}
		if !res.Handled {
			t.Errorf("receive %d: ack not marked handled", i)
		}
	}
}

func TestManagerHandlerReplySentBack(t *testing.T) {
	raw, err := protocol.MarshalPayload(&protocol.AIResponsePayload{
		CallID:   "call_1",
		ChunkID:  "chunk_1",
		Text:     "ok",
		Strategy: "politeDecline",
	})
	if err != nil {
		t.Fatalf("marshal reply payload: %v", err)
	}
	reg := NewRegistry()
	reg.RegisterFunc(protocol.TypeTranscript, func(ctx context.Context, env *protocol.Envelope, connectionID string) (HandlerResult, error) {
		reply := protocol.NewEnvelope(protocol.TypeAIResponse, raw, "server")
		return HandlerResult{Handled: true, Reply: reply}, nil
	})
	sink := &frameSink{}
	m := NewManager(DefaultManagerConfig(), nil, sink, reg)

	if _, err := m.Receive(context.Background(), "conn-a", dataFrame(t, testEnvelope(t, protocol.PriorityNormal))); err != nil {
		t.Fatalf("receive: %v", err)
	}

	frames := sink.take()
	if len(frames) != 1 {
		t.Fatalf("expected 1 reply frame, got %d", len(frames))
	}
	if frames[0].connectionID != "conn-a" {
		t.Errorf("reply went to %s, want conn-a", frames[0].connectionID)
	}
	reply, _ := decodeFrame(t, frames[0].frame)
	if reply.Type != protocol.TypeAIResponse {
		t.Errorf("reply type = %s, want %s", reply.Type, protocol.TypeAIResponse)
	}
	if reply.SequenceNumber != 1 {
		t.Errorf("reply sequence = %d, want 1", reply.SequenceNumber)
	}
}

func TestManagerUnhandledTypeSurfaced(t *testing.T) {
	sink := &frameSink{}
	m := NewManager(DefaultManagerConfig(), nil, sink, nil)

	env := testEnvelope(t, protocol.PriorityNormal)
	res, err := m.Receive(context.Background(), "conn-a", dataFrame(t, env))
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if res.Handled {
		t.Error("unhandled envelope reported as handled")
	}

	select {
	case got := <-m.Registry().Unhandled():
		if got.Envelope.ID != env.ID {
			t.Errorf("unhandled envelope id = %s, want %s", got.Envelope.ID, env.ID)
		}
		if got.ConnectionID != "conn-a" {
			t.Errorf("unhandled connection = %s, want conn-a", got.ConnectionID)
		}
	default:
		t.Fatal("expected an unhandled event")
	}
}

func TestManagerOrphanSweep(t *testing.T) {
	sink := &frameSink{}
	m := NewManager(DefaultManagerConfig(), nil, sink, nil)

	env := testEnvelope(t, protocol.PriorityHigh)
	if err := m.Send("conn-a", env); err != nil {
		t.Fatalf("send: %v", err)
	}

	// Age the entry past the whole retry window while keeping its last-send
	// time fresh, so only the orphan pass can claim it.
	m.mu.Lock()
	m.pending[env.ID].firstSentAt = time.Now().Add(-m.cfg.AckTimeout * time.Duration(m.cfg.MaxRetries+2))
	m.mu.Unlock()

	m.sweepOrphans(time.Now())

	if got := m.Stats().PendingAcks; got != 0 {
		t.Errorf("pending after sweep = %d, want 0", got)
	}
	select {
	case msg := <-m.Failed():
		if msg.Reason != "orphaned" {
			t.Errorf("failed reason = %q, want %q", msg.Reason, "orphaned")
		}
	default:
		t.Fatal("expected a failed-message event")
	}
}

func TestManagerReleaseConnectionAbandonsPending(t *testing.T) {
	sink := &frameSink{}
	m := NewManager(DefaultManagerConfig(), nil, sink, nil)

	if err := m.Send("conn-a", testEnvelope(t, protocol.PriorityHigh)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := m.Send("conn-a", testEnvelope(t, protocol.PriorityUrgent)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := m.Send("conn-b", testEnvelope(t, protocol.PriorityHigh)); err != nil {
		t.Fatalf("send: %v", err)
	}

	m.ReleaseConnection("conn-a")

	stats := m.Stats()
	if stats.PendingAcks != 1 {
		t.Errorf("pending after release = %d, want 1", stats.PendingAcks)
	}
	if stats.Connections != 1 {
		t.Errorf("connections after release = %d, want 1", stats.Connections)
	}

	for i := 0; i < 2; i++ {
		select {
		case msg := <-m.Failed():
			if msg.ConnectionID != "conn-a" {
				t.Errorf("failed connection = %s, want conn-a", msg.ConnectionID)
			}
			if msg.Reason != "connection closed" {
				t.Errorf("failed reason = %q, want %q", msg.Reason, "connection closed")
			}
		default:
			t.Fatalf("missing failed event %d", i)
		}
	}
}

func TestManagerReceiveFailureKinds(t *testing.T) {
	tests := []struct {
		name  string
		frame func(t *testing.T) []byte
		kind  domain.ErrorKind
	}{
		{
			name:  "malformed json",
			frame: func(t *testing.T) []byte { return []byte("{") },
			kind:  domain.KindProtocolInvalid,
		},
		{
			name: "checksum mismatch",
			frame: func(t *testing.T) []byte {
				env := testEnvelope(t, protocol.PriorityNormal)
				env.Checksum = "00000000"
				frame, err := json.Marshal(env)
				if err != nil {
					t.Fatalf("marshal tampered envelope: %v", err)
				}
				return frame
			},
			kind: domain.KindProtocolIntegrity,
		},
		{
			name: "expired ttl",
			frame: func(t *testing.T) []byte {
				env := testEnvelope(t, protocol.PriorityNormal).WithTTL(1000)
				env.Timestamp = time.Now().Add(-10 * time.Second).UnixMilli()
				return dataFrame(t, env)
			},
			kind: domain.KindProtocolExpired,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			sink := &frameSink{}
			m := NewManager(DefaultManagerConfig(), nil, sink, nil)

			_, err := m.Receive(context.Background(), "conn-a", tc.frame(t))
			if err == nil {
				t.Fatal("expected a decode error")
			}
			if got := domain.KindOf(err); got != tc.kind {
				t.Errorf("error kind = %s, want %s", got, tc.kind)
			}
		})
	}
}

func TestManagerPeerRejectionFailsEnvelope(t *testing.T) {
	sink := &frameSink{}
	m := NewManager(DefaultManagerConfig(), nil, sink, nil)

	env := testEnvelope(t, protocol.PriorityHigh)
	if err := m.Send("conn-a", env); err != nil {
		t.Fatalf("send: %v", err)
	}

	if _, err := m.Receive(context.Background(), "conn-a", ackFrame(t, env.ID, protocol.AckStatusFailed)); err != nil {
		t.Fatalf("receive failed ack: %v", err)
	}
	if got := m.Stats().PendingAcks; got != 0 {
		t.Errorf("pending after rejection = %d, want 0", got)
	}
	select {
	case msg := <-m.Failed():
		if msg.Reason != "rejected by peer" {
			t.Errorf("failed reason = %q, want %q", msg.Reason, "rejected by peer")
		}
	default:
		t.Fatal("expected a failed-message event")
	}
}

func TestManagerSendFailureUnparks(t *testing.T) {
	sink := &frameSink{err: errors.New("pipe broken")}
	m := NewManager(DefaultManagerConfig(), nil, sink, nil)

	err := m.Send("conn-a", testEnvelope(t, protocol.PriorityHigh))
	if err == nil {
		t.Fatal("expected send error")
	}
	if !strings.Contains(err.Error(), "pipe broken") {
		t.Errorf("error = %v, want transport cause", err)
	}
	if got := m.Stats().PendingAcks; got != 0 {
		t.Errorf("pending after failed send = %d, want 0", got)
	}
}

func TestDedupSetFIFOEviction(t *testing.T) {
	d := newDedupSet(3)
	for _, id := range []string{"a", "b", "c"} {
		if d.Seen(id) {
			t.Fatalf("%s seen before insert", id)
		}
	}
	if !d.Seen("a") {
		t.Error("a not recorded")
	}
	if d.Seen("d") {
		t.Error("d seen before insert")
	}
	// d evicted a, the oldest entry.
	if d.Seen("a") {
		t.Error("a survived eviction")
	}
	if !d.Seen("c") {
		t.Error("c evicted early")
	}
}

func TestNewManagerDefaults(t *testing.T) {
	m := NewManager(ManagerConfig{}, nil, &frameSink{}, nil)
	def := DefaultManagerConfig()
	if m.cfg != def {
		t.Errorf("config = %+v, want defaults %+v", m.cfg, def)
	}
	if m.codec == nil {
		t.Error("codec not defaulted")
	}
	if m.registry == nil {
		t.Error("registry not defaulted")
	}
}
