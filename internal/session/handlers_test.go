package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/voxguard/voxguard/internal/domain"
	"github.com/voxguard/voxguard/internal/domain/models"
	"github.com/voxguard/voxguard/internal/reliability"
	"github.com/voxguard/voxguard/pkg/protocol"
)

func mustEnvelope(t *testing.T, msgType protocol.MessageType, payload interface{}) *protocol.Envelope {
	t.Helper()
	raw, err := protocol.MarshalPayload(payload)
	if err != nil {
		t.Fatalf("marshal %s payload: %v", msgType, err)
	}
	return protocol.NewEnvelope(msgType, raw, "peer")
}

func TestHandleAudioChunkAdmitsAndAcks(t *testing.T) {
	e := newTestEnv(t, nil)
	e.open(t, "u1", "call-1", "conn-1")

	env := mustEnvelope(t, protocol.TypeAudioChunk, &protocol.AudioChunkPayload{
		ID:             "chk_7",
		CallID:         "call-1",
		SequenceNumber: 7,
		Timestamp:      time.Now().UnixMilli(),
		SampleRate:     16000,
		Channels:       1,
		Encoding:       protocol.EncodingPCM,
		AudioData:      []byte{1, 2, 3},
	})
	res, err := e.mgr.handleAudioChunk(context.Background(), env, "conn-1")
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if !res.Handled || res.Reply == nil {
		t.Fatalf("result = %+v, want handled with reply", res)
	}
	if res.Reply.Metadata.Correlation != env.ID {
		t.Errorf("reply correlation = %q, want %q", res.Reply.Metadata.Correlation, env.ID)
	}
	p := decodePayload(t, res.Reply).(*protocol.ProcessingStatusPayload)
	if p.Stage != protocol.StageAudioReceived || p.ChunkID != "chk_7" {
		t.Errorf("reply payload = %+v", p)
	}

	chunks := e.pipe.submittedChunks()
	if len(chunks) != 1 {
		t.Fatalf("submitted = %d chunks", len(chunks))
	}
	c := chunks[0]
	if c.SequenceNumber != 7 || c.SampleRate != 16000 || c.Encoding != models.EncodingPCM {
		t.Errorf("chunk = %+v", c)
	}
}

func TestHandleAudioChunkAssignsMissingID(t *testing.T) {
	e := newTestEnv(t, nil)
	e.open(t, "u1", "call-1", "conn-1")

	env := mustEnvelope(t, protocol.TypeAudioChunk, &protocol.AudioChunkPayload{
		CallID: "call-1", SequenceNumber: 1, SampleRate: 16000, Channels: 1,
		Encoding: protocol.EncodingPCM, AudioData: []byte{1},
	})
	if _, err := e.mgr.handleAudioChunk(context.Background(), env, "conn-1"); err != nil {
		t.Fatalf("handle: %v", err)
	}
	chunks := e.pipe.submittedChunks()
	if len(chunks) != 1 || !strings.HasPrefix(chunks[0].ID, "chk_") {
		t.Errorf("chunk id = %q, want generated chk_ id", chunks[0].ID)
	}
}

func TestHandleAudioChunkBackpressureRepliesRejected(t *testing.T) {
	e := newTestEnv(t, nil)
	e.open(t, "u1", "call-1", "conn-1")
	e.pipe.submitErr = fmt.Errorf("call call-1: %w", domain.ErrQueueFull)

	env := mustEnvelope(t, protocol.TypeAudioChunk, &protocol.AudioChunkPayload{
		ID: "chk_1", CallID: "call-1", SampleRate: 16000, Channels: 1,
		Encoding: protocol.EncodingPCM, AudioData: []byte{1},
	})
	res, err := e.mgr.handleAudioChunk(context.Background(), env, "conn-1")
	if err != nil {
		t.Fatalf("backpressure must not surface as a handler error, got %v", err)
	}
	p := decodePayload(t, res.Reply).(*protocol.ProcessingStatusPayload)
	if p.Stage != protocol.StageRejected || p.Detail != "backpressure" {
		t.Errorf("reply payload = %+v", p)
	}
}

func TestHandleAudioChunkRejectsCallMismatch(t *testing.T) {
	e := newTestEnv(t, nil)
	e.open(t, "u1", "call-1", "conn-1")

	env := mustEnvelope(t, protocol.TypeAudioChunk, &protocol.AudioChunkPayload{
		ID: "chk_1", CallID: "call-other", SampleRate: 16000, Channels: 1,
		Encoding: protocol.EncodingPCM, AudioData: []byte{1},
	})
	_, err := e.mgr.handleAudioChunk(context.Background(), env, "conn-1")
	if domain.KindOf(err) != domain.KindValidation {
		t.Fatalf("err = %v, want validation kind", err)
	}
	if len(e.pipe.submittedChunks()) != 0 {
		t.Error("mismatched chunk reached the pipeline")
	}
}

func TestHandleAudioChunkWithoutSession(t *testing.T) {
	e := newTestEnv(t, nil)
	env := mustEnvelope(t, protocol.TypeAudioChunk, &protocol.AudioChunkPayload{
		ID: "chk_1", CallID: "call-1", SampleRate: 16000, Channels: 1,
		Encoding: protocol.EncodingPCM, AudioData: []byte{1},
	})
	_, err := e.mgr.handleAudioChunk(context.Background(), env, "conn-unknown")
	if domain.KindOf(err) != domain.KindConnection {
		t.Fatalf("err = %v, want connection kind", err)
	}
}

func TestHandleHeartbeatEchoesClientTime(t *testing.T) {
	e := newTestEnv(t, nil)
	e.open(t, "u1", "call-1", "conn-1")

	sent := time.Now().Add(-time.Second).UnixMilli()
	env := mustEnvelope(t, protocol.TypeHeartbeat, &protocol.HeartbeatPayload{SentAt: sent})
	res, err := e.mgr.handleHeartbeat(context.Background(), env, "conn-1")
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	p := decodePayload(t, res.Reply).(*protocol.HeartbeatPayload)
	if p.SentAt != sent {
		t.Errorf("echoed sentAt = %d, want %d", p.SentAt, sent)
	}
	if p.ServerTime == 0 {
		t.Error("serverTime not stamped")
	}
	if res.Reply.Metadata.Priority != protocol.PriorityLow {
		t.Errorf("heartbeat reply priority = %s, want low", res.Reply.Metadata.Priority)
	}
}

func TestHandleRecoveryRestoresFreshSnapshot(t *testing.T) {
	e := newTestEnv(t, nil)
	e.open(t, "u1", "call-1", "conn-1")
	e.snaps.Save(context.Background(), &models.CallStateSnapshot{
		CallID:       "call-1",
		LastSequence: 41,
		SavedAt:      time.Now().Add(-10 * time.Second),
	})

	env := mustEnvelope(t, protocol.TypeSessionRecovery, &protocol.SessionRecoveryPayload{CallID: "call-1"})
	res, err := e.mgr.handleSessionRecovery(context.Background(), env, "conn-1")
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	p := decodePayload(t, res.Reply).(*protocol.SessionRecoveryPayload)
	if !p.Recovered || p.LastSequence != 41 {
		t.Errorf("outcome = %+v, want recovered at seq 41", p)
	}
	if len(e.pipe.restored) != 1 {
		t.Errorf("restored snapshots = %d, want 1", len(e.pipe.restored))
	}
}

func TestHandleRecoveryExpiredSnapshot(t *testing.T) {
	e := newTestEnv(t, nil)
	e.open(t, "u1", "call-1", "conn-1")
	e.snaps.Save(context.Background(), &models.CallStateSnapshot{
		CallID:  "call-1",
		SavedAt: time.Now().Add(-e.mgr.cfg.RecoveryWindow - time.Minute),
	})

	env := mustEnvelope(t, protocol.TypeSessionRecovery, &protocol.SessionRecoveryPayload{CallID: "call-1"})
	res, err := e.mgr.handleSessionRecovery(context.Background(), env, "conn-1")
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	p := decodePayload(t, res.Reply).(*protocol.SessionRecoveryPayload)
	if p.Recovered || p.Reason != "snapshot expired" {
		t.Errorf("outcome = %+v", p)
	}
	if e.snaps.stored("call-1") != nil {
		t.Error("expired snapshot not purged")
	}
}

func TestHandleRecoveryMissingSnapshot(t *testing.T) {
	e := newTestEnv(t, nil)
	e.open(t, "u1", "call-1", "conn-1")
	env := mustEnvelope(t, protocol.TypeSessionRecovery, &protocol.SessionRecoveryPayload{CallID: "call-gone"})
	res, err := e.mgr.handleSessionRecovery(context.Background(), env, "conn-1")
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	p := decodePayload(t, res.Reply).(*protocol.SessionRecoveryPayload)
	if p.Recovered || p.Reason != "snapshot not found" {
		t.Errorf("outcome = %+v", p)
	}
}

func TestHandleRecoveryRestoreFailure(t *testing.T) {
	e := newTestEnv(t, nil)
	e.open(t, "u1", "call-1", "conn-1")
	e.pipe.restoreErr = errors.New("decode state")
	e.snaps.Save(context.Background(), &models.CallStateSnapshot{
		CallID:  "call-1",
		SavedAt: time.Now(),
	})

	env := mustEnvelope(t, protocol.TypeSessionRecovery, &protocol.SessionRecoveryPayload{CallID: "call-1"})
	res, err := e.mgr.handleSessionRecovery(context.Background(), env, "conn-1")
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	p := decodePayload(t, res.Reply).(*protocol.SessionRecoveryPayload)
	if p.Recovered || p.Reason != "restore failed" {
		t.Errorf("outcome = %+v", p)
	}
}

func TestHandleOfferUpgradesToHybrid(t *testing.T) {
	e := newTestEnv(t, nil)
	s := e.open(t, "u1", "call-1", "conn-1")

	env := mustEnvelope(t, protocol.TypeWebRTCOffer, &protocol.WebRTCOfferPayload{CallID: "call-1", SDP: "v=0"})
	res, err := e.mgr.handleWebRTCOffer(context.Background(), env, "conn-1")
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if res.Reply.Type != protocol.TypeWebRTCAnswer {
		t.Fatalf("reply type = %s, want webrtc_answer", res.Reply.Type)
	}
	p := decodePayload(t, res.Reply).(*protocol.WebRTCAnswerPayload)
	if p.SDP == "" {
		t.Error("empty answer SDP")
	}
	got, _ := e.mgr.Get(s.ID)
	if got.TransportKind != models.TransportHybrid {
		t.Errorf("transport kind = %s, want hybrid", got.TransportKind)
	}
}

func TestHandleOfferWhenMediaDisabled(t *testing.T) {
	e := newTestEnv(t, func(cfg *Config) { cfg.PreferMedia = false })
	e.open(t, "u1", "call-1", "conn-1")

	env := mustEnvelope(t, protocol.TypeWebRTCOffer, &protocol.WebRTCOfferPayload{CallID: "call-1", SDP: "v=0"})
	_, err := e.mgr.handleWebRTCOffer(context.Background(), env, "conn-1")
	if !errors.Is(err, domain.ErrMediaUnavailable) {
		t.Fatalf("err = %v, want ErrMediaUnavailable", err)
	}
}

func TestHandleOfferFailureFallsBackToReliable(t *testing.T) {
	e := newTestEnv(t, nil)
	s := e.open(t, "u1", "call-1", "conn-1")
	e.media.offerErr = errors.New("no compatible codec")

	env := mustEnvelope(t, protocol.TypeWebRTCOffer, &protocol.WebRTCOfferPayload{CallID: "call-1", SDP: "v=0"})
	_, err := e.mgr.handleWebRTCOffer(context.Background(), env, "conn-1")
	if domain.KindOf(err) != domain.KindStageDependency {
		t.Fatalf("err = %v, want stage_dependency kind", err)
	}
	got, gerr := e.mgr.Get(s.ID)
	if gerr != nil {
		t.Fatal("session must survive a failed negotiation when fallback is on")
	}
	if got.TransportKind != models.TransportReliable {
		t.Errorf("transport kind = %s, want reliable", got.TransportKind)
	}
}

func TestHandleOfferFailureTerminatesWithoutFallback(t *testing.T) {
	e := newTestEnv(t, func(cfg *Config) { cfg.MediaFallback = false })
	s := e.open(t, "u1", "call-1", "conn-1")
	e.media.offerErr = errors.New("no compatible codec")

	env := mustEnvelope(t, protocol.TypeWebRTCOffer, &protocol.WebRTCOfferPayload{CallID: "call-1", SDP: "v=0"})
	_, err := e.mgr.handleWebRTCOffer(context.Background(), env, "conn-1")
	if domain.KindOf(err) != domain.KindConnection {
		t.Fatalf("err = %v, want connection kind", err)
	}
	if _, gerr := e.mgr.Get(s.ID); !errors.Is(gerr, domain.ErrSessionNotFound) {
		t.Fatal("session must terminate when fallback is disabled")
	}
	frames := e.relay.byType(protocol.TypeConnectionStatus)
	if len(frames) != 1 {
		t.Fatalf("connection_status frames = %d", len(frames))
	}
	p := decodePayload(t, frames[0].env).(*protocol.ConnectionStatusPayload)
	if p.Code != protocol.CloseInternalError || p.Reason != ReasonTransportFailed {
		t.Errorf("status payload = %+v", p)
	}
}

func TestHandleICECandidateForwards(t *testing.T) {
	e := newTestEnv(t, nil)
	e.open(t, "u1", "call-1", "conn-1")

	env := mustEnvelope(t, protocol.TypeWebRTCICECandidate, &protocol.WebRTCICECandidatePayload{
		CallID:    "call-1",
		Candidate: "candidate:1 1 udp 2130706431 192.0.2.1 54400 typ host",
	})
	res, err := e.mgr.handleICECandidate(context.Background(), env, "conn-1")
	if err != nil || !res.Handled {
		t.Fatalf("handle: res=%+v err=%v", res, err)
	}
	if len(e.media.cands) != 1 {
		t.Errorf("forwarded candidates = %d, want 1", len(e.media.cands))
	}
}

func TestHandleMetricsStoresCallQuality(t *testing.T) {
	e := newTestEnv(t, nil)
	s := e.open(t, "u1", "call-1", "conn-1")

	env := mustEnvelope(t, protocol.TypeMetrics, &protocol.MetricsPayload{
		CallID: "call-1",
		Scope:  "call_quality",
		Values: map[string]float64{
			"audioLevel":  0.62,
			"jitterMs":    12,
			"packetLoss":  0.015,
			"roundTripMs": 48,
		},
	})
	if _, err := e.mgr.handleMetrics(context.Background(), env, "conn-1"); err != nil {
		t.Fatalf("handle: %v", err)
	}
	got, _ := e.mgr.Get(s.ID)
	if got.QualityMetrics.AudioLevel != 0.62 || got.QualityMetrics.Jitter != 12 || got.QualityMetrics.RoundTripMs != 48 {
		t.Errorf("quality metrics = %+v", got.QualityMetrics)
	}
}

func TestHandleMetricsSnapshotReply(t *testing.T) {
	e := newTestEnv(t, nil)
	e.open(t, "u1", "call-1", "conn-1")
	e.mgr.EmitResult(context.Background(), "call-1", speechResult("call-1", "chk_1"))

	env := mustEnvelope(t, protocol.TypeMetrics, &protocol.MetricsPayload{Scope: "snapshot"})
	res, err := e.mgr.handleMetrics(context.Background(), env, "conn-1")
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	p := decodePayload(t, res.Reply).(*protocol.MetricsPayload)
	if p.Scope != "server" || p.Values["chunksProcessed"] != 1 || p.Values["connected"] != 1 {
		t.Errorf("snapshot payload = %+v", p)
	}
}

func TestHandleConnectionStatusClosedTerminates(t *testing.T) {
	e := newTestEnv(t, nil)
	e.open(t, "u1", "call-1", "conn-1")

	env := mustEnvelope(t, protocol.TypeConnectionStatus, &protocol.ConnectionStatusPayload{
		ConnectionID: "conn-1",
		State:        "closed",
	})
	if _, err := e.mgr.handleConnectionStatus(context.Background(), env, "conn-1"); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if e.mgr.Stats().Active != 0 {
		t.Error("session survived peer close")
	}
	if rel := e.rel.released(); len(rel) != 1 {
		t.Errorf("pool releases = %+v", rel)
	}
}

func TestRegisterHandlersDispatch(t *testing.T) {
	e := newTestEnv(t, nil)
	e.open(t, "u1", "call-1", "conn-1")

	reg := reliability.NewRegistry()
	e.mgr.RegisterHandlers(reg)

	env := mustEnvelope(t, protocol.TypeHeartbeat, &protocol.HeartbeatPayload{SentAt: 123})
	res, err := reg.Dispatch(context.Background(), env, "conn-1")
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if !res.Handled || res.Reply == nil || res.Reply.Type != protocol.TypeHeartbeat {
		t.Errorf("result = %+v", res)
	}
}

func TestEmitResultHybridRoutesAudioToMedia(t *testing.T) {
	e := newTestEnv(t, nil)
	e.open(t, "u1", "call-1", "conn-1")
	offer := mustEnvelope(t, protocol.TypeWebRTCOffer, &protocol.WebRTCOfferPayload{CallID: "call-1", SDP: "v=0"})
	if _, err := e.mgr.handleWebRTCOffer(context.Background(), offer, "conn-1"); err != nil {
		t.Fatalf("offer: %v", err)
	}

	e.mgr.EmitResult(context.Background(), "call-1", speechResult("call-1", "chk_1"))

	ch := e.media.lastChannel()
	if ch == nil || len(ch.sentAudio()) != 1 {
		t.Fatal("audio did not reach the media channel")
	}
	if frames := e.relay.byType(protocol.TypeAudioResponse); len(frames) != 0 {
		t.Error("hybrid session also sent audio on the reliable transport")
	}
	if frames := e.relay.byType(protocol.TypeTranscript); len(frames) != 1 {
		t.Error("transcript must stay on the reliable transport")
	}
}

func TestMediaFailureFallsBackToReliable(t *testing.T) {
	e := newTestEnv(t, nil)
	s := e.open(t, "u1", "call-1", "conn-1")
	offer := mustEnvelope(t, protocol.TypeWebRTCOffer, &protocol.WebRTCOfferPayload{CallID: "call-1", SDP: "v=0"})
	if _, err := e.mgr.handleWebRTCOffer(context.Background(), offer, "conn-1"); err != nil {
		t.Fatalf("offer: %v", err)
	}
	e.media.lastChannel().sendErr = errors.New("data channel closed")

	e.mgr.EmitResult(context.Background(), "call-1", speechResult("call-1", "chk_1"))

	got, err := e.mgr.Get(s.ID)
	if err != nil {
		t.Fatal("session must survive a media failure with fallback on")
	}
	if got.TransportKind != models.TransportReliable {
		t.Errorf("transport kind = %s, want reliable after fallback", got.TransportKind)
	}
	if frames := e.relay.byType(protocol.TypeAudioResponse); len(frames) != 1 {
		t.Error("audio was not retried on the reliable transport")
	}
	var degraded bool
	for _, f := range e.relay.byType(protocol.TypeConnectionStatus) {
		p := decodePayload(t, f.env).(*protocol.ConnectionStatusPayload)
		if p.State == stateDegraded {
			degraded = true
		}
	}
	if !degraded {
		t.Error("peer was not told about the degraded transport")
	}
	if e.media.lastChannel().closed == 0 {
		t.Error("failed media channel left open")
	}
}

func TestMediaFailureTerminatesWithoutFallback(t *testing.T) {
	e := newTestEnv(t, func(cfg *Config) { cfg.MediaFallback = false })
	s := e.open(t, "u1", "call-1", "conn-1")
	offer := mustEnvelope(t, protocol.TypeWebRTCOffer, &protocol.WebRTCOfferPayload{CallID: "call-1", SDP: "v=0"})
	if _, err := e.mgr.handleWebRTCOffer(context.Background(), offer, "conn-1"); err != nil {
		t.Fatalf("offer: %v", err)
	}

	e.mgr.MediaFailed(s.ID)

	if _, err := e.mgr.Get(s.ID); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatal("session must terminate when media fails without fallback")
	}
	if rel := e.rel.released(); len(rel) != 1 {
		t.Fatalf("pool releases = %+v", rel)
	}
}
