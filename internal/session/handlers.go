package session

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/voxguard/voxguard/internal/domain"
	"github.com/voxguard/voxguard/internal/domain/models"
	"github.com/voxguard/voxguard/internal/reliability"
	"github.com/voxguard/voxguard/pkg/protocol"
)

// RegisterHandlers installs the session manager's protocol handlers on the
// reliability registry. Handler errors surface to the transport gateway,
// which frames them as error envelopes.
func (m *Manager) RegisterHandlers(reg *reliability.Registry) {
	reg.RegisterFunc(protocol.TypeAudioChunk, m.handleAudioChunk)
	reg.RegisterFunc(protocol.TypeHeartbeat, m.handleHeartbeat)
	reg.RegisterFunc(protocol.TypeSessionRecovery, m.handleSessionRecovery)
	reg.RegisterFunc(protocol.TypeWebRTCOffer, m.handleWebRTCOffer)
	reg.RegisterFunc(protocol.TypeWebRTCICECandidate, m.handleICECandidate)
	reg.RegisterFunc(protocol.TypeMetrics, m.handleMetrics)
	reg.RegisterFunc(protocol.TypeConnectionStatus, m.handleConnectionStatus)
	reg.RegisterFunc(protocol.TypeError, m.handlePeerError)
}

// handleAudioChunk admits one caller audio fragment into the pipeline and
// acknowledges it with a processing_status frame. Backpressure turns into a
// rejected status instead of an error, so the peer slows down and retries.
func (m *Manager) handleAudioChunk(ctx context.Context, env *protocol.Envelope, connectionID string) (reliability.HandlerResult, error) {
	raw, err := protocol.DecodePayload(env)
	p, ok := raw.(*protocol.AudioChunkPayload)
	if err != nil || !ok {
		return reliability.HandlerResult{}, domain.WrapError(domain.KindProtocolInvalid, "audio_chunk payload", err)
	}
	st := m.sessionByConn(connectionID)
	if st == nil {
		return reliability.HandlerResult{}, domain.NewError(domain.KindConnection, "no session bound to connection")
	}
	m.TouchConnection(connectionID)
	if p.CallID != st.rec.CallID {
		return reliability.HandlerResult{}, domain.NewError(domain.KindValidation, "audio chunk callId does not match session")
	}

	chunk := &models.AudioChunk{
		ID:             p.ID,
		CallID:         p.CallID,
		SequenceNumber: p.SequenceNumber,
		Payload:        p.AudioData,
		SampleRate:     p.SampleRate,
		ChannelCount:   p.Channels,
		Encoding:       models.AudioEncoding(p.Encoding),
	}
	if chunk.ID == "" {
		chunk.ID = m.deps.IDs.GenerateChunkID()
	}
	if p.Timestamp > 0 {
		chunk.Timestamp = time.UnixMilli(p.Timestamp)
	} else {
		chunk.Timestamp = time.Now()
	}

	if err := m.deps.Pipeline.Submit(chunk); err != nil {
		if errors.Is(err, domain.ErrQueueFull) {
			reply, rerr := m.statusReply(env, p.CallID, chunk.ID, protocol.StageRejected, "backpressure")
			if rerr != nil {
				return reliability.HandlerResult{}, rerr
			}
			return reliability.HandlerResult{Handled: true, Reply: reply}, nil
		}
		return reliability.HandlerResult{}, err
	}

	reply, rerr := m.statusReply(env, p.CallID, chunk.ID, protocol.StageAudioReceived, "")
	if rerr != nil {
		return reliability.HandlerResult{}, rerr
	}
	return reliability.HandlerResult{Handled: true, Reply: reply}, nil
}

func (m *Manager) handleHeartbeat(ctx context.Context, env *protocol.Envelope, connectionID string) (reliability.HandlerResult, error) {
	raw, err := protocol.DecodePayload(env)
	p, ok := raw.(*protocol.HeartbeatPayload)
	if err != nil || !ok {
		return reliability.HandlerResult{}, domain.WrapError(domain.KindProtocolInvalid, "heartbeat payload", err)
	}
	m.TouchConnection(connectionID)
	echo := &protocol.HeartbeatPayload{SentAt: p.SentAt, ServerTime: time.Now().UnixMilli()}
	reply, rerr := m.replyEnvelope(env, protocol.TypeHeartbeat, echo, protocol.PriorityLow)
	if rerr != nil {
		return reliability.HandlerResult{}, rerr
	}
	return reliability.HandlerResult{Handled: true, Reply: reply}, nil
}

// handleSessionRecovery restores a dropped call when its snapshot is still
// inside the recovery window, and reports the sequence number the peer
// should resume from.
func (m *Manager) handleSessionRecovery(ctx context.Context, env *protocol.Envelope, connectionID string) (reliability.HandlerResult, error) {
	raw, err := protocol.DecodePayload(env)
	p, ok := raw.(*protocol.SessionRecoveryPayload)
	if err != nil || !ok {
		return reliability.HandlerResult{}, domain.WrapError(domain.KindProtocolInvalid, "session_recovery payload", err)
	}
	if p.CallID == "" {
		return reliability.HandlerResult{}, domain.NewError(domain.KindValidation, "session_recovery needs a callId")
	}
	m.TouchConnection(connectionID)

	outcome := m.recover(ctx, connectionID, p)
	reply, rerr := m.replyEnvelope(env, protocol.TypeSessionRecovery, outcome, protocol.PriorityHigh)
	if rerr != nil {
		return reliability.HandlerResult{}, rerr
	}
	return reliability.HandlerResult{Handled: true, Reply: reply}, nil
}

func (m *Manager) recover(ctx context.Context, connectionID string, p *protocol.SessionRecoveryPayload) *protocol.SessionRecoveryPayload {
	out := &protocol.SessionRecoveryPayload{CallID: p.CallID}
	st := m.sessionByConn(connectionID)
	if st != nil {
		out.SessionID = st.rec.ID
	}
	if m.deps.Snapshots == nil {
		out.Reason = "recovery disabled"
		return out
	}
	snap, err := m.deps.Snapshots.Get(ctx, p.CallID)
	if err != nil || snap == nil {
		out.Reason = "snapshot not found"
		return out
	}
	age := time.Since(snap.SavedAt)
	if age > m.cfg.RecoveryWindow {
		out.Reason = "snapshot expired"
		dctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if derr := m.deps.Snapshots.Delete(dctx, p.CallID); derr != nil {
			log.Printf("WARNING: delete expired snapshot for call %s: %v", p.CallID, derr)
		}
		cancel()
		return out
	}
	var profile *models.PersonalityProfile
	if st != nil {
		profile = st.profile
	}
	if err := m.deps.Pipeline.Restore(snap, profile); err != nil {
		log.Printf("WARNING: restore call %s: %v", p.CallID, err)
		out.Reason = "restore failed"
		return out
	}
	out.Recovered = true
	out.LastSequence = snap.LastSequence
	log.Printf("session recovery: call=%s lastSeq=%d age=%s", p.CallID, snap.LastSequence, age.Round(time.Millisecond))
	return out
}

// handleWebRTCOffer answers a peer's SDP offer and upgrades the session to
// hybrid. When negotiation fails the fallback policy decides between staying
// on the reliable transport and terminating.
func (m *Manager) handleWebRTCOffer(ctx context.Context, env *protocol.Envelope, connectionID string) (reliability.HandlerResult, error) {
	raw, err := protocol.DecodePayload(env)
	p, ok := raw.(*protocol.WebRTCOfferPayload)
	if err != nil || !ok {
		return reliability.HandlerResult{}, domain.WrapError(domain.KindProtocolInvalid, "webrtc_offer payload", err)
	}
	st := m.sessionByConn(connectionID)
	if st == nil {
		return reliability.HandlerResult{}, domain.NewError(domain.KindConnection, "no session bound to connection")
	}
	m.TouchConnection(connectionID)
	if m.deps.Media == nil || !m.cfg.PreferMedia {
		return reliability.HandlerResult{}, domain.WrapError(domain.KindValidation, "media transport not enabled", domain.ErrMediaUnavailable)
	}

	answer, channel, err := m.deps.Media.HandleOffer(ctx, st.rec.ID, p)
	if err != nil {
		if m.cfg.MediaFallback {
			log.Printf("WARNING: media negotiation for session %s: %v", st.rec.ID, err)
			return reliability.HandlerResult{}, domain.WrapError(domain.KindStageDependency, "media negotiation failed", err)
		}
		m.statusThenTerminate(st.rec.ID, protocol.CloseInternalError, ReasonTransportFailed)
		return reliability.HandlerResult{}, domain.WrapError(domain.KindConnection, "media negotiation failed", err)
	}

	m.mu.Lock()
	_, live := m.sessions[st.rec.ID]
	if live {
		st.media = channel
		st.rec.TransportKind = models.TransportHybrid
	}
	m.mu.Unlock()
	if !live {
		if cerr := channel.Close(); cerr != nil {
			log.Printf("WARNING: close orphaned media channel: %v", cerr)
		}
		return reliability.HandlerResult{}, domain.NewError(domain.KindConnection, "session ended during negotiation")
	}

	reply, rerr := m.replyEnvelope(env, protocol.TypeWebRTCAnswer, answer, protocol.PriorityHigh)
	if rerr != nil {
		return reliability.HandlerResult{}, rerr
	}
	log.Printf("session %s upgraded to hybrid: call=%s", st.rec.ID, st.rec.CallID)
	return reliability.HandlerResult{Handled: true, Reply: reply}, nil
}

func (m *Manager) handleICECandidate(ctx context.Context, env *protocol.Envelope, connectionID string) (reliability.HandlerResult, error) {
	raw, err := protocol.DecodePayload(env)
	p, ok := raw.(*protocol.WebRTCICECandidatePayload)
	if err != nil || !ok {
		return reliability.HandlerResult{}, domain.WrapError(domain.KindProtocolInvalid, "webrtc_ice_candidate payload", err)
	}
	st := m.sessionByConn(connectionID)
	if st == nil || m.deps.Media == nil {
		return reliability.HandlerResult{Handled: true}, nil
	}
	if err := m.deps.Media.AddCandidate(st.rec.ID, p); err != nil {
		log.Printf("WARNING: ice candidate for session %s: %v", st.rec.ID, err)
	}
	return reliability.HandlerResult{Handled: true}, nil
}

// handleMetrics stores client-reported call quality on the session record
// and answers snapshot requests with the session's own counters.
func (m *Manager) handleMetrics(ctx context.Context, env *protocol.Envelope, connectionID string) (reliability.HandlerResult, error) {
	raw, err := protocol.DecodePayload(env)
	p, ok := raw.(*protocol.MetricsPayload)
	if err != nil || !ok {
		return reliability.HandlerResult{}, domain.WrapError(domain.KindProtocolInvalid, "metrics payload", err)
	}
	st := m.sessionByConn(connectionID)
	if st == nil {
		return reliability.HandlerResult{}, domain.NewError(domain.KindConnection, "no session bound to connection")
	}
	m.TouchConnection(connectionID)

	switch p.Scope {
	case "call_quality":
		m.mu.Lock()
		qm := &st.rec.QualityMetrics
		if v, ok := p.Values["audioLevel"]; ok {
			qm.AudioLevel = v
		}
		if v, ok := p.Values["signalToNoise"]; ok {
			qm.SignalToNoise = v
		}
		if v, ok := p.Values["jitterMs"]; ok {
			qm.Jitter = v
		}
		if v, ok := p.Values["packetLoss"]; ok {
			qm.PacketLoss = v
		}
		if v, ok := p.Values["roundTripMs"]; ok {
			qm.RoundTripMs = v
		}
		m.mu.Unlock()
		return reliability.HandlerResult{Handled: true}, nil
	case "snapshot":
		m.mu.Lock()
		stats := st.rec.Stats
		state := st.rec.State
		m.mu.Unlock()
		out := &protocol.MetricsPayload{
			CallID: st.rec.CallID,
			Scope:  "server",
			Values: map[string]float64{
				"chunksProcessed": float64(stats.ChunksProcessed),
				"silenceChunks":   float64(stats.SilenceChunks),
				"errors":          float64(stats.Errors),
				"avgLatencyMs":    stats.AvgLatencyMs,
				"connected":       boolToFloat(state == models.SessionConnected),
			},
			CollectedAt: time.Now().UnixMilli(),
		}
		reply, rerr := m.replyEnvelope(env, protocol.TypeMetrics, out, protocol.PriorityLow)
		if rerr != nil {
			return reliability.HandlerResult{}, rerr
		}
		return reliability.HandlerResult{Handled: true, Reply: reply}, nil
	default:
		return reliability.HandlerResult{Handled: true}, nil
	}
}

// handleConnectionStatus reacts to the peer announcing its side of the
// transport going away.
func (m *Manager) handleConnectionStatus(ctx context.Context, env *protocol.Envelope, connectionID string) (reliability.HandlerResult, error) {
	raw, err := protocol.DecodePayload(env)
	p, ok := raw.(*protocol.ConnectionStatusPayload)
	if err != nil || !ok {
		return reliability.HandlerResult{}, domain.WrapError(domain.KindProtocolInvalid, "connection_status payload", err)
	}
	switch p.State {
	case "closed", string(models.SessionTerminated):
		if err := m.TerminateByConnection(connectionID, ReasonPeerClosed); err != nil && !errors.Is(err, domain.ErrSessionNotFound) {
			return reliability.HandlerResult{}, err
		}
	default:
		m.TouchConnection(connectionID)
	}
	return reliability.HandlerResult{Handled: true}, nil
}

func (m *Manager) handlePeerError(ctx context.Context, env *protocol.Envelope, connectionID string) (reliability.HandlerResult, error) {
	raw, err := protocol.DecodePayload(env)
	p, ok := raw.(*protocol.ErrorPayload)
	if err != nil || !ok {
		return reliability.HandlerResult{}, domain.WrapError(domain.KindProtocolInvalid, "error payload", err)
	}
	log.Printf("WARNING: peer error on %s: kind=%s message=%q", connectionID, p.Kind, p.Message)
	return reliability.HandlerResult{Handled: true}, nil
}

// statusReply builds a processing_status reply correlated to the inbound
// envelope.
func (m *Manager) statusReply(env *protocol.Envelope, callID, chunkID, stage, detail string) (*protocol.Envelope, error) {
	p := &protocol.ProcessingStatusPayload{
		CallID:  callID,
		ChunkID: chunkID,
		Stage:   stage,
		Detail:  detail,
	}
	return m.replyEnvelope(env, protocol.TypeProcessingStatus, p, protocol.PriorityLow)
}

func (m *Manager) replyEnvelope(env *protocol.Envelope, t protocol.MessageType, payload interface{}, prio protocol.Priority) (*protocol.Envelope, error) {
	raw, err := protocol.MarshalPayload(payload)
	if err != nil {
		return nil, domain.WrapError(domain.KindFatal, "marshal reply payload", err)
	}
	return protocol.NewEnvelope(t, raw, m.cfg.Source).WithPriority(prio).WithCorrelation(env.ID), nil
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
