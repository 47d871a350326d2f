// Package webrtc negotiates the optional media upgrade for transport
// sessions. The peer offers, this side answers; audio then rides a
// msgpack-framed data channel named "audio" while control and everything
// else stays on the reliable transport.
package webrtc

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"

	"github.com/voxguard/voxguard/internal/adapters/metrics"
	"github.com/voxguard/voxguard/internal/domain"
	"github.com/voxguard/voxguard/internal/domain/models"
	"github.com/voxguard/voxguard/internal/ports"
	"github.com/voxguard/voxguard/internal/session"
	"github.com/voxguard/voxguard/pkg/protocol"
)

// dataChannelName is the label the offering peer must use for audio.
const dataChannelName = "audio"

// AudioSink receives inbound media audio. The call pipeline satisfies it.
type AudioSink interface {
	Submit(chunk *models.AudioChunk) error
}

// FailureReporter hears about media channels that died remotely. The
// session manager satisfies it.
type FailureReporter interface {
	MediaFailed(sessionID string)
}

type Config struct {
	ICEServers []string
	// OpusBitrateKbps bounds outbound buffering: a send fails once more
	// than two seconds of audio at this rate sits unacknowledged.
	OpusBitrateKbps int
}

func DefaultConfig() Config {
	return Config{
		ICEServers:      []string{"stun:stun.l.google.com:19302"},
		OpusBitrateKbps: 32,
	}
}

// Negotiator answers WebRTC offers and tracks the resulting peer
// connections by session. Implements the session layer's MediaNegotiator.
type Negotiator struct {
	cfg  Config
	sink AudioSink
	ids  ports.IDGenerator

	mu       sync.Mutex
	reporter FailureReporter
	peers    map[string]*peerState
}

// peerState pairs a peer connection with its media channel. gone flips once
// on teardown so local close and remote failure cannot both run it.
type peerState struct {
	pc      *webrtc.PeerConnection
	channel *mediaChannel
	gone    atomic.Bool
}

// NewNegotiator builds the negotiator. An empty ICE server list is honored
// as host-candidates-only; callers wanting the public STUN default take it
// from DefaultConfig.
func NewNegotiator(cfg Config, sink AudioSink, ids ports.IDGenerator) *Negotiator {
	if cfg.OpusBitrateKbps <= 0 {
		cfg.OpusBitrateKbps = DefaultConfig().OpusBitrateKbps
	}
	return &Negotiator{
		cfg:   cfg,
		sink:  sink,
		ids:   ids,
		peers: make(map[string]*peerState),
	}
}

// SetReporter installs the failure callback. The session manager and the
// negotiator reference each other, so this runs after both are built.
func (n *Negotiator) SetReporter(r FailureReporter) {
	n.mu.Lock()
	n.reporter = r
	n.mu.Unlock()
}

// HandleOffer answers a peer's SDP offer and returns the media channel the
// session will route audio through. The answer carries all local candidates;
// the peer's candidates trickle in via AddCandidate.
func (n *Negotiator) HandleOffer(ctx context.Context, sessionID string, offer *protocol.WebRTCOfferPayload) (*protocol.WebRTCAnswerPayload, session.MediaChannel, error) {
	if offer == nil || strings.TrimSpace(offer.SDP) == "" {
		return nil, nil, domain.NewError(domain.KindValidation, "empty media offer")
	}

	// Renegotiation replaces the previous peer connection outright.
	n.mu.Lock()
	prev := n.peers[sessionID]
	delete(n.peers, sessionID)
	n.mu.Unlock()
	if prev != nil {
		n.teardown(sessionID, prev, true)
	}

	pc, err := webrtc.NewPeerConnection(n.rtcConfig())
	if err != nil {
		return nil, nil, fmt.Errorf("create peer connection: %w", err)
	}

	ch := &mediaChannel{
		sessionID:   sessionID,
		callID:      offer.CallID,
		sink:        n.sink,
		ids:         n.ids,
		maxBuffered: uint64(n.cfg.OpusBitrateKbps) * 250, // two seconds at the configured bitrate
	}
	st := &peerState{pc: pc, channel: ch}
	ch.teardown = func(own bool) { n.teardown(sessionID, st, own) }

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != dataChannelName {
			log.Printf("WARNING: media: unexpected data channel %q from session %s", dc.Label(), sessionID)
			return
		}
		dc.OnOpen(func() { ch.attach(dc) })
		dc.OnMessage(func(msg webrtc.DataChannelMessage) { ch.handleInbound(msg.Data) })
		dc.OnClose(func() { n.teardown(sessionID, st, false) })
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if s == webrtc.PeerConnectionStateFailed || s == webrtc.PeerConnectionStateClosed {
			n.teardown(sessionID, st, false)
		}
	})

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}); err != nil {
		pc.Close()
		return nil, nil, fmt.Errorf("set remote description: %w", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		return nil, nil, fmt.Errorf("create answer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		pc.Close()
		return nil, nil, fmt.Errorf("set local description: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		pc.Close()
		return nil, nil, fmt.Errorf("gather candidates: %w", ctx.Err())
	}

	n.mu.Lock()
	n.peers[sessionID] = st
	count := len(n.peers)
	n.mu.Unlock()
	metrics.MediaChannelsActive.Set(float64(count))

	log.Printf("media channel negotiated for session %s: call=%s", sessionID, offer.CallID)
	return &protocol.WebRTCAnswerPayload{
		CallID: offer.CallID,
		PeerID: offer.PeerID,
		SDP:    pc.LocalDescription().SDP,
	}, ch, nil
}

// AddCandidate trickles one remote ICE candidate into the session's peer
// connection.
func (n *Negotiator) AddCandidate(sessionID string, cand *protocol.WebRTCICECandidatePayload) error {
	if cand == nil || cand.Candidate == "" {
		return domain.NewError(domain.KindValidation, "empty ice candidate")
	}
	n.mu.Lock()
	st, ok := n.peers[sessionID]
	n.mu.Unlock()
	if !ok {
		return fmt.Errorf("session %s: %w", sessionID, domain.ErrMediaUnavailable)
	}

	init := webrtc.ICECandidateInit{Candidate: cand.Candidate}
	if cand.SDPMid != "" {
		mid := cand.SDPMid
		init.SDPMid = &mid
	}
	idx := cand.SDPMLineIndex
	init.SDPMLineIndex = &idx

	if err := st.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

// Active reports the number of open media channels.
func (n *Negotiator) Active() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.peers)
}

// Close tears down every negotiated peer connection.
func (n *Negotiator) Close() {
	n.mu.Lock()
	states := make(map[string]*peerState, len(n.peers))
	for sid, st := range n.peers {
		states[sid] = st
	}
	n.mu.Unlock()
	for sid, st := range states {
		n.teardown(sid, st, true)
	}
}

// teardown runs exactly once per peer state. own marks a close initiated by
// this side; remote failures additionally reach the failure reporter so the
// session can fall back or terminate.
func (n *Negotiator) teardown(sessionID string, st *peerState, own bool) {
	if !st.gone.CompareAndSwap(false, true) {
		return
	}
	st.channel.markDead()

	n.mu.Lock()
	if cur, ok := n.peers[sessionID]; ok && cur == st {
		delete(n.peers, sessionID)
	}
	count := len(n.peers)
	rep := n.reporter
	n.mu.Unlock()
	metrics.MediaChannelsActive.Set(float64(count))

	if err := st.pc.Close(); err != nil {
		log.Printf("WARNING: media: close peer connection for session %s: %v", sessionID, err)
	}
	if own {
		return
	}
	log.Printf("WARNING: media channel for session %s failed", sessionID)
	if rep != nil {
		rep.MediaFailed(sessionID)
	}
}

func (n *Negotiator) rtcConfig() webrtc.Configuration {
	servers := make([]webrtc.ICEServer, 0, 1)
	if len(n.cfg.ICEServers) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: n.cfg.ICEServers})
	}
	return webrtc.Configuration{ICEServers: servers}
}
