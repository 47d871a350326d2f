// Package session binds transport connections to calls and drives the
// session lifecycle: admission, idle tracking, the optional media upgrade,
// carrier events, recovery after a dropped connection and teardown. It is
// also the bridge that frames pipeline results back toward the peer.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/voxguard/voxguard/internal/adapters/metrics"
	"github.com/voxguard/voxguard/internal/domain"
	"github.com/voxguard/voxguard/internal/domain/models"
	"github.com/voxguard/voxguard/internal/pool"
	"github.com/voxguard/voxguard/internal/ports"
	"github.com/voxguard/voxguard/pkg/protocol"
)

// ErrManagerClosed is returned by Open after Shutdown has started.
var ErrManagerClosed = errors.New("session manager closed")

// Termination reasons. They select the close code sent to the peer and
// whether the call state is persisted for recovery or discarded.
const (
	ReasonPeerClosed      = "peer_closed"
	ReasonCallEnded       = "call_ended"
	ReasonIdleTimeout     = "idle_timeout"
	ReasonConnectionLost  = "connection_lost"
	ReasonTransportFailed = "transport_failed"
	ReasonEvicted         = "evicted"
	ReasonShutdown        = "shutdown"
)

// Transport transition states reported through connection_status frames, on
// top of the session state names.
const (
	stateUpgraded = "upgraded"
	stateDegraded = "degraded"
)

// FrameSender delivers envelopes to one connection with full reliability
// semantics. *reliability.Manager satisfies it.
type FrameSender interface {
	Send(connectionID string, env *protocol.Envelope) error
}

// Releaser frees the pool slot a session's connection holds.
type Releaser interface {
	Release(connectionID string, reason pool.ReleaseReason) error
}

// CallPipeline is the slice of the processing pipeline the session layer
// drives.
type CallPipeline interface {
	EnsureCall(callID string, profile *models.PersonalityProfile) error
	Submit(chunk *models.AudioChunk) error
	EndCall(callID string)
	Snapshot(callID string) (*models.CallStateSnapshot, error)
	Restore(snap *models.CallStateSnapshot, profile *models.PersonalityProfile) error
}

// MediaChannel is the low-latency sub-transport of a hybrid session.
type MediaChannel interface {
	SendAudio(p *protocol.AudioResponsePayload) error
	Close() error
}

// MediaNegotiator answers peer offers and trickles ICE candidates for the
// media upgrade.
type MediaNegotiator interface {
	HandleOffer(ctx context.Context, sessionID string, offer *protocol.WebRTCOfferPayload) (*protocol.WebRTCAnswerPayload, MediaChannel, error)
	AddCandidate(sessionID string, cand *protocol.WebRTCICECandidatePayload) error
}

// Config tunes the transport session manager.
type Config struct {
	// IdleTimeout moves a connected session to idle; a session idle for
	// another IdleTimeout is terminated.
	IdleTimeout time.Duration
	// RecoveryWindow bounds how old a call snapshot may be and still be
	// restored by session_recovery.
	RecoveryWindow time.Duration
	// SweepInterval is the cadence of the idle sweeper.
	SweepInterval time.Duration
	// PreferMedia enables answering WebRTC offers with a hybrid upgrade.
	PreferMedia bool
	// MediaFallback reverts a session to the reliable transport when media
	// fails; without it, media failure terminates the session.
	MediaFallback bool
	// SampleRate is stamped on outbound audio_response frames.
	SampleRate int
	// Source identifies this node in outbound envelope metadata.
	Source string
}

func DefaultConfig() Config {
	return Config{
		IdleTimeout:    5 * time.Minute,
		RecoveryWindow: 2 * time.Minute,
		SweepInterval:  time.Minute,
		PreferMedia:    false,
		MediaFallback:  true,
		SampleRate:     16000,
		Source:         "voxguard-core",
	}
}

// Deps are the collaborators a Manager drives. Bus, Snapshots and Media are
// optional; without them carrier events, recovery and the media upgrade are
// disabled respectively.
type Deps struct {
	Relay     FrameSender
	Pipeline  CallPipeline
	Pool      Releaser
	IDs       ports.IDGenerator
	Bus       ports.EventBus
	Snapshots ports.SnapshotRepository
	Media     MediaNegotiator
}

// session is the manager's internal record for one live transport session.
type session struct {
	rec     *models.Session
	connID  string
	profile *models.PersonalityProfile
	media   MediaChannel
	unsub   func()
	done    chan struct{}
}

// Manager owns every live transport session on this instance. At most one
// active session exists per (userId, callId).
type Manager struct {
	cfg  Config
	deps Deps

	mu         sync.Mutex
	sessions   map[string]*session            // session id -> state
	byUserCall map[string]string              // userId|callId -> session id
	byConn     map[string]string              // connection id -> session id
	byCall     map[string]map[string]struct{} // call id -> session ids
	closed     bool
	onClose    func(connectionID string, code int, reason string)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewManager(cfg Config, deps Deps) *Manager {
	def := DefaultConfig()
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.RecoveryWindow <= 0 {
		cfg.RecoveryWindow = def.RecoveryWindow
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = def.SampleRate
	}
	if cfg.Source == "" {
		cfg.Source = def.Source
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:        cfg,
		deps:       deps,
		sessions:   make(map[string]*session),
		byUserCall: make(map[string]string),
		byConn:     make(map[string]string),
		byCall:     make(map[string]map[string]struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// SetCloseHandler installs the callback invoked after a session terminates,
// so the transport gateway can close the underlying connection with the
// matching code. Must be called before traffic flows.
func (m *Manager) SetCloseHandler(fn func(connectionID string, code int, reason string)) {
	m.mu.Lock()
	m.onClose = fn
	m.mu.Unlock()
}

// OpenParams binds a pooled connection to a call for one user.
type OpenParams struct {
	UserID       string
	CallID       string
	ConnectionID string
	Profile      *models.PersonalityProfile
}

// Open admits a new transport session. The connection must already hold a
// pool slot; Open rejects a second active session for the same user and
// call.
func (m *Manager) Open(ctx context.Context, p OpenParams) (*models.Session, error) {
	if p.UserID == "" || p.CallID == "" || p.ConnectionID == "" {
		return nil, fmt.Errorf("%w: open needs userId, callId and connectionId", domain.ErrInvalidInput)
	}

	key := p.UserID + "|" + p.CallID
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	if _, ok := m.byUserCall[key]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("user %s call %s: %w", p.UserID, p.CallID, domain.ErrDuplicateSession)
	}
	rec := models.NewSession(m.deps.IDs.GenerateSessionID(), p.UserID, p.CallID)
	st := &session{
		rec:     rec,
		connID:  p.ConnectionID,
		profile: p.Profile,
		done:    make(chan struct{}),
	}
	m.sessions[rec.ID] = st
	m.byUserCall[key] = rec.ID
	m.byConn[p.ConnectionID] = rec.ID
	if m.byCall[p.CallID] == nil {
		m.byCall[p.CallID] = make(map[string]struct{})
	}
	m.byCall[p.CallID][rec.ID] = struct{}{}
	active := len(m.sessions)
	m.mu.Unlock()

	if err := m.deps.Pipeline.EnsureCall(p.CallID, p.Profile); err != nil {
		m.mu.Lock()
		m.removeLocked(st)
		m.mu.Unlock()
		return nil, fmt.Errorf("ensure call %s: %w", p.CallID, err)
	}

	m.subscribeCallEvents(st)
	metrics.SessionsActive.Set(float64(active))
	log.Printf("session %s opened: user=%s call=%s conn=%s", rec.ID, p.UserID, p.CallID, p.ConnectionID)

	out := *rec
	return &out, nil
}

// TouchConnection records inbound activity for the session bound to a
// connection, waking it from idle.
func (m *Manager) TouchConnection(connectionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	sid, ok := m.byConn[connectionID]
	if !ok {
		return false
	}
	m.sessions[sid].rec.Touch()
	return true
}

// Get returns a copy of one session record.
func (m *Manager) Get(sessionID string) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.sessions[sessionID]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	out := *st.rec
	return &out, nil
}

// Snapshot returns copies of every live session record, for the ops surface.
func (m *Manager) Snapshot() []models.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Session, 0, len(m.sessions))
	for _, st := range m.sessions {
		out = append(out, *st.rec)
	}
	return out
}

// Stats summarizes the live session set.
type Stats struct {
	Active       int `json:"active"`
	Hybrid       int `json:"hybrid"`
	Idle         int `json:"idle"`
	Transferring int `json:"transferring"`
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Stats{Active: len(m.sessions)}
	for _, st := range m.sessions {
		if st.rec.TransportKind == models.TransportHybrid {
			s.Hybrid++
		}
		switch st.rec.State {
		case models.SessionIdle:
			s.Idle++
		case models.SessionTransferring:
			s.Transferring++
		}
	}
	return s
}

// Terminate ends one session. The pool slot is released, the per-call event
// subscription is dropped, and when this was the last session observing the
// call, the call's pipeline state is either persisted for recovery or
// discarded depending on the reason.
func (m *Manager) Terminate(sessionID, reason string) error {
	m.mu.Lock()
	st, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return domain.ErrSessionNotFound
	}
	m.removeLocked(st)
	if reason == ReasonTransportFailed || reason == ReasonConnectionLost {
		st.rec.State = models.SessionError
	} else {
		st.rec.State = models.SessionTerminated
	}
	lastOnCall := len(m.byCall[st.rec.CallID]) == 0
	active := len(m.sessions)
	onClose := m.onClose
	m.mu.Unlock()

	close(st.done)
	if st.unsub != nil {
		st.unsub()
	}
	if st.media != nil {
		if err := st.media.Close(); err != nil {
			log.Printf("WARNING: media channel close for session %s: %v", sessionID, err)
		}
	}
	if lastOnCall {
		m.finishCall(sessionID, st.rec.CallID, reason)
	}
	if reason != ReasonEvicted {
		if err := m.deps.Pool.Release(st.connID, releaseReason(reason)); err != nil {
			log.Printf("WARNING: pool release for %s: %v", st.connID, err)
		}
	}
	metrics.SessionsActive.Set(float64(active))
	if onClose != nil {
		onClose(st.connID, closeCode(reason), reason)
	}
	log.Printf("session %s terminated: reason=%s user=%s call=%s", sessionID, reason, st.rec.UserID, st.rec.CallID)
	return nil
}

// TerminateByConnection ends the session bound to a connection. The pool
// eviction handler and the transport gateway use it when the connection goes
// away first.
func (m *Manager) TerminateByConnection(connectionID, reason string) error {
	m.mu.Lock()
	sid, ok := m.byConn[connectionID]
	m.mu.Unlock()
	if !ok {
		return domain.ErrSessionNotFound
	}
	return m.Terminate(sid, reason)
}

// MediaFailed reverts the session to the reliable transport, or terminates
// it when fallback is disabled. The media adapter calls it when the data
// channel drops after a successful upgrade.
func (m *Manager) MediaFailed(sessionID string) {
	m.mu.Lock()
	st, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return
	}
	connID := st.connID
	media := st.media
	st.media = nil
	if m.cfg.MediaFallback {
		st.rec.TransportKind = models.TransportReliable
	}
	m.mu.Unlock()

	if media != nil {
		if err := media.Close(); err != nil {
			log.Printf("WARNING: media channel close for session %s: %v", sessionID, err)
		}
	}
	if m.cfg.MediaFallback {
		log.Printf("WARNING: media transport failed for session %s, reverting to reliable", sessionID)
		m.sendStatus(connID, stateDegraded, 0, "media transport failed", protocol.PriorityNormal)
		return
	}
	m.sendStatus(connID, string(models.SessionTerminated), protocol.CloseInternalError, ReasonTransportFailed, protocol.PriorityUrgent)
	if err := m.Terminate(sessionID, ReasonTransportFailed); err != nil && !errors.Is(err, domain.ErrSessionNotFound) {
		log.Printf("ERROR: terminate after media failure: %v", err)
	}
}

// Run drives the idle sweeper until the context ends.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.sweep(now)
		}
	}
}

// Shutdown finalizes every session in parallel, bounded by the context
// deadline. Call state is persisted so calls can be recovered after a
// restart.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	m.closed = true
	ids := make([]string, 0, len(m.sessions))
	for sid := range m.sessions {
		ids = append(ids, sid)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, sid := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			m.statusThenTerminate(id, protocol.CloseGoingAway, ReasonShutdown)
		}(sid)
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.Printf("WARNING: session shutdown grace expired: %v", ctx.Err())
	}
	m.cancel()
}

// sweep idles connected sessions past the idle timeout and reaps sessions
// that stayed inactive for another timeout on top of it.
func (m *Manager) sweep(now time.Time) {
	var reap []string
	m.mu.Lock()
	for sid, st := range m.sessions {
		inactive := now.Sub(st.rec.LastActivityAt)
		switch {
		case st.rec.State == models.SessionConnected && inactive >= m.cfg.IdleTimeout:
			st.rec.State = models.SessionIdle
		case st.rec.State != models.SessionConnected && inactive >= 2*m.cfg.IdleTimeout:
			reap = append(reap, sid)
		}
	}
	m.mu.Unlock()

	for _, sid := range reap {
		m.statusThenTerminate(sid, protocol.CloseNormal, ReasonIdleTimeout)
	}

	if m.deps.Snapshots != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		n, err := m.deps.Snapshots.DeleteOlderThan(ctx, now.Add(-m.cfg.RecoveryWindow))
		cancel()
		if err != nil {
			log.Printf("WARNING: snapshot sweep: %v", err)
		} else if n > 0 {
			log.Printf("snapshot sweep removed %d expired call snapshots", n)
		}
	}
}

// statusThenTerminate notifies the peer and then runs the normal teardown.
func (m *Manager) statusThenTerminate(sessionID string, code int, reason string) {
	m.mu.Lock()
	st, ok := m.sessions[sessionID]
	var connID string
	if ok {
		connID = st.connID
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	m.sendStatus(connID, string(models.SessionTerminated), code, reason, protocol.PriorityUrgent)
	if err := m.Terminate(sessionID, reason); err != nil && !errors.Is(err, domain.ErrSessionNotFound) {
		log.Printf("ERROR: terminate session %s: %v", sessionID, err)
	}
}

// finishCall persists or discards the call's pipeline state and ends the
// call. Reasons describing an interrupted transport keep a snapshot so the
// peer can recover within the window; reasons meaning the call is over drop
// it.
func (m *Manager) finishCall(sessionID, callID, reason string) {
	persist := false
	switch reason {
	case ReasonConnectionLost, ReasonTransportFailed, ReasonEvicted, ReasonShutdown, ReasonIdleTimeout:
		persist = true
	}
	if m.deps.Snapshots != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if persist {
			snap, err := m.deps.Pipeline.Snapshot(callID)
			if err != nil {
				log.Printf("WARNING: snapshot call %s: %v", callID, err)
			} else {
				snap.SessionID = sessionID
				if err := m.deps.Snapshots.Save(ctx, snap); err != nil {
					log.Printf("WARNING: persist snapshot for call %s: %v", callID, err)
				}
			}
		} else {
			if err := m.deps.Snapshots.Delete(ctx, callID); err != nil {
				log.Printf("WARNING: delete snapshot for call %s: %v", callID, err)
			}
		}
		cancel()
	}
	m.deps.Pipeline.EndCall(callID)
}

// subscribeCallEvents attaches the session to the cross-instance call event
// channel. Missing bus or a failed subscribe degrades to local-only events.
func (m *Manager) subscribeCallEvents(st *session) {
	if m.deps.Bus == nil {
		return
	}
	events, unsub, err := m.deps.Bus.Subscribe(m.ctx, ports.CallEventsChannel)
	if err != nil {
		log.Printf("WARNING: call event subscribe for session %s: %v", st.rec.ID, err)
		return
	}
	m.mu.Lock()
	if _, live := m.sessions[st.rec.ID]; !live {
		m.mu.Unlock()
		unsub()
		return
	}
	st.unsub = unsub
	m.mu.Unlock()

	m.wg.Add(1)
	go m.pump(st, events)
}

// pump translates call events into peer notifications and state
// transitions until the session ends.
func (m *Manager) pump(st *session, events <-chan ports.Event) {
	defer m.wg.Done()
	for {
		select {
		case <-st.done:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.CallID != st.rec.CallID {
				continue
			}
			switch ev.Kind {
			case ports.EventCallTransfer:
				m.handleTransfer(st, ev)
			case ports.EventCallTerminate:
				m.handleCarrierTerminate(st, ev)
			}
		}
	}
}

func (m *Manager) handleTransfer(st *session, ev ports.Event) {
	m.mu.Lock()
	if _, live := m.sessions[st.rec.ID]; !live {
		m.mu.Unlock()
		return
	}
	st.rec.State = models.SessionTransferring
	connID := st.connID
	m.mu.Unlock()

	m.sendStatus(connID, string(models.SessionTransferring), 0, ev.Payload["target"], protocol.PriorityNormal)
	log.Printf("session %s transferring: call=%s target=%s", st.rec.ID, st.rec.CallID, ev.Payload["target"])
}

func (m *Manager) handleCarrierTerminate(st *session, ev ports.Event) {
	reason := ev.Payload["reason"]
	if reason == "" {
		reason = "call terminated"
	}
	m.sendStatus(st.connID, string(models.SessionTerminated), protocol.CloseNormal, reason, protocol.PriorityUrgent)
	if err := m.Terminate(st.rec.ID, ReasonCallEnded); err != nil && !errors.Is(err, domain.ErrSessionNotFound) {
		log.Printf("ERROR: terminate session %s on call event: %v", st.rec.ID, err)
	}
}

// sessionByConn resolves a live session by its connection, for the protocol
// handlers.
func (m *Manager) sessionByConn(connectionID string) *session {
	m.mu.Lock()
	defer m.mu.Unlock()
	sid, ok := m.byConn[connectionID]
	if !ok {
		return nil
	}
	return m.sessions[sid]
}

// removeLocked drops the session from every index. Callers hold mu.
func (m *Manager) removeLocked(st *session) {
	delete(m.sessions, st.rec.ID)
	delete(m.byUserCall, st.rec.UserID+"|"+st.rec.CallID)
	delete(m.byConn, st.connID)
	if set, ok := m.byCall[st.rec.CallID]; ok {
		delete(set, st.rec.ID)
		if len(set) == 0 {
			delete(m.byCall, st.rec.CallID)
		}
	}
}

// sendStatus frames one connection_status notification toward the peer.
func (m *Manager) sendStatus(connectionID, state string, code int, reason string, prio protocol.Priority) {
	p := &protocol.ConnectionStatusPayload{
		ConnectionID: connectionID,
		State:        state,
		Code:         code,
		Reason:       reason,
	}
	if err := m.sendPayload(connectionID, protocol.TypeConnectionStatus, p, prio); err != nil {
		log.Printf("WARNING: connection_status send to %s: %v", connectionID, err)
	}
}

// sendPayload marshals one payload into an envelope and hands it to the
// reliable transport.
func (m *Manager) sendPayload(connectionID string, t protocol.MessageType, payload interface{}, prio protocol.Priority) error {
	raw, err := protocol.MarshalPayload(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", t, err)
	}
	env := protocol.NewEnvelope(t, raw, m.cfg.Source).WithPriority(prio)
	return m.deps.Relay.Send(connectionID, env)
}

// releaseReason maps a session termination reason onto the pool's release
// taxonomy. Reasons describing a broken transport are fatal for the slot.
func releaseReason(reason string) pool.ReleaseReason {
	switch reason {
	case ReasonConnectionLost, ReasonTransportFailed:
		return pool.ReleaseError
	case ReasonShutdown:
		return pool.ReleaseShutdown
	default:
		return pool.ReleaseCallEnded
	}
}

// closeCode picks the transport close code for a termination reason.
func closeCode(reason string) int {
	switch reason {
	case ReasonShutdown:
		return protocol.CloseGoingAway
	case ReasonEvicted:
		return protocol.ClosePolicy
	case ReasonTransportFailed, ReasonConnectionLost:
		return protocol.CloseInternalError
	default:
		return protocol.CloseNormal
	}
}
