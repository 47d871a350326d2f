package reliability

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/voxguard/voxguard/internal/adapters/metrics"
	"github.com/voxguard/voxguard/internal/domain"
	"github.com/voxguard/voxguard/pkg/protocol"
)

// ErrDuplicate marks a frame dropped by the per-connection dedup set.
var ErrDuplicate = errors.New("duplicate envelope")

// Sender delivers one sealed frame to a connection. The transport write
// pumps implement it.
type Sender interface {
	SendFrame(connectionID string, frame []byte) error
}

// SenderFunc adapts a plain function to Sender.
type SenderFunc func(connectionID string, frame []byte) error

func (f SenderFunc) SendFrame(connectionID string, frame []byte) error {
	return f(connectionID, frame)
}

// FailedMessage reports an envelope the layer gave up on. The session
// manager consumes these to decide on recovery.
type FailedMessage struct {
	Envelope     *protocol.Envelope
	ConnectionID string
	Retries      int
	Reason       string
}

// ManagerConfig tunes the reliability layer.
type ManagerConfig struct {
	// Source names this node in metadata.source of acks it emits.
	Source string
	// AckTimeout is how long a sent envelope may wait before retransmission.
	AckTimeout time.Duration
	// MaxRetries bounds retransmissions before the envelope fails.
	MaxRetries int
	// ScanInterval is the cadence of the retransmit and orphan passes.
	ScanInterval time.Duration
	// DedupWindow is the per-connection recently-seen id capacity.
	DedupWindow int
	// FailedBuffer sizes the failed-message event queue.
	FailedBuffer int
}

func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		Source:       "server",
		AckTimeout:   5 * time.Second,
		MaxRetries:   3,
		ScanInterval: time.Second,
		DedupWindow:  1024,
		FailedBuffer: 64,
	}
}

// pendingEntry tracks one unacknowledged envelope.
type pendingEntry struct {
	env          *protocol.Envelope
	connectionID string
	firstSentAt  time.Time
	sentAt       time.Time
	retries      int
}

// dedupSet is a bounded FIFO of recently-seen envelope ids. Not safe for
// concurrent use; the manager guards it.
type dedupSet struct {
	ids  []string
	seen map[string]struct{}
	next int
	size int
}

func newDedupSet(window int) *dedupSet {
	return &dedupSet{
		ids:  make([]string, window),
		seen: make(map[string]struct{}, window),
	}
}

// Seen reports whether the id was already recorded, recording it otherwise.
// When the window is full the oldest id is evicted.
func (d *dedupSet) Seen(id string) bool {
	if _, ok := d.seen[id]; ok {
		return true
	}
	if d.size == len(d.ids) {
		delete(d.seen, d.ids[d.next])
	} else {
		d.size++
	}
	d.ids[d.next] = id
	d.seen[id] = struct{}{}
	d.next = (d.next + 1) % len(d.ids)
	return false
}

// connState holds per-connection sequencing and dedup state.
type connState struct {
	nextSeq int64
	dedup   *dedupSet
}

// Manager is the reliability layer over a frame transport: it seals and
// sequences outgoing envelopes, parks ack-required ones for retransmission,
// deduplicates and acknowledges incoming ones, and dispatches them through
// the handler registry.
type Manager struct {
	cfg      ManagerConfig
	codec    *protocol.Codec
	sender   Sender
	registry *Registry

	mu      sync.Mutex
	pending map[string]*pendingEntry
	conns   map[string]*connState

	failed chan FailedMessage
}

// NewManager wires the reliability layer. sender must not be nil; a nil
// codec or registry gets a default instance.
func NewManager(cfg ManagerConfig, codec *protocol.Codec, sender Sender, registry *Registry) *Manager {
	def := DefaultManagerConfig()
	if cfg.Source == "" {
		cfg.Source = def.Source
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = def.AckTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = def.ScanInterval
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = def.DedupWindow
	}
	if cfg.FailedBuffer <= 0 {
		cfg.FailedBuffer = def.FailedBuffer
	}
	if codec == nil {
		codec = protocol.NewCodec()
	}
	if registry == nil {
		registry = NewRegistry()
	}
	return &Manager{
		cfg:      cfg,
		codec:    codec,
		sender:   sender,
		registry: registry,
		pending:  make(map[string]*pendingEntry),
		conns:    make(map[string]*connState),
		failed:   make(chan FailedMessage, cfg.FailedBuffer),
	}
}

// Registry returns the handler registry the manager dispatches through.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// Failed exposes envelopes the layer gave up delivering.
func (m *Manager) Failed() <-chan FailedMessage {
	return m.failed
}

// Send seals the envelope, assigns its per-connection sequence number and
// writes it to the transport. Ack-required envelopes are parked for
// retransmission until acknowledged.
func (m *Manager) Send(connectionID string, env *protocol.Envelope) error {
	m.mu.Lock()
	conn := m.ensureConnLocked(connectionID)
	conn.nextSeq++
	env.SequenceNumber = conn.nextSeq
	m.mu.Unlock()

	frame, err := m.codec.Encode(env)
	if err != nil {
		return fmt.Errorf("encode %s envelope: %w", env.Type, err)
	}

	// Park before writing: the ack may race the send on a fast peer.
	if env.AckRequired {
		now := time.Now()
		m.mu.Lock()
		m.pending[env.ID] = &pendingEntry{
			env:          env,
			connectionID: connectionID,
			firstSentAt:  now,
			sentAt:       now,
		}
		m.mu.Unlock()
	}

	if err := m.sender.SendFrame(connectionID, frame); err != nil {
		if env.AckRequired {
			m.mu.Lock()
			delete(m.pending, env.ID)
			m.mu.Unlock()
		}
		return fmt.Errorf("send %s envelope: %w", env.Type, err)
	}
	return nil
}

// Receive runs one incoming frame through the receive path: decode and
// validate, resolve acks, acknowledge ack-required envelopes, drop
// duplicates, then dispatch. A handler reply is sent back on the same
// connection with full reliability semantics.
func (m *Manager) Receive(ctx context.Context, connectionID string, frame []byte) (HandlerResult, error) {
	env, payload, err := m.codec.Decode(frame)
	if err != nil {
		kind := domain.KindProtocolInvalid
		label := "invalid"
		switch {
		case errors.Is(err, protocol.ErrChecksumMismatch):
			kind, label = domain.KindProtocolIntegrity, "integrity"
		case errors.Is(err, protocol.ErrExpired):
			kind, label = domain.KindProtocolExpired, "expired"
		}
		metrics.ProtocolErrorsTotal.WithLabelValues(label).Inc()
		return HandlerResult{}, domain.WrapError(kind, "decode frame", err)
	}

	// Acks are terminal here and exempt from dedup, since retransmits
	// legitimately repeat them.
	if env.Type == protocol.TypeAck {
		ack, ok := payload.(*protocol.AckPayload)
		if !ok || ack.AckedID == "" {
			return HandlerResult{}, domain.NewError(domain.KindProtocolInvalid, "ack payload malformed")
		}
		m.resolveAck(connectionID, ack)
		return HandlerResult{Handled: true}, nil
	}

	// Acknowledge before the dedup check: a duplicate usually means our
	// previous ack was lost, and only another ack stops the retransmits.
	if env.AckRequired {
		if err := m.sendAck(connectionID, env); err != nil {
			log.Printf("WARNING: ack send failed for %s: %v", env.ID, err)
		}
	}

	m.mu.Lock()
	dup := m.ensureConnLocked(connectionID).dedup.Seen(env.ID)
	m.mu.Unlock()
	if dup {
		metrics.DuplicatesDetectedTotal.Inc()
		return HandlerResult{}, fmt.Errorf("%w: id=%s", ErrDuplicate, env.ID)
	}

	res, err := m.registry.Dispatch(ctx, env, connectionID)
	if err != nil {
		return res, err
	}
	if res.Reply != nil {
		if err := m.Send(connectionID, res.Reply); err != nil {
			return res, fmt.Errorf("send reply: %w", err)
		}
	}
	return res, nil
}

// ReleaseConnection drops per-connection state and abandons its pending
// envelopes, surfacing them as failed so the session layer can recover.
func (m *Manager) ReleaseConnection(connectionID string) {
	var abandoned []*pendingEntry
	m.mu.Lock()
	delete(m.conns, connectionID)
	for id, entry := range m.pending {
		if entry.connectionID == connectionID {
			delete(m.pending, id)
			abandoned = append(abandoned, entry)
		}
	}
	m.mu.Unlock()

	for _, entry := range abandoned {
		m.emitFailed(FailedMessage{
			Envelope:     entry.env,
			ConnectionID: connectionID,
			Retries:      entry.retries,
			Reason:       "connection closed",
		})
	}
	if len(abandoned) > 0 {
		log.Printf("connection %s released with %d unacknowledged messages", connectionID, len(abandoned))
	}
}

// Run drives the retransmit and orphan passes until the context ends.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.ScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			m.scanPending(now)
			m.sweepOrphans(now)
		}
	}
}

// ManagerStats is a point-in-time snapshot for the ops surface.
type ManagerStats struct {
	PendingAcks int
	Connections int
}

func (m *Manager) Stats() ManagerStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ManagerStats{
		PendingAcks: len(m.pending),
		Connections: len(m.conns),
	}
}

func (m *Manager) ensureConnLocked(connectionID string) *connState {
	conn, ok := m.conns[connectionID]
	if !ok {
		conn = &connState{dedup: newDedupSet(m.cfg.DedupWindow)}
		m.conns[connectionID] = conn
	}
	return conn
}

// sendAck emits an ack for the envelope, reusing its id so the peer can
// correlate without parsing the payload. Acks are never themselves parked.
func (m *Manager) sendAck(connectionID string, env *protocol.Envelope) error {
	payload := &protocol.AckPayload{AckedID: env.ID, Status: protocol.AckStatusReceived}
	if transit := time.Now().UnixMilli() - env.Timestamp; transit > 0 {
		payload.LatencyMs = transit
	}
	raw, err := protocol.MarshalPayload(payload)
	if err != nil {
		return fmt.Errorf("marshal ack payload: %w", err)
	}
	ack := protocol.NewEnvelope(protocol.TypeAck, raw, m.cfg.Source).WithCorrelation(env.ID)
	ack.ID = env.ID
	frame, err := m.codec.Encode(ack)
	if err != nil {
		return fmt.Errorf("encode ack: %w", err)
	}
	return m.sender.SendFrame(connectionID, frame)
}

// resolveAck settles the pending entry an ack refers to. Late acks for
// already-settled entries are ignored.
func (m *Manager) resolveAck(connectionID string, ack *protocol.AckPayload) {
	m.mu.Lock()
	entry, ok := m.pending[ack.AckedID]
	if ok {
		delete(m.pending, ack.AckedID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	if ack.Status == protocol.AckStatusFailed {
		log.Printf("WARNING: peer rejected %s on %s", ack.AckedID, connectionID)
		m.emitFailed(FailedMessage{
			Envelope:     entry.env,
			ConnectionID: entry.connectionID,
			Retries:      entry.retries,
			Reason:       "rejected by peer",
		})
		return
	}

	rtt := time.Since(entry.sentAt)
	metrics.AckLatency.Observe(rtt.Seconds())
	log.Printf("ack %s resolved after %v (%d retries)", ack.AckedID, rtt.Round(time.Millisecond), entry.retries)
}

// scanPending retransmits timed-out entries and fails the ones that
// exhausted their retries.
func (m *Manager) scanPending(now time.Time) {
	var resend, failed []*pendingEntry

	m.mu.Lock()
	for id, entry := range m.pending {
		if now.Sub(entry.sentAt) < m.cfg.AckTimeout {
			continue
		}
		if entry.retries >= m.cfg.MaxRetries {
			delete(m.pending, id)
			failed = append(failed, entry)
			continue
		}
		entry.retries++
		entry.sentAt = now
		entry.env.Retry = entry.retries
		resend = append(resend, entry)
	}
	m.mu.Unlock()

	for _, entry := range resend {
		frame, err := m.codec.Encode(entry.env)
		if err != nil {
			log.Printf("WARNING: re-encode %s failed: %v", entry.env.ID, err)
			continue
		}
		metrics.RetransmitsTotal.Inc()
		log.Printf("resending %s to %s (retry %d/%d)", entry.env.ID, entry.connectionID, entry.retries, m.cfg.MaxRetries)
		if err := m.sender.SendFrame(entry.connectionID, frame); err != nil {
			log.Printf("WARNING: resend %s failed: %v", entry.env.ID, err)
		}
	}
	for _, entry := range failed {
		metrics.DeliveryFailedTotal.Inc()
		log.Printf("WARNING: message %s to %s failed after %d retries", entry.env.ID, entry.connectionID, entry.retries)
		m.emitFailed(FailedMessage{
			Envelope:     entry.env,
			ConnectionID: entry.connectionID,
			Retries:      entry.retries,
			Reason:       "ack timeout",
		})
	}
}

// sweepOrphans clears entries that evaded the retransmit path for longer
// than the whole retry window.
func (m *Manager) sweepOrphans(now time.Time) {
	maxAge := m.cfg.AckTimeout * time.Duration(m.cfg.MaxRetries+1)
	var orphans []*pendingEntry

	m.mu.Lock()
	for id, entry := range m.pending {
		if now.Sub(entry.firstSentAt) > maxAge {
			delete(m.pending, id)
			orphans = append(orphans, entry)
		}
	}
	m.mu.Unlock()

	for _, entry := range orphans {
		metrics.DeliveryFailedTotal.Inc()
		log.Printf("WARNING: sweeping orphaned message %s to %s (age %v)",
			entry.env.ID, entry.connectionID, now.Sub(entry.firstSentAt).Round(time.Millisecond))
		m.emitFailed(FailedMessage{
			Envelope:     entry.env,
			ConnectionID: entry.connectionID,
			Retries:      entry.retries,
			Reason:       "orphaned",
		})
	}
}

func (m *Manager) emitFailed(msg FailedMessage) {
	select {
	case m.failed <- msg:
	default:
		log.Printf("WARNING: failed-message queue full, dropping event for %s", msg.Envelope.ID)
	}
}
