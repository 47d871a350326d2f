package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/voxguard/voxguard/internal/adapters/metrics"
	"github.com/voxguard/voxguard/internal/domain"
	"github.com/voxguard/voxguard/internal/domain/models"
	"github.com/voxguard/voxguard/internal/pool"
	"github.com/voxguard/voxguard/internal/ports"
	"github.com/voxguard/voxguard/internal/reliability"
	"github.com/voxguard/voxguard/internal/session"
	"github.com/voxguard/voxguard/internal/signaling"
	"github.com/voxguard/voxguard/pkg/protocol"
)

// Relay is the reliability layer the gateway runs frames through.
type Relay interface {
	Send(connectionID string, env *protocol.Envelope) error
	Receive(ctx context.Context, connectionID string, frame []byte) (reliability.HandlerResult, error)
	ReleaseConnection(connectionID string)
}

// Admitter opens and ends transport sessions for admitted connections.
// *session.Manager satisfies it.
type Admitter interface {
	Open(ctx context.Context, p session.OpenParams) (*models.Session, error)
	TerminateByConnection(connectionID, reason string) error
	TouchConnection(connectionID string) bool
}

// UserSessions is the authenticated-session lifecycle admission runs
// against. *session.Lifecycle satisfies it.
type UserSessions interface {
	Establish(ctx context.Context, userID, deviceID, fingerprint string) (*models.UserSession, error)
	Validate(ctx context.Context, sessionID, fingerprint string) (*models.UserSession, error)
}

// SlotPool hands out and reclaims connection slots. *pool.Pool satisfies it.
type SlotPool interface {
	Acquire(ctx context.Context, req pool.Request) (*pool.Connection, error)
	Release(id string, reason pool.ReleaseReason) error
}

// RoomHub is the signaling hub the gateway feeds peer messages to.
// *signaling.Hub satisfies it.
type RoomHub interface {
	Join(ctx context.Context, peerID, userID, callID, roomID string, metadata map[string]string) (*signaling.JoinReply, error)
	Leave(ctx context.Context, peerID, roomID string) error
	Forward(ctx context.Context, fromPeerID, targetPeerID, kind string, data json.RawMessage) error
	Touch(peerID string)
	DisconnectPeer(ctx context.Context, peerID string)
}

// Config tunes the gateway endpoints.
type Config struct {
	AllowedOrigins []string
	// ReadLimit caps one inbound frame in bytes.
	ReadLimit int64
	// HeartbeatInterval is the server ping cadence; a peer silent for twice
	// this is dropped.
	HeartbeatInterval time.Duration
	WriteTimeout      time.Duration
	// SendQueue buffers outbound frames per connection.
	SendQueue int
	// RatePerSec and RateBurst bound inbound frames per connection.
	RatePerSec float64
	RateBurst  int
	// RevalidateInterval is how often a busy connection re-checks its user
	// session and device binding.
	RevalidateInterval time.Duration
	// Source names this node in gateway-emitted envelope metadata.
	Source string
}

func DefaultConfig() Config {
	return Config{
		ReadLimit:          protocol.MaxFrameSize,
		HeartbeatInterval:  30 * time.Second,
		WriteTimeout:       10 * time.Second,
		SendQueue:          64,
		RatePerSec:         50,
		RateBurst:          100,
		RevalidateInterval: time.Minute,
		Source:             "voxguard-core",
	}
}

// Deps are the gateway's collaborators. Users may be nil to skip lifecycle
// enforcement; Hub may be nil when signaling is not exposed.
type Deps struct {
	Conns    *Conns
	Relay    Relay
	Sessions Admitter
	Users    UserSessions
	Pool     SlotPool
	Verifier ports.TokenVerifier
	IDs      ports.IDGenerator
	Hub      RoomHub
}

// Gateway terminates WebSocket traffic for the envelope protocol and the
// signaling channel. It is the session manager's close handler and the
// signaling hub's notifier.
type Gateway struct {
	cfg      Config
	deps     Deps
	upgrader websocket.Upgrader

	pmu   sync.RWMutex
	peers map[string]*wsConn
}

func NewGateway(cfg Config, deps Deps) *Gateway {
	def := DefaultConfig()
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = def.ReadLimit
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.SendQueue <= 0 {
		cfg.SendQueue = def.SendQueue
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = def.RatePerSec
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = def.RateBurst
	}
	if cfg.RevalidateInterval <= 0 {
		cfg.RevalidateInterval = def.RevalidateInterval
	}
	if cfg.Source == "" {
		cfg.Source = def.Source
	}

	allowed := make(map[string]bool, len(cfg.AllowedOrigins))
	for _, origin := range cfg.AllowedOrigins {
		allowed[origin] = true
	}

	return &Gateway{
		cfg:  cfg,
		deps: deps,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				return allowed[origin]
			},
		},
		peers: make(map[string]*wsConn),
	}
}

// SetHub installs the signaling hub. The hub notifies peers through the
// gateway, so it is constructed after it; call before traffic flows.
func (g *Gateway) SetHub(hub RoomHub) {
	g.deps.Hub = hub
}

// admission is what the read pump needs to keep a connection honest.
type admission struct {
	userSessionID string
	fingerprint   string
}

// HandleEnvelope admits one envelope connection: verify the token, bind the
// device, acquire a pool slot, upgrade, open the transport session and pump
// frames until either side ends it.
func (g *Gateway) HandleEnvelope(w http.ResponseWriter, r *http.Request) {
	claims, err := g.authenticate(r)
	if err != nil {
		httpError(w, http.StatusUnauthorized, "invalid admission token")
		return
	}
	fingerprint := deviceFingerprint(r)
	if fingerprint == "" {
		httpError(w, http.StatusBadRequest, "device fingerprint is required")
		return
	}

	var adm admission
	if g.deps.Users != nil {
		us, err := g.deps.Users.Establish(r.Context(), claims.UserID, claims.DeviceID, fingerprint)
		if err != nil {
			switch {
			case errors.Is(err, domain.ErrSessionLimit):
				httpError(w, http.StatusTooManyRequests, "session limit reached")
			case errors.Is(err, domain.ErrInvalidInput):
				httpError(w, http.StatusBadRequest, err.Error())
			default:
				log.Printf("ERROR: gateway: establish user session for %s: %v", claims.UserID, err)
				httpError(w, http.StatusInternalServerError, "session establishment failed")
			}
			return
		}
		adm = admission{userSessionID: us.ID, fingerprint: fingerprint}
	}

	callID := claims.CallID
	if callID == "" {
		callID = r.URL.Query().Get("call")
	}
	if callID == "" {
		callID = g.deps.IDs.GenerateCallID()
	}

	slot, err := g.deps.Pool.Acquire(r.Context(), pool.Request{
		UserID:   claims.UserID,
		CallID:   callID,
		Kind:     models.TransportReliable,
		Priority: protocol.Priority(r.URL.Query().Get("priority")).Rank(),
	})
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrUserLimitExceeded):
			httpError(w, http.StatusTooManyRequests, "connection limit reached")
		case errors.Is(err, domain.ErrPoolExhausted), errors.Is(err, domain.ErrAcquireTimeout), errors.Is(err, domain.ErrPoolShutdown):
			httpError(w, http.StatusServiceUnavailable, "no connection capacity")
		default:
			httpError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	sock, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WARNING: gateway: upgrade failed for %s: %v", claims.UserID, err)
		g.releaseSlot(slot.ID, pool.ReleaseError)
		return
	}

	limiter := rate.NewLimiter(rate.Limit(g.cfg.RatePerSec), g.cfg.RateBurst)
	c := newConn(slot.ID, sock, g.cfg.SendQueue, limiter)
	g.deps.Conns.add(c)
	metrics.GatewayConnectionsActive.Set(float64(g.deps.Conns.Count()))

	sess, err := g.deps.Sessions.Open(r.Context(), session.OpenParams{
		UserID:       claims.UserID,
		CallID:       callID,
		ConnectionID: slot.ID,
	})
	if err != nil {
		log.Printf("WARNING: gateway: open session for %s call %s: %v", claims.UserID, callID, err)
		g.deps.Conns.remove(c.id)
		metrics.GatewayConnectionsActive.Set(float64(g.deps.Conns.Count()))
		g.closeSocket(c, protocol.ClosePolicy, "session rejected")
		g.releaseSlot(slot.ID, pool.ReleaseError)
		return
	}

	log.Printf("gateway: connection %s admitted: user=%s call=%s session=%s", c.id, claims.UserID, callID, sess.ID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go g.writePump(c)
	g.readPump(ctx, c, adm)

	// TerminateByConnection is a no-op when the session already ended; it
	// releases the pool slot either way.
	if err := g.deps.Sessions.TerminateByConnection(c.id, session.ReasonConnectionLost); err != nil && !errors.Is(err, domain.ErrSessionNotFound) {
		log.Printf("WARNING: gateway: terminate on disconnect %s: %v", c.id, err)
	}
	g.deps.Relay.ReleaseConnection(c.id)
	g.deps.Conns.remove(c.id)
	metrics.GatewayConnectionsActive.Set(float64(g.deps.Conns.Count()))
	c.close()
	log.Printf("gateway: connection %s closed", c.id)
}

func (g *Gateway) readPump(ctx context.Context, c *wsConn, adm admission) {
	defer c.close()

	pongWait := 2 * g.cfg.HeartbeatInterval
	c.sock.SetReadLimit(g.cfg.ReadLimit)
	c.sock.SetReadDeadline(time.Now().Add(pongWait))
	c.sock.SetPongHandler(func(string) error {
		c.sock.SetReadDeadline(time.Now().Add(pongWait))
		g.deps.Sessions.TouchConnection(c.id)
		return nil
	})

	lastValidated := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		kind, frame, err := c.sock.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("WARNING: gateway: read on %s: %v", c.id, err)
			}
			return
		}
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}
		c.sock.SetReadDeadline(time.Now().Add(pongWait))

		if !c.limiter.Allow() {
			metrics.RateLimitedTotal.Inc()
			g.sendError(c.id, &protocol.ErrorPayload{
				Kind:         protocol.ErrKindRateLimit,
				Message:      "inbound rate exceeded",
				Retryable:    true,
				RetryAfterMs: rateRetryHint(g.cfg.RatePerSec),
			})
			continue
		}

		if _, err := g.deps.Relay.Receive(ctx, c.id, frame); err != nil {
			if errors.Is(err, reliability.ErrDuplicate) {
				continue
			}
			kind := domain.KindOf(err)
			log.Printf("WARNING: gateway: frame on %s rejected (%s): %v", c.id, kind, err)
			g.sendError(c.id, &protocol.ErrorPayload{
				Kind:      string(kind),
				Message:   err.Error(),
				Retryable: kind.Retryable(),
			})
			continue
		}

		if g.deps.Users != nil && time.Since(lastValidated) >= g.cfg.RevalidateInterval {
			lastValidated = time.Now()
			if err := g.revalidate(ctx, adm); err != nil {
				log.Printf("WARNING: gateway: user session %s invalidated: %v", adm.userSessionID, err)
				g.closeSocket(c, protocol.ClosePolicy, "session invalidated")
				return
			}
		}
	}
}

func (g *Gateway) writePump(c *wsConn) {
	ticker := time.NewTicker(g.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			c.sock.SetWriteDeadline(time.Now().Add(g.cfg.WriteTimeout))
			if err := c.sock.WriteMessage(websocket.TextMessage, frame); err != nil {
				log.Printf("WARNING: gateway: write on %s: %v", c.id, err)
				c.close()
				return
			}
		case <-ticker.C:
			c.sock.SetWriteDeadline(time.Now().Add(g.cfg.WriteTimeout))
			if err := c.sock.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}

// revalidate re-checks the user session. Store trouble is logged and
// forgiven; only a definitive rejection invalidates the connection.
func (g *Gateway) revalidate(ctx context.Context, adm admission) error {
	_, err := g.deps.Users.Validate(ctx, adm.userSessionID, adm.fingerprint)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrSessionNotFound),
		errors.Is(err, domain.ErrSessionExpired),
		errors.Is(err, domain.ErrSessionCompromised):
		return err
	default:
		log.Printf("WARNING: gateway: revalidate %s: %v", adm.userSessionID, err)
		return nil
	}
}

// CloseConnection closes the socket for a terminated session with the given
// code. Installed as the session manager's close handler.
func (g *Gateway) CloseConnection(connectionID string, code int, reason string) {
	c := g.deps.Conns.get(connectionID)
	if c == nil {
		return
	}
	g.closeSocket(c, code, reason)
}

// Shutdown closes every live connection with a going-away code.
func (g *Gateway) Shutdown() {
	g.deps.Conns.mu.RLock()
	conns := make([]*wsConn, 0, len(g.deps.Conns.m))
	for _, c := range g.deps.Conns.m {
		conns = append(conns, c)
	}
	g.deps.Conns.mu.RUnlock()
	for _, c := range conns {
		g.closeSocket(c, protocol.CloseGoingAway, "server shutting down")
	}

	g.pmu.RLock()
	peers := make([]*wsConn, 0, len(g.peers))
	for _, c := range g.peers {
		peers = append(peers, c)
	}
	g.pmu.RUnlock()
	for _, c := range peers {
		g.closeSocket(c, protocol.CloseGoingAway, "server shutting down")
	}
}

// closeSocket sends a close frame and tears the socket down. Control writes
// are safe alongside the write pump.
func (g *Gateway) closeSocket(c *wsConn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	if err := c.sock.WriteControl(websocket.CloseMessage, msg, time.Now().Add(g.cfg.WriteTimeout)); err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		log.Printf("WARNING: gateway: close frame on %s: %v", c.id, err)
	}
	c.close()
}

func (g *Gateway) sendError(connectionID string, p *protocol.ErrorPayload) {
	raw, err := protocol.MarshalPayload(p)
	if err != nil {
		log.Printf("ERROR: gateway: marshal error payload: %v", err)
		return
	}
	// Advisory only: no ack, no retransmission. A peer that missed one will
	// run into the condition again.
	env := protocol.NewEnvelope(protocol.TypeError, raw, g.cfg.Source)
	if err := g.deps.Relay.Send(connectionID, env); err != nil {
		log.Printf("WARNING: gateway: error frame to %s: %v", connectionID, err)
	}
}

func (g *Gateway) releaseSlot(id string, reason pool.ReleaseReason) {
	if err := g.deps.Pool.Release(id, reason); err != nil {
		log.Printf("WARNING: gateway: release slot %s: %v", id, err)
	}
}

// authenticate pulls the admission token from the Authorization header or
// the token query parameter.
func (g *Gateway) authenticate(r *http.Request) (*ports.AuthClaims, error) {
	token := ""
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			token = parts[1]
		}
	}
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	return g.deps.Verifier.Verify(token)
}

// deviceFingerprint reads the device binding from the header or the device
// query parameter.
func deviceFingerprint(r *http.Request) string {
	if fp := r.Header.Get("X-Device-Fingerprint"); fp != "" {
		return fp
	}
	return r.URL.Query().Get("device")
}

func rateRetryHint(perSec float64) int64 {
	if perSec <= 0 {
		return 0
	}
	return int64(float64(time.Second/time.Millisecond) / perSec)
}

func httpError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
