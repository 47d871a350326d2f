package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/voxguard/voxguard/internal/adapters/metrics"
	"github.com/voxguard/voxguard/internal/domain"
	"github.com/voxguard/voxguard/internal/signaling"
	"github.com/voxguard/voxguard/pkg/protocol"
)

// HandleSignaling admits a peer onto the signaling channel. Peers carry no
// pool slot and no transport session; the hub tracks their membership and
// the gateway only moves messages.
func (g *Gateway) HandleSignaling(w http.ResponseWriter, r *http.Request) {
	if g.deps.Hub == nil {
		httpError(w, http.StatusNotFound, "signaling is not enabled")
		return
	}
	claims, err := g.authenticate(r)
	if err != nil {
		httpError(w, http.StatusUnauthorized, "invalid admission token")
		return
	}

	callID := claims.CallID
	if callID == "" {
		callID = r.URL.Query().Get("call")
	}

	sock, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WARNING: gateway: signaling upgrade for %s: %v", claims.UserID, err)
		return
	}

	peerID := g.deps.IDs.GeneratePeerID()
	limiter := rate.NewLimiter(rate.Limit(g.cfg.RatePerSec), g.cfg.RateBurst)
	c := newConn(peerID, sock, g.cfg.SendQueue, limiter)
	g.addPeer(c)

	log.Printf("gateway: signaling peer %s admitted: user=%s call=%s", peerID, claims.UserID, callID)

	go g.writePump(c)
	g.signalingPump(r.Context(), c, claims.UserID, callID)

	// DisconnectPeer runs the leave flow and notifies the room. Background
	// context: the request context is already dead at this point.
	g.deps.Hub.DisconnectPeer(context.Background(), peerID)
	g.removePeer(peerID)
	c.close()
	log.Printf("gateway: signaling peer %s closed", peerID)
}

func (g *Gateway) signalingPump(ctx context.Context, c *wsConn, userID, callID string) {
	defer c.close()

	pongWait := 2 * g.cfg.HeartbeatInterval
	c.sock.SetReadLimit(g.cfg.ReadLimit)
	c.sock.SetReadDeadline(time.Now().Add(pongWait))
	c.sock.SetPongHandler(func(string) error {
		c.sock.SetReadDeadline(time.Now().Add(pongWait))
		g.deps.Hub.Touch(c.id)
		return nil
	})

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
				log.Printf("WARNING: gateway: signaling read on %s: %v", c.id, err)
			}
			return
		}
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}
		c.sock.SetReadDeadline(time.Now().Add(pongWait))

		if !c.limiter.Allow() {
			metrics.RateLimitedTotal.Inc()
			log.Printf("WARNING: gateway: signaling peer %s rate limited, frame dropped", c.id)
			continue
		}

		var msg signaling.Message
		if err := json.Unmarshal(frame, &msg); err != nil {
			log.Printf("WARNING: gateway: malformed signaling frame from %s: %v", c.id, err)
			continue
		}
		g.deps.Hub.Touch(c.id)

		switch msg.Type {
		case signaling.KindJoinRoom:
			var metadata map[string]string
			if len(msg.Data) > 0 {
				json.Unmarshal(msg.Data, &metadata)
			}
			reply, err := g.deps.Hub.Join(ctx, c.id, userID, callID, msg.RoomID, metadata)
			if err != nil {
				log.Printf("WARNING: gateway: peer %s join room %s: %v", c.id, msg.RoomID, err)
				g.closeSocket(c, protocol.ClosePolicy, err.Error())
				return
			}
			g.notifyJoined(c, reply)

		case signaling.KindLeaveRoom:
			if err := g.deps.Hub.Leave(ctx, c.id, msg.RoomID); err != nil {
				log.Printf("WARNING: gateway: peer %s leave room %s: %v", c.id, msg.RoomID, err)
			}

		case signaling.KindOffer, signaling.KindAnswer, signaling.KindICECandidate:
			if err := g.deps.Hub.Forward(ctx, c.id, msg.TargetPeerID, msg.Type, msg.Data); err != nil {
				log.Printf("WARNING: gateway: forward %s from %s: %v", msg.Type, c.id, err)
			}

		default:
			log.Printf("WARNING: gateway: unknown signaling kind %q from %s", msg.Type, c.id)
		}
	}
}

// notifyJoined confirms a join to the joining peer itself. Other members
// hear about it from the hub's peer-joined broadcast.
func (g *Gateway) notifyJoined(c *wsConn, reply *signaling.JoinReply) {
	data, err := json.Marshal(reply)
	if err != nil {
		log.Printf("ERROR: gateway: marshal join reply: %v", err)
		return
	}
	msg := &signaling.Message{
		Type:      signaling.KindJoinRoom,
		RoomID:    reply.RoomID,
		PeerID:    reply.PeerID,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}
	if err := g.Notify(c.id, msg); err != nil {
		log.Printf("WARNING: gateway: join reply to %s: %v", c.id, err)
	}
}

// Notify queues a signaling message for a peer. Implements
// signaling.Notifier. It never blocks: a full queue fails the delivery.
func (g *Gateway) Notify(peerID string, msg *signaling.Message) error {
	c := g.peer(peerID)
	if c == nil {
		return fmt.Errorf("peer %s: %w", peerID, domain.ErrConnectionClosed)
	}
	frame, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal signaling message: %w", err)
	}
	select {
	case <-c.done:
		return fmt.Errorf("peer %s: %w", peerID, domain.ErrConnectionClosed)
	case c.send <- frame:
		return nil
	default:
		return fmt.Errorf("peer %s: %w", peerID, domain.ErrQueueFull)
	}
}

// Ping probes a peer's socket. Implements signaling.Notifier.
func (g *Gateway) Ping(peerID string) error {
	c := g.peer(peerID)
	if c == nil {
		return fmt.Errorf("peer %s: %w", peerID, domain.ErrConnectionClosed)
	}
	return c.sock.WriteControl(websocket.PingMessage, nil, time.Now().Add(g.cfg.WriteTimeout))
}

// Close drops a peer's socket. Implements signaling.Notifier.
func (g *Gateway) Close(peerID string, reason string) {
	c := g.peer(peerID)
	if c == nil {
		return
	}
	g.closeSocket(c, protocol.CloseNormal, reason)
}

func (g *Gateway) addPeer(c *wsConn) {
	g.pmu.Lock()
	g.peers[c.id] = c
	g.pmu.Unlock()
}

func (g *Gateway) removePeer(id string) {
	g.pmu.Lock()
	delete(g.peers, id)
	g.pmu.Unlock()
}

func (g *Gateway) peer(id string) *wsConn {
	g.pmu.RLock()
	defer g.pmu.RUnlock()
	return g.peers[id]
}
