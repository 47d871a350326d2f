package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/voxguard/voxguard/internal/adapters/metrics"
	"github.com/voxguard/voxguard/internal/domain"
	"github.com/voxguard/voxguard/internal/domain/models"
	"github.com/voxguard/voxguard/internal/ports"
)

// Notifier delivers hub traffic to a connected peer. The transport layer
// implements it; delivery failures are logged, never fatal to the hub.
type Notifier interface {
	Notify(peerID string, msg *Message) error
	Ping(peerID string) error
	Close(peerID string, reason string)
}

// HubConfig tunes room capacity and peer liveness.
type HubConfig struct {
	MaxPeersPerRoom int
	MaxRoomsPerUser int
	MaxRooms        int
	// PeerTimeout is how long a peer may stay silent before it is pinged.
	PeerTimeout time.Duration
	// PingGrace is how long a pinged peer may stay silent before removal.
	PingGrace time.Duration
	// RoomIdleMax is how long an empty room survives.
	RoomIdleMax   time.Duration
	SweepInterval time.Duration
}

func DefaultHubConfig() HubConfig {
	return HubConfig{
		MaxPeersPerRoom: 8,
		MaxRoomsPerUser: 4,
		MaxRooms:        1000,
		PeerTimeout:     60 * time.Second,
		PingGrace:       20 * time.Second,
		RoomIdleMax:     5 * time.Minute,
		SweepInterval:   20 * time.Second,
	}
}

// Hub owns the signaling rooms: membership, initiator hand-off, targeted
// relay of negotiation messages and peer liveness. Membership changes are
// mirrored to the durable store so other instances can observe them.
type Hub struct {
	cfg      HubConfig
	notifier Notifier
	ids      ports.IDGenerator
	store    ports.RoomRepository

	mu     sync.Mutex
	rooms  map[string]*models.Room
	peers  map[string]string              // peerID -> roomID
	byUser map[string]map[string]struct{} // userID -> roomIDs
	pinged map[string]time.Time           // peerID -> ping sent at
}

// NewHub wires the hub. notifier and ids must not be nil; a nil store
// disables durable mirroring.
func NewHub(cfg HubConfig, notifier Notifier, ids ports.IDGenerator, store ports.RoomRepository) *Hub {
	def := DefaultHubConfig()
	if cfg.MaxPeersPerRoom <= 0 {
		cfg.MaxPeersPerRoom = def.MaxPeersPerRoom
	}
	if cfg.MaxRoomsPerUser <= 0 {
		cfg.MaxRoomsPerUser = def.MaxRoomsPerUser
	}
	if cfg.MaxRooms <= 0 {
		cfg.MaxRooms = def.MaxRooms
	}
	if cfg.PeerTimeout <= 0 {
		cfg.PeerTimeout = def.PeerTimeout
	}
	if cfg.PingGrace <= 0 {
		cfg.PingGrace = def.PingGrace
	}
	if cfg.RoomIdleMax <= 0 {
		cfg.RoomIdleMax = def.RoomIdleMax
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	return &Hub{
		cfg:      cfg,
		notifier: notifier,
		ids:      ids,
		store:    store,
		rooms:    make(map[string]*models.Room),
		peers:    make(map[string]string),
		byUser:   make(map[string]map[string]struct{}),
		pinged:   make(map[string]time.Time),
	}
}

// Join admits a peer into a room, creating the room on first join. The
// first joiner is the initiator. Existing peers are notified and the reply
// carries the current peer list.
func (h *Hub) Join(ctx context.Context, peerID, userID, callID, roomID string, metadata map[string]string) (*JoinReply, error) {
	if userID == "" || roomID == "" {
		return nil, fmt.Errorf("%w: userId and roomId are required", domain.ErrInvalidInput)
	}
	if peerID == "" {
		peerID = h.ids.GeneratePeerID()
	}
	now := time.Now()

	h.mu.Lock()
	if _, exists := h.peers[peerID]; exists {
		h.mu.Unlock()
		return nil, fmt.Errorf("%w: peer %s already in a room", domain.ErrInvalidInput, peerID)
	}
	room, ok := h.rooms[roomID]
	if !ok {
		if len(h.rooms) >= h.cfg.MaxRooms {
			h.mu.Unlock()
			return nil, domain.ErrTooManyRooms
		}
		if h.userRoomCountLocked(userID, roomID) >= h.cfg.MaxRoomsPerUser {
			h.mu.Unlock()
			return nil, domain.ErrRoomLimit
		}
		room = models.NewRoom(roomID, callID, h.cfg.MaxPeersPerRoom)
		h.rooms[roomID] = room
		metrics.RoomsActive.Set(float64(len(h.rooms)))
		log.Printf("room %s created for call %s", roomID, callID)
	} else {
		if h.userRoomCountLocked(userID, roomID) >= h.cfg.MaxRoomsPerUser {
			h.mu.Unlock()
			return nil, domain.ErrRoomLimit
		}
		if room.Full() {
			h.mu.Unlock()
			return nil, domain.ErrRoomFull
		}
	}

	peer := &models.PeerContext{
		PeerID:         peerID,
		UserID:         userID,
		CallID:         callID,
		RoomID:         roomID,
		JoinedAt:       now,
		LastActivityAt: now,
		IsInitiator:    len(room.Peers) == 0,
		Metadata:       metadata,
	}
	room.Peers[peerID] = peer
	room.LastActivityAt = now
	h.peers[peerID] = roomID
	if h.byUser[userID] == nil {
		h.byUser[userID] = make(map[string]struct{})
	}
	h.byUser[userID][roomID] = struct{}{}

	others := make([]PeerInfo, 0, len(room.Peers)-1)
	notify := make([]string, 0, len(room.Peers)-1)
	for id, p := range room.Peers {
		if id == peerID {
			continue
		}
		others = append(others, peerInfo(p))
		notify = append(notify, id)
	}
	joined := *peer // copy while the lock still covers the fields
	h.mu.Unlock()

	sort.Slice(others, func(i, j int) bool { return others[i].JoinedAt < others[j].JoinedAt })

	metrics.SignalingMessagesTotal.WithLabelValues(KindJoinRoom).Inc()
	h.broadcast(notify, &Message{
		Type:      KindPeerJoined,
		RoomID:    roomID,
		PeerID:    peerID,
		Data:      mustMarshal(peerInfo(&joined)),
		Timestamp: now.UnixMilli(),
	})
	h.mirrorUpsert(ctx, &joined)

	return &JoinReply{
		RoomID:      roomID,
		PeerID:      peerID,
		IsInitiator: joined.IsInitiator,
		Peers:       others,
	}, nil
}

// Leave removes the peer, notifying the rest of the room and handing the
// initiator role to the oldest remaining joiner when needed.
func (h *Hub) Leave(ctx context.Context, peerID, roomID string) error {
	metrics.SignalingMessagesTotal.WithLabelValues(KindLeaveRoom).Inc()
	return h.removePeer(ctx, peerID, roomID, "")
}

// Forward relays one negotiation message to a single peer in the sender's
// room. Only offer, answer and ice-candidate kinds are relayed.
func (h *Hub) Forward(ctx context.Context, fromPeerID, targetPeerID, kind string, data json.RawMessage) error {
	switch kind {
	case KindOffer, KindAnswer, KindICECandidate:
	default:
		return fmt.Errorf("%w: cannot forward %q", domain.ErrInvalidInput, kind)
	}

	now := time.Now()
	h.mu.Lock()
	fromRoom, ok := h.peers[fromPeerID]
	if !ok {
		h.mu.Unlock()
		return fmt.Errorf("sender %s: %w", fromPeerID, domain.ErrPeerNotFound)
	}
	targetRoom, ok := h.peers[targetPeerID]
	if !ok {
		h.mu.Unlock()
		return fmt.Errorf("target %s: %w", targetPeerID, domain.ErrPeerNotFound)
	}
	if fromRoom != targetRoom {
		h.mu.Unlock()
		return domain.ErrNotInSameRoom
	}
	if room := h.rooms[fromRoom]; room != nil {
		if peer := room.Peers[fromPeerID]; peer != nil {
			peer.LastActivityAt = now
		}
		room.LastActivityAt = now
	}
	delete(h.pinged, fromPeerID)
	h.mu.Unlock()

	metrics.SignalingMessagesTotal.WithLabelValues(kind).Inc()
	msg := &Message{
		Type:         kind,
		RoomID:       fromRoom,
		PeerID:       fromPeerID,
		TargetPeerID: targetPeerID,
		Data:         data,
		Timestamp:    now.UnixMilli(),
	}
	if err := h.notifier.Notify(targetPeerID, msg); err != nil {
		return fmt.Errorf("deliver %s to %s: %w", kind, targetPeerID, err)
	}
	return nil
}

// Touch records liveness for a peer: any received message or pong.
func (h *Hub) Touch(peerID string) {
	now := time.Now()
	h.mu.Lock()
	defer h.mu.Unlock()
	roomID, ok := h.peers[peerID]
	if !ok {
		return
	}
	delete(h.pinged, peerID)
	if room := h.rooms[roomID]; room != nil {
		if peer := room.Peers[peerID]; peer != nil {
			peer.LastActivityAt = now
		}
		room.LastActivityAt = now
	}
}

// Run drives liveness pings and idle-room cleanup until the context ends.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.sweep(ctx, time.Now())
		}
	}
}

// HubStats is a point-in-time snapshot for the ops surface.
type HubStats struct {
	Rooms int `json:"rooms"`
	Peers int `json:"peers"`
}

func (h *Hub) Stats() HubStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return HubStats{Rooms: len(h.rooms), Peers: len(h.peers)}
}

// Snapshot lists the current rooms for the ops API.
func (h *Hub) Snapshot() []RoomInfo {
	h.mu.Lock()
	out := make([]RoomInfo, 0, len(h.rooms))
	for _, room := range h.rooms {
		info := RoomInfo{
			RoomID:    room.RoomID,
			CallID:    room.CallID,
			PeerCount: len(room.Peers),
			CreatedAt: room.CreatedAt.UnixMilli(),
			Peers:     make([]PeerInfo, 0, len(room.Peers)),
		}
		for _, p := range room.Peers {
			info.Peers = append(info.Peers, peerInfo(p))
		}
		sort.Slice(info.Peers, func(i, j int) bool { return info.Peers[i].JoinedAt < info.Peers[j].JoinedAt })
		out = append(out, info)
	}
	h.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].RoomID < out[j].RoomID })
	return out
}

// removePeer is the shared removal path for Leave, liveness expiry and
// transport disconnects. reason is carried in the peer-left notification.
func (h *Hub) removePeer(ctx context.Context, peerID, roomID, reason string) error {
	now := time.Now()
	h.mu.Lock()
	room, ok := h.rooms[roomID]
	if !ok {
		h.mu.Unlock()
		return fmt.Errorf("room %s: %w", roomID, domain.ErrRoomNotFound)
	}
	peer, ok := room.Peers[peerID]
	if !ok {
		h.mu.Unlock()
		return fmt.Errorf("peer %s: %w", peerID, domain.ErrPeerNotFound)
	}

	delete(room.Peers, peerID)
	delete(h.peers, peerID)
	delete(h.pinged, peerID)
	h.dropUserRoomLocked(peer.UserID, room)
	room.LastActivityAt = now

	var handoff *models.PeerContext
	if peer.IsInitiator {
		if oldest := room.OldestPeer(); oldest != nil {
			oldest.IsInitiator = true
			cp := *oldest
			handoff = &cp
		}
	}

	notify := make([]string, 0, len(room.Peers))
	for id := range room.Peers {
		notify = append(notify, id)
	}
	h.mu.Unlock()

	left := LeftInfo{PeerID: peerID, Reason: reason}
	if handoff != nil {
		left.NewInitiatorID = handoff.PeerID
		log.Printf("room %s initiator handed to %s", roomID, handoff.PeerID)
	}
	h.broadcast(notify, &Message{
		Type:      KindPeerLeft,
		RoomID:    roomID,
		PeerID:    peerID,
		Data:      mustMarshal(left),
		Timestamp: now.UnixMilli(),
	})

	h.mirrorRemove(ctx, peerID)
	if handoff != nil {
		h.mirrorUpsert(ctx, handoff)
	}
	return nil
}

// DisconnectPeer removes a peer whose transport dropped without a
// leave-room message.
func (h *Hub) DisconnectPeer(ctx context.Context, peerID string) {
	h.mu.Lock()
	roomID, ok := h.peers[peerID]
	h.mu.Unlock()
	if !ok {
		return
	}
	if err := h.removePeer(ctx, peerID, roomID, "disconnected"); err != nil {
		log.Printf("WARNING: disconnect cleanup for %s: %v", peerID, err)
	}
}

// sweep pings idle peers, removes the ones that outlived the ping grace and
// deletes rooms empty beyond the idle cap.
func (h *Hub) sweep(ctx context.Context, now time.Time) {
	type expired struct {
		peerID string
		roomID string
	}
	var toPing []string
	var toDrop []expired
	var deadRooms []string

	h.mu.Lock()
	for peerID, roomID := range h.peers {
		room := h.rooms[roomID]
		if room == nil {
			continue
		}
		peer := room.Peers[peerID]
		if peer == nil {
			continue
		}
		if pingedAt, ok := h.pinged[peerID]; ok {
			if now.Sub(pingedAt) > h.cfg.PingGrace {
				toDrop = append(toDrop, expired{peerID: peerID, roomID: roomID})
			}
			continue
		}
		if now.Sub(peer.LastActivityAt) > h.cfg.PeerTimeout {
			h.pinged[peerID] = now
			toPing = append(toPing, peerID)
		}
	}
	for roomID, room := range h.rooms {
		if len(room.Peers) == 0 && now.Sub(room.LastActivityAt) > h.cfg.RoomIdleMax {
			delete(h.rooms, roomID)
			deadRooms = append(deadRooms, roomID)
		}
	}
	if len(deadRooms) > 0 {
		metrics.RoomsActive.Set(float64(len(h.rooms)))
	}
	h.mu.Unlock()

	for _, peerID := range toPing {
		if err := h.notifier.Ping(peerID); err != nil {
			log.Printf("WARNING: ping %s: %v", peerID, err)
		}
	}
	for _, e := range toDrop {
		log.Printf("WARNING: peer %s timed out in room %s", e.peerID, e.roomID)
		if err := h.removePeer(ctx, e.peerID, e.roomID, "peer timeout"); err != nil {
			log.Printf("WARNING: timeout cleanup for %s: %v", e.peerID, err)
		}
		h.notifier.Close(e.peerID, "peer timeout")
	}
	for _, roomID := range deadRooms {
		log.Printf("room %s deleted after idle timeout", roomID)
		if h.store != nil {
			if err := h.store.DeleteRoom(ctx, roomID); err != nil {
				log.Printf("WARNING: room mirror delete %s: %v", roomID, err)
			}
		}
	}
}

func (h *Hub) broadcast(peerIDs []string, msg *Message) {
	metrics.SignalingMessagesTotal.WithLabelValues(msg.Type).Inc()
	for _, id := range peerIDs {
		if err := h.notifier.Notify(id, msg); err != nil {
			log.Printf("WARNING: deliver %s to %s: %v", msg.Type, id, err)
		}
	}
}

// userRoomCountLocked counts rooms the user holds, ignoring roomID so
// rejoining a held room never trips the cap.
func (h *Hub) userRoomCountLocked(userID, roomID string) int {
	count := 0
	for id := range h.byUser[userID] {
		if id != roomID {
			count++
		}
	}
	return count
}

// dropUserRoomLocked clears the user index entry unless the user still has
// another peer in the room.
func (h *Hub) dropUserRoomLocked(userID string, room *models.Room) {
	for _, p := range room.Peers {
		if p.UserID == userID {
			return
		}
	}
	if set := h.byUser[userID]; set != nil {
		delete(set, room.RoomID)
		if len(set) == 0 {
			delete(h.byUser, userID)
		}
	}
}

func (h *Hub) mirrorUpsert(ctx context.Context, peer *models.PeerContext) {
	if h.store == nil {
		return
	}
	if err := h.store.UpsertPeer(ctx, peer); err != nil {
		log.Printf("WARNING: room mirror upsert %s: %v", peer.PeerID, err)
	}
}

func (h *Hub) mirrorRemove(ctx context.Context, peerID string) {
	if h.store == nil {
		return
	}
	if err := h.store.RemovePeer(ctx, peerID); err != nil {
		log.Printf("WARNING: room mirror remove %s: %v", peerID, err)
	}
}

func peerInfo(p *models.PeerContext) PeerInfo {
	return PeerInfo{
		PeerID:      p.PeerID,
		UserID:      p.UserID,
		IsInitiator: p.IsInitiator,
		JoinedAt:    p.JoinedAt.UnixMilli(),
		Metadata:    p.Metadata,
	}
}

func mustMarshal(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}
