package models

import (
	"time"
)

// PeerContext is the signaling hub's view of one connected peer. A peer
// belongs to at most one room.
type PeerContext struct {
	PeerID         string            `json:"peer_id"`
	UserID         string            `json:"user_id"`
	CallID         string            `json:"call_id"`
	RoomID         string            `json:"room_id"`
	JoinedAt       time.Time         `json:"joined_at"`
	LastActivityAt time.Time         `json:"last_activity_at"`
	IsInitiator    bool              `json:"is_initiator"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Room groups the peers negotiating media for one call. The first joiner is
// the initiator; when it leaves, the oldest remaining joiner takes over.
type Room struct {
	RoomID         string                  `json:"room_id"`
	CallID         string                  `json:"call_id"`
	Peers          map[string]*PeerContext `json:"peers"`
	CreatedAt      time.Time               `json:"created_at"`
	LastActivityAt time.Time               `json:"last_activity_at"`
	MaxPeers       int                     `json:"max_peers"`
}

func NewRoom(roomID, callID string, maxPeers int) *Room {
	now := time.Now()
	return &Room{
		RoomID:         roomID,
		CallID:         callID,
		Peers:          make(map[string]*PeerContext),
		CreatedAt:      now,
		LastActivityAt: now,
		MaxPeers:       maxPeers,
	}
}

// Full reports whether the room can admit another peer.
func (r *Room) Full() bool {
	return len(r.Peers) >= r.MaxPeers
}

// OldestPeer returns the earliest joiner still present, or nil for an empty
// room. Used for initiator hand-off.
func (r *Room) OldestPeer() *PeerContext {
	var oldest *PeerContext
	for _, p := range r.Peers {
		if oldest == nil || p.JoinedAt.Before(oldest.JoinedAt) {
			oldest = p
		}
	}
	return oldest
}
