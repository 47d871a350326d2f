// Package signaling keeps the rooms peers use to negotiate a direct media
// transport. The hub relays offers, answers and ICE candidates between
// peers of the same room and tracks peer liveness.
package signaling

import "encoding/json"

// Message kinds on the signaling channel. The set is closed; Forward only
// relays the middle three.
const (
	KindJoinRoom     = "join-room"
	KindLeaveRoom    = "leave-room"
	KindOffer        = "offer"
	KindAnswer       = "answer"
	KindICECandidate = "ice-candidate"
	KindPeerJoined   = "peer-joined"
	KindPeerLeft     = "peer-left"
)

// Message is one signaling frame. Relayed kinds keep Data opaque; the hub
// stamps PeerID with the sender before delivery.
type Message struct {
	Type         string          `json:"type"`
	RoomID       string          `json:"roomId"`
	PeerID       string          `json:"peerId,omitempty"`
	TargetPeerID string          `json:"targetPeerId,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
	Timestamp    int64           `json:"timestamp"`
}

// PeerInfo describes one room member to other peers.
type PeerInfo struct {
	PeerID      string            `json:"peerId"`
	UserID      string            `json:"userId"`
	IsInitiator bool              `json:"isInitiator"`
	JoinedAt    int64             `json:"joinedAt"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// LeftInfo is the peer-left payload. NewInitiatorID is set when the
// departure handed the initiator role to another peer.
type LeftInfo struct {
	PeerID         string `json:"peerId"`
	NewInitiatorID string `json:"newInitiatorId,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

// JoinReply is returned to a joining peer: its assigned id and the peers
// already present.
type JoinReply struct {
	RoomID      string     `json:"roomId"`
	PeerID      string     `json:"peerId"`
	IsInitiator bool       `json:"isInitiator"`
	Peers       []PeerInfo `json:"peers"`
}

// RoomInfo is a point-in-time room description for the ops surface.
type RoomInfo struct {
	RoomID    string     `json:"roomId"`
	CallID    string     `json:"callId"`
	PeerCount int        `json:"peerCount"`
	CreatedAt int64      `json:"createdAt"`
	Peers     []PeerInfo `json:"peers"`
}
