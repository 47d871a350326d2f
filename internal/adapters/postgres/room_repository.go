package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/voxguard/voxguard/internal/domain/models"
)

// RoomRepository mirrors signaling membership into the room_peers table so
// other instances can observe who negotiates media for a call.
type RoomRepository struct {
	BaseRepository
}

func NewRoomRepository(pool *pgxpool.Pool) *RoomRepository {
	return &RoomRepository{
		BaseRepository: NewBaseRepository(pool),
	}
}

func (r *RoomRepository) UpsertPeer(ctx context.Context, peer *models.PeerContext) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	metadata, err := json.Marshal(peer.Metadata)
	if err != nil {
		return fmt.Errorf("marshal peer metadata: %w", err)
	}

	query := `
		INSERT INTO room_peers (
			peer_id, user_id, call_id, room_id,
			joined_at, last_activity_at, is_initiator, metadata
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8
		)
		ON CONFLICT (peer_id) DO UPDATE
		SET room_id = EXCLUDED.room_id,
		    call_id = EXCLUDED.call_id,
		    last_activity_at = EXCLUDED.last_activity_at,
		    is_initiator = EXCLUDED.is_initiator,
		    metadata = EXCLUDED.metadata`

	_, err = r.conn(ctx).Exec(ctx, query,
		peer.PeerID,
		peer.UserID,
		peer.CallID,
		peer.RoomID,
		peer.JoinedAt,
		peer.LastActivityAt,
		peer.IsInitiator,
		metadata,
	)

	return err
}

func (r *RoomRepository) RemovePeer(ctx context.Context, peerID string) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	_, err := r.conn(ctx).Exec(ctx, `DELETE FROM room_peers WHERE peer_id = $1`, peerID)
	return err
}

func (r *RoomRepository) ListPeers(ctx context.Context, roomID string) ([]*models.PeerContext, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		SELECT peer_id, user_id, call_id, room_id,
		       joined_at, last_activity_at, is_initiator, metadata
		FROM room_peers
		WHERE room_id = $1
		ORDER BY joined_at`

	rows, err := r.conn(ctx).Query(ctx, query, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return r.scanPeers(rows)
}

func (r *RoomRepository) DeleteRoom(ctx context.Context, roomID string) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	_, err := r.conn(ctx).Exec(ctx, `DELETE FROM room_peers WHERE room_id = $1`, roomID)
	return err
}

func (r *RoomRepository) scanPeers(rows pgx.Rows) ([]*models.PeerContext, error) {
	var peers []*models.PeerContext

	for rows.Next() {
		var peer models.PeerContext
		var metadata []byte

		err := rows.Scan(
			&peer.PeerID,
			&peer.UserID,
			&peer.CallID,
			&peer.RoomID,
			&peer.JoinedAt,
			&peer.LastActivityAt,
			&peer.IsInitiator,
			&metadata,
		)
		if err != nil {
			return nil, err
		}

		if err := unmarshalJSONField(metadata, &peer.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal peer metadata: %w", err)
		}

		peers = append(peers, &peer)
	}

	return peers, rows.Err()
}
