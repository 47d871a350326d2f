package ports

import (
	"context"
	"time"

	"github.com/voxguard/voxguard/internal/domain/models"
)

// UserSessionRepository persists user-facing authenticated sessions.
// Lookups return nil without error when no row matches.
type UserSessionRepository interface {
	Create(ctx context.Context, session *models.UserSession) error
	GetByID(ctx context.Context, id string) (*models.UserSession, error)
	ListByUser(ctx context.Context, userID string) ([]*models.UserSession, error)
	Touch(ctx context.Context, id string, lastSeen, expires time.Time) error
	MarkCompromised(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
	CountByUser(ctx context.Context, userID string) (int, error)
	OldestByUser(ctx context.Context, userID string) (*models.UserSession, error)
}

// DeviceRepository persists the per-user device trust list. Lookups return
// nil without error when no row matches.
type DeviceRepository interface {
	Upsert(ctx context.Context, device *models.TrustedDevice) error
	GetByFingerprint(ctx context.Context, userID, fingerprint string) (*models.TrustedDevice, error)
	ListByUser(ctx context.Context, userID string) ([]*models.TrustedDevice, error)
	Delete(ctx context.Context, id string) error
}

// RoomRepository mirrors signaling membership so other instances can observe
// it.
type RoomRepository interface {
	UpsertPeer(ctx context.Context, peer *models.PeerContext) error
	RemovePeer(ctx context.Context, peerID string) error
	ListPeers(ctx context.Context, roomID string) ([]*models.PeerContext, error)
	DeleteRoom(ctx context.Context, roomID string) error
}

// SnapshotRepository stores call-state snapshots for session recovery.
// Get returns nil without error when no snapshot exists.
type SnapshotRepository interface {
	Save(ctx context.Context, snapshot *models.CallStateSnapshot) error
	Get(ctx context.Context, callID string) (*models.CallStateSnapshot, error)
	Delete(ctx context.Context, callID string) error
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}
