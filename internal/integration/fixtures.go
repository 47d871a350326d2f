//go:build integration

package integration

import (
	"context"
	"testing"
	"time"

	"github.com/voxguard/voxguard/internal/domain/models"
)

// Fixtures provides common test data setup
type Fixtures struct {
	db *TestDB
}

// NewFixtures creates a new fixtures helper
func NewFixtures(db *TestDB) *Fixtures {
	return &Fixtures{db: db}
}

// CreateUserSession inserts a user session directly into the database
func (f *Fixtures) CreateUserSession(ctx context.Context, t *testing.T, id, userID, deviceID, fingerprint string, ttl time.Duration) *models.UserSession {
	t.Helper()

	now := time.Now()
	query := `
		INSERT INTO user_sessions (id, user_id, device_id, fingerprint, created_at, last_seen_at, expires_at, compromised)
		VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE)
	`

	_, err := f.db.Pool.Exec(ctx, query, id, userID, deviceID, fingerprint, now, now, now.Add(ttl))
	if err != nil {
		t.Fatalf("failed to create user session fixture: %v", err)
	}

	return &models.UserSession{
		ID:          id,
		UserID:      userID,
		DeviceID:    deviceID,
		Fingerprint: fingerprint,
		CreatedAt:   now,
		LastSeenAt:  now,
		ExpiresAt:   now.Add(ttl),
	}
}

// CreateStaleUserSession inserts a session whose timestamps lie in the past,
// for expiry and idle-timeout scenarios
func (f *Fixtures) CreateStaleUserSession(ctx context.Context, t *testing.T, id, userID, fingerprint string, lastSeen, expires time.Time) *models.UserSession {
	t.Helper()

	created := lastSeen.Add(-time.Hour)
	query := `
		INSERT INTO user_sessions (id, user_id, device_id, fingerprint, created_at, last_seen_at, expires_at, compromised)
		VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE)
	`

	_, err := f.db.Pool.Exec(ctx, query, id, userID, "dev_fixture", fingerprint, created, lastSeen, expires)
	if err != nil {
		t.Fatalf("failed to create stale user session fixture: %v", err)
	}

	return &models.UserSession{
		ID:          id,
		UserID:      userID,
		DeviceID:    "dev_fixture",
		Fingerprint: fingerprint,
		CreatedAt:   created,
		LastSeenAt:  lastSeen,
		ExpiresAt:   expires,
	}
}

// CreateTrustedDevice inserts a trusted device directly into the database
func (f *Fixtures) CreateTrustedDevice(ctx context.Context, t *testing.T, id, userID, fingerprint string) *models.TrustedDevice {
	t.Helper()

	now := time.Now()
	query := `
		INSERT INTO trusted_devices (id, user_id, fingerprint, label, first_seen_at, last_seen_at)
		VALUES ($1, $2, $3, '', $4, $5)
	`

	_, err := f.db.Pool.Exec(ctx, query, id, userID, fingerprint, now, now)
	if err != nil {
		t.Fatalf("failed to create trusted device fixture: %v", err)
	}

	return &models.TrustedDevice{
		ID:          id,
		UserID:      userID,
		Fingerprint: fingerprint,
		FirstSeenAt: now,
		LastSeenAt:  now,
	}
}

// CreateRoomPeer inserts a room membership row directly into the database
func (f *Fixtures) CreateRoomPeer(ctx context.Context, t *testing.T, peerID, userID, callID, roomID string, initiator bool) *models.PeerContext {
	t.Helper()

	now := time.Now()
	query := `
		INSERT INTO room_peers (peer_id, user_id, call_id, room_id, joined_at, last_activity_at, is_initiator, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULL)
	`

	_, err := f.db.Pool.Exec(ctx, query, peerID, userID, callID, roomID, now, now, initiator)
	if err != nil {
		t.Fatalf("failed to create room peer fixture: %v", err)
	}

	return &models.PeerContext{
		PeerID:         peerID,
		UserID:         userID,
		CallID:         callID,
		RoomID:         roomID,
		JoinedAt:       now,
		LastActivityAt: now,
		IsInitiator:    initiator,
	}
}

// CountRows returns the number of rows in a table
func (f *Fixtures) CountRows(ctx context.Context, t *testing.T, table string) int {
	t.Helper()

	var count int
	err := f.db.Pool.QueryRow(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count)
	if err != nil {
		t.Fatalf("failed to count rows in %s: %v", table, err)
	}
	return count
}
