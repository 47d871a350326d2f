//go:build integration

package integration

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/voxguard/voxguard/internal/adapters/id"
	"github.com/voxguard/voxguard/internal/adapters/postgres"
	"github.com/voxguard/voxguard/internal/domain"
	"github.com/voxguard/voxguard/internal/session"
)

func newLifecycle(db *TestDB, cfg session.LifecycleConfig) *session.Lifecycle {
	sessions := postgres.NewUserSessionRepository(db.Pool)
	devices := postgres.NewDeviceRepository(db.Pool)
	return session.NewLifecycle(cfg, sessions, devices, id.New())
}

func TestSessionLifecycle_EstablishCreatesSessionAndDevice(t *testing.T) {
	db := SetupTestDB(t)
	ctx := context.Background()
	fixtures := NewFixtures(db)

	lc := newLifecycle(db, session.LifecycleConfig{})

	s, err := lc.Establish(ctx, "user-1", "", "fp-laptop")
	if err != nil {
		t.Fatalf("failed to establish session: %v", err)
	}
	if s.UserID != "user-1" {
		t.Errorf("expected user user-1, got %s", s.UserID)
	}
	if s.DeviceID == "" {
		t.Error("expected a generated device id")
	}
	if s.Fingerprint != "fp-laptop" {
		t.Errorf("expected fingerprint fp-laptop, got %s", s.Fingerprint)
	}
	if !s.ExpiresAt.After(time.Now()) {
		t.Error("expected session expiry in the future")
	}

	if got := fixtures.CountRows(ctx, t, "user_sessions"); got != 1 {
		t.Errorf("expected 1 user session row, got %d", got)
	}
	if got := fixtures.CountRows(ctx, t, "trusted_devices"); got != 1 {
		t.Errorf("expected 1 trusted device row, got %d", got)
	}

	// The device row carries the fingerprint
	devices, err := lc.Devices(ctx, "user-1")
	if err != nil {
		t.Fatalf("failed to list devices: %v", err)
	}
	if len(devices) != 1 {
		t.Fatalf("expected 1 device, got %d", len(devices))
	}
	if devices[0].ID != s.DeviceID {
		t.Errorf("expected device %s, got %s", s.DeviceID, devices[0].ID)
	}
}

func TestSessionLifecycle_EstablishRejectsMissingIdentity(t *testing.T) {
	db := SetupTestDB(t)
	ctx := context.Background()

	lc := newLifecycle(db, session.LifecycleConfig{})

	if _, err := lc.Establish(ctx, "", "", "fp-a"); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for empty user, got %v", err)
	}
	if _, err := lc.Establish(ctx, "user-1", "", ""); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for empty fingerprint, got %v", err)
	}
}

func TestSessionLifecycle_KnownFingerprintReusesDevice(t *testing.T) {
	db := SetupTestDB(t)
	ctx := context.Background()
	fixtures := NewFixtures(db)

	lc := newLifecycle(db, session.LifecycleConfig{})

	first, err := lc.Establish(ctx, "user-1", "", "fp-phone")
	if err != nil {
		t.Fatalf("failed to establish first session: %v", err)
	}

	// Same fingerprint again, even with a different requested device id
	second, err := lc.Establish(ctx, "user-1", "dev_other", "fp-phone")
	if err != nil {
		t.Fatalf("failed to establish second session: %v", err)
	}

	if second.DeviceID != first.DeviceID {
		t.Errorf("expected device reuse %s, got %s", first.DeviceID, second.DeviceID)
	}
	if got := fixtures.CountRows(ctx, t, "trusted_devices"); got != 1 {
		t.Errorf("expected 1 trusted device row, got %d", got)
	}
	if got := fixtures.CountRows(ctx, t, "user_sessions"); got != 2 {
		t.Errorf("expected 2 user session rows, got %d", got)
	}
}

func TestSessionLifecycle_CapEvictsOldestSession(t *testing.T) {
	db := SetupTestDB(t)
	ctx := context.Background()

	lc := newLifecycle(db, session.LifecycleConfig{MaxPerUser: 3})
	sessions := postgres.NewUserSessionRepository(db.Pool)

	var ids []string
	for i := 0; i < 3; i++ {
		s, err := lc.Establish(ctx, "user-1", "", "fp-shared")
		if err != nil {
			t.Fatalf("failed to establish session %d: %v", i, err)
		}
		ids = append(ids, s.ID)
		// created_at ordering decides which session is oldest
		time.Sleep(10 * time.Millisecond)
	}

	fourth, err := lc.Establish(ctx, "user-1", "", "fp-shared")
	if err != nil {
		t.Fatalf("failed to establish fourth session: %v", err)
	}

	count, err := sessions.CountByUser(ctx, "user-1")
	if err != nil {
		t.Fatalf("failed to count sessions: %v", err)
	}
	if count != 3 {
		t.Errorf("expected 3 sessions after eviction, got %d", count)
	}

	evicted, err := sessions.GetByID(ctx, ids[0])
	if err != nil {
		t.Fatalf("failed to look up evicted session: %v", err)
	}
	if evicted != nil {
		t.Errorf("expected oldest session %s to be evicted", ids[0])
	}

	survivor, err := sessions.GetByID(ctx, fourth.ID)
	if err != nil {
		t.Fatalf("failed to look up new session: %v", err)
	}
	if survivor == nil {
		t.Error("expected the new session to exist")
	}
}

func TestSessionLifecycle_ValidateExtendsExpiry(t *testing.T) {
	db := SetupTestDB(t)
	ctx := context.Background()

	// Short TTL so every validation lands in the second half of the lifetime
	lc := newLifecycle(db, session.LifecycleConfig{TTL: 2 * time.Second, IdleTimeout: time.Hour})

	s, err := lc.Establish(ctx, "user-1", "", "fp-a")
	if err != nil {
		t.Fatalf("failed to establish session: %v", err)
	}
	firstExpiry := s.ExpiresAt

	time.Sleep(1100 * time.Millisecond)

	validated, err := lc.Validate(ctx, s.ID, "fp-a")
	if err != nil {
		t.Fatalf("failed to validate session: %v", err)
	}
	if !validated.ExpiresAt.After(firstExpiry) {
		t.Errorf("expected expiry extension beyond %v, got %v", firstExpiry, validated.ExpiresAt)
	}

	// The extension is durable
	sessions := postgres.NewUserSessionRepository(db.Pool)
	stored, err := sessions.GetByID(ctx, s.ID)
	if err != nil {
		t.Fatalf("failed to reload session: %v", err)
	}
	if stored == nil {
		t.Fatal("expected session row to exist")
	}
	if !stored.ExpiresAt.After(firstExpiry) {
		t.Errorf("expected stored expiry beyond %v, got %v", firstExpiry, stored.ExpiresAt)
	}
}

func TestSessionLifecycle_FingerprintMismatchCompromisesSession(t *testing.T) {
	db := SetupTestDB(t)
	ctx := context.Background()

	lc := newLifecycle(db, session.LifecycleConfig{})

	s, err := lc.Establish(ctx, "user-1", "", "fp-real")
	if err != nil {
		t.Fatalf("failed to establish session: %v", err)
	}

	if _, err := lc.Validate(ctx, s.ID, "fp-stolen"); !errors.Is(err, domain.ErrSessionCompromised) {
		t.Fatalf("expected ErrSessionCompromised, got %v", err)
	}

	// The compromised flag is durable: even the right fingerprint is
	// rejected from now on
	if _, err := lc.Validate(ctx, s.ID, "fp-real"); !errors.Is(err, domain.ErrSessionCompromised) {
		t.Errorf("expected ErrSessionCompromised on retry, got %v", err)
	}

	sessions := postgres.NewUserSessionRepository(db.Pool)
	stored, err := sessions.GetByID(ctx, s.ID)
	if err != nil {
		t.Fatalf("failed to reload session: %v", err)
	}
	if stored == nil {
		t.Fatal("expected session row to survive compromise")
	}
	if !stored.Compromised {
		t.Error("expected compromised flag to be set")
	}
}

func TestSessionLifecycle_ExpiredSessionIsRemovedOnValidate(t *testing.T) {
	db := SetupTestDB(t)
	ctx := context.Background()
	fixtures := NewFixtures(db)

	lc := newLifecycle(db, session.LifecycleConfig{})

	expired := fixtures.CreateStaleUserSession(ctx, t, "sess_expired", "user-1", "fp-a",
		time.Now().Add(-10*time.Minute), time.Now().Add(-5*time.Minute))

	if _, err := lc.Validate(ctx, expired.ID, "fp-a"); !errors.Is(err, domain.ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired, got %v", err)
	}

	// Validation deletes the dead row
	if got := fixtures.CountRows(ctx, t, "user_sessions"); got != 0 {
		t.Errorf("expected expired session to be deleted, %d rows remain", got)
	}
}

func TestSessionLifecycle_IdleSessionIsRemovedOnValidate(t *testing.T) {
	db := SetupTestDB(t)
	ctx := context.Background()
	fixtures := NewFixtures(db)

	lc := newLifecycle(db, session.LifecycleConfig{IdleTimeout: time.Minute})

	// Expiry far in the future but no activity for an hour
	idle := fixtures.CreateStaleUserSession(ctx, t, "sess_idle", "user-1", "fp-a",
		time.Now().Add(-time.Hour), time.Now().Add(23*time.Hour))

	if _, err := lc.Validate(ctx, idle.ID, "fp-a"); !errors.Is(err, domain.ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired for idle session, got %v", err)
	}
	if got := fixtures.CountRows(ctx, t, "user_sessions"); got != 0 {
		t.Errorf("expected idle session to be deleted, %d rows remain", got)
	}
}

func TestSessionLifecycle_ValidateUnknownSession(t *testing.T) {
	db := SetupTestDB(t)
	ctx := context.Background()

	lc := newLifecycle(db, session.LifecycleConfig{})

	if _, err := lc.Validate(ctx, "sess_ghost", "fp-a"); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestSessionLifecycle_RevokeDeletesSession(t *testing.T) {
	db := SetupTestDB(t)
	ctx := context.Background()
	fixtures := NewFixtures(db)

	lc := newLifecycle(db, session.LifecycleConfig{})

	s, err := lc.Establish(ctx, "user-1", "", "fp-a")
	if err != nil {
		t.Fatalf("failed to establish session: %v", err)
	}
	if err := lc.Revoke(ctx, s.ID); err != nil {
		t.Fatalf("failed to revoke session: %v", err)
	}
	if got := fixtures.CountRows(ctx, t, "user_sessions"); got != 0 {
		t.Errorf("expected 0 session rows after revoke, got %d", got)
	}
}

func TestSessionLifecycle_SweepRemovesExpiredSessions(t *testing.T) {
	db := SetupTestDB(t)
	ctx := context.Background()
	fixtures := NewFixtures(db)

	sessions := postgres.NewUserSessionRepository(db.Pool)

	fixtures.CreateStaleUserSession(ctx, t, "sess_dead_1", "user-1", "fp-a",
		time.Now().Add(-2*time.Hour), time.Now().Add(-time.Hour))
	fixtures.CreateStaleUserSession(ctx, t, "sess_dead_2", "user-2", "fp-b",
		time.Now().Add(-2*time.Hour), time.Now().Add(-time.Minute))
	fixtures.CreateUserSession(ctx, t, "sess_alive", "user-3", "dev_1", "fp-c", time.Hour)

	removed, err := sessions.DeleteExpired(ctx, time.Now())
	if err != nil {
		t.Fatalf("failed to delete expired sessions: %v", err)
	}
	if removed != 2 {
		t.Errorf("expected 2 sessions removed, got %d", removed)
	}

	alive, err := sessions.GetByID(ctx, "sess_alive")
	if err != nil {
		t.Fatalf("failed to reload live session: %v", err)
	}
	if alive == nil {
		t.Error("expected the live session to survive the sweep")
	}
}
