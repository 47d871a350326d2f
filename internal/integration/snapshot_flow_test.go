//go:build integration

package integration

import (
	"context"
	"testing"
	"time"

	"github.com/voxguard/voxguard/internal/adapters/postgres"
	"github.com/voxguard/voxguard/internal/domain/models"
)

func testSnapshot(callID, sessionID string, savedAt time.Time) *models.CallStateSnapshot {
	return &models.CallStateSnapshot{
		CallID:       callID,
		SessionID:    sessionID,
		LastSequence: 42,
		TierIndex:    1,
		TranscriptTail: []string{
			"who am I speaking with",
			"this is about your car warranty",
		},
		IntentTail: []models.Intent{
			{Label: "warranty pitch", Confidence: 0.93, Category: models.IntentInsuranceSales},
		},
		MessageCount: 7,
		StartedAt:    savedAt.Add(-3 * time.Minute),
		SavedAt:      savedAt,
	}
}

func TestSnapshotFlow_SaveAndGetRoundTrip(t *testing.T) {
	db := SetupTestDB(t)
	ctx := context.Background()

	repo := postgres.NewSnapshotRepository(db.Pool)

	saved := testSnapshot("call_1", "sess_1", time.Now().Truncate(time.Millisecond))
	if err := repo.Save(ctx, saved); err != nil {
		t.Fatalf("failed to save snapshot: %v", err)
	}

	loaded, err := repo.Get(ctx, "call_1")
	if err != nil {
		t.Fatalf("failed to load snapshot: %v", err)
	}
	if loaded == nil {
		t.Fatal("expected snapshot to exist")
	}
	if loaded.SessionID != "sess_1" {
		t.Errorf("expected session sess_1, got %s", loaded.SessionID)
	}
	if loaded.LastSequence != 42 {
		t.Errorf("expected last sequence 42, got %d", loaded.LastSequence)
	}
	if loaded.TierIndex != 1 {
		t.Errorf("expected tier index 1, got %d", loaded.TierIndex)
	}
	if len(loaded.TranscriptTail) != 2 || loaded.TranscriptTail[1] != "this is about your car warranty" {
		t.Errorf("unexpected transcript tail: %v", loaded.TranscriptTail)
	}
	if len(loaded.IntentTail) != 1 || loaded.IntentTail[0].Label != "warranty pitch" {
		t.Errorf("unexpected intent tail: %+v", loaded.IntentTail)
	}
	if loaded.MessageCount != 7 {
		t.Errorf("expected message count 7, got %d", loaded.MessageCount)
	}
	if !loaded.SavedAt.Equal(saved.SavedAt) {
		t.Errorf("expected saved at %v, got %v", saved.SavedAt, loaded.SavedAt)
	}
}

func TestSnapshotFlow_SaveOverwritesPerCall(t *testing.T) {
	db := SetupTestDB(t)
	ctx := context.Background()
	fixtures := NewFixtures(db)

	repo := postgres.NewSnapshotRepository(db.Pool)

	first := testSnapshot("call_1", "sess_1", time.Now().Add(-time.Minute))
	if err := repo.Save(ctx, first); err != nil {
		t.Fatalf("failed to save first snapshot: %v", err)
	}

	second := testSnapshot("call_1", "sess_2", time.Now())
	second.LastSequence = 99
	if err := repo.Save(ctx, second); err != nil {
		t.Fatalf("failed to save second snapshot: %v", err)
	}

	// One row per call; the latest write wins
	if got := fixtures.CountRows(ctx, t, "call_snapshots"); got != 1 {
		t.Errorf("expected 1 snapshot row, got %d", got)
	}

	loaded, err := repo.Get(ctx, "call_1")
	if err != nil {
		t.Fatalf("failed to load snapshot: %v", err)
	}
	if loaded == nil {
		t.Fatal("expected snapshot to exist")
	}
	if loaded.SessionID != "sess_2" || loaded.LastSequence != 99 {
		t.Errorf("expected the newer snapshot, got session=%s sequence=%d", loaded.SessionID, loaded.LastSequence)
	}
}

func TestSnapshotFlow_GetMissingCall(t *testing.T) {
	db := SetupTestDB(t)
	ctx := context.Background()

	repo := postgres.NewSnapshotRepository(db.Pool)

	loaded, err := repo.Get(ctx, "call_ghost")
	if err != nil {
		t.Fatalf("unexpected error for missing snapshot: %v", err)
	}
	if loaded != nil {
		t.Errorf("expected nil for missing snapshot, got %+v", loaded)
	}
}

func TestSnapshotFlow_Delete(t *testing.T) {
	db := SetupTestDB(t)
	ctx := context.Background()

	repo := postgres.NewSnapshotRepository(db.Pool)

	if err := repo.Save(ctx, testSnapshot("call_1", "sess_1", time.Now())); err != nil {
		t.Fatalf("failed to save snapshot: %v", err)
	}
	if err := repo.Delete(ctx, "call_1"); err != nil {
		t.Fatalf("failed to delete snapshot: %v", err)
	}

	loaded, err := repo.Get(ctx, "call_1")
	if err != nil {
		t.Fatalf("failed to load snapshot: %v", err)
	}
	if loaded != nil {
		t.Error("expected snapshot to be gone after delete")
	}
}

func TestSnapshotFlow_DeleteOlderThanPurgesStaleRows(t *testing.T) {
	db := SetupTestDB(t)
	ctx := context.Background()

	repo := postgres.NewSnapshotRepository(db.Pool)

	now := time.Now()
	if err := repo.Save(ctx, testSnapshot("call_old", "sess_1", now.Add(-10*time.Minute))); err != nil {
		t.Fatalf("failed to save old snapshot: %v", err)
	}
	if err := repo.Save(ctx, testSnapshot("call_older", "sess_2", now.Add(-time.Hour))); err != nil {
		t.Fatalf("failed to save older snapshot: %v", err)
	}
	if err := repo.Save(ctx, testSnapshot("call_fresh", "sess_3", now)); err != nil {
		t.Fatalf("failed to save fresh snapshot: %v", err)
	}

	purged, err := repo.DeleteOlderThan(ctx, now.Add(-5*time.Minute))
	if err != nil {
		t.Fatalf("failed to purge snapshots: %v", err)
	}
	if purged != 2 {
		t.Errorf("expected 2 snapshots purged, got %d", purged)
	}

	fresh, err := repo.Get(ctx, "call_fresh")
	if err != nil {
		t.Fatalf("failed to load fresh snapshot: %v", err)
	}
	if fresh == nil {
		t.Error("expected the fresh snapshot to survive the purge")
	}
}
