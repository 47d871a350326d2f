package postgres

import (
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/vmihailenco/msgpack/v5"
	"github.com/voxguard/voxguard/internal/domain/models"
)

func testSnapshot() *models.CallStateSnapshot {
	now := time.Now().Truncate(time.Millisecond)
	return &models.CallStateSnapshot{
		CallID:         "call_1",
		SessionID:      "sess_1",
		LastSequence:   42,
		TierIndex:      1,
		TranscriptTail: []string{"你好", "我们有一个产品"},
		IntentTail: []models.Intent{
			{Label: "推销", Category: models.IntentSalesCall, Confidence: 0.6},
		},
		MessageCount: 2,
		StartedAt:    now.Add(-time.Minute),
		SavedAt:      now,
	}
}

func TestSnapshotRepository_Save(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()

	repo := &SnapshotRepository{BaseRepository: BaseRepository{pool: nil}}
	snapshot := testSnapshot()
	blob, err := msgpack.Marshal(snapshot)
	if err != nil {
		t.Fatal(err)
	}

	mock.ExpectExec("INSERT INTO call_snapshots").
		WithArgs(snapshot.CallID, snapshot.SessionID, blob, snapshot.SavedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	ctx := setupMockContext(mock)
	if err := repo.Save(ctx, snapshot); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestSnapshotRepository_Get(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()

	repo := &SnapshotRepository{BaseRepository: BaseRepository{pool: nil}}
	want := testSnapshot()
	blob, err := msgpack.Marshal(want)
	if err != nil {
		t.Fatal(err)
	}

	mock.ExpectQuery("SELECT snapshot FROM call_snapshots").
		WithArgs(want.CallID).
		WillReturnRows(pgxmock.NewRows([]string{"snapshot"}).AddRow(blob))

	ctx := setupMockContext(mock)
	got, err := repo.Get(ctx, want.CallID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got == nil {
		t.Fatal("Get() returned nil for stored snapshot")
	}
	if got.LastSequence != want.LastSequence {
		t.Errorf("LastSequence = %d, want %d", got.LastSequence, want.LastSequence)
	}
	if len(got.TranscriptTail) != 2 || got.TranscriptTail[1] != "我们有一个产品" {
		t.Errorf("TranscriptTail = %v", got.TranscriptTail)
	}
	if len(got.IntentTail) != 1 || got.IntentTail[0].Category != models.IntentSalesCall {
		t.Errorf("IntentTail = %+v", got.IntentTail)
	}
	if !got.SavedAt.Equal(want.SavedAt) {
		t.Errorf("SavedAt = %v, want %v", got.SavedAt, want.SavedAt)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestSnapshotRepository_Get_Absent(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()

	repo := &SnapshotRepository{BaseRepository: BaseRepository{pool: nil}}

	mock.ExpectQuery("SELECT snapshot FROM call_snapshots").
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	ctx := setupMockContext(mock)
	got, err := repo.Get(ctx, "missing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Errorf("Get() = %+v, want nil for absent snapshot", got)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestSnapshotRepository_Get_CorruptBlob(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()

	repo := &SnapshotRepository{BaseRepository: BaseRepository{pool: nil}}

	mock.ExpectQuery("SELECT snapshot FROM call_snapshots").
		WithArgs("call_1").
		WillReturnRows(pgxmock.NewRows([]string{"snapshot"}).AddRow([]byte{0xc1}))

	ctx := setupMockContext(mock)
	got, err := repo.Get(ctx, "call_1")
	if err == nil {
		t.Error("Get() should fail on a corrupt blob")
	}
	if got != nil {
		t.Errorf("Get() = %+v, want nil on decode failure", got)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestSnapshotRepository_DeleteOlderThan(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()

	repo := &SnapshotRepository{BaseRepository: BaseRepository{pool: nil}}
	cutoff := time.Now().Add(-time.Hour)

	mock.ExpectExec("DELETE FROM call_snapshots").
		WithArgs(cutoff).
		WillReturnResult(pgxmock.NewResult("DELETE", 5))

	ctx := setupMockContext(mock)
	removed, err := repo.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if removed != 5 {
		t.Errorf("removed = %d, want 5", removed)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}
