package postgres

import (
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/voxguard/voxguard/internal/domain/models"
)

func userSessionRows(sessions ...*models.UserSession) *pgxmock.Rows {
	rows := pgxmock.NewRows([]string{
		"id", "user_id", "device_id", "fingerprint",
		"created_at", "last_seen_at", "expires_at", "compromised",
	})
	for _, s := range sessions {
		rows.AddRow(s.ID, s.UserID, s.DeviceID, s.Fingerprint,
			s.CreatedAt, s.LastSeenAt, s.ExpiresAt, s.Compromised)
	}
	return rows
}

func testUserSession(id string) *models.UserSession {
	now := time.Now()
	return &models.UserSession{
		ID:          id,
		UserID:      "user-1",
		DeviceID:    "dev_1",
		Fingerprint: "fp-1",
		CreatedAt:   now,
		LastSeenAt:  now,
		ExpiresAt:   now.Add(24 * time.Hour),
	}
}

func TestUserSessionRepository_Create(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()

	repo := &UserSessionRepository{BaseRepository: BaseRepository{pool: nil}}
	session := testUserSession("sess_1")

	mock.ExpectExec("INSERT INTO user_sessions").
		WithArgs(
			session.ID, session.UserID, session.DeviceID, session.Fingerprint,
			session.CreatedAt, session.LastSeenAt, session.ExpiresAt, session.Compromised,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	ctx := setupMockContext(mock)
	if err := repo.Create(ctx, session); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestUserSessionRepository_GetByID(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()

	repo := &UserSessionRepository{BaseRepository: BaseRepository{pool: nil}}
	want := testUserSession("sess_1")

	mock.ExpectQuery("SELECT (.+) FROM user_sessions").
		WithArgs(want.ID).
		WillReturnRows(userSessionRows(want))

	ctx := setupMockContext(mock)
	got, err := repo.GetByID(ctx, want.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got == nil || got.ID != want.ID {
		t.Fatalf("GetByID() = %+v, want %s", got, want.ID)
	}
	if got.Fingerprint != want.Fingerprint {
		t.Errorf("Fingerprint = %s, want %s", got.Fingerprint, want.Fingerprint)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestUserSessionRepository_GetByID_Absent(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()

	repo := &UserSessionRepository{BaseRepository: BaseRepository{pool: nil}}

	mock.ExpectQuery("SELECT (.+) FROM user_sessions").
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	ctx := setupMockContext(mock)
	got, err := repo.GetByID(ctx, "missing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Errorf("GetByID() = %+v, want nil for absent row", got)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestUserSessionRepository_ListByUser(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()

	repo := &UserSessionRepository{BaseRepository: BaseRepository{pool: nil}}
	first := testUserSession("sess_1")
	second := testUserSession("sess_2")

	mock.ExpectQuery("SELECT (.+) FROM user_sessions").
		WithArgs("user-1").
		WillReturnRows(userSessionRows(first, second))

	ctx := setupMockContext(mock)
	sessions, err := repo.ListByUser(ctx, "user-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("len = %d, want 2", len(sessions))
	}
	if sessions[0].ID != "sess_1" || sessions[1].ID != "sess_2" {
		t.Errorf("order = %s, %s", sessions[0].ID, sessions[1].ID)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestUserSessionRepository_Touch(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()

	repo := &UserSessionRepository{BaseRepository: BaseRepository{pool: nil}}
	lastSeen := time.Now()
	expires := lastSeen.Add(24 * time.Hour)

	mock.ExpectExec("UPDATE user_sessions").
		WithArgs(lastSeen, expires, "sess_1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	ctx := setupMockContext(mock)
	if err := repo.Touch(ctx, "sess_1", lastSeen, expires); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestUserSessionRepository_Touch_Gone(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()

	repo := &UserSessionRepository{BaseRepository: BaseRepository{pool: nil}}
	lastSeen := time.Now()

	mock.ExpectExec("UPDATE user_sessions").
		WithArgs(lastSeen, lastSeen, "gone").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	ctx := setupMockContext(mock)
	err = repo.Touch(ctx, "gone", lastSeen, lastSeen)
	if !errors.Is(err, pgx.ErrNoRows) {
		t.Errorf("Touch() error = %v, want ErrNoRows", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestUserSessionRepository_MarkCompromised(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()

	repo := &UserSessionRepository{BaseRepository: BaseRepository{pool: nil}}

	mock.ExpectExec("UPDATE user_sessions").
		WithArgs("sess_1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	ctx := setupMockContext(mock)
	if err := repo.MarkCompromised(ctx, "sess_1"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestUserSessionRepository_DeleteExpired(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()

	repo := &UserSessionRepository{BaseRepository: BaseRepository{pool: nil}}
	now := time.Now()

	mock.ExpectExec("DELETE FROM user_sessions").
		WithArgs(now).
		WillReturnResult(pgxmock.NewResult("DELETE", 3))

	ctx := setupMockContext(mock)
	removed, err := repo.DeleteExpired(ctx, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if removed != 3 {
		t.Errorf("removed = %d, want 3", removed)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestUserSessionRepository_CountByUser(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()

	repo := &UserSessionRepository{BaseRepository: BaseRepository{pool: nil}}

	mock.ExpectQuery("SELECT COUNT").
		WithArgs("user-1").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(2))

	ctx := setupMockContext(mock)
	count, err := repo.CountByUser(ctx, "user-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestUserSessionRepository_OldestByUser_Absent(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()

	repo := &UserSessionRepository{BaseRepository: BaseRepository{pool: nil}}

	mock.ExpectQuery("SELECT (.+) FROM user_sessions").
		WithArgs("user-1").
		WillReturnError(pgx.ErrNoRows)

	ctx := setupMockContext(mock)
	got, err := repo.OldestByUser(ctx, "user-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Errorf("OldestByUser() = %+v, want nil", got)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}
