package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/voxguard/voxguard/internal/domain/models"
)

type UserSessionRepository struct {
	BaseRepository
}

func NewUserSessionRepository(pool *pgxpool.Pool) *UserSessionRepository {
	return &UserSessionRepository{
		BaseRepository: NewBaseRepository(pool),
	}
}

func (r *UserSessionRepository) Create(ctx context.Context, session *models.UserSession) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		INSERT INTO user_sessions (
			id, user_id, device_id, fingerprint,
			created_at, last_seen_at, expires_at, compromised
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8
		)`

	_, err := r.conn(ctx).Exec(ctx, query,
		session.ID,
		session.UserID,
		session.DeviceID,
		session.Fingerprint,
		session.CreatedAt,
		session.LastSeenAt,
		session.ExpiresAt,
		session.Compromised,
	)

	return err
}

func (r *UserSessionRepository) GetByID(ctx context.Context, id string) (*models.UserSession, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		SELECT id, user_id, device_id, fingerprint,
		       created_at, last_seen_at, expires_at, compromised
		FROM user_sessions
		WHERE id = $1`

	return r.scanUserSession(r.conn(ctx).QueryRow(ctx, query, id))
}

func (r *UserSessionRepository) ListByUser(ctx context.Context, userID string) ([]*models.UserSession, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		SELECT id, user_id, device_id, fingerprint,
		       created_at, last_seen_at, expires_at, compromised
		FROM user_sessions
		WHERE user_id = $1
		ORDER BY created_at`

	rows, err := r.conn(ctx).Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return r.scanUserSessions(rows)
}

func (r *UserSessionRepository) Touch(ctx context.Context, id string, lastSeen, expires time.Time) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		UPDATE user_sessions
		SET last_seen_at = $1, expires_at = $2
		WHERE id = $3`

	result, err := r.conn(ctx).Exec(ctx, query, lastSeen, expires, id)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func (r *UserSessionRepository) MarkCompromised(ctx context.Context, id string) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		UPDATE user_sessions
		SET compromised = TRUE
		WHERE id = $1`

	result, err := r.conn(ctx).Exec(ctx, query, id)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func (r *UserSessionRepository) Delete(ctx context.Context, id string) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	_, err := r.conn(ctx).Exec(ctx, `DELETE FROM user_sessions WHERE id = $1`, id)
	return err
}

func (r *UserSessionRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	result, err := r.conn(ctx).Exec(ctx, `DELETE FROM user_sessions WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

func (r *UserSessionRepository) CountByUser(ctx context.Context, userID string) (int, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var count int
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM user_sessions WHERE user_id = $1`, userID).Scan(&count)
	return count, err
}

func (r *UserSessionRepository) OldestByUser(ctx context.Context, userID string) (*models.UserSession, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		SELECT id, user_id, device_id, fingerprint,
		       created_at, last_seen_at, expires_at, compromised
		FROM user_sessions
		WHERE user_id = $1
		ORDER BY created_at
		LIMIT 1`

	return r.scanUserSession(r.conn(ctx).QueryRow(ctx, query, userID))
}

func (r *UserSessionRepository) scanUserSession(row pgx.Row) (*models.UserSession, error) {
	var session models.UserSession

	err := row.Scan(
		&session.ID,
		&session.UserID,
		&session.DeviceID,
		&session.Fingerprint,
		&session.CreatedAt,
		&session.LastSeenAt,
		&session.ExpiresAt,
		&session.Compromised,
	)

	if err != nil {
		if checkNoRows(err) {
			return nil, nil
		}
		return nil, err
	}

	return &session, nil
}

func (r *UserSessionRepository) scanUserSessions(rows pgx.Rows) ([]*models.UserSession, error) {
	var sessions []*models.UserSession

	for rows.Next() {
		var session models.UserSession

		err := rows.Scan(
			&session.ID,
			&session.UserID,
			&session.DeviceID,
			&session.Fingerprint,
			&session.CreatedAt,
			&session.LastSeenAt,
			&session.ExpiresAt,
			&session.Compromised,
		)
		if err != nil {
			return nil, err
		}

		sessions = append(sessions, &session)
	}

	return sessions, rows.Err()
}
