package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/voxguard/voxguard/internal/domain/models"
)

type DeviceRepository struct {
	BaseRepository
}

func NewDeviceRepository(pool *pgxpool.Pool) *DeviceRepository {
	return &DeviceRepository{
		BaseRepository: NewBaseRepository(pool),
	}
}

// Upsert inserts the device or, when the (user, fingerprint) pair is already
// trusted, refreshes its label and last-seen time. The stored device ID never
// changes on conflict.
func (r *DeviceRepository) Upsert(ctx context.Context, device *models.TrustedDevice) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		INSERT INTO trusted_devices (
			id, user_id, fingerprint, label, first_seen_at, last_seen_at
		) VALUES (
			$1, $2, $3, $4, $5, $6
		)
		ON CONFLICT (user_id, fingerprint) DO UPDATE
		SET label = EXCLUDED.label,
		    last_seen_at = EXCLUDED.last_seen_at`

	_, err := r.conn(ctx).Exec(ctx, query,
		device.ID,
		device.UserID,
		device.Fingerprint,
		device.Label,
		device.FirstSeenAt,
		device.LastSeenAt,
	)

	return err
}

func (r *DeviceRepository) GetByFingerprint(ctx context.Context, userID, fingerprint string) (*models.TrustedDevice, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		SELECT id, user_id, fingerprint, label, first_seen_at, last_seen_at
		FROM trusted_devices
		WHERE user_id = $1 AND fingerprint = $2`

	return r.scanDevice(r.conn(ctx).QueryRow(ctx, query, userID, fingerprint))
}

func (r *DeviceRepository) ListByUser(ctx context.Context, userID string) ([]*models.TrustedDevice, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		SELECT id, user_id, fingerprint, label, first_seen_at, last_seen_at
		FROM trusted_devices
		WHERE user_id = $1
		ORDER BY first_seen_at`

	rows, err := r.conn(ctx).Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return r.scanDevices(rows)
}

func (r *DeviceRepository) Delete(ctx context.Context, id string) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	_, err := r.conn(ctx).Exec(ctx, `DELETE FROM trusted_devices WHERE id = $1`, id)
	return err
}

func (r *DeviceRepository) scanDevice(row pgx.Row) (*models.TrustedDevice, error) {
	var device models.TrustedDevice

	err := row.Scan(
		&device.ID,
		&device.UserID,
		&device.Fingerprint,
		&device.Label,
		&device.FirstSeenAt,
		&device.LastSeenAt,
	)

	if err != nil {
		if checkNoRows(err) {
			return nil, nil
		}
		return nil, err
	}

	return &device, nil
}

func (r *DeviceRepository) scanDevices(rows pgx.Rows) ([]*models.TrustedDevice, error) {
	var devices []*models.TrustedDevice

	for rows.Next() {
		var device models.TrustedDevice

		err := rows.Scan(
			&device.ID,
			&device.UserID,
			&device.Fingerprint,
			&device.Label,
			&device.FirstSeenAt,
			&device.LastSeenAt,
		)
		if err != nil {
			return nil, err
		}

		devices = append(devices, &device)
	}

	return devices, rows.Err()
}
