package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vmihailenco/msgpack/v5"
	"github.com/voxguard/voxguard/internal/domain/models"
)

// SnapshotRepository stores call-state snapshots as msgpack blobs keyed by
// call. The session and save time are lifted into columns for the purge scan.
type SnapshotRepository struct {
	BaseRepository
}

func NewSnapshotRepository(pool *pgxpool.Pool) *SnapshotRepository {
	return &SnapshotRepository{
		BaseRepository: NewBaseRepository(pool),
	}
}

func (r *SnapshotRepository) Save(ctx context.Context, snapshot *models.CallStateSnapshot) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	blob, err := msgpack.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	query := `
		INSERT INTO call_snapshots (
			call_id, session_id, snapshot, saved_at
		) VALUES (
			$1, $2, $3, $4
		)
		ON CONFLICT (call_id) DO UPDATE
		SET session_id = EXCLUDED.session_id,
		    snapshot = EXCLUDED.snapshot,
		    saved_at = EXCLUDED.saved_at`

	_, err = r.conn(ctx).Exec(ctx, query,
		snapshot.CallID,
		snapshot.SessionID,
		blob,
		snapshot.SavedAt,
	)

	return err
}

func (r *SnapshotRepository) Get(ctx context.Context, callID string) (*models.CallStateSnapshot, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var blob []byte
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT snapshot FROM call_snapshots WHERE call_id = $1`, callID).Scan(&blob)
	if err != nil {
		if checkNoRows(err) {
			return nil, nil
		}
		return nil, err
	}

	var snapshot models.CallStateSnapshot
	if err := msgpack.Unmarshal(blob, &snapshot); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot for call %s: %w", callID, err)
	}
	return &snapshot, nil
}

func (r *SnapshotRepository) Delete(ctx context.Context, callID string) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	_, err := r.conn(ctx).Exec(ctx, `DELETE FROM call_snapshots WHERE call_id = $1`, callID)
	return err
}

func (r *SnapshotRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	result, err := r.conn(ctx).Exec(ctx, `DELETE FROM call_snapshots WHERE saved_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}
