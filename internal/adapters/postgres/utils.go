package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
)

const DefaultQueryTimeout = 30 * time.Second

// withTimeout wraps a context with the default query timeout unless a
// deadline is already set.
func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, DefaultQueryTimeout)
}

// checkNoRows reports whether the error is pgx.ErrNoRows.
func checkNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// unmarshalJSONField unmarshals a JSON column into target, treating an empty
// value as absent.
func unmarshalJSONField[T any](data []byte, target *T) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, target)
}
