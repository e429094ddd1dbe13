package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/narvanalabs/buildqueue/internal/store"
)

// SequenceStore implements store.SequenceStore using PostgreSQL.
type SequenceStore struct {
	db     *sql.DB
	tx     *sql.Tx
	logger *slog.Logger
}

func (s *SequenceStore) conn() queryable {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

// Next atomically reserves count consecutive numbers for name and returns the
// first. The reservation is a single upsert, so concurrent callers can never
// observe overlapping ranges; on any failure nothing is consumed.
func (s *SequenceStore) Next(ctx context.Context, name string, count int) (int64, error) {
	if count <= 0 {
		return 0, fmt.Errorf("invalid count %d", count)
	}

	query := `
		INSERT INTO sequences (name, next)
		VALUES ($1, $2 + 1)
		ON CONFLICT (name)
		DO UPDATE SET next = sequences.next + $2
		RETURNING next`

	var next int64
	err := s.conn().QueryRowContext(ctx, query, name, count).Scan(&next)
	if err != nil {
		if isSerializationFailure(err) {
			return 0, fmt.Errorf("reserving sequence range: %w: %w", store.ErrUnavailable, err)
		}
		return 0, fmt.Errorf("reserving sequence range: %w", err)
	}

	return next - int64(count), nil
}
