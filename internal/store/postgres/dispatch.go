package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/narvanalabs/buildqueue/internal/store"
)

// DispatchStore implements store.DispatchStore using PostgreSQL. Enqueue is
// called inside the build-creation transaction; Claim uses
// SELECT FOR UPDATE SKIP LOCKED so concurrent executors never double-claim.
type DispatchStore struct {
	db     *sql.DB
	tx     *sql.Tx
	logger *slog.Logger
}

func (s *DispatchStore) conn() queryable {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

// Enqueue records a build as awaiting executor pickup.
func (s *DispatchStore) Enqueue(ctx context.Context, buildID uint64) error {
	query := `
		INSERT INTO dispatch_queue (build_id, status, created_at)
		VALUES ($1, 'pending', $2)`

	if _, err := s.conn().ExecContext(ctx, query, int64(buildID), time.Now().UTC()); err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicateKey
		}
		return fmt.Errorf("inserting dispatch record: %w", err)
	}

	return nil
}

// Claim atomically takes the oldest pending record.
func (s *DispatchStore) Claim(ctx context.Context) (uint64, error) {
	query := `
		UPDATE dispatch_queue
		SET status = 'claimed', claimed_at = $1
		WHERE build_id = (
			SELECT build_id FROM dispatch_queue
			WHERE status = 'pending'
			ORDER BY created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING build_id`

	var id int64
	err := s.conn().QueryRowContext(ctx, query, time.Now().UTC()).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, store.ErrNotFound
		}
		return 0, fmt.Errorf("claiming dispatch record: %w", err)
	}

	return uint64(id), nil
}

// Ack removes a record. Acking an absent record is a no-op.
func (s *DispatchStore) Ack(ctx context.Context, buildID uint64) error {
	query := `DELETE FROM dispatch_queue WHERE build_id = $1`

	if _, err := s.conn().ExecContext(ctx, query, int64(buildID)); err != nil {
		return fmt.Errorf("deleting dispatch record: %w", err)
	}

	return nil
}
