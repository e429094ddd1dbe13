package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/narvanalabs/buildqueue/internal/models"
	"github.com/narvanalabs/buildqueue/internal/store"
)

// BuildStore implements store.BuildStore using PostgreSQL.
type BuildStore struct {
	db     *sql.DB
	tx     *sql.Tx
	logger *slog.Logger
}

// conn returns the queryable connection (transaction or database).
func (s *BuildStore) conn() queryable {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

const buildColumns = `id, scope, builder, build_number, status, tags, created_by,
	created_at, started_at, ended_at,
	lease_key, lease_expires_at, leased_by, ever_leased,
	progress_url, result_payload, summary,
	timeout_seconds, dimensions, experimental, retry_of`

// Create inserts a new build row.
func (s *BuildStore) Create(ctx context.Context, b *models.Build) error {
	query := `
		INSERT INTO builds (` + buildColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
			$11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`

	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}

	var number sql.NullInt64
	if b.Number != 0 {
		number = sql.NullInt64{Int64: b.Number, Valid: true}
	}
	var leaseKey, leasedBy sql.NullString
	if b.LeaseKey != "" {
		leaseKey = sql.NullString{String: b.LeaseKey, Valid: true}
	}
	if b.LeasedBy != "" {
		leasedBy = sql.NullString{String: b.LeasedBy, Valid: true}
	}
	var retryOf sql.NullInt64
	if b.RetryOf != 0 {
		retryOf = sql.NullInt64{Int64: int64(b.RetryOf), Valid: true}
	}

	_, err := s.conn().ExecContext(ctx, query,
		int64(b.ID),
		b.Scope,
		b.Builder,
		number,
		b.Status,
		pq.Array(b.Tags),
		b.CreatedBy,
		b.CreatedAt,
		b.StartedAt,
		b.EndedAt,
		leaseKey,
		b.LeaseExpiresAt,
		leasedBy,
		b.EverLeased,
		b.ProgressURL,
		b.ResultPayload,
		b.Summary,
		b.TimeoutSeconds,
		pq.Array(b.Dimensions),
		b.Experimental,
		retryOf,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicateKey
		}
		return fmt.Errorf("inserting build: %w", err)
	}

	return nil
}

// Get retrieves a build by ID, locking the row when inside a transaction so
// concurrent read-check-write mutations of the same build serialize instead
// of overwriting each other.
func (s *BuildStore) Get(ctx context.Context, id uint64) (*models.Build, error) {
	query := `SELECT ` + buildColumns + ` FROM builds WHERE id = $1`
	if s.tx != nil {
		query += " FOR UPDATE"
	}

	b, err := scanBuild(s.conn().QueryRowContext(ctx, query, int64(id)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("querying build: %w", err)
	}
	return b, nil
}

// GetBatch retrieves multiple builds, preserving input order. Absent ids
// yield nil slots.
func (s *BuildStore) GetBatch(ctx context.Context, ids []uint64) ([]*models.Build, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	args := make([]int64, len(ids))
	for i, id := range ids {
		args[i] = int64(id)
	}

	query := `SELECT ` + buildColumns + ` FROM builds WHERE id = ANY($1)`

	rows, err := s.conn().QueryContext(ctx, query, pq.Array(args))
	if err != nil {
		return nil, fmt.Errorf("querying builds: %w", err)
	}
	defer rows.Close()

	byID := make(map[uint64]*models.Build, len(ids))
	for rows.Next() {
		b, err := scanBuild(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning build row: %w", err)
		}
		byID[b.ID] = b
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating build rows: %w", err)
	}

	out := make([]*models.Build, len(ids))
	for i, id := range ids {
		out[i] = byID[id]
	}
	return out, nil
}

// Update writes a full build row back.
func (s *BuildStore) Update(ctx context.Context, b *models.Build) error {
	query := `
		UPDATE builds
		SET status = $2, tags = $3, started_at = $4, ended_at = $5,
			lease_key = $6, lease_expires_at = $7, leased_by = $8, ever_leased = $9,
			progress_url = $10, result_payload = $11, summary = $12
		WHERE id = $1`

	var leaseKey, leasedBy sql.NullString
	if b.LeaseKey != "" {
		leaseKey = sql.NullString{String: b.LeaseKey, Valid: true}
	}
	if b.LeasedBy != "" {
		leasedBy = sql.NullString{String: b.LeasedBy, Valid: true}
	}

	result, err := s.conn().ExecContext(ctx, query,
		int64(b.ID),
		b.Status,
		pq.Array(b.Tags),
		b.StartedAt,
		b.EndedAt,
		leaseKey,
		b.LeaseExpiresAt,
		leasedBy,
		b.EverLeased,
		b.ProgressURL,
		b.ResultPayload,
		b.Summary,
	)
	if err != nil {
		return fmt.Errorf("updating build: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return store.ErrNotFound
	}

	return nil
}

// Scan returns up to limit builds with id > afterID matching the filter,
// ascending by id.
func (s *BuildStore) Scan(ctx context.Context, f store.BuildFilter, afterID uint64, limit int) ([]*models.Build, error) {
	var (
		conds = []string{"id > $1"}
		args  = []any{int64(afterID)}
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.Scope != "" {
		add("scope = $%d", f.Scope)
	}
	if f.Builder != "" {
		add("builder = $%d", f.Builder)
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.CreatedBy != "" {
		add("created_by = $%d", f.CreatedBy)
	}
	if f.MinID != 0 {
		add("id >= $%d", int64(f.MinID))
	}
	if f.MaxID != 0 {
		add("id <= $%d", int64(f.MaxID))
	}
	args = append(args, limit)

	query := fmt.Sprintf(`SELECT %s FROM builds WHERE %s ORDER BY id ASC LIMIT $%d`,
		buildColumns, strings.Join(conds, " AND "), len(args))

	rows, err := s.conn().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("scanning builds: %w", err)
	}
	defer rows.Close()

	var builds []*models.Build
	for rows.Next() {
		b, err := scanBuild(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning build row: %w", err)
		}
		builds = append(builds, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating build rows: %w", err)
	}

	return builds, nil
}

// ScanExpiredLeases returns builds whose lease expired at or before now.
func (s *BuildStore) ScanExpiredLeases(ctx context.Context, now time.Time, limit int) ([]*models.Build, error) {
	query := `
		SELECT ` + buildColumns + `
		FROM builds
		WHERE lease_key IS NOT NULL AND lease_expires_at <= $1
		ORDER BY lease_expires_at ASC
		LIMIT $2`

	rows, err := s.conn().QueryContext(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("scanning expired leases: %w", err)
	}
	defer rows.Close()

	var builds []*models.Build
	for rows.Next() {
		b, err := scanBuild(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning build row: %w", err)
		}
		builds = append(builds, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating build rows: %w", err)
	}

	return builds, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanBuild(row rowScanner) (*models.Build, error) {
	b := &models.Build{}
	var (
		id                 int64
		number, retryOf    sql.NullInt64
		startedAt, endedAt sql.NullTime
		leaseExpires       sql.NullTime
		leaseKey, leasedBy sql.NullString
		tags, dims         []string
	)

	err := row.Scan(
		&id,
		&b.Scope,
		&b.Builder,
		&number,
		&b.Status,
		pq.Array(&tags),
		&b.CreatedBy,
		&b.CreatedAt,
		&startedAt,
		&endedAt,
		&leaseKey,
		&leaseExpires,
		&leasedBy,
		&b.EverLeased,
		&b.ProgressURL,
		&b.ResultPayload,
		&b.Summary,
		&b.TimeoutSeconds,
		pq.Array(&dims),
		&b.Experimental,
		&retryOf,
	)
	if err != nil {
		return nil, err
	}

	b.ID = uint64(id)
	b.Tags = tags
	b.Dimensions = dims
	if number.Valid {
		b.Number = number.Int64
	}
	if retryOf.Valid {
		b.RetryOf = uint64(retryOf.Int64)
	}
	if startedAt.Valid {
		b.StartedAt = &startedAt.Time
	}
	if endedAt.Valid {
		b.EndedAt = &endedAt.Time
	}
	if leaseExpires.Valid {
		b.LeaseExpiresAt = &leaseExpires.Time
	}
	if leaseKey.Valid {
		b.LeaseKey = leaseKey.String
	}
	if leasedBy.Valid {
		b.LeasedBy = leasedBy.String
	}

	return b, nil
}
