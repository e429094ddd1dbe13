package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/narvanalabs/buildqueue/internal/models"
	"github.com/narvanalabs/buildqueue/internal/store"
)

// TagIndexStore implements store.TagIndexStore using PostgreSQL. Entries are
// stored as a JSONB array per (tag, shard) row.
type TagIndexStore struct {
	db     *sql.DB
	tx     *sql.Tx
	logger *slog.Logger
}

func (s *TagIndexStore) conn() queryable {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

// GetShard retrieves one shard row, locking it when inside a transaction so
// concurrent appenders serialize per shard.
func (s *TagIndexStore) GetShard(ctx context.Context, tag string, shard int) (*models.TagIndexShard, error) {
	query := `
		SELECT entries, permanently_incomplete
		FROM tag_index
		WHERE tag = $1 AND shard = $2`
	if s.tx != nil {
		query += " FOR UPDATE"
	}

	row := s.conn().QueryRowContext(ctx, query, tag, shard)

	out := &models.TagIndexShard{Tag: tag, Shard: shard}
	var raw []byte
	if err := row.Scan(&raw, &out.PermanentlyIncomplete); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("querying tag index shard: %w", err)
	}
	if err := json.Unmarshal(raw, &out.Entries); err != nil {
		return nil, fmt.Errorf("unmarshaling tag index entries: %w", err)
	}

	return out, nil
}

// PutShard upserts a shard row.
func (s *TagIndexStore) PutShard(ctx context.Context, sh *models.TagIndexShard) error {
	entries := sh.Entries
	if entries == nil {
		entries = []models.TagIndexEntry{}
	}
	raw, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("marshaling tag index entries: %w", err)
	}

	query := `
		INSERT INTO tag_index (tag, shard, entries, permanently_incomplete)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tag, shard)
		DO UPDATE SET entries = $3, permanently_incomplete = $4`

	if _, err := s.conn().ExecContext(ctx, query, sh.Tag, sh.Shard, raw, sh.PermanentlyIncomplete); err != nil {
		return fmt.Errorf("upserting tag index shard: %w", err)
	}

	return nil
}

// GetAll retrieves every existing shard for a tag.
func (s *TagIndexStore) GetAll(ctx context.Context, tag string) ([]*models.TagIndexShard, error) {
	query := `
		SELECT shard, entries, permanently_incomplete
		FROM tag_index
		WHERE tag = $1
		ORDER BY shard ASC`

	rows, err := s.conn().QueryContext(ctx, query, tag)
	if err != nil {
		return nil, fmt.Errorf("querying tag index shards: %w", err)
	}
	defer rows.Close()

	var shards []*models.TagIndexShard
	for rows.Next() {
		sh := &models.TagIndexShard{Tag: tag}
		var raw []byte
		if err := rows.Scan(&sh.Shard, &raw, &sh.PermanentlyIncomplete); err != nil {
			return nil, fmt.Errorf("scanning tag index row: %w", err)
		}
		if err := json.Unmarshal(raw, &sh.Entries); err != nil {
			return nil, fmt.Errorf("unmarshaling tag index entries: %w", err)
		}
		shards = append(shards, sh)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating tag index rows: %w", err)
	}

	return shards, nil
}
