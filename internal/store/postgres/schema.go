package postgres

import (
	"context"
	"fmt"
)

// Schema is the DDL for all tables owned by this service.
const Schema = `
CREATE TABLE IF NOT EXISTS builds (
	id               BIGINT PRIMARY KEY,
	scope            TEXT NOT NULL,
	builder          TEXT NOT NULL,
	build_number     BIGINT,
	status           TEXT NOT NULL,
	tags             TEXT[] NOT NULL DEFAULT '{}',
	created_by       TEXT NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL,
	started_at       TIMESTAMPTZ,
	ended_at         TIMESTAMPTZ,
	lease_key        TEXT,
	lease_expires_at TIMESTAMPTZ,
	leased_by        TEXT,
	ever_leased      BOOLEAN NOT NULL DEFAULT FALSE,
	progress_url     TEXT NOT NULL DEFAULT '',
	result_payload   TEXT NOT NULL DEFAULT '',
	summary          TEXT NOT NULL DEFAULT '',
	timeout_seconds  BIGINT NOT NULL DEFAULT 0,
	dimensions       TEXT[] NOT NULL DEFAULT '{}',
	experimental     BOOLEAN NOT NULL DEFAULT FALSE,
	retry_of         BIGINT
);

CREATE INDEX IF NOT EXISTS builds_scope_idx ON builds (scope, id);
CREATE INDEX IF NOT EXISTS builds_lease_expiry_idx ON builds (lease_expires_at)
	WHERE lease_key IS NOT NULL;

CREATE TABLE IF NOT EXISTS tag_index (
	tag                    TEXT NOT NULL,
	shard                  INT NOT NULL,
	entries                JSONB NOT NULL DEFAULT '[]',
	permanently_incomplete BOOLEAN NOT NULL DEFAULT FALSE,
	PRIMARY KEY (tag, shard)
);

CREATE TABLE IF NOT EXISTS sequences (
	name TEXT PRIMARY KEY,
	next BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS dispatch_queue (
	build_id   BIGINT PRIMARY KEY,
	status     TEXT NOT NULL DEFAULT 'pending',
	created_at TIMESTAMPTZ NOT NULL,
	claimed_at TIMESTAMPTZ
);
`

// EnsureSchema creates the tables if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}
	return nil
}
