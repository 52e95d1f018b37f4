package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schema holds the DDL applied at startup. Statements are idempotent so a
// restart against an initialized database is a no-op.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
		id                 TEXT PRIMARY KEY,
		job_type           TEXT NOT NULL,
		model              TEXT NOT NULL,
		status             TEXT NOT NULL DEFAULT 'PENDING',
		created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		started_at         TIMESTAMPTZ,
		finished_at        TIMESTAMPTZ,
		progress           DOUBLE PRECISION,
		error              TEXT,
		config             JSONB,
		dataset_version_id TEXT,
		provider_job_id    TEXT,
		output_ref         TEXT,
		metrics            JSONB,
		callback_url       TEXT,
		callback_key       TEXT,
		cancel_requested   BOOLEAN NOT NULL DEFAULT FALSE
	)`,

	`ALTER TABLE jobs ADD COLUMN IF NOT EXISTS callback_key TEXT`,

	`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs (status)`,

	`CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs (created_at DESC)`,

	`CREATE TABLE IF NOT EXISTS job_logs (
		job_id    TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
		sequence  BIGINT NOT NULL,
		timestamp TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		level     TEXT NOT NULL,
		message   TEXT NOT NULL,
		PRIMARY KEY (job_id, sequence)
	)`,

	`CREATE TABLE IF NOT EXISTS dataset_versions (
		id         TEXT PRIMARY KEY,
		dataset_id TEXT NOT NULL,
		version    INTEGER NOT NULL,
		file_hash  TEXT NOT NULL,
		locator    TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (dataset_id, version)
	)`,
}

// Migrate applies the schema.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for i, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema statement %d: %w", i+1, err)
		}
	}
	return nil
}
