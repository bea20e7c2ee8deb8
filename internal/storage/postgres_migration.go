package storage

import (
	"context"
	"fmt"
)

var migrationStatements = []string{
	`CREATE TABLE IF NOT EXISTS videos (
		id            TEXT PRIMARY KEY,
		title         TEXT NOT NULL,
		description   TEXT,
		filename      TEXT NOT NULL,
		file_size     BIGINT NOT NULL DEFAULT 0,
		duration      DOUBLE PRECISION,
		status        TEXT NOT NULL,
		thumbnail_url TEXT,
		video_url     TEXT,
		manifest_url  TEXT,
		error_message TEXT,
		created_at    TIMESTAMPTZ NOT NULL,
		updated_at    TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS videos_status_idx ON videos (status)`,
	`CREATE INDEX IF NOT EXISTS videos_created_at_idx ON videos (created_at DESC)`,
}

func (r *postgresRepository) migrate(ctx context.Context) error {
	for _, stmt := range migrationStatements {
		if _, err := r.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply migration: %w", err)
		}
	}
	return nil
}
