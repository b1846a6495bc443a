package repository

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// DB wraps the postgres connection shared by all repositories
type DB struct {
	*sql.DB
}

// NewDB opens and verifies the database connection.
func NewDB(databaseURL string) (*DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("repository: opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("repository: pinging database: %w", err)
	}
	return &DB{DB: db}, nil
}

// EnsureSchema creates the tables the orchestrator needs. The partial unique
// index on simulation_jobs is what guarantees at most one non-terminal job per
// (iteration, event, kind) across independent processes.
func (db *DB) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS events (
			id         TEXT PRIMARY KEY,
			latitude   DOUBLE PRECISION NOT NULL,
			longitude  DOUBLE PRECISION NOT NULL,
			depth_km   DOUBLE PRECISION NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS iterations (
			name          TEXT PRIMARY KEY,
			number        INTEGER NOT NULL,
			events        TEXT[] NOT NULL,
			control_group TEXT[] NOT NULL DEFAULT '{}',
			validation    BOOLEAN NOT NULL DEFAULT FALSE,
			task          TEXT NOT NULL,
			created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS simulation_jobs (
			id           UUID PRIMARY KEY,
			iteration    TEXT NOT NULL,
			event_id     TEXT NOT NULL,
			kind         TEXT NOT NULL,
			status       TEXT NOT NULL,
			remote_id    TEXT,
			submitted_at TIMESTAMPTZ,
			finished_at  TIMESTAMPTZ,
			created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS simulation_jobs_live
			ON simulation_jobs (iteration, event_id, kind)
			WHERE status NOT IN ('retrieved', 'failed')`,
		`CREATE TABLE IF NOT EXISTS job_events (
			id          BIGSERIAL PRIMARY KEY,
			job_id      UUID NOT NULL,
			at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			from_status TEXT,
			to_status   TEXT NOT NULL,
			reason      TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS misfits (
			iteration  TEXT NOT NULL,
			event_id   TEXT NOT NULL,
			validation BOOLEAN NOT NULL DEFAULT FALSE,
			misfit     DOUBLE PRECISION NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (iteration, event_id, validation)
		)`,
	}
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("repository: ensuring schema: %w", err)
		}
	}
	return nil
}
