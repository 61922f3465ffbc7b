package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
)

// migration is one forward-only schema step. Statements use {{pk}} for the
// dialect's auto-increment primary key.
type migration struct {
	version    int
	name       string
	statements []string
}

var migrations = []migration{
	{
		version: 1,
		name:    "packages, releases and build attempts",
		statements: []string{
			`CREATE TABLE packages (
				id {{pk}},
				name TEXT NOT NULL UNIQUE,
				created_at BIGINT NOT NULL
			)`,
			`CREATE TABLE releases (
				id {{pk}},
				package_id BIGINT NOT NULL REFERENCES packages(id),
				version TEXT NOT NULL,
				source_location TEXT NOT NULL DEFAULT '',
				checksum TEXT NOT NULL DEFAULT '',
				created_at BIGINT NOT NULL,
				UNIQUE (package_id, version)
			)`,
			`CREATE INDEX releases_created_at ON releases (created_at)`,
			`CREATE TABLE build_attempts (
				id {{pk}},
				release_id BIGINT NOT NULL REFERENCES releases(id),
				attempt_no INTEGER NOT NULL,
				try_no INTEGER NOT NULL,
				status TEXT NOT NULL,
				reason TEXT NOT NULL DEFAULT '',
				retryable INTEGER NOT NULL DEFAULT 0,
				target TEXT NOT NULL DEFAULT '',
				log_ref TEXT NOT NULL DEFAULT '',
				artifact_ref TEXT NOT NULL DEFAULT '',
				worker_id TEXT NOT NULL DEFAULT '',
				lease_expires_at BIGINT NOT NULL DEFAULT 0,
				available_at BIGINT NOT NULL DEFAULT 0,
				created_at BIGINT NOT NULL,
				claimed_at BIGINT NOT NULL DEFAULT 0,
				started_at BIGINT NOT NULL DEFAULT 0,
				finished_at BIGINT NOT NULL DEFAULT 0,
				UNIQUE (release_id, attempt_no)
			)`,
			`CREATE UNIQUE INDEX build_attempts_one_in_flight ON build_attempts (release_id)
				WHERE status IN ('claimed', 'running')`,
			`CREATE INDEX build_attempts_lease ON build_attempts (status, lease_expires_at)`,
		},
	},
	{
		version: 2,
		name:    "per-package sandbox overrides",
		statements: []string{
			`CREATE TABLE sandbox_overrides (
				package TEXT PRIMARY KEY,
				max_memory_bytes BIGINT,
				timeout_seconds INTEGER,
				max_targets INTEGER,
				updated_at BIGINT NOT NULL
			)`,
		},
	},
	{
		version: 3,
		name:    "artifact retraction",
		statements: []string{
			`ALTER TABLE build_attempts ADD COLUMN retracted_at BIGINT NOT NULL DEFAULT 0`,
		},
	},
}

// latestSchemaVersion is the version Open expects.
func latestSchemaVersion() int {
	return migrations[len(migrations)-1].version
}

const createMigrationsTable = `CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	name TEXT NOT NULL,
	applied_at BIGINT NOT NULL
)`

// Migrate applies all pending migrations, each in its own transaction.
// It is the one-shot "initialize metadata schema" action and is safe to re-run.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, createMigrationsTable); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	current, err := s.schemaVersion(ctx)
	if err != nil {
		return err
	}
	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		err := s.withTx(ctx, func(tx *sql.Tx) error {
			for _, stmt := range m.statements {
				stmt = strings.ReplaceAll(stmt, "{{pk}}", s.dialect.primaryKey)
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return fmt.Errorf("migration %d: %w", m.version, err)
				}
			}
			_, err := tx.ExecContext(ctx,
				s.q(`INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)`),
				m.version, m.name, toMillis(s.now()))
			return err
		})
		if err != nil {
			return err
		}
		slog.Info("Applied schema migration", slog.Int("schema_version", m.version), slog.String("name", m.name))
	}
	return nil
}

// schemaVersion returns the highest applied migration, 0 when none is.
func (s *Store) schemaVersion(ctx context.Context) (int, error) {
	var v sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_migrations`).Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return int(v.Int64), nil
}

func (s *Store) checkSchema(ctx context.Context) error {
	v, err := s.schemaVersion(ctx)
	if err != nil || v < latestSchemaVersion() {
		return ErrSchemaMissing
	}
	return nil
}
