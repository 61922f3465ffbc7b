package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	ferrors "git.home.luguber.info/inful/docfleet/internal/foundation/errors"
)

// Overrides are per-package build limits. A zero field keeps the configured
// default.
type Overrides struct {
	MemoryBytes int64
	Timeout     time.Duration
	MaxTargets  int
}

// IsZero reports whether o overrides nothing.
func (o Overrides) IsZero() bool { return o == Overrides{} }

// SetOverrides stores the limits of pkg, replacing earlier ones. The package
// need not have releases yet.
func (s *Store) SetOverrides(ctx context.Context, pkg string, o Overrides) error {
	if err := ValidateCoordinates(pkg, "0"); err != nil {
		return err
	}
	if o.MemoryBytes < 0 || o.Timeout < 0 || o.MaxTargets < 0 {
		return ferrors.ValidationError(fmt.Sprintf("negative override for %s", pkg)).Build()
	}
	if o.Timeout > 0 && o.Timeout < time.Second {
		return ferrors.ValidationError(fmt.Sprintf("timeout override for %s is below one second", pkg)).Build()
	}
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO sandbox_overrides (package, max_memory_bytes, timeout_seconds, max_targets, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (package) DO UPDATE SET
			max_memory_bytes = excluded.max_memory_bytes,
			timeout_seconds = excluded.timeout_seconds,
			max_targets = excluded.max_targets,
			updated_at = excluded.updated_at`),
		pkg, nullInt(o.MemoryBytes), nullInt(int64(o.Timeout/time.Second)), nullInt(int64(o.MaxTargets)),
		toMillis(s.now()))
	return dbError(err, "set overrides")
}

// GetOverrides returns the limits of pkg; zero Overrides when none are set.
func (s *Store) GetOverrides(ctx context.Context, pkg string) (Overrides, error) {
	var memory, timeout, targets sql.NullInt64
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT max_memory_bytes, timeout_seconds, max_targets
		FROM sandbox_overrides WHERE package = ?`), pkg).Scan(&memory, &timeout, &targets)
	if errors.Is(err, sql.ErrNoRows) {
		return Overrides{}, nil
	}
	if err != nil {
		return Overrides{}, dbError(err, "get overrides")
	}
	return Overrides{
		MemoryBytes: memory.Int64,
		Timeout:     time.Duration(timeout.Int64) * time.Second,
		MaxTargets:  int(targets.Int64),
	}, nil
}

// ClearOverrides removes the limits of pkg. Clearing absent overrides is not
// an error.
func (s *Store) ClearOverrides(ctx context.Context, pkg string) error {
	_, err := s.db.ExecContext(ctx, s.q(`DELETE FROM sandbox_overrides WHERE package = ?`), pkg)
	return dbError(err, "clear overrides")
}

func nullInt(v int64) sql.NullInt64 {
	return sql.NullInt64{Int64: v, Valid: v > 0}
}
