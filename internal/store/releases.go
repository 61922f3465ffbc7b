package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// RecordRelease registers a (package, version) pair. It is idempotent: an
// existing release is returned unchanged with created=false.
func (s *Store) RecordRelease(ctx context.Context, pkg, version string, src SourceRef) (*Release, bool, error) {
	if err := ValidateCoordinates(pkg, version); err != nil {
		return nil, false, err
	}

	var (
		rel     *Release
		created bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := toMillis(s.now())
		if _, err := tx.ExecContext(ctx,
			s.q(`INSERT INTO packages (name, created_at) VALUES (?, ?) ON CONFLICT (name) DO NOTHING`),
			pkg, now); err != nil {
			return fmt.Errorf("insert package: %w", err)
		}
		var packageID int64
		if err := tx.QueryRowContext(ctx, s.q(`SELECT id FROM packages WHERE name = ?`), pkg).Scan(&packageID); err != nil {
			return fmt.Errorf("select package: %w", err)
		}

		var id int64
		err := tx.QueryRowContext(ctx, s.q(`
			INSERT INTO releases (package_id, version, source_location, checksum, created_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (package_id, version) DO NOTHING
			RETURNING id`),
			packageID, version, src.Location, src.Checksum, now).Scan(&id)
		switch {
		case err == nil:
			created = true
			rel = &Release{ID: id, Package: pkg, Version: version, Source: src, CreatedAt: fromMillis(now)}
			return nil
		case errors.Is(err, sql.ErrNoRows):
			created = false
			rel, err = s.findRelease(ctx, tx, pkg, version)
			return err
		default:
			return fmt.Errorf("insert release: %w", err)
		}
	})
	if err != nil {
		return nil, false, dbError(err, "record release")
	}
	return rel, created, nil
}

// GetRelease returns the release for (pkg, version) or ErrNotFound.
func (s *Store) GetRelease(ctx context.Context, pkg, version string) (*Release, error) {
	rel, err := s.findRelease(ctx, s.db, pkg, version)
	return rel, dbError(err, "get release")
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *Store) findRelease(ctx context.Context, q queryer, pkg, version string) (*Release, error) {
	var (
		rel     Release
		created int64
	)
	err := q.QueryRowContext(ctx, s.q(`
		SELECT r.id, p.name, r.version, r.source_location, r.checksum, r.created_at
		FROM releases r JOIN packages p ON p.id = r.package_id
		WHERE p.name = ? AND r.version = ?`), pkg, version).
		Scan(&rel.ID, &rel.Package, &rel.Version, &rel.Source.Location, &rel.Source.Checksum, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("release %s@%s: %w", pkg, version, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("select release: %w", err)
	}
	rel.CreatedAt = fromMillis(created)
	return &rel, nil
}
