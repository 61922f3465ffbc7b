package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// LatestSuccessful returns the artifact reference of the highest-numbered
// succeeded attempt of a release whose artifact was not retracted, or ErrNotFound.
func (s *Store) LatestSuccessful(ctx context.Context, pkg, version string) (string, error) {
	var ref string
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT a.artifact_ref
		FROM build_attempts a
		JOIN releases r ON r.id = a.release_id
		JOIN packages p ON p.id = r.package_id
		WHERE p.name = ? AND r.version = ? AND a.status = ? AND a.retracted_at = 0
		ORDER BY a.attempt_no DESC
		LIMIT 1`), pkg, version, string(StatusSucceeded)).Scan(&ref)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("no successful build of %s@%s: %w", pkg, version, ErrNotFound)
	}
	if err != nil {
		return "", dbError(err, "latest successful")
	}
	return ref, nil
}

// RetractArtifact marks the succeeded attempts of a release on target as
// retracted, so LatestSuccessful stops returning their artifact. It returns
// how many attempts were marked; retracting twice marks none.
func (s *Store) RetractArtifact(ctx context.Context, pkg, version, target string) (int, error) {
	rel, err := s.findRelease(ctx, s.db, pkg, version)
	if err != nil {
		return 0, dbError(err, "retract artifact")
	}
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE build_attempts SET retracted_at = ?
		WHERE release_id = ? AND target = ? AND status = ? AND retracted_at = 0`),
		toMillis(s.now()), rel.ID, target, string(StatusSucceeded))
	if err != nil {
		return 0, dbError(err, "retract artifact")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, dbError(err, "retract artifact")
	}
	return int(n), nil
}

// LatestAttempt returns the most recent attempt of a release, or ErrNotFound
// when the release has never been attempted.
func (s *Store) LatestAttempt(ctx context.Context, pkg, version string) (*BuildAttempt, error) {
	rel, err := s.findRelease(ctx, s.db, pkg, version)
	if err != nil {
		return nil, dbError(err, "latest attempt")
	}
	a, err := s.latestAttempt(ctx, s.db, rel.ID)
	if err != nil {
		return nil, dbError(err, "latest attempt")
	}
	if a == nil {
		return nil, fmt.Errorf("%s has no attempts: %w", rel, ErrNotFound)
	}
	return a, nil
}

func (s *Store) latestAttempt(ctx context.Context, q queryer, releaseID int64) (*BuildAttempt, error) {
	a, err := scanAttempt(q.QueryRowContext(ctx, s.q(`
		SELECT `+attemptColumns+` FROM build_attempts a
		WHERE a.release_id = ?
		ORDER BY a.attempt_no DESC
		LIMIT 1`), releaseID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select latest attempt: %w", err)
	}
	return a, nil
}

// ListAttempts returns every attempt of a release, oldest first.
func (s *Store) ListAttempts(ctx context.Context, pkg, version string) ([]BuildAttempt, error) {
	rel, err := s.findRelease(ctx, s.db, pkg, version)
	if err != nil {
		return nil, dbError(err, "list attempts")
	}
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT `+attemptColumns+` FROM build_attempts a
		WHERE a.release_id = ?
		ORDER BY a.attempt_no`), rel.ID)
	if err != nil {
		return nil, dbError(err, "list attempts")
	}
	defer rows.Close()

	var out []BuildAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, dbError(err, "scan attempt")
		}
		out = append(out, *a)
	}
	return out, dbError(rows.Err(), "list attempts")
}

// QueueStats counts releases by the status of their latest attempt.
func (s *Store) QueueStats(ctx context.Context) (QueueStats, error) {
	var stats QueueStats
	rows, err := s.db.QueryContext(ctx, `
		SELECT COALESCE(a.status, ''), COUNT(*)
		FROM releases r
		LEFT JOIN build_attempts a ON a.release_id = r.id
			AND a.attempt_no = (SELECT MAX(b.attempt_no) FROM build_attempts b WHERE b.release_id = r.id)
		GROUP BY COALESCE(a.status, '')`)
	if err != nil {
		return stats, dbError(err, "queue stats")
	}
	defer rows.Close()

	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return stats, dbError(err, "scan queue stats")
		}
		switch Status(status) {
		case "":
			stats.Pending = n
		case StatusQueued:
			stats.Queued = n
		case StatusClaimed:
			stats.Claimed = n
		case StatusRunning:
			stats.Running = n
		case StatusSucceeded:
			stats.Succeeded = n
		case StatusFailed:
			stats.Failed = n
		case StatusErrored:
			stats.Errored = n
		}
	}
	return stats, dbError(rows.Err(), "queue stats")
}
