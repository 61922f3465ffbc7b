package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	ferrors "git.home.luguber.info/inful/docfleet/internal/foundation/errors"
)

const attemptColumns = `a.id, a.release_id, a.attempt_no, a.try_no, a.status, a.reason, a.retryable,
	a.target, a.log_ref, a.artifact_ref, a.worker_id, a.lease_expires_at, a.available_at,
	a.created_at, a.claimed_at, a.started_at, a.finished_at, a.retracted_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAttempt(row rowScanner) (*BuildAttempt, error) {
	var (
		a                                                 BuildAttempt
		status, reason                                    string
		retryable                                         int
		lease, available, created, claimed, start, finish int64
		retracted                                         int64
	)
	err := row.Scan(&a.ID, &a.ReleaseID, &a.AttemptNo, &a.Try, &status, &reason, &retryable,
		&a.Target, &a.LogRef, &a.ArtifactRef, &a.WorkerID, &lease, &available,
		&created, &claimed, &start, &finish, &retracted)
	if err != nil {
		return nil, err
	}
	a.Status = Status(status)
	a.Reason = ferrors.ErrorCategory(reason)
	a.Retryable = retryable != 0
	a.LeaseExpiresAt = fromMillis(lease)
	a.AvailableAt = fromMillis(available)
	a.CreatedAt = fromMillis(created)
	a.ClaimedAt = fromMillis(claimed)
	a.StartedAt = fromMillis(start)
	a.FinishedAt = fromMillis(finish)
	a.RetractedAt = fromMillis(retracted)
	return &a, nil
}

// GetAttempt loads one attempt by id.
func (s *Store) GetAttempt(ctx context.Context, id int64) (*BuildAttempt, error) {
	a, err := s.getAttempt(ctx, s.db, id)
	return a, dbError(err, "get attempt")
}

func (s *Store) getAttempt(ctx context.Context, q queryer, id int64) (*BuildAttempt, error) {
	a, err := scanAttempt(q.QueryRowContext(ctx,
		s.q(`SELECT `+attemptColumns+` FROM build_attempts a WHERE a.id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("attempt %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("select attempt: %w", err)
	}
	return a, nil
}

// insertQueued creates the next attempt of a release in the queued state.
// It returns nil when another writer already created that attempt number.
func (s *Store) insertQueued(ctx context.Context, tx *sql.Tx, releaseID int64, attemptNo, try int, target string, availableAt int64) (*Requeue, error) {
	var id int64
	err := tx.QueryRowContext(ctx, s.q(`
		INSERT INTO build_attempts (release_id, attempt_no, try_no, status, target, available_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
		RETURNING id`),
		releaseID, attemptNo, try, string(StatusQueued), target, availableAt, toMillis(s.now())).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("insert queued attempt: %w", err)
	}
	return &Requeue{AttemptID: id, AttemptNo: attemptNo, Try: try, AvailableAt: fromMillis(availableAt)}, nil
}

// transitionError explains why a guarded update matched no row.
func (s *Store) transitionError(ctx context.Context, q queryer, id int64, to Status) error {
	a, err := s.getAttempt(ctx, q, id)
	if err != nil {
		return err
	}
	return ferrors.WrapError(ErrInvalidTransition, ferrors.CategoryConflict,
		fmt.Sprintf("attempt %d cannot move from %s to %s", id, a.Status, to)).
		WithContext("attempt_id", id).
		WithContext("status", string(a.Status)).
		Build()
}
