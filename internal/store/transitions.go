package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	ferrors "git.home.luguber.info/inful/docfleet/internal/foundation/errors"
)

// MarkRunning moves a claimed attempt to running.
func (s *Store) MarkRunning(ctx context.Context, attemptID int64) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.q(`
			UPDATE build_attempts SET status = ?, started_at = ?
			WHERE id = ? AND status = ?`),
			string(StatusRunning), toMillis(s.now()), attemptID, string(StatusClaimed))
		if err != nil {
			return fmt.Errorf("mark running: %w", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return s.transitionError(ctx, tx, attemptID, StatusRunning)
		}
		return nil
	})
	return dbError(err, "mark running")
}

// MarkSucceeded records the published artifact of a running attempt.
func (s *Store) MarkSucceeded(ctx context.Context, attemptID int64, artifactRef, logRef string) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.q(`
			UPDATE build_attempts
			SET status = ?, artifact_ref = ?, log_ref = ?, finished_at = ?, lease_expires_at = 0
			WHERE id = ? AND status = ?`),
			string(StatusSucceeded), artifactRef, logRef, toMillis(s.now()), attemptID, string(StatusRunning))
		if err != nil {
			return fmt.Errorf("mark succeeded: %w", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return s.transitionError(ctx, tx, attemptID, StatusSucceeded)
		}
		return nil
	})
	return dbError(err, "mark succeeded")
}

// MarkFailed records a failure of the package's own build. When transient is
// set and the retry chain is under the attempt ceiling, a new queued attempt
// is created in the same transaction and returned.
func (s *Store) MarkFailed(ctx context.Context, attemptID int64, logRef string, reason ferrors.ErrorCategory, transient bool) (*Requeue, error) {
	return s.finish(ctx, attemptID, StatusFailed, logRef, reason, transient)
}

// MarkErrored records an infrastructure failure; retry handling matches MarkFailed.
func (s *Store) MarkErrored(ctx context.Context, attemptID int64, logRef string, reason ferrors.ErrorCategory, transient bool) (*Requeue, error) {
	return s.finish(ctx, attemptID, StatusErrored, logRef, reason, transient)
}

func (s *Store) finish(ctx context.Context, attemptID int64, to Status, logRef string, reason ferrors.ErrorCategory, transient bool) (*Requeue, error) {
	var requeue *Requeue
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		requeue = nil
		a, err := s.getAttempt(ctx, tx, attemptID)
		if err != nil {
			return err
		}
		if !a.Status.InFlight() {
			return s.transitionError(ctx, tx, attemptID, to)
		}

		retryable := transient && s.policy.AllowsRetry(a.Try)
		res, err := tx.ExecContext(ctx, s.q(`
			UPDATE build_attempts
			SET status = ?, reason = ?, retryable = ?, log_ref = ?, finished_at = ?, lease_expires_at = 0
			WHERE id = ? AND status IN (?, ?)`),
			string(to), string(reason), boolInt(retryable), logRef, toMillis(s.now()),
			attemptID, string(StatusClaimed), string(StatusRunning))
		if err != nil {
			return fmt.Errorf("mark %s: %w", to, err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return s.transitionError(ctx, tx, attemptID, to)
		}
		if !retryable {
			return nil
		}
		requeue, err = s.insertQueued(ctx, tx, a.ReleaseID, a.AttemptNo+1, a.Try+1, a.Target,
			toMillis(s.now().Add(s.policy.Delay(a.Try))))
		return err
	})
	if err != nil {
		return nil, dbError(err, "mark "+string(to))
	}
	return requeue, nil
}

// RenewLease extends the lease of an in-flight attempt still owned by workerID.
func (s *Store) RenewLease(ctx context.Context, attemptID int64, workerID string, lease time.Duration) error {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE build_attempts SET lease_expires_at = ?
		WHERE id = ? AND worker_id = ? AND status IN (?, ?)`),
		toMillis(s.now().Add(lease)), attemptID, workerID, string(StatusClaimed), string(StatusRunning))
	if err != nil {
		return dbError(err, "renew lease")
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("attempt %d: %w", attemptID, ErrLeaseLost)
	}
	return nil
}

// Requeue is the operator re-trigger: it queues a fresh attempt chain for a
// release unless one is already queued or in flight. An empty target keeps
// the target of the latest attempt.
func (s *Store) Requeue(ctx context.Context, pkg, version, target string) (*Requeue, error) {
	var requeue *Requeue
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rel, err := s.findRelease(ctx, tx, pkg, version)
		if err != nil {
			return err
		}
		latest, err := s.latestAttempt(ctx, tx, rel.ID)
		if err != nil {
			return err
		}
		attemptNo := 1
		if latest != nil {
			if latest.Status == StatusQueued || latest.Status.InFlight() {
				return ferrors.WrapError(ErrConflict, ferrors.CategoryConflict,
					fmt.Sprintf("%s is already %s", rel, latest.Status)).Build()
			}
			attemptNo = latest.AttemptNo + 1
			if target == "" {
				target = latest.Target
			}
		}
		if target == "" {
			target = s.defaultTarget
		}
		requeue, err = s.insertQueued(ctx, tx, rel.ID, attemptNo, 1, target, toMillis(s.now()))
		if err == nil && requeue == nil {
			return ferrors.WrapError(ErrConflict, ferrors.CategoryConflict,
				fmt.Sprintf("%s was requeued concurrently", rel)).Build()
		}
		return err
	})
	if err != nil {
		return nil, dbError(err, "requeue")
	}
	return requeue, nil
}
