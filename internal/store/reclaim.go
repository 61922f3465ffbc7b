package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	ferrors "git.home.luguber.info/inful/docfleet/internal/foundation/errors"
	"git.home.luguber.info/inful/docfleet/internal/logfields"
)

// ReclaimExpiredLeases errors every claimed or running attempt whose lease has
// expired and queues one fresh attempt for it when the retry chain allows.
// The guarded update means only one reclaimer wins each attempt, so each
// expired attempt yields at most one new queued attempt. It returns the
// number of attempts reclaimed.
func (s *Store) ReclaimExpiredLeases(ctx context.Context) (int, error) {
	expired, err := s.expiredAttempts(ctx)
	if err != nil {
		return 0, dbError(err, "list expired leases")
	}

	reclaimed := 0
	for _, id := range expired {
		var won bool
		var requeue *Requeue
		err := s.withTx(ctx, func(tx *sql.Tx) error {
			won, requeue = false, nil
			a, err := s.getAttempt(ctx, tx, id)
			if err != nil {
				return err
			}
			now := toMillis(s.now())
			retryable := s.policy.AllowsRetry(a.Try)
			res, err := tx.ExecContext(ctx, s.q(`
				UPDATE build_attempts
				SET status = ?, reason = ?, retryable = ?, finished_at = ?
				WHERE id = ? AND status IN (?, ?) AND lease_expires_at < ?`),
				string(StatusErrored), string(ferrors.CategoryLeaseExpired), boolInt(retryable), now,
				id, string(StatusClaimed), string(StatusRunning), now)
			if err != nil {
				return fmt.Errorf("expire attempt: %w", err)
			}
			if n, _ := res.RowsAffected(); n != 1 {
				return nil
			}
			won = true
			if !retryable {
				return nil
			}
			requeue, err = s.insertQueued(ctx, tx, a.ReleaseID, a.AttemptNo+1, a.Try+1, a.Target, now)
			return err
		})
		if err != nil {
			return reclaimed, dbError(err, "reclaim expired lease")
		}
		if !won {
			continue
		}
		reclaimed++
		attrs := []any{logfields.AttemptID(id), logfields.Reason(string(ferrors.CategoryLeaseExpired))}
		if requeue != nil {
			attrs = append(attrs, slog.Int64("requeued_attempt_id", requeue.AttemptID))
		}
		slog.Warn("Reclaimed expired lease", attrs...)
	}
	return reclaimed, nil
}

func (s *Store) expiredAttempts(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT id FROM build_attempts
		WHERE status IN (?, ?) AND lease_expires_at < ?
		ORDER BY id
		LIMIT ?`),
		string(StatusClaimed), string(StatusRunning), toMillis(s.now()), reclaimBatch)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
