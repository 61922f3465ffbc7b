package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	ferrors "git.home.luguber.info/inful/docfleet/internal/foundation/errors"
)

// candidate is the oldest eligible release and its latest attempt, if any.
type candidate struct {
	release   Release
	attemptID int64
	attemptNo int
	try       int
	status    Status
	target    string
}

// eligibleQuery selects the oldest release whose latest attempt is absent,
// queued and due, or a retryable failure still under the attempt ceiling.
const eligibleQuery = `
	SELECT r.id, p.name, r.version, r.source_location, r.checksum, r.created_at,
		COALESCE(a.id, 0), COALESCE(a.attempt_no, 0), COALESCE(a.try_no, 0),
		COALESCE(a.status, ''), COALESCE(a.target, '')
	FROM releases r
	JOIN packages p ON p.id = r.package_id
	LEFT JOIN build_attempts a ON a.release_id = r.id
		AND a.attempt_no = (SELECT MAX(b.attempt_no) FROM build_attempts b WHERE b.release_id = r.id)
	WHERE a.id IS NULL
		OR (a.status = 'queued' AND a.available_at <= ?)
		OR (a.status IN ('failed', 'errored') AND a.retryable = 1 AND a.try_no < ?)
	ORDER BY r.created_at, p.name, r.version
	LIMIT 1`

// ClaimNextPending atomically claims the oldest eligible release for workerID
// and returns the release with its new claimed attempt. It returns nil, nil
// when nothing is eligible, and ErrClaimContention when eligible work exists
// but every try lost its race to other claimers. Concurrent callers, in this or other processes,
// never receive the same release: the claim is either a conditional update of
// a queued row or an insert guarded by the one-in-flight unique index.
func (s *Store) ClaimNextPending(ctx context.Context, workerID string, lease time.Duration) (*Claim, error) {
	for range maxClaimRetries {
		var claim *Claim
		lost := false
		err := s.withTx(ctx, func(tx *sql.Tx) error {
			claim, lost = nil, false
			c, err := s.nextCandidate(ctx, tx)
			if err != nil || c == nil {
				return err
			}
			claim, err = s.claimCandidate(ctx, tx, c, workerID, lease)
			if errors.Is(err, errLostRace) {
				lost = true
				return err
			}
			return err
		})
		switch {
		case lost:
			continue
		case err != nil:
			return nil, dbError(err, "claim next pending")
		default:
			return claim, nil
		}
	}
	return nil, ferrors.WrapError(ErrClaimContention, ferrors.CategoryConflict, "claim next pending").
		WithContext("tries", maxClaimRetries).
		WithContext("worker_id", workerID).
		Retryable().
		Build()
}

var errLostRace = errors.New("lost claim race")

func (s *Store) nextCandidate(ctx context.Context, tx *sql.Tx) (*candidate, error) {
	var (
		c       candidate
		created int64
		status  string
	)
	err := tx.QueryRowContext(ctx, s.q(eligibleQuery), toMillis(s.now()), s.policy.MaxAttempts).Scan(
		&c.release.ID, &c.release.Package, &c.release.Version, &c.release.Source.Location,
		&c.release.Source.Checksum, &created,
		&c.attemptID, &c.attemptNo, &c.try, &status, &c.target)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select eligible release: %w", err)
	}
	c.release.CreatedAt = fromMillis(created)
	c.status = Status(status)
	return &c, nil
}

func (s *Store) claimCandidate(ctx context.Context, tx *sql.Tx, c *candidate, workerID string, lease time.Duration) (*Claim, error) {
	now := s.now()
	expires := toMillis(now.Add(lease))

	var attemptID int64
	if c.status == StatusQueued {
		res, err := tx.ExecContext(ctx, s.q(`
			UPDATE build_attempts
			SET status = ?, worker_id = ?, lease_expires_at = ?, claimed_at = ?
			WHERE id = ? AND status = ?`),
			string(StatusClaimed), workerID, expires, toMillis(now), c.attemptID, string(StatusQueued))
		if err != nil {
			if isUniqueViolation(err) {
				return nil, errLostRace
			}
			return nil, fmt.Errorf("claim queued attempt: %w", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return nil, errLostRace
		}
		attemptID = c.attemptID
	} else {
		target := c.target
		if target == "" {
			target = s.defaultTarget
		}
		try := 1
		if c.status != "" {
			try = c.try + 1
		}
		err := tx.QueryRowContext(ctx, s.q(`
			INSERT INTO build_attempts
				(release_id, attempt_no, try_no, status, target, worker_id, lease_expires_at, available_at, created_at, claimed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT DO NOTHING
			RETURNING id`),
			c.release.ID, c.attemptNo+1, try, string(StatusClaimed), target, workerID, expires,
			toMillis(now), toMillis(now), toMillis(now)).Scan(&attemptID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errLostRace
		}
		if err != nil {
			if isUniqueViolation(err) {
				return nil, errLostRace
			}
			return nil, fmt.Errorf("insert claimed attempt: %w", err)
		}
	}

	a, err := s.getAttempt(ctx, tx, attemptID)
	if err != nil {
		return nil, err
	}
	return &Claim{Release: c.release, Attempt: *a}, nil
}
