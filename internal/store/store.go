// Package store is the durable metadata store: packages, releases and build
// attempts. It is the only queue in the system. Claims and status transitions
// are conditional updates guarded by database constraints, so any number of
// orchestrator processes can share one database without double-building.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	ferrors "git.home.luguber.info/inful/docfleet/internal/foundation/errors"
	"git.home.luguber.info/inful/docfleet/internal/retry"
)

const (
	maxTxRetries    = 8
	maxClaimRetries = 8
	reclaimBatch    = 100
)

// Store implements the metadata store over database/sql.
type Store struct {
	db            *sql.DB
	dialect       dialect
	policy        retry.Policy
	defaultTarget string
	now           func() time.Time
}

type options struct {
	policy        retry.Policy
	defaultTarget string
	now           func() time.Time
	autoMigrate   bool
	busyTimeout   time.Duration
	maxOpen       int
}

// Option configures Open.
type Option func(*options)

// WithRetryPolicy sets the attempt ceiling and requeue backoff.
func WithRetryPolicy(p retry.Policy) Option { return func(o *options) { o.policy = p } }

// WithDefaultTarget sets the target recorded on attempts created by a claim.
func WithDefaultTarget(target string) Option { return func(o *options) { o.defaultTarget = target } }

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

// WithAutoMigrate applies pending migrations on open instead of refusing to start.
func WithAutoMigrate() Option { return func(o *options) { o.autoMigrate = true } }

// WithBusyTimeout sets the SQLite lock wait.
func WithBusyTimeout(d time.Duration) Option { return func(o *options) { o.busyTimeout = d } }

// WithMaxOpenConns bounds the connection pool.
func WithMaxOpenConns(n int) Option { return func(o *options) { o.maxOpen = n } }

// Open connects to the database named by dsn. Unless WithAutoMigrate is given,
// the schema must already be initialized (see Migrate); use OpenForMigration
// for the init action itself.
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	s, o, err := open(ctx, dsn, opts)
	if err != nil {
		return nil, err
	}
	if o.autoMigrate {
		if err := s.Migrate(ctx); err != nil {
			_ = s.Close()
			return nil, err
		}
	}
	if err := s.checkSchema(ctx); err != nil {
		_ = s.Close()
		return nil, ferrors.WrapError(err, ferrors.CategoryDatabase, "metadata store not ready").
			WithContext("hint", "run `docfleet init-db` first").
			UserAction().
			Build()
	}
	return s, nil
}

// OpenForMigration connects without checking the schema version.
func OpenForMigration(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	s, _, err := open(ctx, dsn, opts)
	return s, err
}

func open(ctx context.Context, dsn string, opts []Option) (*Store, *options, error) {
	o := &options{policy: retry.DefaultPolicy(), now: time.Now}
	for _, opt := range opts {
		opt(o)
	}

	d, driverDSN, err := parseDSN(dsn, o.busyTimeout)
	if err != nil {
		return nil, nil, ferrors.WrapError(err, ferrors.CategoryConfig, "invalid database dsn").Build()
	}
	db, err := sql.Open(d.driver, driverDSN)
	if err != nil {
		return nil, nil, ferrors.WrapError(err, ferrors.CategoryDatabase, "open metadata store").Build()
	}
	switch {
	case o.maxOpen > 0:
		db.SetMaxOpenConns(o.maxOpen)
	case d == sqliteDialect:
		db.SetMaxOpenConns(4)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, nil, ferrors.WrapError(err, ferrors.CategoryDatabase, "connect metadata store").
			Retryable().
			WithContext("dialect", d.name).
			Build()
	}

	return &Store{
		db:            db,
		dialect:       d,
		policy:        o.policy,
		defaultTarget: o.defaultTarget,
		now:           o.now,
	}, o, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Dialect names the backing database ("sqlite" or "postgres").
func (s *Store) Dialect() string { return s.dialect.name }

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) q(query string) string { return s.dialect.rebind(query) }

// withTx runs fn in a transaction, retrying the whole transaction on lock
// contention. fn must be safe to run more than once.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	var err error
	for i := 0; i < maxTxRetries; i++ {
		err = s.runTx(ctx, fn)
		if err == nil || !isTransientTxError(err) {
			return err
		}
		select {
		case <-time.After(time.Duration(i+1) * 10 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (s *Store) runTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// dbError classifies an unexpected database failure.
func dbError(err error, op string) error {
	if err == nil {
		return nil
	}
	var classified *ferrors.ClassifiedError
	switch {
	case errors.As(err, &classified),
		errors.Is(err, ErrNotFound),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	}
	return ferrors.WrapError(err, ferrors.CategoryDatabase, op).Retryable().Build()
}
