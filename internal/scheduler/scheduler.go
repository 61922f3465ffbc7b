package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"git.home.luguber.info/inful/docfleet/internal/artifact"
	"git.home.luguber.info/inful/docfleet/internal/config"
	"git.home.luguber.info/inful/docfleet/internal/events"
	"git.home.luguber.info/inful/docfleet/internal/executor"
	ferrors "git.home.luguber.info/inful/docfleet/internal/foundation/errors"
	"git.home.luguber.info/inful/docfleet/internal/logfields"
	"git.home.luguber.info/inful/docfleet/internal/metrics"
	"git.home.luguber.info/inful/docfleet/internal/sandbox"
	"git.home.luguber.info/inful/docfleet/internal/store"
)

// Queue is the part of the metadata store the scheduler drives.
type Queue interface {
	ClaimNextPending(ctx context.Context, workerID string, lease time.Duration) (*store.Claim, error)
	MarkRunning(ctx context.Context, attemptID int64) error
	MarkSucceeded(ctx context.Context, attemptID int64, artifactRef, logRef string) error
	MarkFailed(ctx context.Context, attemptID int64, logRef string, reason ferrors.ErrorCategory, transient bool) (*store.Requeue, error)
	MarkErrored(ctx context.Context, attemptID int64, logRef string, reason ferrors.ErrorCategory, transient bool) (*store.Requeue, error)
	RenewLease(ctx context.Context, attemptID int64, workerID string, lease time.Duration) error
	ReclaimExpiredLeases(ctx context.Context) (int, error)
	QueueStats(ctx context.Context) (store.QueueStats, error)
	GetOverrides(ctx context.Context, pkg string) (store.Overrides, error)
}

// Slots lends sandbox slots; *sandbox.Pool implements it.
type Slots interface {
	TryAcquire() (*sandbox.Slot, bool)
	Reset(ctx context.Context, s *sandbox.Slot) error
	Release(ctx context.Context, s *sandbox.Slot) error
}

// Fetcher provides release sources; *source.Fetcher implements it.
type Fetcher interface {
	Fetch(ctx context.Context, rel store.Release) (string, error)
}

// Builder runs the documentation tool; *executor.Executor implements it.
type Builder interface {
	Run(ctx context.Context, slot *sandbox.Slot, req executor.Request, timeout time.Duration) (*executor.Result, error)
}

// Publisher stores artifacts; *artifact.Store implements it.
type Publisher interface {
	Publish(ctx context.Context, pkg, version, target, srcDir string) (artifact.Ref, error)
}

// LogWriter persists attempt logs; *buildlog.Writer implements it.
type LogWriter interface {
	Write(pkg, version string, attemptID int64, content string) (string, error)
	WriteTarget(pkg, version string, attemptID int64, target, content string) (string, error)
}

// Deps are the components a scheduler coordinates. Events and Metrics are optional.
type Deps struct {
	Queue     Queue
	Slots     Slots
	Sources   Fetcher
	Builder   Builder
	Artifacts Publisher
	Logs      LogWriter
	Events    events.Publisher
	Metrics   metrics.Recorder
}

// Options tune the control loop.
type Options struct {
	WorkerID        string
	PollInterval    time.Duration
	LeaseDuration   time.Duration
	ReclaimInterval time.Duration
	BuildTimeout    time.Duration
	StopTimeout     time.Duration
	// MemoryLimit caps the address space of a build in bytes; 0 disables it.
	MemoryLimit int64
	// ExtraTargets are built after the attempt's own target succeeds.
	ExtraTargets []string
	// MaxTargets bounds the attempt's own target plus extra targets.
	MaxTargets int
	// Drain makes Run return once no release is pending, queued or in flight.
	Drain bool
}

// OptionsFromConfig reads the scheduler and build sections.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		WorkerID:        cfg.Scheduler.WorkerID,
		PollInterval:    cfg.PollInterval(),
		LeaseDuration:   cfg.LeaseDuration(),
		ReclaimInterval: cfg.ReclaimInterval(),
		BuildTimeout:    cfg.BuildTimeout(),
		StopTimeout:     cfg.StopTimeout(),
		MemoryLimit:     cfg.MaxMemoryBytes(),
		ExtraTargets:    cfg.Build.ExtraTargets,
		MaxTargets:      cfg.Build.MaxTargets,
	}
}

// Scheduler is the control loop of one orchestrator process.
type Scheduler struct {
	deps Deps
	opts Options

	wake    chan struct{}
	workers workerGroup

	lastReclaim time.Time
}

// New validates deps and fills option defaults.
func New(deps Deps, opts Options) (*Scheduler, error) {
	if deps.Queue == nil || deps.Slots == nil || deps.Sources == nil || deps.Builder == nil ||
		deps.Artifacts == nil || deps.Logs == nil {
		return nil, ferrors.ConfigError("scheduler is missing a required component").Build()
	}
	if deps.Events == nil {
		deps.Events = events.NoopPublisher{}
	}
	deps.Metrics = metrics.OrNoop(deps.Metrics)

	if opts.WorkerID == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "docfleet"
		}
		opts.WorkerID = host + "-" + uuid.NewString()[:8]
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 10 * time.Second
	}
	if opts.LeaseDuration <= 0 {
		opts.LeaseDuration = 2 * time.Minute
	}
	if opts.ReclaimInterval <= 0 {
		opts.ReclaimInterval = opts.LeaseDuration / 2
	}
	if opts.BuildTimeout <= 0 {
		opts.BuildTimeout = 15 * time.Minute
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 30 * time.Second
	}
	if opts.MaxTargets <= 0 {
		opts.MaxTargets = config.DefaultMaxTargets
	}
	return &Scheduler{deps: deps, opts: opts, wake: make(chan struct{}, 1)}, nil
}

// WorkerID identifies this scheduler in claims and leases.
func (s *Scheduler) WorkerID() string { return s.opts.WorkerID }

// Wake interrupts an idle wait, for example after a new release was recorded.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run claims and builds until ctx is done, or in drain mode until the queue
// is empty. On shutdown, in-flight builds are cancelled and their attempts
// left to lease reclaim.
func (s *Scheduler) Run(ctx context.Context) error {
	slog.InfoContext(ctx, "Scheduler started",
		logfields.WorkerID(s.opts.WorkerID),
		slog.Bool("drain", s.opts.Drain),
		slog.Duration("poll_interval", s.opts.PollInterval),
		slog.Duration("lease", s.opts.LeaseDuration))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	timer := time.NewTimer(s.opts.PollInterval)
	defer timer.Stop()

	for {
		s.reclaim(runCtx)
		if err := s.dispatch(runCtx); err != nil && runCtx.Err() == nil {
			if errors.Is(err, store.ErrClaimContention) {
				s.deps.Metrics.IncClaimContention()
				slog.WarnContext(runCtx, "Claim contention, retrying next round",
					logfields.WorkerID(s.opts.WorkerID), logfields.Error(err))
			} else {
				slog.ErrorContext(runCtx, "Claiming failed", logfields.WorkerID(s.opts.WorkerID),
					logfields.Alert(), logfields.Error(err))
			}
		}
		if s.opts.Drain && s.drained(runCtx) {
			slog.InfoContext(ctx, "Queue drained", logfields.WorkerID(s.opts.WorkerID))
			return s.stop(cancel)
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(s.opts.PollInterval)
		select {
		case <-ctx.Done():
			return s.stop(cancel)
		case <-s.wake:
		case <-timer.C:
		}
	}
}

// stop refuses new builds, cancels running ones and waits for their workers.
func (s *Scheduler) stop(cancel context.CancelFunc) error {
	cancel()
	ctx, done := context.WithTimeout(context.Background(), s.opts.StopTimeout)
	defer done()
	if err := s.workers.StopAndWait(ctx); err != nil {
		slog.Warn("Builds still running at shutdown", logfields.WorkerID(s.opts.WorkerID),
			slog.Duration("stop_timeout", s.opts.StopTimeout))
		return err
	}
	slog.Info("Scheduler stopped", logfields.WorkerID(s.opts.WorkerID))
	return nil
}

// reclaim returns expired leases to the queue at most once per reclaim interval.
func (s *Scheduler) reclaim(ctx context.Context) {
	now := time.Now()
	if now.Sub(s.lastReclaim) < s.opts.ReclaimInterval {
		return
	}
	s.lastReclaim = now
	n, err := s.deps.Queue.ReclaimExpiredLeases(ctx)
	if err != nil {
		if ctx.Err() == nil {
			slog.ErrorContext(ctx, "Lease reclaim failed", logfields.Alert(), logfields.Error(err))
		}
		return
	}
	if n > 0 {
		s.deps.Metrics.AddReclaimed(n)
		slog.InfoContext(ctx, "Reclaimed expired leases", logfields.Count(n))
	}
}

// dispatch claims one release per free slot and starts its build.
func (s *Scheduler) dispatch(ctx context.Context) error {
	for ctx.Err() == nil {
		slot, ok := s.deps.Slots.TryAcquire()
		if !ok {
			return nil
		}
		claim, err := s.deps.Queue.ClaimNextPending(ctx, s.opts.WorkerID, s.opts.LeaseDuration)
		if err != nil || claim == nil {
			_ = s.deps.Slots.Release(ctx, slot)
			return err
		}
		s.deps.Metrics.IncClaim()
		slog.InfoContext(ctx, "Claimed release",
			logfields.Package(claim.Release.Package),
			logfields.Version(claim.Release.Version),
			logfields.AttemptID(claim.Attempt.ID),
			logfields.AttemptNo(claim.Attempt.AttemptNo),
			logfields.Target(claim.Attempt.Target),
			logfields.Slot(slot.Index),
			logfields.WorkerID(s.opts.WorkerID))

		if !s.workers.Go(func() { s.runAttempt(ctx, slot, claim) }) {
			// Shutting down: the lease expires and the attempt is reclaimed.
			_ = s.deps.Slots.Release(ctx, slot)
			return nil
		}
	}
	return nil
}

// drained reports whether this scheduler has nothing left to wait for.
func (s *Scheduler) drained(ctx context.Context) bool {
	if s.workers.Active() > 0 {
		return false
	}
	stats, err := s.deps.Queue.QueueStats(ctx)
	if err != nil {
		slog.WarnContext(ctx, "Could not read queue state", logfields.Error(err))
		return false
	}
	return stats.Pending+stats.Queued+stats.Claimed+stats.Running == 0
}

var errLeaseLost = errors.New("lease lost")
