package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"

	"git.home.luguber.info/inful/docfleet/internal/logfields"
)

const (
	indexDebounce      = 2 * time.Second
	stagingSweepEvery  = time.Hour
	stagingMaxAge      = 6 * time.Hour
	queueGaugeInterval = 30 * time.Second
)

// jobs wraps a gocron scheduler for the daemon's periodic maintenance.
type jobs struct {
	scheduler gocron.Scheduler
}

// newJobs registers the periodic jobs of d.
func newJobs(d *Daemon) (*jobs, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}
	j := &jobs{scheduler: s}

	if err := j.add("staging-sweep", stagingSweepEvery, func(ctx context.Context) {
		n, err := d.artifacts.SweepStaging(ctx, stagingMaxAge)
		if err != nil {
			slog.ErrorContext(ctx, "Staging sweep failed", logfields.Error(err))
			return
		}
		if n > 0 {
			slog.InfoContext(ctx, "Removed stale staging directories", logfields.Count(n))
		}
	}); err != nil {
		return nil, err
	}

	if err := j.add("queue-gauge", queueGaugeInterval, func(ctx context.Context) {
		updateQueueGauge(ctx, d.store, d.recorder)
	}); err != nil {
		return nil, err
	}

	if d.reader != nil {
		if err := j.add("index-rescan", d.cfg.RescanInterval(), func(ctx context.Context) {
			if _, err := d.reader.ScanAll(ctx); err != nil {
				slog.ErrorContext(ctx, "Index rescan failed", logfields.Error(err))
			}
		}); err != nil {
			return nil, err
		}
	}
	return j, nil
}

// add schedules task every interval. gocron hands the job context to the
// task; it is cancelled on shutdown.
func (j *jobs) add(name string, interval time.Duration, task func(ctx context.Context)) error {
	if interval <= 0 {
		return nil
	}
	_, err := j.scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(task),
		gocron.WithName(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("failed to create %s job: %w", name, err)
	}
	slog.Debug("Scheduled periodic job", logfields.ScheduleName(name), slog.Duration("interval", interval))
	return nil
}

// Start begins running jobs.
func (j *jobs) Start(ctx context.Context) {
	slog.InfoContext(ctx, "Starting periodic jobs", logfields.Count(len(j.scheduler.Jobs())))
	j.scheduler.Start()
}

// Stop shuts the scheduler down and waits for running jobs.
func (j *jobs) Stop() error {
	return j.scheduler.Shutdown()
}
