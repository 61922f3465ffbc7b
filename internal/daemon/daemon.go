// Package daemon wires the orchestrator components from configuration and
// runs them until shutdown: the scheduler loop, the index reader, the NATS
// release bridge, periodic maintenance jobs and the metrics listener.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	prom "github.com/prometheus/client_golang/prometheus"
	promcollect "github.com/prometheus/client_golang/prometheus/collectors"

	"git.home.luguber.info/inful/docfleet/internal/artifact"
	"git.home.luguber.info/inful/docfleet/internal/buildlog"
	"git.home.luguber.info/inful/docfleet/internal/config"
	"git.home.luguber.info/inful/docfleet/internal/events"
	"git.home.luguber.info/inful/docfleet/internal/executor"
	"git.home.luguber.info/inful/docfleet/internal/index"
	"git.home.luguber.info/inful/docfleet/internal/logfields"
	"git.home.luguber.info/inful/docfleet/internal/metrics"
	"git.home.luguber.info/inful/docfleet/internal/retry"
	"git.home.luguber.info/inful/docfleet/internal/sandbox"
	"git.home.luguber.info/inful/docfleet/internal/scheduler"
	"git.home.luguber.info/inful/docfleet/internal/source"
	"git.home.luguber.info/inful/docfleet/internal/store"
	"git.home.luguber.info/inful/docfleet/internal/version"
)

// Options adjust a daemon run.
type Options struct {
	// Drain builds everything pending and returns instead of serving forever.
	Drain bool
}

// Daemon owns every long-lived component of one orchestrator process.
type Daemon struct {
	cfg  *config.Config
	opts Options

	store     *store.Store
	pool      *sandbox.Pool
	artifacts *artifact.Store
	sched     *scheduler.Scheduler
	reader    *index.Reader
	nats      *events.NATSClient
	recorder  metrics.Recorder
	registry  *prom.Registry
	jobs      *jobs
	metrics   *metricsServer

	wg sync.WaitGroup
}

// New opens the store and builds every component. The schema must exist;
// run init-db first.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Daemon, error) {
	d := &Daemon{cfg: cfg, opts: opts, recorder: metrics.NoopRecorder{}}
	if err := d.init(ctx); err != nil {
		_ = d.Close()
		return nil, err
	}
	return d, nil
}

func (d *Daemon) init(ctx context.Context) error {
	cfg := d.cfg
	if cfg.Metrics.Listen != "" {
		d.registry = prom.NewRegistry()
		d.registry.MustRegister(promcollect.NewGoCollector(), promcollect.NewProcessCollector(promcollect.ProcessCollectorOpts{}))
		d.recorder = metrics.NewPrometheusRecorder(d.registry)
	}

	var err error
	d.store, err = OpenStore(ctx, cfg)
	if err != nil {
		return err
	}

	boundary, err := sandbox.NewBoundary(cfg.Sandbox)
	if err != nil {
		return err
	}
	d.pool, err = sandbox.NewPool(sandbox.Options{
		Root:       cfg.SandboxDir(),
		Size:       cfg.Sandbox.Slots,
		UserPrefix: cfg.Sandbox.UserPrefix,
		UIDBase:    cfg.Sandbox.UIDBase,
		GID:        cfg.Sandbox.GID,
		Metrics:    d.recorder,
	}, boundary)
	if err != nil {
		return err
	}

	fetcher, err := source.New(source.Options{
		Root:           cfg.SourcesDir(),
		RegistryURL:    cfg.Source.RegistryURL,
		HTTPTimeout:    cfg.HTTPTimeout(),
		MaxArchiveSize: cfg.Source.MaxArchiveSize,
		Metrics:        d.recorder,
	})
	if err != nil {
		return err
	}

	d.artifacts, err = OpenArtifacts(ctx, cfg, d.recorder)
	if err != nil {
		return err
	}

	logs, err := buildlog.NewWriter(cfg.LogsDir())
	if err != nil {
		return err
	}

	var publisher events.Publisher = events.NoopPublisher{}
	if cfg.NATS.Enabled() {
		d.nats, err = events.NewNATSClient(ctx, cfg.NATS)
		if err != nil {
			return err
		}
		publisher = d.nats
	}

	schedOpts := scheduler.OptionsFromConfig(cfg)
	schedOpts.Drain = d.opts.Drain
	d.sched, err = scheduler.New(scheduler.Deps{
		Queue:     d.store,
		Slots:     d.pool,
		Sources:   fetcher,
		Builder:   executor.New(d.pool, executor.OptionsFromConfig(cfg)),
		Artifacts: d.artifacts,
		Logs:      logs,
		Events:    publisher,
		Metrics:   d.recorder,
	}, schedOpts)
	if err != nil {
		return err
	}

	if cfg.Index.Enabled {
		d.reader = index.NewReader(cfg.IndexDir(), d.store, d.sched.Wake)
	}
	return nil
}

// OpenStore opens the metadata store described by cfg.
func OpenStore(ctx context.Context, cfg *config.Config) (*store.Store, error) {
	return store.Open(ctx, cfg.Database.DSN,
		store.WithRetryPolicy(retry.FromConfig(cfg)),
		store.WithDefaultTarget(cfg.Build.DefaultTarget),
		store.WithBusyTimeout(cfg.BusyTimeout()),
		store.WithMaxOpenConns(cfg.Database.MaxOpen),
	)
}

// OpenArtifacts opens the artifact tree and its optional S3 mirror.
func OpenArtifacts(ctx context.Context, cfg *config.Config, recorder metrics.Recorder) (*artifact.Store, error) {
	var mirror artifact.Mirror
	if cfg.Artifacts.S3 != nil {
		m, err := artifact.NewS3Mirror(ctx, *cfg.Artifacts.S3)
		if err != nil {
			return nil, err
		}
		mirror = m
	}
	return artifact.New(artifact.Options{Root: cfg.ArtifactsDir(), Mirror: mirror, Metrics: recorder})
}

// Run serves until ctx is done, or in drain mode until the queue is empty.
func (d *Daemon) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	slog.InfoContext(ctx, "Starting docfleet daemon",
		slog.String("version", version.String()),
		logfields.WorkerID(d.sched.WorkerID()),
		slog.Int("slots", d.pool.Size()),
		slog.String("database", d.store.Dialect()),
		slog.Bool("drain", d.opts.Drain),
		logfields.Path(d.cfg.Prefix))

	if d.registry != nil {
		srv, err := startMetricsServer(d.cfg.Metrics.Listen, d.registry, d.store)
		if err != nil {
			return err
		}
		d.metrics = srv
	}

	if d.reader != nil {
		if _, err := d.reader.ScanAll(ctx); err != nil {
			slog.ErrorContext(ctx, "Initial index scan failed", logfields.Error(err))
		}
	}

	if !d.opts.Drain {
		if err := d.startBackground(ctx); err != nil {
			d.shutdown()
			return err
		}
	}

	err := d.sched.Run(ctx)
	cancel()
	d.shutdown()
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("builds did not stop within %s: %w", d.cfg.StopTimeout(), err)
	}
	return err
}

// startBackground starts the components that only make sense while serving.
func (d *Daemon) startBackground(ctx context.Context) error {
	var err error
	d.jobs, err = newJobs(d)
	if err != nil {
		return err
	}
	d.jobs.Start(ctx)

	if d.reader != nil {
		w, err := index.NewWatcher(d.reader, indexDebounce)
		if err != nil {
			slog.WarnContext(ctx, "Index watcher unavailable; relying on periodic rescans", logfields.Error(err))
		} else {
			d.wg.Add(1)
			go func() {
				defer d.wg.Done()
				if err := w.Run(ctx); err != nil {
					slog.ErrorContext(ctx, "Index watcher stopped", logfields.Error(err))
				}
			}()
		}
	}

	if d.nats != nil {
		if err := d.nats.SubscribeReleases(ctx, d.recordNotice); err != nil {
			return err
		}
	}
	return nil
}

// shutdown stops background components after the scheduler returned.
func (d *Daemon) shutdown() {
	if d.jobs != nil {
		if err := d.jobs.Stop(); err != nil {
			slog.Error("Failed to stop periodic jobs", logfields.Error(err))
		}
		d.jobs = nil
	}
	if d.metrics != nil {
		if err := d.metrics.Stop(); err != nil {
			slog.Error("Failed to stop metrics listener", logfields.Error(err))
		}
		d.metrics = nil
	}
	d.wg.Wait()
	slog.Info("docfleet daemon stopped")
}

// recordNotice records a release announced over NATS and wakes the scheduler.
func (d *Daemon) recordNotice(ctx context.Context, n events.ReleaseNotice) error {
	rel, created, err := d.store.RecordRelease(ctx, n.Package, n.Version,
		store.SourceRef{Location: n.Location, Checksum: n.Checksum})
	if err != nil {
		return err
	}
	if created {
		slog.InfoContext(ctx, "Recorded announced release", logfields.Package(rel.Package), logfields.Version(rel.Version))
		d.sched.Wake()
	}
	return nil
}

// Close releases the store and the NATS connection.
func (d *Daemon) Close() error {
	var errs []error
	if d.nats != nil {
		errs = append(errs, d.nats.Close())
	}
	if d.store != nil {
		errs = append(errs, d.store.Close())
	}
	return errors.Join(errs...)
}
