package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"git.home.luguber.info/inful/docfleet/internal/artifact"
	"git.home.luguber.info/inful/docfleet/internal/events"
	"git.home.luguber.info/inful/docfleet/internal/executor"
	ferrors "git.home.luguber.info/inful/docfleet/internal/foundation/errors"
	"git.home.luguber.info/inful/docfleet/internal/logfields"
	"git.home.luguber.info/inful/docfleet/internal/observability"
	"git.home.luguber.info/inful/docfleet/internal/sandbox"
	"git.home.luguber.info/inful/docfleet/internal/store"
)

// report collects what one attempt produced.
type report struct {
	outcome
	logRef      string
	artifactRef artifact.Ref
	err         error
}

// runAttempt owns slot and claim until it returns. It records the outcome,
// unless the build was abandoned by shutdown or a lost lease.
func (s *Scheduler) runAttempt(ctx context.Context, slot *sandbox.Slot, claim *store.Claim) {
	a, rel := claim.Attempt, claim.Release
	ctx = observability.WithAttempt(ctx, rel.Package, rel.Version, a.ID)
	ctx = observability.WithWorkerID(ctx, s.opts.WorkerID)
	ctx = observability.WithSlot(ctx, slot.Index)

	defer func() {
		_ = s.deps.Slots.Release(ctx, slot)
		s.Wake()
	}()

	buildCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stopHeartbeat := s.heartbeat(buildCtx, cancel, a.ID)
	defer stopHeartbeat()

	if err := s.deps.Queue.MarkRunning(buildCtx, a.ID); err != nil {
		observability.WarnContext(ctx, "Could not start claimed attempt", logfields.Error(err))
		return
	}

	start := time.Now()
	rep := s.build(buildCtx, slot, claim)
	stopHeartbeat()
	if cause := context.Cause(buildCtx); cause != nil {
		observability.WarnContext(ctx, "Build abandoned; attempt left for lease reclaim",
			logfields.Reason(cause.Error()))
		return
	}
	s.finish(ctx, claim, rep, time.Since(start))
}

// heartbeat renews the lease every third of its length. Losing the lease
// cancels the build. The returned func stops renewal and may be called twice.
func (s *Scheduler) heartbeat(ctx context.Context, cancel context.CancelCauseFunc, attemptID int64) func() {
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(max(s.opts.LeaseDuration/3, 10*time.Millisecond))
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			err := s.deps.Queue.RenewLease(ctx, attemptID, s.opts.WorkerID, s.opts.LeaseDuration)
			switch {
			case err == nil:
			case errors.Is(err, store.ErrLeaseLost):
				s.deps.Metrics.IncLeaseLost()
				observability.ErrorContext(ctx, "Lease lost; cancelling build", logfields.Error(err))
				cancel(errLeaseLost)
				return
			case ctx.Err() == nil:
				observability.WarnContext(ctx, "Lease renewal failed", logfields.Error(err))
			}
		}
	}()

	var closed bool
	return func() {
		if !closed {
			closed = true
			close(done)
		}
		<-stopped
	}
}

// limits bound the builds of one attempt.
type limits struct {
	timeout time.Duration
	memory  int64
	targets int
}

// limitsFor applies the package's sandbox overrides to the configured
// limits. An unreadable override falls back to the configured limits.
func (s *Scheduler) limitsFor(ctx context.Context, pkg string) limits {
	l := limits{timeout: s.opts.BuildTimeout, memory: s.opts.MemoryLimit, targets: s.opts.MaxTargets}
	o, err := s.deps.Queue.GetOverrides(ctx, pkg)
	if err != nil {
		observability.WarnContext(ctx, "Could not read sandbox overrides; using configured limits", logfields.Error(err))
		return l
	}
	if o.IsZero() {
		return l
	}
	if o.Timeout > 0 {
		l.timeout = o.Timeout
	}
	if o.MemoryBytes > 0 {
		l.memory = o.MemoryBytes
	}
	if o.MaxTargets > 0 {
		l.targets = o.MaxTargets
	}
	observability.DebugContext(ctx, "Using sandbox overrides",
		slog.Duration("timeout", l.timeout), slog.Int64("memory_bytes", l.memory), slog.Int("max_targets", l.targets))
	return l
}

// build runs fetch, the default target, log persistence, publish and any
// extra targets.
func (s *Scheduler) build(ctx context.Context, slot *sandbox.Slot, claim *store.Claim) report {
	a, rel := claim.Attempt, claim.Release
	lim := s.limitsFor(ctx, rel.Package)

	src, err := s.deps.Sources.Fetch(ctx, rel)
	if err != nil {
		return s.infrastructureFailure(ctx, claim, "fetch source", err)
	}

	res, err := s.deps.Builder.Run(ctx, slot, executor.Request{
		Package:     rel.Package,
		Version:     rel.Version,
		SourcePath:  src,
		Target:      a.Target,
		MemoryLimit: lim.memory,
	}, lim.timeout)
	if err != nil {
		return s.infrastructureFailure(ctx, claim, "run build", err)
	}

	rep := report{outcome: classifyResult(res)}
	rep.logRef, err = s.deps.Logs.Write(rel.Package, rel.Version, a.ID, res.Log)
	if err != nil {
		s.deps.Metrics.IncStorageAlert("build_log")
		rep.outcome, rep.err = classifyError(err), err
		return rep
	}
	if !rep.succeeded() {
		return rep
	}

	rep.artifactRef, err = s.deps.Artifacts.Publish(ctx, rel.Package, rel.Version, a.Target, res.ArtifactPath)
	if err != nil {
		rep.outcome, rep.err = classifyError(err), err
		return rep
	}
	if res.Summary != nil {
		observability.InfoContext(ctx, "Build output",
			logfields.Target(a.Target),
			slog.Int("files", res.Summary.Files),
			slog.Int("html_pages", res.Summary.HTMLPages),
			slog.String("index_page", res.Summary.IndexPage),
			slog.String("title", res.Summary.Title))
	}

	s.buildExtraTargets(ctx, slot, claim, src, lim)
	return rep
}

// infrastructureFailure records err as the attempt log. When ctx is already
// done the error is only a symptom of cancellation.
func (s *Scheduler) infrastructureFailure(ctx context.Context, claim *store.Claim, step string, err error) report {
	rep := report{outcome: classifyError(err), err: err}
	if ctx.Err() != nil {
		return rep
	}
	a, rel := claim.Attempt, claim.Release
	text := fmt.Sprintf("%s for %s (attempt %d, try %d) failed: %v\n", step, rel, a.AttemptNo, a.Try, err)
	ref, werr := s.deps.Logs.Write(rel.Package, rel.Version, a.ID, text)
	if werr != nil {
		s.deps.Metrics.IncStorageAlert("build_log")
		observability.ErrorContext(ctx, "Could not write attempt log", logfields.Alert(), logfields.Error(werr))
		return rep
	}
	rep.logRef = ref
	return rep
}

// extraTargets returns the configured targets other than own, capped so
// that own plus the extras stay within limit.
func extraTargets(own string, configured []string, limit int) (build, skipped []string) {
	for _, t := range configured {
		if t == own || slices.Contains(build, t) || slices.Contains(skipped, t) {
			continue
		}
		if len(build)+1 < limit {
			build = append(build, t)
		} else {
			skipped = append(skipped, t)
		}
	}
	return build, skipped
}

// buildExtraTargets builds and publishes the configured additional targets in
// the same slot. Their failures are logged and do not change the attempt.
// Each outcome is reported as an extra-target build event.
func (s *Scheduler) buildExtraTargets(ctx context.Context, slot *sandbox.Slot, claim *store.Claim, src string, lim limits) {
	a, rel := claim.Attempt, claim.Release
	targets, skipped := extraTargets(a.Target, s.opts.ExtraTargets, lim.targets)
	if len(skipped) > 0 {
		observability.WarnContext(ctx, "Target limit reached; skipping extra targets",
			slog.Int("max_targets", lim.targets), slog.Any("skipped", skipped))
	}
	for _, target := range targets {
		if ctx.Err() != nil {
			return
		}
		if err := s.deps.Slots.Reset(ctx, slot); err != nil {
			observability.ErrorContext(ctx, "Could not reset slot for extra target", logfields.Target(target), logfields.Error(err))
			return
		}
		res, err := s.deps.Builder.Run(ctx, slot, executor.Request{
			Package:     rel.Package,
			Version:     rel.Version,
			SourcePath:  src,
			Target:      target,
			MemoryLimit: lim.memory,
		}, lim.timeout)
		if err != nil {
			observability.WarnContext(ctx, "Extra target build errored", logfields.Target(target), logfields.Error(err))
			continue
		}
		logRef, err := s.deps.Logs.WriteTarget(rel.Package, rel.Version, a.ID, target, res.Log)
		if err != nil {
			s.deps.Metrics.IncStorageAlert("build_log")
			observability.ErrorContext(ctx, "Could not write extra target log", logfields.Target(target),
				logfields.Alert(), logfields.Error(err))
		}
		s.deps.Metrics.ObserveBuildDuration(target, string(res.Status), res.Duration)
		ev := events.BuildEvent{
			Package:     rel.Package,
			Version:     rel.Version,
			Target:      target,
			AttemptID:   a.ID,
			AttemptNo:   a.AttemptNo,
			Status:      string(res.Status),
			Reason:      string(res.Reason),
			LogRef:      logRef,
			DurationMS:  res.Duration.Milliseconds(),
			ExtraTarget: true,
		}
		if !res.Succeeded() {
			observability.WarnContext(ctx, "Extra target build failed", logfields.Target(target),
				logfields.Reason(string(res.Reason)), slog.String("log_ref", logRef))
			s.emit(ctx, ev)
			continue
		}
		ref, err := s.deps.Artifacts.Publish(ctx, rel.Package, rel.Version, target, res.ArtifactPath)
		if err != nil {
			observability.ErrorContext(ctx, "Could not publish extra target", logfields.Target(target),
				logfields.Alert(), logfields.Error(err))
			ev.Status, ev.Reason = string(store.StatusErrored), string(ferrors.CategoryStorageFailure)
			s.emit(ctx, ev)
			continue
		}
		observability.InfoContext(ctx, "Published extra target", logfields.Target(target),
			slog.String("artifact_ref", ref.String()))
		ev.ArtifactRef = ref.String()
		s.emit(ctx, ev)
	}
}

// emit publishes ev; a publish failure is only logged.
func (s *Scheduler) emit(ctx context.Context, ev events.BuildEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if err := s.deps.Events.BuildFinished(ctx, ev); err != nil {
		observability.WarnContext(ctx, "Could not publish build event", logfields.Target(ev.Target), logfields.Error(err))
	}
}

// finish records the outcome, then reports it to metrics and events.
func (s *Scheduler) finish(ctx context.Context, claim *store.Claim, rep report, elapsed time.Duration) {
	a := claim.Attempt
	var (
		requeue *store.Requeue
		err     error
	)
	switch rep.status {
	case store.StatusSucceeded:
		err = s.deps.Queue.MarkSucceeded(ctx, a.ID, rep.artifactRef.String(), rep.logRef)
	case store.StatusFailed:
		requeue, err = s.deps.Queue.MarkFailed(ctx, a.ID, rep.logRef, rep.reason, rep.transient)
	default:
		requeue, err = s.deps.Queue.MarkErrored(ctx, a.ID, rep.logRef, rep.reason, rep.transient)
	}
	if err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			observability.WarnContext(ctx, "Attempt was taken over before its outcome was recorded",
				logfields.Status(string(rep.status)), logfields.Error(err))
			return
		}
		observability.ErrorContext(ctx, "Could not record build outcome",
			logfields.Status(string(rep.status)), logfields.Alert(), logfields.Error(err))
		return
	}

	s.deps.Metrics.ObserveBuildDuration(a.Target, string(rep.status), elapsed)
	s.deps.Metrics.IncBuildOutcome(string(rep.status), string(rep.reason))

	attrs := []slog.Attr{
		logfields.Target(a.Target),
		logfields.AttemptNo(a.AttemptNo),
		logfields.Status(string(rep.status)),
		logfields.Elapsed(elapsed),
	}
	if rep.logRef != "" {
		attrs = append(attrs, slog.String("log_ref", rep.logRef))
	}
	switch {
	case rep.succeeded():
		observability.InfoContext(ctx, "Build succeeded", append(attrs, slog.String("artifact_ref", rep.artifactRef.String()))...)
	case rep.reason == ferrors.CategoryStorageFailure:
		attrs = append(attrs, logfields.Reason(string(rep.reason)), logfields.Alert())
		if rep.err != nil {
			attrs = append(attrs, logfields.Error(rep.err))
		}
		observability.ErrorContext(ctx, "Build output could not be stored", attrs...)
	default:
		attrs = append(attrs, logfields.Reason(string(rep.reason)), slog.Bool("retry", requeue != nil))
		if rep.err != nil {
			attrs = append(attrs, logfields.Error(rep.err))
		}
		if requeue != nil {
			attrs = append(attrs, slog.Int64("requeued_attempt_id", requeue.AttemptID),
				slog.Time("available_at", requeue.AvailableAt))
		}
		observability.WarnContext(ctx, "Build did not succeed", attrs...)
	}

	ev := events.BuildEvent{
		Package:     claim.Release.Package,
		Version:     claim.Release.Version,
		Target:      a.Target,
		AttemptID:   a.ID,
		AttemptNo:   a.AttemptNo,
		Status:      string(rep.status),
		Reason:      string(rep.reason),
		ArtifactRef: rep.artifactRef.String(),
		LogRef:      rep.logRef,
		DurationMS:  elapsed.Milliseconds(),
		Requeued:    requeue != nil,
		Timestamp:   time.Now().UTC(),
	}
	s.emit(ctx, ev)
}
