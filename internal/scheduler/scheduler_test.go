package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/docfleet/internal/artifact"
	"git.home.luguber.info/inful/docfleet/internal/buildlog"
	"git.home.luguber.info/inful/docfleet/internal/config"
	"git.home.luguber.info/inful/docfleet/internal/events"
	"git.home.luguber.info/inful/docfleet/internal/executor"
	ferrors "git.home.luguber.info/inful/docfleet/internal/foundation/errors"
	"git.home.luguber.info/inful/docfleet/internal/metrics"
	"git.home.luguber.info/inful/docfleet/internal/retry"
	"git.home.luguber.info/inful/docfleet/internal/sandbox"
	"git.home.luguber.info/inful/docfleet/internal/source"
	"git.home.luguber.info/inful/docfleet/internal/store"
)

const defaultTarget = "x86_64-unknown-linux-gnu"

// docTool writes an index page for $1 $2 into $3 and appends "$1 $2 $4" to
// the builds file.
const docTool = `crate=$(echo "$1" | tr - _)
mkdir -p "$3/$crate"
echo "<html><head><title>$crate - Rust</title></head><body>$2 on $4</body></html>" > "$3/$crate/index.html"
echo "$1 $2 $4" >> "$BUILDS_FILE"
echo "documented $1 $2"
`

type env struct {
	root      string
	dsn       string
	tool      string
	builds    string
	artifacts string
	logs      string
}

func newEnv(t *testing.T, script string) *env {
	t.Helper()
	root := t.TempDir()
	e := &env{
		root:      root,
		dsn:       "sqlite://" + filepath.Join(root, "meta.db"),
		tool:      filepath.Join(root, "doctool.sh"),
		builds:    filepath.Join(root, "builds.txt"),
		artifacts: filepath.Join(root, "artifacts"),
		logs:      filepath.Join(root, "logs"),
	}
	require.NoError(t, os.WriteFile(e.tool, []byte("#!/bin/sh\n"+script), 0o755))
	return e
}

func (e *env) openStore(t *testing.T, maxAttempts int) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), e.dsn,
		store.WithAutoMigrate(),
		store.WithRetryPolicy(retry.NewPolicy(config.RetryBackoffFixed, 10*time.Millisecond, 10*time.Millisecond, maxAttempts)),
		store.WithDefaultTarget(defaultTarget),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// sourceDir creates a minimal crate and returns its file:// location.
func (e *env) sourceDir(t *testing.T, pkg, version string) string {
	t.Helper()
	dir := filepath.Join(e.root, "crates", pkg+"-"+version)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "src"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Cargo.toml"),
		[]byte(fmt.Sprintf("[package]\nname = %q\nversion = %q\n", pkg, version)), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "src", "lib.rs"), []byte("//! docs\n"), 0o644))
	return "file://" + dir
}

type rig struct {
	sched  *Scheduler
	pool   *sandbox.Pool
	events *eventLog
	rec    *countingRecorder
	logs   *buildlog.Writer
}

func (e *env) newScheduler(t *testing.T, st Queue, slots int, opts Options, execOpts executor.Options) *rig {
	t.Helper()
	rec := &countingRecorder{}
	pool, err := sandbox.NewPool(sandbox.Options{
		Root: t.TempDir(), Size: slots,
		UserPrefix: "builder", UIDBase: 20000, Metrics: rec,
	}, sandbox.HostBoundary{})
	require.NoError(t, err)
	fetcher, err := source.New(source.Options{Root: filepath.Join(e.root, "sources"), Metrics: rec})
	require.NoError(t, err)
	arts, err := artifact.New(artifact.Options{Root: e.artifacts, Metrics: rec})
	require.NoError(t, err)
	logs, err := buildlog.NewWriter(e.logs)
	require.NoError(t, err)

	execOpts.Command = []string{e.tool, "{package}", "{version}", "{output}", "{target}"}
	if execOpts.Env == nil {
		execOpts.Env = map[string]string{}
	}
	execOpts.Env["BUILDS_FILE"] = e.builds

	evs := &eventLog{}
	if opts.PollInterval == 0 {
		opts.PollInterval = 20 * time.Millisecond
	}
	if opts.LeaseDuration == 0 {
		opts.LeaseDuration = 30 * time.Second
	}
	if opts.StopTimeout == 0 {
		opts.StopTimeout = 10 * time.Second
	}
	sched, err := New(Deps{
		Queue:     st,
		Slots:     pool,
		Sources:   fetcher,
		Builder:   executor.New(pool, execOpts),
		Artifacts: arts,
		Logs:      logs,
		Events:    evs,
		Metrics:   rec,
	}, opts)
	require.NoError(t, err)
	return &rig{sched: sched, pool: pool, events: evs, rec: rec, logs: logs}
}

func runDrain(t *testing.T, sched *Scheduler) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	require.NoError(t, sched.Run(ctx))
	require.NoError(t, ctx.Err(), "drain did not finish in time")
}

func (e *env) builtLines(t *testing.T) []string {
	t.Helper()
	data, err := os.ReadFile(e.builds)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	require.NoError(t, err)
	return strings.Fields(strings.ReplaceAll(strings.TrimSpace(string(data)), " ", "|"))
}

type eventLog struct {
	mu  sync.Mutex
	evs []events.BuildEvent
}

func (l *eventLog) BuildFinished(_ context.Context, ev events.BuildEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.evs = append(l.evs, ev)
	return nil
}

func (l *eventLog) all() []events.BuildEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]events.BuildEvent(nil), l.evs...)
}

type countingRecorder struct {
	metrics.NoopRecorder
	claims     atomic.Int64
	contention atomic.Int64
	reclaimed  atomic.Int64
	leaseLost  atomic.Int64
	outcomes   sync.Map
}

func (r *countingRecorder) IncClaim()           { r.claims.Add(1) }
func (r *countingRecorder) IncClaimContention() { r.contention.Add(1) }
func (r *countingRecorder) AddReclaimed(n int)  { r.reclaimed.Add(int64(n)) }
func (r *countingRecorder) IncLeaseLost()       { r.leaseLost.Add(1) }
func (r *countingRecorder) IncBuildOutcome(status, reason string) {
	v, _ := r.outcomes.LoadOrStore(status+"/"+reason, new(atomic.Int64))
	v.(*atomic.Int64).Add(1)
}

func (r *countingRecorder) outcome(key string) int64 {
	v, ok := r.outcomes.Load(key)
	if !ok {
		return 0
	}
	return v.(*atomic.Int64).Load()
}

func TestBuildSucceedsAndPublishes(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, docTool)
	st := e.openStore(t, 3)
	_, _, err := st.RecordRelease(ctx, "pkg-a", "1.0.0", store.SourceRef{Location: e.sourceDir(t, "pkg-a", "1.0.0")})
	require.NoError(t, err)

	r := e.newScheduler(t, st, 2, Options{Drain: true}, executor.Options{})
	runDrain(t, r.sched)

	ref, err := st.LatestSuccessful(ctx, "pkg-a", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, "pkg-a/1.0.0/"+defaultTarget, ref)
	assert.FileExists(t, filepath.Join(e.artifacts, "pkg-a", "1.0.0", defaultTarget, "pkg_a", "index.html"))

	latest, err := st.LatestAttempt(ctx, "pkg-a", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, store.StatusSucceeded, latest.Status)
	logText, err := r.logs.Read(latest.LogRef)
	require.NoError(t, err)
	assert.Contains(t, logText, "documented pkg-a 1.0.0")

	evs := r.events.all()
	require.Len(t, evs, 1)
	assert.Equal(t, "succeeded", evs[0].Status)
	assert.Equal(t, ref, evs[0].ArtifactRef)
	assert.Equal(t, int64(1), r.rec.claims.Load())
	assert.Equal(t, int64(1), r.rec.outcome("succeeded/"))
	assert.Equal(t, 0, r.pool.Busy())
}

func TestSourceUnavailableRetriesUntilCeiling(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, docTool)
	st := e.openStore(t, 3)
	_, _, err := st.RecordRelease(ctx, "pkg-b", "0.3.1", store.SourceRef{Location: "file://" + filepath.Join(e.root, "missing")})
	require.NoError(t, err)

	r := e.newScheduler(t, st, 1, Options{Drain: true}, executor.Options{})
	runDrain(t, r.sched)

	attempts, err := st.ListAttempts(ctx, "pkg-b", "0.3.1")
	require.NoError(t, err)
	require.Len(t, attempts, 3)
	for i, a := range attempts {
		assert.Equal(t, store.StatusErrored, a.Status)
		assert.Equal(t, ferrors.CategorySourceUnavailable, a.Reason)
		assert.Equal(t, i+1, a.Try)
		assert.NotEmpty(t, a.LogRef)
	}
	assert.True(t, attempts[0].Retryable)
	assert.False(t, attempts[2].Retryable, "the ceiling makes the last failure permanent")

	_, err = st.LatestSuccessful(ctx, "pkg-b", "0.3.1")
	require.ErrorIs(t, err, store.ErrNotFound)
	assert.NoDirExists(t, filepath.Join(e.artifacts, "pkg-b"))
	assert.Empty(t, e.builtLines(t), "the build tool never ran")

	logText, err := r.logs.Read(attempts[2].LogRef)
	require.NoError(t, err)
	assert.Contains(t, logText, "fetch source")
	assert.Equal(t, int64(3), r.rec.outcome("errored/source_unavailable"))
}

func TestBuildFailureIsPermanent(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, "echo 'error[E0433]: failed to resolve' >&2\nexit 101\n")
	st := e.openStore(t, 3)
	_, _, err := st.RecordRelease(ctx, "broken", "0.1.0", store.SourceRef{Location: e.sourceDir(t, "broken", "0.1.0")})
	require.NoError(t, err)

	r := e.newScheduler(t, st, 1, Options{Drain: true}, executor.Options{})
	runDrain(t, r.sched)

	attempts, err := st.ListAttempts(ctx, "broken", "0.1.0")
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, store.StatusFailed, attempts[0].Status)
	assert.Equal(t, ferrors.CategoryBuildFailure, attempts[0].Reason)
	assert.False(t, attempts[0].Retryable)

	logText, err := r.logs.Read(attempts[0].LogRef)
	require.NoError(t, err)
	assert.Contains(t, logText, "failed to resolve")
}

func TestTwoSchedulersNeverBuildTwice(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, docTool)
	first := e.openStore(t, 3)
	second := e.openStore(t, 3)

	const releases = 8
	for i := range releases {
		pkg := fmt.Sprintf("crate-%d", i)
		_, _, err := first.RecordRelease(ctx, pkg, "1.0.0", store.SourceRef{Location: e.sourceDir(t, pkg, "1.0.0")})
		require.NoError(t, err)
	}

	a := e.newScheduler(t, first, 2, Options{Drain: true}, executor.Options{})
	b := e.newScheduler(t, second, 2, Options{Drain: true}, executor.Options{})

	var wg sync.WaitGroup
	for _, r := range []*rig{a, b} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runDrain(t, r.sched)
		}()
	}
	wg.Wait()

	lines := e.builtLines(t)
	assert.Len(t, lines, releases, "every release is built exactly once")
	seen := map[string]bool{}
	for _, l := range lines {
		assert.False(t, seen[l], "built twice: %s", l)
		seen[l] = true
	}
	for i := range releases {
		pkg := fmt.Sprintf("crate-%d", i)
		attempts, err := first.ListAttempts(ctx, pkg, "1.0.0")
		require.NoError(t, err)
		require.Len(t, attempts, 1, pkg)
		assert.Equal(t, store.StatusSucceeded, attempts[0].Status)
	}
	assert.Equal(t, int64(releases), a.rec.claims.Load()+b.rec.claims.Load())
}

func TestTimeoutFailsAndReleasesSlot(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, "sleep 30 &\nwait\n")
	st := e.openStore(t, 1)
	_, _, err := st.RecordRelease(ctx, "slow", "1.0.0", store.SourceRef{Location: e.sourceDir(t, "slow", "1.0.0")})
	require.NoError(t, err)

	grace := 200 * time.Millisecond
	r := e.newScheduler(t, st, 1, Options{Drain: true, BuildTimeout: 300 * time.Millisecond},
		executor.Options{KillGrace: grace})

	start := time.Now()
	runDrain(t, r.sched)
	assert.Less(t, time.Since(start), 10*time.Second)

	latest, err := st.LatestAttempt(ctx, "slow", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, latest.Status)
	assert.Equal(t, ferrors.CategoryTimeout, latest.Reason)
	assert.False(t, latest.Retryable, "a single allowed try leaves nothing to retry")

	assert.Equal(t, 0, r.pool.Busy())
	slot, ok := r.pool.TryAcquire()
	require.True(t, ok, "the slot is back in the pool")
	require.NoError(t, r.pool.Release(ctx, slot))
}

func TestExtraTargetsArePublished(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, docTool)
	st := e.openStore(t, 3)
	_, _, err := st.RecordRelease(ctx, "multi", "2.0.0", store.SourceRef{Location: e.sourceDir(t, "multi", "2.0.0")})
	require.NoError(t, err)

	const extra = "wasm32-unknown-unknown"
	r := e.newScheduler(t, st, 1, Options{Drain: true, ExtraTargets: []string{defaultTarget, extra}}, executor.Options{})
	runDrain(t, r.sched)

	assert.FileExists(t, filepath.Join(e.artifacts, "multi", "2.0.0", defaultTarget, "multi", "index.html"))
	assert.FileExists(t, filepath.Join(e.artifacts, "multi", "2.0.0", extra, "multi", "index.html"))
	assert.ElementsMatch(t, []string{"multi|2.0.0|" + defaultTarget, "multi|2.0.0|" + extra}, e.builtLines(t))

	latest, err := st.LatestAttempt(ctx, "multi", "2.0.0")
	require.NoError(t, err)
	assert.Equal(t, store.StatusSucceeded, latest.Status)
	logText, err := r.logs.Read(buildlog.TargetRef("multi", "2.0.0", latest.ID, extra))
	require.NoError(t, err)
	assert.Contains(t, logText, "documented multi 2.0.0")

	evs := r.events.all()
	require.Len(t, evs, 2)
	byTarget := map[string]events.BuildEvent{}
	for _, ev := range evs {
		byTarget[ev.Target] = ev
	}
	assert.False(t, byTarget[defaultTarget].ExtraTarget)
	assert.Equal(t, "multi/2.0.0/"+defaultTarget, byTarget[defaultTarget].ArtifactRef)
	assert.True(t, byTarget[extra].ExtraTarget)
	assert.Equal(t, "succeeded", byTarget[extra].Status)
	assert.Equal(t, "multi/2.0.0/"+extra, byTarget[extra].ArtifactRef)
	assert.Equal(t, latest.ID, byTarget[extra].AttemptID)
}

func TestTargetLimitSkipsExtraTargets(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, docTool)
	st := e.openStore(t, 3)
	_, _, err := st.RecordRelease(ctx, "capped", "1.0.0", store.SourceRef{Location: e.sourceDir(t, "capped", "1.0.0")})
	require.NoError(t, err)
	require.NoError(t, st.SetOverrides(ctx, "capped", store.Overrides{MaxTargets: 2}))

	extras := []string{"wasm32-unknown-unknown", "aarch64-unknown-linux-gnu", "i686-pc-windows-msvc"}
	r := e.newScheduler(t, st, 1, Options{Drain: true, ExtraTargets: extras}, executor.Options{})
	runDrain(t, r.sched)

	assert.ElementsMatch(t, []string{"capped|1.0.0|" + defaultTarget, "capped|1.0.0|" + extras[0]}, e.builtLines(t))
	assert.NoDirExists(t, filepath.Join(e.artifacts, "capped", "1.0.0", extras[1]))
	assert.Len(t, r.events.all(), 2)
}

func TestExtraTargetsHelper(t *testing.T) {
	build, skipped := extraTargets("a", []string{"a", "b", "c", "b", "d"}, 3)
	assert.Equal(t, []string{"b", "c"}, build)
	assert.Equal(t, []string{"d"}, skipped)

	build, skipped = extraTargets("a", []string{"b"}, 1)
	assert.Empty(t, build)
	assert.Equal(t, []string{"b"}, skipped)
}

func TestOverrideTimeoutWins(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, "sleep 30 &\nwait\n")
	st := e.openStore(t, 1)
	_, _, err := st.RecordRelease(ctx, "slowpkg", "1.0.0", store.SourceRef{Location: e.sourceDir(t, "slowpkg", "1.0.0")})
	require.NoError(t, err)
	require.NoError(t, st.SetOverrides(ctx, "slowpkg", store.Overrides{Timeout: time.Second}))

	r := e.newScheduler(t, st, 1, Options{Drain: true, BuildTimeout: time.Hour},
		executor.Options{KillGrace: 100 * time.Millisecond})

	start := time.Now()
	runDrain(t, r.sched)
	assert.Less(t, time.Since(start), 15*time.Second)

	latest, err := st.LatestAttempt(ctx, "slowpkg", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, latest.Status)
	assert.Equal(t, ferrors.CategoryTimeout, latest.Reason)
}

func TestBuildRunsUnderMemoryLimit(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("memory limits need linux")
	}
	ctx := context.Background()
	script := `sleep 0.3
mkdir -p "$3/mem"
echo "<html></html>" > "$3/mem/index.html"
echo "$1 $(ulimit -v)" >> "$BUILDS_FILE"
`
	e := newEnv(t, script)
	st := e.openStore(t, 3)
	for _, pkg := range []string{"plain", "hungry"} {
		_, _, err := st.RecordRelease(ctx, pkg, "1.0.0", store.SourceRef{Location: e.sourceDir(t, pkg, "1.0.0")})
		require.NoError(t, err)
	}
	require.NoError(t, st.SetOverrides(ctx, "hungry", store.Overrides{MemoryBytes: 1 << 30}))

	r := e.newScheduler(t, st, 1, Options{Drain: true, MemoryLimit: 512 << 20}, executor.Options{})
	runDrain(t, r.sched)

	assert.ElementsMatch(t, []string{"plain|524288", "hungry|1048576"}, e.builtLines(t))
}

// lossyQueue reports every lease renewal as lost.
type lossyQueue struct {
	*store.Store
}

func (lossyQueue) RenewLease(context.Context, int64, string, time.Duration) error {
	return fmt.Errorf("renew: %w", store.ErrLeaseLost)
}

// contendedQueue loses the first claims to concurrent claimers.
type contendedQueue struct {
	*store.Store
	losses *atomic.Int64
}

func (q contendedQueue) ClaimNextPending(ctx context.Context, workerID string, lease time.Duration) (*store.Claim, error) {
	if q.losses.Add(-1) >= 0 {
		return nil, ferrors.WrapError(store.ErrClaimContention, ferrors.CategoryConflict, "claim next pending").Retryable().Build()
	}
	return q.Store.ClaimNextPending(ctx, workerID, lease)
}

func TestClaimContentionIsRetried(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, docTool)
	st := e.openStore(t, 3)
	_, _, err := st.RecordRelease(ctx, "raced", "1.0.0", store.SourceRef{Location: e.sourceDir(t, "raced", "1.0.0")})
	require.NoError(t, err)

	losses := &atomic.Int64{}
	losses.Store(2)
	r := e.newScheduler(t, contendedQueue{Store: st, losses: losses}, 1, Options{Drain: true}, executor.Options{})
	runDrain(t, r.sched)

	assert.Equal(t, int64(2), r.rec.contention.Load())
	ref, err := st.LatestSuccessful(ctx, "raced", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, "raced/1.0.0/"+defaultTarget, ref)
	assert.Equal(t, 0, r.pool.Busy())
}

func TestLostLeaseAbandonsBuildForReclaim(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, "sleep 30 &\nwait\n")
	st := e.openStore(t, 1)
	_, _, err := st.RecordRelease(ctx, "orphan", "1.0.0", store.SourceRef{Location: e.sourceDir(t, "orphan", "1.0.0")})
	require.NoError(t, err)

	r := e.newScheduler(t, lossyQueue{st}, 1, Options{LeaseDuration: 60 * time.Millisecond},
		executor.Options{KillGrace: 100 * time.Millisecond})

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- r.sched.Run(runCtx) }()

	assert.Eventually(t, func() bool {
		a, err := st.LatestAttempt(ctx, "orphan", "1.0.0")
		return err == nil && a.Status == store.StatusErrored && a.Reason == ferrors.CategoryLeaseExpired
	}, 20*time.Second, 20*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.GreaterOrEqual(t, r.rec.leaseLost.Load(), int64(1))
	assert.GreaterOrEqual(t, r.rec.reclaimed.Load(), int64(1))
	assert.Empty(t, r.events.all(), "an abandoned attempt records no outcome")
}

func TestRunStopsOnCancel(t *testing.T) {
	e := newEnv(t, docTool)
	st := e.openStore(t, 3)
	r := e.newScheduler(t, st, 1, Options{PollInterval: time.Hour}, executor.Options{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.sched.Run(ctx) }()

	r.sched.Wake()
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestNewRequiresComponents(t *testing.T) {
	_, err := New(Deps{}, Options{})
	require.Error(t, err)
	assert.True(t, ferrors.HasCategory(err, ferrors.CategoryConfig))
}
