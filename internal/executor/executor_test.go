package executor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ferrors "git.home.luguber.info/inful/docfleet/internal/foundation/errors"
	"git.home.luguber.info/inful/docfleet/internal/sandbox"
	"git.home.luguber.info/inful/docfleet/internal/store"
)

func setup(t *testing.T, script string, opts Options) (*Executor, *sandbox.Pool, *sandbox.Slot, Request) {
	t.Helper()
	pool, err := sandbox.NewPool(sandbox.Options{Root: t.TempDir(), Size: 1, UserPrefix: "builder", UIDBase: 20000}, sandbox.HostBoundary{})
	require.NoError(t, err)
	slot, ok := pool.TryAcquire()
	require.True(t, ok)
	t.Cleanup(func() { _ = pool.Release(context.Background(), slot) })

	tool := filepath.Join(t.TempDir(), "doctool.sh")
	require.NoError(t, os.WriteFile(tool, []byte("#!/bin/sh\n"+script), 0o755))
	opts.Command = []string{tool, "{package}", "{version}", "{output}", "{target}"}

	src := t.TempDir()
	return New(pool, opts), pool, slot, Request{Package: "demo-crate", Version: "1.0.0", SourcePath: src, Target: "x86_64-unknown-linux-gnu"}
}

func TestRunSucceeds(t *testing.T) {
	script := `mkdir -p "$3/demo_crate"
echo "<html><head><title>demo_crate - Rust</title></head><body>docs for $1 $2 on $4</body></html>" > "$3/demo_crate/index.html"
echo "built $1"
`
	e, _, slot, req := setup(t, script, Options{})

	res, err := e.Run(context.Background(), slot, req, time.Minute)
	require.NoError(t, err)
	assert.True(t, res.Succeeded())
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, slot.OutputDir(), res.ArtifactPath)
	assert.Contains(t, res.Log, "built demo-crate")
	assert.False(t, res.Truncated)

	require.NotNil(t, res.Summary)
	assert.Equal(t, 1, res.Summary.HTMLPages)
	assert.Equal(t, "demo_crate/index.html", res.Summary.IndexPage)
	assert.Equal(t, "demo_crate - Rust", res.Summary.Title)
}

func TestRunExitZeroWithLingeringChildSucceeds(t *testing.T) {
	script := `mkdir -p "$3/demo_crate"
echo "<html><body>docs</body></html>" > "$3/demo_crate/index.html"
sleep 30 &
exit 0
`
	e, _, slot, req := setup(t, script, Options{KillGrace: 100 * time.Millisecond})

	res, err := e.Run(context.Background(), slot, req, time.Minute)
	require.NoError(t, err)
	assert.True(t, res.Succeeded(), res.Log)
	assert.Equal(t, 0, res.ExitCode)
	assert.Contains(t, res.Log, "left processes holding its output")
}

func TestRunExitZeroWithoutOutputIsEmptyOutput(t *testing.T) {
	e, _, slot, req := setup(t, "echo nothing to see\nexit 0\n", Options{})

	res, err := e.Run(context.Background(), slot, req, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, res.Status)
	assert.Equal(t, ferrors.CategoryEmptyOutput, res.Reason)
	assert.Empty(t, res.ArtifactPath)
}

func TestRunNonZeroExitIsBuildFailure(t *testing.T) {
	e, _, slot, req := setup(t, "echo 'error[E0425]: cannot find value' >&2\nexit 101\n", Options{})

	res, err := e.Run(context.Background(), slot, req, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, res.Status)
	assert.Equal(t, ferrors.CategoryBuildFailure, res.Reason)
	assert.Equal(t, 101, res.ExitCode)
	assert.Contains(t, res.Log, "error[E0425]")
}

func TestRunTimeoutKillsProcessGroup(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "survivor")
	script := `trap '' TERM
(sleep 3; touch "` + marker + `") &
sleep 30
`
	e, _, slot, req := setup(t, script, Options{KillGrace: 200 * time.Millisecond})

	start := time.Now()
	res, err := e.Run(context.Background(), slot, req, 300*time.Millisecond)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 3*time.Second, "bounded by timeout plus kill grace")
	assert.Equal(t, store.StatusFailed, res.Status)
	assert.Equal(t, ferrors.CategoryTimeout, res.Reason)
	assert.Contains(t, res.Log, "time limit")

	time.Sleep(3500 * time.Millisecond)
	assert.NoFileExists(t, marker, "background child was killed with the group")
}

func TestRunCallerCancellation(t *testing.T) {
	e, _, slot, req := setup(t, "sleep 30\n", Options{KillGrace: 100 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)
	_, err := e.Run(ctx, slot, req, time.Minute)
	require.ErrorIs(t, err, context.Canceled)
}

func TestRunTruncatesLog(t *testing.T) {
	script := `i=0
while [ $i -lt 200 ]; do echo "line $i of noisy output"; i=$((i+1)); done
exit 1
`
	e, _, slot, req := setup(t, script, Options{MaxLogSize: 256})

	res, err := e.Run(context.Background(), slot, req, time.Minute)
	require.NoError(t, err)
	assert.True(t, res.Truncated)
	assert.Contains(t, res.Log, "log truncated")
	assert.Less(t, len(res.Log), 512)
}

func TestRunStartFailureIsSandboxFault(t *testing.T) {
	e, _, slot, req := setup(t, "exit 0\n", Options{})
	e.opts.Command = []string{"/nonexistent/doctool"}

	_, err := e.Run(context.Background(), slot, req, time.Minute)
	require.Error(t, err)
	assert.True(t, ferrors.HasCategory(err, ferrors.CategorySandboxFault))
	assert.True(t, ferrors.IsRetryable(err))
}

func TestRunPassesEnvironment(t *testing.T) {
	script := `mkdir -p "$3" && echo "$DOCS_FLAGS" > "$3/flags.txt"`
	e, _, slot, req := setup(t, script, Options{Env: map[string]string{"DOCS_FLAGS": "--target {target}"}})

	res, err := e.Run(context.Background(), slot, req, time.Minute)
	require.NoError(t, err)
	require.True(t, res.Succeeded(), res.Log)
	data, err := os.ReadFile(filepath.Join(res.ArtifactPath, "flags.txt"))
	require.NoError(t, err)
	assert.Equal(t, "--target x86_64-unknown-linux-gnu", strings.TrimSpace(string(data)))
}

func TestRunAppliesMemoryLimit(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("memory limits need linux")
	}
	script := `sleep 0.3
mkdir -p "$3" && ulimit -v > "$3/limit.txt"`
	e, _, slot, req := setup(t, script, Options{})
	req.MemoryLimit = 256 << 20

	res, err := e.Run(context.Background(), slot, req, time.Minute)
	require.NoError(t, err)
	require.True(t, res.Succeeded(), res.Log)
	data, err := os.ReadFile(filepath.Join(res.ArtifactPath, "limit.txt"))
	require.NoError(t, err)
	assert.Equal(t, "262144", strings.TrimSpace(string(data)))
}

type refusingLimiter struct {
	*sandbox.Pool
}

func (refusingLimiter) Limit(*sandbox.Slot, int, sandbox.ProcessSpec) error {
	return ferrors.SandboxFault("limit build memory").WithCause(errors.New("operation not permitted")).Build()
}

func TestRunLimitFailureIsSandboxFault(t *testing.T) {
	_, pool, slot, req := setup(t, "exit 0\n", Options{})
	e := New(refusingLimiter{pool}, Options{Command: []string{"/bin/sh", "-c", "sleep 30"}})

	start := time.Now()
	_, err := e.Run(context.Background(), slot, req, time.Minute)
	require.Error(t, err)
	assert.True(t, ferrors.HasCategory(err, ferrors.CategorySandboxFault))
	assert.Less(t, time.Since(start), 10*time.Second, "process group killed")
}

func TestLogBufferInvalidUTF8(t *testing.T) {
	b := newLogBuffer(64)
	_, _ = b.Write([]byte{'o', 'k', 0xff, '\n'})
	assert.Equal(t, "ok�\n", b.String())
}
