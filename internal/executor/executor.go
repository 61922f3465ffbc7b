package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"git.home.luguber.info/inful/docfleet/internal/config"
	ferrors "git.home.luguber.info/inful/docfleet/internal/foundation/errors"
	"git.home.luguber.info/inful/docfleet/internal/logfields"
	"git.home.luguber.info/inful/docfleet/internal/sandbox"
	"git.home.luguber.info/inful/docfleet/internal/store"
)

// pipeDrain bounds how long Wait keeps reading output after the process group was killed.
const pipeDrain = 5 * time.Second

// Spawner creates sandboxed processes; *sandbox.Pool implements it.
type Spawner interface {
	Command(ctx context.Context, slot *sandbox.Slot, spec sandbox.ProcessSpec) (*exec.Cmd, error)
	Limit(slot *sandbox.Slot, pid int, spec sandbox.ProcessSpec) error
}

// Options describes the documentation tool.
type Options struct {
	// Command is the argv template; see expand for placeholders.
	Command []string
	// OutputDir is where the tool leaves its output, "{output}" by default.
	OutputDir  string
	Env        map[string]string
	MaxLogSize int
	KillGrace  time.Duration
}

// OptionsFromConfig maps the build section onto Options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Command:    cfg.Build.Command,
		OutputDir:  cfg.Build.OutputDir,
		Env:        cfg.Build.Env,
		MaxLogSize: cfg.Build.MaxLogSize,
		KillGrace:  cfg.KillGrace(),
	}
}

// Request names what to build.
type Request struct {
	Package    string
	Version    string
	SourcePath string
	Target     string
	// MemoryLimit caps the build's address space in bytes; 0 disables it.
	MemoryLimit int64
}

// Result is the outcome of one build run.
type Result struct {
	Status       store.Status // succeeded or failed
	Reason       ferrors.ErrorCategory
	Log          string
	Truncated    bool
	ExitCode     int
	ArtifactPath string
	Duration     time.Duration
	Summary      *Summary
}

// Succeeded reports a usable artifact.
func (r *Result) Succeeded() bool { return r.Status == store.StatusSucceeded }

// Executor runs builds.
type Executor struct {
	spawner Spawner
	opts    Options
}

// New creates an Executor.
func New(spawner Spawner, opts Options) *Executor {
	if opts.OutputDir == "" {
		opts.OutputDir = "{output}"
	}
	if opts.MaxLogSize <= 0 {
		opts.MaxLogSize = config.DefaultMaxLogSize
	}
	if opts.KillGrace <= 0 {
		opts.KillGrace = 10 * time.Second
	}
	return &Executor{spawner: spawner, opts: opts}
}

// Run executes the tool for req in slot, bounded by timeout. A timeout yields
// a failed Result with reason timeout once the process group is gone. When
// ctx itself is cancelled, Run kills the build and returns ctx.Err().
func (e *Executor) Run(ctx context.Context, slot *sandbox.Slot, req Request, timeout time.Duration) (*Result, error) {
	start := time.Now()
	vars := e.vars(slot, req)
	argv := make([]string, len(e.opts.Command))
	for i, a := range e.opts.Command {
		argv[i] = vars.Replace(a)
	}
	outputDir := vars.Replace(e.opts.OutputDir)

	runCtx := ctx
	cancel := func() {}
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	spec := sandbox.ProcessSpec{
		Argv:        argv,
		Dir:         req.SourcePath,
		Env:         e.env(vars),
		MemoryLimit: req.MemoryLimit,
	}
	cmd, err := e.spawner.Command(runCtx, slot, spec)
	if err != nil {
		return nil, err
	}

	log := newLogBuffer(e.opts.MaxLogSize)
	cmd.Stdout = log
	cmd.Stderr = log
	killer := &groupKiller{grace: e.opts.KillGrace}
	cmd.Cancel = func() error { return killer.terminate(cmd.Process.Pid) }
	cmd.WaitDelay = e.opts.KillGrace + pipeDrain

	slog.DebugContext(ctx, "Starting build", logfields.Package(req.Package), logfields.Version(req.Version),
		logfields.Target(req.Target), logfields.Slot(slot.Index), slog.Any("argv", argv))

	if err := cmd.Start(); err != nil {
		return nil, ferrors.SandboxFault("start build process").
			WithCause(err).
			WithContext("slot", slot.Index).
			WithContext("argv0", argv[0]).
			Build()
	}
	if err := e.spawner.Limit(slot, cmd.Process.Pid, spec); err != nil {
		killer.finish(cmd.Process.Pid)
		_ = cmd.Wait()
		return nil, err
	}
	waitErr := cmd.Wait()
	killer.finish(cmd.Process.Pid)

	res := &Result{Duration: time.Since(start), ExitCode: -1}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}

	switch {
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		log.appendLine("build exceeded time limit of %s", timeout)
		res.Status, res.Reason = store.StatusFailed, ferrors.CategoryTimeout
	case waitErr != nil && !exitedCleanly(cmd, waitErr):
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) && !errors.Is(waitErr, exec.ErrWaitDelay) {
			return nil, ferrors.SandboxFault("wait for build process").WithCause(waitErr).
				WithContext("slot", slot.Index).Build()
		}
		log.appendLine("build tool exited with status %d", res.ExitCode)
		res.Status, res.Reason = store.StatusFailed, ferrors.CategoryBuildFailure
	default:
		if waitErr != nil {
			log.appendLine("build tool exited with status 0 but left processes holding its output; they were killed")
		}
		empty, err := isEmptyDir(outputDir)
		if err != nil || empty {
			log.appendLine("build tool exited successfully but produced no output in %s", outputDir)
			res.Status, res.Reason = store.StatusFailed, ferrors.CategoryEmptyOutput
			break
		}
		res.Status = store.StatusSucceeded
		res.ArtifactPath = outputDir
		res.Summary, err = Summarize(outputDir, req.Package)
		if err != nil {
			slog.WarnContext(ctx, "Could not summarize build output", logfields.Path(outputDir), logfields.Error(err))
		}
	}

	res.Log = log.String()
	res.Truncated = log.Truncated()
	return res, nil
}

// vars expands {package} {version} {target} {source} {output} {home} {slot}.
func (e *Executor) vars(slot *sandbox.Slot, req Request) *strings.Replacer {
	return strings.NewReplacer(
		"{package}", req.Package,
		"{version}", req.Version,
		"{target}", req.Target,
		"{source}", req.SourcePath,
		"{output}", slot.OutputDir(),
		"{home}", slot.HomeDir(),
		"{slot}", strconv.Itoa(slot.Index),
	)
}

func (e *Executor) env(vars *strings.Replacer) []string {
	keys := make([]string, 0, len(e.opts.Env))
	for k := range e.opts.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+vars.Replace(e.opts.Env[k]))
	}
	return env
}

// exitedCleanly reports a zero exit whose only error is output pipes held open
// by leftover background processes.
func exitedCleanly(cmd *exec.Cmd, waitErr error) bool {
	return errors.Is(waitErr, exec.ErrWaitDelay) && cmd.ProcessState != nil && cmd.ProcessState.Success()
}

func isEmptyDir(dir string) (bool, error) {
	f, err := os.Open(filepath.Clean(dir))
	if err != nil {
		return true, err
	}
	defer f.Close()
	names, err := f.Readdirnames(1)
	if err != nil {
		return true, nil
	}
	return len(names) == 0, nil
}

// groupKiller terminates a build's whole process group: SIGTERM first, then
// SIGKILL once the grace period has passed.
type groupKiller struct {
	grace time.Duration
	mu    sync.Mutex
	timer *time.Timer
}

func (k *groupKiller) terminate(pid int) error {
	if err := unix.Kill(-pid, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("signal process group %d: %w", pid, err)
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.timer == nil {
		k.timer = time.AfterFunc(k.grace, func() { _ = unix.Kill(-pid, unix.SIGKILL) })
	}
	return nil
}

// finish reaps descendants that outlived the group leader.
func (k *groupKiller) finish(pid int) {
	k.mu.Lock()
	if k.timer != nil {
		k.timer.Stop()
	}
	k.mu.Unlock()
	_ = unix.Kill(-pid, unix.SIGKILL)
}
