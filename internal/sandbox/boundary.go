package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"git.home.luguber.info/inful/docfleet/internal/config"
	ferrors "git.home.luguber.info/inful/docfleet/internal/foundation/errors"
)

// ProcessSpec describes a process to run inside a slot.
type ProcessSpec struct {
	Argv []string
	Dir  string
	// Env is added to a minimal environment carrying HOME, USER and PATH.
	Env []string
	// MemoryLimit caps the address space in bytes; 0 leaves it unlimited.
	MemoryLimit int64
}

// Boundary is the capability boundary between the orchestrator and untrusted
// build code.
type Boundary interface {
	// EnterSandbox returns an unstarted command that runs spec as the slot's
	// identity, in its own process group.
	EnterSandbox(ctx context.Context, slot *Slot, spec ProcessSpec) (*exec.Cmd, error)
	// ExitSandbox restores the slot for the next build.
	ExitSandbox(ctx context.Context, slot *Slot) error
	Name() string
}

// NewBoundary builds the boundary selected by the sandbox configuration.
func NewBoundary(cfg config.SandboxConfig) (Boundary, error) {
	switch cfg.Boundary {
	case config.BoundaryHost, "":
		return HostBoundary{}, nil
	case config.BoundaryCredential:
		return CredentialBoundary{}, nil
	case config.BoundaryWrapper:
		if len(cfg.Wrapper) == 0 {
			return nil, ferrors.ConfigError("wrapper boundary needs sandbox.wrapper").Build()
		}
		return WrapperBoundary{Template: cfg.Wrapper, Container: cfg.Container}, nil
	default:
		return nil, ferrors.ConfigError(fmt.Sprintf("unknown sandbox boundary %q", cfg.Boundary)).Build()
	}
}

func baseEnv(slot *Slot, extra []string) []string {
	env := []string{
		"HOME=" + slot.HomeDir(),
		"USER=" + slot.Identity.Name,
		"PATH=" + hostPath(),
		"CARGO_TARGET_DIR=" + slot.TargetDir(),
	}
	return append(env, extra...)
}

func hostPath() string {
	if p := os.Getenv("PATH"); p != "" {
		return p
	}
	return "/usr/local/bin:/usr/bin:/bin"
}

func command(ctx context.Context, argv []string, dir string, env []string) (*exec.Cmd, error) {
	if len(argv) == 0 {
		return nil, errors.New("empty command")
	}
	// #nosec G204 -- argv comes from operator configuration, never from package content
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	return cmd, nil
}

func sandboxFault(err error, slot *Slot, msg string) error {
	return ferrors.SandboxFault(msg).
		WithCause(err).
		WithContext("slot", slot.Index).
		WithContext("identity", slot.Identity.Name).
		Build()
}

// HostBoundary runs builds as the orchestrator's own user with a per-slot
// HOME. It offers no isolation and exists for development and tests.
type HostBoundary struct{}

func (HostBoundary) Name() string { return string(config.BoundaryHost) }

func (HostBoundary) EnterSandbox(ctx context.Context, slot *Slot, spec ProcessSpec) (*exec.Cmd, error) {
	cmd, err := command(ctx, spec.Argv, spec.Dir, baseEnv(slot, spec.Env))
	if err != nil {
		return nil, sandboxFault(err, slot, "enter host sandbox")
	}
	return cmd, nil
}

func (HostBoundary) ExitSandbox(_ context.Context, slot *Slot) error {
	if err := slot.reset(); err != nil {
		return sandboxFault(err, slot, "reset slot")
	}
	return nil
}

// CredentialBoundary switches to the slot's UID and GID. The orchestrator
// must run as root.
type CredentialBoundary struct{}

func (CredentialBoundary) Name() string { return string(config.BoundaryCredential) }

func (CredentialBoundary) EnterSandbox(ctx context.Context, slot *Slot, spec ProcessSpec) (*exec.Cmd, error) {
	for _, dir := range []string{slot.HomeDir(), slot.TargetDir(), slot.OutputDir()} {
		if err := chownTree(dir, slot.Identity.UID, slot.Identity.GID); err != nil {
			return nil, sandboxFault(err, slot, "hand slot to identity")
		}
	}
	cmd, err := command(ctx, spec.Argv, spec.Dir, baseEnv(slot, spec.Env))
	if err != nil {
		return nil, sandboxFault(err, slot, "enter credential sandbox")
	}
	cmd.SysProcAttr.Credential = &syscall.Credential{
		Uid:    uint32(slot.Identity.UID),
		Gid:    uint32(slot.Identity.GID),
		Groups: []uint32{},
	}
	return cmd, nil
}

func (CredentialBoundary) ExitSandbox(_ context.Context, slot *Slot) error {
	if err := slot.reset(); err != nil {
		return sandboxFault(err, slot, "reset slot")
	}
	return nil
}

func chownTree(root string, uid, gid int) error {
	return filepath.Walk(root, func(path string, _ os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		return os.Lchown(path, uid, gid)
	})
}

// WrapperBoundary prefixes the build argv with an operator supplied command,
// typically one that enters a container as the slot user, for example
//
//	sudo lxc-attach -n {container} -- sudo -u {user} -H --
//
// Placeholders: {container} {user} {uid} {gid} {slot} {home} {memory}.
// {memory} is the memory cap in bytes, 0 when unlimited.
type WrapperBoundary struct {
	Template  []string
	Container string
}

func (WrapperBoundary) Name() string { return string(config.BoundaryWrapper) }

func (w WrapperBoundary) EnterSandbox(ctx context.Context, slot *Slot, spec ProcessSpec) (*exec.Cmd, error) {
	r := strings.NewReplacer(
		"{container}", w.Container,
		"{user}", slot.Identity.Name,
		"{uid}", strconv.Itoa(slot.Identity.UID),
		"{gid}", strconv.Itoa(slot.Identity.GID),
		"{slot}", strconv.Itoa(slot.Index),
		"{home}", slot.HomeDir(),
		"{memory}", strconv.FormatInt(spec.MemoryLimit, 10),
	)
	argv := make([]string, 0, len(w.Template)+len(spec.Argv)+len(spec.Env)+1)
	for _, a := range w.Template {
		argv = append(argv, r.Replace(a))
	}
	if len(spec.Env) > 0 {
		// The wrapper decides the environment inside; pass ours through env(1).
		argv = append(argv, "env")
		argv = append(argv, baseEnv(slot, spec.Env)...)
	}
	argv = append(argv, spec.Argv...)

	cmd, err := command(ctx, argv, spec.Dir, baseEnv(slot, nil))
	if err != nil {
		return nil, sandboxFault(err, slot, "enter wrapper sandbox")
	}
	return cmd, nil
}

func (WrapperBoundary) ExitSandbox(_ context.Context, slot *Slot) error {
	if err := slot.reset(); err != nil {
		return sandboxFault(err, slot, "reset slot")
	}
	return nil
}
