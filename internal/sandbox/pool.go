package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"sync/atomic"

	ferrors "git.home.luguber.info/inful/docfleet/internal/foundation/errors"
	"git.home.luguber.info/inful/docfleet/internal/logfields"
	"git.home.luguber.info/inful/docfleet/internal/metrics"
)

// Options sizes the pool and derives slot identities.
type Options struct {
	Root       string
	Size       int
	UserPrefix string
	UIDBase    int
	GID        int
	Metrics    metrics.Recorder
}

// Pool lends slots to builds. Its size never changes after NewPool.
type Pool struct {
	slots    []*Slot
	free     chan *Slot
	boundary Boundary
	busy     atomic.Int32
	recorder metrics.Recorder
}

// NewPool creates Size slots under Root; slot i runs as <prefix><i> with uid
// UIDBase+i.
func NewPool(opts Options, boundary Boundary) (*Pool, error) {
	if opts.Size <= 0 {
		return nil, ferrors.ConfigError("sandbox pool needs at least one slot").Build()
	}
	if boundary == nil {
		boundary = HostBoundary{}
	}
	gid := opts.GID
	if gid == 0 {
		gid = opts.UIDBase
	}

	p := &Pool{
		slots:    make([]*Slot, opts.Size),
		free:     make(chan *Slot, opts.Size),
		boundary: boundary,
		recorder: metrics.OrNoop(opts.Metrics),
	}
	for i := range opts.Size {
		root := filepath.Join(opts.Root, fmt.Sprintf("slot-%d", i))
		s := &Slot{
			Index: i,
			Identity: Identity{
				Name: fmt.Sprintf("%s%d", opts.UserPrefix, i),
				UID:  opts.UIDBase + i,
				GID:  gid,
				Home: filepath.Join(root, "home"),
			},
			Root: root,
		}
		if err := s.prepare(); err != nil {
			return nil, ferrors.WrapError(err, ferrors.CategorySandboxFault, "prepare slot").
				WithContext("slot", i).Build()
		}
		// A slot left dirty by a crash is cleaned before first use.
		if err := boundary.ExitSandbox(context.Background(), s); err != nil {
			return nil, err
		}
		p.slots[i] = s
		p.free <- s
	}
	slog.Info("Sandbox pool ready", logfields.Count(opts.Size), slog.String("boundary", boundary.Name()))
	return p, nil
}

// Acquire blocks until a slot is free or ctx is done.
func (p *Pool) Acquire(ctx context.Context) (*Slot, error) {
	select {
	case s := <-p.free:
		p.lent()
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryAcquire returns a free slot without blocking.
func (p *Pool) TryAcquire() (*Slot, bool) {
	select {
	case s := <-p.free:
		p.lent()
		return s, true
	default:
		return nil, false
	}
}

// Release cleans the slot through the boundary and returns it to the pool.
// The slot goes back even when cleanup fails; the error is reported so the
// caller can raise it, and the next cleanup retries the reset.
func (p *Pool) Release(ctx context.Context, s *Slot) error {
	err := p.boundary.ExitSandbox(context.WithoutCancel(ctx), s)
	if err != nil {
		slog.ErrorContext(ctx, "Sandbox cleanup failed", logfields.Slot(s.Index), logfields.Alert(), logfields.Error(err))
	}
	p.recorder.SetBusySlots(int(p.busy.Add(-1)))
	p.free <- s
	return err
}

// Reset cleans a slot that stays lent, between two builds of one attempt.
func (p *Pool) Reset(ctx context.Context, s *Slot) error {
	return p.boundary.ExitSandbox(ctx, s)
}

// Command returns an unstarted process that runs spec inside the slot.
func (p *Pool) Command(ctx context.Context, s *Slot, spec ProcessSpec) (*exec.Cmd, error) {
	return p.boundary.EnterSandbox(ctx, s, spec)
}

// Limit applies the resource limits of spec to a started process. The limit
// is set right after start and is inherited by everything the process forks.
func (p *Pool) Limit(s *Slot, pid int, spec ProcessSpec) error {
	if spec.MemoryLimit <= 0 {
		return nil
	}
	if err := limitMemory(pid, spec.MemoryLimit); err != nil {
		return ferrors.SandboxFault("limit build memory").
			WithCause(err).
			WithContext("slot", s.Index).
			WithContext("bytes", spec.MemoryLimit).
			Build()
	}
	return nil
}

// Busy is the number of slots currently lent out.
func (p *Pool) Busy() int { return int(p.busy.Load()) }

// Size is the fixed number of slots.
func (p *Pool) Size() int { return len(p.slots) }

// Slots returns every slot, free or busy, for status reporting.
func (p *Pool) Slots() []*Slot { return append([]*Slot(nil), p.slots...) }

func (p *Pool) lent() {
	p.recorder.SetBusySlots(int(p.busy.Add(1)))
}
