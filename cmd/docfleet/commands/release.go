package commands

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"git.home.luguber.info/inful/docfleet/internal/daemon"
	"git.home.luguber.info/inful/docfleet/internal/store"
)

// commandContext is cancelled by SIGINT or SIGTERM.
func commandContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// AddReleaseCmd implements the 'add-release' command.
type AddReleaseCmd struct {
	Package  string `arg:"" help:"Package name"`
	Version  string `arg:"" help:"Package version"`
	Location string `help:"Source location (https://, file:// or git+ URL); defaults to the registry"`
	Checksum string `help:"Expected sha256 of the source archive"`
}

func (a *AddReleaseCmd) Run(g *Global, root *CLI) error {
	cfg, err := loadConfig(g, root)
	if err != nil {
		return err
	}
	ctx, cancel := commandContext()
	defer cancel()

	st, err := daemon.OpenStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	rel, created, err := st.RecordRelease(ctx, a.Package, a.Version,
		store.SourceRef{Location: a.Location, Checksum: a.Checksum})
	if err != nil {
		return err
	}
	if created {
		_, err = fmt.Fprintf(g.out(), "Recorded %s\n", rel)
	} else {
		_, err = fmt.Fprintf(g.out(), "%s was already recorded\n", rel)
	}
	return err
}

// RequeueCmd implements the 'requeue' command.
type RequeueCmd struct {
	Package string `arg:"" help:"Package name"`
	Version string `arg:"" help:"Package version"`
	Target  string `help:"Build target; defaults to the target of the latest attempt"`
}

func (r *RequeueCmd) Run(g *Global, root *CLI) error {
	cfg, err := loadConfig(g, root)
	if err != nil {
		return err
	}
	ctx, cancel := commandContext()
	defer cancel()

	st, err := daemon.OpenStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	rq, err := st.Requeue(ctx, r.Package, r.Version, r.Target)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(g.out(), "Queued attempt %d (#%d) of %s@%s\n", rq.AttemptID, rq.AttemptNo, r.Package, r.Version)
	return err
}
