package commands

import (
	"context"
	"os/signal"
	"syscall"

	"git.home.luguber.info/inful/docfleet/internal/daemon"
)

// DaemonCmd implements the 'daemon' command.
type DaemonCmd struct {
	Drain bool `help:"Build everything pending, then exit"`
}

func (d *DaemonCmd) Run(g *Global, root *CLI) error {
	cfg, err := loadConfig(g, root)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	dm, err := daemon.New(ctx, cfg, daemon.Options{Drain: d.Drain})
	if err != nil {
		return err
	}
	defer func() { _ = dm.Close() }()
	return dm.Run(ctx)
}
