package commands

import (
	"errors"
	"fmt"

	"git.home.luguber.info/inful/docfleet/internal/artifact"
	"git.home.luguber.info/inful/docfleet/internal/daemon"
	"git.home.luguber.info/inful/docfleet/internal/metrics"
	"git.home.luguber.info/inful/docfleet/internal/store"
)

// RetractCmd implements the 'retract' command. The retraction is recorded in
// the metadata store before the published tree is removed.
type RetractCmd struct {
	Package string `arg:"" help:"Package name"`
	Version string `arg:"" help:"Package version"`
	Target  string `help:"Build target; defaults to the configured default target"`
}

func (r *RetractCmd) Run(g *Global, root *CLI) error {
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
	arts, err := daemon.OpenArtifacts(ctx, cfg, metrics.NoopRecorder{})
	if err != nil {
		return err
	}
	target := r.Target
	if target == "" {
		target = cfg.Build.DefaultTarget
	}
	ref := artifact.NewRef(r.Package, r.Version, target)
	if _, err := st.RetractArtifact(ctx, r.Package, r.Version, target); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if err := arts.Retract(ctx, ref); err != nil {
		return err
	}
	_, err = fmt.Fprintf(g.out(), "Retracted %s\n", ref)
	return err
}
