package commands

import (
	"fmt"
	"math"
	"time"

	"github.com/dustin/go-humanize"

	"git.home.luguber.info/inful/docfleet/internal/daemon"
	ferrors "git.home.luguber.info/inful/docfleet/internal/foundation/errors"
	"git.home.luguber.info/inful/docfleet/internal/store"
)

// LimitsCmd implements the 'limits' command. Without flags it shows the
// package's overrides.
type LimitsCmd struct {
	Package    string        `arg:"" help:"Package name"`
	Memory     string        `help:"Memory cap, e.g. 6GiB"`
	Timeout    time.Duration `help:"Build timeout, at least 1s"`
	MaxTargets int           `name:"max-targets" help:"Targets built per release, including the default"`
	Clear      bool          `help:"Remove the overrides"`
}

func (l *LimitsCmd) Run(g *Global, root *CLI) error {
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

	switch {
	case l.Clear:
		if err := st.ClearOverrides(ctx, l.Package); err != nil {
			return err
		}
		_, err = fmt.Fprintf(g.out(), "Cleared limits of %s\n", l.Package)
		return err
	case l.Memory != "" || l.Timeout != 0 || l.MaxTargets != 0:
		o, err := st.GetOverrides(ctx, l.Package)
		if err != nil {
			return err
		}
		if l.Memory != "" {
			n, err := humanize.ParseBytes(l.Memory)
			if err != nil || n > math.MaxInt64 {
				return ferrors.ValidationError(fmt.Sprintf("invalid memory cap %q", l.Memory)).Build()
			}
			o.MemoryBytes = int64(n)
		}
		if l.Timeout != 0 {
			o.Timeout = l.Timeout
		}
		if l.MaxTargets != 0 {
			o.MaxTargets = l.MaxTargets
		}
		if err := st.SetOverrides(ctx, l.Package, o); err != nil {
			return err
		}
	}

	o, err := st.GetOverrides(ctx, l.Package)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(g.out(), "%s: %s\n", l.Package, describeOverrides(o))
	return err
}

func describeOverrides(o store.Overrides) string {
	if o.IsZero() {
		return "configured defaults"
	}
	memory, timeout, targets := "default", "default", "default"
	if o.MemoryBytes > 0 {
		memory = humanize.IBytes(uint64(o.MemoryBytes))
	}
	if o.Timeout > 0 {
		timeout = o.Timeout.String()
	}
	if o.MaxTargets > 0 {
		targets = fmt.Sprint(o.MaxTargets)
	}
	return fmt.Sprintf("memory %s, timeout %s, max targets %s", memory, timeout, targets)
}
