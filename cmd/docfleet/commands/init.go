package commands

import (
	"fmt"

	"git.home.luguber.info/inful/docfleet/internal/config"
	"git.home.luguber.info/inful/docfleet/internal/store"
)

// InitCmd implements the 'init' command.
type InitCmd struct {
	Force bool `help:"Overwrite an existing configuration file"`
}

func (i *InitCmd) Run(g *Global, root *CLI) error {
	if err := config.Init(root.Config, i.Force); err != nil {
		return err
	}
	_, err := fmt.Fprintf(g.out(), "Wrote example configuration to %s\n", root.Config)
	return err
}

// InitDBCmd implements the 'init-db' command.
type InitDBCmd struct{}

func (InitDBCmd) Run(g *Global, root *CLI) error {
	cfg, err := loadConfig(g, root)
	if err != nil {
		return err
	}
	ctx, cancel := commandContext()
	defer cancel()

	st, err := store.OpenForMigration(ctx, cfg.Database.DSN, store.WithBusyTimeout(cfg.BusyTimeout()))
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()
	if err := st.Migrate(ctx); err != nil {
		return err
	}
	_, err = fmt.Fprintf(g.out(), "Metadata schema is up to date (%s)\n", st.Dialect())
	return err
}
