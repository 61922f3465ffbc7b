package main

import (
	"log/slog"

	"github.com/alecthomas/kong"

	"git.home.luguber.info/inful/docfleet/cmd/docfleet/commands"
	ferrors "git.home.luguber.info/inful/docfleet/internal/foundation/errors"
	"git.home.luguber.info/inful/docfleet/internal/version"
)

func main() {
	var cli commands.CLI
	global := &commands.Global{}
	ctx := kong.Parse(&cli,
		kong.Name("docfleet"),
		kong.Description("Sandboxed documentation build orchestrator."),
		kong.UsageOnError(),
		kong.Vars{"version": version.String()},
		kong.Bind(global),
	)
	err := ctx.Run(global, &cli)
	_ = global.Close()
	logger := global.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ferrors.NewCLIErrorAdapter(cli.Verbose, logger).HandleError(err)
}
