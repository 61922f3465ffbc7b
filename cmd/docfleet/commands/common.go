// Package commands implements the docfleet command line.
package commands

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/alecthomas/kong"

	"git.home.luguber.info/inful/docfleet/internal/config"
	"git.home.luguber.info/inful/docfleet/internal/observability"
)

// Global is shared by every subcommand.
type Global struct {
	Logger *slog.Logger
	// Out receives command output; stdout when nil.
	Out io.Writer

	closeLog func() error
}

func (g *Global) out() io.Writer {
	if g.Out == nil {
		return os.Stdout
	}
	return g.Out
}

// CLI is the root command with its global flags.
type CLI struct {
	Config  string           `short:"c" help:"Configuration file path" default:"docfleet.yaml" env:"DOCFLEET_CONFIG"`
	Verbose bool             `short:"v" help:"Enable debug logging"`
	Version kong.VersionFlag `name:"version" help:"Show version and exit"`

	Init       InitCmd       `cmd:"" help:"Write an example configuration file"`
	InitDB     InitDBCmd     `cmd:"" name:"init-db" help:"Create or upgrade the metadata schema"`
	Daemon     DaemonCmd     `cmd:"" help:"Run the build scheduler"`
	AddRelease AddReleaseCmd `cmd:"" name:"add-release" help:"Record a release for building"`
	Requeue    RequeueCmd    `cmd:"" help:"Queue a fresh build of a release"`
	Status     StatusCmd     `cmd:"" help:"Show queue state or the attempts of one release"`
	Retract    RetractCmd    `cmd:"" help:"Remove a published artifact"`
	Limits     LimitsCmd     `cmd:"" help:"Show or change the sandbox limits of a package"`
}

// AfterApply installs a console logger once flags are parsed. Commands that
// load a configuration refine it with the logging section.
func (c *CLI) AfterApply(g *Global) error {
	level := config.NormalizeLogLevel(os.Getenv(config.EnvLogLevel)).SlogLevel()
	if c.Verbose {
		level = slog.LevelDebug
	}
	logger, closeLog, err := observability.SetupLogging(observability.LoggingOptions{Level: level})
	if err != nil {
		return err
	}
	g.Logger, g.closeLog = logger, closeLog
	return nil
}

// loadConfig reads the configuration and applies its logging section.
func loadConfig(g *Global, root *CLI) (*config.Config, error) {
	cfg, err := config.Load(root.Config)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	level := cfg.Logging.Level.SlogLevel()
	if root.Verbose {
		level = slog.LevelDebug
	}
	logger, closeLog, err := observability.SetupLogging(observability.LoggingOptions{
		Level: level,
		JSON:  config.NormalizeLogFormat(string(cfg.Logging.Format)) == config.LogFormatJSON,
		File:  cfg.Logging.File,
	})
	if err != nil {
		return nil, err
	}
	if g.closeLog != nil {
		_ = g.closeLog()
	}
	g.Logger, g.closeLog = logger, closeLog
	return cfg, nil
}

// Close flushes the log file, if any.
func (g *Global) Close() error {
	if g.closeLog == nil {
		return nil
	}
	return g.closeLog()
}
