package observability

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	slogmulti "github.com/samber/slog-multi"
)

// LoggingOptions selects the process-wide slog handler.
type LoggingOptions struct {
	Level  slog.Level
	JSON   bool      // JSON on the console instead of text
	File   string    // optional JSON log file, fanned out next to the console
	Writer io.Writer // console writer, defaults to stderr
}

// SetupLogging installs the default slog logger and returns a cleanup func
// closing the log file, if any.
func SetupLogging(opts LoggingOptions) (*slog.Logger, func() error, error) {
	w := opts.Writer
	if w == nil {
		w = os.Stderr
	}
	handlerOpts := &slog.HandlerOptions{Level: opts.Level}

	var console slog.Handler
	if opts.JSON {
		console = slog.NewJSONHandler(w, handlerOpts)
	} else {
		console = slog.NewTextHandler(w, handlerOpts)
	}

	noop := func() error { return nil }
	if opts.File == "" {
		logger := slog.New(console)
		slog.SetDefault(logger)
		return logger, noop, nil
	}

	if err := os.MkdirAll(filepath.Dir(opts.File), 0o750); err != nil {
		return nil, noop, fmt.Errorf("create log directory: %w", err)
	}
	file, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, noop, fmt.Errorf("open log file: %w", err)
	}
	logger := slog.New(slogmulti.Fanout(console, slog.NewJSONHandler(file, handlerOpts)))
	slog.SetDefault(logger)
	return logger, file.Close, nil
}
