package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"

	ferrors "git.home.luguber.info/inful/docfleet/internal/foundation/errors"
)

// ValidateConfig checks a defaulted configuration.
func ValidateConfig(cfg *Config) error {
	v := &configurationValidator{config: cfg}
	if err := v.validate(); err != nil {
		return ferrors.WrapError(err, ferrors.CategoryConfig, "invalid configuration").Fatal().Build()
	}
	return nil
}

type configurationValidator struct {
	config *Config
}

func (cv *configurationValidator) validate() error {
	for _, check := range []func() error{
		cv.validateDatabase,
		cv.validateBuild,
		cv.validateRetry,
		cv.validateSandbox,
		cv.validateDurations,
		cv.validateArtifacts,
	} {
		if err := check(); err != nil {
			return err
		}
	}
	return nil
}

func (cv *configurationValidator) validateDatabase() error {
	if cv.config.Database.DSN == "" {
		return errors.New("database.dsn is required")
	}
	return nil
}

func (cv *configurationValidator) validateBuild() error {
	b := cv.config.Build
	if len(b.Command) == 0 {
		return errors.New("build.command must name the documentation tool")
	}
	if b.MaxAttempts < 1 {
		return fmt.Errorf("build.max_attempts must be >= 1, got %d", b.MaxAttempts)
	}
	if _, err := humanize.ParseBytes(b.MaxMemory); err != nil {
		return fmt.Errorf("build.max_memory: %w", err)
	}
	if len(b.ExtraTargets) >= b.MaxTargets {
		return fmt.Errorf("build.extra_targets lists %d targets, max_targets %d leaves room for %d",
			len(b.ExtraTargets), b.MaxTargets, b.MaxTargets-1)
	}
	return nil
}

func (cv *configurationValidator) validateRetry() error {
	mode, err := retryBackoffNormalizer.NormalizeWithError(string(cv.config.Retry.Backoff))
	if err != nil {
		return fmt.Errorf("retry.backoff: %w", err)
	}
	cv.config.Retry.Backoff = mode
	return nil
}

func (cv *configurationValidator) validateSandbox() error {
	s := &cv.config.Sandbox
	kind, err := boundaryNormalizer.NormalizeWithError(string(s.Boundary))
	if err != nil {
		return fmt.Errorf("sandbox.boundary: %w", err)
	}
	s.Boundary = kind
	if kind == BoundaryWrapper && len(s.Wrapper) == 0 {
		return errors.New("sandbox.wrapper is required for the wrapper boundary")
	}
	return nil
}

func (cv *configurationValidator) validateDurations() error {
	c := cv.config
	fields := []struct {
		name string
		raw  string
	}{
		{"build.timeout", c.Build.Timeout},
		{"build.kill_grace", c.Build.KillGrace},
		{"scheduler.poll_interval", c.Scheduler.PollInterval},
		{"scheduler.lease_duration", c.Scheduler.LeaseDuration},
		{"scheduler.reclaim_interval", c.Scheduler.ReclaimInterval},
		{"scheduler.stop_timeout", c.Scheduler.StopTimeout},
		{"source.http_timeout", c.Source.HTTPTimeout},
		{"index.rescan_interval", c.Index.RescanInterval},
		{"database.busy_timeout", c.Database.BusyTimeout},
		{"retry.initial_delay", c.Retry.InitialDelay},
		{"retry.max_delay", c.Retry.MaxDelay},
	}
	for _, f := range fields {
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("%s: %w", f.name, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive", f.name)
		}
	}
	if c.LeaseDuration() < 3*time.Second {
		return errors.New("scheduler.lease_duration must be at least 3s")
	}
	return nil
}

func (cv *configurationValidator) validateArtifacts() error {
	if s3 := cv.config.Artifacts.S3; s3 != nil && s3.Bucket == "" {
		return errors.New("artifacts.s3.bucket is required when the mirror is configured")
	}
	return nil
}
