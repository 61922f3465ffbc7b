package config

// Default values; build limits follow the production builder of the package index.
const (
	DefaultPrefix          = "/var/lib/docfleet"
	DefaultTarget          = "x86_64-unknown-linux-gnu"
	DefaultBuildTimeout    = "15m"
	DefaultKillGrace       = "10s"
	DefaultMaxLogSize      = 100 * 1024
	DefaultMaxAttempts     = 3
	DefaultMaxMemory       = "3GiB"
	DefaultMaxTargets      = 10
	DefaultSlots           = 2
	DefaultUserPrefix      = "builder"
	DefaultUIDBase         = 20000
	DefaultPollInterval    = "60s"
	DefaultLeaseDuration   = "5m"
	DefaultReclaimInterval = "30s"
	DefaultStopTimeout     = "30s"
	DefaultRegistryURL     = "https://static.crates.io/crates/{package}/{package}-{version}.crate"
	DefaultHTTPTimeout     = "2m"
	DefaultMaxArchiveSize  = 512 * 1024 * 1024
	DefaultRescanInterval  = "10m"
	DefaultBusyTimeout     = "5s"
	DefaultRetryInitial    = "30s"
	DefaultRetryMax        = "30m"
	DefaultReleaseSubject  = "docfleet.releases"
	DefaultEventSubject    = "docfleet.builds"
	DefaultKVBucket        = "docfleet_artifacts"
)

// DefaultApplier applies defaults for a specific configuration domain.
type DefaultApplier interface {
	ApplyDefaults(cfg *Config) error
	Domain() string
}

// ApplyDefaults runs every domain applier in order.
func ApplyDefaults(cfg *Config) error {
	appliers := []DefaultApplier{
		pathsDefaults{},
		loggingDefaults{},
		buildDefaults{},
		sandboxDefaults{},
		schedulerDefaults{},
		sourceDefaults{},
		natsDefaults{},
	}
	for _, a := range appliers {
		if err := a.ApplyDefaults(cfg); err != nil {
			return err
		}
	}
	return nil
}

func setIfEmpty(dst *string, value string) {
	if *dst == "" {
		*dst = value
	}
}

type pathsDefaults struct{}

func (pathsDefaults) Domain() string { return "paths" }

func (pathsDefaults) ApplyDefaults(cfg *Config) error {
	setIfEmpty(&cfg.Prefix, DefaultPrefix)
	setIfEmpty(&cfg.Database.BusyTimeout, DefaultBusyTimeout)
	return nil
}

type loggingDefaults struct{}

func (loggingDefaults) Domain() string { return "logging" }

func (loggingDefaults) ApplyDefaults(cfg *Config) error {
	cfg.Logging.Level = NormalizeLogLevel(string(cfg.Logging.Level))
	cfg.Logging.Format = NormalizeLogFormat(string(cfg.Logging.Format))
	return nil
}

type buildDefaults struct{}

func (buildDefaults) Domain() string { return "build" }

func (buildDefaults) ApplyDefaults(cfg *Config) error {
	b := &cfg.Build
	setIfEmpty(&b.OutputDir, "{output}")
	setIfEmpty(&b.DefaultTarget, DefaultTarget)
	setIfEmpty(&b.Timeout, DefaultBuildTimeout)
	setIfEmpty(&b.KillGrace, DefaultKillGrace)
	if b.MaxLogSize <= 0 {
		b.MaxLogSize = DefaultMaxLogSize
	}
	if b.MaxAttempts <= 0 {
		b.MaxAttempts = DefaultMaxAttempts
	}
	setIfEmpty(&b.MaxMemory, DefaultMaxMemory)
	if b.MaxTargets <= 0 {
		b.MaxTargets = DefaultMaxTargets
	}
	setIfEmpty(&cfg.Retry.InitialDelay, DefaultRetryInitial)
	setIfEmpty(&cfg.Retry.MaxDelay, DefaultRetryMax)
	return nil
}

type sandboxDefaults struct{}

func (sandboxDefaults) Domain() string { return "sandbox" }

func (sandboxDefaults) ApplyDefaults(cfg *Config) error {
	s := &cfg.Sandbox
	if s.Slots <= 0 {
		s.Slots = DefaultSlots
	}
	if s.Boundary == "" {
		s.Boundary = BoundaryHost
	}
	setIfEmpty(&s.UserPrefix, DefaultUserPrefix)
	if s.UIDBase <= 0 {
		s.UIDBase = DefaultUIDBase
	}
	if s.GID <= 0 {
		s.GID = s.UIDBase
	}
	return nil
}

type schedulerDefaults struct{}

func (schedulerDefaults) Domain() string { return "scheduler" }

func (schedulerDefaults) ApplyDefaults(cfg *Config) error {
	s := &cfg.Scheduler
	setIfEmpty(&s.PollInterval, DefaultPollInterval)
	setIfEmpty(&s.LeaseDuration, DefaultLeaseDuration)
	setIfEmpty(&s.ReclaimInterval, DefaultReclaimInterval)
	setIfEmpty(&s.StopTimeout, DefaultStopTimeout)
	setIfEmpty(&cfg.Index.RescanInterval, DefaultRescanInterval)
	return nil
}

type sourceDefaults struct{}

func (sourceDefaults) Domain() string { return "source" }

func (sourceDefaults) ApplyDefaults(cfg *Config) error {
	setIfEmpty(&cfg.Source.RegistryURL, DefaultRegistryURL)
	setIfEmpty(&cfg.Source.HTTPTimeout, DefaultHTTPTimeout)
	if cfg.Source.MaxArchiveSize <= 0 {
		cfg.Source.MaxArchiveSize = DefaultMaxArchiveSize
	}
	return nil
}

type natsDefaults struct{}

func (natsDefaults) Domain() string { return "nats" }

func (natsDefaults) ApplyDefaults(cfg *Config) error {
	setIfEmpty(&cfg.NATS.ReleaseSubject, DefaultReleaseSubject)
	setIfEmpty(&cfg.NATS.EventSubject, DefaultEventSubject)
	setIfEmpty(&cfg.NATS.KVBucket, DefaultKVBucket)
	return nil
}
