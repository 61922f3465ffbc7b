package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Environment variables that override file values after expansion.
const (
	EnvPrefix      = "DOCFLEET_PREFIX"
	EnvDatabaseURL = "DOCFLEET_DATABASE_URL"
	EnvLogLevel    = "DOCFLEET_LOG_LEVEL"
)

// Config is the docfleet process configuration.
type Config struct {
	Version   string          `yaml:"version"`
	Prefix    string          `yaml:"prefix"`
	Paths     PathsConfig     `yaml:"paths"`
	Database  DatabaseConfig  `yaml:"database"`
	Logging   LoggingConfig   `yaml:"logging"`
	Build     BuildConfig     `yaml:"build"`
	Retry     RetryConfig     `yaml:"retry"`
	Sandbox   SandboxConfig   `yaml:"sandbox"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Source    SourceConfig    `yaml:"source"`
	Artifacts ArtifactsConfig `yaml:"artifacts"`
	Index     IndexConfig     `yaml:"index"`
	NATS      NATSConfig      `yaml:"nats"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// Load reads the configuration file, expands environment references, applies
// overrides and defaults, and validates the result.
func Load(configPath string) (*Config, error) {
	loadEnvFiles()

	data, err := os.ReadFile(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("configuration file not found: %s", configPath)
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse builds a Config from YAML content.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	applyEnvOverrides(&cfg)
	if err := ApplyDefaults(&cfg); err != nil {
		return nil, err
	}
	if err := ValidateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv(EnvPrefix); v != "" {
		cfg.Prefix = v
	}
	if v := os.Getenv(EnvDatabaseURL); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.Logging.Level = LogLevel(v)
	}
}

// Init writes an example configuration file.
func Init(configPath string, force bool) error {
	if _, err := os.Stat(configPath); err == nil && !force {
		return fmt.Errorf("configuration file already exists: %s (use --force to overwrite)", configPath)
	}

	example := Config{
		Version:  "1",
		Prefix:   "/var/lib/docfleet",
		Database: DatabaseConfig{DSN: "${DOCFLEET_DATABASE_URL}"},
		Logging:  LoggingConfig{Level: LogLevelInfo, Format: LogFormatText},
		Build: BuildConfig{
			Command:       []string{"cargo", "doc", "--no-deps", "--target", "{target}", "--target-dir", "{output}"},
			OutputDir:     "{output}/{target}/doc",
			DefaultTarget: "x86_64-unknown-linux-gnu",
			Timeout:       "15m",
			MaxAttempts:   3,
			MaxMemory:     DefaultMaxMemory,
			MaxTargets:    DefaultMaxTargets,
		},
		Sandbox: SandboxConfig{Slots: 2, Boundary: BoundaryHost, UserPrefix: "builder"},
	}
	out, err := yaml.Marshal(&example)
	if err != nil {
		return fmt.Errorf("failed to marshal example config: %w", err)
	}
	if err := os.WriteFile(configPath, out, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
