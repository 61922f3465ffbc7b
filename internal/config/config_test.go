package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ferrors "git.home.luguber.info/inful/docfleet/internal/foundation/errors"
)

const minimalYAML = `
prefix: /srv/docfleet
database:
  dsn: sqlite:///srv/docfleet/meta.db
build:
  command: ["cargo", "doc", "--no-deps"]
`

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML))
	require.NoError(t, err)

	assert.Equal(t, 15*time.Minute, cfg.BuildTimeout())
	assert.Equal(t, DefaultMaxLogSize, cfg.Build.MaxLogSize)
	assert.Equal(t, 3, cfg.Build.MaxAttempts)
	assert.Equal(t, DefaultTarget, cfg.Build.DefaultTarget)
	assert.Equal(t, BoundaryHost, cfg.Sandbox.Boundary)
	assert.Equal(t, DefaultSlots, cfg.Sandbox.Slots)
	assert.Equal(t, RetryBackoffExponential, cfg.Retry.Backoff)
	assert.Equal(t, LogLevelInfo, cfg.Logging.Level)
	assert.Equal(t, filepath.Join("/srv/docfleet", "artifacts"), cfg.ArtifactsDir())
	assert.Equal(t, filepath.Join("/srv/docfleet", "sources"), cfg.SourcesDir())
	assert.Equal(t, 5*time.Minute, cfg.LeaseDuration())
	assert.False(t, cfg.NATS.Enabled())
}

func TestParseExpandsEnvironment(t *testing.T) {
	t.Setenv("TEST_DOCFLEET_DSN", "postgres://docs@db/docfleet")
	cfg, err := Parse([]byte(`
database:
  dsn: ${TEST_DOCFLEET_DSN}
build:
  command: ["true"]
`))
	require.NoError(t, err)
	assert.Equal(t, "postgres://docs@db/docfleet", cfg.Database.DSN)
}

func TestEnvOverridesWin(t *testing.T) {
	t.Setenv(EnvDatabaseURL, "sqlite:///tmp/override.db")
	t.Setenv(EnvPrefix, "/opt/docs")
	t.Setenv(EnvLogLevel, "DEBUG")

	cfg, err := Parse([]byte(minimalYAML))
	require.NoError(t, err)
	assert.Equal(t, "sqlite:///tmp/override.db", cfg.Database.DSN)
	assert.Equal(t, "/opt/docs", cfg.Prefix)
	assert.Equal(t, LogLevelDebug, cfg.Logging.Level)
}

func TestValidationErrors(t *testing.T) {
	cases := map[string]string{
		"missing dsn":     `build: {command: ["true"]}`,
		"missing command": `database: {dsn: x.db}`,
		"bad boundary": `
database: {dsn: x.db}
build: {command: ["true"]}
sandbox: {boundary: chroot}`,
		"wrapper without argv": `
database: {dsn: x.db}
build: {command: ["true"]}
sandbox: {boundary: wrapper}`,
		"bad duration": `
database: {dsn: x.db}
build: {command: ["true"], timeout: soon}`,
		"bad memory": `
database: {dsn: x.db}
build: {command: ["true"], max_memory: lots}`,
		"too many targets": `
database: {dsn: x.db}
build: {command: ["true"], max_targets: 2, extra_targets: [a, b]}`,
		"bucket missing": `
database: {dsn: x.db}
build: {command: ["true"]}
artifacts: {s3: {region: eu-west-1}}`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			require.Error(t, err)
			assert.True(t, ferrors.HasCategory(err, ferrors.CategoryConfig))
		})
	}
}

func TestBuildLimits(t *testing.T) {
	cfg, err := Parse([]byte(`
database: {dsn: x.db}
build: {command: ["true"]}`))
	require.NoError(t, err)
	assert.Equal(t, int64(3<<30), cfg.MaxMemoryBytes())
	assert.Equal(t, 10, cfg.Build.MaxTargets)

	cfg, err = Parse([]byte(`
database: {dsn: x.db}
build: {command: ["true"], max_memory: "0", max_targets: 3, extra_targets: [a, b]}`))
	require.NoError(t, err)
	assert.Zero(t, cfg.MaxMemoryBytes())
	assert.Equal(t, 3, cfg.Build.MaxTargets)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "configuration file not found")
}

func TestInitWritesLoadableExample(t *testing.T) {
	path := filepath.Join(t.TempDir(), "docfleet.yaml")
	require.NoError(t, Init(path, false))
	require.Error(t, Init(path, false))
	require.NoError(t, Init(path, true))

	t.Setenv("DOCFLEET_DATABASE_URL", "sqlite:///tmp/example.db")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "x86_64-unknown-linux-gnu", cfg.Build.DefaultTarget)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestSlogLevel(t *testing.T) {
	assert.Equal(t, "DEBUG", LogLevel("debug").SlogLevel().String())
	assert.Equal(t, "WARN", LogLevel("warning").SlogLevel().String())
	assert.Equal(t, "INFO", LogLevel("bogus").SlogLevel().String())
}
