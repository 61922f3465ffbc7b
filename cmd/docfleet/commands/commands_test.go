package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alecthomas/kong"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/docfleet/internal/artifact"
	"git.home.luguber.info/inful/docfleet/internal/config"
	"git.home.luguber.info/inful/docfleet/internal/daemon"
	ferrors "git.home.luguber.info/inful/docfleet/internal/foundation/errors"
	"git.home.luguber.info/inful/docfleet/internal/metrics"
	"git.home.luguber.info/inful/docfleet/internal/store"
)

// run parses args and executes the selected command, returning its output.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var cli CLI
	var out bytes.Buffer
	global := &Global{Out: &out}
	parser, err := kong.New(&cli,
		kong.Name("docfleet"),
		kong.Vars{"version": "test"},
		kong.Bind(global),
		kong.Exit(func(int) { t.Fatal("unexpected exit") }),
	)
	require.NoError(t, err)
	kctx, err := parser.Parse(args)
	require.NoError(t, err)
	err = kctx.Run(global, &cli)
	_ = global.Close()
	return out.String(), err
}

func writeConfig(t *testing.T) string {
	t.Helper()
	prefix := t.TempDir()
	path := filepath.Join(prefix, "docfleet.yaml")
	yml := fmt.Sprintf(`
prefix: %[1]s
database:
  dsn: sqlite://%[1]s/meta.db
build:
  command: ["/bin/true", "{output}"]
  default_target: x86_64-unknown-linux-gnu
`, prefix)
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o600))
	return path
}

func TestInitWritesConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "docfleet.yaml")

	out, err := run(t, "-c", path, "init")
	require.NoError(t, err)
	assert.Contains(t, out, path)
	assert.FileExists(t, path)

	_, err = run(t, "-c", path, "init")
	require.Error(t, err)

	_, err = run(t, "-c", path, "init", "--force")
	require.NoError(t, err)
}

func TestCommandsNeedSchema(t *testing.T) {
	cfg := writeConfig(t)

	_, err := run(t, "-c", cfg, "status")
	require.ErrorIs(t, err, store.ErrSchemaMissing)
	assert.True(t, ferrors.HasCategory(err, ferrors.CategoryDatabase))
}

func TestReleaseLifecycle(t *testing.T) {
	cfg := writeConfig(t)

	out, err := run(t, "-c", cfg, "init-db")
	require.NoError(t, err)
	assert.Contains(t, out, "sqlite")

	out, err = run(t, "-c", cfg, "add-release", "serde", "1.0.0")
	require.NoError(t, err)
	assert.Contains(t, out, "Recorded serde@1.0.0")

	out, err = run(t, "-c", cfg, "add-release", "serde", "1.0.0")
	require.NoError(t, err)
	assert.Contains(t, out, "already recorded")

	_, err = run(t, "-c", cfg, "add-release", "serde", "../etc")
	require.Error(t, err)

	out, err = run(t, "-c", cfg, "status", "--json")
	require.NoError(t, err)
	var stats store.QueueStats
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	assert.Equal(t, 1, stats.Pending)

	out, err = run(t, "-c", cfg, "requeue", "serde", "1.0.0")
	require.NoError(t, err)
	assert.Contains(t, out, "serde@1.0.0")

	// A queued attempt cannot be queued again.
	_, err = run(t, "-c", cfg, "requeue", "serde", "1.0.0")
	require.Error(t, err)

	out, err = run(t, "-c", cfg, "status", "serde", "1.0.0", "--json")
	require.NoError(t, err)
	var rs releaseStatus
	require.NoError(t, json.Unmarshal([]byte(out), &rs))
	require.Len(t, rs.Attempts, 1)
	assert.Equal(t, string(store.StatusQueued), rs.Attempts[0].Status)
	assert.Equal(t, "x86_64-unknown-linux-gnu", rs.Attempts[0].Target)
	assert.Empty(t, rs.LatestArtifact)

	out, err = run(t, "-c", cfg, "status", "serde", "1.0.0")
	require.NoError(t, err)
	assert.Contains(t, out, "latest artifact: none")
	assert.Contains(t, out, "queued")
}

func TestStatusNeedsBothCoordinates(t *testing.T) {
	cfg := writeConfig(t)
	_, err := run(t, "-c", cfg, "status", "serde")
	require.Error(t, err)
}

func TestRetractUnknownArtifact(t *testing.T) {
	cfg := writeConfig(t)
	_, err := run(t, "-c", cfg, "init-db")
	require.NoError(t, err)

	_, err = run(t, "-c", cfg, "retract", "serde", "1.0.0")
	require.ErrorIs(t, err, artifact.ErrNotFound)
}

func TestRetractClearsLatestArtifact(t *testing.T) {
	ctx := context.Background()
	path := writeConfig(t)
	_, err := run(t, "-c", path, "init-db")
	require.NoError(t, err)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	st, err := daemon.OpenStore(ctx, cfg)
	require.NoError(t, err)
	defer func() { _ = st.Close() }()
	arts, err := daemon.OpenArtifacts(ctx, cfg, metrics.NoopRecorder{})
	require.NoError(t, err)

	_, _, err = st.RecordRelease(ctx, "serde", "1.0.0", store.SourceRef{})
	require.NoError(t, err)
	claim, err := st.ClaimNextPending(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claim)
	require.NoError(t, st.MarkRunning(ctx, claim.Attempt.ID))

	out := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(out, "index.html"), []byte("<html></html>"), 0o644))
	ref, err := arts.Publish(ctx, "serde", "1.0.0", claim.Attempt.Target, out)
	require.NoError(t, err)
	require.NoError(t, st.MarkSucceeded(ctx, claim.Attempt.ID, ref.String(), ""))

	text, err := run(t, "-c", path, "retract", "serde", "1.0.0")
	require.NoError(t, err)
	assert.Contains(t, text, "Retracted")

	_, err = st.LatestSuccessful(ctx, "serde", "1.0.0")
	require.ErrorIs(t, err, store.ErrNotFound)

	text, err = run(t, "-c", path, "status", "serde", "1.0.0")
	require.NoError(t, err)
	assert.Contains(t, text, "latest artifact: none")
}

func TestLimitsOverrides(t *testing.T) {
	cfg := writeConfig(t)
	_, err := run(t, "-c", cfg, "init-db")
	require.NoError(t, err)

	out, err := run(t, "-c", cfg, "limits", "servo")
	require.NoError(t, err)
	assert.Contains(t, out, "configured defaults")

	out, err = run(t, "-c", cfg, "limits", "servo", "--memory", "6GiB", "--timeout", "45m")
	require.NoError(t, err)
	assert.Contains(t, out, "memory 6.0 GiB, timeout 45m0s, max targets default")

	out, err = run(t, "-c", cfg, "limits", "servo", "--max-targets", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "memory 6.0 GiB, timeout 45m0s, max targets 2")

	_, err = run(t, "-c", cfg, "limits", "servo", "--memory", "lots")
	require.Error(t, err)
	assert.True(t, ferrors.HasCategory(err, ferrors.CategoryValidation))

	_, err = run(t, "-c", cfg, "limits", "servo", "--timeout", "10ms")
	require.Error(t, err)

	out, err = run(t, "-c", cfg, "limits", "servo", "--clear")
	require.NoError(t, err)
	assert.Contains(t, out, "Cleared")
	out, err = run(t, "-c", cfg, "limits", "servo")
	require.NoError(t, err)
	assert.Contains(t, out, "configured defaults")
}
