package artifact

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ferrors "git.home.luguber.info/inful/docfleet/internal/foundation/errors"
)

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, body := range files {
		p := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	}
	return dir
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func newStore(t *testing.T, mirror Mirror) *Store {
	t.Helper()
	s, err := New(Options{Root: t.TempDir(), Mirror: mirror})
	require.NoError(t, err)
	return s
}

func TestPublishAndSupersede(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, nil)

	v1 := writeTree(t, map[string]string{"demo/index.html": "v1", "demo/old.html": "gone later"})
	ref, err := s.Publish(ctx, "demo", "1.0.0", "x86_64-unknown-linux-gnu", v1)
	require.NoError(t, err)
	assert.Equal(t, Ref("demo/1.0.0/x86_64-unknown-linux-gnu"), ref)

	dir, err := s.Path(ref)
	require.NoError(t, err)
	assert.Equal(t, "v1", readFile(t, filepath.Join(dir, "demo", "index.html")))

	v2 := writeTree(t, map[string]string{"demo/index.html": "v2"})
	_, err = s.Publish(ctx, "demo", "1.0.0", "x86_64-unknown-linux-gnu", v2)
	require.NoError(t, err)
	assert.Equal(t, "v2", readFile(t, filepath.Join(dir, "demo", "index.html")))
	assert.NoFileExists(t, filepath.Join(dir, "demo", "old.html"))

	staging, err := os.ReadDir(filepath.Join(s.root, stagingDir))
	require.NoError(t, err)
	assert.Empty(t, staging, "superseded tree is removed")
}

func TestPublishFailureMidCopyLeavesPreviousTree(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, nil)

	v1 := writeTree(t, map[string]string{"a.html": "v1-a", "b.html": "v1-b"})
	ref, err := s.Publish(ctx, "demo", "1.0.0", "t", v1)
	require.NoError(t, err)

	v2 := writeTree(t, map[string]string{"a.html": "v2-a", "b.html": "v2-b"})
	s.beforeCopy = func(rel string) error {
		if rel == "b.html" {
			return errors.New("disk full")
		}
		return nil
	}
	_, err = s.Publish(ctx, "demo", "1.0.0", "t", v2)
	require.Error(t, err)
	assert.True(t, ferrors.HasCategory(err, ferrors.CategoryStorageFailure))

	dir, err := s.Path(ref)
	require.NoError(t, err)
	assert.Equal(t, "v1-a", readFile(t, filepath.Join(dir, "a.html")), "published tree untouched")
	assert.Equal(t, "v1-b", readFile(t, filepath.Join(dir, "b.html")))

	staging, err := os.ReadDir(filepath.Join(s.root, stagingDir))
	require.NoError(t, err)
	assert.Empty(t, staging, "partial staging removed")
}

func TestPublishFailureWithoutPreviousTreePublishesNothing(t *testing.T) {
	s := newStore(t, nil)
	s.beforeCopy = func(string) error { return errors.New("io error") }

	_, err := s.Publish(context.Background(), "fresh", "0.1.0", "t", writeTree(t, map[string]string{"index.html": "x"}))
	require.Error(t, err)

	_, err = s.Path(NewRef("fresh", "0.1.0", "t"))
	require.ErrorIs(t, err, ErrNotFound)
	assert.NoDirExists(t, filepath.Join(s.root, "fresh", "0.1.0", "t"))
}

func TestPublishRejectsBadCoordinates(t *testing.T) {
	s := newStore(t, nil)
	_, err := s.Publish(context.Background(), "demo", "1.0.0", "../escape", t.TempDir())
	require.Error(t, err)
	assert.True(t, ferrors.HasCategory(err, ferrors.CategoryValidation))

	_, err = s.Path("demo/../../etc")
	require.Error(t, err)
}

func TestRetract(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, nil)
	ref, err := s.Publish(ctx, "demo", "1.0.0", "t", writeTree(t, map[string]string{"index.html": "x"}))
	require.NoError(t, err)

	require.NoError(t, s.Retract(ctx, ref))
	_, err = s.Path(ref)
	require.ErrorIs(t, err, ErrNotFound)
	assert.NoDirExists(t, filepath.Join(s.root, "demo"), "empty parents pruned")

	err = s.Retract(ctx, ref)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSweepStaging(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, nil)
	old := filepath.Join(s.root, stagingDir, "crashed")
	require.NoError(t, os.MkdirAll(old, 0o755))
	past := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(old, past, past))
	fresh := filepath.Join(s.root, stagingDir, "in-progress")
	require.NoError(t, os.MkdirAll(fresh, 0o755))

	n, err := s.SweepStaging(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoDirExists(t, old)
	assert.DirExists(t, fresh)
}

func TestRenameAside(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a")
	b := filepath.Join(dir, "b")
	require.NoError(t, os.MkdirAll(a, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(a, "f"), []byte("new"), 0o644))
	require.NoError(t, os.MkdirAll(b, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(b, "f"), []byte("old"), 0o644))

	require.NoError(t, renameAside(a, b))
	assert.Equal(t, "new", readFile(t, filepath.Join(b, "f")))
	assert.Equal(t, "old", readFile(t, filepath.Join(a, "f")))
}
