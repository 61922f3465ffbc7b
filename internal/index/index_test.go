package index

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/docfleet/internal/store"
)

type fakeRecorder struct {
	mu       sync.Mutex
	releases map[string]store.SourceRef
	calls    int
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{releases: map[string]store.SourceRef{}}
}

func (f *fakeRecorder) RecordRelease(_ context.Context, pkg, version string, src store.SourceRef) (*store.Release, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	key := pkg + "@" + version
	_, exists := f.releases[key]
	if !exists {
		f.releases[key] = src
	}
	return &store.Release{Package: pkg, Version: version, Source: src}, !exists, nil
}

func (f *fakeRecorder) has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.releases[key]
	return ok
}

func writeIndexFile(t *testing.T, root, rel, content string) string {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestScanAll(t *testing.T) {
	root := t.TempDir()
	writeIndexFile(t, root, "config.json", `{"dl":"https://static.crates.io/crates"}`)
	writeIndexFile(t, root, "se/rd/serde", `{"name":"serde","vers":"1.0.0","cksum":"aaa","yanked":false}
{"name":"serde","vers":"1.0.1","cksum":"bbb","yanked":true}
{"name":"serde","vers":"1.0.2","cksum":"ccc","yanked":false}
`)
	writeIndexFile(t, root, "1/a", `{"name":"a","vers":"0.1.0","cksum":"ddd"}
not json
{"name":"../bad","vers":"1.0.0"}
`)
	writeIndexFile(t, root, ".git/HEAD", "ref: refs/heads/master")

	rec := newFakeRecorder()
	news := 0
	r := NewReader(root, rec, func() { news++ })

	res, err := r.ScanAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Files)
	assert.Equal(t, 3, res.Releases)
	assert.Equal(t, 3, res.New)
	assert.Equal(t, 2, res.Invalid)
	assert.Equal(t, 3, news)
	assert.Equal(t, "aaa", rec.releases["serde@1.0.0"].Checksum)
	assert.False(t, rec.has("serde@1.0.1"), "yanked versions are skipped")

	calls := rec.calls
	res, err = r.ScanAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Skipped)
	assert.Equal(t, calls, rec.calls, "unchanged files are not re-read")
}

func TestWatcherPicksUpChanges(t *testing.T) {
	root := t.TempDir()
	path := writeIndexFile(t, root, "se/rd/serde", `{"name":"serde","vers":"1.0.0","cksum":"aaa"}`+"\n")

	rec := newFakeRecorder()
	r := NewReader(root, rec, nil)
	_, err := r.ScanAll(context.Background())
	require.NoError(t, err)

	w, err := NewWatcher(r, 20*time.Millisecond)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"name":"serde","vers":"1.0.1","cksum":"bbb"}` + "\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	writeIndexFile(t, root, "to/ki/tokio", `{"name":"tokio","vers":"1.0.0","cksum":"ccc"}`+"\n")

	assert.Eventually(t, func() bool { return rec.has("serde@1.0.1") && rec.has("tokio@1.0.0") },
		5*time.Second, 20*time.Millisecond)
}
