package source

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ferrors "git.home.luguber.info/inful/docfleet/internal/foundation/errors"
	"git.home.luguber.info/inful/docfleet/internal/store"
)

type tarEntry struct {
	name     string
	body     string
	typeflag byte
	link     string
}

func makeTarGz(t *testing.T, entries []tarEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for _, e := range entries {
		hdr := &tar.Header{Name: e.name, Mode: 0o644, Size: int64(len(e.body)), Typeflag: e.typeflag, Linkname: e.link}
		if e.typeflag == 0 {
			hdr.Typeflag = tar.TypeReg
		}
		if hdr.Typeflag != tar.TypeReg {
			hdr.Size = 0
		}
		require.NoError(t, tw.WriteHeader(hdr))
		if hdr.Typeflag == tar.TypeReg {
			_, err := tw.Write([]byte(e.body))
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

func crate() []tarEntry {
	return []tarEntry{
		{name: "demo-1.0.0/", typeflag: tar.TypeDir},
		{name: "demo-1.0.0/Cargo.toml", body: "[package]\nname = \"demo\"\n"},
		{name: "demo-1.0.0/src/lib.rs", body: "//! Demo crate\n"},
	}
}

func registry(t *testing.T, archives map[string][]byte) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		data, ok := archives[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(data)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func newFetcher(t *testing.T, registryURL string) *Fetcher {
	t.Helper()
	f, err := New(Options{Root: t.TempDir(), RegistryURL: registryURL, MaxArchiveSize: 1 << 20})
	require.NoError(t, err)
	return f
}

func release(pkg, version string, src store.SourceRef) store.Release {
	return store.Release{Package: pkg, Version: version, Source: src}
}

func TestFetchFromRegistryAndCache(t *testing.T) {
	data := makeTarGz(t, crate())
	srv, hits := registry(t, map[string][]byte{"/demo/demo-1.0.0.crate": data})
	f := newFetcher(t, srv.URL+"/{package}/{package}-{version}.crate")
	rel := release("demo", "1.0.0", store.SourceRef{Checksum: sum(data)})

	path, err := f.Fetch(context.Background(), rel)
	require.NoError(t, err)
	assert.Equal(t, f.Path("demo", "1.0.0"), path)

	lib, err := os.ReadFile(filepath.Join(path, "src", "lib.rs"))
	require.NoError(t, err)
	assert.Equal(t, "//! Demo crate\n", string(lib))
	assert.FileExists(t, filepath.Join(path, markerFile))

	again, err := f.Fetch(context.Background(), rel)
	require.NoError(t, err)
	assert.Equal(t, path, again)
	assert.EqualValues(t, 1, hits.Load(), "second fetch is served from cache")

	entries, err := os.ReadDir(filepath.Join(f.root, tmpDir))
	require.NoError(t, err)
	assert.Empty(t, entries, "temp dirs are cleaned up")
}

func TestFetchChecksumMismatchIsSourceUnavailable(t *testing.T) {
	data := makeTarGz(t, crate())
	srv, _ := registry(t, map[string][]byte{"/demo.crate": data})
	f := newFetcher(t, "")
	rel := release("demo", "1.0.0", store.SourceRef{Location: srv.URL + "/demo.crate", Checksum: sum([]byte("other"))})

	_, err := f.Fetch(context.Background(), rel)
	require.Error(t, err)
	assert.True(t, ferrors.HasCategory(err, ferrors.CategorySourceUnavailable))
	assert.True(t, ferrors.IsRetryable(err))
	assert.NoDirExists(t, f.Path("demo", "1.0.0"))
}

func TestFetchMissingArchive(t *testing.T) {
	srv, _ := registry(t, nil)
	f := newFetcher(t, srv.URL+"/{package}-{version}.crate")

	_, err := f.Fetch(context.Background(), release("gone", "0.1.0", store.SourceRef{}))
	require.Error(t, err)
	assert.True(t, ferrors.HasCategory(err, ferrors.CategorySourceUnavailable))
	assert.Contains(t, err.Error(), "HTTP 404")
}

func TestFetchRejectsTraversal(t *testing.T) {
	data := makeTarGz(t, []tarEntry{
		{name: "evil-1.0.0/ok.txt", body: "fine"},
		{name: "evil-1.0.0/../../escape.txt", body: "nope"},
	})
	srv, _ := registry(t, map[string][]byte{"/evil.crate": data})
	f := newFetcher(t, "")

	_, err := f.Fetch(context.Background(), release("evil", "1.0.0", store.SourceRef{Location: srv.URL + "/evil.crate"}))
	require.Error(t, err)
	assert.NoFileExists(t, filepath.Join(f.root, "escape.txt"))
	assert.NoDirExists(t, f.Path("evil", "1.0.0"))
}

func TestFetchRejectsEscapingSymlink(t *testing.T) {
	data := makeTarGz(t, []tarEntry{
		{name: "link-1.0.0/passwd", typeflag: tar.TypeSymlink, link: "../../../etc/passwd"},
	})
	path := filepath.Join(t.TempDir(), "link.crate")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	f := newFetcher(t, "")

	_, err := f.Fetch(context.Background(), release("link", "1.0.0", store.SourceRef{Location: "file://" + path}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "symlink escapes")
}

func TestFetchRejectsChainedSymlinks(t *testing.T) {
	data := makeTarGz(t, []tarEntry{
		{name: "chain-1.0.0/a/b/c/d/", typeflag: tar.TypeDir},
		{name: "chain-1.0.0/a/b/c/d/e", typeflag: tar.TypeSymlink, link: "../../../.."},
		{name: "chain-1.0.0/a/b/c/d/e/x", typeflag: tar.TypeSymlink, link: "../../../.."},
		{name: "chain-1.0.0/a/b/c/d/e/x/escaped.txt", body: "pwned"},
	})
	base := t.TempDir()
	path := filepath.Join(base, "chain.crate")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	f := newFetcher(t, "")

	_, err := f.Fetch(context.Background(), release("chain", "1.0.0", store.SourceRef{Location: "file://" + path}))
	require.Error(t, err)
	assert.True(t, ferrors.HasCategory(err, ferrors.CategorySourceUnavailable))
	assert.NoDirExists(t, f.Path("chain", "1.0.0"))

	err = filepath.WalkDir(filepath.Dir(f.root), func(p string, d os.DirEntry, err error) error {
		if err == nil && d.Name() == "escaped.txt" {
			t.Errorf("archive wrote %s", p)
		}
		return nil
	})
	require.NoError(t, err)
	assert.NoFileExists(t, filepath.Join(base, "escaped.txt"))
}

func TestExtractChecksEachSymlink(t *testing.T) {
	data := makeTarGz(t, []tarEntry{
		{name: "ok-1.0.0/src/lib.rs", body: "pub fn f() {}"},
		{name: "ok-1.0.0/docs/", typeflag: tar.TypeDir},
		{name: "ok-1.0.0/docs/lib.rs", typeflag: tar.TypeSymlink, link: "../src/lib.rs"},
		{name: "ok-1.0.0/docs/up", typeflag: tar.TypeSymlink, link: "../../outside"},
	})
	archive := filepath.Join(t.TempDir(), "ok.crate")
	require.NoError(t, os.WriteFile(archive, data, 0o644))

	dest := filepath.Join(t.TempDir(), "tree")
	err := extractTarGz(archive, dest, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "symlink escapes")

	body, err := os.ReadFile(filepath.Join(dest, "docs", "lib.rs"))
	require.NoError(t, err)
	assert.Equal(t, "pub fn f() {}", string(body))
}

func TestFetchLocalDirectory(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "src"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "src", "lib.rs"), []byte("pub fn f() {}"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(src, ".git"), 0o755))
	f := newFetcher(t, "")

	path, err := f.Fetch(context.Background(), release("local", "0.0.1", store.SourceRef{Location: "file://" + src}))
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(path, "src", "lib.rs"))
	assert.NoDirExists(t, filepath.Join(path, ".git"))
}

func TestFetchSizeLimit(t *testing.T) {
	big := bytes.Repeat([]byte("x"), 2<<20)
	data := makeTarGz(t, []tarEntry{{name: "big-1.0.0/blob", body: string(big)}})
	srv, _ := registry(t, map[string][]byte{"/big.crate": data})
	f := newFetcher(t, "")

	_, err := f.Fetch(context.Background(), release("big", "1.0.0", store.SourceRef{Location: srv.URL + "/big.crate"}))
	require.Error(t, err)
	assert.ErrorIs(t, err, errArchiveTooLarge)
}

func TestFetchRefetchesOnChecksumChange(t *testing.T) {
	first := makeTarGz(t, crate())
	second := makeTarGz(t, append(crate(), tarEntry{name: "demo-1.0.0/README.md", body: "readme"}))
	var (
		current atomic.Pointer[[]byte]
		hits    atomic.Int32
	)
	current.Store(&first)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_, _ = w.Write(*current.Load())
	}))
	t.Cleanup(srv.Close)
	f := newFetcher(t, "")
	loc := srv.URL + "/demo.crate"

	_, err := f.Fetch(context.Background(), release("demo", "1.0.0", store.SourceRef{Location: loc, Checksum: sum(first)}))
	require.NoError(t, err)

	current.Store(&second)
	path, err := f.Fetch(context.Background(), release("demo", "1.0.0", store.SourceRef{Location: loc, Checksum: sum(second)}))
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(path, "README.md"))
	assert.EqualValues(t, 2, hits.Load())
}

func TestUnsupportedLocation(t *testing.T) {
	f := newFetcher(t, "")
	_, err := f.Fetch(context.Background(), release("x", "1.0.0", store.SourceRef{Location: "ftp://example.com/x.crate"}))
	require.Error(t, err)
	assert.True(t, ferrors.HasCategory(err, ferrors.CategorySourceUnavailable))
}

func TestStripTopDir(t *testing.T) {
	rel, ok := stripTopDir("pkg-1.0.0/src/lib.rs")
	assert.True(t, ok)
	assert.Equal(t, "src/lib.rs", rel)

	_, ok = stripTopDir("pkg-1.0.0/")
	assert.False(t, ok)
	_, ok = stripTopDir("toplevel.txt")
	assert.False(t, ok)
}
