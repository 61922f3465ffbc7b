package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	ferrors "git.home.luguber.info/inful/docfleet/internal/foundation/errors"
	"git.home.luguber.info/inful/docfleet/internal/logfields"
	"git.home.luguber.info/inful/docfleet/internal/metrics"
	"git.home.luguber.info/inful/docfleet/internal/store"
)

const (
	markerFile = ".docfleet-source.json"
	tmpDir     = ".tmp"
)

// Options configures a Fetcher.
type Options struct {
	// Root is the cache directory.
	Root string
	// RegistryURL is a template with {package} and {version} placeholders,
	// used when a release carries no explicit location.
	RegistryURL string
	// HTTPClient defaults to a client with HTTPTimeout.
	HTTPClient  *http.Client
	HTTPTimeout time.Duration
	// MaxArchiveSize bounds both the download and the extracted tree.
	MaxArchiveSize int64
	Metrics        metrics.Recorder
}

// Fetcher downloads, verifies and unpacks release sources.
type Fetcher struct {
	root        string
	registryURL string
	client      *http.Client
	maxSize     int64
	recorder    metrics.Recorder
}

// marker is written next to a verified tree.
type marker struct {
	Package   string    `json:"package"`
	Version   string    `json:"version"`
	Location  string    `json:"location"`
	Checksum  string    `json:"checksum,omitempty"`
	Revision  string    `json:"revision,omitempty"`
	FetchedAt time.Time `json:"fetched_at"`
}

// New creates a Fetcher and its cache directory.
func New(opts Options) (*Fetcher, error) {
	if opts.Root == "" {
		return nil, ferrors.ConfigError("source cache root is empty").Build()
	}
	if err := os.MkdirAll(filepath.Join(opts.Root, tmpDir), 0o755); err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategoryStorageFailure, "create source cache").
			WithContext("path", opts.Root).Build()
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: opts.HTTPTimeout}
	}
	return &Fetcher{
		root:        opts.Root,
		registryURL: opts.RegistryURL,
		client:      client,
		maxSize:     opts.MaxArchiveSize,
		recorder:    metrics.OrNoop(opts.Metrics),
	}, nil
}

// Fetch returns the path of the verified source tree of rel, fetching it on a
// cache miss. Every failure is classified source_unavailable.
func (f *Fetcher) Fetch(ctx context.Context, rel store.Release) (string, error) {
	start := time.Now()
	dest := f.Path(rel.Package, rel.Version)
	location := f.location(rel)

	if f.cached(dest, location, rel.Source.Checksum) {
		f.recorder.ObserveFetch(time.Since(start), metrics.ResultCacheHit)
		slog.DebugContext(ctx, "Source cache hit", logfields.Package(rel.Package), logfields.Version(rel.Version))
		return dest, nil
	}

	m, err := f.fetchInto(ctx, rel, location, dest)
	if err != nil {
		f.recorder.ObserveFetch(time.Since(start), metrics.ResultFailed)
		return "", classify(err, rel, location)
	}
	f.recorder.ObserveFetch(time.Since(start), metrics.ResultSuccess)
	slog.InfoContext(ctx, "Fetched source",
		logfields.Package(rel.Package),
		logfields.Version(rel.Version),
		logfields.URL(location),
		slog.String("revision", m.Revision),
		logfields.Elapsed(time.Since(start)))
	return dest, nil
}

// Path is the cache location of a release's tree.
func (f *Fetcher) Path(pkg, version string) string {
	return filepath.Join(f.root, pkg, version)
}

// Evict drops a cached tree, forcing the next Fetch to download again.
func (f *Fetcher) Evict(pkg, version string) error {
	return os.RemoveAll(f.Path(pkg, version))
}

func (f *Fetcher) location(rel store.Release) string {
	if rel.Source.Location != "" {
		return rel.Source.Location
	}
	r := strings.NewReplacer("{package}", rel.Package, "{version}", rel.Version)
	return r.Replace(f.registryURL)
}

func (f *Fetcher) cached(dest, location, checksum string) bool {
	data, err := os.ReadFile(filepath.Join(dest, markerFile))
	if err != nil {
		return false
	}
	var m marker
	if err := json.Unmarshal(data, &m); err != nil {
		return false
	}
	if m.Location != location {
		return false
	}
	return checksum == "" || strings.EqualFold(m.Checksum, checksum)
}

func (f *Fetcher) fetchInto(ctx context.Context, rel store.Release, location, dest string) (*marker, error) {
	work := filepath.Join(f.root, tmpDir, uuid.NewString())
	if err := os.MkdirAll(work, 0o755); err != nil {
		return nil, err
	}
	defer func() { _ = os.RemoveAll(work) }()

	tree := filepath.Join(work, "tree")
	m := &marker{Package: rel.Package, Version: rel.Version, Location: location, FetchedAt: time.Now().UTC()}

	var err error
	switch {
	case strings.HasPrefix(location, "git+"):
		m.Revision, err = cloneGit(ctx, strings.TrimPrefix(location, "git+"), tree)
	case strings.HasPrefix(location, "http://"), strings.HasPrefix(location, "https://"):
		m.Checksum, err = f.fetchArchive(ctx, location, rel.Source.Checksum, work, tree)
	case strings.HasPrefix(location, "file://"):
		m.Checksum, err = f.fetchLocal(strings.TrimPrefix(location, "file://"), rel.Source.Checksum, tree)
	default:
		err = fmt.Errorf("unsupported source location %q", location)
	}
	if err != nil {
		return nil, err
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(tree, markerFile), data, 0o644); err != nil {
		return nil, err
	}
	return m, f.install(tree, dest, location, rel.Source.Checksum)
}

// install renames a finished tree into place, replacing a stale entry.
func (f *Fetcher) install(tree, dest, location, checksum string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	if _, err := os.Stat(dest); err == nil {
		stale := filepath.Join(f.root, tmpDir, uuid.NewString())
		if err := os.Rename(dest, stale); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		defer func() { _ = os.RemoveAll(stale) }()
	}
	if err := os.Rename(tree, dest); err != nil {
		// Another process installed the same release first.
		if f.cached(dest, location, checksum) {
			return nil
		}
		return err
	}
	return nil
}

func classify(err error, rel store.Release, location string) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var classified *ferrors.ClassifiedError
	if errors.As(err, &classified) {
		return err
	}
	return ferrors.SourceUnavailable(fmt.Sprintf("fetch %s", rel)).
		WithCause(err).
		WithContext("location", location).
		Build()
}
