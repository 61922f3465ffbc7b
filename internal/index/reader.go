// Package index reads the externally synchronized copy of the package index
// and records every published release in the metadata store.
//
// The index uses the crates.io layout: one file per package, one JSON object
// per line and per version. Keeping the copy up to date is someone else's job;
// this package only notices what changed.
package index

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"git.home.luguber.info/inful/docfleet/internal/logfields"
	"git.home.luguber.info/inful/docfleet/internal/store"
)

// Entry is one line of an index file.
type Entry struct {
	Name   string `json:"name"`
	Vers   string `json:"vers"`
	Cksum  string `json:"cksum"`
	Yanked bool   `json:"yanked"`
}

// Recorder stores releases; *store.Store implements it.
type Recorder interface {
	RecordRelease(ctx context.Context, pkg, version string, src store.SourceRef) (*store.Release, bool, error)
}

// ScanResult counts what a scan saw.
type ScanResult struct {
	Files    int
	Skipped  int
	Releases int
	New      int
	Invalid  int
}

// Reader scans index files, remembering file digests so unchanged files are
// not re-read.
type Reader struct {
	root     string
	recorder Recorder

	mu      sync.Mutex
	digests map[string][sha256.Size]byte

	// onNew is called for every newly recorded release.
	onNew func()
}

// NewReader creates a reader for the index working copy at root.
func NewReader(root string, recorder Recorder, onNew func()) *Reader {
	if onNew == nil {
		onNew = func() {}
	}
	return &Reader{root: root, recorder: recorder, digests: map[string][sha256.Size]byte{}, onNew: onNew}
}

// ScanAll reads every changed package file under the root.
func (r *Reader) ScanAll(ctx context.Context) (ScanResult, error) {
	var total ScanResult
	err := filepath.WalkDir(r.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != r.root {
				return filepath.SkipDir
			}
			return nil
		}
		if !isPackageFile(r.root, path) {
			return nil
		}
		res, err := r.ScanFile(ctx, path)
		if err != nil {
			return err
		}
		total.add(res)
		return nil
	})
	if err != nil {
		return total, err
	}
	slog.InfoContext(ctx, "Index scan finished",
		slog.Int("files", total.Files),
		slog.Int("unchanged", total.Skipped),
		slog.Int("releases", total.Releases),
		slog.Int("new", total.New),
		slog.Int("invalid", total.Invalid))
	return total, nil
}

// ScanFile records the releases of one package file, unless its content is
// unchanged since the last scan.
func (r *Reader) ScanFile(ctx context.Context, path string) (ScanResult, error) {
	res := ScanResult{Files: 1}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		r.forget(path)
		return res, nil
	}
	if err != nil {
		return res, fmt.Errorf("read index file %s: %w", path, err)
	}
	digest := sha256.Sum256(data)
	r.mu.Lock()
	prev, seen := r.digests[path]
	r.mu.Unlock()
	if seen && prev == digest {
		res.Skipped = 1
		return res, nil
	}

	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil || e.Name == "" || e.Vers == "" {
			res.Invalid++
			continue
		}
		if e.Yanked {
			continue
		}
		if store.ValidateCoordinates(e.Name, e.Vers) != nil {
			res.Invalid++
			continue
		}
		res.Releases++
		_, created, err := r.recorder.RecordRelease(ctx, e.Name, e.Vers, store.SourceRef{Checksum: e.Cksum})
		if err != nil {
			return res, err
		}
		if created {
			res.New++
			r.onNew()
			slog.DebugContext(ctx, "Recorded release from index", logfields.Package(e.Name), logfields.Version(e.Vers))
		}
	}
	if err := sc.Err(); err != nil {
		return res, fmt.Errorf("scan index file %s: %w", path, err)
	}

	r.mu.Lock()
	r.digests[path] = digest
	r.mu.Unlock()
	return res, nil
}

func (r *Reader) forget(path string) {
	r.mu.Lock()
	delete(r.digests, path)
	r.mu.Unlock()
}

func (s *ScanResult) add(o ScanResult) {
	s.Files += o.Files
	s.Skipped += o.Skipped
	s.Releases += o.Releases
	s.New += o.New
	s.Invalid += o.Invalid
}

// isPackageFile excludes the index's config.json and hidden files.
func isPackageFile(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "config.json" {
		return false
	}
	return !strings.HasPrefix(filepath.Base(path), ".")
}
