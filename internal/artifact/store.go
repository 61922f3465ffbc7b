// Package artifact publishes finished documentation trees.
//
// A published tree lives at <root>/<package>/<version>/<target>. Output is
// copied into <root>/.staging first and moved into place with a single
// rename, so readers see either the previous tree or the complete new one.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	ferrors "git.home.luguber.info/inful/docfleet/internal/foundation/errors"
	"git.home.luguber.info/inful/docfleet/internal/logfields"
	"git.home.luguber.info/inful/docfleet/internal/metrics"
	"git.home.luguber.info/inful/docfleet/internal/store"
)

const stagingDir = ".staging"

var targetPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,127}$`)

// ErrNotFound is returned for a reference with no published tree.
var ErrNotFound = errors.New("artifact not found")

// Ref is the relative path <package>/<version>/<target> of a published tree.
type Ref string

// NewRef builds a reference from its coordinates.
func NewRef(pkg, version, target string) Ref {
	return Ref(pkg + "/" + version + "/" + target)
}

func (r Ref) String() string { return string(r) }

// Split returns the coordinates of a well-formed reference.
func (r Ref) Split() (pkg, version, target string, err error) {
	parts := strings.Split(string(r), "/")
	if len(parts) != 3 {
		return "", "", "", ferrors.ValidationError(fmt.Sprintf("invalid artifact reference %q", r)).Build()
	}
	if err := validate(parts[0], parts[1], parts[2]); err != nil {
		return "", "", "", err
	}
	return parts[0], parts[1], parts[2], nil
}

// Mirror replicates published trees to secondary storage.
type Mirror interface {
	Upload(ctx context.Context, ref Ref, dir string) error
	Remove(ctx context.Context, ref Ref) error
}

// Options configures a Store.
type Options struct {
	Root    string
	Mirror  Mirror
	Metrics metrics.Recorder
}

// Store is the local artifact tree.
type Store struct {
	root     string
	mirror   Mirror
	recorder metrics.Recorder

	// beforeCopy runs before each file is staged; tests use it to fail mid-copy.
	beforeCopy func(rel string) error
}

// New creates the artifact root and its staging area.
func New(opts Options) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(opts.Root, stagingDir), 0o755); err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategoryStorageFailure, "create artifact root").
			WithContext("path", opts.Root).Build()
	}
	return &Store{root: opts.Root, mirror: opts.Mirror, recorder: metrics.OrNoop(opts.Metrics)}, nil
}

// Publish copies srcDir into the store as the tree of (pkg, version, target),
// replacing any earlier tree in one step. On error nothing visible changes.
func (s *Store) Publish(ctx context.Context, pkg, version, target, srcDir string) (Ref, error) {
	if err := validate(pkg, version, target); err != nil {
		return "", err
	}
	ref := NewRef(pkg, version, target)
	final := s.resolve(ref)

	staging := filepath.Join(s.root, stagingDir, uuid.NewString())
	if err := s.copyTree(ctx, srcDir, staging); err != nil {
		_ = os.RemoveAll(staging)
		return "", s.fail(err, "stage artifact", ref)
	}
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		_ = os.RemoveAll(staging)
		return "", s.fail(err, "create artifact parent", ref)
	}
	if err := s.swap(staging, final); err != nil {
		_ = os.RemoveAll(staging)
		return "", s.fail(err, "publish artifact", ref)
	}
	slog.InfoContext(ctx, "Published artifact", slog.String("artifact_ref", ref.String()), logfields.Path(final))

	if s.mirror != nil {
		if err := s.mirror.Upload(ctx, ref, final); err != nil {
			s.recorder.IncStorageAlert("mirror_upload")
			slog.ErrorContext(ctx, "Artifact mirror upload failed",
				slog.String("artifact_ref", ref.String()), logfields.Alert(), logfields.Error(err))
		}
	}
	return ref, nil
}

// swap moves staging to final. An existing final tree is exchanged out and
// removed afterwards.
func (s *Store) swap(staging, final string) error {
	if _, err := os.Lstat(final); errors.Is(err, os.ErrNotExist) {
		if err := os.Rename(staging, final); err == nil {
			return nil
		} else if !isExistError(err) {
			return err
		}
	}
	if err := exchange(staging, final); err != nil {
		return err
	}
	// staging now holds the superseded tree.
	return os.RemoveAll(staging)
}

// Retract removes a published tree and its mirror copy.
func (s *Store) Retract(ctx context.Context, ref Ref) error {
	if _, _, _, err := ref.Split(); err != nil {
		return err
	}
	final := s.resolve(ref)
	if _, err := os.Lstat(final); errors.Is(err, os.ErrNotExist) {
		return ferrors.WrapError(ErrNotFound, ferrors.CategoryNotFound, "retract "+ref.String()).Build()
	}
	trash := filepath.Join(s.root, stagingDir, uuid.NewString())
	if err := os.Rename(final, trash); err != nil {
		return s.fail(err, "retract artifact", ref)
	}
	if err := os.RemoveAll(trash); err != nil {
		slog.WarnContext(ctx, "Could not remove retracted tree", logfields.Path(trash), logfields.Error(err))
	}
	s.pruneEmptyParents(filepath.Dir(final))

	if s.mirror != nil {
		if err := s.mirror.Remove(ctx, ref); err != nil {
			return s.fail(err, "retract mirrored artifact", ref)
		}
	}
	slog.InfoContext(ctx, "Retracted artifact", slog.String("artifact_ref", ref.String()))
	return nil
}

// Path returns the directory of a published tree.
func (s *Store) Path(ref Ref) (string, error) {
	if _, _, _, err := ref.Split(); err != nil {
		return "", err
	}
	p := s.resolve(ref)
	if _, err := os.Stat(p); err != nil {
		return "", ferrors.WrapError(ErrNotFound, ferrors.CategoryNotFound, ref.String()).Build()
	}
	return p, nil
}

// SweepStaging removes staging entries older than age, left behind by a
// crash during Publish. It returns how many were removed.
func (s *Store) SweepStaging(ctx context.Context, age time.Duration) (int, error) {
	dir := filepath.Join(s.root, stagingDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, s.fail(err, "list staging", "")
	}
	cutoff := time.Now().Add(-age)
	removed := 0
	for _, e := range entries {
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			slog.WarnContext(ctx, "Could not remove stale staging entry", logfields.Path(e.Name()), logfields.Error(err))
			continue
		}
		removed++
	}
	return removed, nil
}

func (s *Store) resolve(ref Ref) string {
	return filepath.Join(s.root, filepath.FromSlash(ref.String()))
}

func (s *Store) pruneEmptyParents(dir string) {
	for dir != s.root && strings.HasPrefix(dir, s.root) {
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

func (s *Store) copyTree(ctx context.Context, src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		switch {
		case d.IsDir():
			return os.MkdirAll(target, 0o755)
		case d.Type().IsRegular():
			if s.beforeCopy != nil {
				if err := s.beforeCopy(filepath.ToSlash(rel)); err != nil {
					return err
				}
			}
			return copyFile(path, target)
		default:
			return nil
		}
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

func (s *Store) fail(err error, op string, ref Ref) error {
	s.recorder.IncStorageAlert(op)
	return ferrors.StorageFailure(op).
		WithCause(err).
		WithContext("artifact_ref", ref.String()).
		Build()
}

func validate(pkg, version, target string) error {
	if err := store.ValidateCoordinates(pkg, version); err != nil {
		return err
	}
	if !targetPattern.MatchString(target) {
		return ferrors.ValidationError(fmt.Sprintf("invalid target %q", target)).Build()
	}
	return nil
}
