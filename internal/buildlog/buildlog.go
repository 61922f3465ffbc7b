// Package buildlog persists the captured output of every build attempt.
package buildlog

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"

	ferrors "git.home.luguber.info/inful/docfleet/internal/foundation/errors"
)

// Writer stores one log file per attempt under <root>/<package>/<version>/.
type Writer struct {
	root string
}

// NewWriter creates the log root.
func NewWriter(root string) (*Writer, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategoryStorageFailure, "create log directory").
			WithContext("path", root).Build()
	}
	return &Writer{root: root}, nil
}

// Ref is the log reference recorded for an attempt.
func Ref(pkg, version string, attemptID int64) string {
	return pkg + "/" + version + "/" + strconv.FormatInt(attemptID, 10) + ".log"
}

// TargetRef is the log reference of an additional target built by an attempt.
func TargetRef(pkg, version string, attemptID int64, target string) string {
	return pkg + "/" + version + "/" + strconv.FormatInt(attemptID, 10) + "-" + target + ".log"
}

// Write stores content atomically and returns its log reference.
func (w *Writer) Write(pkg, version string, attemptID int64, content string) (string, error) {
	return w.store(Ref(pkg, version, attemptID), content)
}

// WriteTarget stores the log of an additional target.
func (w *Writer) WriteTarget(pkg, version string, attemptID int64, target, content string) (string, error) {
	return w.store(TargetRef(pkg, version, attemptID, target), content)
}

func (w *Writer) store(ref, content string) (string, error) {
	path, err := w.Path(ref)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", w.fail(err, ref)
	}
	tmp := filepath.Join(filepath.Dir(path), "."+uuid.NewString()+".tmp")
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		return "", w.fail(err, ref)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", w.fail(err, ref)
	}
	return ref, nil
}

// Read returns the log stored under ref.
func (w *Writer) Read(ref string) (string, error) {
	path, err := w.Path(ref)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Path resolves ref inside the log root.
func (w *Writer) Path(ref string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(ref))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", ferrors.ValidationError(fmt.Sprintf("invalid log reference %q", ref)).Build()
	}
	return filepath.Join(w.root, clean), nil
}

func (w *Writer) fail(err error, ref string) error {
	return ferrors.StorageFailure("write build log").WithCause(err).WithContext("log_ref", ref).Build()
}
