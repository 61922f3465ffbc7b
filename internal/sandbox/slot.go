package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
)

// Identity is the unprivileged user a slot runs its builds as.
type Identity struct {
	Name string
	UID  int
	GID  int
	Home string
}

// Slot is one isolated build environment.
type Slot struct {
	Index    int
	Identity Identity
	// Root holds home/, target/ and out/.
	Root string
}

// HomeDir is the identity's home, which keeps the package manager cache
// between builds of the same slot.
func (s *Slot) HomeDir() string { return filepath.Join(s.Root, "home") }

// TargetDir is the scratch build directory, emptied after every build.
func (s *Slot) TargetDir() string { return filepath.Join(s.Root, "target") }

// OutputDir receives the generated documentation, emptied after every build.
func (s *Slot) OutputDir() string { return filepath.Join(s.Root, "out") }

func (s *Slot) String() string { return fmt.Sprintf("slot-%d(%s)", s.Index, s.Identity.Name) }

// prepare creates the slot directories.
func (s *Slot) prepare() error {
	for _, dir := range []string{s.HomeDir(), s.TargetDir(), s.OutputDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}

// reset empties the per-build directories and leaves the home cache alone.
func (s *Slot) reset() error {
	for _, dir := range []string{s.TargetDir(), s.OutputDir()} {
		if err := emptyDir(dir); err != nil {
			return err
		}
	}
	return nil
}

func emptyDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return os.MkdirAll(dir, 0o755)
	}
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}
