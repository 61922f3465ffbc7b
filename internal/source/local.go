package source

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// fetchLocal copies a local directory, or verifies and extracts a local tarball.
func (f *Fetcher) fetchLocal(path, checksum, tree string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if !info.IsDir() {
		in, err := os.Open(path)
		if err != nil {
			return "", err
		}
		sum, err := copyVerified(io.Discard, in, f.maxSize, checksum)
		_ = in.Close()
		if err != nil {
			return "", err
		}
		return sum, extractTarGz(path, tree, f.maxSize)
	}
	if checksum != "" {
		return "", fmt.Errorf("checksum given for directory source %s", path)
	}
	return "", copyTree(path, tree)
}

// copyTree copies regular files and directories; symlinks and special files are skipped.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		switch {
		case d.IsDir():
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return os.MkdirAll(target, 0o755)
		case d.Type().IsRegular():
			info, err := d.Info()
			if err != nil {
				return err
			}
			in, err := os.Open(path)
			if err != nil {
				return err
			}
			defer in.Close()
			return writeEntry(target, in, info.Mode().Perm())
		default:
			return nil
		}
	})
}
