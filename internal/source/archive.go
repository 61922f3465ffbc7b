package source

import (
	"archive/tar"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
)

var errArchiveTooLarge = errors.New("archive exceeds size limit")

// limitedWriter fails once more than limit bytes were written.
type limitedWriter struct {
	w     io.Writer
	limit int64
	n     int64
}

func (l *limitedWriter) Write(p []byte) (int, error) {
	if l.limit > 0 && l.n+int64(len(p)) > l.limit {
		return 0, errArchiveTooLarge
	}
	n, err := l.w.Write(p)
	l.n += int64(n)
	return n, err
}

// copyVerified copies src to dst, bounding its size, and returns the hex sha256.
// A non-empty want must match.
func copyVerified(dst io.Writer, src io.Reader, limit int64, want string) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(&limitedWriter{w: io.MultiWriter(dst, h), limit: limit}, src); err != nil {
		return "", err
	}
	got := hex.EncodeToString(h.Sum(nil))
	if want != "" && !strings.EqualFold(got, want) {
		return "", fmt.Errorf("checksum mismatch: want %s, got %s", want, got)
	}
	return got, nil
}

// extractTarGz unpacks a gzip-compressed tarball into dest, dropping the single
// top-level directory that package archives wrap their content in. Directories
// and files are created through an os.Root, so no entry lands outside dest
// even when earlier entries planted symlinks.
func extractTarGz(archive, dest string, limit int64) error {
	file, err := os.Open(archive)
	if err != nil {
		return err
	}
	defer file.Close()

	gz, err := gzip.NewReader(file)
	if err != nil {
		return fmt.Errorf("open gzip stream: %w", err)
	}
	defer gz.Close()

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}
	root, err := os.OpenRoot(dest)
	if err != nil {
		return err
	}
	defer root.Close()

	tr := tar.NewReader(gz)
	var written int64
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar entry: %w", err)
		}

		rel, ok := stripTopDir(hdr.Name)
		if !ok {
			continue
		}
		if !filepath.IsLocal(filepath.FromSlash(rel)) {
			return fmt.Errorf("path escapes archive root: %s", rel)
		}
		name := filepath.Clean(filepath.FromSlash(rel))

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := mkdirAll(root, name); err != nil {
				return err
			}
		case tar.TypeReg:
			if limit > 0 && written+hdr.Size > limit {
				return errArchiveTooLarge
			}
			if err := mkdirAll(root, filepath.Dir(name)); err != nil {
				return err
			}
			if err := writeRootEntry(root, name, tr, hdr.FileInfo().Mode().Perm()); err != nil {
				return err
			}
			written += hdr.Size
		case tar.TypeSymlink:
			if err := mkdirAll(root, filepath.Dir(name)); err != nil {
				return err
			}
			if err := realDirs(root, filepath.Dir(name)); err != nil {
				return err
			}
			if err := checkLink(root, name, hdr.Linkname); err != nil {
				return err
			}
			if err := os.Symlink(hdr.Linkname, filepath.Join(dest, name)); err != nil {
				return err
			}
		default:
			// Hard links, devices and fifos have no place in a source tree.
			continue
		}
	}
}

// mkdirAll creates dir and its parents inside root.
func mkdirAll(root *os.Root, dir string) error {
	if dir == "." {
		return nil
	}
	cur := ""
	for _, part := range strings.Split(dir, string(filepath.Separator)) {
		cur = filepath.Join(cur, part)
		if err := root.Mkdir(cur, 0o755); err != nil && !errors.Is(err, fs.ErrExist) {
			return err
		}
	}
	return nil
}

// realDirs fails unless every component of dir is a directory, not a symlink.
func realDirs(root *os.Root, dir string) error {
	if dir == "." {
		return nil
	}
	cur := ""
	for _, part := range strings.Split(dir, string(filepath.Separator)) {
		cur = filepath.Join(cur, part)
		info, err := root.Lstat(cur)
		if err != nil {
			return err
		}
		if info.Mode()&fs.ModeSymlink != 0 || !info.IsDir() {
			return fmt.Errorf("archive entry below symlink: %s", cur)
		}
	}
	return nil
}

// checkLink walks link from the directory holding name. Every component but
// the last must be an existing real directory, so the walk resolves exactly
// as the kernel will, and it may never climb above root.
func checkLink(root *os.Root, name, link string) error {
	if link == "" || filepath.IsAbs(link) {
		return fmt.Errorf("absolute symlink in archive: %s", link)
	}
	parts := strings.Split(filepath.ToSlash(link), "/")
	cur := filepath.Dir(name)
	for i, part := range parts {
		switch part {
		case "", ".":
			continue
		case "..":
			if cur == "." {
				return fmt.Errorf("symlink escapes archive root: %s", link)
			}
			cur = filepath.Dir(cur)
			continue
		}
		cur = filepath.Join(cur, part)
		if i == len(parts)-1 {
			break
		}
		info, err := root.Lstat(cur)
		if err != nil || info.Mode()&fs.ModeSymlink != 0 || !info.IsDir() {
			return fmt.Errorf("symlink %s must resolve through real directories: %s", name, link)
		}
	}
	return nil
}

// Only the owner bits matter; the sandbox identity reads the tree through group/other.
func writeRootEntry(root *os.Root, name string, r io.Reader, perm os.FileMode) error {
	out, err := root.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm|0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

func writeEntry(target string, r io.Reader, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm|0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

func stripTopDir(name string) (string, bool) {
	name = strings.TrimPrefix(filepath.ToSlash(name), "./")
	i := strings.IndexByte(name, '/')
	if i < 0 || i == len(name)-1 {
		return "", false
	}
	return name[i+1:], true
}
