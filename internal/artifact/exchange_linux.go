package artifact

import (
	"errors"

	"golang.org/x/sys/unix"
)

// exchange atomically swaps two paths, so the final path never disappears.
func exchange(a, b string) error {
	err := unix.Renameat2(unix.AT_FDCWD, a, unix.AT_FDCWD, b, unix.RENAME_EXCHANGE)
	if errors.Is(err, unix.EINVAL) || errors.Is(err, unix.ENOSYS) {
		// The filesystem cannot exchange; fall back to rename-aside.
		return renameAside(a, b)
	}
	return err
}

func isExistError(err error) bool {
	return errors.Is(err, unix.EEXIST) || errors.Is(err, unix.ENOTEMPTY)
}
