//go:build !linux

package artifact

import (
	"errors"
	"os"
)

func exchange(a, b string) error { return renameAside(a, b) }

func isExistError(err error) bool {
	return errors.Is(err, os.ErrExist)
}
