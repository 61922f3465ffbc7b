//go:build !linux

package sandbox

import "errors"

func limitMemory(int, int64) error {
	return errors.New("memory limits need prlimit(2), which only linux provides")
}
