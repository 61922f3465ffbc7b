//go:build linux

package sandbox

import "golang.org/x/sys/unix"

// limitMemory caps the address space of a started process; its children
// inherit the limit.
func limitMemory(pid int, bytes int64) error {
	rl := unix.Rlimit{Cur: uint64(bytes), Max: uint64(bytes)}
	return unix.Prlimit(pid, unix.RLIMIT_AS, &rl, nil)
}
