//go:build linux

package memory

import (
	"errors"

	"golang.org/x/sys/unix"
)

// adviseMergeable marks [hostAddr, hostAddr+size) as a KSM candidate.
func adviseMergeable(hostAddr, size uint64) error {
	_, _, errno := unix.Syscall(unix.SYS_MADVISE, uintptr(hostAddr), uintptr(size), unix.MADV_MERGEABLE)
	if errno != 0 {
		return errno
	}
	return nil
}

// madvise reports EINVAL for MADV_MERGEABLE when the kernel lacks KSM.
func isMergeUnsupported(err error) bool {
	return errors.Is(err, unix.EINVAL)
}
