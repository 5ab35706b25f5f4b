//go:build linux

package memory

import "golang.org/x/sys/unix"

// errKSMUnsupported is what madvise reports when the kernel lacks KSM.
var errKSMUnsupported error = unix.EINVAL
