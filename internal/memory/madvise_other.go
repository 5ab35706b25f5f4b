//go:build !linux

package memory

import "errors"

func adviseMergeable(hostAddr, size uint64) error {
	return errors.ErrUnsupported
}

func isMergeUnsupported(err error) bool {
	return errors.Is(err, errors.ErrUnsupported)
}
