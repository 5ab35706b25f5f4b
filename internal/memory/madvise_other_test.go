//go:build !linux

package memory

import "errors"

var errKSMUnsupported = errors.ErrUnsupported
