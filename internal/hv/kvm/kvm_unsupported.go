//go:build !linux

package kvm

import "github.com/tinyrange/guestmem/internal/hv"

func Open() (hv.Hypervisor, error) {
	return nil, hv.ErrHypervisorUnsupported
}
