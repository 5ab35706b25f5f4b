//go:build linux && !amd64 && !arm64

package kvm

import "github.com/tinyrange/guestmem/internal/hv"

func (*hypervisor) Architecture() hv.CpuArchitecture {
	return hv.ArchitectureInvalid
}

func (h *hypervisor) machineType() (uint32, error) {
	return 0, nil
}
