//go:build linux && amd64

package kvm

import "github.com/tinyrange/guestmem/internal/hv"

func (*hypervisor) Architecture() hv.CpuArchitecture {
	return hv.ArchitectureX86_64
}

func (h *hypervisor) machineType() (uint32, error) {
	return 0, nil
}
