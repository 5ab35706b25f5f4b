//go:build linux && arm64

package kvm

import (
	"fmt"

	"github.com/tinyrange/guestmem/internal/hv"
)

func (*hypervisor) Architecture() hv.CpuArchitecture {
	return hv.ArchitectureARM64
}

// machineType returns the IPA size to request. On M1-class hosts VM
// creation fails unless it is passed explicitly.
func (h *hypervisor) machineType() (uint32, error) {
	ipaSize, err := checkExtension(h.fd, kvmCapArmVmIpaSize)
	if err != nil {
		return 0, fmt.Errorf("kvm: get cap: %w", err)
	}
	return uint32(ipaSize), nil
}
