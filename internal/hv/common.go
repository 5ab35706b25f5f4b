package hv

import (
	"errors"
	"io"
	"runtime"
)

var (
	ErrHypervisorUnsupported = errors.New("hypervisor unsupported on this platform")
)

type CpuArchitecture string

const (
	ArchitectureInvalid CpuArchitecture = "invalid"
	ArchitectureX86_64  CpuArchitecture = "x86_64"
	ArchitectureARM64   CpuArchitecture = "arm64"
)

// HostArchitecture returns the architecture guests run as on this host.
func HostArchitecture() CpuArchitecture {
	switch runtime.GOARCH {
	case "amd64":
		return ArchitectureX86_64
	case "arm64":
		return ArchitectureARM64
	default:
		return ArchitectureInvalid
	}
}

// UserMemoryRegion binds one memory slot to a guest physical range backed
// by host memory at UserspaceAddr.
type UserMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

// MemorySlotController is the part of a virtual machine handle that
// installs guest memory mappings into the hypervisor.
type MemorySlotController interface {
	SetUserMemoryRegion(region UserMemoryRegion) error
}

type VirtualMachine interface {
	io.Closer
	MemorySlotController

	Hypervisor() Hypervisor

	// MaxMemorySlots reports how many memory slots the hypervisor accepts
	// for this VM. Zero means the limit is unknown.
	MaxMemorySlots() (uint32, error)
}

type Hypervisor interface {
	io.Closer

	Architecture() CpuArchitecture

	NewVirtualMachine() (VirtualMachine, error)
}
