// Package arch describes the fixed guest physical memory layout of each
// supported architecture.
package arch

import (
	"fmt"

	"github.com/tinyrange/guestmem/internal/guestmem"
	"github.com/tinyrange/guestmem/internal/hv"
)

// Layout holds the architecture constants the memory manager plans around.
type Layout struct {
	// RAMStart is where guest RAM begins.
	RAMStart guestmem.GuestAddress

	// MEM32BitReservedStart is the start of the 32-bit MMIO hole below 4GiB.
	// RAM never overlaps [MEM32BitReservedStart, RAM64BitStart).
	MEM32BitReservedStart guestmem.GuestAddress
	MEM32BitReservedSize  uint64
	// MEM32BitDevicesSize is the part of the hole handed to 32-bit devices;
	// the remainder is reserved.
	MEM32BitDevicesSize uint64

	// RAM64BitStart is where RAM continues above the hole.
	RAM64BitStart guestmem.GuestAddress
}

// x86_64 memory layout constants (PCI hole at 3GB-4GB)
var x86Layout = Layout{
	RAMStart:              0,
	MEM32BitReservedStart: 0xC000_0000,
	MEM32BitReservedSize:  1 << 30,
	MEM32BitDevicesSize:   640 << 20,
	RAM64BitStart:         0x1_0000_0000,
}

// arm64 keeps the first GiB for platform devices (GIC, UART, RTC) and
// places RAM contiguously above it, so there is no hole to skip.
var arm64Layout = Layout{
	RAMStart:              0x4000_0000,
	MEM32BitReservedStart: 0,
	MEM32BitReservedSize:  0x4000_0000,
	MEM32BitDevicesSize:   0x4000_0000,
	RAM64BitStart:         0x4000_0000,
}

// LayoutFor returns the layout constants for arch.
func LayoutFor(arch hv.CpuArchitecture) (Layout, error) {
	switch arch {
	case hv.ArchitectureX86_64:
		return x86Layout, nil
	case hv.ArchitectureARM64:
		return arm64Layout, nil
	default:
		return Layout{}, fmt.Errorf("arch: no memory layout for architecture %q", arch)
	}
}
