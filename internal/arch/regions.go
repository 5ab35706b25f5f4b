package arch

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/tinyrange/guestmem/internal/guestmem"
	"github.com/tinyrange/guestmem/internal/hv"
)

type RegionType int

const (
	// RegionRAM is backed by guest memory.
	RegionRAM RegionType = iota
	// RegionSubRegion is address space handed to devices, such as the
	// 32-bit MMIO window.
	RegionSubRegion
	// RegionReserved must never be used.
	RegionReserved
)

func (t RegionType) String() string {
	switch t {
	case RegionRAM:
		return "ram"
	case RegionSubRegion:
		return "sub-region"
	case RegionReserved:
		return "reserved"
	default:
		return fmt.Sprintf("RegionType(%d)", int(t))
	}
}

// Region is one entry of an architecture memory map.
type Region struct {
	Base guestmem.GuestAddress
	Size uint64
	Type RegionType
}

func (r Region) String() string {
	return fmt.Sprintf("%s [%s+0x%x)", r.Type, r.Base, r.Size)
}

// MemoryRegions returns the memory map for a guest with ramSize bytes of
// boot RAM. Entries are ordered and never overlap.
func MemoryRegions(arch hv.CpuArchitecture, ramSize uint64) ([]Region, error) {
	if ramSize == 0 {
		return nil, fmt.Errorf("arch: guest RAM size must be greater than 0")
	}

	switch arch {
	case hv.ArchitectureX86_64:
		return x86MemoryRegions(ramSize)
	case hv.ArchitectureARM64:
		return arm64MemoryRegions(ramSize)
	default:
		return nil, fmt.Errorf("arch: no memory layout for architecture %q", arch)
	}
}

func x86MemoryRegions(ramSize uint64) ([]Region, error) {
	l := x86Layout

	reservedGapStart, ok := l.MEM32BitReservedStart.CheckedAdd(l.MEM32BitDevicesSize)
	if !ok {
		return nil, fmt.Errorf("arch: 32-bit reserved region is too large")
	}

	var regions []Region
	if lowLimit := uint64(l.MEM32BitReservedStart); ramSize <= lowLimit {
		regions = append(regions, Region{Base: l.RAMStart, Size: ramSize, Type: RegionRAM})
	} else {
		highSize := ramSize - lowLimit
		if _, ok := l.RAM64BitStart.CheckedAdd(highSize - 1); !ok {
			return nil, fmt.Errorf("arch: guest RAM size 0x%x overflows the address space", ramSize)
		}
		regions = append(regions,
			Region{Base: l.RAMStart, Size: lowLimit, Type: RegionRAM},
			Region{Base: l.RAM64BitStart, Size: highSize, Type: RegionRAM},
		)
	}

	regions = append(regions,
		Region{Base: l.MEM32BitReservedStart, Size: l.MEM32BitDevicesSize, Type: RegionSubRegion},
		Region{Base: reservedGapStart, Size: l.MEM32BitReservedSize - l.MEM32BitDevicesSize, Type: RegionReserved},
	)

	sortRegions(regions)
	return regions, nil
}

func arm64MemoryRegions(ramSize uint64) ([]Region, error) {
	l := arm64Layout

	if _, ok := l.RAMStart.CheckedAdd(ramSize - 1); !ok {
		return nil, fmt.Errorf("arch: guest RAM size 0x%x overflows the address space", ramSize)
	}

	return []Region{
		{Base: l.MEM32BitReservedStart, Size: l.MEM32BitReservedSize, Type: RegionSubRegion},
		{Base: l.RAMStart, Size: ramSize, Type: RegionRAM},
	}, nil
}

func sortRegions(regions []Region) {
	slices.SortFunc(regions, func(a, b Region) int {
		return cmp.Compare(a.Base, b.Base)
	})
}

// RAMRegions filters regions down to guest RAM as guest memory ranges.
func RAMRegions(regions []Region) []guestmem.Range {
	var ram []guestmem.Range
	for _, r := range regions {
		if r.Type == RegionRAM {
			ram = append(ram, guestmem.Range{Start: r.Base, Size: r.Size})
		}
	}
	return ram
}
