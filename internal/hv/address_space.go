package hv

import (
	"fmt"
	"math/bits"
	"sync"

	"github.com/google/btree"
)

const defaultAlignment = 0x1000

// MMIOAllocationRequest describes a dynamically placed region.
type MMIOAllocationRequest struct {
	Name      string
	Size      uint64
	Alignment uint64
}

// MMIOAllocation is a reserved range of guest physical address space.
type MMIOAllocation struct {
	Name string
	Base uint64
	Size uint64
}

// Last returns the last address covered by the allocation.
func (a MMIOAllocation) Last() uint64 {
	return a.Base + a.Size - 1
}

func (a MMIOAllocation) overlaps(base, last uint64) bool {
	return a.Base <= last && base <= a.Last()
}

// AddressSpace is the general-purpose guest physical address allocator of
// a VM. It hands out non-overlapping ranges inside a fixed window, either at
// a caller-chosen address or at the lowest free address that satisfies the
// requested alignment.
type AddressSpace struct {
	mu sync.Mutex

	arch  CpuArchitecture
	start uint64
	last  uint64

	// ranges holds every reservation ordered by base address.
	ranges *btree.BTreeG[MMIOAllocation]
}

// NewAddressSpace creates an allocator over [base, base+size). A size that
// would run past the top of the 64-bit space is clamped to it.
func NewAddressSpace(arch CpuArchitecture, base, size uint64) *AddressSpace {
	last, carry := bits.Add64(base, size-1, 0)
	if size == 0 || carry != 0 {
		last = ^uint64(0)
	}
	return &AddressSpace{
		arch:  arch,
		start: base,
		last:  last,
		ranges: btree.NewG(8, func(a, b MMIOAllocation) bool {
			return a.Base < b.Base
		}),
	}
}

// AllocateRange reserves size bytes. When preferred is non-nil the range
// must start exactly at *preferred; otherwise the lowest free aligned
// address is used. It reports false when no such range is available.
func (a *AddressSpace) AllocateRange(name string, preferred *uint64, size, alignment uint64) (uint64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	alloc, err := a.allocateLocked(name, preferred, size, alignment)
	if err != nil {
		return 0, false
	}
	return alloc.Base, true
}

// Allocate places an MMIO region at the lowest free aligned address.
func (a *AddressSpace) Allocate(req MMIOAllocationRequest) (MMIOAllocation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.allocateLocked(req.Name, nil, req.Size, req.Alignment)
}

// RegisterFixed reserves a pre-determined region.
// Returns error if the region overlaps an existing reservation.
func (a *AddressSpace) RegisterFixed(name string, base, size uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	_, err := a.allocateLocked(name, &base, size, 1)
	return err
}

// Release drops the reservation starting at base.
func (a *AddressSpace) Release(base uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	_, ok := a.ranges.Delete(MMIOAllocation{Base: base})
	return ok
}

func (a *AddressSpace) allocateLocked(name string, preferred *uint64, size, alignment uint64) (MMIOAllocation, error) {
	if size == 0 {
		return MMIOAllocation{}, fmt.Errorf("address_space: cannot allocate zero-size region for %s", name)
	}

	if alignment == 0 {
		alignment = defaultAlignment
	}
	if alignment&(alignment-1) != 0 {
		return MMIOAllocation{}, fmt.Errorf("address_space: alignment 0x%x is not a power of 2 for %s", alignment, name)
	}

	var base uint64
	if preferred != nil {
		base = *preferred
		if base%alignment != 0 {
			return MMIOAllocation{}, fmt.Errorf("address_space: base 0x%x of %s is not aligned to 0x%x", base, name, alignment)
		}
		if !a.fitsLocked(base, size) {
			return MMIOAllocation{}, fmt.Errorf("address_space: region %s [0x%x+0x%x) is not free", name, base, size)
		}
	} else {
		var ok bool
		base, ok = a.findFreeLocked(size, alignment)
		if !ok {
			return MMIOAllocation{}, fmt.Errorf("address_space: no space for %s (size 0x%x, alignment 0x%x)", name, size, alignment)
		}
	}

	alloc := MMIOAllocation{Name: name, Base: base, Size: size}
	a.ranges.ReplaceOrInsert(alloc)
	return alloc, nil
}

// fitsLocked reports whether [base, base+size) lies inside the window and
// does not touch any reservation.
func (a *AddressSpace) fitsLocked(base, size uint64) bool {
	last, carry := bits.Add64(base, size-1, 0)
	if carry != 0 || base < a.start || last > a.last {
		return false
	}

	free := true
	a.ranges.DescendLessOrEqual(MMIOAllocation{Base: base}, func(r MMIOAllocation) bool {
		free = !r.overlaps(base, last)
		return false
	})
	if !free {
		return false
	}
	a.ranges.AscendGreaterOrEqual(MMIOAllocation{Base: base}, func(r MMIOAllocation) bool {
		free = !r.overlaps(base, last)
		return false
	})
	return free
}

func (a *AddressSpace) findFreeLocked(size, alignment uint64) (uint64, bool) {
	candidate, ok := alignUp(a.start, alignment)
	if !ok {
		return 0, false
	}

	found := false
	a.ranges.Ascend(func(r MMIOAllocation) bool {
		last, carry := bits.Add64(candidate, size-1, 0)
		if carry != 0 {
			ok = false
			return false
		}
		if last < r.Base {
			found = true
			return false
		}
		if r.Last() >= candidate {
			next, carry := bits.Add64(r.Last(), 1, 0)
			if carry != 0 {
				ok = false
				return false
			}
			if candidate, ok = alignUp(next, alignment); !ok {
				return false
			}
		}
		return true
	})
	if !ok {
		return 0, false
	}

	if !found {
		last, carry := bits.Add64(candidate, size-1, 0)
		if carry != 0 || last > a.last {
			return 0, false
		}
	}
	return candidate, true
}

// Allocations returns a copy of all reservations ordered by base address.
func (a *AddressSpace) Allocations() []MMIOAllocation {
	a.mu.Lock()
	defer a.mu.Unlock()

	result := make([]MMIOAllocation, 0, a.ranges.Len())
	a.ranges.Ascend(func(r MMIOAllocation) bool {
		result = append(result, r)
		return true
	})
	return result
}

// Start returns the first allocatable address.
func (a *AddressSpace) Start() uint64 {
	return a.start
}

// Last returns the last allocatable address.
func (a *AddressSpace) Last() uint64 {
	return a.last
}

// Architecture returns the CPU architecture.
func (a *AddressSpace) Architecture() CpuArchitecture {
	return a.arch
}

// alignUp aligns value up to the specified power-of-two alignment,
// reporting false on overflow.
func alignUp(value, align uint64) (uint64, bool) {
	if align <= 1 {
		return value, true
	}
	mask := align - 1
	sum, carry := bits.Add64(value, mask, 0)
	if carry != 0 {
		return 0, false
	}
	return sum &^ mask, true
}
