package guestmem

import (
	"fmt"
	"math/bits"
)

// GuestAddress is a guest physical address.
type GuestAddress uint64

// CheckedAdd returns a+offset, or false if the sum overflows.
func (a GuestAddress) CheckedAdd(offset uint64) (GuestAddress, bool) {
	sum, carry := bits.Add64(uint64(a), offset, 0)
	return GuestAddress(sum), carry == 0
}

// CheckedSub returns a-offset, or false if the result would be negative.
func (a GuestAddress) CheckedSub(offset uint64) (GuestAddress, bool) {
	diff, borrow := bits.Sub64(uint64(a), offset, 0)
	return GuestAddress(diff), borrow == 0
}

// OffsetFrom returns a-base. The caller guarantees a >= base.
func (a GuestAddress) OffsetFrom(base GuestAddress) uint64 {
	return uint64(a - base)
}

func (a GuestAddress) String() string {
	return fmt.Sprintf("0x%x", uint64(a))
}

// Range is a contiguous span of guest physical memory.
type Range struct {
	Start GuestAddress
	Size  uint64
}

// Last returns the last address in the range, or false if the range is
// empty or runs past the top of the address space.
func (r Range) Last() (GuestAddress, bool) {
	if r.Size == 0 {
		return 0, false
	}
	return r.Start.CheckedAdd(r.Size - 1)
}
