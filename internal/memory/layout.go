package memory

import (
	"fmt"
	"math"

	"github.com/tinyrange/guestmem/internal/arch"
	"github.com/tinyrange/guestmem/internal/guestmem"
)

// DeviceArea is the guest physical range left for MMIO and other non-RAM
// use. Both bounds are inclusive.
type DeviceArea struct {
	Start guestmem.GuestAddress
	End   guestmem.GuestAddress
}

func (d DeviceArea) String() string {
	return fmt.Sprintf("[%s, %s]", d.Start, d.End)
}

// PlanDeviceArea places the device area above guest RAM. lastRAM is the
// highest mapped RAM address. When RAM ends below the 32-bit hole the area
// starts at the 64-bit RAM start so the hole stays free; otherwise it
// starts one byte past RAM. The area ends at the top of the physical
// address space.
func PlanDeviceArea(lastRAM guestmem.GuestAddress, l arch.Layout, physBits uint8) (DeviceArea, error) {
	if physBits == 0 || physBits > 64 {
		return DeviceArea{}, fmt.Errorf("%w: %d bits", ErrPhysicalAddressBits, physBits)
	}

	end := guestmem.GuestAddress(math.MaxUint64)
	if physBits < 64 {
		end = guestmem.GuestAddress(uint64(1)<<physBits - 1)
	}

	var start guestmem.GuestAddress
	if lastRAM < l.MEM32BitReservedStart {
		start = l.RAM64BitStart
	} else {
		next, ok := lastRAM.CheckedAdd(1)
		if !ok {
			return DeviceArea{}, fmt.Errorf("%w: RAM ends at %s", ErrAddressSpaceExhausted, lastRAM)
		}
		start = next
	}

	if start > end {
		return DeviceArea{}, fmt.Errorf("%w: device area would start at %s past the %d-bit limit %s",
			ErrAddressSpaceExhausted, start, physBits, end)
	}

	return DeviceArea{Start: start, End: end}, nil
}
