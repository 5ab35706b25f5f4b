package memory

import (
	"errors"

	"github.com/tinyrange/guestmem/internal/guestmem"
)

// Construction errors. Callers distinguish them with errors.Is.
var (
	ErrSharedFileCreate   = guestmem.ErrSharedFileCreate
	ErrSharedFileSetLen   = guestmem.ErrSharedFileSetLen
	ErrGuestMemory        = guestmem.ErrGuestMemory
	ErrInvalidBackingPath = guestmem.ErrInvalidBackingPath

	ErrMemoryRangeAllocation = errors.New("failed to allocate memory range")
)

var (
	// ErrGuestMemoryRegistration is returned when the hypervisor rejects a
	// memory slot. The hypervisor's error is wrapped alongside it.
	ErrGuestMemoryRegistration = errors.New("guest memory registration failed")
	ErrSlotsExhausted          = errors.New("no free hypervisor memory slots")
	ErrAddressSpaceExhausted   = errors.New("guest RAM exhausts the physical address space")
	ErrPhysicalAddressBits     = errors.New("physical address width out of range")
)
