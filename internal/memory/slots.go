package memory

import (
	"fmt"
	"log/slog"

	"github.com/bits-and-blooms/bitset"

	"github.com/tinyrange/guestmem/internal/guestmem"
	"github.com/tinyrange/guestmem/internal/hv"
	"github.com/tinyrange/guestmem/internal/timeslice"
)

// AdviseFunc advises the host kernel that a host mapping may be merged
// with identical pages elsewhere. Failures are logged, never returned.
type AdviseFunc func(hostAddr, size uint64) error

var tsMemoryAdvise = timeslice.RegisterKind("memory_advise_mergeable", 0)

// slotRegistrar mints hypervisor memory slot IDs and binds them to host
// mappings. Callers serialise access.
type slotRegistrar struct {
	vm     hv.MemorySlotController
	advise AdviseFunc
	log    *slog.Logger

	next uint32
	// max is the hypervisor's slot limit; zero means unknown.
	max    uint32
	minted bitset.BitSet
}

func newSlotRegistrar(vm hv.MemorySlotController, advise AdviseFunc, log *slog.Logger, first, limit uint32) *slotRegistrar {
	if advise == nil {
		advise = adviseMergeable
	}
	return &slotRegistrar{
		vm:     vm,
		advise: advise,
		log:    log,
		next:   first,
		max:    limit,
	}
}

// allocate returns the next slot ID.
func (s *slotRegistrar) allocate() uint32 {
	slot := s.next
	s.next++
	s.mark(slot)
	return slot
}

func (s *slotRegistrar) mark(slot uint32) {
	if s.minted.Test(uint(slot)) {
		panic(fmt.Sprintf("memory: slot %d minted twice", slot))
	}
	s.minted.Set(uint(slot))
}

// register allocates a fresh slot and binds the mapping to it.
func (s *slotRegistrar) register(gpa guestmem.GuestAddress, size, hostAddr uint64, mergeable bool) (uint32, error) {
	if s.max != 0 && s.next >= s.max {
		return 0, fmt.Errorf("%w: limit is %d", ErrSlotsExhausted, s.max)
	}
	slot := s.allocate()
	if err := s.bind(slot, gpa, size, hostAddr, mergeable); err != nil {
		return 0, err
	}
	return slot, nil
}

// registerAt binds the mapping to a slot reserved at construction.
func (s *slotRegistrar) registerAt(slot uint32, gpa guestmem.GuestAddress, size, hostAddr uint64, mergeable bool) error {
	if s.max != 0 && slot >= s.max {
		return fmt.Errorf("%w: slot %d, limit is %d", ErrSlotsExhausted, slot, s.max)
	}
	s.mark(slot)
	return s.bind(slot, gpa, size, hostAddr, mergeable)
}

func (s *slotRegistrar) bind(slot uint32, gpa guestmem.GuestAddress, size, hostAddr uint64, mergeable bool) error {
	if err := s.vm.SetUserMemoryRegion(hv.UserMemoryRegion{
		Slot:          slot,
		GuestPhysAddr: uint64(gpa),
		MemorySize:    size,
		UserspaceAddr: hostAddr,
	}); err != nil {
		return fmt.Errorf("%w: slot %d at %s: %w", ErrGuestMemoryRegistration, slot, gpa, err)
	}

	if mergeable {
		s.markMergeable(hostAddr, size)
	}
	return nil
}

// unregister removes a slot from the hypervisor. A zero-sized region
// deletes the slot.
func (s *slotRegistrar) unregister(slot uint32) {
	if err := s.vm.SetUserMemoryRegion(hv.UserMemoryRegion{Slot: slot}); err != nil {
		s.log.Warn("memory: failed to remove memory slot", "slot", slot, "error", err)
	}
}

func (s *slotRegistrar) markMergeable(hostAddr, size uint64) {
	rec := timeslice.NewRecorder()
	err := s.advise(hostAddr, size)
	rec.Record(tsMemoryAdvise)
	if err == nil {
		return
	}

	if isMergeUnsupported(err) {
		s.log.Warn("memory: kernel not configured with CONFIG_KSM", "error", err)
	} else {
		s.log.Warn("memory: madvise error", "error", err)
	}
	s.log.Warn("memory: failed to mark pages as mergeable", "host_addr", fmt.Sprintf("0x%x", hostAddr), "size", size)
}
