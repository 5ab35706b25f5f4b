// Package memory builds and owns a virtual machine's guest RAM: it maps the
// architecture's RAM regions into the process, registers them with the
// hypervisor as memory slots, plans the device area above RAM and reserves
// every architecture region in the guest address allocator.
package memory

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dustin/go-humanize"

	"github.com/tinyrange/guestmem/internal/arch"
	"github.com/tinyrange/guestmem/internal/guestmem"
	"github.com/tinyrange/guestmem/internal/hostcpu"
	"github.com/tinyrange/guestmem/internal/hv"
	"github.com/tinyrange/guestmem/internal/timeslice"
)

var (
	tsMemoryRegions  = timeslice.RegisterKind("memory_arch_regions", timeslice.SliceFlagSetup)
	tsMemoryBuild    = timeslice.RegisterKind("memory_build_guest_memory", timeslice.SliceFlagSetup)
	tsMemoryLayout   = timeslice.RegisterKind("memory_plan_device_area", timeslice.SliceFlagSetup)
	tsMemoryRegister = timeslice.RegisterKind("memory_register_slots", timeslice.SliceFlagSetup|timeslice.SliceFlagHypervisor)
	tsMemoryReserve  = timeslice.RegisterKind("memory_reserve_ranges", timeslice.SliceFlagSetup)
	tsMemoryHotAdd   = timeslice.RegisterKind("memory_hot_add", timeslice.SliceFlagHypervisor)
)

// AddressAllocator reserves guest physical ranges. hv.AddressSpace
// implements it.
type AddressAllocator interface {
	AllocateRange(name string, preferred *uint64, size, alignment uint64) (uint64, bool)
	Release(base uint64) bool
}

// RegionsFunc lists the guest memory regions of an architecture for a
// given amount of boot RAM.
type RegionsFunc func(arch hv.CpuArchitecture, ramSize uint64) ([]arch.Region, error)

type Config struct {
	// Allocator receives a reservation for every architecture region and
	// for hot-added RAM.
	Allocator AddressAllocator
	// VM registers the memory slots.
	VM hv.MemorySlotController

	BootRAMSize uint64
	Backing     guestmem.Backing
	// Mergeable asks the host kernel to deduplicate guest pages.
	Mergeable bool

	// Architecture defaults to the host architecture.
	Architecture hv.CpuArchitecture
	// Regions defaults to arch.MemoryRegions.
	Regions RegionsFunc
	// PhysBits overrides the probed physical address width when non-zero.
	PhysBits uint8
	// MaxSlots is the hypervisor's memory slot limit; zero means unlimited.
	MaxSlots uint32

	Advisor AdviseFunc
	Logger  *slog.Logger
}

// Manager owns guest RAM for one virtual machine.
type Manager struct {
	log         *slog.Logger
	allocator   AddressAllocator
	guestMemory *guestmem.Atomic
	regions     []arch.Region
	physBits    uint8

	// mu guards everything below and serialises all mutation.
	mu         sync.Mutex
	deviceArea DeviceArea
	slots      *slotRegistrar
	closed     bool
}

// New maps guest RAM for cfg.BootRAMSize bytes and registers it with the
// hypervisor. It either returns a ready Manager or releases everything it
// created.
func New(cfg Config) (*Manager, error) {
	if cfg.Allocator == nil {
		return nil, errors.New("memory: config has no address allocator")
	}
	if cfg.VM == nil {
		return nil, errors.New("memory: config has no virtual machine")
	}
	if cfg.Architecture == "" {
		cfg.Architecture = hv.HostArchitecture()
	}
	if cfg.Regions == nil {
		cfg.Regions = arch.MemoryRegions
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	rec := timeslice.NewRecorder()

	layout, err := arch.LayoutFor(cfg.Architecture)
	if err != nil {
		return nil, err
	}

	archRegions, err := cfg.Regions(cfg.Architecture, cfg.BootRAMSize)
	if err != nil {
		return nil, fmt.Errorf("memory: compute regions for %s of RAM: %w", humanize.IBytes(cfg.BootRAMSize), err)
	}
	ramRegions := arch.RAMRegions(archRegions)
	rec.Record(tsMemoryRegions)

	mem, err := guestmem.Build(ramRegions, cfg.Backing)
	if err != nil {
		return nil, err
	}
	rec.Record(tsMemoryBuild)

	physBits := cfg.PhysBits
	if physBits == 0 {
		physBits = hostcpu.PhysicalAddressBits()
	}
	area, err := PlanDeviceArea(mem.LastAddr(), layout, physBits)
	if err != nil {
		mem.Close()
		return nil, err
	}
	rec.Record(tsMemoryLayout)

	m := &Manager{
		log:         log,
		allocator:   cfg.Allocator,
		guestMemory: guestmem.NewAtomic(mem),
		regions:     archRegions,
		physBits:    physBits,
		deviceArea:  area,
		slots:       newSlotRegistrar(cfg.VM, cfg.Advisor, log, uint32(mem.NumRegions()), cfg.MaxSlots),
	}

	var (
		installed []uint32
		reserved  []uint64
	)
	// abort undoes construction so far. Slots are removed before their
	// mappings go away.
	abort := func(err error) (*Manager, error) {
		for _, base := range reserved {
			cfg.Allocator.Release(base)
		}
		for _, slot := range installed {
			m.slots.unregister(slot)
		}
		mem.Close()
		return nil, err
	}

	if err := mem.WithRegions(func(i int, r *guestmem.Region) error {
		if err := m.slots.registerAt(uint32(i), r.StartAddr(), r.Len(), uint64(r.HostAddress()), cfg.Mergeable); err != nil {
			return err
		}
		installed = append(installed, uint32(i))
		return nil
	}); err != nil {
		return abort(err)
	}
	rec.Record(tsMemoryRegister)

	for _, r := range archRegions {
		base := uint64(r.Base)
		if _, ok := cfg.Allocator.AllocateRange(r.Type.String(), &base, r.Size, 0); !ok {
			return abort(fmt.Errorf("%w: %s", ErrMemoryRangeAllocation, r))
		}
		reserved = append(reserved, base)
	}
	rec.Record(tsMemoryReserve)

	log.Info("memory: guest RAM ready",
		"size", humanize.IBytes(mem.TotalSize()),
		"regions", mem.NumRegions(),
		"backing", backingName(cfg.Backing),
		"mergeable", cfg.Mergeable,
		"device_area", area.String(),
		"phys_bits", physBits,
	)

	return m, nil
}

func backingName(b guestmem.Backing) string {
	if b.Anonymous() {
		return "anonymous"
	}
	return b.Path
}

// GuestMemory returns the handle to the current guest memory. Load it for
// each operation; AddRegion may publish a replacement.
func (m *Manager) GuestMemory() *guestmem.Atomic { return m.guestMemory }

// Regions returns the architecture regions reserved at construction.
func (m *Manager) Regions() []arch.Region {
	return append([]arch.Region(nil), m.regions...)
}

// PhysicalAddressBits returns the address width the device area was
// planned with.
func (m *Manager) PhysicalAddressBits() uint8 { return m.physBits }

func (m *Manager) DeviceArea() DeviceArea {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deviceArea
}

func (m *Manager) StartOfDeviceArea() guestmem.GuestAddress { return m.DeviceArea().Start }

func (m *Manager) EndOfDeviceArea() guestmem.GuestAddress { return m.DeviceArea().End }

// AllocateMemorySlot mints a slot ID for a mapping registered elsewhere,
// such as a device BAR.
func (m *Manager) AllocateMemorySlot() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.slots.allocate()
}

// NextMemorySlot returns the slot ID the next allocation will receive.
func (m *Manager) NextMemorySlot() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.slots.next
}

// CreateUserspaceMapping registers a host mapping at gpa under a fresh
// slot. The caller guarantees the range does not overlap another slot.
func (m *Manager) CreateUserspaceMapping(gpa guestmem.GuestAddress, size, hostAddr uint64, mergeable bool) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.slots.register(gpa, size, hostAddr, mergeable)
}

// AddRegion maps size bytes of new RAM at gpa, reserves the range in the
// address allocator, registers it under a fresh slot and publishes a guest memory snapshot that includes it. Readers
// holding the previous snapshot keep a valid view. The device area is not
// re-planned, so gpa must lie outside it or the caller must manage the
// overlap.
func (m *Manager) AddRegion(gpa guestmem.GuestAddress, size uint64, backing guestmem.Backing, mergeable bool) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, errors.New("memory: add region after close")
	}

	rec := timeslice.NewRecorder()

	region, err := guestmem.BuildRegion(guestmem.Range{Start: gpa, Size: size}, backing)
	if err != nil {
		return 0, err
	}

	current := m.guestMemory.Load()
	next, err := current.Insert(region)
	if err != nil {
		region.Close()
		return 0, err
	}

	base := uint64(gpa)
	if _, ok := m.allocator.AllocateRange(arch.RegionRAM.String(), &base, size, 0); !ok {
		region.Close()
		return 0, fmt.Errorf("%w: hot-added RAM [%s+0x%x)", ErrMemoryRangeAllocation, gpa, size)
	}

	slot, err := m.slots.register(gpa, size, uint64(region.HostAddress()), mergeable)
	if err != nil {
		m.allocator.Release(base)
		region.Close()
		return 0, err
	}

	m.guestMemory.Swap(next)
	rec.Record(tsMemoryHotAdd)

	m.log.Info("memory: hot-added guest RAM",
		"gpa", gpa.String(),
		"size", humanize.IBytes(size),
		"slot", slot,
	)
	return slot, nil
}

// Close unmaps guest RAM. The hypervisor slots must already be gone, which
// in practice means the virtual machine has been closed first.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	return m.guestMemory.Load().Close()
}
