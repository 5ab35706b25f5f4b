//go:build linux

package kvm

import (
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	"github.com/tinyrange/guestmem/internal/hv"
	"github.com/tinyrange/guestmem/internal/timeslice"
	"golang.org/x/sys/unix"
)

var (
	tsKvmCreateVm            = timeslice.RegisterKind("kvm_create_vm", 0)
	tsKvmSetUserMemoryRegion = timeslice.RegisterKind("kvm_set_user_memory_region", 0)
)

type virtualMachine struct {
	rec *timeslice.Recorder

	hv   *hypervisor
	vmFd int

	// mu serialises slot updates; KVM itself tolerates concurrent
	// KVM_SET_USER_MEMORY_REGION calls but the recorder does not.
	mu sync.Mutex
}

// implements hv.VirtualMachine.
func (v *virtualMachine) Hypervisor() hv.Hypervisor { return v.hv }

// SetUserMemoryRegion implements hv.MemorySlotController.
func (v *virtualMachine) SetUserMemoryRegion(region hv.UserMemoryRegion) error {
	if region.Flags&^(kvmMemLogDirtyPages|kvmMemReadonly) != 0 {
		return fmt.Errorf("kvm: unsupported memory region flags 0x%x", region.Flags)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.vmFd < 0 {
		return fmt.Errorf("kvm: set user memory region after close")
	}

	if err := setUserMemoryRegion(v.vmFd, &kvmUserspaceMemoryRegion{
		Slot:          region.Slot,
		Flags:         region.Flags,
		GuestPhysAddr: region.GuestPhysAddr,
		MemorySize:    region.MemorySize,
		UserspaceAddr: region.UserspaceAddr,
	}); err != nil {
		return fmt.Errorf("set user memory region (slot %d): %w", region.Slot, err)
	}

	v.rec.Record(tsKvmSetUserMemoryRegion)

	return nil
}

// MaxMemorySlots implements hv.VirtualMachine.
func (v *virtualMachine) MaxMemorySlots() (uint32, error) {
	n, err := checkExtension(v.vmFd, kvmCapNrMemslots)
	if err != nil {
		return 0, fmt.Errorf("kvm: check KVM_CAP_NR_MEMSLOTS: %w", err)
	}
	return uint32(n), nil
}

// Close implements hv.VirtualMachine.
func (v *virtualMachine) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.vmFd < 0 {
		return nil
	}

	fd := v.vmFd
	v.vmFd = -1
	if err := unix.Close(fd); err != nil {
		return fmt.Errorf("kvm: close vm fd: %w", err)
	}
	return nil
}

var (
	_ hv.VirtualMachine = &virtualMachine{}
)

type hypervisor struct {
	fd int
}

func (h *hypervisor) Close() error {
	if err := unix.Close(h.fd); err != nil {
		return fmt.Errorf("close kvm fd: %w", err)
	}

	return nil
}

// NewVirtualMachine implements hv.Hypervisor.
func (h *hypervisor) NewVirtualMachine() (hv.VirtualMachine, error) {
	vm := &virtualMachine{
		hv:  h,
		rec: timeslice.NewRecorder(),
	}

	machineType, err := h.machineType()
	if err != nil {
		return nil, err
	}

	vmFd, err := createVm(h.fd, machineType)
	if err != nil {
		return nil, fmt.Errorf("kvm: create VM: %w", err)
	}

	vm.rec.Record(tsKvmCreateVm)

	vm.vmFd = vmFd

	// Set finalizer to catch VMs that are garbage collected without being closed
	runtime.SetFinalizer(vm, func(v *virtualMachine) {
		if v.vmFd >= 0 {
			slog.Debug("kvm: VM was not closed before garbage collection, cleaning up")
			v.Close()
		}
	})

	return vm, nil
}

var (
	_ hv.Hypervisor = &hypervisor{}
)

func Open() (hv.Hypervisor, error) {
	fd, err := unix.Open("/dev/kvm", unix.O_CLOEXEC|unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open /dev/kvm: %w", err)
	}

	// validate API version
	version, err := getApiVersion(fd)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("get KVM API version: %w", err)
	}
	if version != kvmApiVersion {
		unix.Close(fd)
		return nil, fmt.Errorf("kvm: unsupported API version %d, want %d", version, kvmApiVersion)
	}

	return &hypervisor{fd: fd}, nil
}
