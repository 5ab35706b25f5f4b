//go:build linux

package kvm

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

func ioctl(fd uintptr, request uint64, arg uintptr) (uintptr, error) {
	v1, _, err := unix.Syscall(unix.SYS_IOCTL, fd, uintptr(request), arg)
	if err != 0 {
		return 0, err
	}
	return v1, nil
}

func ioctlWithRetry(fd uintptr, request uint64, arg uintptr) (uintptr, error) {
	for {
		v1, err := ioctl(fd, request, arg)
		if err == unix.EINTR {
			continue
		}
		return v1, err
	}
}

func getApiVersion(fd int) (int, error) {
	v, err := ioctlWithRetry(uintptr(fd), kvmGetApiVersion, 0)
	if err != nil {
		return 0, err
	}
	return int(v), nil
}

// createVm issues KVM_CREATE_VM. machineType carries the IPA size on arm64
// and is zero elsewhere.
func createVm(fd int, machineType uint32) (int, error) {
	v, err := ioctlWithRetry(uintptr(fd), kvmCreateVm, uintptr(machineType))
	if err != nil {
		return 0, err
	}
	return int(v), nil
}

func checkExtension(fd int, cap int) (int, error) {
	v, err := ioctlWithRetry(uintptr(fd), kvmCheckExtension, uintptr(cap))
	if err != nil {
		return 0, err
	}
	return int(v), nil
}

func setUserMemoryRegion(fd int, region *kvmUserspaceMemoryRegion) error {
	_, err := ioctlWithRetry(uintptr(fd), kvmSetUserMemoryRegion, uintptr(unsafe.Pointer(region)))
	return err
}
