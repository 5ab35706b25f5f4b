//go:build linux

package kvm

const (
	kvmApiVersion = 12

	kvmGetApiVersion       = 0xae00
	kvmCreateVm            = 0xae01
	kvmCheckExtension      = 0xae03
	kvmSetUserMemoryRegion = 0x4020ae46

	kvmCapNrMemslots   = 10
	kvmCapArmVmIpaSize = 165
)

const (
	kvmMemLogDirtyPages = 1 << 0
	kvmMemReadonly      = 1 << 1
)
