// Package hostcpu probes host CPU capabilities that shape the guest
// physical address space.
package hostcpu

// CPUIDFunc executes CPUID for leaf (EAX) and subleaf (ECX).
type CPUIDFunc func(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32)

// DefaultPhysicalAddressBits is reported when the host cannot tell us.
const DefaultPhysicalAddressBits = 36

const (
	leafExtendedMax      = 0x8000_0000
	leafAddressSizes     = 0x8000_0008
	leafMemoryEncryption = 0x8000_001f

	// "AuthenticAMD" as returned in EBX, EDX, ECX.
	amdVendorEBX = 0x6874_7541
	amdVendorECX = 0x444d_4163
	amdVendorEDX = 0x6974_6e65

	smeEnabled       = 1 << 0
	smeReductionMask = 0x3f
	smeReductionLsb  = 6
)

// PhysicalAddressBits returns the number of physical address bits the host
// CPU exposes, less any bits AMD Secure Memory Encryption reserves for its
// C-bit. It never fails; hosts without the address-size leaf report
// DefaultPhysicalAddressBits.
//
// The result does not change while the process runs, so callers may cache it.
func PhysicalAddressBits() uint8 {
	return PhysicalAddressBitsFrom(hostCPUID)
}

// PhysicalAddressBitsFrom is PhysicalAddressBits over an arbitrary CPUID
// source. A nil source yields the default.
func PhysicalAddressBitsFrom(cpuid CPUIDFunc) uint8 {
	if cpuid == nil {
		return DefaultPhysicalAddressBits
	}

	maxLeaf, ebx, ecx, edx := cpuid(leafExtendedMax, 0)
	if maxLeaf < leafAddressSizes {
		return DefaultPhysicalAddressBits
	}

	var reduced uint32
	if maxLeaf >= leafMemoryEncryption &&
		ebx == amdVendorEBX && ecx == amdVendorECX && edx == amdVendorEDX {
		if eax, ebx, _, _ := cpuid(leafMemoryEncryption, 0); eax&smeEnabled != 0 {
			reduced = (ebx >> smeReductionLsb) & smeReductionMask
		}
	}

	eax, _, _, _ := cpuid(leafAddressSizes, 0)
	raw := eax & 0xff
	if reduced >= raw {
		return DefaultPhysicalAddressBits
	}
	return uint8(raw - reduced)
}
