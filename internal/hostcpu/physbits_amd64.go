package hostcpu

import "gvisor.dev/gvisor/pkg/cpuid"

var hostCPUID CPUIDFunc = queryHost

var native cpuid.Native

// rawCPUID executes CPUID directly. gvisor's Native.Query returns zeros for
// leaves outside its allow-list, which includes the memory encryption leaf.
func rawCPUID(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32)

func queryHost(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32) {
	if leaf == leafMemoryEncryption {
		return rawCPUID(leaf, subleaf)
	}
	out := native.Query(cpuid.In{Eax: leaf, Ecx: subleaf})
	return out.Eax, out.Ebx, out.Ecx, out.Edx
}
