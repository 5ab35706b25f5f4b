package factory

import (
	"fmt"

	"github.com/tinyrange/guestmem/internal/hv"
)

// OpenWithArchitecture opens the host-accelerated backend after checking
// that it runs guests of the requested architecture. An invalid
// architecture means "use the host default".
func OpenWithArchitecture(arch hv.CpuArchitecture) (hv.Hypervisor, error) {
	switch arch {
	case hv.ArchitectureInvalid:
		return Open()
	case hv.HostArchitecture():
		return Open()
	default:
		return nil, fmt.Errorf("unsupported architecture %q on this host", arch)
	}
}
