//go:build !(linux && (amd64 || arm64))

package factory

import "github.com/tinyrange/guestmem/internal/hv"

func Open() (hv.Hypervisor, error) {
	return nil, hv.ErrHypervisorUnsupported
}
