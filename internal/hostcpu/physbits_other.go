//go:build !amd64

package hostcpu

// No CPUID instruction; the probe falls back to the default width.
var hostCPUID CPUIDFunc
