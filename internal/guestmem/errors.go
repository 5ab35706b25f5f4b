package guestmem

import "errors"

var (
	ErrSharedFileCreate   = errors.New("failed to create shared file")
	ErrSharedFileSetLen   = errors.New("failed to set shared file length")
	ErrGuestMemory        = errors.New("guest memory error")
	ErrInvalidBackingPath = errors.New("backing path is neither a regular file nor a directory")
	ErrNoMemoryRegion     = errors.New("no memory region at address")
)
