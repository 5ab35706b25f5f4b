package guestmem

import (
	"fmt"
	"math"
	"os"
	"unsafe"

	"github.com/edsrzf/mmap-go"
)

// FileOffset is the file backing of a region: the region's first byte is
// stored at Offset in File.
type FileOffset struct {
	File   *os.File
	Offset int64
}

// Region is one contiguous span of guest RAM mapped into this process.
// Its backing is fixed for its lifetime.
type Region struct {
	start GuestAddress
	mem   mmap.MMap
	file  *FileOffset
}

// MapRegion maps size bytes for the guest range starting at start. A nil
// file gives private anonymous memory; otherwise the file range is mapped
// shared so other holders of the descriptor see guest writes.
func MapRegion(start GuestAddress, size uint64, file *FileOffset) (*Region, error) {
	r := Range{Start: start, Size: size}
	if _, ok := r.Last(); !ok {
		return nil, fmt.Errorf("%w: invalid region [%s+0x%x)", ErrGuestMemory, start, size)
	}
	if size > math.MaxInt {
		return nil, fmt.Errorf("%w: region size 0x%x exceeds host address limit", ErrGuestMemory, size)
	}

	var (
		mem mmap.MMap
		err error
	)
	if file == nil {
		mem, err = mmap.MapRegion(nil, int(size), mmap.COPY, mmap.ANON, 0)
	} else {
		mem, err = mmap.MapRegion(file.File, int(size), mmap.RDWR, 0, file.Offset)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: mmap region [%s+0x%x): %w", ErrGuestMemory, start, size, err)
	}

	return &Region{start: start, mem: mem, file: file}, nil
}

// StartAddr returns the first guest address of the region.
func (r *Region) StartAddr() GuestAddress { return r.start }

// Len returns the size of the region in bytes.
func (r *Region) Len() uint64 { return uint64(len(r.mem)) }

// LastAddr returns the last guest address covered by the region.
func (r *Region) LastAddr() GuestAddress {
	return r.start + GuestAddress(len(r.mem)-1)
}

// Contains reports whether addr falls inside the region.
func (r *Region) Contains(addr GuestAddress) bool {
	return addr >= r.start && addr <= r.LastAddr()
}

// HostAddress returns the host virtual address of the region's first byte.
func (r *Region) HostAddress() uintptr {
	return uintptr(unsafe.Pointer(&r.mem[0]))
}

// FileOffset returns the region's file backing, or nil for anonymous memory.
func (r *Region) FileOffset() *FileOffset { return r.file }

// Bytes exposes the mapping.
func (r *Region) Bytes() []byte { return r.mem }

func (r *Region) overlaps(o *Region) bool {
	return r.start <= o.LastAddr() && o.start <= r.LastAddr()
}

func (r *Region) unmap() error {
	if r.mem == nil {
		return nil
	}
	err := r.mem.Unmap()
	r.mem = nil
	return err
}

// Close unmaps the region and closes its backing file.
// Use it only for a region that was never added to a GuestMemory.
func (r *Region) Close() error {
	err := r.unmap()
	if r.file != nil {
		if cerr := r.file.File.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
