package guestmem

import (
	"cmp"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"sync/atomic"
)

// GuestMemory is an immutable set of mapped RAM regions ordered by guest
// address. A new set is derived with Insert rather than by modifying an
// existing one, so a snapshot obtained from Atomic.Load stays valid while a
// writer publishes its replacement.
type GuestMemory struct {
	regions []*Region
}

func newGuestMemory(regions []*Region) (*GuestMemory, error) {
	sorted := slices.Clone(regions)
	slices.SortFunc(sorted, func(a, b *Region) int {
		return cmp.Compare(a.start, b.start)
	})

	for i := 1; i < len(sorted); i++ {
		if sorted[i-1].overlaps(sorted[i]) {
			return nil, fmt.Errorf("%w: region [%s, %s] overlaps [%s, %s]", ErrGuestMemory,
				sorted[i-1].start, sorted[i-1].LastAddr(), sorted[i].start, sorted[i].LastAddr())
		}
	}

	return &GuestMemory{regions: sorted}, nil
}

// Insert returns a new GuestMemory holding the current regions plus r.
// The receiver is left unchanged.
func (m *GuestMemory) Insert(r *Region) (*GuestMemory, error) {
	return newGuestMemory(append(slices.Clone(m.regions), r))
}

// NumRegions returns the number of regions.
func (m *GuestMemory) NumRegions() int { return len(m.regions) }

// Regions returns the regions ordered by guest address.
func (m *GuestMemory) Regions() []*Region { return slices.Clone(m.regions) }

// WithRegions calls fn for each region in address order, stopping at the
// first error.
func (m *GuestMemory) WithRegions(fn func(index int, r *Region) error) error {
	for i, r := range m.regions {
		if err := fn(i, r); err != nil {
			return err
		}
	}
	return nil
}

// LastAddr returns the highest mapped guest address.
func (m *GuestMemory) LastAddr() GuestAddress {
	if len(m.regions) == 0 {
		return 0
	}
	return m.regions[len(m.regions)-1].LastAddr()
}

// TotalSize returns the number of mapped bytes.
func (m *GuestMemory) TotalSize() uint64 {
	var total uint64
	for _, r := range m.regions {
		total += r.Len()
	}
	return total
}

// FindRegion returns the region containing addr, or nil.
func (m *GuestMemory) FindRegion(addr GuestAddress) *Region {
	i, found := slices.BinarySearchFunc(m.regions, addr, func(r *Region, a GuestAddress) int {
		return cmp.Compare(r.start, a)
	})
	if found {
		return m.regions[i]
	}
	if i == 0 {
		return nil
	}
	if r := m.regions[i-1]; r.Contains(addr) {
		return r
	}
	return nil
}

// Translate returns the host virtual address backing addr.
func (m *GuestMemory) Translate(addr GuestAddress) (uintptr, error) {
	r := m.FindRegion(addr)
	if r == nil {
		return 0, fmt.Errorf("guestmem: translate %s: %w", addr, ErrNoMemoryRegion)
	}
	return r.HostAddress() + uintptr(addr.OffsetFrom(r.start)), nil
}

// ReadAt reads guest memory starting at guest address off. Reads may span
// adjacent regions but not gaps between them.
func (m *GuestMemory) ReadAt(p []byte, off int64) (int, error) {
	return m.access(p, off, func(dst []byte, src []byte) int { return copy(dst, src) })
}

// WriteAt writes guest memory starting at guest address off.
func (m *GuestMemory) WriteAt(p []byte, off int64) (int, error) {
	return m.access(p, off, func(src []byte, dst []byte) int { return copy(dst, src) })
}

func (m *GuestMemory) access(p []byte, off int64, xfer func(buf []byte, mem []byte) int) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("guestmem: negative offset %d", off)
	}

	n := 0
	addr := GuestAddress(off)
	for n < len(p) {
		r := m.FindRegion(addr)
		if r == nil {
			if n == 0 {
				return 0, fmt.Errorf("guestmem: access %s: %w", addr, ErrNoMemoryRegion)
			}
			return n, io.ErrUnexpectedEOF
		}
		done := xfer(p[n:], r.mem[addr.OffsetFrom(r.start):])
		n += done

		next, ok := addr.CheckedAdd(uint64(done))
		if !ok {
			if n < len(p) {
				return n, io.ErrUnexpectedEOF
			}
			break
		}
		addr = next
	}
	return n, nil
}

// Close unmaps every region and closes the backing files. Snapshots
// derived with Insert share regions, so only the final snapshot is closed.
func (m *GuestMemory) Close() error {
	err := unmapRegions(m.regions)
	files := make([]*FileOffset, 0, len(m.regions))
	for _, r := range m.regions {
		files = append(files, r.file)
	}
	return errors.Join(err, closeFiles(files))
}

var (
	_ io.ReaderAt = &GuestMemory{}
	_ io.WriterAt = &GuestMemory{}
)

func unmapRegions(regions []*Region) error {
	var errs []error
	for _, r := range regions {
		if err := r.unmap(); err != nil {
			errs = append(errs, fmt.Errorf("guestmem: unmap %s: %w", r.start, err))
		}
	}
	return errors.Join(errs...)
}

// closeFiles closes each distinct backing file once.
func closeFiles(files []*FileOffset) error {
	var errs []error
	seen := make(map[*os.File]bool)
	for _, fo := range files {
		if fo == nil || seen[fo.File] {
			continue
		}
		seen[fo.File] = true
		if err := fo.File.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Atomic publishes the current GuestMemory. Readers Load a snapshot without
// locking; a writer replaces the whole object with a single Swap.
type Atomic struct {
	p atomic.Pointer[GuestMemory]
}

func NewAtomic(m *GuestMemory) *Atomic {
	a := &Atomic{}
	a.p.Store(m)
	return a
}

// Load returns the current snapshot.
func (a *Atomic) Load() *GuestMemory { return a.p.Load() }

// Swap publishes m and returns the snapshot it replaced.
func (a *Atomic) Swap(m *GuestMemory) *GuestMemory { return a.p.Swap(m) }
