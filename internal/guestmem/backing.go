package guestmem

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
)

// tempFilePattern names the unlinked backing files created in a directory.
const tempFilePattern = "tmpfile_"

// Backing selects how guest RAM is backed. An empty Path means private
// anonymous memory. A Path naming an existing regular file backs every
// region with that file; a Path naming a directory backs each region with
// its own unlinked temporary file created there.
type Backing struct {
	Path string
}

// Anonymous reports whether b selects anonymous memory.
func (b Backing) Anonymous() bool { return b.Path == "" }

// Build maps every range with the given backing and assembles the guest
// memory object. Ranges must not overlap. On error nothing stays mapped or
// open.
func Build(ranges []Range, backing Backing) (*GuestMemory, error) {
	if len(ranges) == 0 {
		return nil, fmt.Errorf("%w: no memory regions", ErrGuestMemory)
	}

	files, err := resolveBacking(ranges, backing, false)
	if err != nil {
		return nil, err
	}

	regions := make([]*Region, 0, len(ranges))
	cleanup := func() {
		unmapRegions(regions)
		closeFiles(files)
	}

	for i, r := range ranges {
		region, err := MapRegion(r.Start, r.Size, files[i])
		if err != nil {
			cleanup()
			return nil, err
		}
		regions = append(regions, region)
	}

	mem, err := newGuestMemory(regions)
	if err != nil {
		cleanup()
		return nil, err
	}
	return mem, nil
}

// BuildRegion maps a single range with the given backing. A regular file
// is extended by the region at its page-aligned end, so regions already
// mapped from the same file keep their contents.
func BuildRegion(r Range, backing Backing) (*Region, error) {
	files, err := resolveBacking([]Range{r}, backing, true)
	if err != nil {
		return nil, err
	}
	region, err := MapRegion(r.Start, r.Size, files[0])
	if err != nil {
		closeFiles(files)
		return nil, err
	}
	return region, nil
}

// resolveBacking returns one file backing per range (nil entries for
// anonymous memory). With appendToFile a regular file only ever grows.
func resolveBacking(ranges []Range, backing Backing, appendToFile bool) ([]*FileOffset, error) {
	files := make([]*FileOffset, len(ranges))
	if backing.Anonymous() {
		return files, nil
	}

	info, err := os.Stat(backing.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s: %w", ErrInvalidBackingPath, backing.Path, err)
		}
		return nil, fmt.Errorf("%w: stat %s: %w", ErrSharedFileCreate, backing.Path, err)
	}

	switch {
	case info.Mode().IsRegular() && appendToFile:
		return appendFileBacking(backing.Path, ranges)
	case info.Mode().IsRegular():
		return sharedFileBacking(backing.Path, ranges)
	case info.IsDir():
		for i, r := range ranges {
			f, err := createUnlinkedFile(backing.Path, r.Size)
			if err != nil {
				closeFiles(files[:i])
				return nil, err
			}
			files[i] = &FileOffset{File: f}
		}
		return files, nil
	default:
		return nil, fmt.Errorf("%w: %s (mode %s)", ErrInvalidBackingPath, backing.Path, info.Mode())
	}
}

// sharedFileBacking places every range at its own page-aligned offset of a
// single file and sizes the file to hold exactly all of them.
func sharedFileBacking(path string, ranges []Range) ([]*FileOffset, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", ErrSharedFileCreate, path, err)
	}

	pageSize := uint64(os.Getpagesize())
	files := make([]*FileOffset, len(ranges))

	var offset uint64
	for i, r := range ranges {
		files[i] = &FileOffset{File: f, Offset: int64(offset)}
		offset += r.Size
		if i != len(ranges)-1 {
			offset = (offset + pageSize - 1) &^ (pageSize - 1)
		}
	}

	if err := f.Truncate(int64(offset)); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: truncate %s to 0x%x: %w", ErrSharedFileSetLen, path, offset, err)
	}
	return files, nil
}

// appendFileBacking places the ranges after the current end of the file,
// starting on a page boundary, and grows the file to hold them.
func appendFileBacking(path string, ranges []Range) ([]*FileOffset, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", ErrSharedFileCreate, path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: stat %s: %w", ErrSharedFileCreate, path, err)
	}

	pageSize := uint64(os.Getpagesize())
	offset := (uint64(info.Size()) + pageSize - 1) &^ (pageSize - 1)

	files := make([]*FileOffset, len(ranges))
	for i, r := range ranges {
		files[i] = &FileOffset{File: f, Offset: int64(offset)}
		offset += r.Size
		if i != len(ranges)-1 {
			offset = (offset + pageSize - 1) &^ (pageSize - 1)
		}
	}

	if err := f.Truncate(int64(offset)); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: extend %s to 0x%x: %w", ErrSharedFileSetLen, path, offset, err)
	}
	return files, nil
}

// createUnlinkedFile creates a temporary file of the given size in dir and
// removes its name straight away. The descriptor keeps the storage alive.
func createUnlinkedFile(dir string, size uint64) (*os.File, error) {
	f, err := os.CreateTemp(dir, tempFilePattern)
	if err != nil {
		return nil, fmt.Errorf("%w: create in %s: %w", ErrSharedFileCreate, dir, err)
	}

	if err := os.Remove(f.Name()); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: unlink %s: %w", ErrSharedFileCreate, f.Name(), err)
	}

	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: truncate %s to 0x%x: %w", ErrSharedFileSetLen, f.Name(), size, err)
	}
	return f, nil
}
