package guestmem

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildSharedFileResizesExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ram")
	require.NoError(t, os.WriteFile(path, make([]byte, 3*mib), 0o600))

	mem, err := Build([]Range{{Start: 0, Size: 2 * mib}}, Backing{Path: path})
	require.NoError(t, err)
	defer mem.Close()

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(2*mib), info.Size())

	fo := mem.Regions()[0].FileOffset()
	require.NotNil(t, fo)
	assert.Equal(t, int64(0), fo.Offset)

	// The mapping is shared, so guest writes reach the file.
	_, err = mem.WriteAt([]byte("hello"), 4096)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data[4096:4101]))
}

func TestBuildSharedFileMultipleRegions(t *testing.T) {
	page := uint64(os.Getpagesize())
	path := filepath.Join(t.TempDir(), "ram")
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	mem, err := Build([]Range{
		{Start: 0, Size: 3 * page},
		{Start: 1 * mib, Size: page + 1},
	}, Backing{Path: path})
	require.NoError(t, err)
	defer mem.Close()

	regions := mem.Regions()
	require.Len(t, regions, 2)
	assert.Same(t, regions[0].FileOffset().File, regions[1].FileOffset().File)
	assert.Equal(t, int64(0), regions[0].FileOffset().Offset)
	assert.Equal(t, int64(3*page), regions[1].FileOffset().Offset)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(4*page+1), info.Size())

	// Distinct offsets keep the regions from aliasing each other.
	_, err = mem.WriteAt([]byte{0xaa}, 0)
	require.NoError(t, err)
	b := make([]byte, 1)
	_, err = mem.ReadAt(b, 1*mib)
	require.NoError(t, err)
	assert.Equal(t, byte(0), b[0])
}

func TestBuildDirectoryBacking(t *testing.T) {
	dir := t.TempDir()

	mem, err := Build([]Range{
		{Start: 0, Size: 1 * mib},
		{Start: 4 * mib, Size: 1 * mib},
	}, Backing{Path: dir})
	require.NoError(t, err)
	defer mem.Close()

	// Backing files are unlinked as soon as they are created.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)

	regions := mem.Regions()
	require.Len(t, regions, 2)
	f0, f1 := regions[0].FileOffset(), regions[1].FileOffset()
	require.NotNil(t, f0)
	require.NotNil(t, f1)
	assert.NotSame(t, f0.File, f1.File)
	assert.Equal(t, int64(0), f0.Offset)
	assert.Equal(t, int64(0), f1.Offset)

	for _, fo := range []*FileOffset{f0, f1} {
		info, err := fo.File.Stat()
		require.NoError(t, err)
		assert.Equal(t, int64(1*mib), info.Size())
	}
}

func TestBuildInvalidBackingPath(t *testing.T) {
	_, err := Build([]Range{{Start: 0, Size: 1 * mib}}, Backing{Path: filepath.Join(t.TempDir(), "missing")})
	assert.ErrorIs(t, err, ErrInvalidBackingPath)

	_, err = Build([]Range{{Start: 0, Size: 1 * mib}}, Backing{Path: os.DevNull})
	assert.ErrorIs(t, err, ErrInvalidBackingPath)
}

func TestBuildRegionDirectory(t *testing.T) {
	dir := t.TempDir()

	r, err := BuildRegion(Range{Start: 8 * mib, Size: 64 * kib}, Backing{Path: dir})
	require.NoError(t, err)
	assert.Equal(t, GuestAddress(8*mib), r.StartAddr())
	assert.Equal(t, uint64(64*kib), r.Len())
	require.NotNil(t, r.FileOffset())
	require.NoError(t, r.Close())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestBuildRegionAppendsToSharedFile(t *testing.T) {
	page := int64(os.Getpagesize())
	path := filepath.Join(t.TempDir(), "ram")
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	mem, err := Build([]Range{{Start: 0, Size: 2 * mib}}, Backing{Path: path})
	require.NoError(t, err)
	_, err = mem.WriteAt([]byte("boot"), 0)
	require.NoError(t, err)

	r, err := BuildRegion(Range{Start: 8 * mib, Size: 1*mib + 1}, Backing{Path: path})
	require.NoError(t, err)
	assert.Equal(t, int64(2*mib), r.FileOffset().Offset)

	next, err := mem.Insert(r)
	require.NoError(t, err)
	defer next.Close()

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(3*mib+1), info.Size())

	_, err = next.WriteAt([]byte("HOT!"), 8*mib)
	require.NoError(t, err)

	// Boot RAM is neither aliased nor cut off by the new region.
	got := make([]byte, 4)
	_, err = next.ReadAt(got, 0)
	require.NoError(t, err)
	assert.Equal(t, "boot", string(got))
	_, err = next.ReadAt(got, 2*mib-4)
	require.NoError(t, err)

	// A further region starts on the next page boundary.
	r2, err := BuildRegion(Range{Start: 16 * mib, Size: uint64(page)}, Backing{Path: path})
	require.NoError(t, err)
	defer r2.Close()
	assert.Equal(t, 3*mib+page, r2.FileOffset().Offset)
}
