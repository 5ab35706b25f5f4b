package guestmem

import (
	"bytes"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	kib = 1 << 10
	mib = 1 << 20
)

func buildAnonymous(t *testing.T, ranges ...Range) *GuestMemory {
	t.Helper()
	mem, err := Build(ranges, Backing{})
	require.NoError(t, err)
	t.Cleanup(func() { mem.Close() })
	return mem
}

func TestBuildAnonymous(t *testing.T) {
	mem := buildAnonymous(t,
		Range{Start: 0x10_0000, Size: 64 * kib},
		Range{Start: 0, Size: 64 * kib},
	)

	require.Equal(t, 2, mem.NumRegions())
	regions := mem.Regions()
	assert.Equal(t, GuestAddress(0), regions[0].StartAddr())
	assert.Equal(t, GuestAddress(0x10_0000), regions[1].StartAddr())
	assert.Nil(t, regions[0].FileOffset())

	assert.Equal(t, GuestAddress(0x10_0000+64*kib-1), mem.LastAddr())
	assert.Equal(t, uint64(128*kib), mem.TotalSize())
}

func TestBuildRejectsOverlap(t *testing.T) {
	_, err := Build([]Range{
		{Start: 0, Size: 64 * kib},
		{Start: 32 * kib, Size: 64 * kib},
	}, Backing{})
	assert.ErrorIs(t, err, ErrGuestMemory)

	_, err = Build(nil, Backing{})
	assert.ErrorIs(t, err, ErrGuestMemory)

	_, err = Build([]Range{{Start: 0, Size: 0}}, Backing{})
	assert.ErrorIs(t, err, ErrGuestMemory)
}

func TestFindRegionAndTranslate(t *testing.T) {
	mem := buildAnonymous(t,
		Range{Start: 0, Size: 64 * kib},
		Range{Start: 1 * mib, Size: 64 * kib},
	)

	assert.Nil(t, mem.FindRegion(64*kib))
	assert.Nil(t, mem.FindRegion(2*mib))

	r := mem.FindRegion(1*mib + 10)
	require.NotNil(t, r)
	assert.Equal(t, GuestAddress(1*mib), r.StartAddr())

	host, err := mem.Translate(1*mib + 10)
	require.NoError(t, err)
	assert.Equal(t, r.HostAddress()+10, host)

	// Guest writes land in the region's mapping at the translated offset.
	_, err = mem.WriteAt([]byte{0x5a}, 1*mib+10)
	require.NoError(t, err)
	assert.Equal(t, byte(0x5a), r.Bytes()[host-r.HostAddress()])

	_, err = mem.Translate(512 * kib)
	assert.ErrorIs(t, err, ErrNoMemoryRegion)
}

func TestReadWriteAt(t *testing.T) {
	mem := buildAnonymous(t,
		Range{Start: 0, Size: 64 * kib},
		Range{Start: 64 * kib, Size: 64 * kib},
	)

	payload := bytes.Repeat([]byte("guest"), 100)
	off := int64(64*kib - 7)

	n, err := mem.WriteAt(payload, off)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)

	got := make([]byte, len(payload))
	n, err = mem.ReadAt(got, off)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)
	assert.Equal(t, payload, got)

	// Anonymous memory starts zeroed.
	zero := make([]byte, 16)
	_, err = mem.ReadAt(zero, 0)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 16), zero)
}

func TestReadAtStopsAtGap(t *testing.T) {
	mem := buildAnonymous(t, Range{Start: 0, Size: 64 * kib})

	n, err := mem.ReadAt(make([]byte, 32), 64*kib-16)
	assert.Equal(t, 16, n)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	_, err = mem.ReadAt(make([]byte, 1), 1*mib)
	assert.ErrorIs(t, err, ErrNoMemoryRegion)

	_, err = mem.ReadAt(make([]byte, 1), -1)
	assert.Error(t, err)
}

func TestWithRegions(t *testing.T) {
	mem := buildAnonymous(t,
		Range{Start: 0, Size: 4 * kib},
		Range{Start: 1 * mib, Size: 4 * kib},
	)

	var starts []GuestAddress
	require.NoError(t, mem.WithRegions(func(i int, r *Region) error {
		assert.Equal(t, len(starts), i)
		starts = append(starts, r.StartAddr())
		return nil
	}))
	assert.Equal(t, []GuestAddress{0, 1 * mib}, starts)

	stop := assert.AnError
	calls := 0
	err := mem.WithRegions(func(int, *Region) error {
		calls++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
}

func TestInsertLeavesOriginalUnchanged(t *testing.T) {
	mem, err := Build([]Range{{Start: 0, Size: 64 * kib}}, Backing{})
	require.NoError(t, err)

	region, err := BuildRegion(Range{Start: 1 * mib, Size: 64 * kib}, Backing{})
	require.NoError(t, err)

	next, err := mem.Insert(region)
	require.NoError(t, err)
	defer next.Close()

	assert.Equal(t, 1, mem.NumRegions())
	assert.Equal(t, 2, next.NumRegions())
	assert.Same(t, mem.Regions()[0], next.Regions()[0])

	overlapping, err := BuildRegion(Range{Start: 32 * kib, Size: 64 * kib}, Backing{})
	require.NoError(t, err)
	defer overlapping.Close()

	_, err = next.Insert(overlapping)
	assert.ErrorIs(t, err, ErrGuestMemory)
}

func TestAtomicSwap(t *testing.T) {
	first := buildAnonymous(t, Range{Start: 0, Size: 4 * kib})
	second := buildAnonymous(t, Range{Start: 0, Size: 8 * kib})

	a := NewAtomic(first)
	assert.Same(t, first, a.Load())

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 1000 {
				m := a.Load()
				// A reader sees one complete snapshot or the other.
				assert.Contains(t, []uint64{4 * kib, 8 * kib}, m.TotalSize())
			}
		}()
	}

	old := a.Swap(second)
	wg.Wait()

	assert.Same(t, first, old)
	assert.Same(t, second, a.Load())
}
