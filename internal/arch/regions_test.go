package arch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyrange/guestmem/internal/guestmem"
	"github.com/tinyrange/guestmem/internal/hv"
)

const (
	mib = 1 << 20
	gib = 1 << 30
)

func assertNonOverlapping(t *testing.T, regions []Region) {
	t.Helper()
	for i := 1; i < len(regions); i++ {
		prevEnd := uint64(regions[i-1].Base) + regions[i-1].Size
		assert.LessOrEqual(t, prevEnd, uint64(regions[i].Base), "%s overlaps %s", regions[i-1], regions[i])
	}
}

func TestX86RegionsBelowHole(t *testing.T) {
	regions, err := MemoryRegions(hv.ArchitectureX86_64, 512*mib)
	require.NoError(t, err)

	assert.Equal(t, []Region{
		{Base: 0, Size: 512 * mib, Type: RegionRAM},
		{Base: 0xC000_0000, Size: 640 * mib, Type: RegionSubRegion},
		{Base: 0xC000_0000 + 640*mib, Size: 384 * mib, Type: RegionReserved},
	}, regions)
	assertNonOverlapping(t, regions)

	assert.Equal(t, []guestmem.Range{{Start: 0, Size: 512 * mib}}, RAMRegions(regions))
}

func TestX86RegionsExactlyAtHole(t *testing.T) {
	regions, err := MemoryRegions(hv.ArchitectureX86_64, 3*gib)
	require.NoError(t, err)

	assert.Len(t, RAMRegions(regions), 1)
	assertNonOverlapping(t, regions)
}

func TestX86RegionsAboveHole(t *testing.T) {
	regions, err := MemoryRegions(hv.ArchitectureX86_64, 5*gib)
	require.NoError(t, err)
	assertNonOverlapping(t, regions)

	ram := RAMRegions(regions)
	assert.Equal(t, []guestmem.Range{
		{Start: 0, Size: 3 * gib},
		{Start: 0x1_0000_0000, Size: 2 * gib},
	}, ram)

	var total uint64
	for _, r := range ram {
		total += r.Size
	}
	assert.Equal(t, uint64(5*gib), total)
}

func TestARM64Regions(t *testing.T) {
	regions, err := MemoryRegions(hv.ArchitectureARM64, 1*gib)
	require.NoError(t, err)
	assertNonOverlapping(t, regions)

	assert.Equal(t, []guestmem.Range{{Start: 0x4000_0000, Size: 1 * gib}}, RAMRegions(regions))
}

func TestMemoryRegionsErrors(t *testing.T) {
	_, err := MemoryRegions(hv.ArchitectureX86_64, 0)
	assert.Error(t, err)

	_, err = MemoryRegions(hv.ArchitectureInvalid, gib)
	assert.Error(t, err)

	_, err = MemoryRegions(hv.ArchitectureARM64, ^uint64(0))
	assert.Error(t, err)

	_, err = LayoutFor(hv.ArchitectureInvalid)
	assert.Error(t, err)
}

func TestRegionTypeString(t *testing.T) {
	assert.Equal(t, "ram", RegionRAM.String())
	assert.Equal(t, "reserved", RegionReserved.String())
	assert.Equal(t, "RegionType(9)", RegionType(9).String())
}
