package fat32

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

// memDevice is a small in-memory BlockDevice, letting these tests
// exercise the FAT-chain helpers directly against a synthetic BPB
// without needing a ~32MB image satisfying ParseBPB's own cluster-count
// floor (that floor only binds at mount time, not at these functions'
// level).
type memDevice struct {
	buf             []byte
	failWriteOffset int64 // -1 disables injection
}

func newMemDevice(size int) *memDevice {
	return &memDevice{buf: make([]byte, size), failWriteOffset: -1}
}

func (m *memDevice) ReadAt(p []byte, off int64) (int, error) {
	return copy(p, m.buf[off:]), nil
}

func (m *memDevice) WriteAt(p []byte, off int64) (int, error) {
	if m.failWriteOffset >= 0 && off == m.failWriteOffset {
		return 0, errors.New("injected write failure")
	}
	return copy(m.buf[off:], p), nil
}

// testFATFixture builds a tiny synthetic BPB: 16 FAT entries (clusters
// 2..15 usable, 14 data clusters), one sector per cluster at 512 bytes.
func testFATFixture() (*memDevice, *BPB) {
	bpb := &BPB{
		BytesPerSector: 512,
		ClusterSize:    512,
		FATByteOffset:  0,
		FATEntries:     16,
		DataOffset:     64,
		ClusterCount:   14,
	}
	dev := newMemDevice(64 + 14*512)
	return dev, bpb
}

func TestReadWriteEntryRoundTrips(t *testing.T) {
	dev, bpb := testFATFixture()
	require.Zero(t, mustRead(t, dev, bpb, 5))

	require.NoError(t, writeEntry(dev, bpb, 5, 1234))
	v, err := readEntry(dev, bpb, 5)
	require.NoError(t, err)
	require.Equal(t, uint32(1234), v)
}

func mustRead(t *testing.T, dev BlockDevice, bpb *BPB, n uint32) uint32 {
	t.Helper()
	v, err := readEntry(dev, bpb, n)
	require.NoError(t, err)
	return v
}

func TestWriteEntryPreservesReservedTopBits(t *testing.T) {
	dev, bpb := testFATFixture()
	// Poke the reserved top 4 bits directly, as a disk image with
	// vendor-reserved FAT flags might already carry.
	off := bpb.FATEntryOffset(7)
	dev.buf[off+3] = 0xF0 // top nibble of the little-endian 32-bit word

	require.NoError(t, writeEntry(dev, bpb, 7, entryEOFUsed))
	require.Equal(t, byte(0xF0|0x0F), dev.buf[off+3], "writeEntry must not clobber the reserved top 4 bits")

	v, err := readEntry(dev, bpb, 7)
	require.NoError(t, err)
	require.Equal(t, uint32(entryEOFUsed), v, "readEntry masks the reserved bits back out")
}

func TestReadEntryExpectAllocatedRejectsOutOfRange(t *testing.T) {
	dev, bpb := testFATFixture()
	for _, n := range []uint32{0, 1, bpb.FATEntries, bpb.FATEntries + 1} {
		_, err := readEntryExpectAllocated(dev, bpb, n)
		require.Error(t, err)
		require.IsType(t, &IOError{}, err)
	}
}

func TestReadEntryExpectAllocatedRejectsFreeBadAndEOF(t *testing.T) {
	dev, bpb := testFATFixture()
	require.NoError(t, writeEntry(dev, bpb, 3, entryBad))
	_, err := readEntryExpectAllocated(dev, bpb, 3)
	require.IsType(t, &IOError{}, err)

	require.NoError(t, writeEntry(dev, bpb, 4, entryEOFUsed))
	_, err = readEntryExpectAllocated(dev, bpb, 4)
	require.IsType(t, &IOError{}, err)

	// cluster 5 was never written: still entryFree.
	_, err = readEntryExpectAllocated(dev, bpb, 5)
	require.IsType(t, &IOError{}, err)
}

func TestReadEntryExpectAllocatedOrEOFDistinguishesEOF(t *testing.T) {
	dev, bpb := testFATFixture()
	require.NoError(t, writeEntry(dev, bpb, 6, entryEOFUsed))
	next, eof, err := readEntryExpectAllocatedOrEOF(dev, bpb, 6)
	require.NoError(t, err)
	require.True(t, eof)
	require.Zero(t, next)

	require.NoError(t, writeEntry(dev, bpb, 6, 9))
	next, eof, err = readEntryExpectAllocatedOrEOF(dev, bpb, 6)
	require.NoError(t, err)
	require.False(t, eof)
	require.Equal(t, uint32(9), next)
}

func TestChainClustersWalksExpectedLength(t *testing.T) {
	dev, bpb := testFATFixture()
	require.NoError(t, writeEntry(dev, bpb, 2, 3))
	require.NoError(t, writeEntry(dev, bpb, 3, 4))
	require.NoError(t, writeEntry(dev, bpb, 4, entryEOFUsed))

	clusters, err := chainClusters(dev, bpb, 2, uint64(bpb.ClusterSize)*2+1)
	require.NoError(t, err)
	require.Equal(t, []uint32{2, 3, 4}, clusters)
}

func TestChainClustersFailsWhenChainEndsEarly(t *testing.T) {
	dev, bpb := testFATFixture()
	require.NoError(t, writeEntry(dev, bpb, 2, entryEOFUsed))

	_, err := chainClusters(dev, bpb, 2, uint64(bpb.ClusterSize)*3)
	require.Error(t, err)
	require.IsType(t, &IOError{}, err)
}

func TestFullChainWalksEntireChain(t *testing.T) {
	dev, bpb := testFATFixture()
	require.NoError(t, writeEntry(dev, bpb, 2, 3))
	require.NoError(t, writeEntry(dev, bpb, 3, entryEOFUsed))

	chain, err := fullChain(dev, bpb, 2)
	require.NoError(t, err)
	require.Equal(t, []uint32{2, 3}, chain)
}

func TestAllocateClustersChainsAndZeroFills(t *testing.T) {
	dev, bpb := testFATFixture()
	// Litter the data region for cluster 4 with garbage ahead of time,
	// so a non-zero-fill would be caught.
	garbage := bpb.ClusterOffset(4)
	dev.buf[garbage] = 0xAB

	first, err := allocateClusters(dev, bpb, 3)
	require.NoError(t, err)
	require.Equal(t, uint32(2), first)

	chain, err := fullChain(dev, bpb, first)
	require.NoError(t, err)
	require.Equal(t, []uint32{2, 3, 4}, chain)

	require.Equal(t, byte(0), dev.buf[garbage], "allocateClusters must zero-fill every cluster it hands out")

	last, err := readEntry(dev, bpb, 4)
	require.NoError(t, err)
	require.Equal(t, uint32(entryEOFUsed), last)
}

func TestAllocateClustersFailsWhenTooFewFreeEntries(t *testing.T) {
	dev, bpb := testFATFixture()
	// Only 14 usable clusters (2..15) exist; ask for one more than that.
	_, err := allocateClusters(dev, bpb, 15)
	require.Error(t, err)
	require.IsType(t, &NoSpaceError{}, err)

	// The scan phase never wrote anything: every entry is still free.
	for n := uint32(2); n < bpb.FATEntries; n++ {
		v, err := readEntry(dev, bpb, n)
		require.NoError(t, err)
		require.Equal(t, uint32(entryFree), v)
	}
}

func TestAllocateClustersRollsBackOnWriteFailureMidway(t *testing.T) {
	dev, bpb := testFATFixture()
	// Fail the zero-fill write for the third cluster in the scan order
	// (cluster 4), after clusters 2 and 3 have already been linked.
	dev.failWriteOffset = int64(bpb.ClusterOffset(4))

	_, err := allocateClusters(dev, bpb, 3)
	require.Error(t, err)
	require.EqualError(t, err, "injected write failure", "the device's own error is returned unchanged")

	dev.failWriteOffset = -1
	for _, n := range []uint32{2, 3, 4} {
		v, err := readEntry(dev, bpb, n)
		require.NoError(t, err)
		require.Equal(t, uint32(entryFree), v, "cluster %d must be rolled back to free after a partial allocation failure", n)
	}
}

func TestFreeChainClustersMarksEveryEntryFree(t *testing.T) {
	dev, bpb := testFATFixture()
	first, err := allocateClusters(dev, bpb, 2)
	require.NoError(t, err)
	chain, err := fullChain(dev, bpb, first)
	require.NoError(t, err)

	require.NoError(t, freeChainClusters(dev, bpb, chain))
	for _, n := range chain {
		v, err := readEntry(dev, bpb, n)
		require.NoError(t, err)
		require.Equal(t, uint32(entryFree), v)
	}
}

func TestAppendClustersLinksOntoExistingTail(t *testing.T) {
	dev, bpb := testFATFixture()
	first, err := allocateClusters(dev, bpb, 1)
	require.NoError(t, err)

	require.NoError(t, appendClusters(dev, bpb, first, 2))

	chain, err := fullChain(dev, bpb, first)
	require.NoError(t, err)
	require.Len(t, chain, 3)
}
