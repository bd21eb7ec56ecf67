package vmm

import (
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"

	"biscuit-core/defs"
	"biscuit-core/pfa"
)

func testManager(t *testing.T) *Manager {
	t.Helper()
	alloc := pfa.New(logr.Discard(), []pfa.MemRange{
		{Start: 0, Length: 16 << 20, Type: pfa.RangeUsable, ACPIValid: true},
	})
	return New(logr.Discard(), alloc)
}

func TestNewAddressSpaceWiresRecursiveSlot(t *testing.T) {
	m := testManager(t)
	as, err := m.NewAddressSpace()
	require.Zero(t, err)
	require.NotZero(t, as.Root)
	require.Equal(t, mkpte(as.Root, PTE_P|PTE_W), m.store.at(as.Root)[RecursiveSlot])
}

func TestMapPagesThenFrameAtRoundTrips(t *testing.T) {
	m := testManager(t)
	as, err := m.NewAddressSpace()
	require.Zero(t, err)

	const va = UserMin
	require.Zero(t, m.MapPages(as, va, PGSIZE, true, false, true, false))

	frame, err := m.FrameAt(as, va)
	require.Zero(t, err)
	require.True(t, frame.Aligned())

	buf := m.FrameBytes(frame)
	buf[0] = 0xAB
	require.Equal(t, byte(0xAB), m.FrameBytes(frame)[0])
}

func TestMapPagesRejectsReMapWithDifferentPermissions(t *testing.T) {
	m := testManager(t)
	as, _ := m.NewAddressSpace()
	require.Zero(t, m.MapPages(as, UserMin, PGSIZE, true, false, true, false))

	err := m.MapPages(as, UserMin, PGSIZE, true, false, false, false)
	require.Equal(t, defs.EMAPPED, err)
}

func TestMapPagesIdenticalPermissionsIsIdempotent(t *testing.T) {
	m := testManager(t)
	as, _ := m.NewAddressSpace()
	require.Zero(t, m.MapPages(as, UserMin, PGSIZE, true, false, true, false))
	require.Zero(t, m.MapPages(as, UserMin, PGSIZE, true, false, true, false))
}

func TestVerifyUserBuffer(t *testing.T) {
	require.Zero(t, VerifyUserBuffer(UserMin, 4096))
	require.Equal(t, defs.EFAULT, VerifyUserBuffer(0, 4096), "below UserMin")
	require.Equal(t, defs.EFAULT, VerifyUserBuffer(UserMax-1, 4096), "crosses UserMax")
	require.Equal(t, defs.EFAULT, VerifyUserBuffer(UserMin, -1), "negative length")

	wrapped := ^uintptr(0) - 10
	require.Equal(t, defs.EFAULT, VerifyUserBuffer(wrapped, 4096), "pointer+length wraps")
}

func TestRemoveIdentityMappingIsIdempotent(t *testing.T) {
	m := testManager(t)
	as, _ := m.NewAddressSpace()
	m.RemoveIdentityMapping(as)
	m.RemoveIdentityMapping(as)
	require.True(t, as.identityRemoved)
}

func TestUnmapPagesFreesFrame(t *testing.T) {
	m := testManager(t)
	as, _ := m.NewAddressSpace()
	require.Zero(t, m.MapPages(as, UserMin, PGSIZE, true, false, true, false))

	frame, err := m.FrameAt(as, UserMin)
	require.Zero(t, err)
	require.Equal(t, 1, m.alloc.Refcount(frame))

	m.UnmapPages(as, UserMin, PGSIZE)
	require.Equal(t, 0, m.alloc.Refcount(frame))

	_, err = m.FrameAt(as, UserMin)
	require.Equal(t, defs.EFAULT, err)
}

func TestForkAddressSpaceSharesPagesReadOnly(t *testing.T) {
	m := testManager(t)
	parent, _ := m.NewAddressSpace()
	require.Zero(t, m.MapPages(parent, UserMin, PGSIZE, true, false, true, false))
	frame, _ := m.FrameAt(parent, UserMin)
	m.FrameBytes(frame)[0] = 0x42

	child, err := m.ForkAddressSpace(parent)
	require.Zero(t, err)

	childFrame, err := m.FrameAt(child, UserMin)
	require.Zero(t, err)
	require.Equal(t, frame, childFrame, "fork should share the frame until a write fault")
	require.Equal(t, byte(0x42), m.FrameBytes(childFrame)[0])
	require.Equal(t, 2, m.alloc.Refcount(frame))
}

func TestPageFaultCopiesOnWriteWhenSharedAndRestoresWriteBitWhenSole(t *testing.T) {
	m := testManager(t)
	parent, _ := m.NewAddressSpace()
	require.Zero(t, m.MapPages(parent, UserMin, PGSIZE, true, false, true, false))
	frame, _ := m.FrameAt(parent, UserMin)
	m.FrameBytes(frame)[0] = 0x7

	child, err := m.ForkAddressSpace(parent)
	require.Zero(t, err)

	// Shared: a write fault on the child must copy, leaving the parent's
	// frame untouched and the child with a private, writable copy.
	require.Zero(t, m.PageFault(child, UserMin))
	childFrame, _ := m.FrameAt(child, UserMin)
	require.NotEqual(t, frame, childFrame)
	require.Equal(t, byte(0x7), m.FrameBytes(childFrame)[0])
	require.Equal(t, 1, m.alloc.Refcount(frame), "parent's frame drops back to sole ownership")

	// Sole owner: a further write fault on the parent's now-unshared
	// frame only needs the write bit restored, not a fresh copy.
	require.Zero(t, m.PageFault(parent, UserMin))
	parentFrame, _ := m.FrameAt(parent, UserMin)
	require.Equal(t, frame, parentFrame)
}

func TestPageFaultOnUnmappedAddressFails(t *testing.T) {
	m := testManager(t)
	as, _ := m.NewAddressSpace()
	require.Equal(t, defs.EFAULT, m.PageFault(as, UserMin))
}
