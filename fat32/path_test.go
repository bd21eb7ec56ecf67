package fat32

import (
	"testing"

	"github.com/stretchr/testify/require"

	"biscuit-core/defs"
)

func testVolume(t *testing.T) (*memDevice, *BPB) {
	t.Helper()
	dev, bpb := testFATFixture()
	root, err := allocateClusters(dev, bpb, 1)
	require.NoError(t, err)
	bpb.RootCluster = root
	return dev, bpb
}

func TestResolvePathEmptyReturnsRootSentinel(t *testing.T) {
	dev, bpb := testVolume(t)
	e, err := resolvePath(dev, bpb, "")
	require.NoError(t, err)
	require.True(t, e.IsDir)
	require.Equal(t, bpb.RootCluster, e.FirstCluster)
	require.Equal(t, uint32(RootEntrySentinel), e.DirOffset)
}

func TestResolvePathFindsTopLevelFile(t *testing.T) {
	dev, bpb := testVolume(t)
	require.NoError(t, CreateEntry(dev, bpb, bpb.RootCluster, "HELLO.TXT", []byte("hi")))

	e, err := resolvePath(dev, bpb, "HELLO.TXT")
	require.NoError(t, err)
	require.Equal(t, "HELLO.TXT", e.Name)
	require.Equal(t, uint32(2), e.Size)
	require.False(t, e.IsDir)
}

func TestResolvePathFindsNestedFileThroughSubdirectory(t *testing.T) {
	dev, bpb := testVolume(t)
	require.NoError(t, CreateDir(dev, bpb, bpb.RootCluster, "SUB"))
	sub, err := lookupChild(dev, bpb, bpb.RootCluster, "SUB")
	require.NoError(t, err)
	require.True(t, sub.IsDir)

	require.NoError(t, CreateEntry(dev, bpb, sub.FirstCluster, "CHILD.TXT", []byte("xyz")))

	e, err := resolvePath(dev, bpb, "SUB/CHILD.TXT")
	require.NoError(t, err)
	require.Equal(t, "CHILD.TXT", e.Name)
	require.Equal(t, uint32(3), e.Size)
}

func TestResolvePathMissingComponentFails(t *testing.T) {
	dev, bpb := testVolume(t)
	_, err := resolvePath(dev, bpb, "NOPE.TXT")
	require.Error(t, err)
	require.Equal(t, defs.ENOENT, ToErr(err))
}

func TestResolvePathThroughAFileFails(t *testing.T) {
	dev, bpb := testVolume(t)
	require.NoError(t, CreateEntry(dev, bpb, bpb.RootCluster, "FILE.TXT", []byte("x")))

	_, err := resolvePath(dev, bpb, "FILE.TXT/CHILD.TXT")
	require.Error(t, err)
	require.Equal(t, defs.ENOTDIR, ToErr(err))
}

func TestToErrMapsNilToSuccess(t *testing.T) {
	require.Zero(t, ToErr(nil))
}

func TestToErrMapsNoSpaceAndIOErrors(t *testing.T) {
	require.Equal(t, defs.ENOSPACE, ToErr(&NoSpaceError{Reason: "full"}))
	require.Equal(t, defs.EIOINTERNAL, ToErr(&IOError{Reason: "corrupt"}))
	require.Equal(t, defs.EIOINTERNAL, ToErr(&ErrBadBPB{Reason: "bad"}))
}
