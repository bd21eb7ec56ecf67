package fat32

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

// bpbFields mirrors the on-disk boot-sector layout ParseBPB reads,
// letting each test case start from a known-valid geometry and mutate
// exactly one field. The geometry below is the smallest one that
// clears FAT32's own 65525-cluster floor: 512-byte sectors, one
// sector per cluster, a single 600-sector FAT.
type bpbFields struct {
	jump0, jump2            byte
	jump1IsE9                bool
	bytesPerSector           uint16
	sectorsPerCluster        byte
	reservedSectors          uint16
	numFATs                  byte
	rootEntCnt               uint16
	totSec16                 uint16
	media                    byte
	fatSz16                  uint16
	totSec32                 uint32
	fatSz32                  uint32
	version                  uint16
	rootCluster              uint32
	bkBootSec                uint16
	extSig                   byte
	fileSystemType           [8]byte
	signature                uint16
}

func validBPBFields() bpbFields {
	return bpbFields{
		jump0:             0xEB,
		jump2:             0x90,
		bytesPerSector:    512,
		sectorsPerCluster: 1,
		reservedSectors:   32,
		numFATs:           1,
		media:             0xF8,
		totSec32:          66157,
		fatSz32:           600,
		rootCluster:       2,
		extSig:            0x29,
		fileSystemType:    [8]byte{'F', 'A', 'T', '3', '2', ' ', ' ', ' '},
		signature:         0xAA55,
	}
}

func encodeBPBSector(f bpbFields) []byte {
	sec := make([]byte, 512)
	if f.jump1IsE9 {
		sec[0] = 0xE9
	} else {
		sec[0], sec[1], sec[2] = f.jump0, 0x3C, f.jump2
	}
	binary.LittleEndian.PutUint16(sec[11:13], f.bytesPerSector)
	sec[13] = f.sectorsPerCluster
	binary.LittleEndian.PutUint16(sec[14:16], f.reservedSectors)
	sec[16] = f.numFATs
	binary.LittleEndian.PutUint16(sec[17:19], f.rootEntCnt)
	binary.LittleEndian.PutUint16(sec[19:21], f.totSec16)
	sec[21] = f.media
	binary.LittleEndian.PutUint16(sec[22:24], f.fatSz16)
	binary.LittleEndian.PutUint32(sec[32:36], f.totSec32)
	binary.LittleEndian.PutUint32(sec[36:40], f.fatSz32)
	binary.LittleEndian.PutUint16(sec[42:44], f.version)
	binary.LittleEndian.PutUint32(sec[44:48], f.rootCluster)
	binary.LittleEndian.PutUint16(sec[50:52], f.bkBootSec)
	sec[66] = f.extSig
	copy(sec[82:90], f.fileSystemType[:])
	binary.LittleEndian.PutUint16(sec[510:512], f.signature)
	return sec
}

func TestParseBPBAcceptsMinimalValidGeometry(t *testing.T) {
	b, err := ParseBPB(encodeBPBSector(validBPBFields()))
	require.NoError(t, err)
	require.Equal(t, uint32(512), b.ClusterSize)
	require.Equal(t, uint64(16384), b.FATByteOffset)
	require.Equal(t, uint64(323584), b.DataOffset)
	require.Equal(t, uint32(76800), b.FATEntries)
	require.Equal(t, uint32(65525), b.ClusterCount, "must sit exactly at FAT32's cluster-count floor")
}

func TestParseBPBRejectsShortSector(t *testing.T) {
	_, err := ParseBPB(make([]byte, 511))
	require.Error(t, err)
	require.IsType(t, &ErrBadBPB{}, err)
}

func TestParseBPBRejectsEachBrokenPredicate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(f *bpbFields)
	}{
		{"bad jump bytes", func(f *bpbFields) { f.jump0 = 0x00 }},
		{"bytes-per-sector not in allowed set", func(f *bpbFields) { f.bytesPerSector = 600 }},
		{"sectors-per-cluster not a power of two", func(f *bpbFields) { f.sectorsPerCluster = 3 }},
		{"sectors-per-cluster exceeds 128", func(f *bpbFields) { f.sectorsPerCluster = 255 }},
		{"zero reserved sectors", func(f *bpbFields) { f.reservedSectors = 0 }},
		{"zero FAT count", func(f *bpbFields) { f.numFATs = 0 }},
		{"nonzero FAT16 root entry count", func(f *bpbFields) { f.rootEntCnt = 1 }},
		{"nonzero FAT16 total sectors", func(f *bpbFields) { f.totSec16 = 1 }},
		{"nonzero FAT16 FAT size", func(f *bpbFields) { f.fatSz16 = 1 }},
		{"invalid media descriptor", func(f *bpbFields) { f.media = 0x00 }},
		{"nonzero FAT32 version", func(f *bpbFields) { f.version = 1 }},
		{"invalid backup boot sector", func(f *bpbFields) { f.bkBootSec = 3 }},
		{"wrong FileSystemType string", func(f *bpbFields) { f.fileSystemType = [8]byte{'X', 'X', 'X', 'X', 'X', 'X', 'X', 'X'} }},
		{"bad trailing signature", func(f *bpbFields) { f.signature = 0x1234 }},
		{"geometry does not fit the drive", func(f *bpbFields) { f.totSec32 = 100 }},
		{"cluster count below FAT32 floor", func(f *bpbFields) { f.totSec32 = 66156 }},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			f := validBPBFields()
			c.mutate(&f)
			_, err := ParseBPB(encodeBPBSector(f))
			require.Error(t, err, "expected rejection")
			require.IsType(t, &ErrBadBPB{}, err)
		})
	}
}

func TestParseBPBAcceptsAlternateJumpForm(t *testing.T) {
	f := validBPBFields()
	f.jump1IsE9 = true
	_, err := ParseBPB(encodeBPBSector(f))
	require.NoError(t, err)
}

func TestParseBPBSkipsFileSystemTypeCheckWithoutExtendedSignature(t *testing.T) {
	f := validBPBFields()
	f.extSig = 0x00
	f.fileSystemType = [8]byte{'j', 'u', 'n', 'k', 0, 0, 0, 0}
	_, err := ParseBPB(encodeBPBSector(f))
	require.NoError(t, err, "the FileSystemType string is only checked when extSig == 0x29")
}

func TestClusterOffsetAndFATEntryOffsetArithmetic(t *testing.T) {
	b, err := ParseBPB(encodeBPBSector(validBPBFields()))
	require.NoError(t, err)

	require.Equal(t, b.DataOffset, b.ClusterOffset(2))
	require.Equal(t, b.DataOffset+uint64(b.ClusterSize), b.ClusterOffset(3))
	require.Equal(t, b.FATByteOffset+8, b.FATEntryOffset(2))
}
