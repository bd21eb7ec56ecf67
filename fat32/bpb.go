// Package fat32 implements a FAT32 file-system server: BPB parsing,
// FAT chain walking, short/long-name directory traversal, and file
// read/write/resize with cluster allocation, served over the
// ipc/mqueue primitives the rest of this repository provides.
//
// Biscuit itself has no FAT32 code (its own file system is a custom
// log-structured format in fs/blk.go + fs/super.go); this package is
// grounded on fs/super.go's field-accessor style (plain getter
// methods over a *mem.Bytepg_t byte buffer instead of a tagged
// struct) and on ufs/driver.go's file-backed disk simulator, adapted
// from Biscuit's own on-disk format to FAT32's.
package fat32

import (
	"encoding/binary"
	"fmt"
)

// / SectorSize values the BPB's BytsPerSec field may legally take.
var validSectorSizes = map[uint16]bool{512: true, 1024: true, 2048: true, 4096: true}

// / BPB is the parsed Bios Parameter Block: the
// / geometry fields needed to compute byte offsets into the FAT and
// / data regions, plus the derived quantities callers need repeatedly.
type BPB struct {
	BytesPerSector    uint16
	SectorsPerCluster uint8
	ReservedSectors   uint16
	NumFATs           uint8
	FATSize32         uint32
	RootCluster       uint32
	TotalSectors32    uint32
	VolumeLabel       [11]byte
	FileSystemType    [8]byte

	// Derived geometry  ("State").
	ClusterSize   uint32 // SectorsPerCluster * BytesPerSector
	FATByteOffset uint64
	DataOffset    uint64 // byte offset of cluster 2
	FATEntries    uint32 // total FAT entry count
	ClusterCount  uint32
}

// / ErrBadBPB is returned by ParseBPB when any validation predicate in
// / fails. The message names which one, for
// / diagnostics; callers should treat any non-nil error identically
// / (NewServer returns it unchanged; ToErr maps it to defs.EIOINTERNAL).
type ErrBadBPB struct{ Reason string }

func (e *ErrBadBPB) Error() string { return fmt.Sprintf("invalid FAT32 BPB: %s", e.Reason) }

// / ParseBPB validates and parses the 512-byte boot sector sec0 into a
// / BPB, applying every predicate lists.
func ParseBPB(sec0 []byte) (*BPB, error) {
	if len(sec0) < 512 {
		return nil, &ErrBadBPB{"boot sector shorter than 512 bytes"}
	}

	jmp := sec0[0:3]
	jumpOK := jmp[0] == 0xEB && jmp[2] == 0x90 || jmp[0] == 0xE9
	if !jumpOK {
		return nil, &ErrBadBPB{"bad jump instruction bytes"}
	}

	bps := binary.LittleEndian.Uint16(sec0[11:13])
	if !validSectorSizes[bps] {
		return nil, &ErrBadBPB{"bytes-per-sector not in {512,1024,2048,4096}"}
	}

	spc := sec0[13]
	if spc == 0 || spc&(spc-1) != 0 || spc > 128 {
		return nil, &ErrBadBPB{"sectors-per-cluster not a power of two in 1..128"}
	}

	reserved := binary.LittleEndian.Uint16(sec0[14:16])
	if reserved == 0 {
		return nil, &ErrBadBPB{"reserved sector count is zero"}
	}

	numFATs := sec0[16]
	if numFATs == 0 {
		return nil, &ErrBadBPB{"FAT count is zero"}
	}

	rootEntCnt := binary.LittleEndian.Uint16(sec0[17:19])
	totSec16 := binary.LittleEndian.Uint16(sec0[19:21])
	fatSz16 := binary.LittleEndian.Uint16(sec0[22:24])
	if rootEntCnt != 0 || totSec16 != 0 || fatSz16 != 0 {
		return nil, &ErrBadBPB{"FAT16-only fields are non-zero"}
	}

	media := sec0[21]
	if media < 0xF0 && media != 0xF8 {
		return nil, &ErrBadBPB{"invalid media descriptor"}
	}

	fatSz32 := binary.LittleEndian.Uint32(sec0[36:40])
	totSec32 := binary.LittleEndian.Uint32(sec0[32:36])
	version := binary.LittleEndian.Uint16(sec0[42:44])
	if version != 0 {
		return nil, &ErrBadBPB{"non-zero FAT32 version"}
	}
	rootClus := binary.LittleEndian.Uint32(sec0[44:48])

	bkBootSec := binary.LittleEndian.Uint16(sec0[50:52])
	if bkBootSec != 0 && bkBootSec != 6 {
		return nil, &ErrBadBPB{"backup boot sector not 0 or 6"}
	}

	extSig := sec0[66]
	var fsType [8]byte
	copy(fsType[:], sec0[82:90])
	if extSig == 0x29 {
		want := [8]byte{'F', 'A', 'T', '3', '2', ' ', ' ', ' '}
		if fsType != want {
			return nil, &ErrBadBPB{"FileSystemType string is not 'FAT32   '"}
		}
	}

	sig := binary.LittleEndian.Uint16(sec0[510:512])
	if sig != 0xAA55 {
		return nil, &ErrBadBPB{"trailing signature is not 0xAA55"}
	}

	b := &BPB{
		BytesPerSector:    bps,
		SectorsPerCluster: spc,
		ReservedSectors:   reserved,
		NumFATs:           numFATs,
		FATSize32:         fatSz32,
		RootCluster:       rootClus,
		TotalSectors32:    totSec32,
		FileSystemType:    fsType,
	}
	copy(b.VolumeLabel[:], sec0[71:82])

	b.ClusterSize = uint32(b.SectorsPerCluster) * uint32(b.BytesPerSector)
	b.FATByteOffset = uint64(b.ReservedSectors) * uint64(b.BytesPerSector)
	dataStartSector := uint64(b.ReservedSectors) + uint64(b.NumFATs)*uint64(b.FATSize32)
	b.DataOffset = dataStartSector * uint64(b.BytesPerSector)

	dataSectors := uint64(b.TotalSectors32) - dataStartSector
	b.ClusterCount = uint32(dataSectors / uint64(b.SectorsPerCluster))
	b.FATEntries = b.FATSize32 * uint32(b.BytesPerSector) / 4

	totalBytes := uint64(b.TotalSectors32) * uint64(b.BytesPerSector)
	if b.DataOffset > totalBytes {
		return nil, &ErrBadBPB{"geometry does not fit the drive"}
	}
	if b.ClusterCount < 65525 {
		return nil, &ErrBadBPB{"cluster count below the FAT32 minimum of 65525"}
	}

	return b, nil
}

// / ClusterOffset returns the byte offset of cluster n's first byte in
// / the data region.
func (b *BPB) ClusterOffset(n uint32) uint64 {
	return b.DataOffset + uint64(n-2)*uint64(b.ClusterSize)
}

// / FATEntryOffset returns the byte offset of cluster n's FAT entry.
func (b *BPB) FATEntryOffset(n uint32) uint64 {
	return b.FATByteOffset + uint64(n)*4
}
