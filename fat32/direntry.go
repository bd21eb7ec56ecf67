package fat32

import (
	"encoding/binary"
	"unicode/utf16"
)

const dirEntrySize = 32

// Short directory entry attribute bits.
const (
	attrReadOnly = 0x01
	attrHidden   = 0x02
	attrSystem   = 0x04
	attrVolumeID = 0x08
	attrDir      = 0x10
	attrArchive  = 0x20
	attrLongName = attrReadOnly | attrHidden | attrSystem | attrVolumeID
)

const (
	lastLongEntryBit = 0x40
	maxLongOrdinal    = 0x3F
)

// / Entry is a fully-resolved directory entry: a short entry plus the
// / long name accumulated ahead of it, if any. A file's name may be a
// / sequence of long entries terminated by a short entry.
type Entry struct {
	Name         string // long name if present, else the decoded short name
	IsDir        bool
	Size         uint32
	FirstCluster uint32
	CreateTime   FATTime
	ModifyTime   FATTime
	AccessDate   FATDate

	// DirCluster/DirOffset locate the entry's own 32-byte short-entry
	// record on disk, for rewriting (e.g. after Resize). Offset
	// 0xFFFFFFFF is the root-directory sentinel — the root has no
	// writable directory-entry location because no parent directory
	// holds an entry for it.
	DirCluster uint32
	DirOffset  uint32
}

const RootEntrySentinel = 0xFFFFFFFF

// / FATTime is a FAT date+time+hundredths triple.
type FATTime struct {
	Date      uint16
	Time      uint16
	Hundredth uint8
}

// / FATDate is a FAT date-only field (used for last-access).
type FATDate uint16

// shortNameCharOK enumerates bytes permitted in an 8.3 short name.
// The allowed character sets differ for short vs long names.
func shortNameCharOK(b byte) bool {
	switch {
	case b >= 'A' && b <= 'Z':
		return true
	case b >= '0' && b <= '9':
		return true
	case b >= 0x80:
		return true
	}
	switch b {
	case '$', '%', '\'', '-', '_', '@', '~', '`', '!', '(', ')', '{', '}', '^', '#', '&', ' ':
		return true
	}
	return false
}

// longNameCharOK is permissive: any UTF-16 code unit whose low byte
// maps to a byte <= 0xFF is accepted; NUL/0xFFFF are the padding
// sentinels used within a long-name fragment and are not part of the
// name itself.
func longNameCharOK(u uint16) bool {
	return u != 0x0000 && u != 0xFFFF
}

// / shortNameChecksum implements FAT32's rotate-add checksum,
// / computed over the 11-byte short name.
func shortNameChecksum(shortName [11]byte) uint8 {
	var sum uint8
	for _, c := range shortName {
		sum = (sum>>1 | sum<<7) + c
	}
	return sum
}

// decodeShortName converts an 11-byte 8.3 name field into a
// dotted display form, trimming padding spaces.
func decodeShortName(raw [11]byte) string {
	base := trimSpace(raw[0:8])
	ext := trimSpace(raw[8:11])
	if ext == "" {
		return base
	}
	return base + "." + ext
}

func trimSpace(b []byte) string {
	end := len(b)
	for end > 0 && b[end-1] == ' ' {
		end--
	}
	out := make([]byte, 0, end)
	for _, c := range b[:end] {
		if shortNameCharOK(c) || (c >= 'a' && c <= 'z') {
			out = append(out, c)
		}
	}
	return string(out)
}

// / dirIterState is the cursor over a directory's cluster chain: the
// / current cluster, entry index within it, and a buffer of that
// / cluster's data.
type dirIterState struct {
	dev     BlockDevice
	bpb     *BPB
	cluster uint32
	entIdx  int
	buf     []byte

	// long-name accumulator: fragments collected high-ordinal-first,
	// reversed into order when the terminating short entry arrives.
	longFrags    [][]uint16
	longChecksum uint8
	haveLong     bool
}

func newDirIter(dev BlockDevice, bpb *BPB, firstCluster uint32) (*dirIterState, error) {
	it := &dirIterState{dev: dev, bpb: bpb, cluster: firstCluster}
	if err := it.loadCluster(); err != nil {
		return nil, err
	}
	return it, nil
}

func (it *dirIterState) loadCluster() error {
	it.buf = make([]byte, it.bpb.ClusterSize)
	_, err := it.dev.ReadAt(it.buf, int64(it.bpb.ClusterOffset(it.cluster)))
	return err
}

func (it *dirIterState) advanceCluster() (bool, error) {
	next, eof, err := readEntryExpectAllocatedOrEOF(it.dev, it.bpb, it.cluster)
	if err != nil {
		return false, err
	}
	if eof {
		return false, nil
	}
	it.cluster = next
	it.entIdx = 0
	if err := it.loadCluster(); err != nil {
		return false, err
	}
	return true, nil
}

// / Next returns the next resolved Entry in the directory, or
// / (nil, nil) at end-of-directory (a 0x00 first byte signals
// / end-of-directory).
func (it *dirIterState) Next() (*Entry, error) {
	entsPerCluster := int(it.bpb.ClusterSize) / dirEntrySize
	for {
		if it.entIdx >= entsPerCluster {
			ok, err := it.advanceCluster()
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, nil
			}
			continue
		}
		idx := it.entIdx
		raw := it.buf[idx*dirEntrySize : (idx+1)*dirEntrySize]
		it.entIdx++

		first := raw[0]
		if first == 0x00 {
			return nil, nil
		}
		if first == 0xE5 || first == ' ' {
			it.haveLong = false
			it.longFrags = nil
			continue
		}

		attr := raw[11]
		if attr&attrLongName == attrLongName {
			it.consumeLongEntry(raw)
			continue
		}

		e := it.resolveShortEntry(raw)
		e.DirCluster = it.cluster
		e.DirOffset = uint32(idx * dirEntrySize)
		it.haveLong = false
		it.longFrags = nil
		return e, nil
	}
}

func (it *dirIterState) consumeLongEntry(raw []byte) {
	entType := raw[12]
	if entType != 0 {
		// Vendor extension entry; ignored.
		return
	}
	ord := raw[0]
	isLast := ord&lastLongEntryBit != 0
	ordinal := ord & maxLongOrdinal
	checksum := raw[13]

	if isLast {
		it.longFrags = nil
		it.longChecksum = checksum
		it.haveLong = true
	} else if !it.haveLong || checksum != it.longChecksum {
		// Orphaned continuation entry with no matching LAST entry;
		// drop whatever was accumulated and ignore this one too.
		it.haveLong = false
		it.longFrags = nil
		return
	}

	var units []uint16
	units = append(units, decodeUTF16Field(raw[1:11])...)
	units = append(units, decodeUTF16Field(raw[14:26])...)
	units = append(units, decodeUTF16Field(raw[28:32])...)

	// Fragments arrive in descending-ordinal order (ordinal N, N-1, ...,
	// 1); appending here and reversing on assembly restores reading
	// order.
	_ = ordinal
	it.longFrags = append(it.longFrags, units)
}

func decodeUTF16Field(b []byte) []uint16 {
	out := make([]uint16, len(b)/2)
	for i := range out {
		out[i] = binary.LittleEndian.Uint16(b[2*i : 2*i+2])
	}
	var trimmed []uint16
	for _, u := range out {
		if !longNameCharOK(u) {
			break
		}
		trimmed = append(trimmed, u)
	}
	return trimmed
}

func (it *dirIterState) resolveShortEntry(raw []byte) *Entry {
	var shortName [11]byte
	copy(shortName[:], raw[0:11])
	attr := raw[11]

	name := decodeShortName(shortName)
	if it.haveLong && shortNameChecksum(shortName) == it.longChecksum && len(it.longFrags) > 0 {
		var all []uint16
		for i := len(it.longFrags) - 1; i >= 0; i-- {
			all = append(all, it.longFrags[i]...)
		}
		name = string(utf16.Decode(all))
	}

	crtTime := binary.LittleEndian.Uint16(raw[14:16])
	crtDate := binary.LittleEndian.Uint16(raw[16:18])
	crtTenth := raw[13]
	accDate := binary.LittleEndian.Uint16(raw[18:20])
	clusterHi := binary.LittleEndian.Uint16(raw[20:22])
	wrtTime := binary.LittleEndian.Uint16(raw[22:24])
	wrtDate := binary.LittleEndian.Uint16(raw[24:26])
	clusterLo := binary.LittleEndian.Uint16(raw[26:28])
	size := binary.LittleEndian.Uint32(raw[28:32])

	return &Entry{
		Name:         name,
		IsDir:        attr&attrDir != 0,
		Size:         size,
		FirstCluster: uint32(clusterHi)<<16 | uint32(clusterLo),
		CreateTime:   FATTime{Date: crtDate, Time: crtTime, Hundredth: crtTenth},
		ModifyTime:   FATTime{Date: wrtDate, Time: wrtTime},
		AccessDate:   FATDate(accDate),
	}
}
