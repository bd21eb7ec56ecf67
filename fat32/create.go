package fat32

import (
	"encoding/binary"
	"strings"
)

// CreateEntry adds a new file to the directory whose first cluster is
// dirCluster, allocating clusters for data and writing a short (8.3)
// directory entry for it. This is not part of the client-facing
// request protocol in server.go (names only
// stat/list/open/read/write/resize as operations on an existing
// file); it exists so cmd/mkfat32 can populate an image the way
// mkfs.go's addfiles populated a Biscuit image, without hand-writing
// directory-entry bytes at the call site.
//
// Long names are not generated; name is truncated/uppercased to fit
// an 8.3 short entry, matching mkfs.go's own skeleton-tree copier,
// which never needed long names for the fixtures it built.
func CreateEntry(dev BlockDevice, bpb *BPB, dirCluster uint32, name string, data []byte) error {
	short := toShortName(name)

	first := uint32(0)
	if len(data) > 0 {
		count := int(clusterCountForSize(bpb, uint64(len(data))))
		f, err := allocateClusters(dev, bpb, count)
		if err != nil {
			return err
		}
		if err := writeRange(dev, bpb, f, 0, data); err != nil {
			return err
		}
		first = f
	}

	return appendDirEntry(dev, bpb, dirCluster, short, first, uint32(len(data)), false)
}

// CreateDir adds a new, empty subdirectory entry to dirCluster,
// allocating one cluster for its (empty, zero-filled) entry table.
func CreateDir(dev BlockDevice, bpb *BPB, dirCluster uint32, name string) error {
	short := toShortName(name)
	first, err := allocateClusters(dev, bpb, 1)
	if err != nil {
		return err
	}
	return appendDirEntry(dev, bpb, dirCluster, short, first, 0, true)
}

// toShortName uppercases name and truncates it to fit an 8.3 short
// entry, splitting on the last '.' for the extension.
func toShortName(name string) [11]byte {
	base := name
	ext := ""
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		base = name[:i]
		ext = name[i+1:]
	}
	base = strings.ToUpper(base)
	ext = strings.ToUpper(ext)
	if len(base) > 8 {
		base = base[:8]
	}
	if len(ext) > 3 {
		ext = ext[:3]
	}
	var out [11]byte
	for i := range out {
		out[i] = ' '
	}
	copy(out[0:8], base)
	copy(out[8:11], ext)
	return out
}

// appendDirEntry scans dirCluster's chain for the first free (0x00 or
// 0xE5) 32-byte slot and writes a short entry there. If the chain has
// no free slot, it extends the chain by one freshly-allocated,
// zero-filled cluster (every entry in a fresh cluster starts as 0x00,
// i.e. already "free") and writes into its first slot.
func appendDirEntry(dev BlockDevice, bpb *BPB, dirCluster uint32, short [11]byte, firstCluster, size uint32, isDir bool) error {
	cluster := dirCluster
	entsPerCluster := int(bpb.ClusterSize) / dirEntrySize

	for {
		buf := make([]byte, bpb.ClusterSize)
		if _, err := dev.ReadAt(buf, int64(bpb.ClusterOffset(cluster))); err != nil {
			return err
		}
		for i := 0; i < entsPerCluster; i++ {
			off := i * dirEntrySize
			if buf[off] == 0x00 || buf[off] == 0xE5 {
				writeShortEntry(buf[off:off+dirEntrySize], short, firstCluster, size, isDir)
				_, err := dev.WriteAt(buf[off:off+dirEntrySize], int64(bpb.ClusterOffset(cluster))+int64(off))
				return err
			}
		}
		next, eof, err := readEntryExpectAllocatedOrEOF(dev, bpb, cluster)
		if err != nil {
			return err
		}
		if eof {
			newCluster, err := allocateClusters(dev, bpb, 1)
			if err != nil {
				return err
			}
			if err := writeEntry(dev, bpb, cluster, newCluster); err != nil {
				return err
			}
			cluster = newCluster
			continue
		}
		cluster = next
	}
}

func writeShortEntry(raw []byte, short [11]byte, firstCluster, size uint32, isDir bool) {
	for i := range raw {
		raw[i] = 0
	}
	copy(raw[0:11], short[:])
	attr := byte(attrArchive)
	if isDir {
		attr = attrDir
	}
	raw[11] = attr
	binary.LittleEndian.PutUint16(raw[20:22], uint16(firstCluster>>16))
	binary.LittleEndian.PutUint16(raw[26:28], uint16(firstCluster))
	binary.LittleEndian.PutUint32(raw[28:32], size)
}
