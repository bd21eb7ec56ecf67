package fat32

import (
	"encoding/binary"

	"biscuit-core/util"
)

// / readRange reads length bytes starting at offset from the file
// / whose first cluster is first  ("File I/O"):
// / walk to the cluster containing the start offset, then read the
// / partial head cluster, full middle clusters, and the partial tail
// / cluster.
func readRange(dev BlockDevice, bpb *BPB, first uint32, offset, length uint64) ([]byte, error) {
	if length == 0 {
		return nil, nil
	}
	clusterSize := uint64(bpb.ClusterSize)
	startIdx := offset / clusterSize
	endOffset := offset + length

	clusters, err := chainClusters(dev, bpb, first, endOffset)
	if err != nil {
		return nil, err
	}
	out := make([]byte, length)
	written := uint64(0)
	for i := startIdx; i < uint64(len(clusters)); i++ {
		clusterStart := i * clusterSize
		clusterEnd := clusterStart + clusterSize
		rangeStart := util.Max(offset, clusterStart)
		rangeEnd := util.Min(endOffset, clusterEnd)
		if rangeStart >= rangeEnd {
			continue
		}
		buf := make([]byte, rangeEnd-rangeStart)
		diskOff := bpb.ClusterOffset(clusters[i]) + (rangeStart - clusterStart)
		if _, err := dev.ReadAt(buf, int64(diskOff)); err != nil {
			return nil, err
		}
		copy(out[written:], buf)
		written += uint64(len(buf))
	}
	return out, nil
}

// / writeRange writes data at offset into the file whose first
// / cluster is first. The caller (fat32.Server) is responsible for
// / having already verified offset+len(data) <= current size — writes
// / never grow a file; Resize is the only way to change its length.
func writeRange(dev BlockDevice, bpb *BPB, first uint32, offset uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	clusterSize := uint64(bpb.ClusterSize)
	startIdx := offset / clusterSize
	endOffset := offset + uint64(len(data))

	clusters, err := chainClusters(dev, bpb, first, endOffset)
	if err != nil {
		return err
	}
	written := uint64(0)
	for i := startIdx; i < uint64(len(clusters)); i++ {
		clusterStart := i * clusterSize
		clusterEnd := clusterStart + clusterSize
		rangeStart := util.Max(offset, clusterStart)
		rangeEnd := util.Min(endOffset, clusterEnd)
		if rangeStart >= rangeEnd {
			continue
		}
		n := rangeEnd - rangeStart
		diskOff := bpb.ClusterOffset(clusters[i]) + (rangeStart - clusterStart)
		if _, err := dev.WriteAt(data[written:written+n], int64(diskOff)); err != nil {
			return err
		}
		written += n
	}
	return nil
}

// / clusterCountForSize returns the number of clusters a file of
// / size bytes occupies. A mask form like `(n + clusterSize - 1) &
// / (clusterSize - 1)` yields a remainder within a cluster, not a
// / cluster count; this uses the rounding-up division form instead.
func clusterCountForSize(bpb *BPB, size uint64) uint64 {
	if size == 0 {
		return 0
	}
	return (size + uint64(bpb.ClusterSize) - 1) / uint64(bpb.ClusterSize)
}

// / resize implements resize operation: grow
// / appends and zero-fills newly-included bytes of the boundary
// / cluster; shrink marks the new last cluster EOF and frees the
// / tail. It does not rewrite the directory entry's size field —
// / callers do that after a successful resize, since they hold the
// / Entry's on-disk location.
func resize(dev BlockDevice, bpb *BPB, first uint32, oldSize, newSize uint64) (newFirst uint32, err error) {
	oldClusters := clusterCountForSize(bpb, oldSize)
	newClusters := clusterCountForSize(bpb, newSize)

	if oldClusters == 0 && newClusters == 0 {
		return first, nil
	}
	if oldClusters == 0 {
		// File had no clusters yet; allocate the whole new chain.
		nf, err := allocateClusters(dev, bpb, int(newClusters))
		if err != nil {
			return 0, err
		}
		return nf, zeroTailOfLastCluster(dev, bpb, nf, newClusters, newSize)
	}

	chain, err := fullChain(dev, bpb, first)
	if err != nil {
		return 0, err
	}

	switch {
	case newClusters > oldClusters:
		if err := appendClusters(dev, bpb, chain[len(chain)-1], int(newClusters-oldClusters)); err != nil {
			return 0, err
		}
		if oldSize%uint64(bpb.ClusterSize) != 0 {
			if err := zeroBoundaryTail(dev, bpb, chain[len(chain)-1], oldSize); err != nil {
				return 0, err
			}
		}
		return first, nil

	case newClusters < oldClusters:
		if newClusters == 0 {
			if err := freeChainClusters(dev, bpb, chain); err != nil {
				return 0, err
			}
			return 0, nil
		}
		keep := chain[:newClusters]
		drop := chain[newClusters:]
		if err := writeEntry(dev, bpb, keep[len(keep)-1], entryEOFUsed); err != nil {
			return 0, err
		}
		if err := freeChainClusters(dev, bpb, drop); err != nil {
			return 0, err
		}
		return first, nil

	default:
		if newSize > oldSize {
			if err := zeroBoundaryTail(dev, bpb, chain[len(chain)-1], oldSize); err != nil {
				return 0, err
			}
		}
		return first, nil
	}
}

// zeroBoundaryTail zeroes the portion of the cluster that held the
// old EOF boundary but now falls within the file, since growing a
// file across its old end-of-chain boundary leaves that cluster's
// tail with stale bytes.
func zeroBoundaryTail(dev BlockDevice, bpb *BPB, cluster uint32, oldSize uint64) error {
	clusterSize := uint64(bpb.ClusterSize)
	withinCluster := oldSize % clusterSize
	if withinCluster == 0 {
		return nil
	}
	zeroLen := clusterSize - withinCluster
	zero := make([]byte, zeroLen)
	off := bpb.ClusterOffset(cluster) + withinCluster
	_, err := dev.WriteAt(zero, int64(off))
	return err
}

func zeroTailOfLastCluster(dev BlockDevice, bpb *BPB, first uint32, totalClusters, size uint64) error {
	// allocateClusters already zero-fills every cluster it allocates,
	// so there is nothing left to zero here; this hook exists for
	// symmetry with the grow-in-place path above.
	_ = dev
	_ = bpb
	_ = first
	_ = totalClusters
	_ = size
	return nil
}

// / writeDirEntrySize rewrites the 32-bit size field (and, if the
// / chain's first cluster changed, the cluster-number fields) of the
// / short directory entry located at (dirCluster, dirOffset).
func writeDirEntrySize(dev BlockDevice, bpb *BPB, dirCluster, dirOffset, newSize, firstCluster uint32) error {
	off := int64(bpb.ClusterOffset(dirCluster)) + int64(dirOffset)
	var sizeBuf [4]byte
	binary.LittleEndian.PutUint32(sizeBuf[:], newSize)
	if _, err := dev.WriteAt(sizeBuf[:], off+28); err != nil {
		return err
	}
	var clusBuf [2]byte
	binary.LittleEndian.PutUint16(clusBuf[:], uint16(firstCluster>>16))
	if _, err := dev.WriteAt(clusBuf[:], off+20); err != nil {
		return err
	}
	binary.LittleEndian.PutUint16(clusBuf[:], uint16(firstCluster))
	_, err := dev.WriteAt(clusBuf[:], off+26)
	return err
}
