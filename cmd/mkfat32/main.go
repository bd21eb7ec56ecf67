// Command mkfat32 builds a FAT32 disk image from a host directory
// tree, the FAT32 analogue of mkfs.go's skeleton-directory image
// builder.
//
// Adapted from mkfs/mkfs.go: that tool composed a bootable image from
// a bootloader blob, a kernel blob, and a Biscuit custom-format
// filesystem populated by walking a host "skeleton" directory.
// Bootloader/kernel embedding is explicitly out of this repository's
// scope; this tool keeps mkfs.go's addfiles
// directory-walk shape but emits a standards-conformant FAT32 volume
// (BPB + two FATs + root directory) instead, giving the fat32 package
// and scenario S5 a concrete on-disk fixture.
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-logr/logr"
	"github.com/go-logr/logr/funcr"

	"biscuit-core/fat32"
)

const (
	bytesPerSector    = 512
	sectorsPerCluster = 1 // 512-byte clusters: the 64 MiB default clears FAT32's 65525-cluster floor
	reservedSectors   = 32
	numFATs           = 2
	rootCluster       = 2
)

func main() {
	var (
		outPath = flag.String("out", "", "output FAT32 image path")
		skelDir = flag.String("skel", "", "host directory tree to copy into the image")
		sizeMB  = flag.Int64("size-mb", 64, "image size in megabytes")
	)
	flag.Parse()

	logger := funcr.New(func(prefix, args string) { fmt.Println(prefix, args) }, funcr.Options{})

	if *outPath == "" {
		fmt.Fprintln(os.Stderr, "usage: mkfat32 -out <image> [-skel <dir>] [-size-mb N]")
		os.Exit(1)
	}

	if err := buildImage(*outPath, *sizeMB); err != nil {
		fmt.Fprintf(os.Stderr, "mkfat32: %v\n", err)
		os.Exit(1)
	}

	if *skelDir != "" {
		if err := populate(*outPath, *skelDir, logger); err != nil {
			fmt.Fprintf(os.Stderr, "mkfat32: %v\n", err)
			os.Exit(1)
		}
	}
}

// buildImage writes a minimal, valid FAT32 BPB, two empty FATs (with
// the first two reserved entries initialized per the FAT32
// convention), and a one-cluster root directory, sized to sizeMB.
func buildImage(path string, sizeMB int64) error {
	totalSectors := uint32(sizeMB * 1024 * 1024 / bytesPerSector)
	clusterSize := uint32(sectorsPerCluster) * bytesPerSector
	dataSectors := totalSectors - reservedSectors
	// Size each FAT generously enough to cover every cluster in the
	// data region (4 bytes/entry), rounded up to whole sectors.
	approxClusters := dataSectors / sectorsPerCluster
	fatBytes := approxClusters * 4
	fatSectors := (fatBytes + bytesPerSector - 1) / bytesPerSector
	if fatSectors < 1 {
		fatSectors = 1
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := f.Truncate(int64(totalSectors) * bytesPerSector); err != nil {
		return err
	}

	sec0 := make([]byte, bytesPerSector)
	sec0[0] = 0xEB
	sec0[1] = 0x00
	sec0[2] = 0x90
	binary.LittleEndian.PutUint16(sec0[11:13], bytesPerSector)
	sec0[13] = sectorsPerCluster
	binary.LittleEndian.PutUint16(sec0[14:16], reservedSectors)
	sec0[16] = numFATs
	binary.LittleEndian.PutUint16(sec0[17:19], 0) // RootEntCnt: 0 for FAT32
	binary.LittleEndian.PutUint16(sec0[19:21], 0) // TotSec16: 0, use TotSec32
	sec0[21] = 0xF8                               // media: fixed disk
	binary.LittleEndian.PutUint16(sec0[22:24], 0) // FATSz16: 0, use FATSz32
	binary.LittleEndian.PutUint32(sec0[32:36], totalSectors)
	binary.LittleEndian.PutUint32(sec0[36:40], fatSectors)
	binary.LittleEndian.PutUint32(sec0[44:48], rootCluster)
	binary.LittleEndian.PutUint16(sec0[50:52], 0) // backup boot sector
	sec0[66] = 0x29                                // extended signature
	copy(sec0[71:82], []byte("NO NAME    "))
	copy(sec0[82:90], []byte("FAT32   "))
	binary.LittleEndian.PutUint16(sec0[510:512], 0xAA55)
	if _, err := f.WriteAt(sec0, 0); err != nil {
		return err
	}

	// Two FATs, each with cluster 0/1 reserved entries set per
	// convention (media descriptor echoed, then EOF) and the root
	// directory's single cluster marked EOF (any value ≥ 0x0FFFFFF8).
	fatEntries := make([]byte, fatSectors*bytesPerSector)
	binary.LittleEndian.PutUint32(fatEntries[0:4], 0x0FFFFFF8)
	binary.LittleEndian.PutUint32(fatEntries[4:8], 0x0FFFFFFF)
	binary.LittleEndian.PutUint32(fatEntries[8:12], 0x0FFFFFFF) // cluster 2 (root) = EOF
	for i := 0; i < numFATs; i++ {
		off := int64(reservedSectors)*bytesPerSector + int64(i)*int64(fatSectors)*bytesPerSector
		if _, err := f.WriteAt(fatEntries, off); err != nil {
			return err
		}
	}

	// Root directory cluster: all zero (empty directory); no volume
	// label entry is written.
	dataOffset := int64(reservedSectors)*bytesPerSector + int64(numFATs)*int64(fatSectors)*bytesPerSector
	root := make([]byte, clusterSize)
	if _, err := f.WriteAt(root, dataOffset); err != nil {
		return err
	}

	return nil
}

// populate walks skelDir and copies every regular file it finds
// directly into the image's root directory, flattening any
// subdirectory structure (cmd/mkfat32 is the demo/CLI collaborator
// keeps out of this repository's subject matter; the
// FAT32 server itself supports nested directories via fat32.CreateDir,
// this tool simply doesn't need them for the skeleton fixtures it
// builds). The FAT32 analogue of mkfs.go's addfiles.
func populate(imagePath, skelDir string, logger logr.Logger) error {
	dev, err := fat32.OpenFileDisk(imagePath, logger)
	if err != nil {
		return err
	}
	defer dev.Close()

	sec0 := make([]byte, bytesPerSector)
	if _, err := dev.ReadAt(sec0, 0); err != nil {
		return err
	}
	bpb, err := fat32.ParseBPB(sec0)
	if err != nil {
		return err
	}

	return filepath.WalkDir(skelDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		data, rerr := os.ReadFile(path)
		if rerr != nil {
			return rerr
		}
		return fat32.CreateEntry(dev, bpb, bpb.RootCluster, d.Name(), data)
	})
}
