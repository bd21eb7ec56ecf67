package fat32

import (
	"context"
	"os"
	"sync"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-logr/logr"
)

// / FileDisk is a host-file-backed block device simulating the
// / AHCI/SATA drive the real kernel would talk to over PCI; it is the
// / narrow interface contract fat32 needs of "a disk", independent of
// / bootloader and device-init concerns.
// /
// / Grounded on ufs/driver.go's ahci_disk_t, which wraps a single
// / *os.File under a mutex and seeks before every read/write; this
// / type keeps that shape but exposes the plain io.ReaderAt/WriterAt
// / style (ReadAt/WriteAt) FAT32's random-access cluster/FAT accesses
// / need, rather than ahci_disk_t's fixed-block-size request queue.
type FileDisk struct {
	mu     sync.Mutex
	f      *os.File
	logger logr.Logger
}

// / OpenFileDisk opens path for read/write use as a FAT32 volume.
func OpenFileDisk(path string, logger logr.Logger) (*FileDisk, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	return &FileDisk{f: f, logger: logger}, nil
}

// / retry retries a transient host I/O error with exponential backoff
// / (ambient stack, : treating the real disk controller
// / as an external collaborator whose transient failures this layer
// / must absorb), grounded on jra3-system-agent's
// / internal/intake/worker.go backoff.Retry call shape.
func (d *FileDisk) retry(ctx context.Context, op func() (int, error)) (int, error) {
	return backoff.Retry(ctx, func() (int, error) {
		n, err := op()
		if err != nil {
			d.logger.V(1).Info("fat32 disk I/O retrying after transient error", "error", err)
			return 0, err
		}
		return n, nil
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(5))
}

// / ReadAt implements BlockDevice.
func (d *FileDisk) ReadAt(p []byte, off int64) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.retry(context.Background(), func() (int, error) {
		return d.f.ReadAt(p, off)
	})
}

// / WriteAt implements BlockDevice.
func (d *FileDisk) WriteAt(p []byte, off int64) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.retry(context.Background(), func() (int, error) {
		return d.f.WriteAt(p, off)
	})
}

// / Sync flushes the underlying file, the FileDisk analogue of
// / ahci_disk_t's BDEV_FLUSH handling.
func (d *FileDisk) Sync() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.f.Sync()
}

// / Close releases the underlying file.
func (d *FileDisk) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.f.Close()
}
