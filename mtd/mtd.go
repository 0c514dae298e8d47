// Package mtd provides the typed partition-relative read/erase/write
// wrapper the core is built on (§4.A), plus the write-block alignment
// policy that turns an arbitrary-length LEB payload write into the
// W-multiple writes hardware requires.
//
// Grounded on the teacher's ufs/driver.go ahci_disk_t: a *os.File-backed
// disk simulator guarded by a sync.Mutex, seeking then reading/writing,
// with an explicit Sync on close. This package generalizes that shape from
// a fixed-size-block disk to a partition of fixed-size erase blocks with a
// separate, typically much smaller, write-block granule.
package mtd

import (
	"os"
	"sync"

	"github.com/kamil-kielbasa/ubi/align"
	"github.com/kamil-kielbasa/ubi/errno"
	"golang.org/x/sys/unix"
)

// Info describes the three device-reported parameters the core needs (§3.1).
type Info struct {
	PartitionSize  int64
	EraseBlockSize int
	WriteBlockSize int
}

// Partition is the MTD adapter surface the core consumes. All offsets are
// relative to the start of the partition, not the underlying device.
type Partition interface {
	Read(offset int64, buf []byte) error
	Write(offset int64, buf []byte) error
	Erase(offset int64, length int) error
	Info() Info
	Sync() error
}

// FileMTD simulates a raw MTD partition backed by a regular file. It is the
// reference Partition implementation used by tests and cmd/ubimkfs.
type FileMTD struct {
	mu   sync.Mutex
	f    *os.File
	info Info
}

// OpenFile opens (and, if create is set, creates/truncates) path as a
// partition backing file of info.PartitionSize bytes, then takes an
// advisory exclusive, non-blocking flock -- giving §5's "no concurrent
// writers to the same volume from multiple execution contexts" teeth
// across process boundaries, not merely within one process's mutex.
func OpenFile(path string, info Info, create bool) (*FileMTD, error) {
	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE
	}
	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, errno.Wrap(errno.EIO, "mtd: open %s: %v", path, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, errno.Wrap(errno.EIO, "mtd: %s is locked by another process", path)
	}
	if create {
		if err := f.Truncate(info.PartitionSize); err != nil {
			f.Close()
			return nil, errno.Wrap(errno.EIO, "mtd: truncate %s: %v", path, err)
		}
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errno.Wrap(errno.EIO, "mtd: stat %s: %v", path, err)
	}
	if fi.Size() != info.PartitionSize {
		f.Close()
		return nil, errno.Wrap(errno.EINVAL, "mtd: %s is %d bytes, want %d", path, fi.Size(), info.PartitionSize)
	}
	return &FileMTD{f: f, info: info}, nil
}

// Info returns the partition's device-reported parameters.
func (m *FileMTD) Info() Info { return m.info }

// Read reads len(buf) bytes starting at offset.
func (m *FileMTD) Read(offset int64, buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.f.ReadAt(buf, offset); err != nil {
		return errno.Wrap(errno.EIO, "mtd: read at %d: %v", offset, err)
	}
	return nil
}

// Write writes buf at offset. Callers are responsible for write-block
// alignment (see WriteAligned); this method performs a raw write.
func (m *FileMTD) Write(offset int64, buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.f.WriteAt(buf, offset); err != nil {
		return errno.Wrap(errno.EIO, "mtd: write at %d: %v", offset, err)
	}
	return nil
}

// Erase fills length bytes starting at offset with 0xFF, simulating a NOR
// flash erase. length must be a whole erase block.
func (m *FileMTD) Erase(offset int64, length int) error {
	if length%m.info.EraseBlockSize != 0 {
		return errno.Wrap(errno.EINVAL, "mtd: erase length %d is not a whole PEB", length)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	blank := make([]byte, length)
	for i := range blank {
		blank[i] = 0xFF
	}
	if _, err := m.f.WriteAt(blank, offset); err != nil {
		return errno.Wrap(errno.EIO, "mtd: erase at %d: %v", offset, err)
	}
	return nil
}

// Sync flushes outstanding writes to stable storage, mirroring ahci_disk_t's
// f.Sync() on close but preferring a data-only sync where available.
func (m *FileMTD) Sync() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := unix.Fdatasync(int(m.f.Fd())); err != nil {
		if err := m.f.Sync(); err != nil {
			return errno.Wrap(errno.EIO, "mtd: sync: %v", err)
		}
	}
	return nil
}

// Close releases the backing file (and its flock).
func (m *FileMTD) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.f.Close()
}

// WriteAligned writes buf at partition offset using the §4.A policy: a
// single write when len(buf) is already a W-multiple; a zero-padded
// single W-byte write when len(buf) < W; otherwise the aligned head
// followed by a zero-padded tail write.
func WriteAligned(p Partition, offset int64, buf []byte) error {
	w := p.Info().WriteBlockSize
	n := len(buf)
	if n == 0 {
		return nil
	}
	head := align.Rounddown(n, w)
	if head == n {
		return p.Write(offset, buf)
	}
	if head == 0 {
		staged := make([]byte, align.Roundup(n, w))
		copy(staged, buf)
		return p.Write(offset, staged)
	}
	if err := p.Write(offset, buf[:head]); err != nil {
		return err
	}
	staged := make([]byte, w)
	copy(staged, buf[head:])
	return p.Write(offset+int64(head), staged)
}
