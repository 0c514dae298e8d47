// Package ubi is the public facade: Device owns the MTD handle, the
// process-wide mutex, and the four pools (free/dirty/bad/volumes) that make
// up the in-RAM model (§3.3). Every exported method acquires the coarse
// lock on entry and releases it on exit (§5) -- there is no internal
// concurrency to coordinate beyond that.
//
// Grounded on the teacher's ufs/ufs.go Ufs_t: a single owning facade struct
// wrapping a lower-level handle, one method per public operation. Ufs_t's
// fs.Fs_t calls are all synchronous and return a defs.Err_t; Device's calls
// are all synchronous and return an error comparable against errno.Errno.
package ubi

import (
	"log"
	"sync"

	"github.com/kamil-kielbasa/ubi/errno"
	"github.com/kamil-kielbasa/ubi/mtd"
	"github.com/kamil-kielbasa/ubi/onflash"
	"github.com/kamil-kielbasa/ubi/pool"
	"github.com/kamil-kielbasa/ubi/scan"
	"github.com/kamil-kielbasa/ubi/volume"
)

// MaxVolumes bounds the number of volumes a single metadata bank can hold
// (CONFIG_UBI_MAX_NR_OF_VOLUMES in the reference, §6.1). It is a compile-time
// constant of this core, not reconfigurable per partition.
const MaxVolumes = 128

// Device is a mounted UBI partition: the MTD handle, the coarse lock, the
// sequence counters, and the free/dirty/bad/volume pools (§3.3).
type Device struct {
	mu sync.Mutex

	p mtd.Partition

	registry *volume.Registry
	free     *pool.ECPool
	dirty    *pool.ECPool
	bad      *pool.BadSet

	revision    uint32
	globalSeqNr uint64
	volsSeqNr   uint32

	totalLebs int
	lebSize   int

	// Debug gates diagnostic tracing, mirroring the teacher's bdev_debug
	// flag in fs/blk.go.
	Debug  bool
	Logger *log.Logger
}

// Info is the aggregate snapshot returned by GetInfo (§4.I).
type Info struct {
	LebTotalCount int
	LebSize       int
	Free          int
	Dirty         int
	Bad           int
	Allocated     int
	Volumes       int
}

func (d *Device) logf(format string, args ...any) {
	if d.Debug && d.Logger != nil {
		d.Logger.Printf(format, args...)
	}
}

// Init mounts p: an existing, validated UBI partition is reconstructed by
// the scanner (§4.F.2); a blank partition is formatted fresh (§4.F.1).
func Init(p mtd.Partition) (*Device, error) {
	info := p.Info()
	if info.EraseBlockSize <= 0 || info.PartitionSize < 2*int64(info.EraseBlockSize) {
		return nil, errno.Wrap(errno.EINVAL, "ubi: partition too small for two metadata banks")
	}
	totalPEBs := int(info.PartitionSize / int64(info.EraseBlockSize))
	if totalPEBs <= scan.FirstDataPEB {
		return nil, errno.Wrap(errno.EINVAL, "ubi: partition has no data region")
	}

	result, err := scan.Mount(p)
	if err != nil {
		return nil, err
	}

	d := &Device{
		p:           p,
		registry:    result.Registry,
		free:        result.Free,
		dirty:       result.Dirty,
		bad:         result.Bad,
		revision:    result.Device.Revision,
		globalSeqNr: result.GlobalSeqNr + 1, // I4: strictly greater than every persisted sqnum (§4.F.2 step 5)
		volsSeqNr:   result.VolsSeqNr,
		totalLebs:   totalPEBs - scan.FirstDataPEB,
		lebSize:     info.EraseBlockSize - onflash.ECHeaderSize - onflash.VIDHeaderSize,
	}
	return d, nil
}

// Deinit flushes outstanding writes to stable storage (Partition.Sync). It
// does not close the partition; that stays with the caller. §7's contract is
// that a fresh Init afterwards always reconstructs a valid state via the
// scanner, whatever the prior RAM state was.
func (d *Device) Deinit() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.p.Sync()
}

// GetInfo returns the aggregated pool sizes, LEB geometry, and volume count
// (§4.I).
func (d *Device) GetInfo() Info {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.infoLocked()
}

func (d *Device) infoLocked() Info {
	allocated := 0
	for _, v := range d.registry.All() {
		allocated += int(v.Config.LebCount)
	}
	return Info{
		LebTotalCount: d.totalLebs,
		LebSize:       d.lebSize,
		Free:          d.free.Len(),
		Dirty:         d.dirty.Len(),
		Bad:           d.bad.Len(),
		Allocated:     allocated,
		Volumes:       d.registry.Count(),
	}
}
