// Volume lifecycle operations (§4.H): create, resize, remove, get_info. Each
// mutates the in-RAM registry speculatively, then commits the full
// [device header][volume header table] buffer through the dual-bank store
// (§4.C.2) so the change is atomic on a best-effort basis -- a failed
// commit leaves recovery to the next mount (§4.C.3, §7).
package ubi

import (
	"github.com/kamil-kielbasa/ubi/errno"
	"github.com/kamil-kielbasa/ubi/onflash"
	"github.com/kamil-kielbasa/ubi/store"
	"github.com/kamil-kielbasa/ubi/volume"
)

func (d *Device) allocatedLebsLocked() int {
	total := 0
	for _, v := range d.registry.All() {
		total += int(v.Config.LebCount)
	}
	return total
}

// commitMetadataLocked serializes the current registry into a new
// [device header][volume headers] buffer at revision+1 and commits it via
// the dual-bank protocol. Callers must hold d.mu.
func (d *Device) commitMetadataLocked() error {
	newRevision := d.revision + 1
	vols := d.registry.All()
	vhs := make([]onflash.VolumeHeader, len(vols))
	for i, v := range vols {
		vh := onflash.VolumeHeader{
			VolType:   v.Config.Type,
			VolID:     v.VolID,
			LebsCount: v.Config.LebCount,
		}
		vh.SetName(v.Config.Name)
		vhs[i] = vh
	}
	dev := onflash.DeviceHeader{
		PartitionOffset: 0,
		PartitionSize:   uint32(d.p.Info().PartitionSize),
		Revision:        newRevision,
		VolCount:        uint32(len(vhs)),
	}
	if err := store.Commit(d.p, store.BuildBuffer(dev, vhs)); err != nil {
		return err
	}
	d.revision = newRevision
	return nil
}

// CreateVolume implements volume_create (§4.H). A duplicate name is
// idempotent: it returns the existing vol_id with a nil error and creates
// nothing new (B3).
func (d *Device) CreateVolume(cfg volume.Config) (uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if existing, ok := d.registry.ByName(cfg.Name); ok {
		return existing.VolID, nil
	}
	if cfg.LebCount == 0 {
		return 0, errno.Wrap(errno.EINVAL, "ubi: create volume %q: leb_count must be positive", cfg.Name)
	}
	if d.registry.Count() >= MaxVolumes {
		return 0, errno.Wrap(errno.ENOSPC, "ubi: create volume %q: MAX_VOLUMES reached", cfg.Name)
	}

	allocated := d.allocatedLebsLocked()
	if d.free.Len() < int(cfg.LebCount)+allocated {
		return 0, errno.Wrap(errno.ENOSPC, "ubi: create volume %q: insufficient free PEBs", cfg.Name)
	}

	volID := d.volsSeqNr
	d.registry.Add(volID, cfg)
	if err := d.commitMetadataLocked(); err != nil {
		d.registry.Remove(volID)
		return 0, err
	}
	d.volsSeqNr++
	return volID, nil
}

// ResizeVolume implements volume_resize (§4.H). Only dynamic volumes may be
// resized (B4); a no-op or zero-sized resize is rejected.
func (d *Device) ResizeVolume(volID uint32, newLebCount uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	v, ok := d.registry.Get(volID)
	if !ok {
		return errno.Wrap(errno.ENOENT, "ubi: resize volume %d: no such volume", volID)
	}
	if v.Config.Type != onflash.VolDynamic {
		return errno.Wrap(errno.ECANCELED, "ubi: resize volume %d: not dynamic", volID)
	}
	if newLebCount == v.Config.LebCount || newLebCount == 0 {
		return errno.Wrap(errno.ECANCELED, "ubi: resize volume %d: no-op or zero leb_count", volID)
	}

	oldLebCount := v.Config.LebCount
	if newLebCount > oldLebCount {
		grow := newLebCount - oldLebCount
		allocated := d.allocatedLebsLocked()
		if int(grow) > d.totalLebs-allocated {
			return errno.Wrap(errno.ENOSPC, "ubi: resize volume %d: insufficient unallocated LEBs", volID)
		}
	} else {
		for lnum := newLebCount; lnum < oldLebCount; lnum++ {
			if pnum, mapped := v.EBA[int(lnum)]; mapped {
				ec, err := d.rereadECLocked(pnum)
				if err != nil {
					return err
				}
				delete(v.EBA, int(lnum))
				d.dirty.Insert(ec, pnum)
			}
		}
	}

	prevLebCount := v.Config.LebCount
	v.Config.LebCount = newLebCount
	if err := d.commitMetadataLocked(); err != nil {
		v.Config.LebCount = prevLebCount
		return err
	}
	return nil
}

// RemoveVolume implements volume_remove (§4.H): every mapped LEB is retired
// to dirty, the volume header is deleted and subsequent headers shift down
// to stay dense, then the change commits with vol_count-1.
func (d *Device) RemoveVolume(volID uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	v, ok := d.registry.Get(volID)
	if !ok {
		return errno.Wrap(errno.ENOENT, "ubi: remove volume %d: no such volume", volID)
	}

	type retired struct {
		ec   uint32
		pnum int
	}
	var toRetire []retired
	for _, pnum := range v.EBA {
		ec, err := d.rereadECLocked(pnum)
		if err != nil {
			return err
		}
		toRetire = append(toRetire, retired{ec: ec, pnum: pnum})
	}

	if _, ok := d.registry.Remove(volID); !ok {
		return errno.Wrap(errno.ENOENT, "ubi: remove volume %d: no such volume", volID)
	}
	for _, r := range toRetire {
		d.dirty.Insert(r.ec, r.pnum)
	}

	if err := d.commitMetadataLocked(); err != nil {
		return err
	}
	return nil
}

// VolumeInfo implements volume_get_info (§4.H).
func (d *Device) VolumeInfo(volID uint32) (volume.Config, int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	v, ok := d.registry.Get(volID)
	if !ok {
		return volume.Config{}, 0, errno.Wrap(errno.ENOENT, "ubi: volume %d: no such volume", volID)
	}
	return v.Config, v.AllocatedLEBs(), nil
}
