// The LEB write engine (§4.G) and the read-side LEB operations. leb_write
// allocates a free PEB, stamps VID+data, and retires the old PEB (if any)
// to dirty -- the RAM-before-flash retirement ordering is what gives a LEB
// overwrite its at-least-one-copy durability property across a crash (§4.G
// "Ordering rationale").
package ubi

import (
	"github.com/kamil-kielbasa/ubi/errno"
	"github.com/kamil-kielbasa/ubi/mtd"
	"github.com/kamil-kielbasa/ubi/onflash"
)

// LebWrite implements leb_write (§4.G). lnum >= volume.leb_count is rejected
// with EACCES (the consistent rule, applied everywhere per spec.md §9's
// documented inconsistency between the reference's leb_write and its
// scanner).
func (d *Device) LebWrite(volID uint32, lnum int, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lebWriteLocked(volID, lnum, buf)
}

func (d *Device) lebWriteLocked(volID uint32, lnum int, buf []byte) error {
	if lnum < 0 {
		return errno.Wrap(errno.EINVAL, "ubi: leb_write: negative lnum")
	}
	vol, ok := d.registry.Get(volID)
	if !ok {
		return errno.Wrap(errno.ENOENT, "ubi: leb_write: no such volume %d", volID)
	}
	if uint32(lnum) >= vol.Config.LebCount {
		return errno.Wrap(errno.EACCES, "ubi: leb_write: lnum %d out of range for volume %d", lnum, volID)
	}
	if len(buf) > d.lebSize {
		return errno.Wrap(errno.ENOSPC, "ubi: leb_write: payload %d bytes exceeds leb size %d", len(buf), d.lebSize)
	}
	if d.free.Len() == 0 {
		return errno.Wrap(errno.ENOSPC, "ubi: leb_write: no free PEBs")
	}

	// Step 2: retire the old copy in RAM before anything new is written.
	if pOld, exists := vol.EBA[lnum]; exists {
		ecOld, err := d.rereadECLocked(pOld)
		if err != nil {
			return err
		}
		delete(vol.EBA, lnum)
		d.dirty.Insert(ecOld, pOld)
	}

	// Step 3: allocate the smallest-EC free PEB (the entire wear-leveling
	// policy, §4.D, P4).
	entry, ok := d.free.PopMin()
	if !ok {
		return errno.Wrap(errno.ENOSPC, "ubi: leb_write: no free PEBs")
	}
	pNew := entry.PNum

	// Step 4: stamp the VID header with a freshly issued sequence number.
	sqNum := d.globalSeqNr
	d.globalSeqNr++
	vh := onflash.VIDHeader{
		LNum:     uint32(lnum),
		VolID:    volID,
		SqNum:    sqNum,
		DataSize: uint32(len(buf)),
	}
	vidOff := d.pebOffset(pNew) + onflash.ECHeaderSize
	if err := mtd.WriteAligned(d.p, vidOff, vh.Serialize()); err != nil {
		d.logf("leb_write: vid write failed for peb %d: %v", pNew, err)
		return err
	}

	// Step 5: payload, immediately after the VID header.
	if len(buf) > 0 {
		payloadOff := vidOff + onflash.VIDHeaderSize
		if err := mtd.WriteAligned(d.p, payloadOff, buf); err != nil {
			d.logf("leb_write: payload write failed for peb %d: %v", pNew, err)
			return err
		}
	}

	// Step 6.
	vol.EBA[lnum] = pNew
	return nil
}

// LebMap implements leb_map: a zero-length leb_write (§4.G).
func (d *Device) LebMap(volID uint32, lnum int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lebWriteLocked(volID, lnum, nil)
}

// LebUnmap implements leb_unmap (§4.G): the PEB is retired to dirty without
// being erased; it becomes reclaimable by ErasePEB (§4.I).
func (d *Device) LebUnmap(volID uint32, lnum int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	vol, ok := d.registry.Get(volID)
	if !ok {
		return errno.Wrap(errno.ENOENT, "ubi: leb_unmap: no such volume %d", volID)
	}
	if lnum < 0 || uint32(lnum) >= vol.Config.LebCount {
		return errno.Wrap(errno.EACCES, "ubi: leb_unmap: lnum %d out of range for volume %d", lnum, volID)
	}
	pOld, exists := vol.EBA[lnum]
	if !exists {
		return errno.Wrap(errno.ENOENT, "ubi: leb_unmap: lnum %d not mapped", lnum)
	}
	ec, err := d.rereadECLocked(pOld)
	if err != nil {
		return err
	}
	delete(vol.EBA, lnum)
	d.dirty.Insert(ec, pOld)
	return nil
}

// LebIsMapped implements leb_is_mapped: an EBA lookup (§4.G).
func (d *Device) LebIsMapped(volID uint32, lnum int) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	vol, ok := d.registry.Get(volID)
	if !ok {
		return false, errno.Wrap(errno.ENOENT, "ubi: leb_is_mapped: no such volume %d", volID)
	}
	_, mapped := vol.EBA[lnum]
	return mapped, nil
}

// LebGetSize implements leb_get_size: re-reads the VID header and returns
// its data_size field (§4.G).
func (d *Device) LebGetSize(volID uint32, lnum int) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	vol, ok := d.registry.Get(volID)
	if !ok {
		return 0, errno.Wrap(errno.ENOENT, "ubi: leb_get_size: no such volume %d", volID)
	}
	pnum, exists := vol.EBA[lnum]
	if !exists {
		return 0, errno.Wrap(errno.ENOENT, "ubi: leb_get_size: lnum %d not mapped", lnum)
	}
	buf := make([]byte, onflash.VIDHeaderSize)
	if err := d.p.Read(d.pebOffset(pnum)+onflash.ECHeaderSize, buf); err != nil {
		return 0, err
	}
	vh, err := onflash.ParseVIDHeader(buf)
	if err != nil {
		return 0, err
	}
	return int(vh.DataSize), nil
}

// LebRead implements leb_read: locate the PEB via the EBA and read
// len(out) bytes at offset within the LEB's payload region (§4.G).
func (d *Device) LebRead(volID uint32, lnum int, offset int, out []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	vol, ok := d.registry.Get(volID)
	if !ok {
		return errno.Wrap(errno.ENOENT, "ubi: leb_read: no such volume %d", volID)
	}
	pnum, exists := vol.EBA[lnum]
	if !exists {
		return errno.Wrap(errno.ENOENT, "ubi: leb_read: lnum %d not mapped", lnum)
	}
	if offset < 0 || offset+len(out) > d.lebSize {
		return errno.Wrap(errno.EINVAL, "ubi: leb_read: out-of-range read (offset %d, len %d)", offset, len(out))
	}
	base := d.pebOffset(pnum) + onflash.ECHeaderSize + onflash.VIDHeaderSize + int64(offset)
	return d.p.Read(base, out)
}
