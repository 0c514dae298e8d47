// The PEB reclaimer (§4.I): one call reclaims at most one dirty PEB, fully
// erasing it and rewriting its EC header with ec+1 before returning it to
// the free pool. There is no retry loop -- a PEB that fails erase or header
// write is quarantined once and never returned to free (§7).
package ubi

import (
	"github.com/kamil-kielbasa/ubi/align"
	"github.com/kamil-kielbasa/ubi/onflash"
)

// ErasePEB implements device_erase_peb (§4.I). If dirty_pebs is empty this
// is a no-op that returns nil.
func (d *Device) ErasePEB() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	entry, ok := d.dirty.PopMin()
	if !ok {
		return nil
	}
	pnum := entry.PNum

	ec := entry.EC
	if authoritative, err := d.rereadECLocked(pnum); err == nil {
		ec = authoritative
	} else {
		d.logf("erase_peb: peb %d ec header unreadable, using pooled ec %d: %v", pnum, entry.EC, err)
	}

	off := d.pebOffset(pnum)
	if err := d.p.Erase(off, d.p.Info().EraseBlockSize); err != nil {
		d.logf("erase_peb: peb %d erase failed, quarantining: %v", pnum, err)
		d.bad.Add(pnum, ec)
		return nil
	}

	newEC := ec + 1
	// Pad with 0xFF rather than zeros so the VID header region stays erased
	// and the PEB is classified free again on the next mount.
	ecBuf := make([]byte, align.Roundup(onflash.ECHeaderSize, d.p.Info().WriteBlockSize))
	for i := range ecBuf {
		ecBuf[i] = 0xFF
	}
	copy(ecBuf, onflash.ECHeader{EC: newEC}.Serialize())
	if err := d.p.Write(off, ecBuf); err != nil {
		d.logf("erase_peb: peb %d ec header rewrite failed, quarantining: %v", pnum, err)
		d.bad.Add(pnum, ec)
		return nil
	}

	d.free.Insert(newEC, pnum)
	return nil
}
