package ubi

import (
	"github.com/kamil-kielbasa/ubi/onflash"
	"github.com/kamil-kielbasa/ubi/scan"
)

func (d *Device) pebOffset(pnum int) int64 {
	return int64(pnum) * int64(d.p.Info().EraseBlockSize)
}

// rereadECLocked re-reads a PEB's EC header from flash. Callers hold d.mu.
// The header is already known-valid from when the PEB was last pooled or
// scanned, but the spec requires a fresh read before retirement for
// robustness (§4.G step 2).
func (d *Device) rereadECLocked(pnum int) (uint32, error) {
	buf := make([]byte, onflash.ECHeaderSize)
	if err := d.p.Read(d.pebOffset(pnum), buf); err != nil {
		return 0, err
	}
	ech, err := onflash.ParseECHeader(buf)
	if err != nil {
		return 0, err
	}
	return ech.EC, nil
}

func (d *Device) dataRegionPEBs() []int {
	total := int(d.p.Info().PartitionSize / int64(d.p.Info().EraseBlockSize))
	out := make([]int, 0, d.totalLebs)
	for pnum := scan.FirstDataPEB; pnum < total; pnum++ {
		out = append(out, pnum)
	}
	return out
}
