// Diagnostics (SPEC_FULL.md §11, §13): device_get_peb_ec (test-only, §6.3)
// and WearProfile, a new op that renders the per-PEB erase-count
// distribution as a pprof profile so "go tool pprof" can visualize wear
// convergence (P10) directly instead of only asserting on it in a test.
package ubi

import (
	"io"
	"strconv"

	"github.com/google/pprof/profile"

	"github.com/kamil-kielbasa/ubi/errno"
)

// pebECsLocked returns the current erase count of every data-region PEB,
// resolving free/dirty pool entries, quarantined PEBs' last-known EC, and
// mapped PEBs' EC (read fresh from flash, since the EBA table itself only
// tracks pnum, not EC). Callers hold d.mu.
func (d *Device) pebECsLocked() map[int]uint32 {
	ec := make(map[int]uint32, d.totalLebs)
	for _, e := range d.free.Entries() {
		ec[e.PNum] = e.EC
	}
	for _, e := range d.dirty.Entries() {
		ec[e.PNum] = e.EC
	}
	for _, e := range d.bad.Entries() {
		ec[e.PNum] = e.LastEC
	}
	for _, v := range d.registry.All() {
		for _, pnum := range v.EBA {
			if got, err := d.rereadECLocked(pnum); err == nil {
				ec[pnum] = got
			}
		}
	}
	return ec
}

// GetPebEC returns the erase count of every data-region PEB in ascending
// pnum order (test-only, §6.3).
func (d *Device) GetPebEC() []uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()

	ec := d.pebECsLocked()
	out := make([]uint32, 0, d.totalLebs)
	for _, pnum := range d.dataRegionPEBs() {
		out = append(out, ec[pnum])
	}
	return out
}

// WearProfile writes a pprof profile with one sample per data-region PEB,
// the PEB's erase count as the sample value and its pnum as a label, to w.
func (d *Device) WearProfile(w io.Writer) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	fn := &profile.Function{ID: 1, Name: "peb", SystemName: "peb", Filename: "ubi"}
	loc := &profile.Location{ID: 1, Line: []profile.Line{{Function: fn, Line: 1}}}

	ec := d.pebECsLocked()
	prof := &profile.Profile{
		SampleType: []*profile.ValueType{{Type: "erase_count", Unit: "count"}},
		PeriodType: &profile.ValueType{Type: "peb", Unit: "count"},
		Period:     1,
		Function:   []*profile.Function{fn},
		Location:   []*profile.Location{loc},
	}
	for _, pnum := range d.dataRegionPEBs() {
		v, ok := ec[pnum]
		if !ok {
			continue
		}
		prof.Sample = append(prof.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{int64(v)},
			Label:    map[string][]string{"peb": {strconv.Itoa(pnum)}},
		})
	}

	if err := prof.CheckValid(); err != nil {
		return errno.Wrap(errno.EINVAL, "ubi: wear profile invalid: %v", err)
	}
	if err := prof.Write(w); err != nil {
		return errno.Wrap(errno.EIO, "ubi: wear profile write failed")
	}
	return nil
}
