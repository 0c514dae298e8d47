// Package volume implements the volume registry (vol_id -> descriptor) and
// each volume's EBA table (lnum -> pnum), §3.3/§4.E.
//
// eba_tbl is a plain Go map rather than a reimplementation of the teacher's
// hashtable.Hashtable_t: that structure exists in the teacher because
// pre-generics Go lacked a lock-free generic map for its specific
// multi-reader use case. eba_tbl is accessed only under the device's single
// coarse mutex (§5), so that constraint doesn't apply here, and a plain map
// is the correct, idiomatic adaptation rather than a regression.
package volume

import "github.com/kamil-kielbasa/ubi/onflash"

// Config is a volume's user-visible configuration (§3.3).
type Config struct {
	Name     string
	Type     onflash.VolType
	LebCount uint32
}

// Volume is an in-RAM volume descriptor: its stable identifier, its dense
// position in the persisted header table, its configuration, and its
// lnum->pnum EBA table.
type Volume struct {
	VolID  uint32
	VolIdx uint32
	Config Config
	EBA    map[int]int // lnum -> pnum
}

func newVolume(id, idx uint32, cfg Config) *Volume {
	return &Volume{VolID: id, VolIdx: idx, Config: cfg, EBA: make(map[int]int)}
}

// AllocatedLEBs reports how many logical erase blocks are currently mapped.
func (v *Volume) AllocatedLEBs() int { return len(v.EBA) }

// Registry maps vol_id to volume descriptor (§3.3) and owns vol_idx
// assignment (the dense 0..vol_count-1 position in the persisted header
// table, §4.E).
type Registry struct {
	byID map[uint32]*Volume
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[uint32]*Volume)}
}

// Get looks up a volume by vol_id.
func (r *Registry) Get(volID uint32) (*Volume, bool) {
	v, ok := r.byID[volID]
	return v, ok
}

// ByName looks up a volume by its configured name (used by volume_create's
// idempotence check, B3).
func (r *Registry) ByName(name string) (*Volume, bool) {
	for _, v := range r.byID {
		if v.Config.Name == name {
			return v, true
		}
	}
	return nil, false
}

// Count reports the number of registered volumes.
func (r *Registry) Count() int { return len(r.byID) }

// Add registers a new volume at the next dense vol_idx (len(registry)).
func (r *Registry) Add(volID uint32, cfg Config) *Volume {
	v := newVolume(volID, uint32(len(r.byID)), cfg)
	r.byID[volID] = v
	return v
}

// AddAt registers a volume at an explicit vol_idx, used by the scanner
// while reconstructing the registry from a persisted header table in
// vol_idx order (§4.F.2 step 1).
func (r *Registry) AddAt(volID, volIdx uint32, cfg Config) *Volume {
	v := newVolume(volID, volIdx, cfg)
	r.byID[volID] = v
	return v
}

// Remove deletes vol_id's volume and shifts the vol_idx of every volume
// that came after it down by one, so vol_idx stays dense (§4.H remove).
// It returns the removed volume, whose EBA table still holds its pnums, and
// ok=false if vol_id was not registered.
func (r *Registry) Remove(volID uint32) (*Volume, bool) {
	removed, ok := r.byID[volID]
	if !ok {
		return nil, false
	}
	delete(r.byID, volID)
	for _, v := range r.byID {
		if v.VolIdx > removed.VolIdx {
			v.VolIdx--
		}
	}
	return removed, true
}

// All returns every registered volume in ascending vol_idx order, the
// order the header table (and the device header's vol_count) expects.
func (r *Registry) All() []*Volume {
	out := make([]*Volume, len(r.byID))
	for _, v := range r.byID {
		out[v.VolIdx] = v
	}
	return out
}

// MaxVolID returns the greatest vol_id currently registered, or ok=false
// if the registry is empty (used to seed vols_seqnr on mount, §4.F.2 step 2).
func (r *Registry) MaxVolID() (uint32, bool) {
	var max uint32
	first := true
	for id := range r.byID {
		if first || id > max {
			max = id
			first = false
		}
	}
	return max, !first
}
