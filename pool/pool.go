// Package pool implements the PEB containers the core moves physical erase
// blocks through: an erase-count-ordered pool used for both free_pebs and
// dirty_pebs (§3.3, §4.D), and a bad-PEB set.
//
// No ordered-map/tree-map library appears anywhere in the retrieved pack.
// The teacher reaches for a container/* stdlib structure for exactly this
// shape of problem (fs/blk.go's BlkList_t wraps container/list for block
// queues), so container/heap -- the stdlib priority-queue primitive -- is
// the teacher-consistent idiomatic choice for smallest-EC-first extraction.
package pool

import "container/heap"

// Entry pairs a physical erase block with its erase count.
type Entry struct {
	EC   uint32
	PNum int
}

// ecHeap orders Entry values by EC first, PNum second (the deterministic
// tie-break the spec allows for equal erase counts).
type ecHeap []Entry

func (h ecHeap) Len() int { return len(h) }
func (h ecHeap) Less(i, j int) bool {
	if h[i].EC != h[j].EC {
		return h[i].EC < h[j].EC
	}
	return h[i].PNum < h[j].PNum
}
func (h ecHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *ecHeap) Push(x any)   { *h = append(*h, x.(Entry)) }
func (h *ecHeap) Pop() any {
	old := *h
	n := len(old)
	v := old[n-1]
	*h = old[:n-1]
	return v
}

// ECPool is an ordered multimap keyed by erase count, smallest-first. It
// backs both free_pebs and dirty_pebs (§3.3): the same shape, different
// eligibility semantics enforced by the caller.
type ECPool struct {
	h ecHeap
}

// NewECPool returns an empty pool.
func NewECPool() *ECPool {
	p := &ECPool{}
	heap.Init(&p.h)
	return p
}

// Insert adds pnum to the pool keyed by ec. I1/I2 (pool disjointness, size
// counters) are invariants the caller (the device/scan layer) maintains by
// never inserting a pnum already present in another pool.
func (p *ECPool) Insert(ec uint32, pnum int) {
	heap.Push(&p.h, Entry{EC: ec, PNum: pnum})
}

// PopMin extracts and removes the entry with the smallest EC (ties by
// pnum), the entire wear-leveling allocation policy (§4.D, P4).
func (p *ECPool) PopMin() (Entry, bool) {
	if p.h.Len() == 0 {
		return Entry{}, false
	}
	return heap.Pop(&p.h).(Entry), true
}

// Len reports the number of entries currently pooled.
func (p *ECPool) Len() int { return p.h.Len() }

// Entries returns a snapshot of all pooled entries in no particular order.
// Used by the erase-count diagnostics; not on any hot path.
func (p *ECPool) Entries() []Entry {
	out := make([]Entry, len(p.h))
	copy(out, p.h)
	return out
}

// BadEntry is a quarantined PEB with its last-known erase count (§4.I, §7).
type BadEntry struct {
	PNum   int
	LastEC uint32
}

// BadSet holds quarantined PEBs. Not persisted across reboots (spec.md §7,
// §9: a documented reference limitation, not part of this core's contract).
type BadSet struct {
	m map[int]uint32
}

// NewBadSet returns an empty bad-PEB set.
func NewBadSet() *BadSet {
	return &BadSet{m: make(map[int]uint32)}
}

// Add quarantines pnum with its last-known erase count.
func (b *BadSet) Add(pnum int, lastEC uint32) {
	b.m[pnum] = lastEC
}

// Contains reports whether pnum is quarantined.
func (b *BadSet) Contains(pnum int) bool {
	_, ok := b.m[pnum]
	return ok
}

// Len reports the number of quarantined PEBs.
func (b *BadSet) Len() int { return len(b.m) }

// Entries returns a snapshot of all quarantined PEBs in no particular order.
func (b *BadSet) Entries() []BadEntry {
	out := make([]BadEntry, 0, len(b.m))
	for pnum, ec := range b.m {
		out = append(out, BadEntry{PNum: pnum, LastEC: ec})
	}
	return out
}
