// Package scan implements the mount/scan state machine (§4.F): the
// fresh-format path taken on a blank partition, and the mount-existing
// path that reconstructs the volume registry and PEB pools by reading
// every data-region PEB and resolving duplicate LEB claims by sequence
// number.
//
// Grounded on the teacher's ufs/ufs.go lifecycle functions (BootFS,
// BootMemFS, ShutdownFS): mount/boot/shutdown as explicit top-level
// operations over a device handle, rather than hidden inside a
// constructor.
package scan

import (
	"github.com/kamil-kielbasa/ubi/align"
	"github.com/kamil-kielbasa/ubi/errno"
	"github.com/kamil-kielbasa/ubi/mtd"
	"github.com/kamil-kielbasa/ubi/onflash"
	"github.com/kamil-kielbasa/ubi/pool"
	"github.com/kamil-kielbasa/ubi/store"
	"github.com/kamil-kielbasa/ubi/volume"
)

// FirstDataPEB is the first PEB outside the two reserved metadata banks
// (§3.1).
const FirstDataPEB = 2

// Result is the in-RAM state reconstructed by a scan: the volume registry
// and the three PEB pools (free/dirty/bad), plus the sequencing counters
// the device must continue from.
type Result struct {
	Device      onflash.DeviceHeader
	Registry    *volume.Registry
	Free        *pool.ECPool
	Dirty       *pool.ECPool
	Bad         *pool.BadSet
	GlobalSeqNr uint64
	VolsSeqNr   uint32
}

func pebCount(p mtd.Partition) int {
	return int(p.Info().PartitionSize / int64(p.Info().EraseBlockSize))
}

func pebOffset(p mtd.Partition, pnum int) int64 {
	return int64(pnum) * int64(p.Info().EraseBlockSize)
}

func dataRegion(p mtd.Partition) []int {
	n := pebCount(p)
	out := make([]int, 0, n-FirstDataPEB)
	for pnum := FirstDataPEB; pnum < n; pnum++ {
		out = append(out, pnum)
	}
	return out
}

// FreshFormat implements §4.F.1: erase every data-region PEB, stamp each
// with a fresh EC header (ec=0), and commit a zero-volume device header.
func FreshFormat(p mtd.Partition) (*Result, error) {
	eb := p.Info().EraseBlockSize
	free := pool.NewECPool()

	// The EC header is padded to a whole write block with 0xFF rather than
	// zeros, so the VID header region after it stays erased and the PEB is
	// classified free again on the next mount (4.F.2.b).
	ecZero := make([]byte, align.Roundup(onflash.ECHeaderSize, p.Info().WriteBlockSize))
	for i := range ecZero {
		ecZero[i] = 0xFF
	}
	copy(ecZero, onflash.ECHeader{EC: 0}.Serialize())
	for _, pnum := range dataRegion(p) {
		off := pebOffset(p, pnum)
		if err := p.Erase(off, eb); err != nil {
			return nil, err
		}
		if err := p.Write(off, ecZero); err != nil {
			return nil, err
		}
		free.Insert(0, pnum)
	}

	dev := onflash.DeviceHeader{
		PartitionOffset: 0,
		PartitionSize:   uint32(p.Info().PartitionSize),
		Revision:        0,
		VolCount:        0,
	}
	if err := store.Commit(p, store.BuildBuffer(dev, nil)); err != nil {
		return nil, err
	}

	return &Result{
		Device:      dev,
		Registry:    volume.NewRegistry(),
		Free:        free,
		Dirty:       pool.NewECPool(),
		Bad:         pool.NewBadSet(),
		GlobalSeqNr: 0,
		VolsSeqNr:   0,
	}, nil
}

type claim struct {
	pnum int
	ec   uint32
}

func readVID(p mtd.Partition, pnum int) (onflash.VIDHeader, error) {
	buf := make([]byte, onflash.VIDHeaderSize)
	if err := p.Read(pebOffset(p, pnum)+onflash.ECHeaderSize, buf); err != nil {
		return onflash.VIDHeader{}, err
	}
	return onflash.ParseVIDHeader(buf)
}

// MountExisting implements §4.F.2: reconstruct the volume registry and PEB
// pools from a validated device header and volume header table.
func MountExisting(p mtd.Partition, dev onflash.DeviceHeader, vols []onflash.VolumeHeader) (*Result, error) {
	registry := volume.NewRegistry()
	for idx, vh := range vols {
		registry.AddAt(vh.VolID, uint32(idx), volume.Config{
			Name:     vh.NameString(),
			Type:     vh.VolType,
			LebCount: vh.LebsCount,
		})
	}

	volsSeqNr := uint32(0)
	if maxID, ok := registry.MaxVolID(); ok {
		volsSeqNr = maxID + 1
	}

	region := dataRegion(p)

	// First pass: average EC, used only as the fallback "last known EC"
	// recorded for PEBs whose own EC header cannot be trusted (§4.F.2 step 3).
	var ecSum uint64
	var ecCount uint64
	ecs := make(map[int]onflash.ECHeader, len(region))
	for _, pnum := range region {
		buf := make([]byte, onflash.ECHeaderSize)
		if err := p.Read(pebOffset(p, pnum), buf); err != nil {
			continue
		}
		ech, err := onflash.ParseECHeader(buf)
		if err != nil {
			continue
		}
		ecs[pnum] = ech
		ecSum += uint64(ech.EC)
		ecCount++
	}
	ecAvg := uint32(0)
	if ecCount > 0 {
		ecAvg = uint32(ecSum / ecCount)
	}

	free := pool.NewECPool()
	dirty := pool.NewECPool()
	bad := pool.NewBadSet()
	var globalSeqNr uint64

	// claims tracks, per volume, which pnum currently holds each lnum, so a
	// second PEB claiming the same lnum can be resolved by sqnum (4.F.2.g).
	claims := make(map[uint32]map[uint32]claim)

	for _, pnum := range region {
		ech, ok := ecs[pnum]
		if !ok {
			bad.Add(pnum, ecAvg) // 4.F.2.a
			continue
		}

		vidBuf := make([]byte, onflash.VIDHeaderSize)
		if err := p.Read(pebOffset(p, pnum)+onflash.ECHeaderSize, vidBuf); err != nil {
			bad.Add(pnum, ech.EC)
			continue
		}
		if onflash.IsBlankVID(vidBuf) {
			free.Insert(ech.EC, pnum) // 4.F.2.b
			continue
		}
		vh, err := onflash.ParseVIDHeader(vidBuf)
		if err != nil {
			bad.Add(pnum, ech.EC) // 4.F.2.c
			continue
		}

		if vh.SqNum > globalSeqNr {
			globalSeqNr = vh.SqNum // 4.F.2.h
		}

		vol, known := registry.Get(vh.VolID)
		if !known {
			dirty.Insert(ech.EC, pnum) // 4.F.2.d
			continue
		}
		if vh.LNum >= vol.Config.LebCount {
			dirty.Insert(ech.EC, pnum) // 4.F.2.e
			continue
		}

		volClaims, ok := claims[vh.VolID]
		if !ok {
			volClaims = make(map[uint32]claim)
			claims[vh.VolID] = volClaims
		}

		prior, duplicate := volClaims[vh.LNum]
		if !duplicate {
			volClaims[vh.LNum] = claim{pnum: pnum, ec: ech.EC}
			vol.EBA[int(vh.LNum)] = pnum // 4.F.2.f
			continue
		}

		// 4.F.2.g: two PEBs claim the same lnum. Re-read both headers and
		// let the strictly greater sqnum win; a PEB whose header fails to
		// re-read is quarantined outright.
		priorVH, priorErr := readVID(p, prior.pnum)
		newVH, newErr := readVID(p, pnum)
		switch {
		case priorErr != nil && newErr != nil:
			bad.Add(prior.pnum, prior.ec)
			bad.Add(pnum, ech.EC)
			delete(volClaims, vh.LNum)
			delete(vol.EBA, int(vh.LNum))
		case priorErr != nil:
			bad.Add(prior.pnum, prior.ec)
			volClaims[vh.LNum] = claim{pnum: pnum, ec: ech.EC}
			vol.EBA[int(vh.LNum)] = pnum
		case newErr != nil:
			bad.Add(pnum, ech.EC)
		case newVH.SqNum > priorVH.SqNum:
			dirty.Insert(prior.ec, prior.pnum)
			volClaims[vh.LNum] = claim{pnum: pnum, ec: ech.EC}
			vol.EBA[int(vh.LNum)] = pnum
		default:
			// Strictly-less or equal (spec.md §4.F.2 tie-break: equal
			// sqnum is corruption, keep first-discovered).
			dirty.Insert(ech.EC, pnum)
		}
	}

	return &Result{
		Device:      dev,
		Registry:    registry,
		Free:        free,
		Dirty:       dirty,
		Bad:         bad,
		GlobalSeqNr: globalSeqNr,
		VolsSeqNr:   volsSeqNr,
	}, nil
}

// Mount reads the dual-bank metadata store and dispatches to the
// fresh-format or mount-existing path, recovering a non-BanksValid state
// first (§4.C.3) when the partition is not simply blank.
func Mount(p mtd.Partition) (*Result, error) {
	state, b0, b1 := store.Read(p)

	if state == store.BanksInvalid {
		return FreshFormat(p)
	}

	if state != store.BanksValid {
		buf, err := store.Recover(state, b0, b1)
		if err != nil {
			return nil, err
		}
		if buf == nil {
			return FreshFormat(p)
		}
		if err := store.Commit(p, buf); err != nil {
			return nil, errno.Wrap(errno.EIO, "scan: recovery commit failed")
		}
		state, b0, b1 = store.Read(p)
		if state != store.BanksValid {
			return nil, errno.Wrap(errno.EBADMSG, "scan: recovery did not converge to a valid state")
		}
	}

	return MountExisting(p, b0.Device, b0.Volumes)
}
