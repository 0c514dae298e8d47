package ubi

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/pprof/profile"

	"github.com/kamil-kielbasa/ubi/errno"
	"github.com/kamil-kielbasa/ubi/mtd"
	"github.com/kamil-kielbasa/ubi/onflash"
	"github.com/kamil-kielbasa/ubi/volume"
)

func newTestDevice(t *testing.T) *Device {
	t.Helper()
	path := filepath.Join(t.TempDir(), "image.bin")
	info := mtd.Info{PartitionSize: 12 * 64 * 1024, EraseBlockSize: 64 * 1024, WriteBlockSize: 2048}
	p, err := mtd.OpenFile(path, info, true)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	d, err := Init(p)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { d.Deinit(); p.Close() })
	return d
}

func TestInitFreshPartitionIsEmpty(t *testing.T) {
	d := newTestDevice(t)
	info := d.GetInfo()
	if info.Volumes != 0 || info.Allocated != 0 {
		t.Fatalf("GetInfo() on fresh device = %+v, want zero volumes/allocated", info)
	}
	if info.Free != info.LebTotalCount {
		t.Fatalf("Free = %d, want all %d LEBs free", info.Free, info.LebTotalCount)
	}
}

func TestCreateVolumeIsIdempotentByName(t *testing.T) {
	d := newTestDevice(t)
	cfg := volume.Config{Name: "data", Type: onflash.VolDynamic, LebCount: 2}
	id1, err := d.CreateVolume(cfg)
	if err != nil {
		t.Fatalf("CreateVolume: %v", err)
	}
	id2, err := d.CreateVolume(cfg)
	if err != nil {
		t.Fatalf("CreateVolume (duplicate): %v", err)
	}
	if id1 != id2 {
		t.Fatalf("duplicate CreateVolume returned a different vol_id: %d vs %d", id1, id2)
	}
	if d.GetInfo().Volumes != 1 {
		t.Fatalf("Volumes = %d, want 1", d.GetInfo().Volumes)
	}
}

func TestCreateVolumeRejectsZeroLebCount(t *testing.T) {
	d := newTestDevice(t)
	_, err := d.CreateVolume(volume.Config{Name: "a", LebCount: 0})
	if !errors.Is(err, errno.EINVAL) {
		t.Fatalf("CreateVolume(leb_count=0) error = %v, want EINVAL", err)
	}
}

func TestLebWriteReadRoundTrip(t *testing.T) {
	d := newTestDevice(t)
	volID, err := d.CreateVolume(volume.Config{Name: "data", Type: onflash.VolDynamic, LebCount: 4})
	if err != nil {
		t.Fatalf("CreateVolume: %v", err)
	}

	payload := []byte("hello ubi")
	if err := d.LebWrite(volID, 0, payload); err != nil {
		t.Fatalf("LebWrite: %v", err)
	}

	mapped, err := d.LebIsMapped(volID, 0)
	if err != nil || !mapped {
		t.Fatalf("LebIsMapped(0) = %v, %v, want true, nil", mapped, err)
	}

	size, err := d.LebGetSize(volID, 0)
	if err != nil {
		t.Fatalf("LebGetSize: %v", err)
	}
	if size != len(payload) {
		t.Fatalf("LebGetSize = %d, want %d", size, len(payload))
	}

	out := make([]byte, len(payload))
	if err := d.LebRead(volID, 0, 0, out); err != nil {
		t.Fatalf("LebRead: %v", err)
	}
	if !bytes.Equal(out, payload) {
		t.Fatalf("LebRead = %q, want %q", out, payload)
	}
}

func TestLebWriteOverwriteRetiresOldPEB(t *testing.T) {
	d := newTestDevice(t)
	volID, _ := d.CreateVolume(volume.Config{Name: "data", Type: onflash.VolDynamic, LebCount: 2})

	if err := d.LebWrite(volID, 0, []byte("first")); err != nil {
		t.Fatalf("LebWrite #1: %v", err)
	}
	dirtyBefore := d.GetInfo().Dirty
	if err := d.LebWrite(volID, 0, []byte("second, longer payload")); err != nil {
		t.Fatalf("LebWrite #2: %v", err)
	}
	if d.GetInfo().Dirty != dirtyBefore+1 {
		t.Fatalf("Dirty = %d, want %d (old peb retired)", d.GetInfo().Dirty, dirtyBefore+1)
	}

	out := make([]byte, len("second, longer payload"))
	if err := d.LebRead(volID, 0, 0, out); err != nil {
		t.Fatalf("LebRead: %v", err)
	}
	if string(out) != "second, longer payload" {
		t.Fatalf("LebRead = %q, want the second write's payload", out)
	}
}

func TestLebWriteOutOfRangeLnum(t *testing.T) {
	d := newTestDevice(t)
	volID, _ := d.CreateVolume(volume.Config{Name: "data", LebCount: 1})
	err := d.LebWrite(volID, 1, nil)
	if !errors.Is(err, errno.EACCES) {
		t.Fatalf("LebWrite(out-of-range lnum) error = %v, want EACCES", err)
	}
}

func TestLebUnmapThenReclaim(t *testing.T) {
	d := newTestDevice(t)
	volID, _ := d.CreateVolume(volume.Config{Name: "data", LebCount: 1})
	if err := d.LebWrite(volID, 0, []byte("x")); err != nil {
		t.Fatalf("LebWrite: %v", err)
	}
	if err := d.LebUnmap(volID, 0); err != nil {
		t.Fatalf("LebUnmap: %v", err)
	}
	mapped, _ := d.LebIsMapped(volID, 0)
	if mapped {
		t.Fatal("LebIsMapped after LebUnmap = true")
	}
	dirtyBefore := d.GetInfo().Dirty
	freeBefore := d.GetInfo().Free
	if err := d.ErasePEB(); err != nil {
		t.Fatalf("ErasePEB: %v", err)
	}
	info := d.GetInfo()
	if info.Dirty != dirtyBefore-1 || info.Free != freeBefore+1 {
		t.Fatalf("after ErasePEB: dirty=%d free=%d, want dirty=%d free=%d",
			info.Dirty, info.Free, dirtyBefore-1, freeBefore+1)
	}
}

func TestErasePEBNoOpWhenDirtyEmpty(t *testing.T) {
	d := newTestDevice(t)
	if err := d.ErasePEB(); err != nil {
		t.Fatalf("ErasePEB on empty dirty pool: %v", err)
	}
}

func TestResizeVolumeRejectsStatic(t *testing.T) {
	d := newTestDevice(t)
	volID, _ := d.CreateVolume(volume.Config{Name: "s", Type: onflash.VolStatic, LebCount: 2})
	err := d.ResizeVolume(volID, 4)
	if !errors.Is(err, errno.ECANCELED) {
		t.Fatalf("ResizeVolume(static) error = %v, want ECANCELED", err)
	}
}

func TestResizeVolumeShrinkRetiresTrimmedLEBs(t *testing.T) {
	d := newTestDevice(t)
	volID, _ := d.CreateVolume(volume.Config{Name: "d", Type: onflash.VolDynamic, LebCount: 3})
	for lnum := 0; lnum < 3; lnum++ {
		if err := d.LebWrite(volID, lnum, []byte("x")); err != nil {
			t.Fatalf("LebWrite(%d): %v", lnum, err)
		}
	}
	if err := d.ResizeVolume(volID, 1); err != nil {
		t.Fatalf("ResizeVolume(shrink): %v", err)
	}
	cfg, allocated, err := d.VolumeInfo(volID)
	if err != nil {
		t.Fatalf("VolumeInfo: %v", err)
	}
	if cfg.LebCount != 1 {
		t.Fatalf("LebCount = %d, want 1", cfg.LebCount)
	}
	if allocated != 1 {
		t.Fatalf("allocated = %d, want 1", allocated)
	}
}

func TestRemoveVolumeFreesAllocationAndShiftsIndices(t *testing.T) {
	d := newTestDevice(t)
	id1, _ := d.CreateVolume(volume.Config{Name: "a", LebCount: 1})
	id2, _ := d.CreateVolume(volume.Config{Name: "b", LebCount: 1})
	if err := d.LebWrite(id1, 0, []byte("x")); err != nil {
		t.Fatalf("LebWrite: %v", err)
	}
	if err := d.RemoveVolume(id1); err != nil {
		t.Fatalf("RemoveVolume: %v", err)
	}
	if _, _, err := d.VolumeInfo(id1); !errors.Is(err, errno.ENOENT) {
		t.Fatalf("VolumeInfo(removed) error = %v, want ENOENT", err)
	}
	if _, _, err := d.VolumeInfo(id2); err != nil {
		t.Fatalf("VolumeInfo(id2) after removing id1: %v", err)
	}
	if got := d.GetInfo().Allocated; got != 1 {
		t.Fatalf("Allocated after removing id1 = %d, want 1", got)
	}
	if v, ok := d.registry.Get(id2); !ok || v.VolIdx != 0 {
		t.Fatalf("vol %d after removing id1 = %+v, want VolIdx 0", id2, v)
	}
}

func TestGetPebEC(t *testing.T) {
	d := newTestDevice(t)
	ecs := d.GetPebEC()
	if len(ecs) != d.totalLebs {
		t.Fatalf("GetPebEC() length = %d, want %d", len(ecs), d.totalLebs)
	}
	for i, ec := range ecs {
		if ec != 0 {
			t.Fatalf("GetPebEC()[%d] = %d, want 0 on a freshly formatted device", i, ec)
		}
	}
}

func TestWearProfileProducesValidProfile(t *testing.T) {
	d := newTestDevice(t)
	var buf bytes.Buffer
	if err := d.WearProfile(&buf); err != nil {
		t.Fatalf("WearProfile: %v", err)
	}
	prof, err := profile.Parse(&buf)
	if err != nil {
		t.Fatalf("profile.Parse: %v", err)
	}
	if len(prof.Sample) != d.totalLebs {
		t.Fatalf("profile sample count = %d, want %d", len(prof.Sample), d.totalLebs)
	}
}

func TestMountPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "image.bin")
	info := mtd.Info{PartitionSize: 8 * 64 * 1024, EraseBlockSize: 64 * 1024, WriteBlockSize: 2048}

	p1, err := mtd.OpenFile(path, info, true)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	d1, err := Init(p1)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	volID, err := d1.CreateVolume(volume.Config{Name: "data", Type: onflash.VolDynamic, LebCount: 2})
	if err != nil {
		t.Fatalf("CreateVolume: %v", err)
	}
	if err := d1.LebWrite(volID, 0, []byte("persisted")); err != nil {
		t.Fatalf("LebWrite: %v", err)
	}
	if err := d1.Deinit(); err != nil {
		t.Fatalf("Deinit: %v", err)
	}
	if err := p1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	p2, err := mtd.OpenFile(path, info, false)
	if err != nil {
		t.Fatalf("reopen OpenFile: %v", err)
	}
	defer p2.Close()
	d2, err := Init(p2)
	if err != nil {
		t.Fatalf("reopen Init: %v", err)
	}
	defer d2.Deinit()

	cfg, _, err := d2.VolumeInfo(volID)
	if err != nil {
		t.Fatalf("VolumeInfo after reopen: %v", err)
	}
	if cfg.Name != "data" {
		t.Fatalf("volume name after reopen = %q, want %q", cfg.Name, "data")
	}
	out := make([]byte, len("persisted"))
	if err := d2.LebRead(volID, 0, 0, out); err != nil {
		t.Fatalf("LebRead after reopen: %v", err)
	}
	if string(out) != "persisted" {
		t.Fatalf("LebRead after reopen = %q, want %q", out, "persisted")
	}
}

func TestInitGeometry(t *testing.T) {
	d := newTestDevice(t)
	info := d.GetInfo()
	if info.LebTotalCount != 10 {
		t.Fatalf("LebTotalCount = %d, want 10 (12 PEBs minus 2 reserved)", info.LebTotalCount)
	}
	wantLebSize := 64*1024 - onflash.ECHeaderSize - onflash.VIDHeaderSize
	if info.LebSize != wantLebSize {
		t.Fatalf("LebSize = %d, want %d", info.LebSize, wantLebSize)
	}
}

func TestLebWritePayloadBoundary(t *testing.T) {
	d := newTestDevice(t)
	volID, err := d.CreateVolume(volume.Config{Name: "data", Type: onflash.VolDynamic, LebCount: 2})
	if err != nil {
		t.Fatalf("CreateVolume: %v", err)
	}

	max := d.GetInfo().LebSize
	payload := bytes.Repeat([]byte{0x5A}, max)
	if err := d.LebWrite(volID, 0, payload); err != nil {
		t.Fatalf("LebWrite(max payload): %v", err)
	}
	size, err := d.LebGetSize(volID, 0)
	if err != nil || size != max {
		t.Fatalf("LebGetSize = %d, %v, want %d, nil", size, err, max)
	}

	err = d.LebWrite(volID, 1, make([]byte, max+1))
	if !errors.Is(err, errno.ENOSPC) {
		t.Fatalf("LebWrite(max+1) error = %v, want ENOSPC", err)
	}
}

func TestWearCycleConvergesEraseCounts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "image.bin")
	info := mtd.Info{PartitionSize: 12 * 64 * 1024, EraseBlockSize: 64 * 1024, WriteBlockSize: 2048}
	p, err := mtd.OpenFile(path, info, true)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	d, err := Init(p)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}

	total := d.GetInfo().LebTotalCount
	volID, err := d.CreateVolume(volume.Config{Name: "wear", Type: onflash.VolDynamic, LebCount: uint32(total)})
	if err != nil {
		t.Fatalf("CreateVolume: %v", err)
	}

	const cycles = 3
	for cycle := 1; cycle <= cycles; cycle++ {
		for lnum := 0; lnum < total; lnum++ {
			if err := d.LebWrite(volID, lnum, []byte{byte(lnum)}); err != nil {
				t.Fatalf("cycle %d: LebWrite(%d): %v", cycle, lnum, err)
			}
		}
		for lnum := 0; lnum < total; lnum++ {
			if err := d.LebUnmap(volID, lnum); err != nil {
				t.Fatalf("cycle %d: LebUnmap(%d): %v", cycle, lnum, err)
			}
		}
		for i := 0; i < total; i++ {
			if err := d.ErasePEB(); err != nil {
				t.Fatalf("cycle %d: ErasePEB: %v", cycle, err)
			}
		}
		for i, ec := range d.GetPebEC() {
			if ec != uint32(cycle) {
				t.Fatalf("cycle %d: peb %d ec = %d, want %d", cycle, i, ec, cycle)
			}
		}
		got := d.GetInfo()
		if got.Free != total || got.Dirty != 0 {
			t.Fatalf("cycle %d: free=%d dirty=%d, want free=%d dirty=0", cycle, got.Free, got.Dirty, total)
		}
	}

	if err := d.Deinit(); err != nil {
		t.Fatalf("Deinit: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	p2, err := mtd.OpenFile(path, info, false)
	if err != nil {
		t.Fatalf("reopen OpenFile: %v", err)
	}
	defer p2.Close()
	d2, err := Init(p2)
	if err != nil {
		t.Fatalf("reopen Init: %v", err)
	}
	defer d2.Deinit()
	for i, ec := range d2.GetPebEC() {
		if ec != cycles {
			t.Fatalf("after remount: peb %d ec = %d, want %d", i, ec, cycles)
		}
	}
	got := d2.GetInfo()
	if got.Free != total || got.Dirty != 0 || got.Volumes != 1 {
		t.Fatalf("after remount: %+v, want free=%d dirty=0 volumes=1", got, total)
	}
}

// flakyMTD wraps a Partition and fails every Write while armed, simulating a
// power cut mid-operation.
type flakyMTD struct {
	mtd.Partition
	failWrites bool
}

func (f *flakyMTD) Write(offset int64, buf []byte) error {
	if f.failWrites {
		return errno.Wrap(errno.EIO, "injected write failure at %d", offset)
	}
	return f.Partition.Write(offset, buf)
}

func TestFailedOverwriteKeepsOldCopyAcrossRemount(t *testing.T) {
	path := filepath.Join(t.TempDir(), "image.bin")
	info := mtd.Info{PartitionSize: 8 * 64 * 1024, EraseBlockSize: 64 * 1024, WriteBlockSize: 2048}
	p, err := mtd.OpenFile(path, info, true)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	defer p.Close()
	flaky := &flakyMTD{Partition: p}

	d, err := Init(flaky)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	volID, err := d.CreateVolume(volume.Config{Name: "data", Type: onflash.VolDynamic, LebCount: 1})
	if err != nil {
		t.Fatalf("CreateVolume: %v", err)
	}
	if err := d.LebWrite(volID, 0, []byte("survivor")); err != nil {
		t.Fatalf("LebWrite: %v", err)
	}

	// The overwrite retires the old PEB in RAM, then fails at the VID
	// write; nothing new reaches flash.
	flaky.failWrites = true
	if err := d.LebWrite(volID, 0, []byte("doomed")); !errors.Is(err, errno.EIO) {
		t.Fatalf("LebWrite under write failure = %v, want EIO", err)
	}
	flaky.failWrites = false

	if err := d.Deinit(); err != nil {
		t.Fatalf("Deinit: %v", err)
	}
	d2, err := Init(flaky)
	if err != nil {
		t.Fatalf("remount Init: %v", err)
	}
	defer d2.Deinit()

	out := make([]byte, len("survivor"))
	if err := d2.LebRead(volID, 0, 0, out); err != nil {
		t.Fatalf("LebRead after remount: %v", err)
	}
	if string(out) != "survivor" {
		t.Fatalf("LebRead after remount = %q, want %q", out, "survivor")
	}
	got := d2.GetInfo()
	if got.Free != got.LebTotalCount-1 || got.Dirty != 0 || got.Bad != 0 {
		t.Fatalf("after remount: %+v, want one mapped PEB and the rest free", got)
	}
}
