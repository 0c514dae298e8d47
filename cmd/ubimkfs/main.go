// Command ubimkfs creates and inspects UBI partition images (SPEC_FULL.md
// §13). Grounded on the teacher's mkfs/mkfs.go: one shared set of named
// flags is parsed first, then the first remaining argument names the
// subcommand, which dispatches to one of a handful of functions printing
// plain fmt output; any failure exits non-zero.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/kamil-kielbasa/ubi/mtd"
	"github.com/kamil-kielbasa/ubi/onflash"
	"github.com/kamil-kielbasa/ubi/ubi"
	"github.com/kamil-kielbasa/ubi/volume"
)

func usage() {
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  ubimkfs -image <path> -pebsize <bytes> -pebs <count> -wblock <bytes> format")
	fmt.Fprintln(os.Stderr, "  ubimkfs -image <path> create <name> <static|dynamic> <leb_count>")
	fmt.Fprintln(os.Stderr, "  ubimkfs -image <path> info")
	fmt.Fprintln(os.Stderr, "  ubimkfs -image <path> -wearprofile <out.pb.gz> wear")
	os.Exit(1)
}

func main() {
	if len(os.Args) < 3 {
		usage()
	}

	fs := flag.NewFlagSet("ubimkfs", flag.ExitOnError)
	image := fs.String("image", "", "path to the partition backing file")
	pebSize := fs.Int("pebsize", 128*1024, "erase block size in bytes")
	pebs := fs.Int("pebs", 64, "number of physical erase blocks")
	wblock := fs.Int("wblock", 2*1024, "write block size in bytes")
	wearProfileOut := fs.String("wearprofile", "", "output path for the wear profile (wear subcommand)")

	if err := fs.Parse(os.Args[1:]); err != nil {
		usage()
	}
	args := fs.Args()
	if len(args) < 1 || *image == "" {
		usage()
	}

	var err error
	switch args[0] {
	case "format":
		err = runFormat(*image, *pebSize, *pebs, *wblock)
	case "create":
		if len(args) < 4 {
			usage()
		}
		err = runCreate(*image, *pebSize, *wblock, args[1], args[2], args[3])
	case "info":
		err = runInfo(*image, *pebSize, *wblock)
	case "wear":
		if *wearProfileOut == "" {
			usage()
		}
		err = runWear(*image, *pebSize, *wblock, *wearProfileOut)
	default:
		usage()
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "ubimkfs: %v\n", err)
		os.Exit(1)
	}
}

func runFormat(image string, pebSize, pebCount, wblock int) error {
	info := mtd.Info{
		PartitionSize:  int64(pebSize) * int64(pebCount),
		EraseBlockSize: pebSize,
		WriteBlockSize: wblock,
	}
	p, err := mtd.OpenFile(image, info, true)
	if err != nil {
		return err
	}
	defer p.Close()

	d, err := ubi.Init(p)
	if err != nil {
		return err
	}
	defer d.Deinit()

	fmt.Printf("formatted %s: %d PEBs of %d bytes, %d-byte write block\n", image, pebCount, pebSize, wblock)
	return nil
}

func openExisting(image string, pebSize, wblock int) (*mtd.FileMTD, *ubi.Device, error) {
	fi, err := os.Stat(image)
	if err != nil {
		return nil, nil, fmt.Errorf("stat %s: %w", image, err)
	}
	info := mtd.Info{
		PartitionSize:  fi.Size(),
		EraseBlockSize: pebSize,
		WriteBlockSize: wblock,
	}
	p, err := mtd.OpenFile(image, info, false)
	if err != nil {
		return nil, nil, err
	}
	d, err := ubi.Init(p)
	if err != nil {
		p.Close()
		return nil, nil, err
	}
	return p, d, nil
}

func runCreate(image string, pebSize, wblock int, name, kind, lebCountArg string) error {
	p, d, err := openExisting(image, pebSize, wblock)
	if err != nil {
		return err
	}
	defer p.Close()
	defer d.Deinit()

	cfg := volume.Config{Name: name}
	switch kind {
	case "static":
		cfg.Type = onflash.VolStatic
	case "dynamic":
		cfg.Type = onflash.VolDynamic
	default:
		return fmt.Errorf("unknown volume kind %q (want static or dynamic)", kind)
	}

	var lebCount uint32
	if _, err := fmt.Sscanf(lebCountArg, "%d", &lebCount); err != nil {
		return fmt.Errorf("invalid leb_count %q", lebCountArg)
	}
	cfg.LebCount = lebCount

	volID, err := d.CreateVolume(cfg)
	if err != nil {
		return err
	}
	fmt.Printf("created volume %q (vol_id=%d, leb_count=%d)\n", name, volID, lebCount)
	return nil
}

func runInfo(image string, pebSize, wblock int) error {
	p, d, err := openExisting(image, pebSize, wblock)
	if err != nil {
		return err
	}
	defer p.Close()
	defer d.Deinit()

	info := d.GetInfo()
	fmt.Printf("leb_total_count: %d\n", info.LebTotalCount)
	fmt.Printf("leb_size:        %d\n", info.LebSize)
	fmt.Printf("free:            %d\n", info.Free)
	fmt.Printf("dirty:           %d\n", info.Dirty)
	fmt.Printf("bad:             %d\n", info.Bad)
	fmt.Printf("allocated:       %d\n", info.Allocated)
	fmt.Printf("volumes:         %d\n", info.Volumes)
	return nil
}

func runWear(image string, pebSize, wblock int, out string) error {
	p, d, err := openExisting(image, pebSize, wblock)
	if err != nil {
		return err
	}
	defer p.Close()
	defer d.Deinit()

	f, err := os.Create(out)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := d.WearProfile(f); err != nil {
		return err
	}
	fmt.Printf("wrote wear profile to %s\n", out)
	return nil
}
