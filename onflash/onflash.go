// Package onflash implements the four fixed-layout on-flash records (§3.2,
// §6.1-§6.2): device header, volume header, erase-counter header and
// volume-id header. Each record is encoded little-endian with a trailing
// CRC32/IEEE checksum over every preceding byte.
//
// The teacher's on-disk records (fs/super.go's Superblock_t) are a raw byte
// slice wrapped in typed accessor methods, read and written with native-endian
// unsafe.Pointer casts (util.Readn/Writen). This spec requires byte-exact
// little-endian records regardless of host architecture, so the accessors
// here are rebuilt on encoding/binary.LittleEndian instead; the byte-backed
// struct-with-accessors shape is kept.
package onflash

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/kamil-kielbasa/ubi/errno"
)

// Magic numbers, ASCII "UBI%", "UBI&", "UBI#", "UBI!".
const (
	MagicDevice uint32 = 0x55424925
	MagicVolume uint32 = 0x55424926
	MagicEC     uint32 = 0x55424923
	MagicVID    uint32 = 0x55424921
)

// RecordVersion is the only version every record currently supports.
const RecordVersion uint32 = 1

// UBIVolumeNameMaxLen is the fixed width of a volume name field, §6.1.
const UBIVolumeNameMaxLen = 16

// Record sizes, §3.2. All are multiples of WriteBlockAlignment.
const (
	DeviceHeaderSize = 32
	VolumeHeaderSize = 48
	ECHeaderSize     = 16
	VIDHeaderSize    = 32
)

// WriteBlockAlignment is the codec's padding granule (§6.1), distinct from
// the hardware write-block size W; it must be a multiple of W.
const WriteBlockAlignment = 16

// VolType enumerates the two volume kinds.
type VolType uint32

const (
	VolDynamic VolType = 0
	VolStatic  VolType = 1
)

func crcOf(buf []byte) uint32 {
	return crc32.ChecksumIEEE(buf)
}

// DeviceHeader is the partition-wide header replicated in each bank (§3.2).
type DeviceHeader struct {
	PartitionOffset uint32
	PartitionSize   uint32
	Revision        uint32
	VolCount        uint32
}

// Serialize encodes h into a fresh DeviceHeaderSize-byte buffer with a valid CRC.
func (h DeviceHeader) Serialize() []byte {
	buf := make([]byte, DeviceHeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], MagicDevice)
	binary.LittleEndian.PutUint32(buf[4:8], RecordVersion)
	binary.LittleEndian.PutUint32(buf[8:12], h.PartitionOffset)
	binary.LittleEndian.PutUint32(buf[12:16], h.PartitionSize)
	binary.LittleEndian.PutUint32(buf[16:20], h.Revision)
	binary.LittleEndian.PutUint32(buf[20:24], h.VolCount)
	// buf[24:28] reserved, left zero.
	binary.LittleEndian.PutUint32(buf[28:32], crcOf(buf[:28]))
	return buf
}

// ParseDeviceHeader validates and decodes a DeviceHeaderSize-byte record.
func ParseDeviceHeader(buf []byte) (DeviceHeader, error) {
	var h DeviceHeader
	if len(buf) < DeviceHeaderSize {
		return h, errno.Wrap(errno.EBADMSG, "device header: short buffer (%d bytes)", len(buf))
	}
	if m := binary.LittleEndian.Uint32(buf[0:4]); m != MagicDevice {
		return h, errno.Wrap(errno.EBADMSG, "device header: bad magic %#x", m)
	}
	if v := binary.LittleEndian.Uint32(buf[4:8]); v != RecordVersion {
		return h, errno.Wrap(errno.EBADMSG, "device header: unsupported version %d", v)
	}
	gotCRC := binary.LittleEndian.Uint32(buf[28:32])
	if want := crcOf(buf[:28]); want != gotCRC {
		return h, errno.Wrap(errno.EBADMSG, "device header: crc mismatch")
	}
	h.PartitionOffset = binary.LittleEndian.Uint32(buf[8:12])
	h.PartitionSize = binary.LittleEndian.Uint32(buf[12:16])
	h.Revision = binary.LittleEndian.Uint32(buf[16:20])
	h.VolCount = binary.LittleEndian.Uint32(buf[20:24])
	return h, nil
}

// VolumeHeader describes one volume's persisted configuration (§3.2).
type VolumeHeader struct {
	VolType   VolType
	VolID     uint32
	LebsCount uint32
	Name      [UBIVolumeNameMaxLen]byte
}

// NameString returns the NUL-trimmed volume name.
func (h VolumeHeader) NameString() string {
	n := 0
	for n < len(h.Name) && h.Name[n] != 0 {
		n++
	}
	return string(h.Name[:n])
}

// SetName copies s into the fixed-width name field, NUL-padding the rest.
func (h *VolumeHeader) SetName(s string) {
	var name [UBIVolumeNameMaxLen]byte
	copy(name[:], s)
	h.Name = name
}

// Serialize encodes h into a fresh VolumeHeaderSize-byte buffer with a valid CRC.
func (h VolumeHeader) Serialize() []byte {
	buf := make([]byte, VolumeHeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], MagicVolume)
	binary.LittleEndian.PutUint32(buf[4:8], RecordVersion)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(h.VolType))
	binary.LittleEndian.PutUint32(buf[12:16], h.VolID)
	binary.LittleEndian.PutUint32(buf[16:20], h.LebsCount)
	// buf[20:28] reserved, left zero.
	copy(buf[28:28+UBIVolumeNameMaxLen], h.Name[:])
	binary.LittleEndian.PutUint32(buf[44:48], crcOf(buf[:44]))
	return buf
}

// ParseVolumeHeader validates and decodes a VolumeHeaderSize-byte record.
func ParseVolumeHeader(buf []byte) (VolumeHeader, error) {
	var h VolumeHeader
	if len(buf) < VolumeHeaderSize {
		return h, errno.Wrap(errno.EBADMSG, "volume header: short buffer (%d bytes)", len(buf))
	}
	if m := binary.LittleEndian.Uint32(buf[0:4]); m != MagicVolume {
		return h, errno.Wrap(errno.EBADMSG, "volume header: bad magic %#x", m)
	}
	if v := binary.LittleEndian.Uint32(buf[4:8]); v != RecordVersion {
		return h, errno.Wrap(errno.EBADMSG, "volume header: unsupported version %d", v)
	}
	gotCRC := binary.LittleEndian.Uint32(buf[44:48])
	if want := crcOf(buf[:44]); want != gotCRC {
		return h, errno.Wrap(errno.EBADMSG, "volume header: crc mismatch")
	}
	h.VolType = VolType(binary.LittleEndian.Uint32(buf[8:12]))
	h.VolID = binary.LittleEndian.Uint32(buf[12:16])
	h.LebsCount = binary.LittleEndian.Uint32(buf[16:20])
	copy(h.Name[:], buf[28:28+UBIVolumeNameMaxLen])
	return h, nil
}

// ECHeader is rewritten on every erase, carrying the PEB's erase count (§3.2).
type ECHeader struct {
	EC uint32
}

// Serialize encodes h into a fresh ECHeaderSize-byte buffer with a valid CRC.
func (h ECHeader) Serialize() []byte {
	buf := make([]byte, ECHeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], MagicEC)
	binary.LittleEndian.PutUint32(buf[4:8], RecordVersion)
	binary.LittleEndian.PutUint32(buf[8:12], h.EC)
	binary.LittleEndian.PutUint32(buf[12:16], crcOf(buf[:12]))
	return buf
}

// ParseECHeader validates and decodes an ECHeaderSize-byte record.
func ParseECHeader(buf []byte) (ECHeader, error) {
	var h ECHeader
	if len(buf) < ECHeaderSize {
		return h, errno.Wrap(errno.EBADMSG, "ec header: short buffer (%d bytes)", len(buf))
	}
	if m := binary.LittleEndian.Uint32(buf[0:4]); m != MagicEC {
		return h, errno.Wrap(errno.EBADMSG, "ec header: bad magic %#x", m)
	}
	if v := binary.LittleEndian.Uint32(buf[4:8]); v != RecordVersion {
		return h, errno.Wrap(errno.EBADMSG, "ec header: unsupported version %d", v)
	}
	gotCRC := binary.LittleEndian.Uint32(buf[12:16])
	if want := crcOf(buf[:12]); want != gotCRC {
		return h, errno.Wrap(errno.EBADMSG, "ec header: crc mismatch")
	}
	h.EC = binary.LittleEndian.Uint32(buf[8:12])
	return h, nil
}

// IsBlankVID reports whether a VID-header-sized region is erased (all 0xFF),
// the on-flash signal that a PEB carries no LEB claim (§3.2).
func IsBlankVID(buf []byte) bool {
	if len(buf) < VIDHeaderSize {
		return false
	}
	for _, b := range buf[:VIDHeaderSize] {
		if b != 0xFF {
			return false
		}
	}
	return true
}

// VIDHeader stamps a single LEB write with its owning volume, logical
// number, sequence number and payload length (§3.2).
type VIDHeader struct {
	LNum     uint32
	VolID    uint32
	SqNum    uint64
	DataSize uint32
}

// Serialize encodes h into a fresh VIDHeaderSize-byte buffer with a valid CRC.
func (h VIDHeader) Serialize() []byte {
	buf := make([]byte, VIDHeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], MagicVID)
	binary.LittleEndian.PutUint32(buf[4:8], RecordVersion)
	binary.LittleEndian.PutUint32(buf[8:12], h.LNum)
	binary.LittleEndian.PutUint32(buf[12:16], h.VolID)
	binary.LittleEndian.PutUint64(buf[16:24], h.SqNum)
	binary.LittleEndian.PutUint32(buf[24:28], h.DataSize)
	binary.LittleEndian.PutUint32(buf[28:32], crcOf(buf[:28]))
	return buf
}

// ParseVIDHeader validates and decodes a VIDHeaderSize-byte record.
func ParseVIDHeader(buf []byte) (VIDHeader, error) {
	var h VIDHeader
	if len(buf) < VIDHeaderSize {
		return h, errno.Wrap(errno.EBADMSG, "vid header: short buffer (%d bytes)", len(buf))
	}
	if m := binary.LittleEndian.Uint32(buf[0:4]); m != MagicVID {
		return h, errno.Wrap(errno.EBADMSG, "vid header: bad magic %#x", m)
	}
	if v := binary.LittleEndian.Uint32(buf[4:8]); v != RecordVersion {
		return h, errno.Wrap(errno.EBADMSG, "vid header: unsupported version %d", v)
	}
	gotCRC := binary.LittleEndian.Uint32(buf[28:32])
	if want := crcOf(buf[:28]); want != gotCRC {
		return h, errno.Wrap(errno.EBADMSG, "vid header: crc mismatch")
	}
	h.LNum = binary.LittleEndian.Uint32(buf[8:12])
	h.VolID = binary.LittleEndian.Uint32(buf[12:16])
	h.SqNum = binary.LittleEndian.Uint64(buf[16:24])
	h.DataSize = binary.LittleEndian.Uint32(buf[24:28])
	return h, nil
}
