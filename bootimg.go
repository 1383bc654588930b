package ruaflash

import (
	"bytes"
	"encoding/binary"
	"os"

	"github.com/edsrzf/mmap-go"
)

const (
	BOOT_MAGIC        = "ANDROID!"
	VENDOR_BOOT_MAGIC = "VNDRBOOT"

	BOOT_MAGIC_SIZE      = 8
	BOOT_NAME_SIZE       = 16
	BOOT_ID_SIZE         = 32
	BOOT_ARGS_SIZE       = 512
	BOOT_EXTRA_ARGS_SIZE = 1024

	VENDOR_BOOT_ARGS_SIZE    = 2048
	VENDOR_RAMDISK_NAME_SIZE = 32

	VENDOR_RAMDISK_TABLE_ENTRY_BOARD_ID_SIZE = 16

	// v3/v4 images have a fixed page size.
	v3PageSize = 4096
)

type BootImgHdrV0Common struct {
	Magic       [BOOT_MAGIC_SIZE]byte
	KernelSize  uint32 // size in bytes
	KernelAddr  uint32 // physical load addr
	RamdiskSize uint32 // size in bytes
	RamdiskAddr uint32 // physical load addr
	SecondSize  uint32 // size in bytes
	SecondAddr  uint32 // physical load addr
}

type BootImgHdrV0 struct {
	BootImgHdrV0Common
	TagsAddr      uint32
	PageSize      uint32
	HeaderVersion uint32
	OsVersion     uint32
	Name          [BOOT_NAME_SIZE]byte
	Cmdline       [BOOT_ARGS_SIZE]byte
	Id            [BOOT_ID_SIZE]byte
	ExtraCmdline  [BOOT_EXTRA_ARGS_SIZE]byte
}

type BootImgHdrV1 struct {
	BootImgHdrV0
	RecoveryDtboSize   uint32
	RecoveryDtboOffset uint64
	HeaderSize         uint32
}

type BootImgHdrV2 struct {
	BootImgHdrV1
	DtbSize uint32
	DtbAddr uint64
}

/*
 * When the boot image header has a version of 3 - 4, the structure of
 * the boot image is as follows:
 *
 * +---------------------+
 * | boot header         | 4096 bytes
 * +---------------------+
 * | kernel              | m pages
 * +---------------------+
 * | ramdisk             | n pages
 * +---------------------+
 * | boot signature      | g pages
 * +---------------------+
 *
 * Page size is fixed at 4096 bytes. The vendor boot image carries the
 * page-sized header, the vendor ramdisk section, the dtb, and (v4) the
 * vendor ramdisk table plus bootconfig.
 */

type BootImgHdrV3 struct {
	Magic         [BOOT_MAGIC_SIZE]byte
	KernelSize    uint32
	RamdiskSize   uint32
	OsVersion     uint32
	HeaderSize    uint32
	Reserved      [4]uint32
	HeaderVersion uint32
	Cmdline       [BOOT_ARGS_SIZE + BOOT_EXTRA_ARGS_SIZE]byte
}

type BootImgHdrV4 struct {
	BootImgHdrV3
	SignatureSize uint32
}

type BootImgHdrVndV3 struct {
	Magic         [BOOT_MAGIC_SIZE]byte
	HeaderVersion uint32
	PageSize      uint32
	KernelAddr    uint32
	RamdiskAddr   uint32
	RamdiskSize   uint32
	Cmdline       [VENDOR_BOOT_ARGS_SIZE]byte
	TagsAddr      uint32
	Name          [BOOT_NAME_SIZE]byte
	HeaderSize    uint32
	DtbSize       uint32
	DtbAddr       uint64
}

type BootImgHdrVndV4 struct {
	BootImgHdrVndV3
	VendorRamdiskTableSize      uint32
	VendorRamdiskTableEntryNum  uint32
	VendorRamdiskTableEntrySize uint32
	BootconfigSize              uint32
}

type VendorRamdiskTableEntryV4 struct {
	RamdiskSize   uint32
	RamdiskOffset uint32
	RamdiskType   uint32
	RamdiskName   [VENDOR_RAMDISK_NAME_SIZE]byte
	BoardId       [VENDOR_RAMDISK_TABLE_ENTRY_BOARD_ID_SIZE]uint32
}

// BootImage is a parsed boot/init_boot/vendor_boot container. Blocks
// are slices into the original image; callers must not mutate them.
type BootImage struct {
	raw []byte

	Vendor  bool
	Version uint32

	hdrV2  BootImgHdrV2    // versions 0-2
	hdrV4  BootImgHdrV4    // versions 3-4
	vndV4  BootImgHdrVndV4 // vendor versions 3-4
	hdrLen int             // serialized header struct size

	kernel       []byte
	ramdisk      []byte
	second       []byte
	recoveryDtbo []byte
	dtb          []byte
	signature    []byte

	vendorRamdiskTable []byte
	bootconfig         []byte

	// Anything past the last block (AVB footers, SEAndroid tags) is
	// carried through re-emission verbatim.
	tail []byte
}

func (b *BootImage) PageSize() uint32 {
	if b.Vendor {
		return b.vndV4.PageSize
	}
	if b.Version >= 3 {
		return v3PageSize
	}
	return b.hdrV2.PageSize
}

func (b *BootImage) GetKernel() []byte             { return b.kernel }
func (b *BootImage) GetRamdisk() []byte            { return b.ramdisk }
func (b *BootImage) GetSecond() []byte             { return b.second }
func (b *BootImage) GetRecoveryDtbo() []byte       { return b.recoveryDtbo }
func (b *BootImage) GetDtb() []byte                { return b.dtb }
func (b *BootImage) GetSignature() []byte          { return b.signature }
func (b *BootImage) GetVendorRamdiskTable() []byte { return b.vendorRamdiskTable }
func (b *BootImage) GetBootconfig() []byte         { return b.bootconfig }

// IsInitBoot reports whether this image carries only a ramdisk. Such
// images must be re-emitted with every header field preserved or the
// device refuses them.
func (b *BootImage) IsInitBoot() bool {
	return !b.Vendor && len(b.kernel) == 0
}

func alignTo(v, a uint64) uint64 {
	return (v + a - 1) / a * a
}

// ParseBootImage decodes a boot image held in memory.
func ParseBootImage(data []byte) (*BootImage, error) {
	if len(data) < BOOT_MAGIC_SIZE+4 {
		return nil, &BootImgError{Reason: "image too small"}
	}
	switch {
	case bytes.HasPrefix(data, []byte(BOOT_MAGIC)):
		return parseBoot(data)
	case bytes.HasPrefix(data, []byte(VENDOR_BOOT_MAGIC)):
		return parseVendorBoot(data)
	default:
		return nil, &BootImgError{Reason: "unknown boot image magic"}
	}
}

// ParseBootImageFile maps path and decodes it. The returned image owns
// a private copy so the mapping does not outlive this call.
func ParseBootImageFile(path string) (*BootImage, error) {
	fd, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fd.Close()
	m, err := mmap.Map(fd, mmap.RDONLY, 0)
	if err != nil {
		return nil, err
	}
	defer m.Unmap()
	return ParseBootImage(bytes.Clone(m))
}

func parseBoot(data []byte) (*BootImage, error) {
	// Both header generations store header_version at byte 40.
	version := binary.LittleEndian.Uint32(data[40:44])
	if version > 4 {
		return nil, &BootImgError{Reason: "unsupported header version"}
	}
	b := &BootImage{raw: data, Version: version}

	if version >= 3 {
		b.hdrLen = binary.Size(BootImgHdrV3{})
		if version == 4 {
			b.hdrLen = binary.Size(BootImgHdrV4{})
		}
		if len(data) < b.hdrLen {
			return nil, &BootImgError{Reason: "truncated v3/v4 header"}
		}
		if version == 4 {
			if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &b.hdrV4); err != nil {
				return nil, &BootImgError{Reason: err.Error()}
			}
		} else {
			if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &b.hdrV4.BootImgHdrV3); err != nil {
				return nil, &BootImgError{Reason: err.Error()}
			}
		}
		off := uint64(v3PageSize)
		var err error
		if b.kernel, off, err = takeBlock(data, off, uint64(b.hdrV4.KernelSize), v3PageSize); err != nil {
			return nil, err
		}
		if b.ramdisk, off, err = takeBlock(data, off, uint64(b.hdrV4.RamdiskSize), v3PageSize); err != nil {
			return nil, err
		}
		if version == 4 {
			if b.signature, off, err = takeBlock(data, off, uint64(b.hdrV4.SignatureSize), v3PageSize); err != nil {
				return nil, err
			}
		}
		b.tail = data[min(off, uint64(len(data))):]
		return b, nil
	}

	hdrLen := binary.Size(BootImgHdrV0{})
	switch version {
	case 1:
		hdrLen = binary.Size(BootImgHdrV1{})
	case 2:
		hdrLen = binary.Size(BootImgHdrV2{})
	}
	b.hdrLen = hdrLen
	if len(data) < hdrLen {
		return nil, &BootImgError{Reason: "truncated header"}
	}
	hdrBuf := make([]byte, binary.Size(BootImgHdrV2{}))
	copy(hdrBuf, data[:hdrLen])
	if err := binary.Read(bytes.NewReader(hdrBuf), binary.LittleEndian, &b.hdrV2); err != nil {
		return nil, &BootImgError{Reason: err.Error()}
	}
	page := uint64(b.hdrV2.PageSize)
	if page == 0 || page%512 != 0 {
		return nil, &BootImgError{Reason: "bad page size"}
	}

	off := page
	var err error
	if b.kernel, off, err = takeBlock(data, off, uint64(b.hdrV2.KernelSize), page); err != nil {
		return nil, err
	}
	if b.ramdisk, off, err = takeBlock(data, off, uint64(b.hdrV2.RamdiskSize), page); err != nil {
		return nil, err
	}
	if b.second, off, err = takeBlock(data, off, uint64(b.hdrV2.SecondSize), page); err != nil {
		return nil, err
	}
	if version >= 1 {
		if b.recoveryDtbo, off, err = takeBlock(data, off, uint64(b.hdrV2.RecoveryDtboSize), page); err != nil {
			return nil, err
		}
	}
	if version >= 2 {
		if b.dtb, off, err = takeBlock(data, off, uint64(b.hdrV2.DtbSize), page); err != nil {
			return nil, err
		}
	}
	b.tail = data[min(off, uint64(len(data))):]
	return b, nil
}

func parseVendorBoot(data []byte) (*BootImage, error) {
	version := binary.LittleEndian.Uint32(data[8:12])
	if version < 3 || version > 4 {
		return nil, &BootImgError{Reason: "unsupported vendor boot version"}
	}
	b := &BootImage{raw: data, Vendor: true, Version: version}
	b.hdrLen = binary.Size(BootImgHdrVndV3{})
	if version == 4 {
		b.hdrLen = binary.Size(BootImgHdrVndV4{})
	}
	if len(data) < b.hdrLen {
		return nil, &BootImgError{Reason: "truncated vendor boot header"}
	}
	if version == 4 {
		if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &b.vndV4); err != nil {
			return nil, &BootImgError{Reason: err.Error()}
		}
	} else {
		if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &b.vndV4.BootImgHdrVndV3); err != nil {
			return nil, &BootImgError{Reason: err.Error()}
		}
	}
	page := uint64(b.vndV4.PageSize)
	if page == 0 || page%512 != 0 {
		return nil, &BootImgError{Reason: "bad vendor page size"}
	}

	off := alignTo(uint64(b.hdrLen), page)
	var err error
	if b.ramdisk, off, err = takeBlock(data, off, uint64(b.vndV4.RamdiskSize), page); err != nil {
		return nil, err
	}
	if b.dtb, off, err = takeBlock(data, off, uint64(b.vndV4.DtbSize), page); err != nil {
		return nil, err
	}
	if version == 4 {
		if b.vendorRamdiskTable, off, err = takeBlock(data, off, uint64(b.vndV4.VendorRamdiskTableSize), page); err != nil {
			return nil, err
		}
		if b.bootconfig, off, err = takeBlock(data, off, uint64(b.vndV4.BootconfigSize), page); err != nil {
			return nil, err
		}
	}
	b.tail = data[min(off, uint64(len(data))):]
	return b, nil
}

func takeBlock(data []byte, off, size, page uint64) ([]byte, uint64, error) {
	if size == 0 {
		return nil, off, nil
	}
	if off+size > uint64(len(data)) {
		return nil, 0, &BootImgError{Reason: "block overflows image"}
	}
	return data[off : off+size], alignTo(off+size, page), nil
}
