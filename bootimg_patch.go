package ruaflash

import (
	"bytes"
	"crypto/sha1"
	"encoding/binary"
	"io"
)

// PatchOption re-emits a parsed boot image with the kernel and/or
// ramdisk block replaced. With preserveAll every untouched header byte
// is copied verbatim and only sizes (and the v0-v2 id hash) are
// recomputed; init_boot images require this or the device rejects the
// result.
type PatchOption struct {
	img *BootImage

	newKernel  []byte
	newRamdisk []byte

	kernelReplaced  bool
	ramdiskReplaced bool
	preserveAll     bool
}

func NewPatchOption(img *BootImage) *PatchOption {
	return &PatchOption{img: img}
}

// PreserveAll copies the header verbatim even when nothing is
// replaced; re-emission is then byte-exact.
func (p *PatchOption) PreserveAll() {
	p.preserveAll = true
}

func (p *PatchOption) ReplaceKernel(data []byte, preserveAll bool) {
	p.newKernel = data
	p.kernelReplaced = true
	p.preserveAll = p.preserveAll || preserveAll
}

func (p *PatchOption) ReplaceRamdisk(data []byte, preserveAll bool) {
	p.newRamdisk = data
	p.ramdiskReplaced = true
	p.preserveAll = p.preserveAll || preserveAll
}

// Patch writes the re-serialized image to w.
func (p *PatchOption) Patch(w io.Writer) error {
	out, err := p.PatchBytes()
	if err != nil {
		return err
	}
	_, err = w.Write(out)
	return err
}

func (p *PatchOption) PatchBytes() ([]byte, error) {
	img := p.img
	if img.Vendor && p.kernelReplaced {
		return nil, &BootImgError{Reason: "vendor boot images carry no kernel"}
	}

	kernel := img.kernel
	if p.kernelReplaced {
		kernel = p.newKernel
	}
	ramdisk := img.ramdisk
	if p.ramdiskReplaced {
		ramdisk = p.newRamdisk
	}

	page := uint64(img.PageSize())
	headerSpace := page
	if img.Vendor {
		headerSpace = alignTo(uint64(img.hdrLen), page)
	}

	hdr, err := p.headerBytes(headerSpace, kernel, ramdisk)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.Write(hdr)
	writeBlock := func(block []byte) {
		if len(block) == 0 {
			return
		}
		buf.Write(block)
		pad := alignTo(uint64(len(block)), page) - uint64(len(block))
		buf.Write(make([]byte, pad))
	}

	if img.Vendor {
		writeBlock(ramdisk)
		writeBlock(img.dtb)
		if img.Version == 4 {
			writeBlock(img.vendorRamdiskTable)
			writeBlock(img.bootconfig)
		}
	} else if img.Version >= 3 {
		writeBlock(kernel)
		writeBlock(ramdisk)
		if img.Version == 4 {
			writeBlock(img.signature)
		}
	} else {
		writeBlock(kernel)
		writeBlock(ramdisk)
		writeBlock(img.second)
		if img.Version >= 1 {
			writeBlock(img.recoveryDtbo)
		}
		if img.Version >= 2 {
			writeBlock(img.dtb)
		}
	}
	buf.Write(img.tail)
	return buf.Bytes(), nil
}

func (p *PatchOption) headerBytes(headerSpace uint64, kernel, ramdisk []byte) ([]byte, error) {
	img := p.img
	hdr := make([]byte, headerSpace)
	if p.preserveAll {
		copy(hdr, img.raw[:min(headerSpace, uint64(len(img.raw)))])
	} else {
		var tmp bytes.Buffer
		var err error
		switch {
		case img.Vendor && img.Version == 4:
			err = binary.Write(&tmp, binary.LittleEndian, &img.vndV4)
		case img.Vendor:
			err = binary.Write(&tmp, binary.LittleEndian, &img.vndV4.BootImgHdrVndV3)
		case img.Version == 4:
			err = binary.Write(&tmp, binary.LittleEndian, &img.hdrV4)
		case img.Version == 3:
			err = binary.Write(&tmp, binary.LittleEndian, &img.hdrV4.BootImgHdrV3)
		default:
			err = binary.Write(&tmp, binary.LittleEndian, &img.hdrV2)
		}
		if err != nil {
			return nil, &BootImgError{Reason: err.Error()}
		}
		copy(hdr, tmp.Bytes()[:img.hdrLen])
	}

	le32 := func(off int, v uint32) {
		binary.LittleEndian.PutUint32(hdr[off:off+4], v)
	}

	switch {
	case img.Vendor:
		le32(24, uint32(len(ramdisk)))
	case img.Version >= 3:
		le32(8, uint32(len(kernel)))
		le32(12, uint32(len(ramdisk)))
	default:
		le32(8, uint32(len(kernel)))
		le32(16, uint32(len(ramdisk)))
		if img.Version >= 1 && img.hdrV2.RecoveryDtboSize > 0 {
			// dtbo sits after kernel/ramdisk/second; its recorded file
			// offset moves when those blocks change size.
			page := uint64(img.PageSize())
			off := page +
				alignTo(uint64(len(kernel)), page) +
				alignTo(uint64(len(ramdisk)), page) +
				alignTo(uint64(len(img.second)), page)
			binary.LittleEndian.PutUint64(hdr[1636:1644], off)
		}
		if p.kernelReplaced || p.ramdiskReplaced {
			copy(hdr[576:608], p.legacyId(kernel, ramdisk))
		}
	}
	return hdr, nil
}

// legacyId recomputes the v0-v2 header id: a SHA-1 over each block and
// its little-endian size, in mkbootimg order.
func (p *PatchOption) legacyId(kernel, ramdisk []byte) []byte {
	img := p.img
	h := sha1.New()
	sum := func(block []byte) {
		h.Write(block)
		var sz [4]byte
		binary.LittleEndian.PutUint32(sz[:], uint32(len(block)))
		h.Write(sz[:])
	}
	sum(kernel)
	sum(ramdisk)
	sum(img.second)
	if img.Version >= 1 {
		sum(img.recoveryDtbo)
	}
	if img.Version >= 2 {
		sum(img.dtb)
	}
	id := make([]byte, BOOT_ID_SIZE)
	copy(id, h.Sum(nil))
	return id
}
