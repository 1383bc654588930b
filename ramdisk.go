package ruaflash

import (
	"github.com/winzkh/RuaFlashTool/cpio"
)

// DecodeRamdisk inflates a boot image's ramdisk block and parses the
// CPIO archive inside it, skipping any vendor pre-header before the
// archive magic. The returned format must be fed back to EncodeRamdisk
// so the repacked image keeps its codec.
func DecodeRamdisk(raw []byte) (*cpio.Archive, Format, error) {
	if len(raw) == 0 {
		return &cpio.Archive{}, Uncompressed, nil
	}
	format := DetectFormat(raw)
	data, err := Decompress(raw)
	if err != nil {
		return nil, format, err
	}
	arc, err := cpio.Parse(data)
	if err != nil {
		return nil, format, err
	}
	return arc, format, nil
}

// EncodeRamdisk re-emits the archive and compresses it with the codec
// the original ramdisk used.
func EncodeRamdisk(arc *cpio.Archive, format Format) ([]byte, error) {
	return Compress(format, arc.Dump())
}

// ReplaceRamdiskInImage runs the common tail of every ramdisk
// transformation: repack the archive with the original codec and
// re-emit the boot image with all header fields preserved.
func ReplaceRamdiskInImage(img *BootImage, arc *cpio.Archive, format Format) ([]byte, error) {
	ramdisk, err := EncodeRamdisk(arc, format)
	if err != nil {
		return nil, err
	}
	patcher := NewPatchOption(img)
	patcher.ReplaceRamdisk(ramdisk, true)
	return patcher.PatchBytes()
}
