package ruaflash

import (
	"encoding/binary"

	"github.com/winzkh/RuaFlashTool/cpio"
)

// policydbMagic is the little-endian magic of a compiled SELinux
// policy database.
const policydbMagic uint32 = 0xf97cff8f

type Sepolicy struct {
	Data    []byte
	Version int32
}

func ParseSepolicy(data []byte) (*Sepolicy, error) {
	if len(data) < 8 {
		return nil, &PatchError{Reason: "sepolicy data too small"}
	}
	if magic := binary.LittleEndian.Uint32(data[0:4]); magic != policydbMagic {
		return nil, &PatchError{Reason: "invalid sepolicy magic"}
	}
	return &Sepolicy{
		Data:    append([]byte(nil), data...),
		Version: int32(binary.LittleEndian.Uint32(data[4:8])),
	}, nil
}

func (s *Sepolicy) IsValid() bool {
	return len(s.Data) >= 8 && s.Version >= 15
}

// AddMagiskRules appends the Magisk AVC rule bytes. This is a
// placeholder, not a policydb merge; a real merge replaces this once
// the rule compiler lands.
func (s *Sepolicy) AddMagiskRules() {
	s.Data = append(s.Data, magiskAvcRules...)
}

var magiskAvcRules = []byte{'a', 'l', 'l', 'o', 'w', 0x00}

// ExtractSepolicy pulls the sepolicy entry out of a raw (decompressed)
// ramdisk without parsing the whole archive.
func ExtractSepolicy(ramdisk []byte) ([]byte, bool) {
	_, data, ok := cpio.Extract(ramdisk, "sepolicy")
	return data, ok
}
