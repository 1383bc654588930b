package ruaflash_test

import (
	"encoding/binary"
	"testing"

	ruaflash "github.com/winzkh/RuaFlashTool"
	"github.com/winzkh/RuaFlashTool/cpio"
)

func policyBytes(version uint32) []byte {
	data := make([]byte, 8, 108)
	binary.LittleEndian.PutUint32(data[0:4], 0xf97cff8f)
	binary.LittleEndian.PutUint32(data[4:8], version)
	return append(data, make([]byte, 100)...)
}

func TestSepolicyParseValid(t *testing.T) {
	pol, err := ruaflash.ParseSepolicy(policyBytes(26))
	if err != nil {
		t.Fatal(err)
	}
	if pol.Version != 26 {
		t.Fatalf("Except version 26, But: %d", pol.Version)
	}
	if !pol.IsValid() {
		t.Fatal("policy should be valid")
	}
}

func TestSepolicyParseInvalidMagic(t *testing.T) {
	data := make([]byte, 8)
	binary.LittleEndian.PutUint32(data[0:4], 0xDEADBEEF)
	binary.LittleEndian.PutUint32(data[4:8], 26)
	if _, err := ruaflash.ParseSepolicy(data); err == nil {
		t.Fatal("Except error for bad magic")
	}
}

func TestSepolicyParseTooSmall(t *testing.T) {
	if _, err := ruaflash.ParseSepolicy(make([]byte, 4)); err == nil {
		t.Fatal("Except error for short input")
	}
}

func TestSepolicyAddMagiskRules(t *testing.T) {
	pol, err := ruaflash.ParseSepolicy(policyBytes(30))
	if err != nil {
		t.Fatal(err)
	}
	before := len(pol.Data)
	pol.AddMagiskRules()
	if len(pol.Data) <= before {
		t.Fatal("rules were not appended")
	}
}

func TestExtractSepolicy(t *testing.T) {
	a := &cpio.Archive{}
	a.Add("init", 0o750, []byte("I"))
	a.Add("sepolicy", 0o644, policyBytes(26))
	data, ok := ruaflash.ExtractSepolicy(a.Dump())
	if !ok {
		t.Fatal("sepolicy entry not found")
	}
	if len(data) != 108 {
		t.Fatalf("Except 108 bytes, But: %d", len(data))
	}

	if _, ok := ruaflash.ExtractSepolicy(make([]byte, 512)); ok {
		t.Fatal("found sepolicy in empty data")
	}
}
