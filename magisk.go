package ruaflash

import (
	"archive/zip"
	"fmt"
	"io"
	"strings"

	"github.com/winzkh/RuaFlashTool/cpio"
)

// MagiskAssets are the binaries injected into the ramdisk. Magiskinit
// is mandatory; the rest are added only when present.
type MagiskAssets struct {
	Magiskinit []byte
	Magisk     []byte
	Stub       []byte
	InitLd     []byte
}

// LoadMagiskAssetsFromAPK pulls the arm64 assets out of a Magisk (or
// fork) APK.
func LoadMagiskAssetsFromAPK(path string) (*MagiskAssets, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, &PatchError{Reason: "open apk: " + err.Error()}
	}
	defer r.Close()

	assets := &MagiskAssets{}
	read := func(f *zip.File) ([]byte, error) {
		rc, err := f.Open()
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		return io.ReadAll(rc)
	}
	for _, f := range r.File {
		name := f.Name
		var dst *[]byte
		switch {
		case strings.Contains(name, "libmagiskinit.so") && strings.Contains(name, "arm64-v8a"):
			dst = &assets.Magiskinit
		case name == "assets/magisk64" || strings.Contains(name, "libmagisk.so") && strings.Contains(name, "arm64-v8a"):
			dst = &assets.Magisk
		case name == "assets/stub.apk":
			dst = &assets.Stub
		case name == "assets/init-ld" || strings.Contains(name, "libinit-ld.so") && strings.Contains(name, "arm64-v8a"):
			dst = &assets.InitLd
		}
		if dst == nil {
			continue
		}
		data, err := read(f)
		if err != nil {
			return nil, &PatchError{Reason: "read apk entry " + name + ": " + err.Error()}
		}
		*dst = data
	}
	if len(assets.Magiskinit) == 0 {
		return nil, &PatchError{Reason: "libmagiskinit.so not found in apk"}
	}
	return assets, nil
}

// MagiskBackupConfig is the .backup/.magisk content; SHA1 is the hex
// digest of the original (unpatched) boot image so Magisk can restore
// it.
func MagiskBackupConfig(sha1hex string) []byte {
	return []byte(fmt.Sprintf(
		"KEEPVERITY=false\nKEEPFORCEENCRYPT=false\nRECOVERYMODE=false\nVENDORBOOT=false\nSHA1=%s\n",
		sha1hex))
}

// PatchMagiskRamdisk installs Magisk into a decoded ramdisk:
// magiskinit takes over init, the support binaries land xz-compressed
// under overlay.d/sbin, and the restore config is recorded under
// .backup. Applying it to an already patched archive converges to the
// same entry set.
func PatchMagiskRamdisk(arc *cpio.Archive, assets *MagiskAssets, bootSha1 string) error {
	if assets == nil || len(assets.Magiskinit) == 0 {
		return &PatchError{Reason: "magiskinit asset missing"}
	}

	arc.Remove("init")
	arc.Add("init", 0o750, assets.Magiskinit)

	arc.RemovePrefix("overlay.d")
	arc.RemovePrefix(".backup")

	overlay := []struct {
		name string
		data []byte
	}{
		{"overlay.d/sbin/magisk.xz", assets.Magisk},
		{"overlay.d/sbin/stub.xz", assets.Stub},
		{"overlay.d/sbin/init-ld.xz", assets.InitLd},
	}
	for _, o := range overlay {
		if len(o.data) == 0 {
			continue
		}
		compressed, err := XzCompress(o.data)
		if err != nil {
			return err
		}
		arc.Add(o.name, 0o644, compressed)
	}

	arc.Add(".backup/.magisk", 0o000, MagiskBackupConfig(bootSha1))

	if entry, ok := arc.Get("sepolicy"); ok {
		if pol, err := ParseSepolicy(entry.Data); err == nil {
			pol.AddMagiskRules()
			arc.Add("sepolicy", entry.Mode, pol.Data)
		}
	}
	return nil
}
