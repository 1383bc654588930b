package ruaflash

import (
	"regexp"

	"github.com/sirupsen/logrus"

	"github.com/winzkh/RuaFlashTool/cpio"
)

// kmiRe matches the kernel release string embedded in the image, e.g.
// "5.10.177-android12-9-..." yields android12-5.10.
var kmiRe = regexp.MustCompile(`(?:.* )?(\d+\.\d+)(?:\S+)?(android\d+)`)

// DetectKMI scans the kernel's printable strings for the Kernel Module
// Interface tag, reported as androidXX-M.m.
func DetectKMI(kernel []byte) (string, bool) {
	start := 0
	for i := 0; i <= len(kernel); i++ {
		if i < len(kernel) && kernel[i] != 0 {
			continue
		}
		chunk := kernel[start:i]
		start = i + 1
		if len(chunk) == 0 || !printableASCII(chunk) {
			continue
		}
		if m := kmiRe.FindSubmatch(chunk); m != nil {
			return string(m[2]) + "-" + string(m[1]), true
		}
	}
	return "", false
}

func printableASCII(b []byte) bool {
	for _, c := range b {
		if c != ' ' && (c < '!' || c > '~') {
			return false
		}
	}
	return true
}

func IsMagiskPatched(arc *cpio.Archive) bool {
	return arc.Exists(".backup/.magisk")
}

func IsKernelsuPatched(arc *cpio.Archive) bool {
	return arc.Exists("kernelsu.ko")
}

// KsuinitScript is one file destined for ksuinit.d/ in the ramdisk.
type KsuinitScript struct {
	Name string
	Data []byte
}

// PatchKernelsuRamdisk installs the KernelSU LKM: the stock init is
// kept as init.real, ksuinit takes its place, and the module plus any
// ksuinit.d payload land executable in the archive root. A
// Magisk-patched ramdisk is refused unless force is set.
func PatchKernelsuRamdisk(arc *cpio.Archive, ksuinit []byte, scripts []KsuinitScript, ko []byte, force bool) error {
	if IsMagiskPatched(arc) {
		if !force {
			return &PatchError{Reason: "Magisk-patched image; KernelSU may conflict with Magisk, use force to install anyway"}
		}
		logrus.Warn("Magisk-patched image detected, continuing because force is set")
	}
	if IsKernelsuPatched(arc) {
		logrus.Warn("image appears to be already KernelSU-patched")
	}

	if old, ok := arc.Remove("init"); ok {
		arc.Add("init.real", old.Mode, old.Data)
	}
	arc.Add("init", 0o755, ksuinit)
	arc.Add("kernelsu.ko", 0o755, ko)
	for _, s := range scripts {
		arc.Add("ksuinit.d/"+s.Name, 0o755, s.Data)
	}
	return nil
}
