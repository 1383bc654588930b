package ruaflash

import (
	"archive/zip"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/mitchellh/colorstring"
	"github.com/panjf2000/ants/v2"
	"github.com/sirupsen/logrus"
)

// Flasher ties the image pipeline together per root flavor and shells
// out to fastboot for the final write. It owns the work directory;
// nothing else touches it while an extraction runs.
type Flasher struct {
	Client  *FastbootClient
	Kptools KernelPatchTools
	log     *logrus.Entry
}

func NewFlasher(client *FastbootClient) *Flasher {
	return &Flasher{
		Client:  client,
		Kptools: DefaultKernelPatchTools(),
		log:     logrus.WithField("component", "flasher"),
	}
}

func step(format string, args ...interface{}) {
	colorstring.Fprintf(os.Stderr, "[cyan]>> "+format+"\n", args...)
}

// UnpackPayload extracts partitions from an OTA payload (bin or ZIP)
// into outDir. The extraction runs on a dedicated worker so the
// calling loop stays free to poll the reporter; cancellation leaves
// partial output on disk.
func (f *Flasher) UnpackPayload(path, outDir string, partitions []string, rep Reporter) ([]string, error) {
	p, err := OpenPayload(path)
	if err != nil {
		return nil, err
	}
	defer p.Close()

	pool, err := ants.NewPool(1)
	if err != nil {
		return nil, err
	}
	defer pool.Release()

	type result struct {
		paths []string
		err   error
	}
	done := make(chan result, 1)
	err = pool.Submit(func() {
		if len(partitions) == 0 {
			paths, err := p.ExtractAll(outDir, rep)
			done <- result{paths, err}
			return
		}
		var paths []string
		for _, name := range partitions {
			out, err := p.ExtractPartition(name, outDir, rep)
			if err != nil {
				done <- result{paths, err}
				return
			}
			paths = append(paths, out)
		}
		done <- result{paths, nil}
	})
	if err != nil {
		return nil, err
	}
	res := <-done
	return res.paths, res.err
}

// ListPayloadPartitions reads the manifest without extracting.
func (f *Flasher) ListPayloadPartitions(path string) (PayloadSummary, error) {
	p, err := OpenPayload(path)
	if err != nil {
		return PayloadSummary{}, err
	}
	defer p.Close()
	return p.ListPartitions(), nil
}

// MagiskPatch installs Magisk into the boot (or init_boot) image at
// bootPath and returns the patched image path. Flashing is a separate
// step so the user can keep the output instead.
func (f *Flasher) MagiskPatch(bootPath string, assets *MagiskAssets, targetPartition string) (string, error) {
	bootData, err := os.ReadFile(bootPath)
	if err != nil {
		return "", err
	}
	sum := sha1.Sum(bootData)
	sha1hex := hex.EncodeToString(sum[:])
	step("boot image: %d bytes, sha1 %s", len(bootData), sha1hex)

	img, err := ParseBootImage(bootData)
	if err != nil {
		return "", err
	}
	if img.IsInitBoot() {
		step("init_boot image detected (ramdisk only)")
	}

	arc, format, err := DecodeRamdisk(img.GetRamdisk())
	if err != nil {
		return "", err
	}
	step("ramdisk codec: %s, %d entries", format, len(arc.Entries))

	if err := PatchMagiskRamdisk(arc, assets, sha1hex); err != nil {
		return "", err
	}

	patched, err := ReplaceRamdiskInImage(img, arc, format)
	if err != nil {
		return "", err
	}

	if targetPartition == "" {
		if img.IsInitBoot() {
			targetPartition = "init_boot"
		} else {
			targetPartition = "boot"
		}
	}
	outPath := fmt.Sprintf("magisk_patched_%s.img", targetPartition)
	if err := os.WriteFile(outPath, patched, 0o644); err != nil {
		return "", err
	}
	step("saved patched image: %s", outPath)
	return outPath, nil
}

// KernelsuLKMPatch installs the KernelSU loadable kernel module. The
// LKM file name is expected to carry its KMI; when the image itself
// has a kernel its KMI is logged for cross-checking.
func (f *Flasher) KernelsuLKMPatch(imgPath, ksuinitPath, ksuinitDDir, koPath, partition string, force bool) (string, error) {
	bootData, err := os.ReadFile(imgPath)
	if err != nil {
		return "", err
	}
	img, err := ParseBootImage(bootData)
	if err != nil {
		return "", err
	}
	if kernel := img.GetKernel(); len(kernel) > 0 {
		if kmi, ok := DetectKMI(kernel); ok {
			step("KMI: %s", kmi)
		}
	}

	arc, format, err := DecodeRamdisk(img.GetRamdisk())
	if err != nil {
		return "", err
	}

	ksuinit, err := os.ReadFile(ksuinitPath)
	if err != nil {
		return "", err
	}
	ko, err := os.ReadFile(koPath)
	if err != nil {
		return "", err
	}
	var scripts []KsuinitScript
	if ksuinitDDir != "" {
		scripts, err = readScriptsDir(ksuinitDDir)
		if err != nil {
			return "", err
		}
	}

	if err := PatchKernelsuRamdisk(arc, ksuinit, scripts, ko, force); err != nil {
		return "", err
	}

	patched, err := ReplaceRamdiskInImage(img, arc, format)
	if err != nil {
		return "", err
	}

	outPath := fmt.Sprintf("ksu_lkm_patched_%s.img", partition)
	if err := os.WriteFile(outPath, patched, 0o644); err != nil {
		return "", err
	}
	step("saved patched image: %s", outPath)
	return outPath, nil
}

func readScriptsDir(dir string) ([]KsuinitScript, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil
	}
	var scripts []KsuinitScript
	for _, fi := range files {
		if fi.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, fi.Name()))
		if err != nil {
			return nil, err
		}
		scripts = append(scripts, KsuinitScript{Name: fi.Name(), Data: data})
	}
	return scripts, nil
}

// DetectKMIFromPayload extracts the boot partition to a scratch dir
// only to read its kernel strings. init_boot targets need this: they
// carry no kernel of their own.
func (f *Flasher) DetectKMIFromPayload(payloadPath string) (string, error) {
	p, err := OpenPayload(payloadPath)
	if err != nil {
		return "", err
	}
	defer p.Close()

	tmp, err := os.MkdirTemp("", "kmi-probe-")
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(tmp)

	bootPath, err := p.ExtractPartition("boot", tmp, NopReporter{})
	if err != nil {
		return "", err
	}
	img, err := ParseBootImageFile(bootPath)
	if err != nil {
		return "", err
	}
	kmi, ok := DetectKMI(img.GetKernel())
	if !ok {
		return "", &PatchError{Reason: "could not detect KMI from boot kernel"}
	}
	return kmi, nil
}

// ApatchPatch patches the kernel through the external kptools binary.
// With isRawKernel the input is a bare (possibly gzipped) kernel, as
// some vendors flash it; otherwise the kernel block of a boot image.
func (f *Flasher) ApatchPatch(imgPath, skey, partition string, isRawKernel, autoFlash bool) (string, error) {
	if skey == "" {
		skey = NewSuperKey()
		step("generated SuperKey: %s", skey)
	}

	outPath := fmt.Sprintf("apatch_patched_%s.img", partition)
	if isRawKernel {
		kernel, err := os.ReadFile(imgPath)
		if err != nil {
			return "", err
		}
		patched, err := f.Kptools.PatchKernelAPatch(kernel, skey)
		if err != nil {
			return "", err
		}
		if err := os.WriteFile(outPath, patched, 0o644); err != nil {
			return "", err
		}
	} else {
		img, err := ParseBootImageFile(imgPath)
		if err != nil {
			return "", err
		}
		kernel := img.GetKernel()
		if len(kernel) == 0 {
			return "", &PatchError{Reason: "no kernel found in image"}
		}
		patchedKernel, err := f.Kptools.PatchKernelAPatch(kernel, skey)
		if err != nil {
			return "", err
		}
		patcher := NewPatchOption(img)
		patcher.ReplaceKernel(patchedKernel, false)
		patched, err := patcher.PatchBytes()
		if err != nil {
			return "", err
		}
		if err := os.WriteFile(outPath, patched, 0o644); err != nil {
			return "", err
		}
	}
	step("saved patched image: %s", outPath)

	if autoFlash {
		if err := f.FlashPartition(f.Client.Serial, partition, outPath); err != nil {
			return "", err
		}
		os.Remove(outPath)
	}
	return outPath, nil
}

// Anykernel3Root swaps in the kernel Image from an AnyKernel3 ZIP (the
// usual KernelSU GKI delivery), or emits the raw Image for raw-kernel
// targets.
func (f *Flasher) Anykernel3Root(zipPath, bootPath, partition string, isRawKernel, autoFlash bool) (string, error) {
	kernel, err := readZipKernelImage(zipPath)
	if err != nil {
		return "", err
	}

	bootData, err := os.ReadFile(bootPath)
	if err != nil {
		return "", err
	}
	if isRawKernel {
		if kmi, ok := DetectKMI(bootData); ok {
			step("original kernel: %s", kmi)
		}
	} else if img, err := ParseBootImage(bootData); err == nil {
		if kmi, ok := DetectKMI(img.GetKernel()); ok {
			step("original kernel: %s", kmi)
		}
	}
	if kmi, ok := DetectKMI(kernel); ok {
		step("new kernel: %s", kmi)
	}

	outPath := fmt.Sprintf("ak3_patched_%s.img", partition)
	if isRawKernel {
		if err := os.WriteFile(outPath, kernel, 0o644); err != nil {
			return "", err
		}
	} else {
		img, err := ParseBootImage(bootData)
		if err != nil {
			return "", err
		}
		patcher := NewPatchOption(img)
		patcher.ReplaceKernel(kernel, false)
		patched, err := patcher.PatchBytes()
		if err != nil {
			return "", err
		}
		if err := os.WriteFile(outPath, patched, 0o644); err != nil {
			return "", err
		}
	}

	if autoFlash {
		if err := f.FlashPartition(f.Client.Serial, partition, outPath); err != nil {
			return "", err
		}
		os.Remove(outPath)
	}
	return outPath, nil
}

func readZipKernelImage(zipPath string) ([]byte, error) {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return nil, &PatchError{Reason: "open zip: " + err.Error()}
	}
	defer r.Close()
	for _, file := range r.File {
		if file.Name == "Image" || strings.HasSuffix(file.Name, "/Image") {
			rc, err := file.Open()
			if err != nil {
				return nil, err
			}
			defer rc.Close()
			return io.ReadAll(rc)
		}
	}
	return nil, &PatchError{Reason: "no Image file found in zip"}
}

// FlashPartition writes an image through a scratch copy; the scratch
// file is removed on every path.
func (f *Flasher) FlashPartition(serial, partition, imgPath string) error {
	scratch := fmt.Sprintf("%s_temp_boot.img", partition)
	defer os.Remove(scratch)
	if err := copyFile(imgPath, scratch); err != nil {
		return err
	}

	client := *f.Client
	client.Serial = serial
	f.log.WithFields(logrus.Fields{"partition": partition, "image": imgPath}).Info("flashing")
	return client.Flash(partition, scratch)
}

// FlashVbmeta disables verity/verification while flashing vbmeta.
func (f *Flasher) FlashVbmeta(serial, imgPath string) error {
	client := *f.Client
	client.Serial = serial
	return client.FlashVbmeta(imgPath)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
