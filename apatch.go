package ruaflash

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	uuid "github.com/satori/go.uuid"
	"github.com/sirupsen/logrus"
)

// KernelPatchTools locates the out-of-repo kptools binary and its
// kpimg blob. There is no fallback: a missing kptools fails the patch
// rather than silently skipping it.
type KernelPatchTools struct {
	Kptools string
	Kpimg   string
}

// DefaultKernelPatchTools expects the KernelPatch/ directory in the
// working directory, as shipped.
func DefaultKernelPatchTools() KernelPatchTools {
	return KernelPatchTools{
		Kptools: filepath.Join("KernelPatch", "kptools"),
		Kpimg:   filepath.Join("KernelPatch", "kpimg-android"),
	}
}

// NewSuperKey generates the random UUIDv4 SuperKey used when the user
// does not supply one.
func NewSuperKey() string {
	return uuid.NewV4().String()
}

// RunKptools patches a raw kernel through the external kptools binary
// and returns the patched kernel bytes.
func (t KernelPatchTools) RunKptools(kernel []byte, skey string) ([]byte, error) {
	if _, err := os.Stat(t.Kptools); err != nil {
		return nil, &ExecutableNotFoundError{Kind: "kptools", Path: t.Kptools}
	}
	if _, err := os.Stat(t.Kpimg); err != nil {
		return nil, &PatchError{Reason: "kpimg not found: " + t.Kpimg}
	}

	tmpIn, err := os.CreateTemp("", "kernel-*.img")
	if err != nil {
		return nil, errors.Wrap(err, "create kptools input")
	}
	tmpIn.Close()
	defer os.Remove(tmpIn.Name())
	tmpOut := tmpIn.Name() + ".patched"
	defer os.Remove(tmpOut)

	if err := os.WriteFile(tmpIn.Name(), kernel, 0o644); err != nil {
		return nil, errors.Wrap(err, "write kptools input")
	}

	cmd := exec.Command(t.Kptools,
		"-p",
		"--image", tmpIn.Name(),
		"--skey", skey,
		"--kpimg", t.Kpimg,
		"--out", tmpOut,
	)
	out, err := cmd.CombinedOutput()
	for _, line := range strings.Split(strings.TrimRight(string(out), "\n"), "\n") {
		if line != "" {
			logrus.WithField("tool", "kptools").Info(line)
		}
	}
	if err != nil {
		return nil, &ExternalToolError{Tool: "kptools", Stderr: string(out)}
	}

	patched, err := os.ReadFile(tmpOut)
	if err != nil {
		return nil, errors.Wrap(err, "read kptools output")
	}
	return patched, nil
}

// PatchKernelAPatch runs kptools over a kernel, transparently handling
// gzip-compressed kernels (some vendors ship them compressed; the
// result is re-gzipped so the boot image layout is unchanged).
func (t KernelPatchTools) PatchKernelAPatch(kernel []byte, skey string) ([]byte, error) {
	raw := kernel
	wasCompressed := false
	if DetectFormat(kernel) == Gzip {
		dec, err := Decompress(kernel)
		if err != nil {
			return nil, err
		}
		raw = dec
		wasCompressed = true
	}

	patched, err := t.RunKptools(raw, skey)
	if err != nil {
		return nil, err
	}

	if wasCompressed {
		return Compress(Gzip, patched)
	}
	return patched, nil
}
