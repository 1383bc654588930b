package ruaflash

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// The asset tree sits next to the binary:
//
//	Magisk/<branch>/<version>/{libmagiskinit.so, libmagisk[64].so, libinit-ld.so, stub.apk}
//	KSUINIT/<branch>/<version>/{ksuinit, ksuinit.d/*}
//	LKM/<branch>/<version>/<kmi>_kernelsu.ko
//	avbkey/<name>.pem
//
// It is scanned lazily by filename convention; nothing is cached.

type AssetVersion struct {
	Branch  string
	Version string
	Dir     string
}

// ListAssetVersions enumerates <root>/<component>/<branch>/<version>
// directories, sorted by branch then version.
func ListAssetVersions(root, component string) ([]AssetVersion, error) {
	base := filepath.Join(root, component)
	branches, err := os.ReadDir(base)
	if err != nil {
		return nil, errors.Wrapf(err, "scan %s", base)
	}
	var out []AssetVersion
	for _, branch := range branches {
		if !branch.IsDir() {
			continue
		}
		versions, err := os.ReadDir(filepath.Join(base, branch.Name()))
		if err != nil {
			continue
		}
		for _, version := range versions {
			if !version.IsDir() {
				continue
			}
			out = append(out, AssetVersion{
				Branch:  branch.Name(),
				Version: version.Name(),
				Dir:     filepath.Join(base, branch.Name(), version.Name()),
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Branch != out[j].Branch {
			return out[i].Branch < out[j].Branch
		}
		return out[i].Version < out[j].Version
	})
	return out, nil
}

// LoadMagiskAssetsFromDir reads a Magisk asset directory laid out by
// the release fetcher.
func LoadMagiskAssetsFromDir(dir string) (*MagiskAssets, error) {
	assets := &MagiskAssets{}
	entries := []struct {
		names []string
		dst   *[]byte
	}{
		{[]string{"libmagiskinit.so"}, &assets.Magiskinit},
		{[]string{"libmagisk64.so", "libmagisk.so"}, &assets.Magisk},
		{[]string{"stub.apk"}, &assets.Stub},
		{[]string{"libinit-ld.so"}, &assets.InitLd},
	}
	for _, e := range entries {
		for _, name := range e.names {
			data, err := os.ReadFile(filepath.Join(dir, name))
			if err == nil {
				*e.dst = data
				break
			}
		}
	}
	if len(assets.Magiskinit) == 0 {
		return nil, &PatchError{Reason: "libmagiskinit.so not found in " + dir}
	}
	return assets, nil
}

// LoadKsuinit reads the ksuinit binary and every file of the optional
// ksuinit.d/ directory, in name order for deterministic archives.
func LoadKsuinit(dir string) ([]byte, []KsuinitScript, error) {
	ksuinit, err := os.ReadFile(filepath.Join(dir, "ksuinit"))
	if err != nil {
		return nil, nil, errors.Wrap(err, "read ksuinit")
	}
	var scripts []KsuinitScript
	files, err := os.ReadDir(filepath.Join(dir, "ksuinit.d"))
	if err != nil {
		return ksuinit, nil, nil
	}
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, "ksuinit.d", f.Name()))
		if err != nil {
			return nil, nil, errors.Wrapf(err, "read ksuinit.d/%s", f.Name())
		}
		scripts = append(scripts, KsuinitScript{Name: f.Name(), Data: data})
	}
	sort.Slice(scripts, func(i, j int) bool { return scripts[i].Name < scripts[j].Name })
	return ksuinit, scripts, nil
}

// FindLKM locates the kernel module matching the detected KMI; LKM
// filenames carry their KMI as <kmi>_kernelsu.ko.
func FindLKM(root, kmi string) (string, error) {
	versions, err := ListAssetVersions(root, "LKM")
	if err != nil {
		return "", err
	}
	want := kmi + "_kernelsu.ko"
	for _, v := range versions {
		candidate := filepath.Join(v.Dir, want)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", &PatchError{Reason: "no LKM found for KMI " + kmi}
}

// ListAvbKeys returns the PEM keys under avbkey/.
func ListAvbKeys(root string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(root, "avbkey"))
	if err != nil {
		return nil, errors.Wrap(err, "scan avbkey")
	}
	var keys []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".pem") {
			keys = append(keys, filepath.Join(root, "avbkey", e.Name()))
		}
	}
	sort.Strings(keys)
	return keys, nil
}
