package ruaflash_test

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"

	ruaflash "github.com/winzkh/RuaFlashTool"
)

func TestCodecRoundTrip(t *testing.T) {
	t.Log("Test decompress(compress(f, x)) == x for every format")

	payload := bytes.Repeat([]byte("The quick brown fox jumps over the lazy dog. "), 64)
	for _, f := range []ruaflash.Format{
		ruaflash.Gzip,
		ruaflash.Xz,
		ruaflash.Zstd,
		ruaflash.Lz4Frame,
		ruaflash.Lz4Legacy,
		ruaflash.Uncompressed,
	} {
		compressed, err := ruaflash.Compress(f, payload)
		if err != nil {
			t.Fatalf("Compress(%v) failed: %v", f, err)
		}
		out, err := ruaflash.Decompress(compressed)
		if err != nil {
			t.Fatalf("Decompress(%v) failed: %v", f, err)
		}
		if diff := cmp.Diff(payload, out); diff != "" {
			t.Fatalf("Round trip mismatch for %v (-want +got):\n%s", f, diff)
		}
	}
}

func TestGzipScenario(t *testing.T) {
	t.Log("Test gzip ramdisk round-trip scenario")

	payload := bytes.Repeat([]byte("hello\n"), 171)[:1024]
	compressed, err := ruaflash.Compress(ruaflash.Gzip, payload)
	if err != nil {
		t.Fatal(err)
	}
	if compressed[0] != 0x1f || compressed[1] != 0x8b {
		t.Fatalf("Gzip magic missing, got % x", compressed[:2])
	}
	if got := ruaflash.DetectFormat(compressed); got != ruaflash.Gzip {
		t.Fatalf("Detect failed, Except: Gzip, But: %v", got)
	}
	out, err := ruaflash.Decompress(compressed)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(out, payload) {
		t.Fatal("decompressed bytes differ from input")
	}
}

func TestLz4LegacyLayout(t *testing.T) {
	t.Log("Test lz4-legacy emits magic + LE size + block")

	payload := bytes.Repeat([]byte("ramdisk"), 100)
	out, err := ruaflash.Compress(ruaflash.Lz4Legacy, payload)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.HasPrefix(out, []byte(ruaflash.LZ4_LEGACY_MAGIC)) {
		t.Fatalf("legacy magic missing, got % x", out[:4])
	}
	blockLen := uint32(out[4]) | uint32(out[5])<<8 | uint32(out[6])<<16 | uint32(out[7])<<24
	if int(blockLen) != len(out)-8 {
		t.Fatalf("size field mismatch, Except: %d, But: %d", len(out)-8, blockLen)
	}
}

func TestDecompressUnknownPassthrough(t *testing.T) {
	raw := []byte("not compressed at all")
	out, err := ruaflash.Decompress(raw)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(out, raw) {
		t.Fatal("unknown-magic input must pass through unchanged")
	}
}

func TestXzCompressForOverlay(t *testing.T) {
	data := []byte("magisk binary payload")
	out, err := ruaflash.XzCompress(data)
	if err != nil {
		t.Fatal(err)
	}
	if got := ruaflash.DetectFormat(out); got != ruaflash.Xz {
		t.Fatalf("XzCompress output not xz, got %v", got)
	}
}
