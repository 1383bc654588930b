package ruaflash_test

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/binary"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"

	ruaflash "github.com/winzkh/RuaFlashTool"
)

func writeTestKey(t *testing.T, name string, bits int) (string, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		t.Fatal(err)
	}
	block := &pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	}
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatal(err)
	}
	return path, key
}

func TestPartitionSizeFor(t *testing.T) {
	if got := ruaflash.PartitionSizeFor(102400); got != 3*1048576 {
		t.Fatalf("Except: %d, But: %d", 3*1048576, got)
	}
	if got := ruaflash.PartitionSizeFor(0); got != 2*1048576 {
		t.Fatalf("Except: %d, But: %d", 2*1048576, got)
	}
	if got := ruaflash.PartitionSizeFor(1048576); got%1048576 != 0 {
		t.Fatalf("partition size not MiB aligned: %d", got)
	}
}

func TestAlgorithmForKeyFile(t *testing.T) {
	if a := ruaflash.AlgorithmForKeyFile("avbkey/test_RSA4096.pem"); a.Name != "SHA256_RSA4096" {
		t.Fatalf("Except SHA256_RSA4096, But: %s", a.Name)
	}
	if a := ruaflash.AlgorithmForKeyFile("avbkey/release.pem"); a.Name != "SHA256_RSA2048" {
		t.Fatalf("Except SHA256_RSA2048, But: %s", a.Name)
	}
}

func TestPublicKeyBlobMontgomery(t *testing.T) {
	t.Log("Test n0 * n0inv == -1 (mod 2^32)")

	_, key := writeTestKey(t, "blob.pem", 2048)
	blob := ruaflash.BuildPublicKeyBlob(key)

	bits := binary.BigEndian.Uint32(blob[0:4])
	if int(bits) != key.N.BitLen() {
		t.Fatalf("bit length mismatch, Except: %d, But: %d", key.N.BitLen(), bits)
	}
	keyBytes := (int(bits) + 7) / 8
	if len(blob) != 8+2*keyBytes {
		t.Fatalf("blob length mismatch: %d", len(blob))
	}

	n0inv := binary.BigEndian.Uint32(blob[4:8])
	mod := new(big.Int).Lsh(big.NewInt(1), 32)
	n0 := new(big.Int).Mod(key.N, mod)
	prod := new(big.Int).Mul(n0, big.NewInt(int64(n0inv)))
	prod.Mod(prod, mod)
	minusOne := new(big.Int).Sub(mod, big.NewInt(1))
	if prod.Cmp(minusOne) != 0 {
		t.Fatalf("n0inv property failed: n0*n0inv mod 2^32 = %v", prod)
	}

	// Modulus occupies the next keyBytes, big-endian.
	n := new(big.Int).SetBytes(blob[8 : 8+keyBytes])
	if n.Cmp(key.N) != 0 {
		t.Fatal("modulus bytes mismatch")
	}
	// R^2 mod n with R = 2^bits.
	r := new(big.Int).Lsh(big.NewInt(1), uint(bits))
	rr := new(big.Int).Mul(r, r)
	rr.Mod(rr, key.N)
	if got := new(big.Int).SetBytes(blob[8+keyBytes:]); got.Cmp(rr) != 0 {
		t.Fatal("R^2 mod n mismatch")
	}
}

func TestAddHashFooter(t *testing.T) {
	t.Log("Test AVB footer on a 100 KiB image")

	keyPath, _ := writeTestKey(t, "test2048.pem", 2048)
	dir := t.TempDir()
	imgPath := filepath.Join(dir, "boot.img")
	image := bytes.Repeat([]byte{0x5A}, 102400)
	if err := os.WriteFile(imgPath, image, 0o644); err != nil {
		t.Fatal(err)
	}

	partitionSize := ruaflash.PartitionSizeFor(uint64(len(image)))
	outPath, err := ruaflash.AddHashFooter(imgPath, "boot", partitionSize, keyPath)
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(outPath) != "boot.signed.img" {
		t.Fatalf("unexpected output name: %s", outPath)
	}

	signed, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatal(err)
	}
	if uint64(len(signed)) != partitionSize {
		t.Fatalf("signed size mismatch, Except: %d, But: %d", partitionSize, len(signed))
	}
	if partitionSize%1048576 != 0 {
		t.Fatal("partition size not MiB aligned")
	}
	if partitionSize < uint64(len(image))+2*1048576 {
		t.Fatal("partition slack below 2 MiB")
	}

	footer := signed[len(signed)-64:]
	if !bytes.HasPrefix(footer, []byte{0x41, 0x56, 0x42, 0x66}) {
		t.Fatalf("footer magic missing, got % x", footer[:4])
	}
	origSize := binary.BigEndian.Uint64(footer[12:20])
	vbmetaOffset := binary.BigEndian.Uint64(footer[20:28])
	vbmetaSize := binary.BigEndian.Uint64(footer[28:36])
	if origSize != 102400 {
		t.Fatalf("original_image_size Except: 102400, But: %d", origSize)
	}
	if vbmetaOffset != 102400 {
		t.Fatalf("vbmeta_offset Except: 102400, But: %d", vbmetaOffset)
	}

	vbmeta := signed[vbmetaOffset : vbmetaOffset+vbmetaSize]
	if !bytes.HasPrefix(vbmeta, []byte("AVB0")) {
		t.Fatalf("vbmeta magic missing, got % x", vbmeta[:4])
	}
	if sigSize := binary.BigEndian.Uint64(vbmeta[56:64]); sigSize != 256 {
		t.Fatalf("signature size Except: 256, But: %d", sigSize)
	}
	if origSize+vbmetaSize+64 > partitionSize {
		t.Fatal("size envelope violated")
	}
	if !bytes.Equal(signed[:origSize], image) {
		t.Fatal("image bytes modified by signing")
	}
}

func TestAddHashFooterRejectsPublicKey(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	pub, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "pub.pem")
	os.WriteFile(keyPath, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pub}), 0o600)
	imgPath := filepath.Join(dir, "img.img")
	os.WriteFile(imgPath, []byte("img"), 0o644)

	_, err = ruaflash.AddHashFooter(imgPath, "boot", ruaflash.PartitionSizeFor(3), keyPath)
	if err == nil {
		t.Fatal("Except error for public key input")
	}
}

func TestAddHashFooterSizeCheck(t *testing.T) {
	keyPath, _ := writeTestKey(t, "k.pem", 2048)
	dir := t.TempDir()
	imgPath := filepath.Join(dir, "big.img")
	os.WriteFile(imgPath, bytes.Repeat([]byte{1}, 4096), 0o644)

	// Partition smaller than image + vbmeta + footer must fail.
	if _, err := ruaflash.AddHashFooter(imgPath, "boot", 4096, keyPath); err == nil {
		t.Fatal("Except error for oversized image")
	}
}
