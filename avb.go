package ruaflash

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/binary"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"strings"
)

const (
	AVB_MAGIC        = "AVB0"
	AVB_FOOTER_MAGIC = "AVBf"

	AVB_MAGIC_LEN           = 4
	AVB_FOOTER_MAGIC_LEN    = 4
	AVB_RELEASE_STRING_SIZE = 48

	avbFooterSize     = 64
	avbHeaderSize     = 256
	avbReleaseString  = "rua_avb 1.0"
	avbHashDescriptor = 2

	MiB = 1024 * 1024
)

// All multi-byte AVB fields are big-endian.
type AvbVBMetaImageHeader struct {
	Magic                       [AVB_MAGIC_LEN]uint8
	RequiredLibavbVersionMajor  uint32
	RequiredLibavbVersionMinor  uint32
	AuthenticationDataBlockSize uint64
	AuxiliaryDataBlockSize      uint64
	AlgorithmType               uint32
	HashOffset                  uint64
	HashSize                    uint64
	SignatureOffset             uint64
	SignatureSize               uint64
	PublicKeyOffset             uint64
	PublicKeySize               uint64
	PublicKeyMetadataOffset     uint64
	PublicKeyMetadataSize       uint64
	DescriptorsOffset           uint64
	DescriptorsSize             uint64
	RollbackIndex               uint64
	Flags                       uint32
	RollbackIndexLocation       uint32
	ReleaseString               [AVB_RELEASE_STRING_SIZE]byte
	Reserved                    [80]byte
}

type AvbFooter struct {
	Magic             [AVB_FOOTER_MAGIC_LEN]uint8
	VersionMajor      uint32
	VersionMinor      uint32
	OriginalImageSize uint64
	VbmetaOffset      uint64
	VbmetaSize        uint64
	Reserved          [28]byte
}

type AvbAlgorithm struct {
	Name   string
	Type   uint32
	SigLen int
}

var (
	Sha256Rsa2048 = AvbAlgorithm{Name: "SHA256_RSA2048", Type: 1, SigLen: 256}
	Sha256Rsa4096 = AvbAlgorithm{Name: "SHA256_RSA4096", Type: 2, SigLen: 512}
)

// AlgorithmForKeyFile selects the signing parameters from the key
// filename: anything mentioning rsa4096 signs with SHA256_RSA4096.
func AlgorithmForKeyFile(path string) AvbAlgorithm {
	if strings.Contains(strings.ToLower(filepath.Base(path)), "rsa4096") {
		return Sha256Rsa4096
	}
	return Sha256Rsa2048
}

// PartitionSizeFor rounds the original size plus 2 MiB of slack up to
// a MiB boundary; AVB partitions are MiB-aligned.
func PartitionSizeFor(originalSize uint64) uint64 {
	return alignTo(originalSize+2*MiB, MiB)
}

// LoadAvbPrivateKey parses a PKCS#1 or PKCS#8 RSA private key PEM.
// Public keys are rejected outright; signing needs the private half.
func LoadAvbPrivateKey(path string) (*rsa.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &AvbError{Reason: "read key failed: " + err.Error()}
	}
	if strings.Contains(strings.ToLower(string(raw)), "begin public key") {
		return nil, &AvbError{Reason: "invalid key: public key not allowed"}
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, &AvbError{Reason: "no PEM block in key file"}
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, &AvbError{Reason: "parse rsa key failed: " + err.Error()}
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, &AvbError{Reason: "key is not RSA"}
	}
	return key, nil
}

// BuildPublicKeyBlob emits the Android public key format: big-endian
// modulus bit length, n0inv (the Montgomery -n^-1 mod 2^32 of the
// modulus' low word), the modulus, and R^2 mod n with R = 2^bits,
// both left-padded to the key byte size.
func BuildPublicKeyBlob(key *rsa.PrivateKey) []byte {
	n := key.N
	bits := n.BitLen()
	keyBytes := (bits + 7) / 8

	modulus := new(big.Int).Lsh(big.NewInt(1), 32)
	n0 := new(big.Int).Mod(n, modulus)
	var n0inv uint32
	if n0.Sign() != 0 {
		if inv := new(big.Int).ModInverse(n0, modulus); inv != nil {
			n0inv = uint32(new(big.Int).Sub(modulus, inv).Uint64() & 0xffffffff)
		}
	}

	r := new(big.Int).Lsh(big.NewInt(1), uint(bits))
	rr := new(big.Int).Mul(r, r)
	rr.Mod(rr, n)

	out := make([]byte, 8+2*keyBytes)
	binary.BigEndian.PutUint32(out[0:4], uint32(bits))
	binary.BigEndian.PutUint32(out[4:8], n0inv)
	n.FillBytes(out[8 : 8+keyBytes])
	rr.FillBytes(out[8+keyBytes:])
	return out
}

// buildHashDescriptor lays out an AVB hash descriptor (tag 2) for the
// image: sha256 algorithm, no salt, the partition name, and the image
// digest, padded to 8-byte alignment.
func buildHashDescriptor(partitionName string, image []byte) []byte {
	digest := sha256.Sum256(image)

	const fixed = 8 + 32 + 4 + 4 + 4 + 4 + 60
	numFollowing := uint64(fixed + len(partitionName) + len(digest))
	numFollowing = alignTo(numFollowing, 8)

	var desc bytes.Buffer
	be64 := func(v uint64) {
		binary.Write(&desc, binary.BigEndian, v)
	}
	be32 := func(v uint32) {
		binary.Write(&desc, binary.BigEndian, v)
	}
	be64(avbHashDescriptor)
	be64(numFollowing)
	be64(uint64(len(image)))
	var algo [32]byte
	copy(algo[:], "sha256")
	desc.Write(algo[:])
	be32(uint32(len(partitionName)))
	be32(0) // salt_len
	be32(uint32(len(digest)))
	be32(0) // flags
	desc.Write(make([]byte, 60))
	desc.WriteString(partitionName)
	desc.Write(digest[:])
	for desc.Len()%8 != 0 {
		desc.WriteByte(0)
	}
	return desc.Bytes()
}

// BuildVbmeta assembles and signs the vbmeta block for image.
func BuildVbmeta(image []byte, partitionName string, key *rsa.PrivateKey, algo AvbAlgorithm) ([]byte, error) {
	pubkeyBlob := BuildPublicKeyBlob(key)
	hashDesc := buildHashDescriptor(partitionName, image)

	descriptorsOffset := alignTo(uint64(len(pubkeyBlob)), 8)

	aux := make([]byte, 0, descriptorsOffset+uint64(len(hashDesc)))
	aux = append(aux, pubkeyBlob...)
	aux = append(aux, make([]byte, descriptorsOffset-uint64(len(pubkeyBlob)))...)
	aux = append(aux, hashDesc...)
	if pad := alignTo(uint64(len(aux)), 64) - uint64(len(aux)); pad > 0 {
		aux = append(aux, make([]byte, pad)...)
	}

	const hashLen = 32
	hdr := AvbVBMetaImageHeader{
		RequiredLibavbVersionMajor:  1,
		RequiredLibavbVersionMinor:  0,
		AuthenticationDataBlockSize: alignTo(uint64(hashLen+algo.SigLen), 64),
		AuxiliaryDataBlockSize:      uint64(len(aux)),
		AlgorithmType:               algo.Type,
		HashOffset:                  0,
		HashSize:                    hashLen,
		SignatureOffset:             hashLen,
		SignatureSize:               uint64(algo.SigLen),
		PublicKeyOffset:             0,
		PublicKeySize:               uint64(len(pubkeyBlob)),
		DescriptorsOffset:           descriptorsOffset,
		DescriptorsSize:             uint64(len(hashDesc)),
	}
	copy(hdr.Magic[:], AVB_MAGIC)
	copy(hdr.ReleaseString[:], avbReleaseString)

	var hdrBuf bytes.Buffer
	if err := binary.Write(&hdrBuf, binary.BigEndian, &hdr); err != nil {
		return nil, &AvbError{Reason: err.Error()}
	}
	header := hdrBuf.Bytes()

	signInput := make([]byte, 0, len(header)+len(aux))
	signInput = append(signInput, header...)
	signInput = append(signInput, aux...)
	digest := sha256.Sum256(signInput)

	signature, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	if err != nil {
		return nil, &AvbError{Reason: "signing failed: " + err.Error()}
	}
	if len(signature) != algo.SigLen {
		return nil, &AvbError{Reason: "signature length mismatch"}
	}

	auth := make([]byte, hdr.AuthenticationDataBlockSize)
	copy(auth, digest[:])
	copy(auth[hashLen:], signature)

	vbmeta := make([]byte, 0, len(header)+len(auth)+len(aux))
	vbmeta = append(vbmeta, header...)
	vbmeta = append(vbmeta, auth...)
	vbmeta = append(vbmeta, aux...)
	return vbmeta, nil
}

// AddHashFooter signs imagePath and writes <stem>.signed.img next to
// it: the image, the vbmeta block at the original size, zero padding,
// and the AVBf footer in the last 64 bytes of the partition.
func AddHashFooter(imagePath, partitionName string, partitionSize uint64, keyPath string) (string, error) {
	image, err := os.ReadFile(imagePath)
	if err != nil {
		return "", &AvbError{Reason: "read image failed: " + err.Error()}
	}
	origSize := uint64(len(image))
	if origSize > partitionSize {
		return "", &AvbError{Reason: "image larger than partition size"}
	}

	key, err := LoadAvbPrivateKey(keyPath)
	if err != nil {
		return "", err
	}
	algo := AlgorithmForKeyFile(keyPath)

	vbmeta, err := BuildVbmeta(image, partitionName, key, algo)
	if err != nil {
		return "", err
	}
	if origSize+uint64(len(vbmeta))+avbFooterSize > partitionSize {
		return "", &AvbError{Reason: "signed image would exceed partition size"}
	}

	footer := AvbFooter{
		VersionMajor:      1,
		VersionMinor:      0,
		OriginalImageSize: origSize,
		VbmetaOffset:      origSize,
		VbmetaSize:        uint64(len(vbmeta)),
	}
	copy(footer.Magic[:], AVB_FOOTER_MAGIC)

	stem := strings.TrimSuffix(filepath.Base(imagePath), filepath.Ext(imagePath))
	outPath := filepath.Join(filepath.Dir(imagePath), stem+".signed.img")
	out, err := os.Create(outPath)
	if err != nil {
		return "", &AvbError{Reason: "create output failed: " + err.Error()}
	}
	defer out.Close()

	if _, err := out.Write(image); err != nil {
		return "", &AvbError{Reason: "write image failed: " + err.Error()}
	}
	if _, err := out.Write(vbmeta); err != nil {
		return "", &AvbError{Reason: "write vbmeta failed: " + err.Error()}
	}
	pad := partitionSize - origSize - uint64(len(vbmeta)) - avbFooterSize
	if _, err := out.Write(make([]byte, pad)); err != nil {
		return "", &AvbError{Reason: "write padding failed: " + err.Error()}
	}
	if err := binary.Write(out, binary.BigEndian, &footer); err != nil {
		return "", &AvbError{Reason: "write footer failed: " + err.Error()}
	}
	return outPath, nil
}
