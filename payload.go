package ruaflash

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/dsnet/compress/bzip2"
	"github.com/ulikunitz/xz"

	"github.com/winzkh/RuaFlashTool/update_metadata"
)

const PAYLOAD_MAGIC = "CrAU"

type PayloadCommonHdr struct {
	Magic          [4]byte
	Version        uint64
	ManifestLen    uint64
	ManifestSigLen uint32
}

func badPayload(msg string) error {
	return &UnpackError{Reason: "invalid payload: " + msg}
}

// PayloadPartition is one manifest record, exposed without extraction.
type PayloadPartition struct {
	Name            string
	SizeBytes       uint64
	OperationsCount int
}

type PayloadSummary struct {
	Partitions []PayloadPartition
}

// Payload streams partitions out of an A/B OTA payload.bin, raw or
// embedded in a ZIP. The source is a single seekable stream, so
// partitions extract sequentially in manifest order.
type Payload struct {
	reader   io.ReadSeeker
	closer   io.Closer
	manifest *update_metadata.DeltaArchiveManifest

	// dataOffset is where install-op payload data starts: common
	// header + manifest + manifest signature.
	dataOffset int64
	blockSize  uint64
}

// OpenPayload opens path, which may be a raw payload.bin or a ZIP
// containing one.
func OpenPayload(path string) (*Payload, error) {
	fd, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	magic := make([]byte, 4)
	if _, err := io.ReadFull(fd, magic); err != nil {
		fd.Close()
		return nil, badPayload("file too short")
	}
	if _, err := fd.Seek(0, io.SeekStart); err != nil {
		fd.Close()
		return nil, err
	}

	var reader io.ReadSeeker = fd
	if bytes.Equal(magic, []byte("PK\x03\x04")) {
		st, err := fd.Stat()
		if err != nil {
			fd.Close()
			return nil, err
		}
		zr, err := NewZipPayloadReader(fd, st.Size())
		if err != nil {
			fd.Close()
			return nil, err
		}
		reader = zr
	}

	p, err := NewPayload(reader)
	if err != nil {
		fd.Close()
		return nil, err
	}
	p.closer = fd
	return p, nil
}

// NewPayload parses the CrAU header and manifest from an already
// positioned stream.
func NewPayload(reader io.ReadSeeker) (*Payload, error) {
	var hdr PayloadCommonHdr
	if err := binary.Read(reader, binary.BigEndian, &hdr); err != nil {
		return nil, badPayload("truncated header")
	}
	if !bytes.Equal(hdr.Magic[:], []byte(PAYLOAD_MAGIC)) {
		return nil, badPayload("invalid magic")
	}
	if hdr.Version != 2 {
		return nil, badPayload("unsupported version: " + strconv.FormatUint(hdr.Version, 10))
	}
	if hdr.ManifestLen == 0 {
		return nil, badPayload("manifest length is zero")
	}

	buf := make([]byte, hdr.ManifestLen)
	if _, err := io.ReadFull(reader, buf); err != nil {
		return nil, badPayload("truncated manifest")
	}
	manifest := new(update_metadata.DeltaArchiveManifest)
	if err := manifest.Unmarshal(buf); err != nil {
		return nil, badPayload("manifest decode: " + err.Error())
	}
	if manifest.GetMinorVersion() != 0 {
		return nil, badPayload("delta payloads are not supported, please use a full payload file")
	}

	hdrSize := int64(binary.Size(hdr))
	return &Payload{
		reader:     reader,
		manifest:   manifest,
		dataOffset: hdrSize + int64(hdr.ManifestLen) + int64(hdr.ManifestSigLen),
		blockSize:  uint64(manifest.GetBlockSize()),
	}, nil
}

func (p *Payload) Close() error {
	if p.closer != nil {
		return p.closer.Close()
	}
	return nil
}

func (p *Payload) BlockSize() uint64 {
	return p.blockSize
}

// ListPartitions reports the manifest's partitions without extracting
// anything.
func (p *Payload) ListPartitions() PayloadSummary {
	var s PayloadSummary
	for _, part := range p.manifest.GetPartitions() {
		s.Partitions = append(s.Partitions, PayloadPartition{
			Name:            part.GetPartitionName(),
			SizeBytes:       p.partitionSize(part),
			OperationsCount: len(part.GetOperations()),
		})
	}
	return s
}

func (p *Payload) partitionSize(part *update_metadata.PartitionUpdate) uint64 {
	if sz := part.GetNewPartitionInfo().GetSize(); sz > 0 {
		return sz
	}
	// No partition info; derive the size from the farthest dst extent.
	var end uint64
	for _, op := range part.GetOperations() {
		for _, ext := range op.GetDstExtents() {
			if e := (ext.GetStartBlock() + ext.GetNumBlocks()) * p.blockSize; e > end {
				end = e
			}
		}
	}
	return end
}

func (p *Payload) findPartition(name string) (*update_metadata.PartitionUpdate, error) {
	for _, part := range p.manifest.GetPartitions() {
		if part.GetPartitionName() == name {
			return part, nil
		}
	}
	return nil, badPayload("partition " + name + " not found")
}

// ExtractPartition writes one partition image to outDir and returns
// its path.
func (p *Payload) ExtractPartition(name, outDir string, rep Reporter) (string, error) {
	part, err := p.findPartition(name)
	if err != nil {
		return "", err
	}
	outPath := filepath.Join(outDir, part.GetPartitionName()+".img")
	if err := p.extractTo(part, outPath, rep); err != nil {
		return "", err
	}
	return outPath, nil
}

// ExtractBoot extracts init_boot when present, else boot; the choice
// matters for Magisk patching on devices with a ramdisk-only boot
// partition.
func (p *Payload) ExtractBoot(outDir string, rep Reporter) (string, error) {
	for _, name := range []string{"init_boot", "boot"} {
		if _, err := p.findPartition(name); err == nil {
			return p.ExtractPartition(name, outDir, rep)
		}
	}
	return "", badPayload("boot partition not found")
}

// ExtractAll unpacks every partition sequentially in manifest order.
// On cancellation the partially written image stays on disk for the
// caller to inspect or delete.
func (p *Payload) ExtractAll(outDir string, rep Reporter) ([]string, error) {
	var out []string
	for _, part := range p.manifest.GetPartitions() {
		outPath := filepath.Join(outDir, part.GetPartitionName()+".img")
		if err := p.extractTo(part, outPath, rep); err != nil {
			return out, err
		}
		out = append(out, outPath)
	}
	return out, nil
}

func (p *Payload) extractTo(part *update_metadata.PartitionUpdate, outPath string, rep Reporter) error {
	name := part.GetPartitionName()
	size := p.partitionSize(part)

	if rep.ShouldCancel() {
		return ErrCancelled
	}
	out, err := os.Create(outPath)
	if err != nil {
		return err
	}
	defer out.Close()
	if err := out.Truncate(int64(size)); err != nil {
		return err
	}

	rep.OnStart(name, size)
	var written uint64
	for i, op := range part.GetOperations() {
		if rep.ShouldCancel() {
			return ErrCancelled
		}
		n, err := p.applyOp(out, name, i, op, rep)
		if err != nil {
			return err
		}
		written += n
		rep.OnProgress(name, min(written, size), size)
	}
	rep.OnComplete(name, size)
	return nil
}

// applyOp replays a single install operation and returns how many
// bytes it produced in the output image.
func (p *Payload) applyOp(out *os.File, name string, idx int, op *update_metadata.InstallOperation, rep Reporter) (uint64, error) {
	switch op.GetType() {
	case update_metadata.InstallOperation_REPLACE:
		data, err := p.readOpData(op)
		if err != nil {
			return 0, err
		}
		p.verifyOpSha(name, idx, op, data, rep)
		return p.writeExtents(out, op.GetDstExtents(), data)

	case update_metadata.InstallOperation_REPLACE_BZ:
		data, err := p.readOpData(op)
		if err != nil {
			return 0, err
		}
		p.verifyOpSha(name, idx, op, data, rep)
		r, err := bzip2.NewReader(bytes.NewReader(data), nil)
		if err != nil {
			return 0, badPayload("bzip2 init: " + err.Error())
		}
		raw, err := io.ReadAll(r)
		if err != nil {
			return 0, badPayload("bzip2 decompress: " + err.Error())
		}
		return p.writeExtents(out, op.GetDstExtents(), raw)

	case update_metadata.InstallOperation_REPLACE_XZ:
		data, err := p.readOpData(op)
		if err != nil {
			return 0, err
		}
		p.verifyOpSha(name, idx, op, data, rep)
		r, err := xz.NewReader(bytes.NewReader(data))
		if err != nil {
			return 0, badPayload("xz init: " + err.Error())
		}
		raw, err := io.ReadAll(r)
		if err != nil {
			return 0, badPayload("xz decompress: " + err.Error())
		}
		return p.writeExtents(out, op.GetDstExtents(), raw)

	case update_metadata.InstallOperation_ZERO, update_metadata.InstallOperation_DISCARD:
		var n uint64
		zero := make([]byte, 1024*1024)
		for _, ext := range op.GetDstExtents() {
			off := int64(ext.GetStartBlock() * p.blockSize)
			left := ext.GetNumBlocks() * p.blockSize
			for left > 0 {
				chunk := min(left, uint64(len(zero)))
				if _, err := out.WriteAt(zero[:chunk], off); err != nil {
					return n, err
				}
				off += int64(chunk)
				left -= chunk
				n += chunk
			}
		}
		return n, nil

	case update_metadata.InstallOperation_SOURCE_COPY:
		// Full unpacks target the partition being written, so source
		// bytes come from the output file's current content.
		var src []byte
		for _, ext := range op.GetSrcExtents() {
			buf := make([]byte, ext.GetNumBlocks()*p.blockSize)
			if _, err := out.ReadAt(buf, int64(ext.GetStartBlock()*p.blockSize)); err != nil && err != io.EOF {
				return 0, err
			}
			src = append(src, buf...)
		}
		return p.writeExtents(out, op.GetDstExtents(), src)

	default:
		// Delta ops never appear in pristine factory payloads; warn
		// rather than abort so the remaining partitions still unpack.
		opErr := &UnsupportedOpError{Kind: op.GetType().String()}
		rep.OnWarning(name, idx, fmt.Sprintf("%s, skipping", opErr))
		return 0, nil
	}
}

func (p *Payload) readOpData(op *update_metadata.InstallOperation) ([]byte, error) {
	length := op.GetDataLength()
	if length == 0 {
		return nil, badPayload("operation with no data length")
	}
	if _, err := p.reader.Seek(p.dataOffset+int64(op.GetDataOffset()), io.SeekStart); err != nil {
		return nil, err
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(p.reader, buf); err != nil {
		return nil, badPayload("truncated operation data")
	}
	return buf, nil
}

// verifyOpSha checks the optional digest of the op's payload bytes.
// Vendor payloads sometimes ship optimistic digests, so a mismatch
// warns instead of aborting.
func (p *Payload) verifyOpSha(name string, idx int, op *update_metadata.InstallOperation, data []byte, rep Reporter) {
	want := op.GetDataSha256Hash()
	if len(want) == 0 {
		return
	}
	got := sha256.Sum256(data)
	if !bytes.Equal(got[:], want) {
		rep.OnWarning(name, idx, "operation data sha256 mismatch")
	}
}

// writeExtents lays data across the destination extents in order,
// splitting at each extent boundary.
func (p *Payload) writeExtents(out *os.File, extents []*update_metadata.Extent, data []byte) (uint64, error) {
	var written uint64
	for _, ext := range extents {
		if written >= uint64(len(data)) {
			break
		}
		chunk := min(uint64(len(data))-written, ext.GetNumBlocks()*p.blockSize)
		off := int64(ext.GetStartBlock() * p.blockSize)
		if _, err := out.WriteAt(data[written:written+chunk], off); err != nil {
			return written, err
		}
		written += chunk
	}
	if written < uint64(len(data)) {
		return written, badPayload("operation data exceeds destination extents")
	}
	return written, nil
}
