package ruaflash

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"io"

	"github.com/DataDog/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/ulikunitz/xz"
)

// Ramdisks rarely exceed a few tens of MiB; lz4-legacy blocks do not
// record the decompressed size, so decode into a fixed upper bound.
const lz4LegacyMaxSize = 128 * 1024 * 1024

// Decompress sniffs the codec and inflates data. Unknown magic returns
// the input unchanged so callers can treat the stream as raw.
func Decompress(data []byte) ([]byte, error) {
	switch DetectFormat(data) {
	case Gzip:
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, &CodecError{Format: Gzip, Reason: err.Error()}
		}
		defer r.Close()
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, &CodecError{Format: Gzip, Reason: err.Error()}
		}
		return out, nil
	case Xz:
		r, err := xz.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, &CodecError{Format: Xz, Reason: err.Error()}
		}
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, &CodecError{Format: Xz, Reason: err.Error()}
		}
		return out, nil
	case Zstd:
		out, err := zstd.Decompress(nil, data)
		if err != nil {
			return nil, &CodecError{Format: Zstd, Reason: err.Error()}
		}
		return out, nil
	case Lz4Frame:
		out, err := io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
		if err != nil {
			return nil, &CodecError{Format: Lz4Frame, Reason: err.Error()}
		}
		return out, nil
	case Lz4Legacy:
		return decompressLz4Legacy(data)
	default:
		return data, nil
	}
}

// decompressLz4Legacy handles the 8-byte {magic, u32 LE size} header
// followed by a single lz4 block. Some vendor images carry frame data
// behind the legacy magic; fall back to frame decoding of the tail.
func decompressLz4Legacy(data []byte) ([]byte, error) {
	if len(data) <= 8 {
		return nil, &CodecError{Format: Lz4Legacy, Reason: "stream too short"}
	}
	dst := make([]byte, lz4LegacyMaxSize)
	n, err := lz4.UncompressBlock(data[8:], dst)
	if err == nil {
		return dst[:n:n], nil
	}
	out, ferr := io.ReadAll(lz4.NewReader(bytes.NewReader(data[8:])))
	if ferr != nil {
		return nil, &CodecError{Format: Lz4Legacy, Reason: err.Error()}
	}
	return out, nil
}

// Compress encodes data in the exact given format so a patched ramdisk
// round-trips through the codec its boot image was built with.
func Compress(f Format, data []byte) ([]byte, error) {
	switch f {
	case Gzip:
		var buf bytes.Buffer
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, &CodecError{Format: Gzip, Reason: err.Error()}
		}
		if err := w.Close(); err != nil {
			return nil, &CodecError{Format: Gzip, Reason: err.Error()}
		}
		return buf.Bytes(), nil
	case Xz:
		return XzCompress(data)
	case Zstd:
		out, err := zstd.Compress(nil, data)
		if err != nil {
			return nil, &CodecError{Format: Zstd, Reason: err.Error()}
		}
		return out, nil
	case Lz4Frame:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, &CodecError{Format: Lz4Frame, Reason: err.Error()}
		}
		if err := w.Close(); err != nil {
			return nil, &CodecError{Format: Lz4Frame, Reason: err.Error()}
		}
		return buf.Bytes(), nil
	case Lz4Legacy:
		return compressLz4Legacy(data)
	default:
		return data, nil
	}
}

func compressLz4Legacy(data []byte) ([]byte, error) {
	var c lz4.Compressor
	block := make([]byte, lz4.CompressBlockBound(len(data)))
	n, err := c.CompressBlock(data, block)
	if err != nil {
		return nil, &CodecError{Format: Lz4Legacy, Reason: err.Error()}
	}
	out := make([]byte, 0, n+8)
	out = append(out, LZ4_LEGACY_MAGIC...)
	out = binary.LittleEndian.AppendUint32(out, uint32(n))
	out = append(out, block[:n]...)
	return out, nil
}

// XzCompress is the codec used for Magisk overlay.d assets. Default
// writer parameters produce streams magiskinit's embedded decoder
// accepts.
func XzCompress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := xz.NewWriter(&buf)
	if err != nil {
		return nil, &CodecError{Format: Xz, Reason: err.Error()}
	}
	if _, err := w.Write(data); err != nil {
		return nil, &CodecError{Format: Xz, Reason: err.Error()}
	}
	if err := w.Close(); err != nil {
		return nil, &CodecError{Format: Xz, Reason: err.Error()}
	}
	return buf.Bytes(), nil
}
