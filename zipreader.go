package ruaflash

import (
	"archive/zip"
	"errors"
	"io"
	"strings"
)

// ZipPayloadReader exposes the payload.bin member of an OTA ZIP as a
// seekable stream. Stored members are served straight from the
// underlying ReaderAt; deflated members keep one decompression stream
// open while reads are sequential, and re-open it from the start of the
// member whenever a read does not continue where the last one ended.
type ZipPayloadReader struct {
	zf *zip.File
	or io.ReaderAt

	dataoff int64 // member data offset, store method only

	pos int64

	stream       io.ReadCloser
	streamStart  int64
	streamOffset int64
}

func NewZipPayloadReader(reader io.ReaderAt, size int64) (*ZipPayloadReader, error) {
	zr, err := zip.NewReader(reader, size)
	if err != nil {
		return nil, err
	}

	var zf *zip.File
	for _, file := range zr.File {
		if strings.HasSuffix(file.Name, "payload.bin") {
			zf = file
			break
		}
	}
	if zf == nil {
		return nil, &UnpackError{Reason: "could not find payload.bin in zip archive"}
	}

	dataoff, err := zf.DataOffset()
	if err != nil {
		return nil, &UnpackError{Reason: "could not find payload.bin data offset"}
	}

	return &ZipPayloadReader{
		zf:      zf,
		or:      reader,
		dataoff: dataoff,
	}, nil
}

func (r *ZipPayloadReader) Size() int64 {
	return int64(r.zf.UncompressedSize64)
}

func (r *ZipPayloadReader) Read(p []byte) (int, error) {
	if r.zf.Method == zip.Store {
		if r.pos >= r.Size() {
			return 0, io.EOF
		}
		if avail := r.Size() - r.pos; int64(len(p)) > avail {
			p = p[:avail]
		}
		n, err := r.or.ReadAt(p, r.dataoff+r.pos)
		r.pos += int64(n)
		return n, err
	}

	if r.stream == nil || r.streamStart+r.streamOffset != r.pos {
		if r.stream != nil {
			r.stream.Close()
			r.stream = nil
		}
		stream, err := r.zf.Open()
		if err != nil {
			return 0, err
		}
		if _, err := io.CopyN(io.Discard, stream, r.pos); err != nil && err != io.EOF {
			stream.Close()
			return 0, err
		}
		r.stream = stream
		r.streamStart = r.pos
		r.streamOffset = 0
	}

	n, err := r.stream.Read(p)
	r.streamOffset += int64(n)
	r.pos += int64(n)
	return n, err
}

func (r *ZipPayloadReader) Seek(off int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
		r.pos = off
	case io.SeekCurrent:
		r.pos += off
	case io.SeekEnd:
		r.pos = r.Size() + off
	default:
		return 0, errors.New("unsupported whence")
	}
	if r.pos < 0 {
		return 0, errors.New("negative seek position")
	}
	return r.pos, nil
}

func (r *ZipPayloadReader) Close() error {
	if r.stream != nil {
		return r.stream.Close()
	}
	return nil
}
