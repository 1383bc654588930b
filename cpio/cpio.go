// Package cpio reads and writes the newc ("new ASCII") archives used
// as Android ramdisks. Archives are ordered entry lists; emit order is
// significant and round-trips byte-identically.
package cpio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path"
	"runtime"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/winzkh/RuaFlashTool/stub"
)

const (
	MagicNewc = "070701"
	MagicCrc  = "070702"
	MagicOdc  = "070707"

	Trailer = "TRAILER!!!"
)

// Unix mode bits, defined here to stay identical across platforms.
const (
	S_IFMT  = 0170000
	S_IFDIR = 0040000
	S_IFREG = 0100000
	S_IFLNK = 0120000
	S_IFBLK = 0060000
	S_IFCHR = 0020000
)

// Emit constants: Android ramdisk entries are owned by the system
// user, hard links are never used.
const (
	emitUid   = 1000
	emitGid   = 1000
	emitNlink = 1
	inoBase   = 300000
)

type Entry struct {
	Name string
	Mode uint32
	Data []byte
}

// Archive is an ordered list of entries. The trailer sentinel is not
// stored; Dump appends it.
type Archive struct {
	Entries []*Entry
}

type ParseError struct {
	Offset int
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("cpio parse error at offset %d: %s", e.Offset, e.Reason)
}

type newcHeader struct {
	Magic     [6]byte
	Ino       [8]byte
	Mode      [8]byte
	Uid       [8]byte
	Gid       [8]byte
	Nlink     [8]byte
	Mtime     [8]byte
	Filesize  [8]byte
	Devmajor  [8]byte
	Devminor  [8]byte
	Rdevmajor [8]byte
	Rdevminor [8]byte
	Namesize  [8]byte
	Check     [8]byte
}

func x8u(x []byte) (uint32, error) {
	ret, err := strconv.ParseUint(string(x), 16, 32)
	if err != nil {
		return 0, err
	}
	return uint32(ret), nil
}

func x6o(x []byte) (uint64, error) {
	return strconv.ParseUint(string(x), 8, 64)
}

func align4(x int) int {
	return (x + 3) &^ 3
}

// SkipToMagic returns the offset of the first newc magic in data; when
// there is none, the first 070702 magic, then the first 070707 magic;
// -1 when none is present. Vendor images may prepend an arbitrary
// header before the archive.
func SkipToMagic(data []byte) int {
	if off := bytes.Index(data, []byte(MagicNewc)); off >= 0 {
		return off
	}
	for _, m := range []string{MagicCrc, MagicOdc} {
		if off := bytes.Index(data, []byte(m)); off >= 0 {
			return off
		}
	}
	return -1
}

// Parse decodes an archive, skipping any vendor pre-header before the
// first cpio magic. Legacy 070702 archives parse like newc; 070707
// (odc) is decoded best-effort.
func Parse(data []byte) (*Archive, error) {
	start := SkipToMagic(data)
	if start < 0 {
		return nil, &ParseError{Offset: 0, Reason: "no cpio magic found"}
	}
	data = data[start:]
	if bytes.HasPrefix(data, []byte(MagicOdc)) {
		return parseOdc(data)
	}

	a := &Archive{}
	hdrSize := binary.Size(newcHeader{})
	pos := 0
	for pos < len(data) {
		if pos+hdrSize > len(data) {
			return nil, &ParseError{Offset: pos, Reason: "truncated header"}
		}
		var hdr newcHeader
		binary.Read(bytes.NewReader(data[pos:pos+hdrSize]), binary.LittleEndian, &hdr)
		if !bytes.Equal(hdr.Magic[:], []byte(MagicNewc)) && !bytes.Equal(hdr.Magic[:], []byte(MagicCrc)) {
			return nil, &ParseError{Offset: pos, Reason: "bad magic " + string(hdr.Magic[:])}
		}
		nameSize, err := x8u(hdr.Namesize[:])
		if err != nil {
			return nil, &ParseError{Offset: pos, Reason: "bad namesize: " + err.Error()}
		}
		fileSize, err := x8u(hdr.Filesize[:])
		if err != nil {
			return nil, &ParseError{Offset: pos, Reason: "bad filesize: " + err.Error()}
		}
		mode, err := x8u(hdr.Mode[:])
		if err != nil {
			return nil, &ParseError{Offset: pos, Reason: "bad mode: " + err.Error()}
		}
		pos += hdrSize
		if pos+int(nameSize) > len(data) {
			return nil, &ParseError{Offset: pos, Reason: "name overflows buffer"}
		}
		name := strings.TrimRight(string(data[pos:pos+int(nameSize)]), "\x00")
		pos = align4(pos + int(nameSize))
		if name == Trailer {
			break
		}
		if pos+int(fileSize) > len(data) {
			return nil, &ParseError{Offset: pos, Reason: "data overflows buffer"}
		}
		if name != "." && name != ".." {
			a.Entries = append(a.Entries, &Entry{
				Name: name,
				Mode: mode,
				Data: bytes.Clone(data[pos : pos+int(fileSize)]),
			})
		}
		pos = align4(pos + int(fileSize))
	}
	return a, nil
}

// parseOdc decodes the portable ASCII (octal) variant. Only enough for
// reading vendor recovery ramdisks; emitted archives are always newc.
func parseOdc(data []byte) (*Archive, error) {
	a := &Archive{}
	pos := 0
	for pos < len(data) {
		if pos+76 > len(data) {
			return nil, &ParseError{Offset: pos, Reason: "truncated odc header"}
		}
		hdr := data[pos : pos+76]
		if !bytes.Equal(hdr[:6], []byte(MagicOdc)) {
			return nil, &ParseError{Offset: pos, Reason: "bad odc magic"}
		}
		mode, err := x6o(hdr[18:24])
		if err != nil {
			return nil, &ParseError{Offset: pos, Reason: "bad odc mode: " + err.Error()}
		}
		nameSize, err := x6o(hdr[59:65])
		if err != nil {
			return nil, &ParseError{Offset: pos, Reason: "bad odc namesize: " + err.Error()}
		}
		fileSize, err := x6o(hdr[65:76])
		if err != nil {
			return nil, &ParseError{Offset: pos, Reason: "bad odc filesize: " + err.Error()}
		}
		pos += 76
		if pos+int(nameSize) > len(data) {
			return nil, &ParseError{Offset: pos, Reason: "odc name overflows buffer"}
		}
		name := strings.TrimRight(string(data[pos:pos+int(nameSize)]), "\x00")
		pos += int(nameSize)
		if name == Trailer {
			break
		}
		if pos+int(fileSize) > len(data) {
			return nil, &ParseError{Offset: pos, Reason: "odc data overflows buffer"}
		}
		if name != "." && name != ".." {
			a.Entries = append(a.Entries, &Entry{
				Name: name,
				Mode: uint32(mode),
				Data: bytes.Clone(data[pos : pos+int(fileSize)]),
			})
		}
		pos += int(fileSize)
	}
	return a, nil
}

// Dump emits a newc archive. Duplicate names deduplicate last-wins and
// the trailer terminates the stream; output is byte-identical for a
// given entry ordering.
func (a *Archive) Dump() []byte {
	lastIdx := make(map[string]int, len(a.Entries))
	for i, e := range a.Entries {
		lastIdx[e.Name] = i
	}

	var buf bytes.Buffer
	ino := inoBase
	writeHeader := func(mode uint32, fileSize, nameSize int) {
		fmt.Fprintf(&buf,
			"070701%08x%08x%08x%08x%08x%08x%08x%08x%08x%08x%08x%08x%08x",
			ino,
			mode,
			emitUid,
			emitGid,
			emitNlink,
			0, // mtime
			fileSize,
			0, // devmajor
			0, // devminor
			0, // rdevmajor
			0, // rdevminor
			nameSize,
			0, // check
		)
		ino++
	}
	pad := func() {
		for buf.Len()%4 != 0 {
			buf.WriteByte(0)
		}
	}

	for i, e := range a.Entries {
		if lastIdx[e.Name] != i {
			continue
		}
		writeHeader(e.Mode, len(e.Data), len(e.Name)+1)
		buf.WriteString(e.Name)
		buf.WriteByte(0)
		pad()
		buf.Write(e.Data)
		pad()
	}
	writeHeader(0o755, 0, len(Trailer)+1)
	buf.WriteString(Trailer)
	buf.WriteByte(0)
	pad()
	return buf.Bytes()
}

// Extract scans the raw archive for the first entry named name without
// materializing the whole entry list.
func Extract(data []byte, name string) (mode uint32, content []byte, ok bool) {
	start := SkipToMagic(data)
	if start < 0 {
		return 0, nil, false
	}
	data = data[start:]
	hdrSize := binary.Size(newcHeader{})
	pos := 0
	for pos+hdrSize <= len(data) {
		var hdr newcHeader
		binary.Read(bytes.NewReader(data[pos:pos+hdrSize]), binary.LittleEndian, &hdr)
		if !bytes.Equal(hdr.Magic[:], []byte(MagicNewc)) && !bytes.Equal(hdr.Magic[:], []byte(MagicCrc)) {
			return 0, nil, false
		}
		nameSize, err1 := x8u(hdr.Namesize[:])
		fileSize, err2 := x8u(hdr.Filesize[:])
		m, err3 := x8u(hdr.Mode[:])
		if err1 != nil || err2 != nil || err3 != nil {
			return 0, nil, false
		}
		pos += hdrSize
		if pos+int(nameSize) > len(data) {
			return 0, nil, false
		}
		n := strings.TrimRight(string(data[pos:pos+int(nameSize)]), "\x00")
		pos = align4(pos + int(nameSize))
		if n == Trailer {
			return 0, nil, false
		}
		if pos+int(fileSize) > len(data) {
			return 0, nil, false
		}
		if n == name {
			return m, bytes.Clone(data[pos : pos+int(fileSize)]), true
		}
		pos = align4(pos + int(fileSize))
	}
	return 0, nil, false
}

func normPath(p string) string {
	return strings.TrimLeft(path.Clean(p), "/")
}

func (a *Archive) index(name string) int {
	for i, e := range a.Entries {
		if e.Name == name {
			return i
		}
	}
	return -1
}

func (a *Archive) Exists(name string) bool {
	return a.index(normPath(name)) >= 0
}

func (a *Archive) Get(name string) (*Entry, bool) {
	if i := a.index(normPath(name)); i >= 0 {
		return a.Entries[i], true
	}
	return nil, false
}

// Add appends an entry, replacing an existing one with the same name
// in place to keep the archive ordering stable.
func (a *Archive) Add(name string, mode uint32, data []byte) {
	name = normPath(name)
	if i := a.index(name); i >= 0 {
		a.Entries[i] = &Entry{Name: name, Mode: mode, Data: data}
		return
	}
	a.Entries = append(a.Entries, &Entry{Name: name, Mode: mode, Data: data})
}

// Remove drops the entry named name and reports whether it existed.
func (a *Archive) Remove(name string) (*Entry, bool) {
	name = normPath(name)
	if i := a.index(name); i >= 0 {
		e := a.Entries[i]
		a.Entries = append(a.Entries[:i], a.Entries[i+1:]...)
		return e, true
	}
	return nil, false
}

// RemovePrefix drops every entry whose name starts with prefix and
// returns how many were removed.
func (a *Archive) RemovePrefix(prefix string) int {
	kept := a.Entries[:0]
	removed := 0
	for _, e := range a.Entries {
		if strings.HasPrefix(e.Name, prefix) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	a.Entries = kept
	return removed
}

// ExtractTo writes every entry below dir, creating directories,
// regular files, symlinks, and (on unix) device nodes.
func (a *Archive) ExtractTo(dir string) error {
	for _, e := range a.Entries {
		out := path.Join(dir, e.Name)
		if err := os.MkdirAll(path.Dir(out), 0o755); err != nil {
			return err
		}
		mode := os.FileMode(e.Mode & 0o777)
		switch e.Mode & S_IFMT {
		case S_IFDIR:
			if err := os.MkdirAll(out, mode); err != nil {
				return err
			}
		case S_IFLNK:
			target := string(bytes.TrimRight(e.Data, "\x00"))
			if err := os.Symlink(target, out); err != nil {
				return err
			}
		case S_IFBLK, S_IFCHR:
			if runtime.GOOS == "windows" {
				continue
			}
			dev := stub.Mkdev(0, 0)
			if err := stub.Mknod(out, e.Mode, int(dev)); err != nil {
				return err
			}
		default:
			if err := os.WriteFile(out, e.Data, mode); err != nil {
				return err
			}
		}
	}
	return nil
}

// Format renders an entry the way ls would, for archive listings.
func (e *Entry) Format(f fmt.State, verb rune) {
	var kind byte
	switch e.Mode & S_IFMT {
	case S_IFDIR:
		kind = 'd'
	case S_IFREG:
		kind = '-'
	case S_IFLNK:
		kind = 'l'
	case S_IFBLK:
		kind = 'b'
	case S_IFCHR:
		kind = 'c'
	default:
		kind = '?'
	}
	perms := []byte("rwxrwxrwx")
	for i := 0; i < 9; i++ {
		if e.Mode&(1<<(8-i)) == 0 {
			perms[i] = '-'
		}
	}
	io.WriteString(f, fmt.Sprintf("%c%s %8s %s", kind, perms, humanize.Bytes(uint64(len(e.Data))), e.Name))
}
