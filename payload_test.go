package ruaflash_test

import (
	"archive/zip"
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/dsnet/compress/bzip2"

	ruaflash "github.com/winzkh/RuaFlashTool"
	"github.com/winzkh/RuaFlashTool/update_metadata"
)

// testBlockSize keeps fixture partitions tiny.
const testBlockSize = 4

func buildPayloadBytes(t *testing.T, manifest *update_metadata.DeltaArchiveManifest, blob []byte) []byte {
	t.Helper()
	m := manifest.Marshal()
	var buf bytes.Buffer
	buf.WriteString(ruaflash.PAYLOAD_MAGIC)
	binary.Write(&buf, binary.BigEndian, uint64(2))
	binary.Write(&buf, binary.BigEndian, uint64(len(m)))
	binary.Write(&buf, binary.BigEndian, uint32(4))
	buf.Write(m)
	buf.Write(make([]byte, 4)) // manifest signature, skipped
	buf.Write(blob)
	return buf.Bytes()
}

func writePayloadFile(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "payload.bin")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// replacePartition builds a single-REPLACE partition whose blob starts
// at dataOffset within the payload data section.
func replacePartition(name string, content []byte, dataOffset uint64) *update_metadata.PartitionUpdate {
	blocks := uint64(len(content)+testBlockSize-1) / testBlockSize
	return &update_metadata.PartitionUpdate{
		PartitionName:    name,
		NewPartitionInfo: &update_metadata.PartitionInfo{Size: uint64(len(content))},
		Operations: []*update_metadata.InstallOperation{{
			Type:       update_metadata.InstallOperation_REPLACE,
			DataOffset: dataOffset,
			DataLength: uint64(len(content)),
			DstExtents: []*update_metadata.Extent{{StartBlock: 0, NumBlocks: blocks}},
		}},
	}
}

type recordingReporter struct {
	mu       sync.Mutex
	starts   []string
	complete []string
	warnings []string
}

func (r *recordingReporter) OnStart(name string, total uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.starts = append(r.starts, name)
}
func (r *recordingReporter) OnProgress(string, uint64, uint64) {}
func (r *recordingReporter) OnComplete(name string, total uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.complete = append(r.complete, name)
}
func (r *recordingReporter) OnWarning(name string, idx int, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.warnings = append(r.warnings, fmt.Sprintf("%s#%d: %s", name, idx, msg))
}
func (r *recordingReporter) ShouldCancel() bool { return false }

func TestListPartitions(t *testing.T) {
	t.Log("Test partition listing without extraction")

	names := []string{"boot", "vbmeta", "system"}
	opCounts := []int{4, 1, 3200}
	sizes := []uint64{64 * 1024 * 1024, 68 * 1024, 3584 * 1024 * 1024}

	manifest := &update_metadata.DeltaArchiveManifest{BlockSize: 4096}
	for i, name := range names {
		part := &update_metadata.PartitionUpdate{
			PartitionName:    name,
			NewPartitionInfo: &update_metadata.PartitionInfo{Size: sizes[i]},
		}
		for j := 0; j < opCounts[i]; j++ {
			part.Operations = append(part.Operations, &update_metadata.InstallOperation{
				Type: update_metadata.InstallOperation_REPLACE,
			})
		}
		manifest.Partitions = append(manifest.Partitions, part)
	}

	path := writePayloadFile(t, buildPayloadBytes(t, manifest, nil))
	p, err := ruaflash.OpenPayload(path)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	summary := p.ListPartitions()
	if len(summary.Partitions) != len(names) {
		t.Fatalf("Except %d partitions, But: %d", len(names), len(summary.Partitions))
	}
	for i, part := range summary.Partitions {
		if part.Name != names[i] || part.SizeBytes != sizes[i] || part.OperationsCount != opCounts[i] {
			t.Fatalf("partition %d mismatch: %+v", i, part)
		}
	}
}

func TestExtractCompleteness(t *testing.T) {
	t.Log("Test unpack_all produces every partition at manifest size")

	contents := map[string][]byte{
		"boot":   bytes.Repeat([]byte("B"), 16),
		"vbmeta": bytes.Repeat([]byte("V"), 8),
		"dtbo":   bytes.Repeat([]byte("D"), 12),
	}
	manifest := &update_metadata.DeltaArchiveManifest{BlockSize: testBlockSize}
	var blob []byte
	for _, name := range []string{"boot", "vbmeta", "dtbo"} {
		manifest.Partitions = append(manifest.Partitions,
			replacePartition(name, contents[name], uint64(len(blob))))
		blob = append(blob, contents[name]...)
	}

	path := writePayloadFile(t, buildPayloadBytes(t, manifest, blob))
	p, err := ruaflash.OpenPayload(path)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	outDir := t.TempDir()
	rep := &recordingReporter{}
	paths, err := p.ExtractAll(outDir, rep)
	if err != nil {
		t.Fatal(err)
	}
	if len(paths) != 3 {
		t.Fatalf("Except 3 outputs, But: %d", len(paths))
	}
	for _, name := range []string{"boot", "vbmeta", "dtbo"} {
		data, err := os.ReadFile(filepath.Join(outDir, name+".img"))
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(data, contents[name]) {
			t.Fatalf("%s content mismatch", name)
		}
	}
	if len(rep.complete) != 3 {
		t.Fatalf("Except 3 completions, But: %d", len(rep.complete))
	}
}

func TestExtractOps(t *testing.T) {
	t.Log("Test REPLACE extent splitting, ZERO, SOURCE_COPY, REPLACE_XZ/BZ")

	// Partition layout (block size 4, 16 bytes total):
	//  op0 REPLACE  "AAAABBBBCCCCDDDD" over blocks 0-3
	//  op1 ZERO     block 1
	//  op2 SOURCE_COPY block 0 -> block 3
	//  op3 REPLACE_XZ   xz("XXXX") -> block 2
	//  op4 REPLACE_BZ   bz2("YYYY") -> block 1
	full := []byte("AAAABBBBCCCCDDDD")

	xzData, err := ruaflash.XzCompress([]byte("XXXX"))
	if err != nil {
		t.Fatal(err)
	}
	var bzBuf bytes.Buffer
	bw, err := bzip2.NewWriter(&bzBuf, nil)
	if err != nil {
		t.Fatal(err)
	}
	bw.Write([]byte("YYYY"))
	bw.Close()
	bzData := bzBuf.Bytes()

	var blob []byte
	appendBlob := func(d []byte) uint64 {
		off := uint64(len(blob))
		blob = append(blob, d...)
		return off
	}

	sum := sha256.Sum256(full)
	part := &update_metadata.PartitionUpdate{
		PartitionName:    "boot",
		NewPartitionInfo: &update_metadata.PartitionInfo{Size: 16},
		Operations: []*update_metadata.InstallOperation{
			{
				Type:           update_metadata.InstallOperation_REPLACE,
				DataOffset:     appendBlob(full),
				DataLength:     16,
				DstExtents:     []*update_metadata.Extent{{StartBlock: 0, NumBlocks: 2}, {StartBlock: 2, NumBlocks: 2}},
				DataSha256Hash: sum[:],
			},
			{
				Type:       update_metadata.InstallOperation_ZERO,
				DstExtents: []*update_metadata.Extent{{StartBlock: 1, NumBlocks: 1}},
			},
			{
				Type:       update_metadata.InstallOperation_SOURCE_COPY,
				SrcExtents: []*update_metadata.Extent{{StartBlock: 0, NumBlocks: 1}},
				DstExtents: []*update_metadata.Extent{{StartBlock: 3, NumBlocks: 1}},
			},
			{
				Type:       update_metadata.InstallOperation_REPLACE_XZ,
				DataOffset: appendBlob(xzData),
				DataLength: uint64(len(xzData)),
				DstExtents: []*update_metadata.Extent{{StartBlock: 2, NumBlocks: 1}},
			},
			{
				Type:       update_metadata.InstallOperation_REPLACE_BZ,
				DataOffset: appendBlob(bzData),
				DataLength: uint64(len(bzData)),
				DstExtents: []*update_metadata.Extent{{StartBlock: 1, NumBlocks: 1}},
			},
		},
	}
	manifest := &update_metadata.DeltaArchiveManifest{
		BlockSize:  testBlockSize,
		Partitions: []*update_metadata.PartitionUpdate{part},
	}

	path := writePayloadFile(t, buildPayloadBytes(t, manifest, blob))
	p, err := ruaflash.OpenPayload(path)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	outDir := t.TempDir()
	rep := &recordingReporter{}
	outPath, err := p.ExtractPartition("boot", outDir, rep)
	if err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatal(err)
	}
	want := []byte("AAAAYYYYXXXXAAAA")
	if !bytes.Equal(got, want) {
		t.Fatalf("Except: %q, But: %q", want, got)
	}
	if len(rep.warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", rep.warnings)
	}
}

func TestShaMismatchWarns(t *testing.T) {
	content := []byte("AAAA")
	part := replacePartition("boot", content, 0)
	part.Operations[0].DataSha256Hash = bytes.Repeat([]byte{0xEE}, 32)
	manifest := &update_metadata.DeltaArchiveManifest{
		BlockSize:  testBlockSize,
		Partitions: []*update_metadata.PartitionUpdate{part},
	}

	path := writePayloadFile(t, buildPayloadBytes(t, manifest, content))
	p, err := ruaflash.OpenPayload(path)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	rep := &recordingReporter{}
	if _, err := p.ExtractPartition("boot", t.TempDir(), rep); err != nil {
		t.Fatal(err)
	}
	if len(rep.warnings) != 1 {
		t.Fatalf("Except 1 warning, But: %v", rep.warnings)
	}
}

func TestUnsupportedOpWarnsAndContinues(t *testing.T) {
	content := []byte("AAAA")
	part := &update_metadata.PartitionUpdate{
		PartitionName:    "boot",
		NewPartitionInfo: &update_metadata.PartitionInfo{Size: 4},
		Operations: []*update_metadata.InstallOperation{
			{
				Type:       update_metadata.InstallOperation_PUFFDIFF,
				DstExtents: []*update_metadata.Extent{{StartBlock: 0, NumBlocks: 1}},
			},
			{
				Type:       update_metadata.InstallOperation_REPLACE,
				DataOffset: 0,
				DataLength: 4,
				DstExtents: []*update_metadata.Extent{{StartBlock: 0, NumBlocks: 1}},
			},
		},
	}
	manifest := &update_metadata.DeltaArchiveManifest{
		BlockSize:  testBlockSize,
		Partitions: []*update_metadata.PartitionUpdate{part},
	}

	path := writePayloadFile(t, buildPayloadBytes(t, manifest, content))
	p, err := ruaflash.OpenPayload(path)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	rep := &recordingReporter{}
	outPath, err := p.ExtractPartition("boot", t.TempDir(), rep)
	if err != nil {
		t.Fatal(err)
	}
	if len(rep.warnings) != 1 {
		t.Fatalf("Except 1 warning for the delta op, But: %v", rep.warnings)
	}
	got, _ := os.ReadFile(outPath)
	if !bytes.Equal(got, content) {
		t.Fatal("extraction did not continue past the unsupported op")
	}
}

type cancellingReporter struct {
	recordingReporter
	cancelAfterStart int
	cancelled        bool
}

func (r *cancellingReporter) OnProgress(name string, current, total uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.starts) >= r.cancelAfterStart {
		r.cancelled = true
	}
}

func (r *cancellingReporter) ShouldCancel() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled
}

func TestCancellationDuringUnpack(t *testing.T) {
	t.Log("Test cancellation during the 3rd partition leaves partial output")

	manifest := &update_metadata.DeltaArchiveManifest{BlockSize: testBlockSize}
	var blob []byte
	for i := 0; i < 10; i++ {
		name := fmt.Sprintf("part%d", i)
		// Two ops per partition so the third can stop halfway.
		part := &update_metadata.PartitionUpdate{
			PartitionName:    name,
			NewPartitionInfo: &update_metadata.PartitionInfo{Size: 8},
			Operations: []*update_metadata.InstallOperation{
				{
					Type:       update_metadata.InstallOperation_REPLACE,
					DataOffset: uint64(len(blob)),
					DataLength: 4,
					DstExtents: []*update_metadata.Extent{{StartBlock: 0, NumBlocks: 1}},
				},
				{
					Type:       update_metadata.InstallOperation_REPLACE,
					DataOffset: uint64(len(blob)) + 4,
					DataLength: 4,
					DstExtents: []*update_metadata.Extent{{StartBlock: 1, NumBlocks: 1}},
				},
			},
		}
		manifest.Partitions = append(manifest.Partitions, part)
		blob = append(blob, bytes.Repeat([]byte{byte('a' + i)}, 8)...)
	}

	path := writePayloadFile(t, buildPayloadBytes(t, manifest, blob))
	p, err := ruaflash.OpenPayload(path)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	outDir := t.TempDir()
	rep := &cancellingReporter{cancelAfterStart: 3}
	_, err = p.ExtractAll(outDir, rep)
	if !errors.Is(err, ruaflash.ErrCancelled) {
		t.Fatalf("Except Cancelled, But: %v", err)
	}
	if len(rep.starts) != 3 {
		t.Fatalf("Except 3 starts, But: %d", len(rep.starts))
	}
	if len(rep.complete) != 2 {
		t.Fatalf("Except 2 completions, But: %d", len(rep.complete))
	}
	for _, name := range []string{"part0", "part1", "part2"} {
		if _, err := os.Stat(filepath.Join(outDir, name+".img")); err != nil {
			t.Fatalf("missing output for %s", name)
		}
	}
	if _, err := os.Stat(filepath.Join(outDir, "part3.img")); err == nil {
		t.Fatal("extraction must not reach the 4th partition")
	}
}

func TestOpenPayloadFromZip(t *testing.T) {
	t.Log("Test payload.bin embedded in a ZIP archive")

	content := []byte("ZIPPAYLOADDATA!!")
	manifest := &update_metadata.DeltaArchiveManifest{
		BlockSize:  testBlockSize,
		Partitions: []*update_metadata.PartitionUpdate{replacePartition("boot", content, 0)},
	}
	payload := buildPayloadBytes(t, manifest, content)

	for _, method := range []uint16{zip.Store, zip.Deflate} {
		var zipBuf bytes.Buffer
		zw := zip.NewWriter(&zipBuf)
		w, err := zw.CreateHeader(&zip.FileHeader{Name: "payload.bin", Method: method})
		if err != nil {
			t.Fatal(err)
		}
		w.Write(payload)
		zw.Close()

		zipPath := filepath.Join(t.TempDir(), "ota.zip")
		if err := os.WriteFile(zipPath, zipBuf.Bytes(), 0o644); err != nil {
			t.Fatal(err)
		}

		p, err := ruaflash.OpenPayload(zipPath)
		if err != nil {
			t.Fatalf("method %d: %v", method, err)
		}
		outPath, err := p.ExtractPartition("boot", t.TempDir(), &recordingReporter{})
		if err != nil {
			t.Fatalf("method %d: %v", method, err)
		}
		got, _ := os.ReadFile(outPath)
		if !bytes.Equal(got, content) {
			t.Fatalf("method %d: content mismatch", method)
		}
		p.Close()
	}
}

func TestBadPayloads(t *testing.T) {
	if _, err := ruaflash.OpenPayload(writePayloadFile(t, []byte("XXXXGARBAGE-----"))); err == nil {
		t.Fatal("Except error for bad magic")
	}

	var buf bytes.Buffer
	buf.WriteString(ruaflash.PAYLOAD_MAGIC)
	binary.Write(&buf, binary.BigEndian, uint64(1)) // wrong version
	binary.Write(&buf, binary.BigEndian, uint64(10))
	binary.Write(&buf, binary.BigEndian, uint32(4))
	buf.Write(make([]byte, 14))
	if _, err := ruaflash.OpenPayload(writePayloadFile(t, buf.Bytes())); err == nil {
		t.Fatal("Except error for unsupported version")
	}
}

func TestExtractBootPrefersInitBoot(t *testing.T) {
	contentBoot := []byte("BOOT")
	contentInit := []byte("INIT")
	manifest := &update_metadata.DeltaArchiveManifest{
		BlockSize: testBlockSize,
		Partitions: []*update_metadata.PartitionUpdate{
			replacePartition("boot", contentBoot, 0),
			replacePartition("init_boot", contentInit, 4),
		},
	}
	blob := append(append([]byte{}, contentBoot...), contentInit...)
	p, err := ruaflash.OpenPayload(writePayloadFile(t, buildPayloadBytes(t, manifest, blob)))
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	outPath, err := p.ExtractBoot(t.TempDir(), &recordingReporter{})
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(outPath) != "init_boot.img" {
		t.Fatalf("Except init_boot.img, But: %s", filepath.Base(outPath))
	}
}
