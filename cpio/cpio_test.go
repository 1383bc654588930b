package cpio_test

import (
	"bytes"
	"os"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/winzkh/RuaFlashTool/cpio"
)

func TestSingleEntryEmit(t *testing.T) {
	t.Log("Test single-entry archive layout")

	a := &cpio.Archive{}
	a.Add("init", 0o750, []byte("X"))
	out := a.Dump()

	if !bytes.HasPrefix(out, []byte("070701")) {
		t.Fatalf("archive must start with newc magic, got %q", out[:6])
	}
	if !bytes.Contains(out, []byte("init")) {
		t.Fatal("entry name missing from archive")
	}
	if !bytes.Contains(out, []byte("TRAILER!!!")) {
		t.Fatal("trailer record missing")
	}

	parsed, err := cpio.Parse(out)
	if err != nil {
		t.Fatal(err)
	}
	if len(parsed.Entries) != 1 {
		t.Fatalf("Except 1 entry, But: %d", len(parsed.Entries))
	}
	e := parsed.Entries[0]
	if e.Name != "init" || e.Mode != 0o750 || !bytes.Equal(e.Data, []byte("X")) {
		t.Fatalf("entry mismatch: %q %o %q", e.Name, e.Mode, e.Data)
	}
}

func TestRoundTrip(t *testing.T) {
	t.Log("Test parse(emit(entries)) == entries")

	a := &cpio.Archive{}
	a.Add("init", 0o750, []byte("#!/system/bin/init\n"))
	a.Add("overlay.d/sbin/magisk.xz", 0o644, bytes.Repeat([]byte{0xAB}, 37))
	a.Add(".backup/.magisk", 0o000, []byte("SHA1=00\n"))
	a.Add("empty", 0o644, nil)

	parsed, err := cpio.Parse(a.Dump())
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(names(a), names(parsed)); diff != "" {
		t.Fatalf("entry names differ (-want +got):\n%s", diff)
	}
	for i, e := range a.Entries {
		got := parsed.Entries[i]
		if got.Mode != e.Mode || !bytes.Equal(got.Data, e.Data) {
			t.Fatalf("entry %s mismatch after round trip", e.Name)
		}
	}
}

func TestDumpDeterministic(t *testing.T) {
	a := &cpio.Archive{}
	a.Add("a", 0o644, []byte("1"))
	a.Add("b", 0o644, []byte("2"))
	if !bytes.Equal(a.Dump(), a.Dump()) {
		t.Fatal("Dump must be byte-identical for a given ordering")
	}
}

func TestDumpDedupLastWins(t *testing.T) {
	a := &cpio.Archive{
		Entries: []*cpio.Entry{
			{Name: "init", Mode: 0o755, Data: []byte("old")},
			{Name: "other", Mode: 0o644, Data: []byte("x")},
			{Name: "init", Mode: 0o750, Data: []byte("new")},
		},
	}
	parsed, err := cpio.Parse(a.Dump())
	if err != nil {
		t.Fatal(err)
	}
	if len(parsed.Entries) != 2 {
		t.Fatalf("Except 2 entries after dedup, But: %d", len(parsed.Entries))
	}
	e, ok := parsed.Get("init")
	if !ok || !bytes.Equal(e.Data, []byte("new")) || e.Mode != 0o750 {
		t.Fatal("last-wins dedup failed")
	}
}

func TestVendorPreHeaderSkip(t *testing.T) {
	t.Log("Test vendor pre-header before the cpio magic is skipped")

	a := &cpio.Archive{}
	a.Add("sepolicy", 0o644, []byte("policy"))
	data := append([]byte("VNDRHDR\x00\x01\x02\x03"), a.Dump()...)

	parsed, err := cpio.Parse(data)
	if err != nil {
		t.Fatal(err)
	}
	if !parsed.Exists("sepolicy") {
		t.Fatal("entry lost behind vendor pre-header")
	}
}

func TestExtractFirstMatch(t *testing.T) {
	a := &cpio.Archive{}
	a.Add("init", 0o750, []byte("I"))
	a.Add("sepolicy", 0o644, []byte("P"))
	raw := a.Dump()

	mode, data, ok := cpio.Extract(raw, "sepolicy")
	if !ok {
		t.Fatal("Extract failed to find entry")
	}
	if mode != 0o644 || !bytes.Equal(data, []byte("P")) {
		t.Fatalf("Extract mismatch: %o %q", mode, data)
	}
	if _, _, ok := cpio.Extract(raw, "missing"); ok {
		t.Fatal("Extract found a nonexistent entry")
	}
}

func TestRemovePrefix(t *testing.T) {
	a := &cpio.Archive{}
	a.Add("overlay.d/sbin/magisk.xz", 0o644, nil)
	a.Add("overlay.d/init.rc", 0o644, nil)
	a.Add("init", 0o750, nil)
	if n := a.RemovePrefix("overlay.d"); n != 2 {
		t.Fatalf("Except 2 removed, But: %d", n)
	}
	if !a.Exists("init") {
		t.Fatal("unrelated entry removed")
	}
}

func TestParseErrors(t *testing.T) {
	if _, err := cpio.Parse([]byte("garbage with no magic")); err == nil {
		t.Fatal("Except parse error for missing magic")
	}
	// Truncated: header magic then nothing valid.
	bad := []byte("070701zzzzzzzz")
	if _, err := cpio.Parse(bad); err == nil {
		t.Fatal("Except parse error for truncated header")
	}
}

func TestExtractTo(t *testing.T) {
	a := &cpio.Archive{}
	a.Add("system", cpio.S_IFDIR|0o755, nil)
	a.Add("system/bin/init", cpio.S_IFREG|0o750, []byte("init-data"))
	a.Add("init", cpio.S_IFLNK|0o777, []byte("/system/bin/init"))

	dir := t.TempDir()
	if err := a.ExtractTo(dir); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(dir + "/system/bin/init")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, []byte("init-data")) {
		t.Fatal("extracted file content mismatch")
	}
	target, err := os.Readlink(dir + "/init")
	if err != nil {
		t.Fatal(err)
	}
	if target != "/system/bin/init" {
		t.Fatalf("symlink target mismatch: %s", target)
	}
}

func names(a *cpio.Archive) []string {
	var out []string
	for _, e := range a.Entries {
		out = append(out, e.Name)
	}
	return out
}
