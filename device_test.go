package ruaflash_test

import (
	"errors"
	"testing"

	ruaflash "github.com/winzkh/RuaFlashTool"
)

func TestDeviceModeFromString(t *testing.T) {
	tests := map[string]ruaflash.DeviceMode{
		"fastboot":  ruaflash.ModeFastboot,
		"FASTBOOTD": ruaflash.ModeFastbootD,
		"device":    ruaflash.ModeAdb,
		"recovery":  ruaflash.ModeRecovery,
		"sideload":  ruaflash.ModeSideload,
		"weird":     ruaflash.ModeUnknown,
	}
	for in, want := range tests {
		if got := ruaflash.DeviceModeFromString(in); got != want {
			t.Fatalf("DeviceModeFromString(%q) Except: %v, But: %v", in, want, got)
		}
	}
}

func TestErrorTaxonomy(t *testing.T) {
	t.Log("Test errors stay pattern-matchable through wrapping")

	var codecErr *ruaflash.CodecError
	err := error(&ruaflash.CodecError{Format: ruaflash.Xz, Reason: "truncated"})
	if !errors.As(err, &codecErr) || codecErr.Format != ruaflash.Xz {
		t.Fatal("CodecError not matchable")
	}

	var notFound *ruaflash.ExecutableNotFoundError
	err = error(&ruaflash.ExecutableNotFoundError{Kind: "kptools", Path: "KernelPatch/kptools"})
	if !errors.As(err, &notFound) || notFound.Kind != "kptools" {
		t.Fatal("ExecutableNotFoundError not matchable")
	}

	if !errors.Is(ruaflash.ErrCancelled, ruaflash.ErrCancelled) {
		t.Fatal("sentinel identity failed")
	}
}

func TestCancelFlag(t *testing.T) {
	var flag ruaflash.CancelFlag
	if flag.IsSet() {
		t.Fatal("fresh flag must be clear")
	}
	flag.Cancel()
	if !flag.IsSet() {
		t.Fatal("flag did not latch")
	}

	rep := ruaflash.NopReporter{Cancel: &flag}
	if !rep.ShouldCancel() {
		t.Fatal("reporter must observe the flag")
	}
}
