package ruaflash

import (
	"errors"
	"fmt"

	"github.com/winzkh/RuaFlashTool/cpio"
)

// Sentinel failures with no payload.
var (
	ErrDeviceNotFound = errors.New("no device found, check the USB connection")
	ErrInterrupted    = errors.New("operation interrupted by user")
	ErrCancelled      = errors.New("operation cancelled")
)

// ExecutableNotFoundError reports a missing external tool binary.
type ExecutableNotFoundError struct {
	Kind string // "fastboot", "adb", "kptools"
	Path string
}

func (e *ExecutableNotFoundError) Error() string {
	return fmt.Sprintf("%s executable not found, expected path: %s", e.Kind, e.Path)
}

// ExternalToolError carries the stderr of a failed tool invocation.
type ExternalToolError struct {
	Tool   string
	Stderr string
}

func (e *ExternalToolError) Error() string {
	return fmt.Sprintf("%s error: %s", e.Tool, e.Stderr)
}

type UnpackError struct {
	Reason string
}

func (e *UnpackError) Error() string {
	return "unpack failed: " + e.Reason
}

// UnsupportedOpError marks an install operation kind this build cannot
// replay. Payload extraction reports it through the reporter as a
// warning and keeps going; extraction never returns it as an error.
type UnsupportedOpError struct {
	Kind string
}

func (e *UnsupportedOpError) Error() string {
	return "unsupported install operation: " + e.Kind
}

type CodecError struct {
	Format Format
	Reason string
}

func (e *CodecError) Error() string {
	return fmt.Sprintf("codec error (%s): %s", e.Format, e.Reason)
}

// CpioParseError is the cpio package's parse failure, re-exported so
// callers can match the whole taxonomy from one place.
type CpioParseError = cpio.ParseError

type BootImgError struct {
	Reason string
}

func (e *BootImgError) Error() string {
	return "boot image error: " + e.Reason
}

type AvbError struct {
	Reason string
}

func (e *AvbError) Error() string {
	return "avb error: " + e.Reason
}

type PatchError struct {
	Reason string
}

func (e *PatchError) Error() string {
	return "patch error: " + e.Reason
}

type InvalidChoiceError struct {
	Input string
}

func (e *InvalidChoiceError) Error() string {
	return "invalid choice: " + e.Input
}

type PropertyNotFoundError struct {
	Name string
}

func (e *PropertyNotFoundError) Error() string {
	return "property not found: " + e.Name
}
