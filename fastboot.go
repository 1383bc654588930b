package ruaflash

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
)

// findPlatformTool resolves a platform-tools binary in the working
// directory first, then next to the executable.
func findPlatformTool(name string) (string, error) {
	if runtime.GOOS == "windows" {
		name += ".exe"
	}
	candidates := []string{filepath.Join("platform-tools", name)}
	if exe, err := os.Executable(); err == nil {
		candidates = append(candidates, filepath.Join(filepath.Dir(exe), "platform-tools", name))
	}
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", &ExecutableNotFoundError{Kind: strings.TrimSuffix(name, ".exe"), Path: candidates[0]}
}

// FastbootClient shells out to the bundled fastboot binary. The tool
// path resolves lazily and is cached per client.
type FastbootClient struct {
	path   string
	Serial string
}

func NewFastbootClient() *FastbootClient {
	return &FastbootClient{}
}

func (c *FastbootClient) toolPath() (string, error) {
	if c.path != "" {
		return c.path, nil
	}
	p, err := findPlatformTool("fastboot")
	if err != nil {
		return "", err
	}
	c.path = p
	return p, nil
}

func (c *FastbootClient) buildArgs(args []string) []string {
	if c.Serial == "" {
		return args
	}
	return append([]string{"-s", c.Serial}, args...)
}

// Run executes fastboot with inherited stdio; large flash progress
// dumps go straight to the terminal.
func (c *FastbootClient) Run(args ...string) error {
	path, err := c.toolPath()
	if err != nil {
		return err
	}
	cmd := exec.Command(path, c.buildArgs(args)...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return &ExternalToolError{Tool: "fastboot", Stderr: err.Error()}
	}
	return nil
}

// Capture executes fastboot and returns trimmed stdout; used for
// devices/getvar parsing.
func (c *FastbootClient) Capture(args ...string) (string, error) {
	path, err := c.toolPath()
	if err != nil {
		return "", err
	}
	cmd := exec.Command(path, c.buildArgs(args)...)
	out, err := cmd.Output()
	if err != nil {
		stderr := err.Error()
		if ee, ok := err.(*exec.ExitError); ok {
			stderr = string(ee.Stderr)
		}
		return "", &ExternalToolError{Tool: "fastboot", Stderr: stderr}
	}
	return strings.TrimSpace(string(out)), nil
}

// GetVar runs getvar; fastboot prints the result on stderr, so both
// streams are scanned.
func (c *FastbootClient) GetVar(serial, name string) (string, error) {
	path, err := c.toolPath()
	if err != nil {
		return "", err
	}
	cmd := exec.Command(path, "-s", serial, "getvar", name)
	out, _ := cmd.CombinedOutput()
	for _, line := range strings.Split(string(out), "\n") {
		if !strings.Contains(line, name) {
			continue
		}
		if _, value, found := strings.Cut(line, ":"); found {
			return strings.TrimSpace(value), nil
		}
	}
	return "", &PropertyNotFoundError{Name: name}
}

func (c *FastbootClient) ListDevices() ([]ConnectedDevice, error) {
	out, err := c.Capture("devices")
	if err != nil {
		return nil, err
	}
	var devices []ConnectedDevice
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		dev := ConnectedDevice{
			Serial: fields[0],
			Status: fields[1],
			Mode:   ModeRecovery,
		}
		if strings.Contains(fields[1], "fastboot") {
			dev.Mode = ModeFastboot
		}
		if product, err := c.GetVar(dev.Serial, "product"); err == nil {
			dev.Product = product
		}
		if slot, err := c.GetVar(dev.Serial, "current-slot"); err == nil {
			dev.CurrentSlot = slot
		}
		if dev.Mode == ModeFastboot {
			// fastbootd advertises itself through the userspace var.
			if us, err := c.GetVar(dev.Serial, "is-userspace"); err == nil && us == "yes" {
				dev.Mode = ModeFastbootD
			}
		}
		devices = append(devices, dev)
	}
	return devices, nil
}

// RequireDevice returns the device matching the client's serial (or,
// with no serial set, the first listed device) and ErrDeviceNotFound
// otherwise.
func (c *FastbootClient) RequireDevice() (ConnectedDevice, error) {
	devices, err := c.ListDevices()
	if err != nil {
		return ConnectedDevice{}, err
	}
	for _, d := range devices {
		if c.Serial == "" || d.Serial == c.Serial {
			return d, nil
		}
	}
	return ConnectedDevice{}, ErrDeviceNotFound
}

func (c *FastbootClient) Reboot(target string) error {
	if target == "" {
		return c.Run("reboot")
	}
	return c.Run("reboot", target)
}

func (c *FastbootClient) SetActive(slot string) error {
	if slot != "a" && slot != "b" {
		return &InvalidChoiceError{Input: slot}
	}
	return c.Run("set_active", slot)
}

func (c *FastbootClient) Erase(partition string) error {
	return c.Run("erase", partition)
}

func (c *FastbootClient) Format(partition string) error {
	return c.Run("format", partition)
}

func (c *FastbootClient) Flash(partition, imagePath string) error {
	return c.Run("flash", partition, imagePath)
}

// FlashVbmeta disables verity and verification while flashing so the
// device boots self-signed images.
func (c *FastbootClient) FlashVbmeta(imagePath string) error {
	return c.Run("flash", "vbmeta", "--disable-verity", "--disable-verification", imagePath)
}

func (c *FastbootClient) FlashingUnlock() error {
	return c.Run("flashing", "unlock")
}

func (c *FastbootClient) FlashingLock() error {
	return c.Run("flashing", "lock")
}

func (c *FastbootClient) Oem(args ...string) error {
	return c.Run(append([]string{"oem"}, args...)...)
}
