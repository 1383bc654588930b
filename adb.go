package ruaflash

import (
	"os"
	"os/exec"
	"strings"

	"github.com/pkg/errors"
)

// AdbClient shells out to the bundled adb binary.
type AdbClient struct {
	path   string
	Serial string
}

func NewAdbClient() *AdbClient {
	return &AdbClient{}
}

func (c *AdbClient) toolPath() (string, error) {
	if c.path != "" {
		return c.path, nil
	}
	p, err := findPlatformTool("adb")
	if err != nil {
		return "", err
	}
	c.path = p
	return p, nil
}

func (c *AdbClient) buildArgs(args []string) []string {
	if c.Serial == "" {
		return args
	}
	return append([]string{"-s", c.Serial}, args...)
}

func (c *AdbClient) Run(args ...string) error {
	path, err := c.toolPath()
	if err != nil {
		return err
	}
	cmd := exec.Command(path, c.buildArgs(args)...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return &ExternalToolError{Tool: "adb", Stderr: err.Error()}
	}
	return nil
}

func (c *AdbClient) Capture(args ...string) (string, error) {
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
		return "", &ExternalToolError{Tool: "adb", Stderr: stderr}
	}
	return strings.TrimSpace(string(out)), nil
}

func (c *AdbClient) ListDevices() ([]ConnectedDevice, error) {
	out, err := c.Capture("devices")
	if err != nil {
		return nil, err
	}
	lines := strings.Split(out, "\n")
	var devices []ConnectedDevice
	for _, line := range lines[1:] {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		devices = append(devices, ConnectedDevice{
			Serial: fields[0],
			Status: fields[1],
			Mode:   DeviceModeFromString(fields[1]),
		})
	}
	return devices, nil
}

func (c *AdbClient) Shell(command string) (string, error) {
	return c.Capture("shell", command)
}

func (c *AdbClient) Install(apkPath string) error {
	if _, err := os.Stat(apkPath); err != nil {
		return errors.Wrap(err, "apk not found")
	}
	return c.Run("install", "-r", apkPath)
}

func (c *AdbClient) Reboot(target string) error {
	if target == "" {
		return c.Run("reboot")
	}
	return c.Run("reboot", target)
}
