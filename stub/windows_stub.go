//go:build windows

package stub

// Device nodes cannot be created on Windows; extraction skips them.

func Mkdev(major, minor uint32) uint64 {
	return 0
}

func Mknod(path string, mode uint32, dev int) error {
	return nil
}
