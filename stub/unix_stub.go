//go:build !windows

// Package stub papers over the platform split for the device-node
// syscalls ramdisk extraction needs.
package stub

import (
	"golang.org/x/sys/unix"
)

func Mkdev(major, minor uint32) uint64 {
	return unix.Mkdev(major, minor)
}

func Mknod(path string, mode uint32, dev int) error {
	return unix.Mknod(path, mode, dev)
}
