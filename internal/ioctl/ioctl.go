// Package ioctl provides the raw syscall plumbing shared by the V4L2
// capture device and the DRM/KMS display mirror. Both subsystems talk to
// the kernel exclusively through ioctl(2) and mmap(2); this package is the
// one place that pattern is written, following the ioctl helper in the
// teacher repo's GPIO driver (components/board/commonsysfs/ioctl.go).
package ioctl

import (
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Do issues ioctl(fd, request, arg) and turns a non-nil, non-zero errno
// into a Go error. arg is typically uintptr(unsafe.Pointer(&someStruct)).
func Do(fd uintptr, request uintptr, arg uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, request, arg)
	if errno != 0 {
		return errno
	}
	return nil
}

// Retry issues Do, retrying while the kernel returns EINTR, which v4l2 and
// drm drivers can surface on signal delivery mid-ioctl.
func Retry(fd uintptr, request uintptr, arg uintptr) error {
	for {
		err := Do(fd, request, arg)
		if err == nil {
			return nil
		}
		var errno unix.Errno
		if errors.As(err, &errno) && errno == unix.EINTR {
			continue
		}
		return err
	}
}

// Mmap wraps unix.Mmap with the PROT/MAP flags every dumb-buffer and
// capture-buffer mapping in kvmstream uses: read-write, shared with the
// kernel.
func Mmap(fd int, offset int64, length int) ([]byte, error) {
	b, err := unix.Mmap(fd, offset, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, errors.Wrap(err, "mmap")
	}
	return b, nil
}

// Munmap unmaps a region previously returned by Mmap.
func Munmap(b []byte) error {
	if b == nil {
		return nil
	}
	return unix.Munmap(b)
}

// ReadSysfsByte reads the first byte from a sysfs attribute
// file, reopening it each call. The display mirror uses this for the DRM
// connector "status" file (spec §6: "the file is kept open and rewound
// between reads" in the original; in Go, reopening a tiny sysfs file per
// poll is simpler and just as cheap).
func ReadSysfsByte(path string) (byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	var buf [1]byte
	if _, err := f.Read(buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}
