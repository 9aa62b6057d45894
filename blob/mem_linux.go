//go:build linux

package blob

import (
	"golang.org/x/sys/unix"
)

// newBackingFD creates the raw file descriptor backing a MemBlob. On Linux we
// prefer memfd_create: it needs no path, can't collide with another process's
// files, and is automatically reclaimed when the last fd referencing it
// closes.
func newBackingFD(size int64) (int, error) {
	fd, err := unix.MemfdCreate("fruina-blob", unix.MFD_CLOEXEC)
	if err != nil {
		return -1, err
	}
	if err := unix.Ftruncate(fd, size); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}
