//go:build !linux

package blob

import (
	"os"

	"golang.org/x/sys/unix"
)

// newBackingFD creates the raw file descriptor backing a MemBlob. Off Linux
// there is no memfd_create, so we fall back to a temporary file that is
// unlinked immediately after creation — the fd stays valid for as long as any
// process holds it open, but the name never appears to another lookup.
func newBackingFD(size int64) (int, error) {
	f, err := os.CreateTemp("", "fruina-blob-")
	if err != nil {
		return -1, err
	}
	name := f.Name()
	defer os.Remove(name)

	if err := f.Truncate(size); err != nil {
		f.Close()
		return -1, err
	}

	fd, err := unix.Dup(int(f.Fd()))
	f.Close()
	if err != nil {
		return -1, err
	}
	return fd, nil
}
