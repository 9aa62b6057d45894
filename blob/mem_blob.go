package blob

import (
	"sync"

	"golang.org/x/sys/unix"
)

// memBlob is a Blob backed by the anonymous-memory fd obtained from
// newBackingFD (memfd_create on Linux, an unlinked tempfile elsewhere). Reads
// and writes go through an mmap'd region so that a sealed blob's bytes are
// visible, bit for bit, to any process holding a dup of the fd — including
// one that received it over SCM_RIGHTS.
type memBlob struct {
	mu     sync.RWMutex
	fd     int
	size   int64
	region []byte
	sealed bool
	gone   bool
}

func newMemBlob(size int64) (*memBlob, error) {
	fd, err := newBackingFD(size)
	if err != nil {
		return nil, err
	}

	var region []byte
	if size > 0 {
		region, err = unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		if err != nil {
			unix.Close(fd)
			return nil, err
		}
	}

	return &memBlob{fd: fd, size: size, region: region}, nil
}

func (m *memBlob) Size() int64 {
	return m.size
}

func (m *memBlob) Sealed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sealed
}

func (m *memBlob) ReadAt(p []byte, off int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.gone {
		return 0, goneErr(Mem, "")
	}
	return readAtRange(m.region, p, off)
}

func (m *memBlob) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.gone {
		return 0, goneErr(Mem, "")
	}
	if m.sealed {
		return 0, sealViolation(Mem)
	}
	return writeAtRange(m.region, p, off)
}

func (m *memBlob) Seal() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.gone {
		return goneErr(Mem, "")
	}
	m.sealed = true
	return nil
}

func (m *memBlob) Handle() (Handle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.gone {
		return Handle{}, goneErr(Mem, "")
	}
	dup, err := unix.Dup(m.fd)
	if err != nil {
		return Handle{}, err
	}
	return Handle{Kind: Mem, FD: dup, Length: m.size}, nil
}

func (m *memBlob) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.region != nil {
		unix.Munmap(m.region)
		m.region = nil
	}
	return unix.Close(m.fd)
}

func (m *memBlob) destroy() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.gone = true
	if m.region != nil {
		unix.Munmap(m.region)
		m.region = nil
	}
	return unix.Close(m.fd)
}
