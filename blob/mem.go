package blob

import (
	"fmt"
	"sync"

	"github.com/packice/fruina/errs"
)

// memBackend allocates MemBlobs. The zero value is not usable; use NewMemBackend.
type memBackend struct {
	mu    sync.Mutex
	blobs map[string]*memBlob
}

// NewMemBackend creates a Backend that allocates blobs backed by anonymous
// shared memory (memfd on Linux, an unlinked tempfile elsewhere — see
// mem_linux.go / mem_fallback.go).
func NewMemBackend() Backend {
	return &memBackend{blobs: map[string]*memBlob{}}
}

func (b *memBackend) Kind() Kind { return Mem }

func key(objid string, index int) string {
	return fmt.Sprintf("%s/%d", objid, index)
}

func (b *memBackend) Create(objid string, index int, size int64) (Blob, error) {
	mb, err := newMemBlob(size)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "allocating mem blob for %s", objid)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.blobs[key(objid, index)] = mb
	return mb, nil
}

func (b *memBackend) Open(objid string, index int) (Blob, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	mb, ok := b.blobs[key(objid, index)]
	if !ok {
		return nil, goneErr(Mem, objid)
	}
	return mb, nil
}

func (b *memBackend) Destroy(objid string, index int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	k := key(objid, index)
	mb, ok := b.blobs[k]
	if !ok {
		return nil
	}
	delete(b.blobs, k)
	return mb.destroy()
}
