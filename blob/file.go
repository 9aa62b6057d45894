package blob

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/packice/fruina/errs"
)

// fileBackend allocates FileBlobs rooted under a configured directory, one
// file per (objid, index) pair.
type fileBackend struct {
	root string

	mu     sync.Mutex
	sealed map[string]bool
}

// NewFileBackend creates a Backend that stores each blob as a regular file
// under root. root must already exist.
func NewFileBackend(root string) (Backend, error) {
	fi, err := os.Stat(root)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "file backend root %q", root)
	}
	if !fi.IsDir() {
		return nil, errs.New(errs.Internal, "file backend root %q is not a directory", root)
	}
	return &fileBackend{root: root, sealed: map[string]bool{}}, nil
}

func (b *fileBackend) Kind() Kind { return File }

func (b *fileBackend) path(objid string, index int) string {
	return filepath.Join(b.root, nameTransform(key(objid, index)))
}

func (b *fileBackend) Create(objid string, index int, size int64) (Blob, error) {
	p := b.path(objid, index)
	f, err := os.OpenFile(p, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0640)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "creating file blob %s", p)
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		os.Remove(p)
		return nil, errs.Wrap(errs.Internal, err, "sizing file blob %s", p)
	}

	return &fileBlob{backend: b, objid: objid, index: index, f: f, path: p, size: size}, nil
}

func (b *fileBackend) Open(objid string, index int) (Blob, error) {
	p := b.path(objid, index)
	fi, err := os.Stat(p)
	if err != nil {
		return nil, goneErr(File, objid)
	}

	f, err := os.OpenFile(p, os.O_RDWR, 0640)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "opening file blob %s", p)
	}

	b.mu.Lock()
	sealed := b.sealed[key(objid, index)]
	b.mu.Unlock()

	return &fileBlob{backend: b, objid: objid, index: index, f: f, path: p, size: fi.Size(), sealed: sealed}, nil
}

func (b *fileBackend) Destroy(objid string, index int) error {
	b.mu.Lock()
	delete(b.sealed, key(objid, index))
	b.mu.Unlock()

	if err := os.Remove(b.path(objid, index)); err != nil && !os.IsNotExist(err) {
		return errs.Wrap(errs.Internal, err, "destroying file blob for %s", objid)
	}
	return nil
}

func (b *fileBackend) markSealed(objid string, index int) {
	b.mu.Lock()
	b.sealed[key(objid, index)] = true
	b.mu.Unlock()
}

// fileBlob is a Blob backed by a regular file on a local filesystem.
type fileBlob struct {
	backend *fileBackend
	objid   string
	index   int

	mu     sync.RWMutex
	f      *os.File
	path   string
	size   int64
	sealed bool
}

func (f *fileBlob) Size() int64 {
	return f.size
}

func (f *fileBlob) Sealed() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.sealed
}

func (f *fileBlob) ReadAt(p []byte, off int64) (int, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.f.ReadAt(p, off)
}

func (f *fileBlob) WriteAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.sealed {
		return 0, sealViolation(File)
	}
	return f.f.WriteAt(p, off)
}

func (f *fileBlob) Seal() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.sealed {
		return nil
	}
	if err := f.f.Sync(); err != nil {
		return errs.Wrap(errs.Internal, err, "sealing file blob %s", f.path)
	}
	f.sealed = true
	f.backend.markSealed(f.objid, f.index)
	return nil
}

func (f *fileBlob) Handle() (Handle, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if _, err := os.Stat(f.path); err != nil {
		return Handle{}, goneErr(File, f.objid)
	}
	return Handle{Kind: File, Path: f.path, Length: f.size}, nil
}

func (f *fileBlob) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.f.Close()
}

// nameTransform mangles a blob key into a safe single path component, the
// same separator-escaping idiom the teacher's disk cache uses for arbitrary
// keys that may contain "/".
func nameTransform(name string) string {
	out := make([]byte, 0, len(name))
	for i := 0; i < len(name); i++ {
		if name[i] == '/' {
			out = append(out, '_', '-', '_')
			continue
		}
		out = append(out, name[i])
	}
	return string(out)
}
