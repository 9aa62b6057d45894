package blob

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/packice/fruina/errs"
	"golang.org/x/sys/unix"
)

// headerSize is the fixed on-disk header size described in SPEC_FULL §6:
// magic(4) + version(4) + flags(4) + size(8) + seal_ts_ms(8) + reserved(100).
const headerSize = 128

const magic = "PKCE"

const sealFlag = 1 << 0

// sharedFsBackend allocates SharedFsBlobs under <root>/<objid>/, one
// subdirectory per object containing a "header" and a "data" file, so that
// another process mounting the same filesystem can detect seal state without
// a round trip to this peer.
type sharedFsBackend struct {
	root string
}

// NewSharedFsBackend creates a Backend for a filesystem mounted by multiple
// processes/hosts (e.g. NFS). root must already exist and be shared.
func NewSharedFsBackend(root string) (Backend, error) {
	fi, err := os.Stat(root)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "shared-fs backend root %q", root)
	}
	if !fi.IsDir() {
		return nil, errs.New(errs.Internal, "shared-fs backend root %q is not a directory", root)
	}
	return &sharedFsBackend{root: root}, nil
}

func (b *sharedFsBackend) Kind() Kind { return SharedFs }

func (b *sharedFsBackend) objDir(objid string) string {
	return filepath.Join(b.root, nameTransform(objid))
}

func (b *sharedFsBackend) Create(objid string, index int, size int64) (Blob, error) {
	dir := b.objDir(objid)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, errs.Wrap(errs.Internal, err, "creating shared-fs dir %s", dir)
	}

	hf, err := os.OpenFile(filepath.Join(dir, "header"), os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0640)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "creating header for %s", objid)
	}
	df, err := os.OpenFile(filepath.Join(dir, "data"), os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0640)
	if err != nil {
		hf.Close()
		return nil, errs.Wrap(errs.Internal, err, "creating data file for %s", objid)
	}
	if err := df.Truncate(size); err != nil {
		hf.Close()
		df.Close()
		return nil, errs.Wrap(errs.Internal, err, "sizing data file for %s", objid)
	}

	sb := &sharedFsBlob{dir: dir, header: hf, data: df, size: size}
	if err := sb.writeHeader(false); err != nil {
		hf.Close()
		df.Close()
		return nil, err
	}
	return sb, nil
}

func (b *sharedFsBackend) Open(objid string, index int) (Blob, error) {
	dir := b.objDir(objid)

	hf, err := os.OpenFile(filepath.Join(dir, "header"), os.O_RDWR, 0640)
	if err != nil {
		return nil, goneErr(SharedFs, objid)
	}
	df, err := os.OpenFile(filepath.Join(dir, "data"), os.O_RDWR, 0640)
	if err != nil {
		hf.Close()
		return nil, goneErr(SharedFs, objid)
	}

	sb := &sharedFsBlob{dir: dir, header: hf, data: df}
	if err := sb.readHeader(); err != nil {
		hf.Close()
		df.Close()
		return nil, err
	}
	return sb, nil
}

func (b *sharedFsBackend) Destroy(objid string, index int) error {
	if err := os.RemoveAll(b.objDir(objid)); err != nil && !os.IsNotExist(err) {
		return errs.Wrap(errs.Internal, err, "destroying shared-fs object %s", objid)
	}
	return nil
}

// sharedFsBlob is a Blob backed by a file on a multi-host filesystem, plus a
// small header recording seal state so a reader on another host can trust
// the file without asking this peer.
type sharedFsBlob struct {
	dir string

	mu     sync.RWMutex
	header *os.File
	data   *os.File
	size   int64
	sealed bool
}

func (s *sharedFsBlob) Size() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size
}

func (s *sharedFsBlob) Sealed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sealed
}

func (s *sharedFsBlob) ReadAt(p []byte, off int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.ReadAt(p, off)
}

func (s *sharedFsBlob) WriteAt(p []byte, off int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sealed {
		return 0, sealViolation(SharedFs)
	}
	return s.data.WriteAt(p, off)
}

// Seal flushes data, then rewrites the header with an advisory file-range
// lock held, per SPEC_FULL §5 ("the only shared mutable region is the small
// header ... guarded by flock-style file-range advisory locks").
func (s *sharedFsBlob) Seal() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sealed {
		return nil
	}
	if err := s.data.Sync(); err != nil {
		return errs.Wrap(errs.Internal, err, "syncing shared-fs data for seal")
	}

	lock := unix.Flock_t{Type: unix.F_WRLCK, Whence: 0, Start: 0, Len: headerSize}
	if err := unix.FcntlFlock(s.header.Fd(), unix.F_SETLKW, &lock); err != nil {
		return errs.Wrap(errs.Internal, err, "locking shared-fs header")
	}
	defer func() {
		unlock := unix.Flock_t{Type: unix.F_UNLCK, Whence: 0, Start: 0, Len: headerSize}
		unix.FcntlFlock(s.header.Fd(), unix.F_SETLK, &unlock)
	}()

	s.sealed = true
	if err := s.writeHeader(true); err != nil {
		s.sealed = false
		return err
	}
	return nil
}

func (s *sharedFsBlob) Handle() (Handle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	path := filepath.Join(s.dir, "data")
	if _, err := os.Stat(path); err != nil {
		return Handle{}, goneErr(SharedFs, "")
	}
	return Handle{Kind: SharedFs, Path: path, Length: s.size}, nil
}

func (s *sharedFsBlob) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	herr := s.header.Close()
	derr := s.data.Close()
	if herr != nil {
		return herr
	}
	return derr
}

func (s *sharedFsBlob) writeHeader(sealed bool) error {
	buf := make([]byte, headerSize)
	copy(buf[0:4], magic)
	binary.BigEndian.PutUint32(buf[4:8], 1) // version
	var flags uint32
	if sealed {
		flags |= sealFlag
	}
	binary.BigEndian.PutUint32(buf[8:12], flags)
	binary.BigEndian.PutUint64(buf[12:20], uint64(s.size))
	if sealed {
		binary.BigEndian.PutUint64(buf[20:28], uint64(time.Now().UnixMilli()))
	}

	if _, err := s.header.WriteAt(buf, 0); err != nil {
		return errs.Wrap(errs.Internal, err, "writing shared-fs header")
	}
	return s.header.Sync()
}

func (s *sharedFsBlob) readHeader() error {
	buf := make([]byte, headerSize)
	if _, err := s.header.ReadAt(buf, 0); err != nil {
		return errs.Wrap(errs.Internal, err, "reading shared-fs header")
	}
	if string(buf[0:4]) != magic {
		return errs.New(errs.Internal, "shared-fs header has bad magic")
	}
	flags := binary.BigEndian.Uint32(buf[8:12])
	s.size = int64(binary.BigEndian.Uint64(buf[12:20]))
	s.sealed = flags&sealFlag != 0
	return nil
}
