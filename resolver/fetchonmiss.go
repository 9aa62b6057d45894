package resolver

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/packice/fruina/blob"
	"github.com/packice/fruina/errs"
	"github.com/packice/fruina/lease"
	"github.com/packice/fruina/peer"
	"github.com/packice/fruina/transport"
)

// Dialer opens a transport.Adapter for a candidate's dial string. Connect()
// at the module root satisfies this; it is passed in rather than imported
// directly to avoid resolver depending on the root package (which itself
// may one day depend on resolver for wiring).
type Dialer func(dial string) (transport.Adapter, error)

// shortReadTTL bounds the remote lease fetch-on-miss takes out while it
// copies bytes locally. The copy itself is expected to finish in well under
// this window; it exists only so a wedged source peer cannot pin a remote
// lease forever.
const shortReadTTL = 30 * time.Second

// FetchOnMiss implements the cross-peer copy protocol described in
// SPEC_FULL.md: after a local NotFound, consult a Resolver for candidate
// holders, copy the object's bytes from the first one that actually has it,
// and seal a local copy.
type FetchOnMiss struct {
	Resolver     Resolver
	Local        transport.Adapter
	Dial         Dialer
	SelfEndpoint string
}

// Fetch runs the fetch-on-miss algorithm for objid. It returns NotFound if
// the resolver has no candidates, or none of them actually hold the object,
// and stops with Full as soon as the local peer has no room for a copy.
func (f *FetchOnMiss) Fetch(objid string) (lease.Lease, peer.Snapshot, error) {
	candidates, err := f.Resolver.Lookup(objid)
	if err != nil {
		return lease.Lease{}, peer.Snapshot{}, err
	}
	if len(candidates) == 0 {
		return lease.Lease{}, peer.Snapshot{}, errs.New(errs.NotFound, "no candidates for %s", objid)
	}

	for _, c := range candidates {
		l, snap, err := f.tryCandidate(objid, c)
		if err == nil {
			return l, snap, nil
		}
		if errs.Is(err, errs.Full) {
			// The local peer has no room; no other candidate can change that.
			return lease.Lease{}, peer.Snapshot{}, err
		}
		if errs.Is(err, errs.Gone) {
			_ = f.Resolver.Unregister(objid, c.Dial)
		}
		// NotFound, TransportError, or any other per-candidate failure: move
		// on to the next candidate.
	}
	return lease.Lease{}, peer.Snapshot{}, errs.New(errs.NotFound, "no candidate held %s", objid)
}

// MissAdapter presents a FetchOnMiss as a plain transport.Adapter, so a
// transport server can front it exactly as it would front a bare peer:
// Acquire(READ) falls through to the fetch-on-miss protocol on a local
// NotFound; every other call, and Acquire(CREATE), goes straight to Local,
// since a lease obtained through Acquire already lives there.
type MissAdapter struct {
	Miss *FetchOnMiss
}

func (a *MissAdapter) Acquire(objid string, flags lease.AccessFlags, opts peer.AcquireOpts) (lease.Lease, peer.Snapshot, error) {
	l, snap, err := a.Miss.Local.Acquire(objid, flags, opts)
	if err == nil || !errs.Is(err, errs.NotFound) || !flags.Has(lease.Read) || flags.Has(lease.Create) {
		return l, snap, err
	}
	return a.Miss.Fetch(objid)
}

func (a *MissAdapter) Seal(id lease.ID) (peer.Snapshot, error) { return a.Miss.Local.Seal(id) }
func (a *MissAdapter) Discard(id lease.ID) error               { return a.Miss.Local.Discard(id) }
func (a *MissAdapter) Release(id lease.ID) error               { return a.Miss.Local.Release(id) }
func (a *MissAdapter) Close() error                            { return a.Miss.Local.Close() }

func (f *FetchOnMiss) tryCandidate(objid string, c PeerEndpoint) (lease.Lease, peer.Snapshot, error) {
	remote, err := f.Dial(c.Dial)
	if err != nil {
		return lease.Lease{}, peer.Snapshot{}, errs.Wrap(errs.TransportError, err, "dialing %s", c.Dial)
	}
	defer remote.Close()

	localLease, sealed, err := CopyObject(remote, f.Local, objid, shortReadTTL)
	if err != nil {
		return lease.Lease{}, peer.Snapshot{}, err
	}

	if f.Resolver != nil && f.SelfEndpoint != "" {
		_ = f.Resolver.Register(objid, PeerEndpoint{Dial: f.SelfEndpoint, Source: SourceLAN})
	}

	return localLease, sealed, nil
}

// CopyObject runs the core of the fetch-on-miss protocol against an
// already-open remote Adapter: Acquire(READ, ttl) on remote, Acquire(CREATE)
// on local with matching blob specs, stream bytes, Seal locally, Release
// remote. It is shared by FetchOnMiss (remote is a genuinely remote
// candidate, local is the daemon's own peer or Tiered) and tiered.Tiered
// (remote and local are its own hot and cold peers, for the internal
// demotion/promotion copy) — both local and remote need only satisfy
// transport.Adapter, so the same code moves bytes whether the destination
// is a plain Peer or a composite Tiered.
func CopyObject(remote, local transport.Adapter, objid string, ttl time.Duration) (lease.Lease, peer.Snapshot, error) {
	remoteLease, remoteSnap, err := remote.Acquire(objid, lease.Read, peer.AcquireOpts{TTL: ttl})
	if err != nil {
		return lease.Lease{}, peer.Snapshot{}, err
	}
	released := false
	releaseRemote := func() {
		if !released {
			_ = remote.Release(remoteLease.ID)
			released = true
		}
	}
	defer releaseRemote()

	specs := make([]int64, len(remoteSnap.Blobs))
	for i, b := range remoteSnap.Blobs {
		specs[i] = b.Size
	}

	localLease, localSnap, err := local.Acquire(objid, lease.Create, peer.AcquireOpts{
		TTL:          ttl,
		BlobSpecs:    specs,
		Metadata:     remoteSnap.Metadata,
		PrevObjectID: remoteSnap.PrevObjectID,
	})
	if err != nil {
		return lease.Lease{}, peer.Snapshot{}, err
	}

	if err := copyBlobs(remoteSnap.Blobs, localSnap.Blobs); err != nil {
		_ = local.Discard(localLease.ID)
		return lease.Lease{}, peer.Snapshot{}, err
	}

	sealed, err := local.Seal(localLease.ID)
	if err != nil {
		_ = local.Discard(localLease.ID)
		return lease.Lease{}, peer.Snapshot{}, err
	}

	releaseRemote()
	return localLease, sealed, nil
}

// copyBlobs streams every source blob's bytes into the matching
// destination blob. Implementation chooses chunked ReadAt/WriteAt over
// sendfile or mmap for portability across the Handle kinds a candidate may
// return (fd-backed Mem, path-backed File/SharedFs, URL-backed Archive).
func copyBlobs(src, dst []peer.BlobDescriptor) error {
	if len(src) != len(dst) {
		return errs.New(errs.Internal, "blob count mismatch: source %d, destination %d", len(src), len(dst))
	}
	for i := range src {
		if err := copyBlob(src[i], dst[i]); err != nil {
			return err
		}
	}
	return nil
}

const copyChunk = 256 * 1024

func copyBlob(src, dst peer.BlobDescriptor) error {
	r, closer, err := OpenHandleReader(src.Handle)
	if err != nil {
		return err
	}
	defer closer.Close()

	w, wcloser, err := openHandleWriter(dst.Handle)
	if err != nil {
		return err
	}
	defer wcloser.Close()

	buf := make([]byte, copyChunk)
	var off int64
	for off < src.Size {
		n := int64(len(buf))
		if rem := src.Size - off; rem < n {
			n = rem
		}
		read, err := r.ReadAt(buf[:n], off)
		if read > 0 {
			if _, werr := w.WriteAt(buf[:read], off); werr != nil {
				return errs.Wrap(errs.Internal, werr, "writing copied bytes at offset %d", off)
			}
			off += int64(read)
		}
		if err != nil {
			if err == io.EOF && off >= src.Size {
				break
			}
			return errs.Wrap(errs.Internal, err, "reading source bytes at offset %d", off)
		}
	}
	return nil
}

// OpenHandleReader opens a read-only view of a Handle exported by a remote
// Acquire call. Mem and UDS-received fds are read directly; File/SharedFs
// handles are read through the shared path; Archive handles are read over
// HTTP Range requests against the handle's URL, sent without credentials. Exported so tiered's
// background archive mirror can stream a cold blob's bytes the same way
// CopyObject does.
func OpenHandleReader(h blob.Handle) (io.ReaderAt, io.Closer, error) {
	switch h.Kind {
	case blob.Mem:
		if h.FD < 0 {
			return nil, nil, errs.New(errs.Internal, "mem handle has no fd")
		}
		f := os.NewFile(uintptr(h.FD), "fruina-mem-blob")
		return f, f, nil
	case blob.File, blob.SharedFs:
		f, err := os.Open(h.Path)
		if err != nil {
			return nil, nil, errs.Wrap(errs.Internal, err, "opening %s", h.Path)
		}
		return &offsetReaderAt{f: f, base: h.Offset}, f, nil
	case blob.Archive:
		return &archiveReaderAt{url: h.URL}, io.NopCloser(nil), nil
	default:
		return nil, nil, errs.New(errs.Internal, "unsupported handle kind %s", h.Kind)
	}
}

func openHandleWriter(h blob.Handle) (io.WriterAt, io.Closer, error) {
	switch h.Kind {
	case blob.Mem:
		if h.FD < 0 {
			return nil, nil, errs.New(errs.Internal, "mem handle has no fd")
		}
		f := os.NewFile(uintptr(h.FD), "fruina-mem-blob")
		return f, f, nil
	case blob.File, blob.SharedFs:
		f, err := os.OpenFile(h.Path, os.O_WRONLY, 0)
		if err != nil {
			return nil, nil, errs.Wrap(errs.Internal, err, "opening %s for write", h.Path)
		}
		return &offsetWriterAt{f: f, base: h.Offset}, f, nil
	default:
		return nil, nil, errs.New(errs.Internal, "blob kind %s is not locally writable", h.Kind)
	}
}

// offsetReaderAt/offsetWriterAt translate a logical blob-relative offset
// into a file-relative one, for backends that pack multiple blobs into a
// single file (see blob.Handle.Offset).
type offsetReaderAt struct {
	f    *os.File
	base int64
}

func (o *offsetReaderAt) ReadAt(p []byte, off int64) (int, error) {
	return o.f.ReadAt(p, o.base+off)
}

type offsetWriterAt struct {
	f    *os.File
	base int64
}

func (o *offsetWriterAt) WriteAt(p []byte, off int64) (int, error) {
	return o.f.WriteAt(p, o.base+off)
}

// archiveReaderAt reads an Archive blob's bytes over HTTP Range requests
// against its exported URL, using http.DefaultClient with no credentials.
type archiveReaderAt struct {
	url string
}

func (a *archiveReaderAt) ReadAt(p []byte, off int64) (int, error) {
	req, err := http.NewRequest(http.MethodGet, a.url, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", off, off+int64(len(p))-1))

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusPartialContent && resp.StatusCode != http.StatusOK {
		return 0, errs.New(errs.TransportError, "archive fetch: unexpected status %s", resp.Status)
	}
	return io.ReadFull(resp.Body, p)
}
