// Package blob implements the byte-container backends that hold object data.
// A Blob is opened for write while its object is CREATING, sealed when the
// object seals, and from then on serves concurrent reads through an
// exportable Handle. Backends never talk to the lease store or the peer
// core; they are a pure data-plane concern.
package blob

import (
	"io"

	"github.com/packice/fruina/errs"
)

// Kind identifies which concrete backend a Blob uses.
type Kind int

const (
	// Mem backs a Blob with an anonymous shared-memory region.
	Mem Kind = iota
	// File backs a Blob with a regular file on a local filesystem.
	File
	// SharedFs backs a Blob with a file on a filesystem mounted by multiple
	// hosts, with an on-disk header recording seal state.
	SharedFs
	// Archive backs a Blob with a durable, write-once mirror in Azure Blob
	// Storage. Archive blobs are never opened for write directly by a
	// client; they are populated by a peer's background mover.
	Archive
)

func (k Kind) String() string {
	switch k {
	case Mem:
		return "Mem"
	case File:
		return "File"
	case SharedFs:
		return "SharedFs"
	case Archive:
		return "Archive"
	}
	return "Unknown"
}

// Spec describes a blob to allocate for a CREATING object.
type Spec struct {
	Kind Kind
	Size int64
}

// Handle is an exportable reference to a Blob's bytes that lets a client do
// direct I/O without going through the peer. Kind says which of FD, Path or
// URL is meaningful; Length is set alongside it.
type Handle struct {
	Kind Kind

	// FD is a raw, freshly-dup'd file descriptor for a Mem blob. Only
	// meaningful process-locally or immediately after SCM_RIGHTS transfer.
	FD int

	// Path is an absolute filesystem path for a File or SharedFs blob.
	Path string

	// Offset/Length bound the blob's bytes within Path, for backends that
	// pack multiple blobs into one file. Zero Length means "whole file".
	Offset int64
	Length int64

	// URL is a remote-fetch token for an Archive blob.
	URL string
}

// Blob is the capability set every backend implements: open-for-write,
// write-range, read-range, seal, export-handle, close.
type Blob interface {
	io.ReaderAt
	io.WriterAt

	// Size returns the blob's declared size in bytes.
	Size() int64

	// Sealed reports whether the blob has been sealed.
	Sealed() bool

	// Seal flushes pending writes and marks the blob read-only. Sealing an
	// already-sealed blob is a no-op.
	Seal() error

	// Handle exports a Handle usable by a client for direct I/O. Returns
	// errs.Gone if the blob has been destroyed.
	Handle() (Handle, error)

	// Close releases any backend resources (open files, mappings) held by
	// this process for the blob. Close does not destroy the underlying
	// bytes; see Backend.Destroy for that.
	Close() error
}

// Backend allocates and destroys Blobs of one Kind.
type Backend interface {
	Kind() Kind

	// Create allocates a new, unsealed Blob of the given size.
	Create(objid string, index int, size int64) (Blob, error)

	// Open opens an existing (necessarily sealed, for all but the owning
	// writer) Blob previously created by this backend.
	Open(objid string, index int) (Blob, error)

	// Destroy removes all storage for a blob. Subsequent Open/Handle calls
	// return errs.Gone.
	Destroy(objid string, index int) error
}

// sealViolation is the canonical error for a write against a sealed blob.
func sealViolation(kind Kind) error {
	return errs.New(errs.SealViolation, "%s blob is sealed, write rejected", kind)
}

// goneErr is the canonical error for operating on a destroyed blob.
func goneErr(kind Kind, objid string) error {
	return errs.New(errs.Gone, "%s blob for object %q no longer exists", kind, objid)
}
