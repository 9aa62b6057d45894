package transport

import (
	"net/http"
	"time"

	"github.com/packice/fruina/blob"
	"github.com/packice/fruina/errs"
	"github.com/packice/fruina/peer"
	"github.com/packice/fruina/transport/wire"
)

// ToWireSnapshot converts a peer.Snapshot to its JSON wire form. withFD
// controls whether Mem-blob handles report HasFD (only meaningful for the
// uds transport, which passes the fd out of band and fills it in itself).
func ToWireSnapshot(s peer.Snapshot, withFD bool) *wire.SnapshotWire {
	blobs := make([]wire.BlobWire, len(s.Blobs))
	for i, b := range s.Blobs {
		blobs[i] = wire.BlobWire{
			Kind:   b.Handle.Kind.String(),
			Size:   b.Size,
			Sealed: b.Sealed,
			Path:   b.Handle.Path,
			Offset: b.Handle.Offset,
			Length: b.Handle.Length,
			URL:    b.Handle.URL,
			HasFD:  withFD && b.Handle.Kind == blob.Mem,
		}
	}
	return &wire.SnapshotWire{
		ObjectID:     s.ObjectID,
		State:        s.State.String(),
		Blobs:        blobs,
		Metadata:     s.Metadata,
		PrevObjectID: s.PrevObjectID,
	}
}

// ToWireError converts any error into its wire form, defaulting to Internal
// for an error that isn't an *errs.Error.
func ToWireError(err error) *wire.ErrorWire {
	if err == nil {
		return nil
	}
	return &wire.ErrorWire{Kind: errs.KindOf(err).String(), Message: err.Error()}
}

// FromWireError reconstructs an error carrying w's Kind, for a client that
// received it over the wire.
func FromWireError(w *wire.ErrorWire) error {
	if w == nil {
		return nil
	}
	return errs.New(kindFromString(w.Kind), "%s", w.Message)
}

// StatusForKind maps an errs.Kind to the HTTP status SPEC_FULL §6 mandates
// for it, so an error response carries real status-line information instead
// of always answering 200.
func StatusForKind(k errs.Kind) int {
	switch k {
	case errs.NotFound:
		return http.StatusNotFound
	case errs.Exists, errs.SealViolation:
		return http.StatusConflict
	case errs.NotReady:
		return http.StatusLocked
	case errs.Forbidden:
		return http.StatusForbidden
	case errs.Full:
		return http.StatusInsufficientStorage
	case errs.Gone:
		return http.StatusGone
	case errs.InvalidLease:
		return http.StatusBadRequest
	case errs.TransportError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func kindFromString(s string) errs.Kind {
	for k := errs.Internal; k <= errs.TransportError; k++ {
		if k.String() == s {
			return k
		}
	}
	return errs.Internal
}

// ToAcquireOpts builds peer.AcquireOpts from a wire.AcquireRequest.
func ToAcquireOpts(r wire.AcquireRequest) peer.AcquireOpts {
	var ttl time.Duration
	if r.TTLSeconds > 0 {
		ttl = time.Duration(r.TTLSeconds * float64(time.Second))
	}
	return peer.AcquireOpts{
		TTL:          ttl,
		BlobSpecs:    r.BlobSpecs,
		Metadata:     r.Metadata,
		PrevObjectID: r.PrevObjectID,
	}
}
