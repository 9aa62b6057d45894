// Package errs defines the closed error taxonomy shared by every component of
// the peer: blob backends, the lease store, the peer core, transports and the
// resolver all surface failures as an *Error with one of the Kind values below.
package errs

import "fmt"

// Kind is a closed set of abstract error categories. New values are never added
// without updating every transport's wire-error mapping.
type Kind int

const (
	// Internal is an unclassified bug or a backend failure (lease store,
	// disk error). It is returned by the operation that hit the failure;
	// a peer has no degraded state, and later calls are attempted as usual.
	Internal Kind = iota
	// NotFound means the ObjectId is unknown to this peer.
	NotFound
	// Exists means CREATE was attempted against a known objid.
	Exists
	// NotReady means the object is still in the CREATING state.
	NotReady
	// Gone means the object was evicted or discarded while a handle to it
	// was still outstanding.
	Gone
	// InvalidLease means the lease id is unknown to the lease store or has
	// expired.
	InvalidLease
	// Forbidden means the operation isn't permitted by the lease's flags.
	Forbidden
	// SealViolation means a write was attempted against an already-sealed
	// blob.
	SealViolation
	// Full means the backend has no eviction candidate and cannot satisfy
	// an Acquire(CREATE).
	Full
	// TransportError means a network or serialization failure occurred
	// talking to a remote peer.
	TransportError
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "NotFound"
	case Exists:
		return "Exists"
	case NotReady:
		return "NotReady"
	case Gone:
		return "Gone"
	case InvalidLease:
		return "InvalidLease"
	case Forbidden:
		return "Forbidden"
	case SealViolation:
		return "SealViolation"
	case Full:
		return "Full"
	case TransportError:
		return "TransportError"
	case Internal:
		return "Internal"
	}
	return "Unknown"
}

// Error is the concrete error type returned by every package in this module.
// Use Is or As to test for a Kind rather than comparing messages.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates an *Error of kind k with a formatted message.
func New(k Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: k, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an *Error of kind k that carries cause as its Unwrap() target.
func Wrap(k Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: k, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Is reports whether err (or something it wraps) is an *Error of kind k.
func Is(err error, k Kind) bool {
	var e *Error
	for err != nil {
		if ae, ok := err.(*Error); ok {
			e = ae
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return e != nil && e.Kind == k
}

// KindOf extracts the Kind of err, defaulting to Internal if err is not (and
// does not wrap) an *Error.
func KindOf(err error) Kind {
	var e *Error
	cur := err
	for cur != nil {
		if ae, ok := cur.(*Error); ok {
			e = ae
			break
		}
		u, ok := cur.(interface{ Unwrap() error })
		if !ok {
			break
		}
		cur = u.Unwrap()
	}
	if e == nil {
		return Internal
	}
	return e.Kind
}
