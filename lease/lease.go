// Package lease is the sole source of truth for lease validity: every grant
// of access to an object's bytes is represented by a Lease minted here, and
// nowhere else tracks whether a lease is still good.
package lease

import (
	"time"

	"github.com/google/uuid"
	"github.com/packice/fruina/errs"
)

// AccessFlags is the set of capabilities a Lease grants.
type AccessFlags int

const (
	// Read grants read-range access to an object's sealed blobs.
	Read AccessFlags = 1 << iota
	// Write grants write-range access to an object's unsealed blobs.
	Write
	// Create implies Write and additionally permits sealing or discarding
	// the object the lease was issued against.
	Create
)

func (f AccessFlags) Has(bit AccessFlags) bool { return f&bit != 0 }

// MinTTL is the shortest TTL a caller may request; shorter durations are
// rejected rather than silently rounded up.
const MinTTL = time.Second

// ID is an opaque lease identifier, unique within a peer's lifetime.
type ID string

// NewID mints a fresh, random lease identifier.
func NewID() ID {
	return ID(uuid.NewString())
}

// Lease records one grant of access to ObjectID, valid until ExpiresAt (or
// indefinitely, if ExplicitRelease is set).
type Lease struct {
	ID       ID
	ObjectID string
	Flags    AccessFlags

	IssuedAt        time.Time
	ExpiresAt       time.Time
	ExplicitRelease bool
}

// Valid reports whether the lease is usable at instant now.
func (l Lease) Valid(now time.Time) bool {
	if l.ExplicitRelease {
		return true
	}
	return now.Before(l.ExpiresAt)
}

// Store is the sole source of truth for lease validity. Implementations:
// Memstore (in-process) and Redisstore (distributed).
type Store interface {
	// Issue mints and records a new lease. A zero ttl means explicit-release-only.
	Issue(objid string, flags AccessFlags, ttl time.Duration) (Lease, error)

	// Lookup returns the lease for id, or errs.NotFound if it is unknown,
	// expired, or already released.
	Lookup(id ID) (Lease, error)

	// Release removes id from the store. Releasing an unknown id is a no-op.
	Release(id ID) error

	// SetFlags replaces id's Flags in place, leaving ObjectID, IssuedAt and
	// expiry untouched, and returns the updated Lease. Used by Seal to
	// downgrade a WRITE/CREATE lease to READ without minting a new id.
	SetFlags(id ID, flags AccessFlags) (Lease, error)

	// SweepExpired removes every lease that has expired as of now and
	// returns their identifiers, so a caller can route each through its own
	// release path (e.g. decrementing an object's hold count).
	SweepExpired(now time.Time) ([]ID, error)
}

func validateTTL(ttl time.Duration) error {
	if ttl == 0 {
		return nil
	}
	if ttl < MinTTL {
		return errs.New(errs.Internal, "lease ttl %s is below the minimum %s", ttl, MinTTL)
	}
	return nil
}
