package peer

import (
	"time"

	"github.com/packice/fruina/blob"
)

// State is an Object's lifecycle state.
type State int

const (
	// Creating is the state of an object between Acquire(CREATE) and Seal.
	Creating State = iota
	// Sealed is the state of an object once its writer has called Seal.
	Sealed
)

func (s State) String() string {
	if s == Sealed {
		return "Sealed"
	}
	return "Creating"
}

// object is the peer core's internal record for one ObjectID. Every field is
// guarded by the owning Peer's mutex; object itself has no lock.
type object struct {
	id    string
	state State

	blobs     []blob.Blob
	blobSpecs []int64
	metadata  map[string][]byte
	prevObjID string

	createdAt     time.Time
	sealedAt      time.Time
	lastAcquireAt time.Time
	holdCount     int
}

// BlobDescriptor is the client-facing view of one of an object's blobs.
type BlobDescriptor struct {
	Size   int64
	Sealed bool
	Handle blob.Handle
}

// Snapshot is the client-facing, immutable view of an object returned from
// Acquire.
type Snapshot struct {
	ObjectID     string
	State        State
	Blobs        []BlobDescriptor
	Metadata     map[string][]byte
	PrevObjectID string
}

func (o *object) snapshot() (Snapshot, error) {
	descs := make([]BlobDescriptor, len(o.blobs))
	for i, b := range o.blobs {
		h, err := b.Handle()
		if err != nil {
			return Snapshot{}, err
		}
		descs[i] = BlobDescriptor{Size: b.Size(), Sealed: b.Sealed(), Handle: h}
	}

	md := make(map[string][]byte, len(o.metadata))
	for k, v := range o.metadata {
		md[k] = v
	}

	return Snapshot{
		ObjectID:     o.id,
		State:        o.state,
		Blobs:        descs,
		Metadata:     md,
		PrevObjectID: o.prevObjID,
	}, nil
}

// totalSize sums the declared size of every blob the object owns, used by
// the peer's capacity accounting and eviction policy.
func (o *object) totalSize() int64 {
	var n int64
	for _, sz := range o.blobSpecs {
		n += sz
	}
	return n
}
