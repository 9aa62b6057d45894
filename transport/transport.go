// Package transport declares the adapter contract that direct, uds and http
// all implement: a thin pass-through to a peer.Peer, never a reimplementation
// of its semantics.
package transport

import (
	"github.com/packice/fruina/lease"
	"github.com/packice/fruina/peer"
)

// Adapter is the capability set every transport exposes to a client,
// regardless of how the bytes get to the peer holding the object.
type Adapter interface {
	Acquire(objid string, flags lease.AccessFlags, opts peer.AcquireOpts) (lease.Lease, peer.Snapshot, error)
	Seal(id lease.ID) (peer.Snapshot, error)
	Discard(id lease.ID) error
	Release(id lease.ID) error
	Close() error
}
