package transport

import (
	"github.com/packice/fruina/lease"
	"github.com/packice/fruina/peer"
)

// Direct is a zero-copy, in-process Adapter: every call is a native method
// call on the wrapped Peer, no serialization and no network involved. It
// guarantees identical semantics to calling the Peer directly, the same
// pass-through posture the teacher's cache.FS.ReadFile gives its own cache
// layer before falling through to storage.
type Direct struct {
	peer *peer.Peer
}

// NewDirect wraps p as an Adapter.
func NewDirect(p *peer.Peer) *Direct {
	return &Direct{peer: p}
}

func (d *Direct) Acquire(objid string, flags lease.AccessFlags, opts peer.AcquireOpts) (lease.Lease, peer.Snapshot, error) {
	return d.peer.Acquire(objid, flags, opts)
}

func (d *Direct) Seal(id lease.ID) (peer.Snapshot, error) {
	return d.peer.Seal(id)
}

func (d *Direct) Discard(id lease.ID) error {
	return d.peer.Discard(id)
}

func (d *Direct) Release(id lease.ID) error {
	return d.peer.Release(id)
}

func (d *Direct) Close() error {
	return d.peer.Close()
}
