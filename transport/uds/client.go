package uds

import (
	"encoding/json"
	"net"
	"sync"

	"github.com/packice/fruina/blob"
	"github.com/packice/fruina/errs"
	"github.com/packice/fruina/lease"
	"github.com/packice/fruina/peer"
	"github.com/packice/fruina/transport"
	"github.com/packice/fruina/transport/wire"
)

// Client is a transport.Adapter that talks to a Server over a Unix domain
// socket. One Client owns one connection; requests issued from multiple
// goroutines are serialized onto it by an internal mutex, matching the
// server's own per-connection serialization.
type Client struct {
	mu   sync.Mutex
	conn *net.UnixConn
}

// Dial connects to a Server listening on sockPath.
func Dial(sockPath string) (*Client, error) {
	addr, err := net.ResolveUnixAddr("unix", sockPath)
	if err != nil {
		return nil, errs.Wrap(errs.TransportError, err, "resolving uds address %s", sockPath)
	}
	conn, err := net.DialUnix("unix", nil, addr)
	if err != nil {
		return nil, errs.Wrap(errs.TransportError, err, "dialing %s", sockPath)
	}
	return &Client{conn: conn}, nil
}

func (c *Client) roundTrip(op string, req interface{}, fds []int) (json.RawMessage, []int, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, nil, errs.Wrap(errs.TransportError, err, "marshaling %s request", op)
	}
	out, err := json.Marshal(envelope{Op: op, Body: body})
	if err != nil {
		return nil, nil, errs.Wrap(errs.TransportError, err, "marshaling %s envelope", op)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := writeFrame(c.conn, out, fds); err != nil {
		return nil, nil, errs.Wrap(errs.TransportError, err, "sending %s request", op)
	}
	payload, respFDs, err := readFrame(c.conn)
	if err != nil {
		return nil, nil, errs.Wrap(errs.TransportError, err, "reading %s response", op)
	}

	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, nil, errs.Wrap(errs.TransportError, err, "decoding %s response envelope", op)
	}
	return env.Body, respFDs, nil
}

func fromWireSnapshot(w *wire.SnapshotWire, fds []int) peer.Snapshot {
	if w == nil {
		return peer.Snapshot{}
	}
	blobs := make([]peer.BlobDescriptor, len(w.Blobs))
	fdIdx := 0
	for i, bw := range w.Blobs {
		h := blob.Handle{
			Path:   bw.Path,
			Offset: bw.Offset,
			Length: bw.Length,
			URL:    bw.URL,
		}
		switch bw.Kind {
		case blob.Mem.String():
			h.Kind = blob.Mem
		case blob.File.String():
			h.Kind = blob.File
		case blob.SharedFs.String():
			h.Kind = blob.SharedFs
		case blob.Archive.String():
			h.Kind = blob.Archive
		}
		if bw.HasFD && fdIdx < len(fds) {
			h.FD = fds[fdIdx]
			fdIdx++
		}
		blobs[i] = peer.BlobDescriptor{Size: bw.Size, Sealed: bw.Sealed, Handle: h}
	}

	var state peer.State
	if w.State == peer.Sealed.String() {
		state = peer.Sealed
	}

	return peer.Snapshot{
		ObjectID:     w.ObjectID,
		State:        state,
		Blobs:        blobs,
		Metadata:     w.Metadata,
		PrevObjectID: w.PrevObjectID,
	}
}

// Acquire implements transport.Adapter.
func (c *Client) Acquire(objid string, flags lease.AccessFlags, opts peer.AcquireOpts) (lease.Lease, peer.Snapshot, error) {
	req := wire.AcquireRequest{
		ObjectID:     objid,
		Flags:        int(flags),
		TTLSeconds:   opts.TTL.Seconds(),
		BlobSpecs:    opts.BlobSpecs,
		Metadata:     opts.Metadata,
		PrevObjectID: opts.PrevObjectID,
	}
	body, fds, err := c.roundTrip(opAcquire, req, nil)
	if err != nil {
		return lease.Lease{}, peer.Snapshot{}, err
	}

	var resp wire.AcquireResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return lease.Lease{}, peer.Snapshot{}, errs.Wrap(errs.TransportError, err, "decoding acquire response")
	}
	if resp.Error != nil {
		return lease.Lease{}, peer.Snapshot{}, transport.FromWireError(resp.Error)
	}

	return lease.Lease{ID: lease.ID(resp.LeaseID)}, fromWireSnapshot(resp.Snapshot, fds), nil
}

// Seal implements transport.Adapter.
func (c *Client) Seal(id lease.ID) (peer.Snapshot, error) {
	body, fds, err := c.roundTrip(opSeal, wire.LeaseRequest{LeaseID: string(id)}, nil)
	if err != nil {
		return peer.Snapshot{}, err
	}
	var resp wire.SealResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return peer.Snapshot{}, errs.Wrap(errs.TransportError, err, "decoding seal response")
	}
	if resp.Error != nil {
		return peer.Snapshot{}, transport.FromWireError(resp.Error)
	}
	return fromWireSnapshot(resp.Snapshot, fds), nil
}

// Discard implements transport.Adapter.
func (c *Client) Discard(id lease.ID) error {
	return c.statusCall(opDiscard, id)
}

// Release implements transport.Adapter.
func (c *Client) Release(id lease.ID) error {
	return c.statusCall(opRelease, id)
}

func (c *Client) statusCall(op string, id lease.ID) error {
	body, _, err := c.roundTrip(op, wire.LeaseRequest{LeaseID: string(id)}, nil)
	if err != nil {
		return err
	}
	var resp wire.StatusResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return errs.Wrap(errs.TransportError, err, "decoding %s response", op)
	}
	if resp.Error != nil {
		return transport.FromWireError(resp.Error)
	}
	return nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
