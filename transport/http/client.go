package fruinahttp

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/packice/fruina/blob"
	"github.com/packice/fruina/errs"
	"github.com/packice/fruina/lease"
	"github.com/packice/fruina/peer"
	"github.com/packice/fruina/transport"
	"github.com/packice/fruina/transport/wire"
)

// Client is a transport.Adapter that talks to a Server over HTTP.
type Client struct {
	baseURL string
	hc      *http.Client
}

// NewClient builds a Client against a Server listening at baseURL (e.g.
// "http://peer-3:8080").
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		hc:      &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) post(ctx context.Context, path string, req, resp interface{}, idempotent bool) error {
	body, err := json.Marshal(req)
	if err != nil {
		return errs.Wrap(errs.TransportError, err, "marshaling %s request", path)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return errs.Wrap(errs.TransportError, err, "building %s request", path)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if idempotent {
		httpReq.Header.Set(idempotencyKeyHeader, uuid.NewString())
	}

	httpResp, err := c.hc.Do(httpReq)
	if err != nil {
		return errs.Wrap(errs.TransportError, err, "calling %s", path)
	}
	defer httpResp.Body.Close()

	// The server sets its status line from the error Kind (400/403/404/409/
	// 423/507/410/502/500), but the body always carries the {error:{kind,message}}
	// wire struct a caller here already knows how to interpret, so status is
	// informational to any other HTTP client and not re-checked here.
	if err := json.NewDecoder(httpResp.Body).Decode(resp); err != nil {
		return errs.Wrap(errs.TransportError, err, "decoding %s response", path)
	}
	return nil
}

func fromWireSnapshot(w *wire.SnapshotWire) peer.Snapshot {
	if w == nil {
		return peer.Snapshot{}
	}
	blobs := make([]peer.BlobDescriptor, len(w.Blobs))
	for i, bw := range w.Blobs {
		h := blob.Handle{FD: -1, Path: bw.Path, Offset: bw.Offset, Length: bw.Length, URL: bw.URL}
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
	var resp wire.AcquireResponse
	if err := c.post(context.Background(), "/acquire", req, &resp, false); err != nil {
		return lease.Lease{}, peer.Snapshot{}, err
	}
	if resp.Error != nil {
		return lease.Lease{}, peer.Snapshot{}, transport.FromWireError(resp.Error)
	}
	return lease.Lease{ID: lease.ID(resp.LeaseID)}, fromWireSnapshot(resp.Snapshot), nil
}

// Seal implements transport.Adapter. Each call sends a newly generated
// idempotency key, so the server deduplicates only a repeat delivery of that
// same request; a second Seal call is a new request.
func (c *Client) Seal(id lease.ID) (peer.Snapshot, error) {
	var resp wire.SealResponse
	if err := c.post(context.Background(), "/seal", wire.LeaseRequest{LeaseID: string(id)}, &resp, true); err != nil {
		return peer.Snapshot{}, err
	}
	if resp.Error != nil {
		return peer.Snapshot{}, transport.FromWireError(resp.Error)
	}
	return fromWireSnapshot(resp.Snapshot), nil
}

// Discard implements transport.Adapter.
func (c *Client) Discard(id lease.ID) error {
	var resp wire.StatusResponse
	if err := c.post(context.Background(), "/discard", wire.LeaseRequest{LeaseID: string(id)}, &resp, false); err != nil {
		return err
	}
	if resp.Error != nil {
		return transport.FromWireError(resp.Error)
	}
	return nil
}

// Release implements transport.Adapter. Like Seal, each call sends a newly
// generated idempotency key; a second Release call is a new request.
func (c *Client) Release(id lease.ID) error {
	var resp wire.StatusResponse
	if err := c.post(context.Background(), "/release", wire.LeaseRequest{LeaseID: string(id)}, &resp, true); err != nil {
		return err
	}
	if resp.Error != nil {
		return transport.FromWireError(resp.Error)
	}
	return nil
}

// Close releases the client's idle connections.
func (c *Client) Close() error {
	c.hc.CloseIdleConnections()
	return nil
}
