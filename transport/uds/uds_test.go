package uds

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/packice/fruina/blob"
	"github.com/packice/fruina/lease"
	"github.com/packice/fruina/peer"
)

func newTestServer(t *testing.T) (*Server, string, func()) {
	t.Helper()
	backend := blob.NewMemBackend()
	store := lease.NewMemstore()
	p, err := peer.New(backend, store)
	if err != nil {
		t.Fatalf("peer.New() err = %s, want nil", err)
	}

	sockPath := filepath.Join(t.TempDir(), "fruina.sock")
	srv, err := NewServer(p, sockPath)
	if err != nil {
		t.Fatalf("NewServer() err = %s, want nil", err)
	}
	return srv, sockPath, func() {
		srv.Close()
		p.Close()
	}
}

func TestClientAcquireCreateSealRead(t *testing.T) {
	srv, sockPath, cleanup := newTestServer(t)
	defer cleanup()
	_ = srv

	writer, err := Dial(sockPath)
	if err != nil {
		t.Fatalf("Dial() err = %s, want nil", err)
	}
	defer writer.Close()

	l, snap, err := writer.Acquire("obj1", lease.Create, peer.AcquireOpts{
		TTL:       30 * time.Second,
		BlobSpecs: []int64{5},
	})
	if err != nil {
		t.Fatalf("Acquire(CREATE) err = %s, want nil", err)
	}
	if len(snap.Blobs) != 1 {
		t.Fatalf("Acquire(CREATE) blobs = %d, want 1", len(snap.Blobs))
	}
	if snap.Blobs[0].Handle.FD < 0 {
		t.Fatalf("Acquire(CREATE) blob fd = %d, want a valid fd", snap.Blobs[0].Handle.FD)
	}

	sealed, err := writer.Seal(l.ID)
	if err != nil {
		t.Fatalf("Seal() err = %s, want nil", err)
	}
	if sealed.State != peer.Sealed {
		t.Fatalf("Seal() state = %s, want Sealed", sealed.State)
	}

	reader, err := Dial(sockPath)
	if err != nil {
		t.Fatalf("Dial() err = %s, want nil", err)
	}
	defer reader.Close()

	rl, rsnap, err := reader.Acquire("obj1", lease.Read, peer.AcquireOpts{TTL: 30 * time.Second})
	if err != nil {
		t.Fatalf("Acquire(READ) err = %s, want nil", err)
	}
	if rsnap.State != peer.Sealed {
		t.Fatalf("Acquire(READ) state = %s, want Sealed", rsnap.State)
	}
	if rsnap.Blobs[0].Handle.FD < 0 {
		t.Fatalf("Acquire(READ) blob fd = %d, want a valid fd", rsnap.Blobs[0].Handle.FD)
	}

	if err := reader.Release(rl.ID); err != nil {
		t.Fatalf("Release() err = %s, want nil", err)
	}
}

func TestClientDisconnectReleasesLeases(t *testing.T) {
	srv, sockPath, cleanup := newTestServer(t)
	defer cleanup()

	c, err := Dial(sockPath)
	if err != nil {
		t.Fatalf("Dial() err = %s, want nil", err)
	}

	l, _, err := c.Acquire("obj2", lease.Create, peer.AcquireOpts{TTL: 30 * time.Second, BlobSpecs: []int64{1}})
	if err != nil {
		t.Fatalf("Acquire(CREATE) err = %s, want nil", err)
	}
	if _, err := c.Seal(l.ID); err != nil {
		t.Fatalf("Seal() err = %s, want nil", err)
	}

	c.Close()

	// give the server's conn-teardown goroutine a moment to observe EOF and
	// release the lease it tracked for this session.
	time.Sleep(50 * time.Millisecond)

	c2, err := Dial(sockPath)
	if err != nil {
		t.Fatalf("Dial() err = %s, want nil", err)
	}
	defer c2.Close()

	if _, _, err := c2.Acquire("obj2", lease.Read, peer.AcquireOpts{TTL: 30 * time.Second}); err != nil {
		t.Fatalf("Acquire(READ) after disconnect err = %s, want nil", err)
	}
}
