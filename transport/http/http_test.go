package fruinahttp

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/packice/fruina/blob"
	"github.com/packice/fruina/lease"
	"github.com/packice/fruina/peer"
	"github.com/packice/fruina/transport/wire"
)

func newTestServer(t *testing.T) (*Client, *httptest.Server, func()) {
	t.Helper()
	backend := blob.NewMemBackend()
	store := lease.NewMemstore()
	p, err := peer.New(backend, store)
	if err != nil {
		t.Fatalf("peer.New() err = %s, want nil", err)
	}

	srv := NewServer(p, "unused")
	ts := httptest.NewServer(srv.srv.Handler)

	client := NewClient(ts.URL)
	return client, ts, func() {
		ts.Close()
		p.Close()
	}
}

func TestHTTPAcquireCreateSealRead(t *testing.T) {
	client, _, cleanup := newTestServer(t)
	defer cleanup()

	l, snap, err := client.Acquire("obj1", lease.Create, peer.AcquireOpts{
		TTL:       30 * time.Second,
		BlobSpecs: []int64{5},
	})
	if err != nil {
		t.Fatalf("Acquire(CREATE) err = %s, want nil", err)
	}
	if len(snap.Blobs) != 1 {
		t.Fatalf("Acquire(CREATE) blobs = %d, want 1", len(snap.Blobs))
	}

	sealed, err := client.Seal(l.ID)
	if err != nil {
		t.Fatalf("Seal() err = %s, want nil", err)
	}
	if sealed.State != peer.Sealed {
		t.Fatalf("Seal() state = %s, want Sealed", sealed.State)
	}

	rl, rsnap, err := client.Acquire("obj1", lease.Read, peer.AcquireOpts{TTL: 30 * time.Second})
	if err != nil {
		t.Fatalf("Acquire(READ) err = %s, want nil", err)
	}
	if rsnap.State != peer.Sealed {
		t.Fatalf("Acquire(READ) state = %s, want Sealed", rsnap.State)
	}

	if err := client.Release(rl.ID); err != nil {
		t.Fatalf("Release() err = %s, want nil", err)
	}
}

func TestHTTPSealIsIdempotentAcrossCalls(t *testing.T) {
	client, _, cleanup := newTestServer(t)
	defer cleanup()

	l, _, err := client.Acquire("obj2", lease.Create, peer.AcquireOpts{TTL: 30 * time.Second, BlobSpecs: []int64{4}})
	if err != nil {
		t.Fatalf("Acquire(CREATE) err = %s, want nil", err)
	}

	if _, err := client.Seal(l.ID); err != nil {
		t.Fatalf("Seal() err = %s, want nil", err)
	}
	// A second Seal against the same (now read) lease must still succeed
	// (Seal is defined as idempotent on an already-sealed object).
	if _, err := client.Seal(l.ID); err != nil {
		t.Fatalf("Seal() second call err = %s, want nil", err)
	}
}

func TestHTTPReleaseIdempotencyKeyReplaysSameResponse(t *testing.T) {
	client, ts, cleanup := newTestServer(t)
	defer cleanup()

	l, _, err := client.Acquire("obj3", lease.Create, peer.AcquireOpts{TTL: 30 * time.Second, BlobSpecs: []int64{4}})
	if err != nil {
		t.Fatalf("Acquire(CREATE) err = %s, want nil", err)
	}
	if _, err := client.Seal(l.ID); err != nil {
		t.Fatalf("Seal() err = %s, want nil", err)
	}

	postRelease := func(key string) wire.StatusResponse {
		t.Helper()
		body, _ := json.Marshal(wire.LeaseRequest{LeaseID: string(l.ID)})
		req, err := http.NewRequest(http.MethodPost, ts.URL+"/release", bytes.NewReader(body))
		if err != nil {
			t.Fatalf("NewRequest() err = %s, want nil", err)
		}
		req.Header.Set(idempotencyKeyHeader, key)
		resp, err := ts.Client().Do(req)
		if err != nil {
			t.Fatalf("Do() err = %s, want nil", err)
		}
		defer resp.Body.Close()
		var out wire.StatusResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			t.Fatalf("decode response err = %s, want nil", err)
		}
		return out
	}

	first := postRelease("same-key")
	if !first.OK {
		t.Fatalf("first release OK = false, want true")
	}

	// A second request using the same idempotency key must replay the first
	// response rather than running Release again (which would otherwise
	// answer InvalidLease, since the lease is already gone).
	second := postRelease("same-key")
	if first != second {
		t.Fatalf("replayed response %+v != original %+v", second, first)
	}
}
