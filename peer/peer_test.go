package peer

import (
	"testing"
	"time"

	"github.com/kylelemons/godebug/pretty"

	"github.com/packice/fruina/blob"
	"github.com/packice/fruina/errs"
	"github.com/packice/fruina/lease"
)

func newTestPeer(t *testing.T, opts ...Option) *Peer {
	t.Helper()
	p, err := New(blob.NewMemBackend(), lease.NewMemstore(), opts...)
	if err != nil {
		t.Fatalf("New: got err == %s, want err == nil", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func createSealed(t *testing.T, p *Peer, objid string, content []byte) {
	t.Helper()
	l, snap, err := p.Acquire(objid, lease.Create, AcquireOpts{BlobSpecs: []int64{int64(len(content))}})
	if err != nil {
		t.Fatalf("Acquire(CREATE): got err == %s, want err == nil", err)
	}
	if len(snap.Blobs) != 1 {
		t.Fatalf("Acquire(CREATE): got %d blobs, want 1", len(snap.Blobs))
	}
	// write via a fresh Open on the backend directly isn't exposed; the
	// etoe tests exercise real byte writes. Here we only need the
	// lifecycle, so seal immediately and drop the sealer's hold.
	if _, err := p.Seal(l.ID); err != nil {
		t.Fatalf("Seal: got err == %s, want err == nil", err)
	}
	if err := p.Release(l.ID); err != nil {
		t.Fatalf("Release: got err == %s, want err == nil", err)
	}
}

func TestAcquireCreateThenExists(t *testing.T) {
	p := newTestPeer(t)

	l, _, err := p.Acquire("obj-1", lease.Create, AcquireOpts{BlobSpecs: []int64{10}})
	if err != nil {
		t.Fatalf("Acquire(CREATE): got err == %s, want err == nil", err)
	}

	if _, _, err := p.Acquire("obj-1", lease.Create, AcquireOpts{BlobSpecs: []int64{10}}); !errs.Is(err, errs.Exists) {
		t.Fatalf("Acquire(CREATE) on existing objid: got err == %v, want Exists", err)
	}

	if err := p.Release(l.ID); err != nil {
		t.Fatalf("Release: got err == %s, want err == nil", err)
	}

	// The unsealed object is now gone; a fresh create should succeed.
	if _, _, err := p.Acquire("obj-1", lease.Create, AcquireOpts{BlobSpecs: []int64{10}}); err != nil {
		t.Fatalf("Acquire(CREATE) after Release of unsealed object: got err == %s, want err == nil", err)
	}
}

func TestAcquireReadBeforeSealIsNotReady(t *testing.T) {
	p := newTestPeer(t)

	if _, _, err := p.Acquire("obj-1", lease.Create, AcquireOpts{BlobSpecs: []int64{10}}); err != nil {
		t.Fatalf("Acquire(CREATE): got err == %s, want err == nil", err)
	}

	if _, _, err := p.Acquire("obj-1", lease.Read, AcquireOpts{}); !errs.Is(err, errs.NotReady) {
		t.Fatalf("Acquire(READ) on CREATING object: got err == %v, want NotReady", err)
	}
}

func TestAcquireReadUnknownIsNotFound(t *testing.T) {
	p := newTestPeer(t)
	if _, _, err := p.Acquire("no-such", lease.Read, AcquireOpts{}); !errs.Is(err, errs.NotFound) {
		t.Fatalf("Acquire(READ) on unknown objid: got err == %v, want NotFound", err)
	}
}

func TestSealThenRead(t *testing.T) {
	p := newTestPeer(t)
	createSealed(t, p, "obj-1", []byte("hello"))

	l, snap, err := p.Acquire("obj-1", lease.Read, AcquireOpts{TTL: time.Minute})
	if err != nil {
		t.Fatalf("Acquire(READ): got err == %s, want err == nil", err)
	}
	if snap.State != Sealed {
		t.Fatalf("Acquire(READ): got state %s, want Sealed", snap.State)
	}
	if !snap.Blobs[0].Sealed {
		t.Fatalf("Acquire(READ): got blob sealed == false, want true")
	}

	if err := p.Release(l.ID); err != nil {
		t.Fatalf("Release: got err == %s, want err == nil", err)
	}
}

func TestAcquireCreateMetadataRoundTrip(t *testing.T) {
	p := newTestPeer(t)

	wantMeta := map[string][]byte{"content-type": []byte("text/plain"), "origin": []byte("obj-0")}
	l, _, err := p.Acquire("obj-1", lease.Create, AcquireOpts{
		BlobSpecs:    []int64{5},
		Metadata:     wantMeta,
		PrevObjectID: "obj-0",
	})
	if err != nil {
		t.Fatalf("Acquire(CREATE): got err == %s, want err == nil", err)
	}
	if _, err := p.Seal(l.ID); err != nil {
		t.Fatalf("Seal: got err == %s, want err == nil", err)
	}
	if err := p.Release(l.ID); err != nil {
		t.Fatalf("Release: got err == %s, want err == nil", err)
	}

	rl, snap, err := p.Acquire("obj-1", lease.Read, AcquireOpts{TTL: time.Minute})
	if err != nil {
		t.Fatalf("Acquire(READ): got err == %s, want err == nil", err)
	}
	defer p.Release(rl.ID)

	if diff := pretty.Compare(wantMeta, snap.Metadata); diff != "" {
		t.Fatalf("Acquire(READ) metadata: -want/+got:\n%s", diff)
	}
	if snap.PrevObjectID != "obj-0" {
		t.Fatalf("Acquire(READ) PrevObjectID = %q, want %q", snap.PrevObjectID, "obj-0")
	}
}

func TestSealIsIdempotent(t *testing.T) {
	p := newTestPeer(t)

	l, _, err := p.Acquire("obj-1", lease.Create, AcquireOpts{BlobSpecs: []int64{4}})
	if err != nil {
		t.Fatalf("Acquire(CREATE): got err == %s, want err == nil", err)
	}
	if _, err := p.Seal(l.ID); err != nil {
		t.Fatalf("Seal: got err == %s, want err == nil", err)
	}
	// Same lease is now a READ lease; sealing it again must still succeed.
	if _, err := p.Seal(l.ID); err != nil {
		t.Fatalf("Seal (second call, same lease): got err == %s, want err == nil", err)
	}
}

func TestDiscardRemovesCreatingObject(t *testing.T) {
	p := newTestPeer(t)

	l, _, err := p.Acquire("obj-1", lease.Create, AcquireOpts{BlobSpecs: []int64{4}})
	if err != nil {
		t.Fatalf("Acquire(CREATE): got err == %s, want err == nil", err)
	}
	if err := p.Discard(l.ID); err != nil {
		t.Fatalf("Discard: got err == %s, want err == nil", err)
	}
	if _, _, err := p.Acquire("obj-1", lease.Read, AcquireOpts{}); !errs.Is(err, errs.NotFound) {
		t.Fatalf("Acquire(READ) after Discard: got err == %v, want NotFound", err)
	}
}

func TestDiscardForbiddenOnSealedObject(t *testing.T) {
	p := newTestPeer(t)
	createSealed(t, p, "obj-1", []byte("x"))

	l, _, err := p.Acquire("obj-1", lease.Read, AcquireOpts{TTL: time.Minute})
	if err != nil {
		t.Fatalf("Acquire(READ): got err == %s, want err == nil", err)
	}
	if err := p.Discard(l.ID); !errs.Is(err, errs.Forbidden) {
		t.Fatalf("Discard on READ lease over sealed object: got err == %v, want Forbidden", err)
	}
}

func TestEvictionUnderCapacity(t *testing.T) {
	p := newTestPeer(t, WithMaxBytes(10))
	createSealed(t, p, "obj-1", make([]byte, 6))

	// obj-1 is sealed and held by nobody: it is eviction-eligible, so a
	// second create that needs the remaining capacity should evict it.
	l, _, err := p.Acquire("obj-2", lease.Create, AcquireOpts{BlobSpecs: []int64{8}})
	if err != nil {
		t.Fatalf("Acquire(CREATE) triggering eviction: got err == %s, want err == nil", err)
	}
	if err := p.Release(l.ID); err != nil {
		t.Fatalf("Release: got err == %s, want err == nil", err)
	}

	if _, _, err := p.Acquire("obj-1", lease.Read, AcquireOpts{}); !errs.Is(err, errs.NotFound) {
		t.Fatalf("Acquire(READ) on evicted object: got err == %v, want NotFound", err)
	}
}

func TestAcquireCreateFullWithNoCandidate(t *testing.T) {
	p := newTestPeer(t, WithMaxBytes(4))

	l, _, err := p.Acquire("obj-1", lease.Create, AcquireOpts{BlobSpecs: []int64{4}})
	if err != nil {
		t.Fatalf("Acquire(CREATE): got err == %s, want err == nil", err)
	}
	// obj-1 is still CREATING (held), so it is not an eviction candidate.
	if _, _, err := p.Acquire("obj-2", lease.Create, AcquireOpts{BlobSpecs: []int64{4}}); !errs.Is(err, errs.Full) {
		t.Fatalf("Acquire(CREATE) with no eviction candidate: got err == %v, want Full", err)
	}
	if err := p.Release(l.ID); err != nil {
		t.Fatalf("Release: got err == %s, want err == nil", err)
	}
}

type fakeRegistrar struct {
	unregistered []string
}

func (f *fakeRegistrar) Unregister(objid string, endpoint string) error {
	f.unregistered = append(f.unregistered, objid)
	return nil
}

func TestDiscardBestEffortUnregisters(t *testing.T) {
	reg := &fakeRegistrar{}
	p := newTestPeer(t, WithRegistrar(reg, "memory://self"))

	l, _, err := p.Acquire("obj-1", lease.Create, AcquireOpts{BlobSpecs: []int64{4}})
	if err != nil {
		t.Fatalf("Acquire(CREATE): got err == %s, want err == nil", err)
	}
	if err := p.Discard(l.ID); err != nil {
		t.Fatalf("Discard: got err == %s, want err == nil", err)
	}

	deadline := time.Now().Add(time.Second)
	for len(reg.unregistered) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if len(reg.unregistered) != 1 || reg.unregistered[0] != "obj-1" {
		t.Fatalf("Discard: got unregistered == %v, want [obj-1]", reg.unregistered)
	}
}
