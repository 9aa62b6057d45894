package resolver

import (
	"testing"
	"time"

	"github.com/packice/fruina/blob"
	"github.com/packice/fruina/lease"
	"github.com/packice/fruina/peer"
	"github.com/packice/fruina/transport"
)

// staticResolver is a fixed, in-memory Resolver used by tests in place of
// the LAN or Redis implementations, which need a network or a live Redis
// instance.
type staticResolver struct {
	endpoints map[string][]PeerEndpoint
}

func newStaticResolver() *staticResolver {
	return &staticResolver{endpoints: make(map[string][]PeerEndpoint)}
}

func (s *staticResolver) Lookup(objid string) ([]PeerEndpoint, error) {
	return s.endpoints[objid], nil
}

func (s *staticResolver) Register(objid string, self PeerEndpoint) error {
	s.endpoints[objid] = append(s.endpoints[objid], self)
	return nil
}

func (s *staticResolver) Unregister(objid string, dial string) error {
	var kept []PeerEndpoint
	for _, e := range s.endpoints[objid] {
		if e.Dial != dial {
			kept = append(kept, e)
		}
	}
	s.endpoints[objid] = kept
	return nil
}

func newTestPeer(t *testing.T) *peer.Peer {
	t.Helper()
	p, err := peer.New(blob.NewMemBackend(), lease.NewMemstore())
	if err != nil {
		t.Fatalf("peer.New() err = %s, want nil", err)
	}
	return p
}

// sharedAdapter hands FetchOnMiss a test-owned peer without letting its
// deferred Close on the dialed adapter shut that peer down.
type sharedAdapter struct{ transport.Adapter }

func (sharedAdapter) Close() error { return nil }

func TestFetchOnMissCopiesFromFirstHoldingCandidate(t *testing.T) {
	p2 := newTestPeer(t)
	defer p2.Close()
	p3 := newTestPeer(t)
	defer p3.Close()
	p1 := newTestPeer(t)
	defer p1.Close()

	l, _, err := p3.Acquire("c", lease.Create, peer.AcquireOpts{TTL: 30 * time.Second, BlobSpecs: []int64{5}})
	if err != nil {
		t.Fatalf("Acquire(CREATE) on p3 err = %s, want nil", err)
	}
	if _, err := p3.Seal(l.ID); err != nil {
		t.Fatalf("Seal on p3 err = %s, want nil", err)
	}

	res := newStaticResolver()
	res.endpoints["c"] = []PeerEndpoint{{Dial: "memory://p2", Source: SourceStatic}, {Dial: "memory://p3", Source: SourceStatic}}

	dial := func(d string) (transport.Adapter, error) {
		switch d {
		case "memory://p2":
			return sharedAdapter{transport.NewDirect(p2)}, nil
		case "memory://p3":
			return sharedAdapter{transport.NewDirect(p3)}, nil
		}
		t.Fatalf("unexpected dial %s", d)
		return nil, nil
	}

	fom := &FetchOnMiss{Resolver: res, Local: p1, Dial: dial, SelfEndpoint: "memory://p1"}
	fetched, snap, err := fom.Fetch("c")
	if err != nil {
		t.Fatalf("Fetch() err = %s, want nil", err)
	}
	if snap.State != peer.Sealed {
		t.Fatalf("Fetch() state = %s, want Sealed", snap.State)
	}
	if len(snap.Blobs) != 1 || snap.Blobs[0].Size != 5 {
		t.Fatalf("Fetch() blobs = %+v, want one 5-byte blob", snap.Blobs)
	}

	// Local copy should now be directly readable without another fetch.
	rl, rsnap, err := p1.Acquire("c", lease.Read, peer.AcquireOpts{TTL: 30 * time.Second})
	if err != nil {
		t.Fatalf("local Acquire(READ) err = %s, want nil", err)
	}
	if rsnap.State != peer.Sealed {
		t.Fatalf("local Acquire(READ) state = %s, want Sealed", rsnap.State)
	}
	_ = p1.Release(rl.ID)
	_ = p1.Release(fetched.ID)
}

func TestFetchOnMissReturnsNotFoundWhenNoCandidateHolds(t *testing.T) {
	p1 := newTestPeer(t)
	defer p1.Close()

	res := newStaticResolver()
	fom := &FetchOnMiss{Resolver: res, Local: p1, Dial: func(string) (transport.Adapter, error) {
		t.Fatal("dial should not be called with zero candidates")
		return nil, nil
	}}

	if _, _, err := fom.Fetch("missing"); err == nil {
		t.Fatalf("Fetch() err = nil, want NotFound")
	}
}
