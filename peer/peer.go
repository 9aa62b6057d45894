// Package peer implements the object/lease state machine: Acquire, Seal,
// Discard and Release over a blob.Backend and a lease.Store. Transports
// (transport.Direct, transport/uds, transport/http) and the composite
// tiered.Tiered are adapters over this package; none of them reimplement its
// semantics.
package peer

import (
	"log"
	"sync"
	"time"

	"github.com/packice/fruina/blob"
	"github.com/packice/fruina/errs"
	"github.com/packice/fruina/lease"
	"golang.org/x/sync/singleflight"
)

// Logger is the minimum logging surface this package needs. It is declared
// locally (rather than imported from the root package) so peer never depends
// on the package that will end up depending on peer.
type Logger interface {
	Println(v ...interface{})
	Printf(format string, v ...interface{})
}

type stdLogger struct{}

func (stdLogger) Println(v ...interface{})               { log.Println(v...) }
func (stdLogger) Printf(format string, v ...interface{}) { log.Printf(format, v...) }

// Registrar is the subset of resolver.Redis/resolver.LAN that Peer needs for
// the defensive Discard-time unregister described in SPEC_FULL §4.C. It is
// optional; a Peer with no Registrar configured skips that step.
type Registrar interface {
	Unregister(objid string, endpoint string) error
}

// AcquireOpts carries the operation-specific fields of an Acquire call.
type AcquireOpts struct {
	TTL time.Duration

	// BlobSpecs gives the size of each blob to allocate; only used for CREATE.
	BlobSpecs []int64
	// Metadata is attached to the object at creation; only used for CREATE.
	Metadata map[string][]byte
	// PrevObjectID links this object to a prior one in a chain; only used
	// for CREATE.
	PrevObjectID string
}

// Option configures a Peer at construction time.
type Option func(*Peer) error

// WithMaxBytes caps the total declared size of blobs this peer will hold at
// once. Zero (the default) means unlimited.
func WithMaxBytes(n int64) Option {
	return func(p *Peer) error {
		p.maxBytes = n
		return nil
	}
}

// WithDefaultTTL sets the TTL applied to READ leases that don't specify one.
// Zero means explicit-release-only.
func WithDefaultTTL(d time.Duration) Option {
	return func(p *Peer) error {
		p.defaultTTL = d
		return nil
	}
}

// WithSweepInterval sets how often the background sweeper calls
// lease.Store.SweepExpired. Defaults to one second.
func WithSweepInterval(d time.Duration) Option {
	return func(p *Peer) error {
		p.sweepInterval = d
		return nil
	}
}

// WithLogger replaces the default stdlib logger.
func WithLogger(l Logger) Option {
	return func(p *Peer) error {
		p.logger = l
		return nil
	}
}

// WithRegistrar attaches a resolver Registrar so Discard can best-effort
// unregister this peer as a holder of an objid it is abandoning (see
// Discard).
func WithRegistrar(r Registrar, selfEndpoint string) Option {
	return func(p *Peer) error {
		p.registrar = r
		p.selfEndpoint = selfEndpoint
		return nil
	}
}

// leaseOwner is what Peer remembers about a lease it issued, so the
// background sweeper can run the correct cleanup for an expired lease
// without the lease store (which no longer has it once expired).
type leaseOwner struct {
	objid string
	flags lease.AccessFlags
	// sealer marks the lease Seal downgraded to READ, so a repeat Seal
	// through it can succeed as a no-op.
	sealer bool
}

// Peer is one peer's object/lease state machine over a single blob.Backend.
type Peer struct {
	backend blob.Backend
	leases  lease.Store

	maxBytes      int64
	defaultTTL    time.Duration
	sweepInterval time.Duration
	logger        Logger
	registrar     Registrar
	selfEndpoint  string

	mu          sync.Mutex
	objects     map[string]*object
	evictions   *evictionIndex
	usedBytes   int64
	leaseOwners map[lease.ID]leaseOwner

	sf singleflight.Group

	stopSweep chan struct{}
	sweepDone chan struct{}
}

// New creates a Peer backed by backend for blob storage and leases for
// lease tracking, then starts its background sweeper.
func New(backend blob.Backend, leases lease.Store, opts ...Option) (*Peer, error) {
	p := &Peer{
		backend:       backend,
		leases:        leases,
		sweepInterval: time.Second,
		logger:        stdLogger{},
		objects:       map[string]*object{},
		evictions:     newEvictionIndex(),
		leaseOwners:   map[lease.ID]leaseOwner{},
		stopSweep:     make(chan struct{}),
		sweepDone:     make(chan struct{}),
	}
	for _, o := range opts {
		if err := o(p); err != nil {
			return nil, err
		}
	}

	go p.sweepLoop()
	return p, nil
}

// Close stops the background sweeper. It does not close the backend or
// lease store, which callers may still own elsewhere.
func (p *Peer) Close() error {
	close(p.stopSweep)
	<-p.sweepDone
	return nil
}

func (p *Peer) sweepLoop() {
	defer close(p.sweepDone)

	t := time.NewTicker(p.sweepInterval)
	defer t.Stop()
	for {
		select {
		case <-p.stopSweep:
			return
		case now := <-t.C:
			ids, err := p.leases.SweepExpired(now)
			if err != nil {
				p.logger.Printf("peer: sweep failed: %s", err)
				continue
			}
			for _, id := range ids {
				p.releaseExpired(id)
			}
		}
	}
}

// releaseExpired runs the same cleanup Release would, for a lease the
// sweeper found already gone from the lease store.
func (p *Peer) releaseExpired(id lease.ID) {
	p.mu.Lock()
	owner, ok := p.leaseOwners[id]
	if ok {
		delete(p.leaseOwners, id)
	}
	p.mu.Unlock()
	if !ok {
		return
	}

	if owner.flags.Has(lease.Create) {
		p.destroyCreating(owner.objid)
		return
	}
	p.dropHold(owner.objid)
}

// Acquire grants access to objid per flags. See SPEC_FULL §4.C for the full
// contract; in short: CREATE makes a new CREATING object (failing with
// Exists if one is already known), READ attaches to a SEALED object (failing
// with NotFound or NotReady otherwise).
func (p *Peer) Acquire(objid string, flags lease.AccessFlags, opts AcquireOpts) (lease.Lease, Snapshot, error) {
	if flags.Has(lease.Create) {
		return p.acquireCreate(objid, opts)
	}
	if flags.Has(lease.Read) {
		return p.acquireRead(objid, opts)
	}
	return lease.Lease{}, Snapshot{}, errs.New(errs.Internal, "Acquire requires Create or Read in flags")
}

type createResult struct {
	lease lease.Lease
	snap  Snapshot
}

// maxMetadataValueBytes caps a single metadata value so Acquire requests
// stay boundable over HTTP (SPEC_FULL §3 supplemented data).
const maxMetadataValueBytes = 64 * 1024

func (p *Peer) acquireCreate(objid string, opts AcquireOpts) (lease.Lease, Snapshot, error) {
	for k, v := range opts.Metadata {
		if len(v) > maxMetadataValueBytes {
			return lease.Lease{}, Snapshot{}, errs.New(errs.Internal, "metadata key %q exceeds %d bytes", k, maxMetadataValueBytes)
		}
	}

	v, err, _ := p.sf.Do("create:"+objid, func() (interface{}, error) {
		p.mu.Lock()
		if _, exists := p.objects[objid]; exists {
			p.mu.Unlock()
			return nil, errs.New(errs.Exists, "object %s already exists", objid)
		}
		p.mu.Unlock()

		needed := int64(0)
		for _, sz := range opts.BlobSpecs {
			needed += sz
		}
		if err := p.ensureCapacity(needed); err != nil {
			return nil, err
		}

		blobs := make([]blob.Blob, len(opts.BlobSpecs))
		for i, sz := range opts.BlobSpecs {
			b, err := p.backend.Create(objid, i, sz)
			if err != nil {
				for j := 0; j < i; j++ {
					blobs[j].Close()
					p.backend.Destroy(objid, j)
				}
				return nil, errs.Wrap(errs.Internal, err, "allocating blob %d for %s", i, objid)
			}
			blobs[i] = b
		}

		l, err := p.leases.Issue(objid, lease.Create|lease.Write, opts.TTL)
		if err != nil {
			for i, b := range blobs {
				b.Close()
				p.backend.Destroy(objid, i)
			}
			return nil, err
		}

		obj := &object{
			id:        objid,
			state:     Creating,
			blobs:     blobs,
			blobSpecs: opts.BlobSpecs,
			metadata:  opts.Metadata,
			prevObjID: opts.PrevObjectID,
			createdAt: time.Now(),
			holdCount: 1,
		}

		p.mu.Lock()
		p.objects[objid] = obj
		p.usedBytes += obj.totalSize()
		p.leaseOwners[l.ID] = leaseOwner{objid: objid, flags: l.Flags}
		p.mu.Unlock()

		snap, err := obj.snapshot()
		if err != nil {
			return nil, err
		}
		return &createResult{lease: l, snap: snap}, nil
	})
	if err != nil {
		return lease.Lease{}, Snapshot{}, err
	}
	cr := v.(*createResult)
	return cr.lease, cr.snap, nil
}

func (p *Peer) acquireRead(objid string, opts AcquireOpts) (lease.Lease, Snapshot, error) {
	p.mu.Lock()
	obj, ok := p.objects[objid]
	if !ok {
		p.mu.Unlock()
		return lease.Lease{}, Snapshot{}, errs.New(errs.NotFound, "object %s not found", objid)
	}
	if obj.state != Sealed {
		p.mu.Unlock()
		return lease.Lease{}, Snapshot{}, errs.New(errs.NotReady, "object %s is still being created", objid)
	}
	obj.holdCount++
	obj.lastAcquireAt = time.Now()
	p.evictions.remove(objid) // held objects are never eviction candidates
	p.mu.Unlock()

	ttl := opts.TTL
	if ttl == 0 {
		ttl = p.defaultTTL
	}
	l, err := p.leases.Issue(objid, lease.Read, ttl)
	if err != nil {
		p.mu.Lock()
		p.dropHoldLocked(obj)
		p.mu.Unlock()
		return lease.Lease{}, Snapshot{}, err
	}

	p.mu.Lock()
	p.leaseOwners[l.ID] = leaseOwner{objid: objid, flags: l.Flags}
	snap, err := obj.snapshot()
	p.mu.Unlock()
	if err != nil {
		return lease.Lease{}, Snapshot{}, err
	}
	return l, snap, nil
}

// Seal converts lease_id's WRITE/CREATE lease into a READ lease in place
// (same id, same expiry) and seals the object's blobs. Sealing an
// already-sealed object through the same lease is a no-op success.
func (p *Peer) Seal(id lease.ID) (Snapshot, error) {
	l, err := p.leases.Lookup(id)
	if err != nil {
		return Snapshot{}, errs.Wrap(errs.InvalidLease, err, "lease %s", id)
	}
	if !l.Flags.Has(lease.Write) {
		p.mu.Lock()
		owner := p.leaseOwners[id]
		obj, ok := p.objects[l.ObjectID]
		if ok && owner.sealer && obj.state == Sealed {
			snap, err := obj.snapshot()
			p.mu.Unlock()
			return snap, err
		}
		p.mu.Unlock()
		return Snapshot{}, errs.New(errs.Forbidden, "lease %s lacks write access", id)
	}

	p.mu.Lock()
	obj, ok := p.objects[l.ObjectID]
	if !ok {
		p.mu.Unlock()
		return Snapshot{}, errs.New(errs.Gone, "object %s no longer exists", l.ObjectID)
	}

	if obj.state == Sealed {
		snap, err := obj.snapshot()
		p.mu.Unlock()
		return snap, err
	}

	for _, b := range obj.blobs {
		if err := b.Seal(); err != nil {
			p.mu.Unlock()
			return Snapshot{}, err
		}
	}
	obj.state = Sealed
	obj.sealedAt = time.Now()
	obj.lastAcquireAt = obj.sealedAt
	p.mu.Unlock()

	newLease, err := p.leases.SetFlags(id, lease.Read)
	if err != nil {
		return Snapshot{}, err
	}

	p.mu.Lock()
	p.leaseOwners[id] = leaseOwner{objid: l.ObjectID, flags: newLease.Flags, sealer: true}
	if obj.holdCount == 0 {
		p.evictions.markEligible(l.ObjectID, obj.lastAcquireAt)
	}
	snap, err := obj.snapshot()
	p.mu.Unlock()

	return snap, err
}

// Discard destroys a CREATING object and releases its lease. It is forbidden
// on a SEALED object or a lease without CREATE/WRITE.
func (p *Peer) Discard(id lease.ID) error {
	l, err := p.leases.Lookup(id)
	if err != nil {
		return errs.Wrap(errs.InvalidLease, err, "lease %s", id)
	}
	if !l.Flags.Has(lease.Write) {
		return errs.New(errs.Forbidden, "lease %s lacks write access", id)
	}

	p.mu.Lock()
	obj, ok := p.objects[l.ObjectID]
	if !ok {
		p.mu.Unlock()
		return nil
	}
	if obj.state != Creating {
		p.mu.Unlock()
		return errs.New(errs.Forbidden, "object %s is already sealed", l.ObjectID)
	}
	delete(p.leaseOwners, id)
	p.mu.Unlock()

	p.destroyCreating(l.ObjectID)

	return p.leases.Release(id)
}

// destroyCreating removes a CREATING object's record and destroys its
// blobs. It is a no-op if objid is unknown or no longer CREATING (so a
// racing Seal always wins over a racing sweeper-driven discard).
func (p *Peer) destroyCreating(objid string) {
	p.mu.Lock()
	obj, ok := p.objects[objid]
	if !ok || obj.state != Creating {
		p.mu.Unlock()
		return
	}
	delete(p.objects, objid)
	p.usedBytes -= obj.totalSize()
	p.mu.Unlock()

	for i, b := range obj.blobs {
		b.Close()
		p.backend.Destroy(objid, i)
	}

	if p.registrar != nil {
		go func() { _ = p.registrar.Unregister(objid, p.selfEndpoint) }()
	}
}

// Release gives up lease_id. If it was the last hold on a SEALED object, the
// object becomes eligible for eviction; if it was the sole CREATE lease on
// an unsealed object, the object is destroyed immediately (same as Discard).
// Releasing an unknown, expired or already-released lease_id fails with
// InvalidLease and changes nothing.
func (p *Peer) Release(id lease.ID) error {
	l, err := p.leases.Lookup(id)
	if err != nil {
		if errs.KindOf(err) == errs.NotFound {
			return errs.Wrap(errs.InvalidLease, err, "lease %s", id)
		}
		return err
	}
	if err := p.leases.Release(id); err != nil {
		return err
	}

	p.mu.Lock()
	delete(p.leaseOwners, id)
	p.mu.Unlock()

	if l.Flags.Has(lease.Create) {
		p.destroyCreating(l.ObjectID)
		return nil
	}
	p.dropHold(l.ObjectID)
	return nil
}

func (p *Peer) dropHold(objid string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if obj, ok := p.objects[objid]; ok {
		p.dropHoldLocked(obj)
	}
}

func (p *Peer) dropHoldLocked(obj *object) {
	if obj.holdCount > 0 {
		obj.holdCount--
	}
	if obj.holdCount == 0 && obj.state == Sealed {
		p.evictions.markEligible(obj.id, obj.lastAcquireAt)
	}
}

// ensureCapacity evicts sealed, unheld objects in LRU order until needed
// additional bytes fit under maxBytes, or fails with Full if no candidate
// remains. Callers must not hold p.mu.
func (p *Peer) ensureCapacity(needed int64) error {
	if p.maxBytes == 0 {
		return nil
	}
	for {
		p.mu.Lock()
		if p.usedBytes+needed <= p.maxBytes {
			p.mu.Unlock()
			return nil
		}
		victim := p.evictions.oldest()
		if victim == "" {
			p.mu.Unlock()
			return errs.New(errs.Full, "no eviction candidate for %d additional bytes", needed)
		}
		obj := p.objects[victim]
		p.evictions.remove(victim)
		delete(p.objects, victim)
		p.usedBytes -= obj.totalSize()
		p.mu.Unlock()

		for i, b := range obj.blobs {
			b.Close()
			p.backend.Destroy(victim, i)
		}
	}
}

// UsedBytes returns the total size of objects currently held by this peer.
func (p *Peer) UsedBytes() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.usedBytes
}

// MaxBytes returns the peer's capacity limit, or 0 if unbounded.
func (p *Peer) MaxBytes() int64 {
	return p.maxBytes
}

// PeekEvictable returns the objid of the oldest eviction-eligible (sealed,
// unheld) object without evicting it, so a caller like tiered.Tiered can
// copy it elsewhere before calling ForceEvict. Returns ok=false if nothing
// is currently eligible.
func (p *Peer) PeekEvictable() (objid string, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	victim := p.evictions.oldest()
	return victim, victim != ""
}

// ForceEvict removes a sealed, unheld object's blobs and state directly,
// bypassing the lease store (there is no live lease to release). It is the
// same removal ensureCapacity performs internally, exposed so a composite
// peer can demote an object to a colder tier before reclaiming its space
// here. ForceEvict on an object that is held, still CREATING, or no longer
// present returns errs.Gone.
func (p *Peer) ForceEvict(objid string) error {
	p.mu.Lock()
	obj, ok := p.objects[objid]
	if !ok || obj.state != Sealed || obj.holdCount != 0 {
		p.mu.Unlock()
		return errs.New(errs.Gone, "object %s is not eligible for eviction", objid)
	}
	p.evictions.remove(objid)
	delete(p.objects, objid)
	p.usedBytes -= obj.totalSize()
	p.mu.Unlock()

	for i, b := range obj.blobs {
		b.Close()
		p.backend.Destroy(objid, i)
	}
	return nil
}
