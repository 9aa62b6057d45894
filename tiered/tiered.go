// Package tiered implements the composite Tiered peer: a hot peer layered
// over a cold peer, with capacity-driven demotion and size-gated promotion.
// It presents the same transport.Adapter-shaped contract as a single Peer,
// so callers and transports cannot tell a Tiered apart from a plain Peer.
//
// Grounded on the teacher's io/cache.FS, which layers a CacheFS over a
// storage CacheFS with the same fill-on-miss shape; here the fill (promote)
// runs in the background and the "storage" tier (cold) is itself a full
// Peer rather than a passive io/fs.FS.
package tiered

import (
	"context"
	"io"
	"log"
	"sync"
	"time"

	"github.com/packice/fruina/errs"
	"github.com/packice/fruina/lease"
	"github.com/packice/fruina/peer"
	"github.com/packice/fruina/resolver"
)

// Logger is the logging surface Tiered needs. *log.Logger satisfies it.
type Logger interface {
	Printf(format string, v ...interface{})
}

type stdLogger struct{}

func (stdLogger) Printf(format string, v ...interface{}) { log.Printf(format, v...) }

// DefaultPromoteThreshold is the size below which a cold READ triggers a
// background promotion to hot, absent an explicit Config override (SPEC
// Open Question, resolved in favor of 4MiB).
const DefaultPromoteThreshold = 4 * 1024 * 1024

// DefaultMaxDemoteRetries bounds how many objects Acquire(CREATE) demotes
// from hot to make room, before giving up with Full.
const DefaultMaxDemoteRetries = 3

const demoteTTL = 30 * time.Second

// archiveMirrorTimeout bounds how long a single background archive upload
// may run before it is abandoned; a missed mirror just means the next
// demotion of the same objid (or a restart) tries again.
const archiveMirrorTimeout = 5 * time.Minute

// ArchiveSink durably mirrors a sealed object's bytes once it reaches cold.
// blob/archive.Backend's Store method satisfies this.
type ArchiveSink interface {
	Store(ctx context.Context, objid string, r io.Reader) (string, error)
}

// Config governs Tiered's promotion/demotion policy.
type Config struct {
	// PromoteOnRead enables background cold-to-hot promotion on a cold READ
	// hit for objects under PromoteThreshold. Defaults to true.
	PromoteOnRead bool
	// PromoteThreshold is the object size, in bytes, below which a cold READ
	// triggers promotion. Zero means DefaultPromoteThreshold.
	PromoteThreshold int64
	// MaxDemoteRetries bounds how many demotions Acquire(CREATE) runs to make
	// room in hot. Zero means DefaultMaxDemoteRetries.
	MaxDemoteRetries int
}

func (c Config) withDefaults() Config {
	if c.PromoteThreshold == 0 {
		c.PromoteThreshold = DefaultPromoteThreshold
	}
	if c.MaxDemoteRetries == 0 {
		c.MaxDemoteRetries = DefaultMaxDemoteRetries
	}
	return c
}

// DefaultConfig returns the SPEC-default policy: promote on read below 4MiB,
// demote up to 3 objects to make room for a create.
func DefaultConfig() Config {
	return Config{PromoteOnRead: true}.withDefaults()
}

type tier int

const (
	tierNone tier = iota
	tierHot
	tierCold
)

// Tiered composes a hot and a cold peer.Peer into one logical peer.
type Tiered struct {
	hot, cold *peer.Peer
	cfg       Config
	logger    Logger
	archive   ArchiveSink

	mu        sync.Mutex
	leaseTier map[lease.ID]tier
}

// Option configures a Tiered at construction time.
type Option func(*Tiered)

// WithLogger overrides the default logger.
func WithLogger(l Logger) Option {
	return func(t *Tiered) { t.logger = l }
}

// WithArchive configures a durable mirror: every object demoteOne moves from
// hot to cold is also streamed to sink in the background, best-effort, so a
// copy survives even past cold's own eviction.
func WithArchive(sink ArchiveSink) Option {
	return func(t *Tiered) { t.archive = sink }
}

// New composes hot over cold. hot is typically backed by blob.Mem, cold by
// blob.File or blob.SharedFs, optionally with an Archive mirror behind it
// (see WithArchive).
func New(hot, cold *peer.Peer, cfg Config, opts ...Option) *Tiered {
	t := &Tiered{
		hot:       hot,
		cold:      cold,
		cfg:       cfg.withDefaults(),
		logger:    stdLogger{},
		leaseTier: make(map[lease.ID]tier),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

func (t *Tiered) track(id lease.ID, tr tier) {
	t.mu.Lock()
	t.leaseTier[id] = tr
	t.mu.Unlock()
}

func (t *Tiered) untrack(id lease.ID) {
	t.mu.Lock()
	delete(t.leaseTier, id)
	t.mu.Unlock()
}

func (t *Tiered) tierOf(id lease.ID) tier {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.leaseTier[id]
}

// Acquire implements transport.Adapter.
func (t *Tiered) Acquire(objid string, flags lease.AccessFlags, opts peer.AcquireOpts) (lease.Lease, peer.Snapshot, error) {
	if flags.Has(lease.Create) {
		return t.acquireCreate(objid, opts)
	}
	if flags.Has(lease.Read) {
		return t.acquireRead(objid, opts)
	}
	return lease.Lease{}, peer.Snapshot{}, errs.New(errs.Internal, "Acquire requires Create or Read in flags")
}

// acquireCreate makes room in hot before delegating, rather than letting
// hot.Acquire fail into its own destructive ensureCapacity eviction: hot
// has no notion of a colder tier to copy into first, so any eviction it
// runs internally would lose data Tiered is supposed to preserve. Proactively
// demoting up to MaxDemoteRetries times (the same count the SPEC frames as
// retries, just run before the acquire instead of after a Full) guarantees
// hot's own evictor never has to run for a demotion Tiered could have done
// safely.
func (t *Tiered) acquireCreate(objid string, opts peer.AcquireOpts) (lease.Lease, peer.Snapshot, error) {
	needed := int64(0)
	for _, sz := range opts.BlobSpecs {
		needed += sz
	}

	if max := t.hot.MaxBytes(); max != 0 {
		for attempt := 0; attempt < t.cfg.MaxDemoteRetries; attempt++ {
			if t.hot.UsedBytes()+needed <= max {
				break
			}
			if !t.demoteOne() {
				break
			}
		}
		if t.hot.UsedBytes()+needed > max {
			return lease.Lease{}, peer.Snapshot{}, errs.New(errs.Full, "hot tier has no room for %d bytes after demotion", needed)
		}
	}

	l, snap, err := t.hot.Acquire(objid, lease.Create, opts)
	if err != nil {
		return lease.Lease{}, peer.Snapshot{}, err
	}
	t.track(l.ID, tierHot)
	return l, snap, nil
}

// demoteOne moves the least recently acquired eligible sealed object out of hot and
// into cold, via the internal copy protocol (resolver.CopyObject): Acquire
// a READ lease on hot, Acquire(CREATE) on cold with matching specs, copy
// bytes, Seal cold, Release hot, then ForceEvict the now-redundant hot
// copy. Returns false if there was nothing eligible to demote, or the copy
// failed, so the caller can stop retrying.
func (t *Tiered) demoteOne() bool {
	victim, ok := t.hot.PeekEvictable()
	if !ok {
		return false
	}

	if _, _, err := resolver.CopyObject(t.hot, t.cold, victim, demoteTTL); err != nil {
		t.logger.Printf("tiered: demoting %s to cold failed: %s", victim, err)
		return false
	}
	if err := t.hot.ForceEvict(victim); err != nil {
		t.logger.Printf("tiered: evicting %s from hot after demotion failed: %s", victim, err)
	}
	if t.archive != nil {
		go t.mirrorToArchive(victim)
	}
	return true
}

// mirrorToArchive streams victim's sealed bytes, now resident in cold, to
// the configured ArchiveSink. It runs off the demotion path so a slow or
// unreachable archive account never holds up the eviction it followed; a
// failed mirror is logged and otherwise silently dropped, same as a failed
// promotion.
func (t *Tiered) mirrorToArchive(objid string) {
	l, snap, err := t.cold.Acquire(objid, lease.Read, peer.AcquireOpts{TTL: demoteTTL})
	if err != nil {
		t.logger.Printf("tiered: archive mirror of %s: acquiring cold read failed: %s", objid, err)
		return
	}
	defer t.cold.Release(l.ID)

	readers := make([]io.Reader, len(snap.Blobs))
	closers := make([]io.Closer, 0, len(snap.Blobs))
	defer func() {
		for _, c := range closers {
			c.Close()
		}
	}()
	for i, b := range snap.Blobs {
		r, c, err := resolver.OpenHandleReader(b.Handle)
		if err != nil {
			t.logger.Printf("tiered: archive mirror of %s: opening blob %d failed: %s", objid, i, err)
			return
		}
		closers = append(closers, c)
		readers[i] = io.NewSectionReader(r, 0, b.Size)
	}

	ctx, cancel := context.WithTimeout(context.Background(), archiveMirrorTimeout)
	defer cancel()
	if _, err := t.archive.Store(ctx, objid, io.MultiReader(readers...)); err != nil {
		t.logger.Printf("tiered: archiving %s failed: %s", objid, err)
	}
}

func (t *Tiered) acquireRead(objid string, opts peer.AcquireOpts) (lease.Lease, peer.Snapshot, error) {
	l, snap, err := t.hot.Acquire(objid, lease.Read, opts)
	if err == nil {
		t.track(l.ID, tierHot)
		return l, snap, nil
	}
	if !errs.Is(err, errs.NotFound) {
		return lease.Lease{}, peer.Snapshot{}, err
	}

	l, snap, err = t.cold.Acquire(objid, lease.Read, opts)
	if err != nil {
		return lease.Lease{}, peer.Snapshot{}, err
	}
	t.track(l.ID, tierCold)

	if t.shouldPromote(snap) {
		go t.promote(objid)
	}
	return l, snap, nil
}

func (t *Tiered) shouldPromote(snap peer.Snapshot) bool {
	if !t.cfg.PromoteOnRead {
		return false
	}
	if hotMax := t.hot.MaxBytes(); hotMax != 0 && t.hot.UsedBytes() >= hotMax {
		return false
	}
	var size int64
	for _, b := range snap.Blobs {
		size += b.Size
	}
	return size < t.cfg.PromoteThreshold
}

// promote copies objid from cold to hot in the background. It never blocks
// a reader and its failure (including a hot Full, since promotion never
// triggers its own demotion) is logged, not surfaced: a missed promotion
// just means the next cold READ tries again.
func (t *Tiered) promote(objid string) {
	if _, _, err := resolver.CopyObject(t.cold, t.hot, objid, demoteTTL); err != nil {
		t.logger.Printf("tiered: promoting %s to hot failed: %s", objid, err)
	}
}

// Seal implements transport.Adapter, routed to whichever tier holds id.
func (t *Tiered) Seal(id lease.ID) (peer.Snapshot, error) {
	switch t.tierOf(id) {
	case tierHot:
		return t.hot.Seal(id)
	case tierCold:
		return t.cold.Seal(id)
	default:
		return peer.Snapshot{}, errs.New(errs.InvalidLease, "lease %s is not tracked by this tiered peer", id)
	}
}

// Discard implements transport.Adapter, routed to whichever tier holds id.
func (t *Tiered) Discard(id lease.ID) error {
	var err error
	switch t.tierOf(id) {
	case tierHot:
		err = t.hot.Discard(id)
	case tierCold:
		err = t.cold.Discard(id)
	default:
		return errs.New(errs.InvalidLease, "lease %s is not tracked by this tiered peer", id)
	}
	t.untrack(id)
	return err
}

// Release implements transport.Adapter, routed to whichever tier holds id.
func (t *Tiered) Release(id lease.ID) error {
	var err error
	switch t.tierOf(id) {
	case tierHot:
		err = t.hot.Release(id)
	case tierCold:
		err = t.cold.Release(id)
	default:
		return errs.New(errs.InvalidLease, "lease %s is not tracked by this tiered peer", id)
	}
	t.untrack(id)
	return err
}

// Close shuts down both tiers.
func (t *Tiered) Close() error {
	hotErr := t.hot.Close()
	coldErr := t.cold.Close()
	if hotErr != nil {
		return hotErr
	}
	return coldErr
}
