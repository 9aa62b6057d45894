package lease

import (
	"sync"
	"time"

	"github.com/packice/fruina/errs"
	"github.com/petar/GoLLRB/llrb"
)

// Memstore is an in-process Store. Leases with a TTL are additionally
// indexed in a GoLLRB tree ordered by expiry so SweepExpired can walk just
// the expired prefix instead of scanning every lease, the same expiry-index
// shape the teacher's disk cache uses to age out files.
type Memstore struct {
	mu      sync.Mutex
	leases  map[ID]Lease
	expires *llrb.LLRB
}

// NewMemstore creates an empty Memstore.
func NewMemstore() *Memstore {
	return &Memstore{
		leases:  map[ID]Lease{},
		expires: llrb.New(),
	}
}

type expireKey struct {
	time.Time
	id ID
}

func (e expireKey) Less(than llrb.Item) bool {
	o := than.(expireKey)
	if e.Time.Equal(o.Time) {
		return e.id < o.id
	}
	return e.Time.Before(o.Time)
}

func (m *Memstore) Issue(objid string, flags AccessFlags, ttl time.Duration) (Lease, error) {
	if err := validateTTL(ttl); err != nil {
		return Lease{}, err
	}

	now := time.Now()
	l := Lease{
		ID:       NewID(),
		ObjectID: objid,
		Flags:    flags,
		IssuedAt: now,
	}
	if ttl == 0 {
		l.ExplicitRelease = true
	} else {
		l.ExpiresAt = now.Add(ttl)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.leases[l.ID] = l
	if !l.ExplicitRelease {
		m.expires.InsertNoReplace(expireKey{Time: l.ExpiresAt, id: l.ID})
	}
	return l, nil
}

func (m *Memstore) Lookup(id ID) (Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.leases[id]
	if !ok {
		return Lease{}, errs.New(errs.NotFound, "lease %s not found", id)
	}
	if !l.Valid(time.Now()) {
		return Lease{}, errs.New(errs.NotFound, "lease %s expired", id)
	}
	return l, nil
}

func (m *Memstore) SetFlags(id ID, flags AccessFlags) (Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.leases[id]
	if !ok || !l.Valid(time.Now()) {
		return Lease{}, errs.New(errs.NotFound, "lease %s not found", id)
	}
	l.Flags = flags
	m.leases[id] = l
	return l, nil
}

func (m *Memstore) Release(id ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseLocked(id)
	return nil
}

func (m *Memstore) releaseLocked(id ID) {
	l, ok := m.leases[id]
	if !ok {
		return
	}
	delete(m.leases, id)
	if !l.ExplicitRelease {
		m.expires.Delete(expireKey{Time: l.ExpiresAt, id: l.ID})
	}
}

func (m *Memstore) SweepExpired(now time.Time) ([]ID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expired []expireKey
	m.expires.AscendLessThan(expireKey{Time: now}, func(item llrb.Item) bool {
		expired = append(expired, item.(expireKey))
		return true
	})

	ids := make([]ID, 0, len(expired))
	for _, ek := range expired {
		ids = append(ids, ek.id)
		m.releaseLocked(ek.id)
	}
	return ids, nil
}
