package peer

import (
	"time"

	"github.com/petar/GoLLRB/llrb"
)

// evictKey orders sealed, unheld objects by last-Acquire time, tie-broken by
// objid, the same (time, name) GoLLRB ordering the teacher's disk cache uses
// to age out files — here driving LRU eviction instead of TTL expiry.
type evictKey struct {
	lastAcquire time.Time
	objid       string
}

func (k evictKey) Less(than llrb.Item) bool {
	o := than.(evictKey)
	if k.lastAcquire.Equal(o.lastAcquire) {
		return k.objid < o.objid
	}
	return k.lastAcquire.Before(o.lastAcquire)
}

// evictionIndex tracks eviction-eligible objects (sealed, hold_count == 0).
// It is not safe for concurrent use; callers hold the Peer mutex.
type evictionIndex struct {
	tree *llrb.LLRB
	keys map[string]evictKey
}

func newEvictionIndex() *evictionIndex {
	return &evictionIndex{tree: llrb.New(), keys: map[string]evictKey{}}
}

func (e *evictionIndex) markEligible(objid string, lastAcquire time.Time) {
	e.remove(objid)
	k := evictKey{lastAcquire: lastAcquire, objid: objid}
	e.keys[objid] = k
	e.tree.InsertNoReplace(k)
}

func (e *evictionIndex) remove(objid string) {
	k, ok := e.keys[objid]
	if !ok {
		return
	}
	e.tree.Delete(k)
	delete(e.keys, objid)
}

// oldest returns the least-recently-acquired eligible objid, or "" if none exist.
func (e *evictionIndex) oldest() string {
	min := e.tree.Min()
	if min == nil {
		return ""
	}
	return min.(evictKey).objid
}

func (e *evictionIndex) len() int {
	return e.tree.Len()
}
