// Package resolver implements the soft-state directory of candidate peer
// endpoints that fetch-on-miss consults after a local NotFound, plus the
// fetch-on-miss algorithm itself. Every entry is advisory: callers must
// tolerate a stale or wrong candidate and move on to the next one.
package resolver

// PeerEndpoint names a candidate holder of an object: a dial string usable
// with Connect() (http://, a .sock path, memory://name) plus a tag recording
// how it was discovered, kept only for observability.
type PeerEndpoint struct {
	Dial   string
	Source string // "static", "lan", "redis"
}

const (
	SourceStatic = "static"
	SourceLAN    = "lan"
	SourceRedis  = "redis"
)

// Resolver is a soft-state directory mapping ObjectIds to candidate peer
// endpoints. Any Lookup result may be stale; callers route around failures
// rather than trusting the directory. Unregister takes a bare dial string
// (rather than a full PeerEndpoint) so that every Resolver implementation
// satisfies peer.Registrar directly, with no adapter needed.
type Resolver interface {
	// Lookup returns the known candidate holders of objid, in no particular
	// priority order beyond what the concrete implementation can offer
	// (e.g. first-seen order for LAN).
	Lookup(objid string) ([]PeerEndpoint, error)

	// Register advertises self as a holder of objid.
	Register(objid string, self PeerEndpoint) error

	// Unregister withdraws a prior advertisement for dial. Unregistering an
	// entry that was never registered, or is already gone, is a no-op.
	Unregister(objid string, dial string) error
}
