package fruina

import (
	"strings"
	"sync"

	"github.com/packice/fruina/errs"
	"github.com/packice/fruina/transport"
	fruinahttp "github.com/packice/fruina/transport/http"
	"github.com/packice/fruina/transport/uds"
)

// memoryRegistry holds in-process peers reachable via a "memory://name" or
// "direct://name" dial string: fetch-on-miss candidates and tiered-peer
// wiring name peers this way when everything runs in one process (tests,
// single-binary deployments), skipping a socket or HTTP hop entirely. A
// registered value is any transport.Adapter — a plain *peer.Peer wrapped in
// transport.NewDirect, or a *tiered.Tiered, which already satisfies Adapter
// directly.
var memoryRegistry struct {
	mu    sync.Mutex
	peers map[string]transport.Adapter
}

// RegisterLocal makes p reachable by Connect() as "memory://name" (and
// equivalently "direct://name"). Callers typically register self under the
// same name they advertise to a Resolver.
func RegisterLocal(name string, p transport.Adapter) {
	memoryRegistry.mu.Lock()
	defer memoryRegistry.mu.Unlock()
	if memoryRegistry.peers == nil {
		memoryRegistry.peers = make(map[string]transport.Adapter)
	}
	memoryRegistry.peers[name] = p
}

// UnregisterLocal removes a peer previously made reachable by RegisterLocal.
func UnregisterLocal(name string) {
	memoryRegistry.mu.Lock()
	defer memoryRegistry.mu.Unlock()
	delete(memoryRegistry.peers, name)
}

func lookupLocal(name string) (transport.Adapter, bool) {
	memoryRegistry.mu.Lock()
	defer memoryRegistry.mu.Unlock()
	p, ok := memoryRegistry.peers[name]
	return p, ok
}

// Connect dials a candidate peer endpoint and returns a transport.Adapter
// for it. It is the Dialer a resolver.FetchOnMiss is wired with outside of
// tests. dial is one of:
//
//   - "memory://name" or "direct://name" — an in-process peer previously
//     registered with RegisterLocal.
//   - "http://host:port" or "https://host:port" — a peer served over HTTP.
//   - any path ending in ".sock", or starting with "/" or "./" — a peer
//     served over a Unix domain socket at that path.
//
// The returned Adapter's Close releases any connection resources Connect
// opened; it never closes a memory-registered Peer, since Connect does not
// own it.
func Connect(dial string) (transport.Adapter, error) {
	switch {
	case strings.HasPrefix(dial, "memory://"):
		return connectLocal(strings.TrimPrefix(dial, "memory://"))
	case strings.HasPrefix(dial, "direct://"):
		return connectLocal(strings.TrimPrefix(dial, "direct://"))
	case strings.HasPrefix(dial, "http://"), strings.HasPrefix(dial, "https://"):
		return fruinahttp.NewClient(dial), nil
	case strings.HasSuffix(dial, ".sock"), strings.HasPrefix(dial, "/"), strings.HasPrefix(dial, "./"):
		return uds.Dial(dial)
	default:
		return nil, errs.New(errs.TransportError, "connect: cannot dial %q, unrecognized scheme", dial)
	}
}

func connectLocal(name string) (transport.Adapter, error) {
	p, ok := lookupLocal(name)
	if !ok {
		return nil, errs.New(errs.TransportError, "connect: no local peer registered as %q", name)
	}
	// Connect() callers (fetch-on-miss chief among them) always
	// defer Close() on what they dial, as they would for a real socket or
	// HTTP connection. A registered local Adapter is shared and long-lived,
	// so that Close must be absorbed here rather than forwarded.
	return noCloseAdapter{p}, nil
}

// noCloseAdapter wraps a shared transport.Adapter so a caller's connect-then-
// defer-Close lifecycle never tears down the underlying peer.
type noCloseAdapter struct {
	transport.Adapter
}

func (noCloseAdapter) Close() error { return nil }
