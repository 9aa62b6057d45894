package resolver

import (
	"bytes"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/packice/fruina/errs"
	"github.com/schollz/peerdiscovery"
)

// Logger is the logging surface LAN needs. *log.Logger satisfies it.
type Logger interface {
	Printf(format string, v ...interface{})
}

type stdLogger struct{}

func (stdLogger) Printf(format string, v ...interface{}) { fmt.Printf(format+"\n", v...) }

// LAN is a Resolver that advertises and discovers candidate holders over the
// local network using UDP broadcast, grounded on the payload-prefix-match
// polling loop of the groupcache LAN peer picker. Unlike that picker, which
// discovers one flat peer set for a whole process, LAN here tracks a
// separate candidate set per objid: the payload sent on the wire is
// "fruina:<objid>:<dial>", and a peer only answers IsPeer true for payloads
// bearing the objid it was asked to discover.
type LAN struct {
	iam     string
	timeout time.Duration
	logger  Logger

	mu        sync.Mutex
	advertise map[string]PeerEndpoint // objid -> self endpoint, re-broadcast on demand
}

// Option configures a LAN resolver.
type Option func(*LAN)

// WithLogger overrides the default logger.
func WithLogger(l Logger) Option {
	return func(r *LAN) { r.logger = l }
}

// WithDiscoveryTimeout bounds how long Lookup waits for replies. Defaults to
// 1500ms.
func WithDiscoveryTimeout(d time.Duration) Option {
	return func(r *LAN) { r.timeout = d }
}

// NewLAN creates a LAN resolver that advertises itself as reachable at iam
// (the IP peerdiscovery should broadcast from; empty lets it autodetect).
func NewLAN(iam string, opts ...Option) *LAN {
	l := &LAN{
		iam:       iam,
		timeout:   1500 * time.Millisecond,
		logger:    stdLogger{},
		advertise: make(map[string]PeerEndpoint),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

const payloadPrefix = "fruina:"

func payloadFor(objid string, dial string) []byte {
	return []byte(payloadPrefix + objid + ":" + dial)
}

// parsePayload splits a discovered payload back into (objid, dial). Returns
// ok=false for anything not shaped like ours, including other applications'
// broadcasts sharing the same LAN segment.
func parsePayload(payload []byte) (objid string, dial string, ok bool) {
	if !bytes.HasPrefix(payload, []byte(payloadPrefix)) {
		return "", "", false
	}
	rest := payload[len(payloadPrefix):]
	parts := bytes.SplitN(rest, []byte(":"), 2)
	if len(parts) != 2 {
		return "", "", false
	}
	return string(parts[0]), string(parts[1]), true
}

// Lookup broadcasts a discovery request and collects replies for the
// configured timeout. Every reply advertising objid is returned, in
// first-seen order; replies for other objids are skipped, and payloads not
// shaped like ours are logged and skipped.
func (l *LAN) Lookup(objid string) ([]PeerEndpoint, error) {
	settings := peerdiscovery.Settings{
		Limit:     -1,
		TimeLimit: l.timeout,
		Delay:     100 * time.Millisecond,
		Payload:   payloadFor(objid, l.selfDial(objid)),
		AllowSelf: true,
		IPVersion: peerdiscovery.IPv4,
	}
	if l.iam != "" {
		if ip := net.ParseIP(l.iam); ip != nil && ip.To4() == nil {
			settings.IPVersion = peerdiscovery.IPv6
		}
	}

	discovered, err := peerdiscovery.Discover(settings)
	if err != nil {
		return nil, errs.Wrap(errs.TransportError, err, "lan discovery for %s", objid)
	}

	var endpoints []PeerEndpoint
	for _, d := range discovered {
		gotObjid, dial, ok := parsePayload(d.Payload)
		if !ok {
			l.logger.Printf("lan resolver: discounted non-fruina peer %s", d.Address)
			continue
		}
		if gotObjid != objid {
			continue
		}
		endpoints = append(endpoints, PeerEndpoint{Dial: dial, Source: SourceLAN})
	}
	return endpoints, nil
}

func (l *LAN) selfDial(objid string) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.advertise[objid]; ok {
		return e.Dial
	}
	return ""
}

// Register records self as a holder of objid. Discovery is request/response
// (Lookup broadcasts and waits for replies), so Register only needs to
// remember self's dial string for the next time some other peer's Lookup
// reaches this process; there is no separate announce step.
func (l *LAN) Register(objid string, self PeerEndpoint) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.advertise[objid] = self
	return nil
}

// Unregister forgets that self held objid, so a subsequent remote Lookup
// against this process no longer answers for it.
func (l *LAN) Unregister(objid string, dial string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.advertise[objid]; ok && e.Dial == dial {
		delete(l.advertise, objid)
	}
	return nil
}
