// Package uds implements transport.Adapter over a Unix domain socket, with
// SCM_RIGHTS file descriptor passing for Mem blobs so a client on the same
// host can map an object's bytes without copying them through the socket.
//
// Each connection is one logical session: the server serializes requests on
// it (one read, dispatch, write per round trip, same goroutine throughout),
// and when the connection drops it releases every lease the session
// acquired, so a crashed or disconnected client cannot pin an object
// forever.
package uds

import (
	"encoding/json"
	"log"
	"net"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/packice/fruina/blob"
	"github.com/packice/fruina/errs"
	"github.com/packice/fruina/lease"
	"github.com/packice/fruina/transport"
	"github.com/packice/fruina/transport/wire"
)

// Logger is the minimum logging surface the server needs.
type Logger interface {
	Printf(format string, v ...interface{})
}

type stdLogger struct{}

func (stdLogger) Printf(format string, v ...interface{}) { log.Printf(format, v...) }

// Option configures a Server at construction time.
type Option func(*Server)

// WithLogger overrides the server's logger.
func WithLogger(l Logger) Option {
	return func(s *Server) { s.logger = l }
}

// Server listens on a Unix domain socket and serves transport.Adapter calls
// against a backing peer, which may be a plain *peer.Peer or a composite
// *tiered.Tiered — the server only ever calls the four Adapter methods.
type Server struct {
	peer   transport.Adapter
	ln     *net.UnixListener
	logger Logger

	wg     sync.WaitGroup
	closed chan struct{}
}

// NewServer listens on sockPath (removing any stale socket file left behind
// by a prior crashed run) and begins accepting connections.
func NewServer(p transport.Adapter, sockPath string, opts ...Option) (*Server, error) {
	_ = os.Remove(sockPath)

	addr, err := net.ResolveUnixAddr("unix", sockPath)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "resolving uds address %s", sockPath)
	}
	ln, err := net.ListenUnix("unix", addr)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "listening on %s", sockPath)
	}

	s := &Server{
		peer:   p,
		ln:     ln,
		logger: stdLogger{},
		closed: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.wg.Add(1)
	go s.acceptLoop()
	return s, nil
}

// Close stops accepting new connections and waits for in-flight connections
// to drain.
func (s *Server) Close() error {
	close(s.closed)
	err := s.ln.Close()
	s.wg.Wait()
	return err
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.AcceptUnix()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
				s.logger.Printf("uds: accept error: %v", err)
				return
			}
		}
		s.wg.Add(1)
		go s.serveConn(conn)
	}
}

// session tracks the leases a connection has acquired so they can all be
// released if the client disconnects without releasing them itself.
type session struct {
	mu     sync.Mutex
	leases map[lease.ID]struct{}
}

func newSession() *session {
	return &session{leases: map[lease.ID]struct{}{}}
}

func (sess *session) track(id lease.ID) {
	sess.mu.Lock()
	sess.leases[id] = struct{}{}
	sess.mu.Unlock()
}

func (sess *session) untrack(id lease.ID) {
	sess.mu.Lock()
	delete(sess.leases, id)
	sess.mu.Unlock()
}

func (sess *session) all() []lease.ID {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	ids := make([]lease.ID, 0, len(sess.leases))
	for id := range sess.leases {
		ids = append(ids, id)
	}
	return ids
}

func (s *Server) serveConn(conn *net.UnixConn) {
	defer s.wg.Done()
	defer conn.Close()

	sess := newSession()
	defer func() {
		for _, id := range sess.all() {
			if err := s.peer.Release(id); err != nil {
				s.logger.Printf("uds: releasing lease %s on disconnect: %v", id, err)
			}
		}
	}()

	for {
		payload, _, err := readFrame(conn)
		if err != nil {
			return
		}

		var env envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			s.logger.Printf("uds: malformed envelope: %v", err)
			return
		}

		respBody, fds := s.dispatch(env, sess)
		out, err := json.Marshal(envelope{Op: env.Op, Body: respBody})
		if err != nil {
			s.logger.Printf("uds: marshaling response: %v", err)
			return
		}
		err = writeFrame(conn, out, fds)
		// handleAcquire's and handleSeal's Mem fds are memBlob.Handle()'s own unix.Dup, minted
		// solely to ride along in this frame's SCM_RIGHTS payload; once
		// writeFrame has handed them to the kernel (or failed to), this
		// process's copies must be closed or every Mem read leaks one fd.
		for _, fd := range fds {
			unix.Close(fd)
		}
		if err != nil {
			return
		}
	}
}

func (s *Server) dispatch(env envelope, sess *session) (json.RawMessage, []int) {
	switch env.Op {
	case opAcquire:
		return s.handleAcquire(env.Body, sess)
	case opSeal:
		return s.handleSeal(env.Body)
	case opDiscard:
		return s.handleDiscard(env.Body, sess)
	case opRelease:
		return s.handleRelease(env.Body, sess)
	default:
		return marshal(wire.StatusResponse{Error: &wire.ErrorWire{Kind: errs.TransportError.String(), Message: "unknown op " + env.Op}}), nil
	}
}

func (s *Server) handleAcquire(body json.RawMessage, sess *session) (json.RawMessage, []int) {
	var req wire.AcquireRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return marshal(wire.AcquireResponse{Error: transport.ToWireError(err)}), nil
	}

	l, snap, err := s.peer.Acquire(req.ObjectID, lease.AccessFlags(req.Flags), transport.ToAcquireOpts(req))
	if err != nil {
		return marshal(wire.AcquireResponse{Error: transport.ToWireError(err)}), nil
	}
	sess.track(l.ID)

	var fds []int
	for _, b := range snap.Blobs {
		if b.Handle.Kind == blob.Mem && b.Handle.FD >= 0 {
			fds = append(fds, b.Handle.FD)
		}
	}

	return marshal(wire.AcquireResponse{
		LeaseID:  string(l.ID),
		Snapshot: transport.ToWireSnapshot(snap, true),
	}), fds
}

func (s *Server) handleSeal(body json.RawMessage) (json.RawMessage, []int) {
	var req wire.LeaseRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return marshal(wire.SealResponse{Error: transport.ToWireError(err)}), nil
	}
	snap, err := s.peer.Seal(lease.ID(req.LeaseID))
	if err != nil {
		return marshal(wire.SealResponse{Error: transport.ToWireError(err)}), nil
	}

	var fds []int
	for _, b := range snap.Blobs {
		if b.Handle.Kind == blob.Mem && b.Handle.FD >= 0 {
			fds = append(fds, b.Handle.FD)
		}
	}
	return marshal(wire.SealResponse{Snapshot: transport.ToWireSnapshot(snap, true)}), fds
}

func (s *Server) handleDiscard(body json.RawMessage, sess *session) (json.RawMessage, []int) {
	var req wire.LeaseRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return marshal(wire.StatusResponse{Error: transport.ToWireError(err)}), nil
	}
	err := s.peer.Discard(lease.ID(req.LeaseID))
	sess.untrack(lease.ID(req.LeaseID))
	if err != nil {
		return marshal(wire.StatusResponse{Error: transport.ToWireError(err)}), nil
	}
	return marshal(wire.StatusResponse{OK: true}), nil
}

func (s *Server) handleRelease(body json.RawMessage, sess *session) (json.RawMessage, []int) {
	var req wire.LeaseRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return marshal(wire.StatusResponse{Error: transport.ToWireError(err)}), nil
	}
	err := s.peer.Release(lease.ID(req.LeaseID))
	sess.untrack(lease.ID(req.LeaseID))
	if err != nil {
		return marshal(wire.StatusResponse{Error: transport.ToWireError(err)}), nil
	}
	return marshal(wire.StatusResponse{OK: true}), nil
}

func marshal(v interface{}) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}
