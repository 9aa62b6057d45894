// Package fruinahttp implements transport.Adapter over HTTP/1.1: JSON
// request and response bodies, one endpoint per operation. Blob handles
// cross this transport as path/URL references only; it never passes file
// descriptors, so a client on a different host gets exactly what it can use.
package fruinahttp

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

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

// idempotencyWindow bounds how long a Seal/Release idempotency key is
// remembered, per SPEC_FULL §4.D.
const idempotencyWindow = 60 * time.Second

// idempotencyKeyHeader is the header a client sets to make a Seal or
// Release call safe to retry after a timeout without double-applying it.
const idempotencyKeyHeader = "Fruina-Idempotency-Key"

// Option configures a Server at construction time.
type Option func(*Server)

// WithLogger overrides the server's logger.
func WithLogger(l Logger) Option {
	return func(s *Server) { s.logger = l }
}

// Server serves transport.Adapter calls over HTTP against a backing peer,
// which may be a plain *peer.Peer or a composite *tiered.Tiered.
type Server struct {
	peer   transport.Adapter
	logger Logger
	srv    *http.Server

	mu       sync.Mutex
	replayed map[string]replayedResponse
}

type replayedResponse struct {
	status  int
	body    []byte
	storeAt time.Time
}

// NewServer builds a Server listening on addr. Call Serve to start it.
func NewServer(p transport.Adapter, addr string, opts ...Option) *Server {
	s := &Server{
		peer:     p,
		logger:   stdLogger{},
		replayed: map[string]replayedResponse{},
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/acquire", s.handleAcquire)
	mux.HandleFunc("/seal", s.idempotent(s.handleSeal))
	mux.HandleFunc("/discard", s.handleDiscard)
	mux.HandleFunc("/release", s.idempotent(s.handleRelease))

	s.srv = &http.Server{
		Addr:           addr,
		Handler:        mux,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	return s
}

// Serve starts accepting connections. It blocks until Close is called or the
// listener fails.
func (s *Server) Serve() error {
	s.logger.Printf("http transport serving on %s", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Close shuts the server down.
func (s *Server) Close() error {
	return s.srv.Shutdown(context.Background())
}

// idempotent wraps a handler so that a request carrying the same
// Fruina-Idempotency-Key header within idempotencyWindow replays the first
// response instead of re-running the operation, per SPEC_FULL §4.D.
func (s *Server) idempotent(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(idempotencyKeyHeader)
		if key == "" {
			next(w, r)
			return
		}

		s.mu.Lock()
		s.evictExpiredReplaysLocked()
		if cached, ok := s.replayed[key]; ok {
			s.mu.Unlock()
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(cached.status)
			w.Write(cached.body)
			return
		}
		s.mu.Unlock()

		rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)

		s.mu.Lock()
		s.replayed[key] = replayedResponse{status: rec.status, body: rec.body, storeAt: time.Now()}
		s.mu.Unlock()
	}
}

func (s *Server) evictExpiredReplaysLocked() {
	now := time.Now()
	for k, v := range s.replayed {
		if now.Sub(v.storeAt) > idempotencyWindow {
			delete(s.replayed, k)
		}
	}
}

// responseRecorder captures the status and bytes written to the client so
// idempotent can replay them verbatim for a repeated idempotency key.
type responseRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	body        []byte
}

func (r *responseRecorder) WriteHeader(status int) {
	r.status = status
	r.wroteHeader = true
	r.ResponseWriter.WriteHeader(status)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	r.body = append(r.body, b...)
	return r.ResponseWriter.Write(b)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// writeJSONError sets the status line from err's Kind (SPEC_FULL §6: 400
// validation, 404 NotFound, 409 Exists/SealViolation, 423 NotReady, 507 Full,
// 410 Gone, 500 internal) before encoding v, so a spec-conformant HTTP
// client doesn't have to unmarshal the body to learn an Acquire failed.
func writeJSONError(w http.ResponseWriter, err error, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(transport.StatusForKind(errs.KindOf(err)))
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleAcquire(w http.ResponseWriter, r *http.Request) {
	var req wire.AcquireRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, err, wire.AcquireResponse{Error: &wire.ErrorWire{Kind: "Internal", Message: err.Error()}})
		return
	}

	l, snap, err := s.peer.Acquire(req.ObjectID, lease.AccessFlags(req.Flags), transport.ToAcquireOpts(req))
	if err != nil {
		writeJSONError(w, err, wire.AcquireResponse{Error: transport.ToWireError(err)})
		return
	}
	writeJSON(w, wire.AcquireResponse{LeaseID: string(l.ID), Snapshot: transport.ToWireSnapshot(snap, false)})
}

func (s *Server) handleSeal(w http.ResponseWriter, r *http.Request) {
	var req wire.LeaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, err, wire.SealResponse{Error: &wire.ErrorWire{Kind: "Internal", Message: err.Error()}})
		return
	}
	snap, err := s.peer.Seal(lease.ID(req.LeaseID))
	if err != nil {
		writeJSONError(w, err, wire.SealResponse{Error: transport.ToWireError(err)})
		return
	}
	writeJSON(w, wire.SealResponse{Snapshot: transport.ToWireSnapshot(snap, false)})
}

func (s *Server) handleDiscard(w http.ResponseWriter, r *http.Request) {
	var req wire.LeaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, err, wire.StatusResponse{Error: &wire.ErrorWire{Kind: "Internal", Message: err.Error()}})
		return
	}
	if err := s.peer.Discard(lease.ID(req.LeaseID)); err != nil {
		writeJSONError(w, err, wire.StatusResponse{Error: transport.ToWireError(err)})
		return
	}
	writeJSON(w, wire.StatusResponse{OK: true})
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	var req wire.LeaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, err, wire.StatusResponse{Error: &wire.ErrorWire{Kind: "Internal", Message: err.Error()}})
		return
	}
	if err := s.peer.Release(lease.ID(req.LeaseID)); err != nil {
		writeJSONError(w, err, wire.StatusResponse{Error: transport.ToWireError(err)})
		return
	}
	writeJSON(w, wire.StatusResponse{OK: true})
}
