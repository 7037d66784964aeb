// Package session holds the relay's per-call state. The Registry is the only
// component that creates, replaces or destroys a call's outbound socket.
package session

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lexiqai/speech-relay/internal/audio"
)

var (
	// ErrNoOutbound means the call has no live downstream connection yet.
	ErrNoOutbound = errors.New("session: no outbound connection")

	// ErrDegraded means dialing the downstream processor was given up.
	ErrDegraded = fmt.Errorf("%w: dial attempts exhausted", ErrNoOutbound)

	// ErrWriteFailed wraps an I/O error on the outbound socket. The socket
	// has already been evicted when it is returned.
	ErrWriteFailed = errors.New("session: outbound write failed")

	// ErrDuplicateCall is returned when a second upstream connection claims
	// a call that already has one.
	ErrDuplicateCall = errors.New("session: call already has an upstream connection")

	// ErrStaleDial is returned by Attach when the dial was superseded by a
	// teardown or the session is gone.
	ErrStaleDial = errors.New("session: stale dial")

	// ErrAlreadyConnected is returned by Attach when the call already has a socket.
	ErrAlreadyConnected = errors.New("session: outbound already connected")
)

// Close reasons passed to OnOutboundClosed.
const (
	ReasonEndOfCall   = "end_of_call"
	ReasonBye         = "bye"
	ReasonWriteFailed = "write_failed"
	ReasonShutdown    = "shutdown"
)

// Options configures a Registry.
type Options struct {
	// WriteTimeout bounds every outbound write. Zero disables deadlines.
	WriteTimeout time.Duration

	// OnOutboundClosed is called after an outbound socket was closed.
	OnOutboundClosed func(callID, reason string)
}

// DialToken authorizes one dial cycle. Attach rejects it once the session
// was torn down or replaced.
type DialToken struct {
	CallID  string
	session *Session
	gen     uint64
}

// Registry maps call IDs to sessions. Its lock only guards the map; each
// session guards its own state.
type Registry struct {
	opts Options

	mu       sync.Mutex
	sessions map[string]*Session

	created atomic.Uint64
}

// NewRegistry returns an empty registry.
func NewRegistry(opts Options) *Registry {
	return &Registry{
		opts:     opts,
		sessions: make(map[string]*Session),
	}
}

// ensureLocked returns the session for callID, creating it if needed.
// r.mu must be held.
func (r *Registry) ensureLocked(callID string) *Session {
	s, ok := r.sessions[callID]
	if !ok {
		s = newSession(callID)
		r.sessions[callID] = s
		r.created.Add(1)
	}
	return s
}

func (r *Registry) get(callID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[callID]
}

// Open claims callID for an upstream connection.
func (r *Registry) Open(callID string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.ensureLocked(callID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inbound {
		return nil, ErrDuplicateCall
	}
	s.inbound = true
	return s, nil
}

// Release ends the upstream side of a call: the outbound end-of-call marker
// is sent if a socket exists and the session is removed. It reports whether
// an outbound socket was closed.
func (r *Registry) Release(callID string) (bool, error) {
	r.mu.Lock()
	s := r.sessions[callID]
	delete(r.sessions, callID)
	r.mu.Unlock()

	if s == nil {
		return false, nil
	}
	s.mu.Lock()
	s.inbound = false
	s.mu.Unlock()
	return r.closeOutbound(s, Closed, ReasonEndOfCall)
}

// Teardown answers a BYE. The call's outbound socket is detached and any
// dial in flight cancelled before it returns, so a later REGISTER dials a
// fresh socket. The returned function sends the end-of-call marker on the
// old socket and closes it; it can block for up to the write timeout behind
// a stalled write, and is nil when no socket was open. The session survives
// while its upstream connection is open.
func (r *Registry) Teardown(callID string) func() error {
	r.mu.Lock()
	s := r.sessions[callID]
	if s == nil {
		r.mu.Unlock()
		return nil
	}
	s.mu.Lock()
	inbound := s.inbound
	s.mu.Unlock()
	if !inbound {
		delete(r.sessions, callID)
	}
	r.mu.Unlock()

	next := Closed
	if inbound {
		next = AwaitingRegistration
	}
	conn := s.detachOutbound(next)
	if conn == nil {
		return nil
	}
	return func() error {
		err := s.endOutbound(conn, r.opts.WriteTimeout)
		if r.opts.OnOutboundClosed != nil {
			r.opts.OnOutboundClosed(callID, ReasonBye)
		}
		return err
	}
}

func (r *Registry) closeOutbound(s *Session, next State, reason string) (bool, error) {
	closed, err := s.closeOutbound(r.opts.WriteTimeout, next)
	if closed && r.opts.OnOutboundClosed != nil {
		r.opts.OnOutboundClosed(s.callID, reason)
	}
	return closed, err
}

// BeginDial reserves the right to dial callID. It returns false when the
// call is already connected or a dial is in flight, which collapses
// concurrent REGISTERs into one connection.
func (r *Registry) BeginDial(callID string) (DialToken, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.ensureLocked(callID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil || s.dialing {
		return DialToken{}, false
	}
	s.dialing = true
	s.dialGen++
	return DialToken{CallID: callID, session: s, gen: s.dialGen}, true
}

// Attach installs conn as the call's outbound socket. On error the caller
// still owns conn and must close it.
func (r *Registry) Attach(token DialToken, conn net.Conn) error {
	r.mu.Lock()
	current := r.sessions[token.CallID]
	r.mu.Unlock()

	s := token.session
	if s == nil || current != s {
		return ErrStaleDial
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dialGen != token.gen || !s.dialing {
		return ErrStaleDial
	}
	s.dialing = false
	if s.conn != nil {
		return ErrAlreadyConnected
	}
	s.conn = conn
	s.state = Connected
	s.degraded = false
	return nil
}

// DialFailed ends a dial cycle without a connection. When degrade is set
// and the token is current, the session is marked degraded; the first such
// call for a session returns true so the failure is logged once.
func (r *Registry) DialFailed(token DialToken, degrade bool) bool {
	s := token.session
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dialGen != token.gen {
		return false
	}
	s.dialing = false
	if !degrade || s.degraded {
		return false
	}
	s.degraded = true
	return true
}

// Send writes f on the call's outbound socket with the session's next
// sequence number and returns that number. Errors: ErrNoOutbound or
// ErrDegraded when there is no socket or it was detached by a teardown
// during the write, ErrWriteFailed when the write failed and the socket was
// evicted.
func (r *Registry) Send(callID string, f audio.Frame) (uint32, error) {
	s := r.get(callID)
	if s == nil {
		return 0, ErrNoOutbound
	}
	seq, evicted, err := s.send(f, r.opts.WriteTimeout)
	if evicted != nil && r.opts.OnOutboundClosed != nil {
		r.opts.OnOutboundClosed(callID, ReasonWriteFailed)
	}
	return seq, err
}

// Connected reports whether callID has a live outbound socket.
func (r *Registry) Connected(callID string) bool {
	s := r.get(callID)
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Degraded reports whether dialing callID was given up.
func (r *Registry) Degraded(callID string) bool {
	s := r.get(callID)
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

// Lookup returns a snapshot of one session.
func (r *Registry) Lookup(callID string) (Info, bool) {
	s := r.get(callID)
	if s == nil {
		return Info{}, false
	}
	return s.info(), true
}

// Snapshot returns every session ordered by call ID.
func (r *Registry) Snapshot() []Info {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	infos := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].CallID < infos[j].CallID })
	return infos
}

// Len returns the number of tracked sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Created returns how many sessions were ever created.
func (r *Registry) Created() uint64 {
	return r.created.Load()
}

// CloseAll sends the end-of-call marker on every outbound socket and empties
// the registry.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range sessions {
		_, _ = r.closeOutbound(s, Closed, ReasonShutdown)
	}
}
