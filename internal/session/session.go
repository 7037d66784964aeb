package session

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/lexiqai/speech-relay/internal/audio"
	"github.com/lexiqai/speech-relay/internal/framing"
)

// State is the lifecycle state of a call session.
type State int

const (
	AwaitingRegistration State = iota
	Connected
	Closed
)

func (s State) String() string {
	switch s {
	case AwaitingRegistration:
		return "awaiting_registration"
	case Connected:
		return "connected"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is the relay's view of one call. Its state fields are guarded by
// mu, which is never held across network I/O. writeMu owns the outbound
// socket: every write and the final close happen under it, so a frame is
// never written to a socket another goroutine is closing.
type Session struct {
	callID    string
	createdAt time.Time

	writeMu sync.Mutex

	mu         sync.Mutex
	conn       net.Conn
	state      State
	inbound    bool
	dialing    bool
	dialGen    uint64
	degraded   bool
	seq        uint32
	sampleRate uint32
	framesSent uint64
}

func newSession(callID string) *Session {
	return &Session{
		callID:     callID,
		createdAt:  time.Now(),
		state:      AwaitingRegistration,
		sampleRate: audio.DefaultSampleRate,
	}
}

// CallID returns the session's call identifier.
func (s *Session) CallID() string {
	return s.callID
}

// Info is a point-in-time copy of a session's state.
type Info struct {
	CallID     string    `json:"call_id"`
	State      string    `json:"state"`
	Inbound    bool      `json:"inbound"`
	Dialing    bool      `json:"dialing"`
	Degraded   bool      `json:"degraded"`
	LastSeq    uint32    `json:"last_seq"`
	FramesSent uint64    `json:"frames_sent"`
	CreatedAt  time.Time `json:"created_at"`
}

func (s *Session) info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		CallID:     s.callID,
		State:      s.state.String(),
		Inbound:    s.inbound,
		Dialing:    s.dialing,
		Degraded:   s.degraded,
		LastSeq:    s.seq,
		FramesSent: s.framesSent,
		CreatedAt:  s.createdAt,
	}
}

// send stamps f with the next sequence number and writes it. The sequence is
// consumed only when the write succeeds, so a resend after a reconnect reuses
// it. On a write error the socket is evicted and returned for the caller to
// report, unless a teardown already detached it.
func (s *Session) send(f audio.Frame, timeout time.Duration) (uint32, net.Conn, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	conn := s.conn
	if conn == nil {
		degraded := s.degraded
		s.mu.Unlock()
		if degraded {
			return 0, nil, ErrDegraded
		}
		return 0, nil, ErrNoOutbound
	}
	seq := s.seq + 1
	s.mu.Unlock()

	if timeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	err := framing.WriteAudioFrame(conn, f.WithSequence(seq))

	s.mu.Lock()
	if err != nil {
		// A teardown may have detached conn during the write and a new
		// socket may already be installed.
		evicted := s.conn == conn
		if evicted {
			s.conn = nil
			if s.state == Connected {
				s.state = AwaitingRegistration
			}
		}
		s.mu.Unlock()
		_ = conn.Close()
		if !evicted {
			return seq, nil, fmt.Errorf("%w: socket detached during write: %v", ErrNoOutbound, err)
		}
		return seq, conn, fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	s.seq = seq
	s.framesSent++
	s.sampleRate = f.SampleRate
	s.mu.Unlock()
	return seq, nil, nil
}

// closeOutbound detaches the outbound socket and ends it. It reports whether
// a socket was open.
func (s *Session) closeOutbound(timeout time.Duration, next State) (bool, error) {
	conn := s.detachOutbound(next)
	if conn == nil {
		return false, nil
	}
	return true, s.endOutbound(conn, timeout)
}

// detachOutbound removes the outbound socket, cancels any dial in flight and
// moves the session to next. It returns the removed socket, if any.
func (s *Session) detachOutbound(next State) net.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn := s.conn
	s.conn = nil
	s.dialGen++
	s.dialing = false
	s.degraded = false
	s.state = next
	return conn
}

// endOutbound sends the end-of-call marker on a detached socket and closes
// it. A write already in flight on conn finishes first.
func (s *Session) endOutbound(conn net.Conn, timeout time.Duration) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	seq, rate := s.seq, s.sampleRate
	s.mu.Unlock()

	if timeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	err := framing.WriteAudioEnd(conn, rate, seq)
	_ = conn.Close()
	if err != nil {
		return fmt.Errorf("send end of call: %w", err)
	}
	return nil
}
