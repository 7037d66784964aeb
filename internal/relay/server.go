// Package relay accepts upstream text producers, drives synthesis for each
// call and streams the resulting audio to the call's downstream processor.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/lexiqai/speech-relay/internal/audio"
	"github.com/lexiqai/speech-relay/internal/callevents"
	"github.com/lexiqai/speech-relay/internal/framing"
	"github.com/lexiqai/speech-relay/internal/observability"
	"github.com/lexiqai/speech-relay/internal/rendezvous"
	"github.com/lexiqai/speech-relay/internal/session"
	"github.com/lexiqai/speech-relay/internal/tts"
)

// Redialer reconnects a call's outbound socket once after a write failure.
type Redialer interface {
	Redial(ctx context.Context, callID string) error
}

// Options configures the inbound server.
type Options struct {
	Addr             string
	PollInterval     time.Duration
	MaxIdentityBytes int
	MaxTextBytes     int

	Voice         string
	Speed         float64
	SampleRate    int
	FrameDuration time.Duration
}

// Deps are the collaborators a Server drives.
type Deps struct {
	Registry    *session.Registry
	Redialer    Redialer
	Synthesizer tts.Synthesizer
	Presence    *rendezvous.Presence
	Events      callevents.Publisher
	Stats       *Stats
	Logger      zerolog.Logger
}

// Server is the inbound TCP server. Each accepted connection is one call.
type Server struct {
	opts     Options
	deps     Deps
	splitter *audio.Splitter

	ln      *net.TCPListener
	serving atomic.Bool

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

// NewServer fills in defaults for unset options.
func NewServer(opts Options, deps Deps) *Server {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.MaxIdentityBytes <= 0 {
		opts.MaxIdentityBytes = framing.MaxIdentityBytes
	}
	if opts.MaxTextBytes <= 0 {
		opts.MaxTextBytes = framing.MaxTextBytes
	}
	if opts.Speed <= 0 {
		opts.Speed = 1.0
	}
	if opts.SampleRate <= 0 {
		opts.SampleRate = audio.DefaultSampleRate
	}
	if deps.Presence == nil {
		deps.Presence = rendezvous.NewPresence()
	}
	if deps.Events == nil {
		deps.Events = callevents.Nop()
	}
	if deps.Stats == nil {
		deps.Stats = NewStats()
	}
	return &Server{
		opts:     opts,
		deps:     deps,
		splitter: audio.NewSplitter(opts.FrameDuration),
		conns:    make(map[net.Conn]struct{}),
	}
}

// Listen binds the inbound port. A bind failure is fatal for the relay.
func (s *Server) Listen() error {
	addr, err := net.ResolveTCPAddr("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("resolve inbound address %s: %w", s.opts.Addr, err)
	}
	ln, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return fmt.Errorf("bind inbound listener %s: %w", s.opts.Addr, err)
	}
	s.ln = ln
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Healthy reports whether the accept loop is running.
func (s *Server) Healthy(context.Context) (bool, error) {
	if !s.serving.Load() {
		return false, errors.New("inbound server not serving")
	}
	return true, nil
}

// Stats returns the shared statistics.
func (s *Server) Stats() *Stats {
	return s.deps.Stats
}

// Snapshot combines the statistics with live session counts.
func (s *Server) Snapshot() StatsSnapshot {
	snap := s.deps.Stats.Snapshot()
	snap.ActiveSessions = s.deps.Registry.Len()
	snap.SessionsCreated = s.deps.Registry.Created()
	snap.RegisteredCalls = s.deps.Presence.Len()
	if r, ok := s.deps.Redialer.(interface{ Running() int }); ok {
		snap.DialTasksRunning = r.Running()
	}
	return snap
}

// Serve accepts connections until ctx is cancelled, then closes every open
// upstream connection and waits for their handlers to finish.
func (s *Server) Serve(ctx context.Context) error {
	if s.ln == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	s.serving.Store(true)
	defer s.serving.Store(false)

	logger := s.deps.Logger
	logger.Info().Str("addr", s.ln.Addr().String()).Msg("Inbound server started")

	defer func() {
		s.ln.Close()
		s.closeConns()
		s.wg.Wait()
		logger.Info().Msg("Inbound server stopped")
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := s.ln.SetDeadline(time.Now().Add(s.opts.PollInterval)); err != nil {
			return fmt.Errorf("set accept deadline: %w", err)
		}

		conn, err := s.ln.AcceptTCP()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			logger.Warn().Err(err).Msg("Accept failed")
			observability.RecordError("accept", "relay")
			continue
		}

		_ = conn.SetNoDelay(true)
		s.track(conn)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			s.handle(ctx, conn)
		}()
	}
}

func (s *Server) track(conn net.Conn) {
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	conn.Close()
}

func (s *Server) closeConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		conn.Close()
	}
}

// handle reads the identity frame, claims the call and runs it.
func (s *Server) handle(ctx context.Context, conn net.Conn) {
	logger := s.deps.Logger.With().Str("remote", conn.RemoteAddr().String()).Logger()

	id, err := framing.ReadFrame(conn, s.opts.MaxIdentityBytes)
	if err != nil {
		switch {
		case errors.Is(err, framing.ErrMalformed):
			logger.Warn().Err(err).Msg("Invalid identity frame, closing connection")
			observability.RecordError("protocol_violation", "relay")
		case errors.Is(err, framing.ErrEndOfCall):
			logger.Warn().Msg("End of call before identity, closing connection")
		default:
			logger.Debug().Err(err).Msg("Connection closed before identity")
		}
		return
	}
	if !utf8.Valid(id) {
		logger.Warn().Msg("Identity is not UTF-8, closing connection")
		observability.RecordError("protocol_violation", "relay")
		return
	}

	callID := string(id)
	if _, err := s.deps.Registry.Open(callID); err != nil {
		logger.Warn().Err(err).Str("call_id", callID).Msg("Rejecting upstream connection")
		observability.RecordError("duplicate_call", "relay")
		return
	}

	newCall(s, conn, callID).run(ctx)
}

// LogStats logs a statistics snapshot every interval until ctx is done. A
// non-positive interval disables it.
func (s *Server) LogStats(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := s.Snapshot()
			s.deps.Logger.Info().
				Int("active_sessions", snap.ActiveSessions).
				Int("registered_calls", snap.RegisteredCalls).
				Uint64("syntheses", snap.Syntheses).
				Uint64("failures", snap.Failures).
				Uint64("frames_sent", snap.FramesSent).
				Uint64("frames_dropped", snap.FramesDropped).
				Float64("avg_synthesis_ms", snap.AvgSynthesisMs).
				Float64("max_synthesis_ms", snap.MaxSynthesisMs).
				Msg("Relay statistics")
		}
	}
}
