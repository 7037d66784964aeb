package rendezvous

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/speech-relay/internal/observability"
)

// Handler reacts to announcements. Callbacks run on the receive loop and
// must not block for long; OnRegister is expected to hand dialing off.
type Handler struct {
	OnRegister func(callID string)
	OnBye      func(callID string)
}

// Listener is the UDP rendezvous service.
type Listener struct {
	conn     *net.UDPConn
	poll     time.Duration
	handler  Handler
	presence *Presence
	logger   zerolog.Logger

	serving atomic.Bool
}

// Listen binds the rendezvous socket. A bind failure is fatal for the relay.
func Listen(addr string, poll time.Duration, handler Handler, presence *Presence, logger zerolog.Logger) (*Listener, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve rendezvous address %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("bind rendezvous socket %s: %w", addr, err)
	}
	if presence == nil {
		presence = NewPresence()
	}
	if poll <= 0 {
		poll = time.Second
	}
	return &Listener{
		conn:     conn,
		poll:     poll,
		handler:  handler,
		presence: presence,
		logger:   logger,
	}, nil
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr {
	return l.conn.LocalAddr()
}

// Presence returns the table the listener maintains.
func (l *Listener) Presence() *Presence {
	return l.presence
}

// Healthy reports whether the receive loop is running.
func (l *Listener) Healthy(context.Context) (bool, error) {
	if !l.serving.Load() {
		return false, errors.New("rendezvous listener not serving")
	}
	return true, nil
}

// Serve receives announcements until ctx is cancelled. The read deadline is
// refreshed every poll interval so cancellation is noticed promptly.
func (l *Listener) Serve(ctx context.Context) error {
	l.serving.Store(true)
	defer l.serving.Store(false)

	l.logger.Info().Str("addr", l.Addr().String()).Msg("Rendezvous listener started")
	defer l.logger.Info().Msg("Rendezvous listener stopped")

	// One spare byte detects datagrams over the limit.
	buf := make([]byte, MaxDatagramBytes+1)
	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := l.conn.SetReadDeadline(time.Now().Add(l.poll)); err != nil {
			return fmt.Errorf("set read deadline: %w", err)
		}

		n, from, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			l.logger.Warn().Err(err).Msg("Rendezvous receive failed")
			observability.RecordError("receive", "rendezvous")
			continue
		}

		l.dispatch(buf[:n], from)
	}
}

func (l *Listener) dispatch(datagram []byte, from *net.UDPAddr) {
	msg, err := ParseMessage(datagram)
	if err != nil {
		observability.RecordDatagram("malformed")
		l.logger.Debug().Err(err).Stringer("from", from).Msg("Dropping rendezvous datagram")
		return
	}
	observability.RecordDatagram(msg.Kind.String())

	switch msg.Kind {
	case Register:
		l.presence.Upsert(msg.CallID)
		l.logger.Info().Str("call_id", msg.CallID).Msg("Downstream processor registered")
		if l.handler.OnRegister != nil {
			l.handler.OnRegister(msg.CallID)
		}
	case Bye:
		l.presence.Remove(msg.CallID)
		l.logger.Info().Str("call_id", msg.CallID).Msg("Downstream processor said goodbye")
		if l.handler.OnBye != nil {
			l.handler.OnBye(msg.CallID)
		}
	}
}

// Close releases the socket and unblocks Serve.
func (l *Listener) Close() error {
	return l.conn.Close()
}
