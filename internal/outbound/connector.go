// Package outbound dials downstream audio processors after they announce
// themselves and hands the connected sockets to the session registry.
package outbound

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/lexiqai/speech-relay/internal/callevents"
	"github.com/lexiqai/speech-relay/internal/framing"
	"github.com/lexiqai/speech-relay/internal/observability"
	"github.com/lexiqai/speech-relay/internal/resilience"
	"github.com/lexiqai/speech-relay/internal/session"
)

// ErrDialInProgress is returned by Redial when another dial for the call is
// already running.
var ErrDialInProgress = errors.New("outbound: dial already in progress")

// DialFunc opens a stream connection. net.Dialer.DialContext satisfies it.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Options configures a Connector.
type Options struct {
	Host        string
	Ports       PortPolicy
	Schedule    resilience.Schedule
	DialTimeout time.Duration
	Workers     int

	// Dial and Sleep default to the network and the real clock.
	Dial  DialFunc
	Sleep resilience.SleepFunc

	Events callevents.Publisher
	Logger zerolog.Logger
}

// Connector establishes at most one outbound connection per call.
type Connector struct {
	registry *session.Registry
	opts     Options
	pool     *ants.Pool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewConnector creates a connector with a bounded, non-blocking pool of dial
// workers.
func NewConnector(registry *session.Registry, opts Options) (*Connector, error) {
	if opts.Dial == nil {
		d := &net.Dialer{}
		opts.Dial = d.DialContext
	}
	if opts.Sleep == nil {
		opts.Sleep = resilience.ContextSleep
	}
	if opts.Events == nil {
		opts.Events = callevents.Nop()
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 500 * time.Millisecond
	}

	logger := opts.Logger
	pool, err := ants.NewPool(opts.Workers,
		ants.WithNonblocking(true),
		ants.WithPanicHandler(func(p interface{}) {
			logger.Error().Interface("panic", p).Msg("Dial task panicked")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create dial pool: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Connector{
		registry: registry,
		opts:     opts,
		pool:     pool,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Trigger starts dialing callID in the background and returns immediately.
// It returns false when the call is already connected or being dialed, or
// when every dial worker is busy.
func (c *Connector) Trigger(callID string) bool {
	token, ok := c.registry.BeginDial(callID)
	if !ok {
		return false
	}

	c.wg.Add(1)
	err := c.pool.Submit(func() {
		defer c.wg.Done()
		_ = c.Connect(c.ctx, token)
	})
	if err != nil {
		c.wg.Done()
		c.registry.DialFailed(token, false)
		c.opts.Logger.Warn().Err(err).Str("call_id", callID).Msg("Dial pool saturated, waiting for the next REGISTER")
		observability.RecordError("pool_saturated", "outbound")
		return false
	}
	return true
}

// Connect runs the full retry schedule for token. On success the socket is
// attached to the session; when the schedule is exhausted the session is
// marked degraded.
func (c *Connector) Connect(ctx context.Context, token session.DialToken) error {
	callID := token.CallID
	port, numeric := c.opts.Ports.PortFor(callID)
	addr := net.JoinHostPort(c.opts.Host, strconv.Itoa(port))
	logger := c.opts.Logger.With().Str("call_id", callID).Str("addr", addr).Logger()
	if !numeric {
		logger.Warn().Msg("Call ID is not numeric, using the fallback port")
	}

	ctx, span := observability.Tracer().Start(ctx, "outbound.connect",
		trace.WithAttributes(attribute.String("call.id", callID), attribute.Int("net.peer.port", port)))
	defer span.End()

	var (
		conn     net.Conn
		attempts int
	)
	err := resilience.Run(ctx, c.opts.Schedule, c.opts.Sleep, func(attempt int) error {
		attempts = attempt
		cn, err := c.dialOnce(ctx, addr, callID)
		observability.RecordDialAttempt(err == nil)
		if err != nil {
			logger.Debug().Err(err).Int("attempt", attempt).Msg("Dial attempt failed")
			return err
		}
		conn = cn
		return nil
	})
	span.SetAttributes(attribute.Int("dial.attempts", attempts))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "dial failed")
		cancelled := ctx.Err() != nil
		if c.registry.DialFailed(token, !cancelled) {
			logger.Error().Err(err).Int("attempts", attempts).Msg("Downstream processor unreachable, audio for this call will be dropped")
			observability.RecordError("dial_exhausted", "outbound")
			c.opts.Events.Publish(callevents.New(callevents.OutboundDegraded, callID, map[string]string{
				"addr":     addr,
				"attempts": strconv.Itoa(attempts),
			}))
		}
		return err
	}

	return c.attach(token, conn, addr, attempts, logger)
}

// Redial makes a single connection attempt for a call whose socket was
// evicted after a write failure.
func (c *Connector) Redial(ctx context.Context, callID string) error {
	token, ok := c.registry.BeginDial(callID)
	if !ok {
		if c.registry.Connected(callID) {
			return nil
		}
		return ErrDialInProgress
	}

	port, _ := c.opts.Ports.PortFor(callID)
	addr := net.JoinHostPort(c.opts.Host, strconv.Itoa(port))
	logger := c.opts.Logger.With().Str("call_id", callID).Str("addr", addr).Logger()

	conn, err := c.dialOnce(ctx, addr, callID)
	observability.RecordDialAttempt(err == nil)
	if err != nil {
		c.registry.DialFailed(token, false)
		return fmt.Errorf("redial %s: %w", addr, err)
	}
	return c.attach(token, conn, addr, 1, logger)
}

func (c *Connector) attach(token session.DialToken, conn net.Conn, addr string, attempts int, logger zerolog.Logger) error {
	if err := c.registry.Attach(token, conn); err != nil {
		conn.Close()
		logger.Debug().Err(err).Msg("Discarding connection")
		return err
	}

	observability.OutboundOpened()
	logger.Info().Int("attempts", attempts).Msg("Connected to downstream processor")
	c.opts.Events.Publish(callevents.New(callevents.OutboundConnected, token.CallID, map[string]string{
		"addr":     addr,
		"attempts": strconv.Itoa(attempts),
	}))
	return nil
}

// dialOnce connects, disables Nagle's algorithm and sends the framed
// identity. The peer does not reply to the handshake.
func (c *Connector) dialOnce(ctx context.Context, addr, callID string) (net.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	conn, err := c.opts.Dial(dialCtx, "tcp", addr)
	cancel()
	if err != nil {
		return nil, err
	}

	if tcp, ok := conn.(*net.TCPConn); ok {
		if err := tcp.SetNoDelay(true); err != nil {
			conn.Close()
			return nil, fmt.Errorf("set TCP_NODELAY: %w", err)
		}
	}

	_ = conn.SetWriteDeadline(time.Now().Add(c.opts.DialTimeout))
	if err := framing.WriteFrame(conn, []byte(callID)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("identity handshake: %w", err)
	}
	_ = conn.SetWriteDeadline(time.Time{})
	return conn, nil
}

// Running reports how many dial tasks are in flight.
func (c *Connector) Running() int {
	return c.pool.Running()
}

// Close cancels dials in flight and waits for them to return.
func (c *Connector) Close() {
	c.cancel()
	c.wg.Wait()
	c.pool.Release()
}
