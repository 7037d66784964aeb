package relay

import (
	"context"
	"errors"
	"net"
	"strconv"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/lexiqai/speech-relay/internal/audio"
	"github.com/lexiqai/speech-relay/internal/callevents"
	"github.com/lexiqai/speech-relay/internal/framing"
	"github.com/lexiqai/speech-relay/internal/observability"
	"github.com/lexiqai/speech-relay/internal/session"
	"github.com/lexiqai/speech-relay/internal/tts"
)

// Reasons a call's text loop ends.
const (
	endSentinel   = "end_of_call"
	endDisconnect = "disconnect"
	endViolation  = "protocol_violation"
	endBadText    = "invalid_utf8"
)

// Reasons a frame is dropped.
const (
	dropNotRegistered = "not_registered"
	dropDegraded      = "degraded"
	dropWriteFailed   = "write_failed"
)

// Call runs one upstream connection from identity to end of call.
type Call struct {
	server *Server
	conn   net.Conn
	callID string

	metrics *observability.CallMetrics
	logger  zerolog.Logger

	texts   int
	sent    int
	dropped int
}

func newCall(s *Server, conn net.Conn, callID string) *Call {
	return &Call{
		server:  s,
		conn:    conn,
		callID:  callID,
		metrics: observability.NewCallMetrics(callID),
		logger:  s.deps.Logger.With().Str("call_id", callID).Str("correlation_id", observability.NewCorrelationID()).Logger(),
	}
}

func (c *Call) run(ctx context.Context) {
	deps := c.server.deps
	c.metrics.RecordCallStart()
	c.logger.Info().Str("remote", c.conn.RemoteAddr().String()).Msg("Call started")
	deps.Events.Publish(callevents.New(callevents.CallStarted, c.callID, nil))

	reason := c.readLoop(ctx)

	closed, err := deps.Registry.Release(c.callID)
	if err != nil {
		c.logger.Warn().Err(err).Msg("End-of-call marker not delivered")
	}
	deps.Presence.Remove(c.callID)
	c.metrics.RecordCallEnd()

	c.logger.Info().
		Str("reason", reason).
		Int("texts", c.texts).
		Int("frames_sent", c.sent).
		Int("frames_dropped", c.dropped).
		Bool("outbound_closed", closed).
		Msg("Call ended")
	deps.Events.Publish(callevents.New(callevents.CallEnded, c.callID, map[string]string{
		"reason":         reason,
		"texts":          strconv.Itoa(c.texts),
		"frames_sent":    strconv.Itoa(c.sent),
		"frames_dropped": strconv.Itoa(c.dropped),
	}))
}

// readLoop processes text frames in order until the call ends and returns
// why it ended.
func (c *Call) readLoop(ctx context.Context) string {
	for {
		payload, err := framing.ReadFrame(c.conn, c.server.opts.MaxTextBytes)
		switch {
		case err == nil:
		case errors.Is(err, framing.ErrEndOfCall):
			return endSentinel
		case errors.Is(err, framing.ErrMalformed):
			c.logger.Warn().Err(err).Msg("Protocol violation, closing connection")
			c.metrics.RecordError("protocol_violation", "relay")
			return endViolation
		default:
			c.logger.Debug().Err(err).Msg("Upstream disconnected")
			return endDisconnect
		}

		if !utf8.Valid(payload) {
			c.logger.Warn().Int("bytes", len(payload)).Msg("Text is not UTF-8, closing connection")
			c.metrics.RecordError("invalid_utf8", "relay")
			return endBadText
		}

		c.texts++
		c.metrics.RecordText()
		c.speak(ctx, string(payload))
	}
}

// speak synthesizes text and streams every window of the result to the
// downstream processor as soon as it is produced. A synthesis failure
// counts as zero audio; the call continues.
func (c *Call) speak(ctx context.Context, text string) {
	opts := c.server.opts
	deps := c.server.deps

	ctx, span := observability.Tracer().Start(ctx, "relay.synthesize",
		trace.WithAttributes(
			attribute.String("call.id", c.callID),
			attribute.String("synth.engine", deps.Synthesizer.Name()),
			attribute.Int("text.bytes", len(text)),
		))
	defer span.End()

	req := tts.Request{
		CallID:     c.callID,
		Text:       text,
		Voice:      opts.Voice,
		Speed:      opts.Speed,
		SampleRate: opts.SampleRate,
	}

	send := func(f audio.Frame) error {
		c.deliver(ctx, f)
		return nil
	}
	acc := c.server.splitter.NewAccumulator()
	samples := 0

	c.metrics.RecordSynthesisStart()
	err := tts.Stream(ctx, deps.Synthesizer, req, func(chunk tts.Chunk) error {
		pcm := chunk.Samples()
		rate := chunk.SampleRate()
		if rate == 0 {
			rate = uint32(opts.SampleRate)
		}
		samples += len(pcm)
		c.metrics.RecordSynthesized(len(pcm) * 4)
		return acc.Push(pcm, rate, send)
	})
	// Audio produced before a failure is still delivered.
	_ = acc.Flush(send)
	elapsed := c.metrics.RecordSynthesisEnd(err == nil)
	deps.Stats.RecordSynthesis(elapsed, samples, err == nil)
	span.SetAttributes(attribute.Int("audio.samples", samples))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "synthesis failed")
		c.metrics.RecordError("synthesis", "tts")
		c.logger.Warn().Err(err).Int("samples", samples).Msg("Synthesis failed, continuing with the next text")
		return
	}
	c.logger.Debug().Int("samples", samples).Dur("elapsed", elapsed).Msg("Text synthesized")
}

// deliver sends one frame. A frame that cannot be sent is dropped; the text
// loop never waits for the downstream side to appear.
func (c *Call) deliver(ctx context.Context, f audio.Frame) {
	deps := c.server.deps

	_, err := deps.Registry.Send(c.callID, f)
	if errors.Is(err, session.ErrWriteFailed) {
		c.logger.Warn().Err(err).Msg("Outbound write failed, reconnecting once")
		if rerr := c.redial(ctx); rerr != nil {
			c.drop(dropWriteFailed, rerr)
			return
		}
		_, err = deps.Registry.Send(c.callID, f)
	}

	switch {
	case err == nil:
		c.sent++
		c.metrics.RecordFrameSent(f.ByteLength())
		deps.Stats.RecordFrameSent()
	case errors.Is(err, session.ErrDegraded):
		c.drop(dropDegraded, err)
	case errors.Is(err, session.ErrWriteFailed):
		c.drop(dropWriteFailed, err)
	default:
		c.drop(dropNotRegistered, err)
	}
}

func (c *Call) redial(ctx context.Context) error {
	if c.server.deps.Redialer == nil {
		return session.ErrNoOutbound
	}
	return c.server.deps.Redialer.Redial(ctx, c.callID)
}

// drop logs the first dropped frame of a call at warn level and the rest at
// debug.
func (c *Call) drop(reason string, err error) {
	c.dropped++
	c.metrics.RecordFrameDropped(reason)
	c.server.deps.Stats.RecordFrameDropped()

	event := c.logger.Debug()
	if c.dropped == 1 {
		event = c.logger.Warn()
	}
	event.Err(err).Str("reason", reason).Msg("Dropping audio frame")
}
