// Package callevents carries call lifecycle notifications from the relay to
// optional sinks (NATS, SQLite) without ever blocking the call path.
package callevents

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Type names a lifecycle event. It doubles as the NATS subject suffix.
type Type string

const (
	CallStarted        Type = "call.started"
	CallEnded          Type = "call.ended"
	OutboundConnected  Type = "outbound.connected"
	OutboundDegraded   Type = "outbound.degraded"
	OutboundClosed     Type = "outbound.closed"
	RendezvousRegister Type = "rendezvous.register"
	RendezvousBye      Type = "rendezvous.bye"
)

// Event is one lifecycle notification. It never carries audio or text.
type Event struct {
	Type   Type              `json:"type"`
	CallID string            `json:"call_id"`
	At     time.Time         `json:"at"`
	Attrs  map[string]string `json:"attrs,omitempty"`
}

// New stamps an event with the current time.
func New(t Type, callID string, attrs map[string]string) Event {
	return Event{Type: t, CallID: callID, At: time.Now().UTC(), Attrs: attrs}
}

// Sink persists or forwards events.
type Sink interface {
	Record(ctx context.Context, e Event) error
}

// Publisher accepts events without blocking.
type Publisher interface {
	Publish(e Event)
}

type nop struct{}

func (nop) Publish(Event) {}

// Nop discards every event.
func Nop() Publisher { return nop{} }

// Recorder is an in-memory Sink, mostly useful in tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Record(_ context.Context, e Event) error {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	return nil
}

// Publish makes a Recorder usable directly as a synchronous Publisher.
func (r *Recorder) Publish(e Event) {
	_ = r.Record(context.Background(), e)
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Of returns the recorded events of type t for callID.
func (r *Recorder) Of(t Type, callID string) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == t && e.CallID == callID {
			out = append(out, e)
		}
	}
	return out
}

// Async fans events out to sinks from a single background goroutine. When
// the queue is full new events are dropped and counted.
type Async struct {
	sinks   []Sink
	queue   chan Event
	logger  zerolog.Logger
	dropped atomic.Uint64

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewAsync starts the delivery goroutine.
func NewAsync(logger zerolog.Logger, buffer int, sinks ...Sink) *Async {
	if buffer < 1 {
		buffer = 1
	}
	a := &Async{
		sinks:  sinks,
		queue:  make(chan Event, buffer),
		logger: logger,
		done:   make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *Async) Publish(e Event) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}
	select {
	case a.queue <- e:
	default:
		if a.dropped.Add(1) == 1 {
			a.logger.Warn().Str("type", string(e.Type)).Msg("Event queue full, dropping events")
		}
	}
}

// Dropped reports how many events were discarded on overflow.
func (a *Async) Dropped() uint64 {
	return a.dropped.Load()
}

func (a *Async) run() {
	defer close(a.done)
	for e := range a.queue {
		for _, sink := range a.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := sink.Record(ctx, e); err != nil {
				a.logger.Debug().Err(err).Str("type", string(e.Type)).Str("call_id", e.CallID).Msg("Event sink failed")
			}
			cancel()
		}
	}
}

// Close stops accepting events and waits for queued ones to be delivered or
// for ctx to expire.
func (a *Async) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()

	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return errors.Join(errors.New("event delivery did not finish"), ctx.Err())
	}
}
