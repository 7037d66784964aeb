package tts

import (
	"context"

	"github.com/lexiqai/speech-relay/internal/resilience"
)

type guardedSynth struct {
	inner   Synthesizer
	breaker *resilience.CircuitBreaker
}

// WithBreaker rejects requests with resilience.ErrCircuitOpen while cb is
// open and records every completed synthesis against it. A synthesis cancelled
// by the caller is not counted and its slot is released.
func WithBreaker(s Synthesizer, cb *resilience.CircuitBreaker) Synthesizer {
	return &guardedSynth{inner: s, breaker: cb}
}

func (g *guardedSynth) Name() string { return g.inner.Name() }

func (g *guardedSynth) Synthesize(ctx context.Context, req Request) (<-chan Chunk, <-chan error) {
	if !g.breaker.Allow() {
		return failed(resilience.ErrCircuitOpen)
	}

	innerChunks, innerErrs := g.inner.Synthesize(ctx, req)
	chunks, errs := newStreams()
	go func() {
		defer close(errs)
		defer close(chunks)

		for chunk := range innerChunks {
			if !emit(ctx, chunks, chunk) {
				break
			}
		}
		// Drain so the engine can exit after a cancellation.
		for range innerChunks {
		}

		err := <-innerErrs
		if ctx.Err() == nil {
			g.breaker.RecordResult(err == nil)
		} else {
			g.breaker.Release()
		}
		if err != nil {
			errs <- err
		}
	}()
	return chunks, errs
}
