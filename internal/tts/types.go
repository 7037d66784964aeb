// Package tts adapts speech synthesis engines to the relay's streaming
// contract: an ordered sequence of float32 PCM chunks, with failure reported
// separately from "produced no audio".
package tts

import (
	"context"
	"errors"

	goaudio "github.com/go-audio/audio"
)

// ErrEmptyText is returned for text with nothing to speak.
var ErrEmptyText = errors.New("tts: empty text")

// Request contains parameters to synthesize speech.
type Request struct {
	CallID     string
	Text       string
	Voice      string
	Speed      float64
	SampleRate int
}

// Chunk is one unit of synthesized mono audio. Engines that stream emit many
// chunks per request; one-shot engines emit a single chunk with Final set.
type Chunk struct {
	PCM   *goaudio.Float32Buffer
	Final bool
}

// Samples returns the chunk's samples, or nil for an empty chunk.
func (c Chunk) Samples() []float32 {
	if c.PCM == nil {
		return nil
	}
	return c.PCM.Data
}

// SampleRate returns the chunk's rate in Hz.
func (c Chunk) SampleRate() uint32 {
	if c.PCM == nil || c.PCM.Format == nil || c.PCM.Format.SampleRate <= 0 {
		return 0
	}
	return uint32(c.PCM.Format.SampleRate)
}

// NewChunk wraps mono samples at sampleRate.
func NewChunk(samples []float32, sampleRate int, final bool) Chunk {
	return Chunk{
		PCM: &goaudio.Float32Buffer{
			Format:         &goaudio.Format{NumChannels: 1, SampleRate: sampleRate},
			Data:           samples,
			SourceBitDepth: 32,
		},
		Final: final,
	}
}

// Synthesizer is the contract for producing audio. Both channels are closed
// when synthesis ends; at most one error is delivered.
type Synthesizer interface {
	Name() string
	Synthesize(ctx context.Context, req Request) (<-chan Chunk, <-chan error)
}

// Stream runs one synthesis and calls fn for every non-empty chunk in order.
// If fn fails the synthesis is cancelled and fn's error returned; otherwise
// the engine's error, if any, is returned.
func Stream(ctx context.Context, s Synthesizer, req Request, fn func(Chunk) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	chunks, errs := s.Synthesize(ctx, req)

	var fnErr error
	for chunk := range chunks {
		if fnErr != nil || len(chunk.Samples()) == 0 {
			continue
		}
		if err := fn(chunk); err != nil {
			fnErr = err
			cancel()
		}
	}

	synthErr := <-errs
	if fnErr != nil {
		return fnErr
	}
	return synthErr
}

// emit delivers chunk unless ctx is done first.
func emit(ctx context.Context, ch chan<- Chunk, chunk Chunk) bool {
	select {
	case ch <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

func newStreams() (chan Chunk, chan error) {
	return make(chan Chunk, 8), make(chan error, 1)
}

func failed(err error) (<-chan Chunk, <-chan error) {
	chunks, errs := newStreams()
	errs <- err
	close(chunks)
	close(errs)
	return chunks, errs
}
