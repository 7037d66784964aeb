package audio

import "time"

// DefaultFrameDuration is the window length used for low-latency delivery.
const DefaultFrameDuration = 40 * time.Millisecond

// Splitter slices synthesized PCM into fixed-duration frames.
type Splitter struct {
	duration time.Duration
}

// NewSplitter returns a splitter emitting windows of d. A non-positive d
// falls back to DefaultFrameDuration.
func NewSplitter(d time.Duration) *Splitter {
	if d <= 0 {
		d = DefaultFrameDuration
	}
	return &Splitter{duration: d}
}

// Duration returns the configured window length.
func (s *Splitter) Duration() time.Duration {
	return s.duration
}

// FrameSamples returns how many samples make up one full window at sampleRate.
// It is never less than one.
func (s *Splitter) FrameSamples(sampleRate uint32) int {
	n := int(uint64(sampleRate) * uint64(s.duration) / uint64(time.Second))
	if n < 1 {
		return 1
	}
	return n
}

// Split cuts samples into consecutive windows in order. The final window may
// be short; it is emitted as is, never padded. Frames are returned unsequenced
// (Sequence 0); the session stamps them when they are sent.
func (s *Splitter) Split(samples []float32, sampleRate uint32) []Frame {
	if len(samples) == 0 {
		return nil
	}
	size := s.FrameSamples(sampleRate)
	frames := make([]Frame, 0, (len(samples)+size-1)/size)
	for start := 0; start < len(samples); start += size {
		end := start + size
		if end > len(samples) {
			end = len(samples)
		}
		frames = append(frames, Frame{
			SampleRate: sampleRate,
			Samples:    samples[start:end:end],
		})
	}
	return frames
}

// Each is the streaming form of Split: fn is called for every window in order
// and iteration stops at the first error, which is returned.
func (s *Splitter) Each(samples []float32, sampleRate uint32, fn func(Frame) error) error {
	size := s.FrameSamples(sampleRate)
	for start := 0; start < len(samples); start += size {
		end := start + size
		if end > len(samples) {
			end = len(samples)
		}
		if err := fn(Frame{SampleRate: sampleRate, Samples: samples[start:end:end]}); err != nil {
			return err
		}
	}
	return nil
}

// Accumulator splits a stream that arrives in chunks of arbitrary size. Only
// full windows are emitted by Push; the remainder is held for the next chunk
// so that only the last frame of a stream can be short.
type Accumulator struct {
	splitter *Splitter
	pending  []float32
	rate     uint32
}

// NewAccumulator starts an empty stream.
func (s *Splitter) NewAccumulator() *Accumulator {
	return &Accumulator{splitter: s}
}

// Push appends samples and emits every complete window. A change of sample
// rate flushes the held remainder first.
func (a *Accumulator) Push(samples []float32, sampleRate uint32, fn func(Frame) error) error {
	if len(samples) == 0 {
		return nil
	}
	if sampleRate != a.rate {
		if err := a.Flush(fn); err != nil {
			return err
		}
		a.rate = sampleRate
	}

	a.pending = append(a.pending, samples...)
	size := a.splitter.FrameSamples(sampleRate)
	full := len(a.pending) / size * size
	if full == 0 {
		return nil
	}

	ready := a.pending[:full]
	a.pending = append([]float32(nil), a.pending[full:]...)
	return a.splitter.Each(ready, sampleRate, fn)
}

// Flush emits the held remainder, if any, as a short frame.
func (a *Accumulator) Flush(fn func(Frame) error) error {
	if len(a.pending) == 0 {
		return nil
	}
	f := Frame{SampleRate: a.rate, Samples: a.pending}
	a.pending = nil
	return fn(f)
}

// Pending returns how many samples are held back.
func (a *Accumulator) Pending() int {
	return len(a.pending)
}
