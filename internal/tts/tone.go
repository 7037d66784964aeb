package tts

import (
	"context"
	"math"
	"strings"
	"time"
	"unicode/utf8"
)

// ToneSynth is a built-in engine producing a deterministic sine tone whose
// length follows the text. It needs no external process and is used for
// development and tests.
type ToneSynth struct {
	sampleRate  int
	perRune     time.Duration
	chunkLength time.Duration
	frequency   float64
	amplitude   float64
}

// NewToneSynth returns a tone engine at sampleRate.
func NewToneSynth(sampleRate int) *ToneSynth {
	return &ToneSynth{
		sampleRate:  sampleRate,
		perRune:     60 * time.Millisecond,
		chunkLength: 500 * time.Millisecond,
		frequency:   220,
		amplitude:   0.2,
	}
}

func (s *ToneSynth) Name() string { return "tone" }

// SampleCount returns how many samples text produces at speed.
func (s *ToneSynth) SampleCount(text string, speed float64) int {
	if speed <= 0 {
		speed = 1.0
	}
	runes := utf8.RuneCountInString(strings.TrimSpace(text))
	d := time.Duration(float64(time.Duration(runes)*s.perRune) / speed)
	return int(int64(s.sampleRate) * int64(d) / int64(time.Second))
}

func (s *ToneSynth) Synthesize(ctx context.Context, req Request) (<-chan Chunk, <-chan error) {
	if strings.TrimSpace(req.Text) == "" {
		return failed(ErrEmptyText)
	}

	chunks, errs := newStreams()
	go func() {
		defer close(errs)
		defer close(chunks)

		total := s.SampleCount(req.Text, req.Speed)
		step := int(int64(s.sampleRate) * int64(s.chunkLength) / int64(time.Second))
		if step < 1 {
			step = 1
		}

		for start := 0; start < total; start += step {
			end := min(start+step, total)
			samples := make([]float32, end-start)
			for i := range samples {
				n := float64(start + i)
				samples[i] = float32(s.amplitude * math.Sin(2*math.Pi*s.frequency*n/float64(s.sampleRate)))
			}
			if !emit(ctx, chunks, NewChunk(samples, s.sampleRate, end == total)) {
				errs <- ctx.Err()
				return
			}
		}
	}()
	return chunks, errs
}
