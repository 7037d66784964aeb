package framing

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/lexiqai/speech-relay/internal/audio"
)

// AudioHeaderSize is the size of the outbound audio header:
// [uint32 byteLength][uint32 sampleRateHz][uint32 chunkSeq], big-endian.
const AudioHeaderSize = 12

// MaxAudioBytes is the largest audio payload a downstream processor accepts.
const MaxAudioBytes = 10 * 1024 * 1024

// WriteAudioFrame writes one audio frame: the 12-byte header followed by the
// samples as little-endian float32. Header and payload go out in a single
// Write so a frame is never interleaved with another writer's bytes.
func WriteAudioFrame(w io.Writer, f audio.Frame) error {
	if len(f.Samples) == 0 {
		return fmt.Errorf("%w: audio frame without samples", ErrMalformed)
	}
	payload := audio.EncodeFloat32LE(f.Samples)
	if len(payload) > MaxAudioBytes {
		return fmt.Errorf("%w: audio payload of %d bytes exceeds limit", ErrMalformed, len(payload))
	}

	buf := make([]byte, AudioHeaderSize+len(payload))
	putAudioHeader(buf, uint32(len(payload)), f.SampleRate, f.Sequence)
	copy(buf[AudioHeaderSize:], payload)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write audio frame %d: %w", f.Sequence, err)
	}
	return nil
}

// WriteAudioEnd writes the end-of-call marker: an audio header with a zero
// byte length.
func WriteAudioEnd(w io.Writer, sampleRate, seq uint32) error {
	var buf [AudioHeaderSize]byte
	putAudioHeader(buf[:], 0, sampleRate, seq)
	if _, err := w.Write(buf[:]); err != nil {
		return fmt.Errorf("write audio end marker: %w", err)
	}
	return nil
}

// ReadAudioFrame reads one audio frame as the downstream processor would.
// The end-of-call marker is reported as ErrEndOfCall.
func ReadAudioFrame(r io.Reader) (audio.Frame, error) {
	var hdr [AudioHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return audio.Frame{}, disconnected(err)
	}
	length := binary.BigEndian.Uint32(hdr[0:4])
	frame := audio.Frame{
		SampleRate: binary.BigEndian.Uint32(hdr[4:8]),
		Sequence:   binary.BigEndian.Uint32(hdr[8:12]),
	}
	if length == 0 {
		return frame, ErrEndOfCall
	}
	if length > MaxAudioBytes {
		return frame, fmt.Errorf("%w: audio length %d exceeds limit", ErrMalformed, length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return frame, disconnected(err)
	}
	samples, err := audio.DecodeFloat32LE(payload)
	if err != nil {
		return frame, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	frame.Samples = samples
	return frame, nil
}

func putAudioHeader(buf []byte, length, sampleRate, seq uint32) {
	binary.BigEndian.PutUint32(buf[0:4], length)
	binary.BigEndian.PutUint32(buf[4:8], sampleRate)
	binary.BigEndian.PutUint32(buf[8:12], seq)
}
