package audio

import (
	"encoding/binary"
	"fmt"
	"math"
)

// EncodeFloat32LE serializes samples as little-endian IEEE-754 float32.
// The bit pattern of every sample is preserved, NaN payloads included.
func EncodeFloat32LE(samples []float32) []byte {
	out := make([]byte, len(samples)*4)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(s))
	}
	return out
}

// DecodeFloat32LE is the inverse of EncodeFloat32LE.
func DecodeFloat32LE(data []byte) ([]float32, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("float32 PCM length must be a multiple of 4, got %d", len(data))
	}
	samples := make([]float32, len(data)/4)
	for i := range samples {
		samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return samples, nil
}

// DecodeS16LE converts 16-bit signed little-endian PCM to float32 in [-1, 1).
func DecodeS16LE(data []byte) ([]float32, error) {
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("PCM data length must be even (16-bit samples), got %d", len(data))
	}
	samples := make([]float32, len(data)/2)
	for i := range samples {
		v := int16(binary.LittleEndian.Uint16(data[i*2:]))
		samples[i] = float32(v) / 32768.0
	}
	return samples, nil
}

// SampleWidth returns the size in bytes of one sample in format.
func SampleWidth(format string) (int, error) {
	switch format {
	case "", "f32le", "pcm_f32le":
		return 4, nil
	case "s16le", "pcm_s16le":
		return 2, nil
	default:
		return 0, fmt.Errorf("unsupported PCM format %q", format)
	}
}

// Decode dispatches on a wire format name ("f32le" or "s16le").
func Decode(format string, data []byte) ([]float32, error) {
	switch format {
	case "", "f32le", "pcm_f32le":
		return DecodeFloat32LE(data)
	case "s16le", "pcm_s16le":
		return DecodeS16LE(data)
	default:
		return nil, fmt.Errorf("unsupported PCM format %q", format)
	}
}
