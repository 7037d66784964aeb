package audio

import (
	"errors"
	"math"
	"testing"
	"time"
)

func TestSplitter_FrameSamples(t *testing.T) {
	tests := []struct {
		duration   time.Duration
		sampleRate uint32
		expected   int
	}{
		{40 * time.Millisecond, 24000, 960},
		{40 * time.Millisecond, 22050, 882},
		{20 * time.Millisecond, 8000, 160},
		{40 * time.Millisecond, 10, 1},
	}

	for _, tt := range tests {
		s := NewSplitter(tt.duration)
		if got := s.FrameSamples(tt.sampleRate); got != tt.expected {
			t.Errorf("FrameSamples(%v @ %d) = %d, expected %d", tt.duration, tt.sampleRate, got, tt.expected)
		}
	}
}

func TestSplitter_DefaultDuration(t *testing.T) {
	s := NewSplitter(0)
	if s.Duration() != DefaultFrameDuration {
		t.Errorf("Expected default duration %v, got %v", DefaultFrameDuration, s.Duration())
	}
}

func TestSplitter_PartialFinalWindow(t *testing.T) {
	s := NewSplitter(40 * time.Millisecond)
	samples := make([]float32, 960*2+100)

	frames := s.Split(samples, 24000)
	if len(frames) != 3 {
		t.Fatalf("Expected 3 frames, got %d", len(frames))
	}
	if len(frames[0].Samples) != 960 || len(frames[1].Samples) != 960 {
		t.Errorf("Expected full windows of 960 samples, got %d and %d", len(frames[0].Samples), len(frames[1].Samples))
	}
	if len(frames[2].Samples) != 100 {
		t.Errorf("Expected final window of 100 samples (not padded), got %d", len(frames[2].Samples))
	}
	for i, f := range frames {
		if f.SampleRate != 24000 {
			t.Errorf("Frame %d: expected sample rate 24000, got %d", i, f.SampleRate)
		}
	}
}

func TestSplitter_ShorterThanOneWindow(t *testing.T) {
	s := NewSplitter(40 * time.Millisecond)
	frames := s.Split([]float32{0.1, 0.2, 0.3}, 24000)
	if len(frames) != 1 || len(frames[0].Samples) != 3 {
		t.Fatalf("Expected a single 3-sample frame, got %+v", frames)
	}
}

func TestSplitter_Empty(t *testing.T) {
	s := NewSplitter(40 * time.Millisecond)
	if frames := s.Split(nil, 24000); len(frames) != 0 {
		t.Errorf("Expected no frames, got %d", len(frames))
	}
}

func TestSplitter_RoundTripBitExact(t *testing.T) {
	s := NewSplitter(40 * time.Millisecond)

	samples := make([]float32, 24000+123)
	for i := range samples {
		samples[i] = float32(math.Sin(float64(i) * 0.01))
	}
	samples[5] = float32(math.NaN())
	samples[6] = float32(math.Inf(-1))
	samples[7] = float32(math.Copysign(0, -1))

	var rebuilt []float32
	for _, f := range s.Split(samples, 24000) {
		decoded, err := DecodeFloat32LE(EncodeFloat32LE(f.Samples))
		if err != nil {
			t.Fatalf("DecodeFloat32LE failed: %v", err)
		}
		rebuilt = append(rebuilt, decoded...)
	}

	if len(rebuilt) != len(samples) {
		t.Fatalf("Expected %d samples, got %d", len(samples), len(rebuilt))
	}
	for i := range samples {
		if math.Float32bits(rebuilt[i]) != math.Float32bits(samples[i]) {
			t.Fatalf("Sample %d differs: %08x vs %08x", i, math.Float32bits(rebuilt[i]), math.Float32bits(samples[i]))
		}
	}
}

func TestSplitter_EachStopsOnError(t *testing.T) {
	s := NewSplitter(40 * time.Millisecond)
	stop := errors.New("stop")
	calls := 0
	err := s.Each(make([]float32, 960*3), 24000, func(Frame) error {
		calls++
		if calls == 2 {
			return stop
		}
		return nil
	})
	if !errors.Is(err, stop) {
		t.Errorf("Expected stop error, got %v", err)
	}
	if calls != 2 {
		t.Errorf("Expected 2 calls, got %d", calls)
	}
}

func TestDecodeS16LE(t *testing.T) {
	data := []byte{0x00, 0x00, 0x00, 0x40, 0x00, 0xC0, 0x00, 0x80}
	samples, err := DecodeS16LE(data)
	if err != nil {
		t.Fatalf("DecodeS16LE failed: %v", err)
	}
	expected := []float32{0, 0.5, -0.5, -1}
	for i := range expected {
		if samples[i] != expected[i] {
			t.Errorf("Sample %d: expected %f, got %f", i, expected[i], samples[i])
		}
	}

	if _, err := DecodeS16LE([]byte{1, 2, 3}); err == nil {
		t.Error("Expected error for odd-length PCM")
	}
}

func TestDecode_Formats(t *testing.T) {
	if _, err := Decode("f32le", EncodeFloat32LE([]float32{1})); err != nil {
		t.Errorf("Expected f32le to decode, got %v", err)
	}
	if _, err := Decode("mulaw", []byte{1}); err == nil {
		t.Error("Expected error for unsupported format")
	}
	if _, err := DecodeFloat32LE([]byte{1, 2}); err == nil {
		t.Error("Expected error for truncated float32 data")
	}
}

func TestSampleWidth(t *testing.T) {
	tests := []struct {
		format string
		want   int
	}{
		{"", 4},
		{"pcm_f32le", 4},
		{"s16le", 2},
	}
	for _, tt := range tests {
		got, err := SampleWidth(tt.format)
		if err != nil || got != tt.want {
			t.Errorf("Expected width %d for %q, got %d (%v)", tt.want, tt.format, got, err)
		}
	}
	if _, err := SampleWidth("mulaw"); err == nil {
		t.Error("Expected error for unsupported format")
	}
}

func TestAccumulator_OnlyLastFrameIsShort(t *testing.T) {
	s := NewSplitter(40 * time.Millisecond)
	acc := s.NewAccumulator()

	var frames []Frame
	collect := func(f Frame) error {
		frames = append(frames, f)
		return nil
	}

	source := make([]float32, 12000+12000+960+100)
	for i := range source {
		source[i] = float32(i)
	}
	// Engine chunks that do not line up with the window size.
	for _, chunk := range [][]float32{source[:12000], source[12000:24000], source[24000:]} {
		if err := acc.Push(chunk, 24000, collect); err != nil {
			t.Fatalf("Push failed: %v", err)
		}
	}
	if acc.Pending() != 100 {
		t.Errorf("Expected 100 samples held back, got %d", acc.Pending())
	}
	if err := acc.Flush(collect); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	for i, f := range frames[:len(frames)-1] {
		if len(f.Samples) != 960 {
			t.Errorf("Frame %d: expected 960 samples, got %d", i, len(f.Samples))
		}
	}
	if last := frames[len(frames)-1]; len(last.Samples) != 100 {
		t.Errorf("Expected a 100-sample final frame, got %d", len(last.Samples))
	}

	var rebuilt []float32
	for _, f := range frames {
		rebuilt = append(rebuilt, f.Samples...)
	}
	if len(rebuilt) != len(source) {
		t.Fatalf("Expected %d samples, got %d", len(source), len(rebuilt))
	}
	for i := range source {
		if rebuilt[i] != source[i] {
			t.Fatalf("Sample %d out of order: expected %f, got %f", i, source[i], rebuilt[i])
		}
	}
}

func TestAccumulator_RateChangeFlushes(t *testing.T) {
	acc := NewSplitter(40 * time.Millisecond).NewAccumulator()

	var frames []Frame
	collect := func(f Frame) error {
		frames = append(frames, f)
		return nil
	}

	_ = acc.Push(make([]float32, 500), 24000, collect)
	_ = acc.Push(make([]float32, 320), 8000, collect)
	_ = acc.Flush(collect)

	if len(frames) != 2 {
		t.Fatalf("Expected 2 frames, got %d", len(frames))
	}
	if frames[0].SampleRate != 24000 || len(frames[0].Samples) != 500 {
		t.Errorf("Expected the 24kHz remainder first, got %d samples at %d", len(frames[0].Samples), frames[0].SampleRate)
	}
	if frames[1].SampleRate != 8000 || len(frames[1].Samples) != 320 {
		t.Errorf("Expected one full 8kHz window, got %d samples at %d", len(frames[1].Samples), frames[1].SampleRate)
	}
}

func TestAccumulator_FlushEmpty(t *testing.T) {
	acc := NewSplitter(0).NewAccumulator()
	called := false
	if err := acc.Flush(func(Frame) error { called = true; return nil }); err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
	if called {
		t.Error("Expected nothing to be flushed")
	}
}
