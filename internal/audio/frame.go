package audio

// DefaultSampleRate is the rate synthesis engines in this deployment produce (mono).
const DefaultSampleRate = 24000

// Frame is one fixed-duration slice of synthesized mono float32 PCM.
// A Frame is not modified after construction; ownership passes to the
// outbound channel when it is sent.
type Frame struct {
	Sequence   uint32
	SampleRate uint32
	Samples    []float32
}

// ByteLength returns the size of the encoded PCM payload.
func (f Frame) ByteLength() int {
	return len(f.Samples) * 4
}

// WithSequence returns a copy of f stamped with seq. The sample slice is shared.
func (f Frame) WithSequence(seq uint32) Frame {
	f.Sequence = seq
	return f
}
