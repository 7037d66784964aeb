// Package framing implements the length-prefixed message channel shared by the
// inbound (text) and outbound (audio) TCP legs of the relay.
//
// A frame is a 4-byte big-endian length followed by that many payload bytes.
// The length value 0xFFFFFFFF is reserved as the end-of-call sentinel and
// carries no payload.
package framing

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// EndOfCall is the reserved length prefix that terminates a call.
	EndOfCall uint32 = 0xFFFFFFFF

	// MaxIdentityBytes bounds the identity (HELLO) frame.
	MaxIdentityBytes = 1024

	// MaxTextBytes bounds a single text frame.
	MaxTextBytes = 10 * 1024 * 1024

	headerSize = 4
)

var (
	// ErrEndOfCall is returned by ReadFrame when the peer sent the sentinel.
	ErrEndOfCall = errors.New("framing: end of call")

	// ErrMalformed marks a protocol violation (zero or oversize length).
	ErrMalformed = errors.New("framing: malformed frame")

	// ErrDisconnected is returned when the peer closed the stream, including
	// a close in the middle of a frame.
	ErrDisconnected = errors.New("framing: peer disconnected")
)

// WriteFrame writes payload with its length prefix. Empty payloads and
// payloads whose length collides with the sentinel are rejected.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) == 0 {
		return fmt.Errorf("%w: empty payload", ErrMalformed)
	}
	if uint64(len(payload)) >= uint64(EndOfCall) {
		return fmt.Errorf("%w: payload of %d bytes does not fit the length prefix", ErrMalformed, len(payload))
	}

	buf := make([]byte, headerSize+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[headerSize:], payload)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// WriteEndOfCall writes the bare 0xFFFFFFFF sentinel.
func WriteEndOfCall(w io.Writer) error {
	var buf [headerSize]byte
	binary.BigEndian.PutUint32(buf[:], EndOfCall)
	if _, err := w.Write(buf[:]); err != nil {
		return fmt.Errorf("write end of call: %w", err)
	}
	return nil
}

// ReadFrame blocks until a full frame arrives. It returns ErrEndOfCall for the
// sentinel, an ErrMalformed-wrapped error for a zero or oversize length and an
// ErrDisconnected-wrapped error when the stream ends, even mid-frame.
func ReadFrame(r io.Reader, maxLen int) ([]byte, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, disconnected(err)
	}

	length := binary.BigEndian.Uint32(hdr[:])
	switch {
	case length == EndOfCall:
		return nil, ErrEndOfCall
	case length == 0:
		return nil, fmt.Errorf("%w: zero length", ErrMalformed)
	case uint64(length) > uint64(maxLen):
		return nil, fmt.Errorf("%w: length %d exceeds limit %d", ErrMalformed, length, maxLen)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, disconnected(err)
	}
	return payload, nil
}

func disconnected(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrDisconnected
	}
	return fmt.Errorf("%w: %v", ErrDisconnected, err)
}
