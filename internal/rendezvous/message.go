// Package rendezvous receives the UDP announcements downstream audio
// processors send when they start (REGISTER) and when they hang up (BYE).
package rendezvous

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// MaxDatagramBytes is the largest announcement accepted.
const MaxDatagramBytes = 256

// ErrMalformed is returned for datagrams that are not a valid announcement.
var ErrMalformed = errors.New("rendezvous: malformed datagram")

// Kind is the announcement verb.
type Kind int

const (
	Register Kind = iota + 1
	Bye
)

func (k Kind) String() string {
	switch k {
	case Register:
		return "register"
	case Bye:
		return "bye"
	default:
		return "unknown"
	}
}

const (
	registerPrefix = "REGISTER:"
	byePrefix      = "BYE:"
)

// Message is a parsed announcement.
type Message struct {
	Kind   Kind
	CallID string
}

// ParseMessage decodes "REGISTER:<callID>" or "BYE:<callID>". Surrounding
// whitespace is ignored; the verb is case sensitive.
func ParseMessage(b []byte) (Message, error) {
	if len(b) > MaxDatagramBytes {
		return Message{}, fmt.Errorf("%w: %d bytes", ErrMalformed, len(b))
	}
	if !utf8.Valid(b) {
		return Message{}, fmt.Errorf("%w: not UTF-8", ErrMalformed)
	}

	text := strings.TrimSpace(string(b))
	var msg Message
	switch {
	case strings.HasPrefix(text, registerPrefix):
		msg = Message{Kind: Register, CallID: text[len(registerPrefix):]}
	case strings.HasPrefix(text, byePrefix):
		msg = Message{Kind: Bye, CallID: text[len(byePrefix):]}
	default:
		return Message{}, fmt.Errorf("%w: unknown verb", ErrMalformed)
	}

	msg.CallID = strings.TrimSpace(msg.CallID)
	if msg.CallID == "" {
		return Message{}, fmt.Errorf("%w: empty call ID", ErrMalformed)
	}
	return msg, nil
}
