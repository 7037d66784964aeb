package outbound

import "strconv"

// PortPolicy derives a downstream processor's TCP port from its call ID.
//
// A call ID that parses as a non-negative decimal integer maps to
// Base + ID. Anything else, including IDs that would overflow the port
// range, maps to Base + FallbackOffset. Every such call shares that one
// port, so deployments using non-numeric IDs must not run two of them at
// once.
type PortPolicy struct {
	Base           int
	FallbackOffset int
}

// PortFor returns the port for callID and whether it was derived from a
// numeric ID.
func (p PortPolicy) PortFor(callID string) (int, bool) {
	n, err := strconv.ParseUint(callID, 10, 32)
	if err == nil && uint64(p.Base)+n <= 65535 {
		return p.Base + int(n), true
	}
	return p.Base + p.FallbackOffset, false
}
