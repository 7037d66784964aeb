package rendezvous

import (
	"sync"
	"time"
)

// Presence records which downstream processors have announced themselves.
// It gates nothing by itself; the session registry owns the sockets.
type Presence struct {
	mu       sync.RWMutex
	lastSeen map[string]time.Time
	now      func() time.Time
}

// NewPresence returns an empty presence table.
func NewPresence() *Presence {
	return &Presence{
		lastSeen: make(map[string]time.Time),
		now:      time.Now,
	}
}

// Upsert stamps callID as seen now.
func (p *Presence) Upsert(callID string) {
	p.mu.Lock()
	p.lastSeen[callID] = p.now()
	p.mu.Unlock()
}

// Remove forgets callID.
func (p *Presence) Remove(callID string) {
	p.mu.Lock()
	delete(p.lastSeen, callID)
	p.mu.Unlock()
}

// Seen returns when callID last registered.
func (p *Presence) Seen(callID string) (time.Time, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	t, ok := p.lastSeen[callID]
	return t, ok
}

// Len returns the number of registered calls.
func (p *Presence) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.lastSeen)
}
