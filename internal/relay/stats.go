package relay

import (
	"sync"
	"time"
)

// statsWindow is how many recent synthesis durations feed the averages.
const statsWindow = 100

// Stats aggregates synthesis and delivery counters across all calls.
type Stats struct {
	mu sync.Mutex

	recent []time.Duration
	next   int

	syntheses     uint64
	failures      uint64
	samples       uint64
	framesSent    uint64
	framesDropped uint64
}

// StatsSnapshot is the JSON view served at /stats.
type StatsSnapshot struct {
	Syntheses        uint64  `json:"syntheses"`
	Failures         uint64  `json:"failures"`
	Samples          uint64  `json:"samples"`
	FramesSent       uint64  `json:"frames_sent"`
	FramesDropped    uint64  `json:"frames_dropped"`
	Window           int     `json:"window"`
	AvgSynthesisMs   float64 `json:"avg_synthesis_ms"`
	MinSynthesisMs   float64 `json:"min_synthesis_ms"`
	MaxSynthesisMs   float64 `json:"max_synthesis_ms"`
	ActiveSessions   int     `json:"active_sessions"`
	RegisteredCalls  int     `json:"registered_calls"`
	SessionsCreated  uint64  `json:"sessions_created"`
	DialTasksRunning int     `json:"dial_tasks_running"`
}

// NewStats returns empty statistics.
func NewStats() *Stats {
	return &Stats{recent: make([]time.Duration, 0, statsWindow)}
}

// RecordSynthesis adds one synthesis outcome.
func (s *Stats) RecordSynthesis(d time.Duration, samples int, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.syntheses++
	if !ok {
		s.failures++
	}
	s.samples += uint64(samples)

	if len(s.recent) < statsWindow {
		s.recent = append(s.recent, d)
		return
	}
	s.recent[s.next] = d
	s.next = (s.next + 1) % statsWindow
}

func (s *Stats) RecordFrameSent() {
	s.mu.Lock()
	s.framesSent++
	s.mu.Unlock()
}

func (s *Stats) RecordFrameDropped() {
	s.mu.Lock()
	s.framesDropped++
	s.mu.Unlock()
}

// Snapshot returns the counters and the window's min/avg/max durations.
func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := StatsSnapshot{
		Syntheses:     s.syntheses,
		Failures:      s.failures,
		Samples:       s.samples,
		FramesSent:    s.framesSent,
		FramesDropped: s.framesDropped,
		Window:        len(s.recent),
	}
	if len(s.recent) == 0 {
		return snap
	}

	var total, lo, hi time.Duration
	lo = s.recent[0]
	for _, d := range s.recent {
		total += d
		lo = min(lo, d)
		hi = max(hi, d)
	}
	snap.AvgSynthesisMs = ms(total / time.Duration(len(s.recent)))
	snap.MinSynthesisMs = ms(lo)
	snap.MaxSynthesisMs = ms(hi)
	return snap
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
