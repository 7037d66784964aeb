package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Call metrics
	activeCalls = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_active_calls",
		Help: "Number of upstream calls currently being handled",
	})

	totalCalls = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_calls_total",
		Help: "Total number of upstream calls accepted",
	})

	callDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "relay_call_duration_seconds",
		Help:    "Duration of calls in seconds",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
	})

	textChunks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_text_chunks_total",
		Help: "Text chunks received from upstream producers",
	})

	// Synthesis metrics
	synthRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_synthesis_requests_total",
		Help: "Synthesis requests by outcome",
	}, []string{"status"})

	synthLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "relay_synthesis_latency_seconds",
		Help:    "Time from text receipt to the end of synthesis",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0},
	})

	// Outbound metrics
	framesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_frames_sent_total",
		Help: "Audio frames written to downstream processors",
	})

	framesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_frames_dropped_total",
		Help: "Audio frames dropped before reaching a downstream processor",
	}, []string{"reason"}) // no_outbound, degraded, write_failed

	dialAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_dial_attempts_total",
		Help: "Outbound dial attempts by result",
	}, []string{"result"})

	outboundConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_outbound_connections",
		Help: "Open connections to downstream audio processors",
	})

	rendezvousDatagrams = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_rendezvous_datagrams_total",
		Help: "Rendezvous datagrams by kind",
	}, []string{"kind"}) // register, bye, malformed

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "relay_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	// Audio metrics
	audioBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_audio_bytes_total",
		Help: "Audio bytes by direction",
	}, []string{"direction"}) // synthesized, sent
)

// CallMetrics tracks metrics for a single call. It is owned by the call's
// handler goroutine.
type CallMetrics struct {
	callID    string
	startTime time.Time
	synthAt   time.Time
}

// NewCallMetrics creates a new metrics tracker for a call
func NewCallMetrics(callID string) *CallMetrics {
	return &CallMetrics{
		callID:    callID,
		startTime: time.Now(),
	}
}

// RecordCallStart records the start of a call
func (m *CallMetrics) RecordCallStart() {
	activeCalls.Inc()
	totalCalls.Inc()
}

// RecordCallEnd records the end of a call
func (m *CallMetrics) RecordCallEnd() {
	activeCalls.Dec()
	callDuration.Observe(time.Since(m.startTime).Seconds())
}

// RecordText counts one received text chunk.
func (m *CallMetrics) RecordText() {
	textChunks.Inc()
}

// RecordSynthesisStart marks the start of a synthesis request
func (m *CallMetrics) RecordSynthesisStart() {
	m.synthAt = time.Now()
}

// RecordSynthesisEnd records the outcome of the current synthesis request and
// returns its duration.
func (m *CallMetrics) RecordSynthesisEnd(success bool) time.Duration {
	var elapsed time.Duration
	if !m.synthAt.IsZero() {
		elapsed = time.Since(m.synthAt)
		synthLatency.Observe(elapsed.Seconds())
	}

	status := "success"
	if !success {
		status = "error"
	}
	synthRequests.WithLabelValues(status).Inc()
	return elapsed
}

// RecordFrameSent counts one delivered frame of n payload bytes.
func (m *CallMetrics) RecordFrameSent(n int) {
	framesSent.Inc()
	audioBytes.WithLabelValues("sent").Add(float64(n))
}

// RecordSynthesized counts synthesized payload bytes.
func (m *CallMetrics) RecordSynthesized(n int) {
	audioBytes.WithLabelValues("synthesized").Add(float64(n))
}

// RecordFrameDropped counts a frame that never reached the downstream processor.
func (m *CallMetrics) RecordFrameDropped(reason string) {
	framesDropped.WithLabelValues(reason).Inc()
}

// RecordError records an error
func (m *CallMetrics) RecordError(errorType, component string) {
	RecordError(errorType, component)
}

// RecordError records an error outside of a call context.
func RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordDialAttempt counts one outbound dial attempt.
func RecordDialAttempt(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	dialAttempts.WithLabelValues(result).Inc()
}

// OutboundOpened and OutboundClosed track live downstream connections.
func OutboundOpened() { outboundConnections.Inc() }

func OutboundClosed() { outboundConnections.Dec() }

// RecordDatagram counts one rendezvous datagram by kind.
func RecordDatagram(kind string) {
	rendezvousDatagrams.WithLabelValues(kind).Inc()
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}
