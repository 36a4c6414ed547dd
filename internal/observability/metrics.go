package observability

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "transcribe_relay_active_sessions",
		Help: "Number of open transcription sessions",
	})

	totalSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "transcribe_relay_sessions_total",
		Help: "Total number of transcription sessions accepted",
	})

	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "transcribe_relay_session_duration_seconds",
		Help:    "Duration of transcription sessions in seconds",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
	})

	// Chunk metrics
	chunks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transcribe_relay_chunks_total",
		Help: "Audio chunks by outcome",
	}, []string{"outcome"}) // received, dropped, dispatched, failed

	fragmentsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transcribe_relay_fragments_sent_total",
		Help: "Text frames written to clients",
	}, []string{"kind"}) // text, error

	audioBytesIn = promauto.NewCounter(prometheus.CounterOpts{
		Name: "transcribe_relay_audio_bytes_total",
		Help: "Total inbound audio bytes",
	})

	// Backend metrics
	backendRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transcribe_relay_backend_requests_total",
		Help: "Total number of backend transcription requests",
	}, []string{"status"})

	backendLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "transcribe_relay_backend_latency_seconds",
		Help:    "Time from request dispatch to end of the backend response stream",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0},
	})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "transcribe_relay_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	sessionsOpen atomic.Int64
)

// SessionMetrics tracks metrics for a single session
type SessionMetrics struct {
	startTime time.Time
	ended     atomic.Bool
}

// NewSessionMetrics creates a metrics tracker and records the session start.
func NewSessionMetrics() *SessionMetrics {
	activeSessions.Inc()
	totalSessions.Inc()
	sessionsOpen.Add(1)
	return &SessionMetrics{
		startTime: time.Now(),
	}
}

// RecordSessionEnd records the end of a session. Safe to call more than once.
func (m *SessionMetrics) RecordSessionEnd() {
	if m.ended.Swap(true) {
		return
	}
	activeSessions.Dec()
	sessionsOpen.Add(-1)
	sessionDuration.Observe(time.Since(m.startTime).Seconds())
}

// RecordChunkReceived records an inbound binary frame
func (m *SessionMetrics) RecordChunkReceived(bytes int) {
	chunks.WithLabelValues("received").Inc()
	audioBytesIn.Add(float64(bytes))
}

// RecordChunkDispatched records a chunk handed to the transcription client
func (m *SessionMetrics) RecordChunkDispatched() {
	chunks.WithLabelValues("dispatched").Inc()
}

// RecordChunkDropped records a chunk below the size gate
func (m *SessionMetrics) RecordChunkDropped() {
	chunks.WithLabelValues("dropped").Inc()
}

// RecordChunkFailed records a chunk that ended in the error sentinel
func (m *SessionMetrics) RecordChunkFailed() {
	chunks.WithLabelValues("failed").Inc()
}

// RecordFragmentSent records an outbound text frame
func (m *SessionMetrics) RecordFragmentSent(isError bool) {
	kind := "text"
	if isError {
		kind = "error"
	}
	fragmentsSent.WithLabelValues(kind).Inc()
}

// RecordBackendRequest records one backend call and how long its stream lasted.
func RecordBackendRequest(status string, latency time.Duration) {
	backendRequests.WithLabelValues(status).Inc()
	backendLatency.Observe(latency.Seconds())
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// ActiveSessions returns the number of sessions currently open in this process.
func ActiveSessions() int64 {
	return sessionsOpen.Load()
}
