package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voice_client_active_sessions",
		Help: "Number of active voice sessions",
	})

	totalSessions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_client_sessions_total",
		Help: "Total number of voice sessions started",
	}, []string{"agent_type"})

	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_client_session_duration_seconds",
		Help:    "Duration of voice sessions in seconds",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
	})

	connectLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "voice_client_connect_latency_seconds",
		Help:    "Time from start request to active session",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0},
	}, []string{"transport"})

	sessionFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_client_session_failures_total",
		Help: "Session failures by classified kind",
	}, []string{"kind"})

	// Playback metrics
	playbackChunks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_client_playback_chunks_total",
		Help: "Inbound audio chunks by outcome",
	}, []string{"outcome"}) // outcome: played, superseded, decode_error, discarded

	interruptions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_client_interruptions_total",
		Help: "Total number of interruption signals applied",
	})

	// Speech activity metrics
	speechEdges = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_client_speech_edges_total",
		Help: "Speech activity edges emitted by the detector",
	}, []string{"edge"}) // edge: start, end

	// Transcript metrics
	transcriptEntries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_client_transcript_entries_total",
		Help: "Final transcript entries retained",
	}, []string{"speaker", "source"})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_client_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "voice_client_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_client_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})

	// Audio metrics
	audioBytesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_client_audio_bytes_total",
		Help: "Total audio bytes sent and received",
	}, []string{"direction"}) // direction: "in" or "out"
)

// Metrics tracks metrics for a single session
type Metrics struct {
	agentType    string
	startTime    time.Time
	connectStart time.Time
	active       bool
	mu           sync.Mutex
}

// NewSessionMetrics creates a new metrics tracker for a session
func NewSessionMetrics(agentType string) *Metrics {
	return &Metrics{
		agentType:    agentType,
		connectStart: time.Now(),
	}
}

// RecordSessionStart records that the session became active over the given transport
func (m *Metrics) RecordSessionStart(transport string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active {
		return
	}
	m.active = true
	m.startTime = time.Now()
	connectLatency.WithLabelValues(transport).Observe(m.startTime.Sub(m.connectStart).Seconds())
	activeSessions.Inc()
	totalSessions.WithLabelValues(m.agentType).Inc()
}

// RecordSessionEnd records the end of an active session. Safe to call more than once.
func (m *Metrics) RecordSessionEnd() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.active {
		return
	}
	m.active = false
	activeSessions.Dec()
	sessionDuration.Observe(time.Since(m.startTime).Seconds())
}

// RecordFailure records a classified session failure
func (m *Metrics) RecordFailure(kind string) {
	sessionFailures.WithLabelValues(kind).Inc()
}

// RecordError records an error
func (m *Metrics) RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordAudioBytes records audio bytes processed
func (m *Metrics) RecordAudioBytes(direction string, bytes int64) {
	audioBytesProcessed.WithLabelValues(direction).Add(float64(bytes))
}

// RecordTranscriptEntry records one retained transcript entry
func (m *Metrics) RecordTranscriptEntry(speaker, source string) {
	transcriptEntries.WithLabelValues(speaker, source).Inc()
}

// RecordSpeechEdge records a detector edge ("start" or "end")
func (m *Metrics) RecordSpeechEdge(edge string) {
	speechEdges.WithLabelValues(edge).Inc()
}

// RecordPlaybackChunk records the fate of one inbound audio chunk
func RecordPlaybackChunk(outcome string) {
	playbackChunks.WithLabelValues(outcome).Inc()
}

// RecordInterruption records one applied interruption
func RecordInterruption() {
	interruptions.Inc()
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}
