package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Tenant metrics
	activeTenants = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tts_relay_active_tenants",
		Help: "Number of tenants with a live playback engine",
	})

	queueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tts_relay_queue_depth",
		Help: "Pending utterances per tenant",
	}, []string{"tenant"})

	boundOutputs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tts_relay_bound_outputs",
		Help: "Number of engines with an audio output bound",
	})

	// Utterance metrics
	utterances = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tts_relay_utterances_total",
		Help: "Utterances by outcome",
	}, []string{"outcome"}) // enqueued, played, skipped, dropped, stream_error, discarded

	playbackDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tts_relay_playback_duration_seconds",
		Help:    "Audio duration of played utterances in seconds",
		Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
	})

	// TTS metrics
	ttsRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tts_relay_tts_requests_total",
		Help: "Total number of synthesis attempts",
	}, []string{"backend", "status"})

	ttsLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tts_relay_tts_latency_seconds",
		Help:    "Synthesis attempt latency in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0},
	}, []string{"backend"})

	// Command metrics
	commands = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tts_relay_commands_total",
		Help: "Dispatcher commands by type and status",
	}, []string{"type", "status"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tts_relay_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tts_relay_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})

	circuitBreakerFailureRate = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tts_relay_circuit_breaker_failure_rate",
		Help: "Percentage of breaker-guarded calls that failed since start",
	}, []string{"service"})

	// Audio metrics
	audioBytesOut = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tts_relay_audio_bytes_total",
		Help: "Total encoded audio bytes written to outputs",
	}, []string{"sink"}) // sink: "websocket" or "webrtc"
)

// RecordTenantStart records a new engine.
func RecordTenantStart() {
	activeTenants.Inc()
}

// RecordTenantEnd records an engine shutdown.
func RecordTenantEnd(tenantID string) {
	activeTenants.Dec()
	queueDepth.DeleteLabelValues(tenantID)
}

// SetQueueDepth updates the pending utterance gauge for a tenant.
func SetQueueDepth(tenantID string, depth int) {
	queueDepth.WithLabelValues(tenantID).Set(float64(depth))
}

// RecordOutputBound tracks sink binding changes.
func RecordOutputBound(bound bool) {
	if bound {
		boundOutputs.Inc()
	} else {
		boundOutputs.Dec()
	}
}

// RecordUtterance counts an utterance outcome.
func RecordUtterance(outcome string) {
	utterances.WithLabelValues(outcome).Inc()
}

// RecordPlayback observes the audio length of a completed playback.
func RecordPlayback(d time.Duration) {
	playbackDuration.Observe(d.Seconds())
}

// RecordSynthesis records one synthesis attempt.
func RecordSynthesis(backend string, latency time.Duration, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	ttsRequests.WithLabelValues(backend, status).Inc()
	ttsLatency.WithLabelValues(backend).Observe(latency.Seconds())
}

// RecordCommand counts a dispatcher command.
func RecordCommand(cmdType string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	commands.WithLabelValues(cmdType, status).Inc()
}

// RecordAudioBytes records encoded audio bytes written to an output.
func RecordAudioBytes(sink string, bytes int) {
	audioBytesOut.WithLabelValues(sink).Add(float64(bytes))
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// UpdateCircuitBreakerFailureRate records the lifetime failure percentage.
func UpdateCircuitBreakerFailureRate(service string, rate float64) {
	circuitBreakerFailureRate.WithLabelValues(service).Set(rate)
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}
