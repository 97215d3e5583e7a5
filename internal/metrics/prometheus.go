// Package metrics defines the Prometheus instrumentation for the relay:
// session lifecycle, audio ingest, transcript flow, and finalize outcomes.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the recording stream relay
type Metrics struct {
	// Session metrics
	ActiveSessions   prometheus.Gauge
	SessionsCreated  prometheus.Counter
	SessionsFailed   prometheus.Counter
	SessionDuration  prometheus.Histogram

	// Audio ingest metrics
	FramesReceived prometheus.Counter
	AudioBytes     prometheus.Counter

	// Transcript metrics
	SegmentsReceived prometheus.Counter
	EventsDropped    prometheus.Counter

	// Finalize metrics
	FinalizeRequests prometheus.Counter
	FinalizeTimeouts prometheus.Counter
	FinalizeDuration prometheus.Histogram

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics() *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "funnel_active_sessions",
			Help: "Current number of active recording sessions",
		}),
		SessionsCreated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "funnel_sessions_created_total",
			Help: "Total number of recording sessions created",
		}),
		SessionsFailed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "funnel_sessions_failed_total",
			Help: "Total number of recording sessions that ended in failure",
		}),
		SessionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "funnel_session_duration_seconds",
			Help:    "Duration of recording sessions in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~68 minutes
		}),

		FramesReceived: promauto.NewCounter(prometheus.CounterOpts{
			Name: "funnel_audio_frames_received_total",
			Help: "Total number of audio frames received from clients",
		}),
		AudioBytes: promauto.NewCounter(prometheus.CounterOpts{
			Name: "funnel_audio_bytes_received_total",
			Help: "Total bytes of PCM audio received from clients",
		}),

		SegmentsReceived: promauto.NewCounter(prometheus.CounterOpts{
			Name: "funnel_transcript_segments_received_total",
			Help: "Total number of transcript segments received from the backend",
		}),
		EventsDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "funnel_client_events_dropped_total",
			Help: "Total number of interim events dropped on a full client queue",
		}),

		FinalizeRequests: promauto.NewCounter(prometheus.CounterOpts{
			Name: "funnel_finalize_requests_total",
			Help: "Total number of finalize requests",
		}),
		FinalizeTimeouts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "funnel_finalize_timeouts_total",
			Help: "Total number of finalize calls that hit the metadata wait ceiling",
		}),
		FinalizeDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "funnel_finalize_duration_seconds",
			Help:    "Time from finalize request to assembled transcript",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 11), // 50ms to ~50s
		}),

		HTTPRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "funnel_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "funnel_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "funnel_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordSessionCreated increments session counters and the active gauge
func (m *Metrics) RecordSessionCreated() {
	m.SessionsCreated.Inc()
	m.ActiveSessions.Inc()
}

// RecordSessionEnded records a finished session and its duration
func (m *Metrics) RecordSessionEnded(durationSeconds float64, failed bool) {
	m.ActiveSessions.Dec()
	m.SessionDuration.Observe(durationSeconds)
	if failed {
		m.SessionsFailed.Inc()
	}
}

// RecordAudioFrame records one received audio frame
func (m *Metrics) RecordAudioFrame(sizeBytes int) {
	m.FramesReceived.Inc()
	m.AudioBytes.Add(float64(sizeBytes))
}

// RecordSegment increments the transcript segment counter
func (m *Metrics) RecordSegment() {
	m.SegmentsReceived.Inc()
}

// RecordEventDropped increments the dropped client event counter
func (m *Metrics) RecordEventDropped() {
	m.EventsDropped.Inc()
}

// RecordFinalize records a finalize call and whether it timed out
func (m *Metrics) RecordFinalize(durationSeconds float64, timedOut bool) {
	m.FinalizeRequests.Inc()
	m.FinalizeDuration.Observe(durationSeconds)
	if timedOut {
		m.FinalizeTimeouts.Inc()
	}
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
