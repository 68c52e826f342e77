package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the replay recorder.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal prometheus.Counter
	errorsTotal   prometheus.Counter

	segmentsAddedTotal      prometheus.Counter
	segmentsEvictedTotal    prometheus.Counter
	duplicateSegmentsTotal  prometheus.Counter
	manifestRetriesTotal    prometheus.Counter
	manifestDroppedTotal    prometheus.Counter
	finalizationsTotal      prometheus.Counter
	finalizationErrorsTotal prometheus.Counter
	encoderStartsTotal      prometheus.Counter

	windowSeconds  prometheus.Gauge
	windowSegments prometheus.Gauge
	mergeSeconds   prometheus.Histogram
}

// New creates and registers Prometheus metrics for the recorder.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "replay_http_requests_total",
			Help: "Total number of control HTTP requests received",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "replay_http_errors_total",
			Help: "Total number of control HTTP responses with error status (4xx or 5xx)",
		}),
		segmentsAddedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "replay_segments_added_total",
			Help: "Total number of segments appended to the replay window",
		}),
		segmentsEvictedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "replay_segments_evicted_total",
			Help: "Total number of segments evicted from the replay window",
		}),
		duplicateSegmentsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "replay_duplicate_segments_total",
			Help: "Total number of duplicate segment notifications ignored",
		}),
		manifestRetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "replay_manifest_read_retries_total",
			Help: "Total number of manifest reads retried after a transient failure",
		}),
		manifestDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "replay_manifest_updates_dropped_total",
			Help: "Total number of manifest updates dropped (unreadable or malformed)",
		}),
		finalizationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "replay_finalizations_total",
			Help: "Total number of replay windows merged into an output file",
		}),
		finalizationErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "replay_finalization_errors_total",
			Help: "Total number of finalize cycles aborted by an error",
		}),
		encoderStartsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "replay_encoder_starts_total",
			Help: "Total number of encoder processes launched",
		}),
		windowSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "replay_window_seconds",
			Help: "Total duration of the segments currently retained",
		}),
		windowSegments: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "replay_window_segments",
			Help: "Number of segments currently retained",
		}),
		mergeSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "replay_merge_duration_seconds",
			Help:    "Wall time of the stream-copy merge step",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 8),
		}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.segmentsAddedTotal,
		m.segmentsEvictedTotal,
		m.duplicateSegmentsTotal,
		m.manifestRetriesTotal,
		m.manifestDroppedTotal,
		m.finalizationsTotal,
		m.finalizationErrorsTotal,
		m.encoderStartsTotal,
		m.windowSeconds,
		m.windowSegments,
		m.mergeSeconds,
	)

	return m
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	if m != nil {
		m.requestsTotal.Inc()
	}
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	if m != nil {
		m.errorsTotal.Inc()
	}
}

// IncSegmentsAdded increments the segments added counter.
func (m *Metrics) IncSegmentsAdded() {
	if m != nil {
		m.segmentsAddedTotal.Inc()
	}
}

// IncSegmentsEvicted increments the segments evicted counter.
func (m *Metrics) IncSegmentsEvicted() {
	if m != nil {
		m.segmentsEvictedTotal.Inc()
	}
}

// IncDuplicateSegments increments the ignored duplicate segments counter.
func (m *Metrics) IncDuplicateSegments() {
	if m != nil {
		m.duplicateSegmentsTotal.Inc()
	}
}

// IncManifestRetries increments the manifest read retries counter.
func (m *Metrics) IncManifestRetries() {
	if m != nil {
		m.manifestRetriesTotal.Inc()
	}
}

// IncManifestDropped increments the counter of manifest updates given up on.
func (m *Metrics) IncManifestDropped() {
	if m != nil {
		m.manifestDroppedTotal.Inc()
	}
}

// IncFinalizations increments the successful finalizations counter.
func (m *Metrics) IncFinalizations() {
	if m != nil {
		m.finalizationsTotal.Inc()
	}
}

// IncFinalizationErrors increments the failed finalizations counter.
func (m *Metrics) IncFinalizationErrors() {
	if m != nil {
		m.finalizationErrorsTotal.Inc()
	}
}

// IncEncoderStarts increments the encoder starts counter.
func (m *Metrics) IncEncoderStarts() {
	if m != nil {
		m.encoderStartsTotal.Inc()
	}
}

// SetWindow publishes the current window size.
func (m *Metrics) SetWindow(segments int, seconds float64) {
	if m == nil {
		return
	}
	m.windowSegments.Set(float64(segments))
	m.windowSeconds.Set(seconds)
}

// ObserveMerge records how long one merge took.
func (m *Metrics) ObserveMerge(seconds float64) {
	if m != nil {
		m.mergeSeconds.Observe(seconds)
	}
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
