package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the media server.
// Every method is safe on a nil *Metrics so components can run without it.
type Metrics struct {
	registry           *prometheus.Registry
	requestsTotal      prometheus.Counter
	errorsTotal        prometheus.Counter
	bytesServedTotal   prometheus.Counter
	encoderKillsTotal  prometheus.Counter
	thumbnailLookups   *prometheus.CounterVec
	thumbnailFailures  prometheus.Counter
	activeHLSSessions  prometheus.Gauge
	activeTranscodes   prometheus.Gauge
	hlsSessionsEvicted prometheus.Counter
}

// New creates and registers Prometheus metrics for the media server.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "media_requests_total",
			Help: "Total number of HTTP requests received",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "media_errors_total",
			Help: "Total number of HTTP responses with error status (4xx or 5xx)",
		}),
		bytesServedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "media_bytes_served_total",
			Help: "Body bytes written by the static/range file server",
		}),
		encoderKillsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "media_encoder_kills_total",
			Help: "Encoder processes forcibly terminated",
		}),
		thumbnailLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "media_thumbnail_cache_lookups_total",
			Help: "Thumbnail cache lookups by result (hit or miss)",
		}, []string{"result"}),
		thumbnailFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "media_thumbnail_generation_failures_total",
			Help: "Thumbnail generations that failed",
		}),
		activeHLSSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "media_hls_sessions_active",
			Help: "Number of live HLS sessions",
		}),
		activeTranscodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "media_transcodes_active",
			Help: "Number of in-flight streaming transcodes",
		}),
		hlsSessionsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "media_hls_sessions_evicted_total",
			Help: "HLS sessions removed after idling out",
		}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.bytesServedTotal,
		m.encoderKillsTotal,
		m.thumbnailLookups,
		m.thumbnailFailures,
		m.activeHLSSessions,
		m.activeTranscodes,
		m.hlsSessionsEvicted,
	)

	return m
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	if m == nil {
		return
	}
	m.requestsTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	if m == nil {
		return
	}
	m.errorsTotal.Inc()
}

// AddBytesServed adds n to the served bytes counter.
func (m *Metrics) AddBytesServed(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.bytesServedTotal.Add(float64(n))
}

// IncEncoderKills counts a forced encoder termination.
func (m *Metrics) IncEncoderKills() {
	if m == nil {
		return
	}
	m.encoderKillsTotal.Inc()
}

// ObserveThumbnailLookup records a cache hit or miss.
func (m *Metrics) ObserveThumbnailLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.thumbnailLookups.WithLabelValues(result).Inc()
}

// IncThumbnailFailures counts a failed generation.
func (m *Metrics) IncThumbnailFailures() {
	if m == nil {
		return
	}
	m.thumbnailFailures.Inc()
}

// SetActiveHLSSessions sets the active sessions gauge.
func (m *Metrics) SetActiveHLSSessions(n int) {
	if m == nil {
		return
	}
	m.activeHLSSessions.Set(float64(n))
}

// IncHLSSessionsEvicted counts an idle eviction.
func (m *Metrics) IncHLSSessionsEvicted() {
	if m == nil {
		return
	}
	m.hlsSessionsEvicted.Inc()
}

// TranscodeStarted and TranscodeFinished bracket one streaming transcode.
func (m *Metrics) TranscodeStarted() {
	if m == nil {
		return
	}
	m.activeTranscodes.Inc()
}

func (m *Metrics) TranscodeFinished() {
	if m == nil {
		return
	}
	m.activeTranscodes.Dec()
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values (e.g. active sessions).
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
