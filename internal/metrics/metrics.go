// Package metrics holds the Prometheus collectors of the relay server.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics contains all Prometheus metrics for the relay. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Relay
	EventsDispatched *prometheus.CounterVec
	ItemsCollected   *prometheus.CounterVec
	SessionsClosed   *prometheus.CounterVec
	ResponseDuration prometheus.Histogram

	// Transport
	ActiveConnections  prometheus.Gauge
	Connections        *prometheus.CounterVec
	AudioFramesIn      prometheus.Counter
	AudioFramesDropped prometheus.Counter
	AudioChunksSent    prometheus.Counter
	SessionOpenErrors  prometheus.Counter

	// Search
	SearchRequests *prometheus.CounterVec
	PageFetches    *prometheus.CounterVec
}

// New creates the collectors on a fresh registry, together with the Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return NewWithRegistry(reg)
}

// NewWithRegistry registers the collectors on reg.
func NewWithRegistry(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,

		EventsDispatched: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rtrelay_events_dispatched_total",
			Help: "Session events dispatched by the relay, by kind",
		}, []string{"kind"}),
		ItemsCollected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rtrelay_items_collected_total",
			Help: "Response items fully collected, by type",
		}, []string{"type"}),
		SessionsClosed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rtrelay_sessions_closed_total",
			Help: "Sessions closed, by reason",
		}, []string{"reason"}),
		ResponseDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "rtrelay_response_duration_seconds",
			Help:    "Time from response creation to its terminal status",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~51s
		}),

		ActiveConnections: f.NewGauge(prometheus.GaugeOpts{
			Name: "rtrelay_active_connections",
			Help: "Current number of open client websockets",
		}),
		Connections: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rtrelay_connections_total",
			Help: "Client websockets accepted, by mode",
		}, []string{"mode"}),
		AudioFramesIn: f.NewCounter(prometheus.CounterOpts{
			Name: "rtrelay_audio_frames_received_total",
			Help: "Audio frames received from clients",
		}),
		AudioFramesDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "rtrelay_audio_frames_dropped_total",
			Help: "Client audio frames dropped because they could not be decoded",
		}),
		AudioChunksSent: f.NewCounter(prometheus.CounterOpts{
			Name: "rtrelay_audio_chunks_sent_total",
			Help: "Framed audio chunks sent to the realtime session",
		}),
		SessionOpenErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "rtrelay_session_open_errors_total",
			Help: "Failed attempts to open a realtime session",
		}),

		SearchRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rtrelay_search_requests_total",
			Help: "Web search requests, by outcome",
		}, []string{"outcome"}),
		PageFetches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rtrelay_search_page_fetches_total",
			Help: "Search result pages fetched, by outcome",
		}, []string{"outcome"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) EventDispatched(kind string) {
	if m != nil {
		m.EventsDispatched.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) ItemCollected(typ string) {
	if m != nil {
		m.ItemsCollected.WithLabelValues(typ).Inc()
	}
}

func (m *Metrics) SessionClosed(reason string) {
	if m != nil {
		m.SessionsClosed.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) ObserveResponse(seconds float64) {
	if m != nil {
		m.ResponseDuration.Observe(seconds)
	}
}

func (m *Metrics) ConnectionOpened(mode string) {
	if m != nil {
		m.Connections.WithLabelValues(mode).Inc()
		m.ActiveConnections.Inc()
	}
}

func (m *Metrics) ConnectionClosed() {
	if m != nil {
		m.ActiveConnections.Dec()
	}
}

func (m *Metrics) FrameReceived() {
	if m != nil {
		m.AudioFramesIn.Inc()
	}
}

func (m *Metrics) FrameDropped() {
	if m != nil {
		m.AudioFramesDropped.Inc()
	}
}

func (m *Metrics) ChunkSent() {
	if m != nil {
		m.AudioChunksSent.Inc()
	}
}

func (m *Metrics) SessionOpenFailed() {
	if m != nil {
		m.SessionOpenErrors.Inc()
	}
}

func (m *Metrics) SearchDone(outcome string) {
	if m != nil {
		m.SearchRequests.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) PageFetched(outcome string) {
	if m != nil {
		m.PageFetches.WithLabelValues(outcome).Inc()
	}
}
