package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the chunk store.
type Metrics struct {
	registry            *prometheus.Registry
	requestsTotal       prometheus.Counter
	chunksStoredTotal   prometheus.Counter
	chunkBytesTotal     prometheus.Counter
	chunksRejectedTotal *prometheus.CounterVec
	sessionsFinalized   prometheus.Counter
	activeSessions      prometheus.Gauge
	manifestSubscribers prometheus.Gauge
	errorsTotal         prometheus.Counter
}

// New creates and registers Prometheus metrics for the chunk store.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	requestsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chunkcast_requests_total",
		Help: "Total number of HTTP requests received",
	})
	chunksStoredTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chunkcast_chunks_stored_total",
		Help: "Total number of chunks successfully stored",
	})
	chunkBytesTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chunkcast_chunk_bytes_total",
		Help: "Total number of chunk bytes stored",
	})
	chunksRejectedTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chunkcast_chunks_rejected_total",
		Help: "Chunks rejected by the store, by reason",
	}, []string{"reason"})
	sessionsFinalized := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chunkcast_sessions_finalized_total",
		Help: "Total number of sessions finalized",
	})
	activeSessions := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chunkcast_active_sessions",
		Help: "Number of sessions that are not finalized",
	})
	manifestSubscribers := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chunkcast_manifest_subscribers",
		Help: "Number of open manifest push connections",
	})
	errorsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chunkcast_errors_total",
		Help: "Total number of HTTP responses with error status (4xx or 5xx)",
	})

	registry.MustRegister(
		requestsTotal,
		chunksStoredTotal,
		chunkBytesTotal,
		chunksRejectedTotal,
		sessionsFinalized,
		activeSessions,
		manifestSubscribers,
		errorsTotal,
	)

	return &Metrics{
		registry:            registry,
		requestsTotal:       requestsTotal,
		chunksStoredTotal:   chunksStoredTotal,
		chunkBytesTotal:     chunkBytesTotal,
		chunksRejectedTotal: chunksRejectedTotal,
		sessionsFinalized:   sessionsFinalized,
		activeSessions:      activeSessions,
		manifestSubscribers: manifestSubscribers,
		errorsTotal:         errorsTotal,
	}
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	m.requestsTotal.Inc()
}

// ObserveChunkStored counts one stored chunk of size bytes.
func (m *Metrics) ObserveChunkStored(size int64) {
	m.chunksStoredTotal.Inc()
	m.chunkBytesTotal.Add(float64(size))
}

// IncChunksRejected counts a rejected upload under reason.
func (m *Metrics) IncChunksRejected(reason string) {
	m.chunksRejectedTotal.WithLabelValues(reason).Inc()
}

// IncSessionsFinalized increments the finalized sessions counter.
func (m *Metrics) IncSessionsFinalized() {
	m.sessionsFinalized.Inc()
}

// SetActiveSessions sets the active sessions gauge.
func (m *Metrics) SetActiveSessions(n int) {
	m.activeSessions.Set(float64(n))
}

// AddManifestSubscribers moves the manifest subscriber gauge by delta.
func (m *Metrics) AddManifestSubscribers(delta int) {
	m.manifestSubscribers.Add(float64(delta))
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	m.errorsTotal.Inc()
}

// Registry exposes the underlying registry (tests gather from it).
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
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
