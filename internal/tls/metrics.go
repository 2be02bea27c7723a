package tls

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus metrics for the transport layer. Both the
// client and the server record into the same instance so one scrape endpoint
// covers a node's inbound and outbound traffic.
type Metrics struct {
	// Server connection metrics
	connectionsTotal  *prometheus.CounterVec
	connectionsActive prometheus.Gauge
	connectionErrors  *prometheus.CounterVec
	handshakeDuration prometheus.Histogram
	requestsServed    *prometheus.CounterVec

	// Client call metrics
	clientRequests        *prometheus.CounterVec
	clientRequestDuration *prometheus.HistogramVec
	clientHandshakeErrors *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a metrics instance backed by a private registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		connectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meshwire_server_connections_total",
				Help: "Total accepted connections by TLS mode",
			},
			[]string{"tls"},
		),
		connectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "meshwire_server_connections_active",
				Help: "Currently open server connections",
			},
		),
		connectionErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meshwire_server_connection_errors_total",
				Help: "Connection-level failures by kind",
			},
			[]string{"kind"},
		),
		handshakeDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "meshwire_server_handshake_duration_seconds",
				Help:    "Server-side TLS handshake latency",
				Buckets: prometheus.DefBuckets,
			},
		),
		requestsServed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meshwire_server_requests_total",
				Help: "Requests dispatched to the route table by status code",
			},
			[]string{"status"},
		),
		clientRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meshwire_client_requests_total",
				Help: "Outbound client calls by target host and status code",
			},
			[]string{"host", "status"},
		),
		clientRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "meshwire_client_request_duration_seconds",
				Help:    "Outbound call latency including connect and handshake",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"host"},
		),
		clientHandshakeErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meshwire_client_handshake_errors_total",
				Help: "Client-side TLS handshake failures by target host",
			},
			[]string{"host"},
		),
		registry: registry,
	}

	registry.MustRegister(
		m.connectionsTotal,
		m.connectionsActive,
		m.connectionErrors,
		m.handshakeDuration,
		m.requestsServed,
		m.clientRequests,
		m.clientRequestDuration,
		m.clientHandshakeErrors,
	)

	return m
}

// Handler returns an HTTP handler exposing the metrics for scraping.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordConnectionAccepted(tlsEnabled bool) {
	m.connectionsTotal.WithLabelValues(strconv.FormatBool(tlsEnabled)).Inc()
	m.connectionsActive.Inc()
}

func (m *Metrics) RecordConnectionClosed() {
	m.connectionsActive.Dec()
}

func (m *Metrics) RecordConnectionError(kind string) {
	m.connectionErrors.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordServerHandshake(d time.Duration) {
	m.handshakeDuration.Observe(d.Seconds())
}

func (m *Metrics) RecordRequestServed(status int) {
	m.requestsServed.WithLabelValues(strconv.Itoa(status)).Inc()
}

func (m *Metrics) RecordClientRequest(host string, status int, d time.Duration) {
	m.clientRequests.WithLabelValues(host, strconv.Itoa(status)).Inc()
	m.clientRequestDuration.WithLabelValues(host).Observe(d.Seconds())
}

func (m *Metrics) RecordClientHandshakeError(host string) {
	m.clientHandshakeErrors.WithLabelValues(host).Inc()
}
