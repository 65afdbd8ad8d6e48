// Package metrics provides Prometheus metrics for the agent's transport.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "rcagent"
)

// Metrics contains all Prometheus metrics for the transport subsystem.
type Metrics struct {
	// Establishment metrics
	ConnectAttempts *prometheus.CounterVec
	ConnectRetries  prometheus.Counter
	ConnectLatency  prometheus.Histogram
	Connected       prometheus.Gauge

	// TLS metrics
	HandshakeLatency prometheus.Histogram
	HandshakeErrors  prometheus.Counter

	// Data transfer metrics
	BytesSent        prometheus.Counter
	BytesReceived    prometheus.Counter
	PacketsSent      *prometheus.CounterVec
	PacketsReceived  *prometheus.CounterVec

	// Dispatch loop metrics
	DispatchErrors *prometheus.CounterVec
	CommsAge       prometheus.Gauge
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance registered against the default
// Prometheus registry.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom
// registry, so tests and multiple agent instances don't collide on the
// global registerer.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ConnectAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_attempts_total",
			Help:      "Total transport connect attempts by directive kind",
		}, []string{"kind"}),
		ConnectRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_retries_total",
			Help:      "Total establishment retries after a failed attempt",
		}),
		ConnectLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "connect_latency_seconds",
			Help:      "Histogram of time from resolve to established connection",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),
		Connected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected",
			Help:      "1 if the transport currently has a live connection, 0 otherwise",
		}),

		HandshakeLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tls_handshake_latency_seconds",
			Help:      "Histogram of TLS handshake latency",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),
		HandshakeErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tls_handshake_errors_total",
			Help:      "Total TLS handshake failures",
		}),

		BytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Total wire bytes sent by the packet codec",
		}),
		BytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Total wire bytes received by the packet codec",
		}),
		PacketsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_sent_total",
			Help:      "Total packets transmitted by type",
		}, []string{"type"}),
		PacketsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_received_total",
			Help:      "Total packets received by type",
		}, []string{"type"}),

		DispatchErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_errors_total",
			Help:      "Total dispatch loop exits by reason",
		}, []string{"reason"}),
		CommsAge: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "comms_age_seconds",
			Help:      "Seconds since the last packet was received",
		}),
	}
}

// RecordConnectAttempt records an establishment attempt for the given
// directive kind ("reverse_v4", "reverse_v6", "bind_v4", "inherit").
func (m *Metrics) RecordConnectAttempt(kind string) {
	m.ConnectAttempts.WithLabelValues(kind).Inc()
}

// RecordConnectRetry records a retry after a failed establishment attempt.
func (m *Metrics) RecordConnectRetry() {
	m.ConnectRetries.Inc()
}

// RecordConnected records a completed establishment and marks the
// transport as connected.
func (m *Metrics) RecordConnected(latencySeconds float64) {
	m.ConnectLatency.Observe(latencySeconds)
	m.Connected.Set(1)
}

// RecordDisconnected marks the transport as no longer connected.
func (m *Metrics) RecordDisconnected() {
	m.Connected.Set(0)
}

// RecordHandshake records a successful TLS handshake.
func (m *Metrics) RecordHandshake(latencySeconds float64) {
	m.HandshakeLatency.Observe(latencySeconds)
}

// RecordHandshakeError records a failed TLS handshake.
func (m *Metrics) RecordHandshakeError() {
	m.HandshakeErrors.Inc()
}

// RecordPacketSent records a transmitted packet and its wire size.
func (m *Metrics) RecordPacketSent(packetType string, wireBytes int) {
	m.PacketsSent.WithLabelValues(packetType).Inc()
	m.BytesSent.Add(float64(wireBytes))
}

// RecordPacketReceived records a received packet and its wire size.
func (m *Metrics) RecordPacketReceived(packetType string, wireBytes int) {
	m.PacketsReceived.WithLabelValues(packetType).Inc()
	m.BytesReceived.Add(float64(wireBytes))
}

// RecordDispatchExit records why the dispatch loop returned.
func (m *Metrics) RecordDispatchExit(reason string) {
	m.DispatchErrors.WithLabelValues(reason).Inc()
}

// SetCommsAge sets the seconds-since-last-packet gauge.
func (m *Metrics) SetCommsAge(seconds float64) {
	m.CommsAge.Set(seconds)
}
