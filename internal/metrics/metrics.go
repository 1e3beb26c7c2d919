// Package metrics provides Prometheus metrics for remote-shell connections.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "remote_shell"
)

// Handshake stages.
const (
	StageTLS       = "tls"
	StageWebSocket = "websocket"
)

// Disconnect reasons.
const (
	ReasonClosed    = "closed"
	ReasonReset     = "reset"
	ReasonError     = "error"
	ReasonCancelled = "cancelled"
)

// Frame directions.
const (
	DirectionSent     = "sent"
	DirectionReceived = "received"
)

// Metrics contains the connection-level Prometheus metrics shared by both roles.
type Metrics struct {
	// Connection metrics
	ConnectionsActive prometheus.Gauge
	ConnectionsTotal  *prometheus.CounterVec
	Disconnects       *prometheus.CounterVec

	// Handshake metrics
	HandshakeLatency prometheus.Histogram
	HandshakeErrors  *prometheus.CounterVec

	// Frame metrics
	Frames *prometheus.CounterVec
	Bytes  *prometheus.CounterVec

	// Supervisor metrics
	SupervisorShutdowns *prometheus.CounterVec
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance registered on the default registry.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// OrDefault returns m, or the default instance when m is nil.
func OrDefault(m *Metrics) *Metrics {
	if m == nil {
		return Default()
	}
	return m
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of currently open connections",
		}),
		ConnectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total connections by role and direction",
		}, []string{"role", "direction"}),
		Disconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disconnects_total",
			Help:      "Total disconnections by reason",
		}, []string{"reason"}),

		HandshakeLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handshake_duration_seconds",
			Help:      "Duration of successful TLS and WebSocket handshakes",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		HandshakeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_errors_total",
			Help:      "Total failed handshakes by stage",
		}, []string{"stage"}),

		Frames: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Total frames by direction and kind",
		}, []string{"direction", "kind"}),
		Bytes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payload_bytes_total",
			Help:      "Total frame payload bytes by direction",
		}, []string{"direction"}),

		SupervisorShutdowns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "supervisor_shutdowns_total",
			Help:      "Total supervisor shutdowns by supervisor name and cause",
		}, []string{"supervisor", "cause"}),
	}
}

// RecordConnect records an established connection.
func (m *Metrics) RecordConnect(role, direction string) {
	m.ConnectionsActive.Inc()
	m.ConnectionsTotal.WithLabelValues(role, direction).Inc()
}

// RecordDisconnect records a connection ending for the given reason.
func (m *Metrics) RecordDisconnect(reason string) {
	m.ConnectionsActive.Dec()
	m.Disconnects.WithLabelValues(reason).Inc()
}

// RecordHandshake records a successful handshake.
func (m *Metrics) RecordHandshake(latencySeconds float64) {
	m.HandshakeLatency.Observe(latencySeconds)
}

// RecordHandshakeError records a failed handshake at the given stage.
func (m *Metrics) RecordHandshakeError(stage string) {
	m.HandshakeErrors.WithLabelValues(stage).Inc()
}

// RecordFrameSent records an outbound frame and its payload size.
func (m *Metrics) RecordFrameSent(kind string, bytes int) {
	m.Frames.WithLabelValues(DirectionSent, kind).Inc()
	m.Bytes.WithLabelValues(DirectionSent).Add(float64(bytes))
}

// RecordFrameReceived records an inbound frame and its payload size.
func (m *Metrics) RecordFrameReceived(kind string, bytes int) {
	m.Frames.WithLabelValues(DirectionReceived, kind).Inc()
	m.Bytes.WithLabelValues(DirectionReceived).Add(float64(bytes))
}

// RecordSupervisorShutdown records a supervisor tearing down its tasks.
func (m *Metrics) RecordSupervisorShutdown(supervisor, cause string) {
	m.SupervisorShutdowns.WithLabelValues(supervisor, cause).Inc()
}
