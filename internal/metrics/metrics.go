// Package metrics provides Prometheus metrics for Tourniquet.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/postalsys/tourniquet/socks5"
)

const (
	namespace = "tourniquet"
)

// Metrics contains all Prometheus metrics for the proxy.
type Metrics struct {
	// Connection metrics
	ConnectionsActive prometheus.Gauge
	ConnectionsTotal  prometheus.Counter
	HandshakeFailures prometheus.Counter

	// Command metrics
	Commands *prometheus.CounterVec
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

// NewMetrics creates a new Metrics instance registered on the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
// Useful for testing to avoid duplicate registration panics.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of currently open client connections.",
		}),
		ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total number of accepted client connections.",
		}),
		HandshakeFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_failures_total",
			Help:      "Connections that failed during greeting, authentication or request parsing.",
		}),
		Commands: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Dispatched SOCKS5 commands by name.",
		}, []string{"command"}),
	}
}

// ConnectionOpened implements socks5.ServerMetrics.
func (m *Metrics) ConnectionOpened() {
	m.ConnectionsActive.Inc()
	m.ConnectionsTotal.Inc()
}

// ConnectionClosed implements socks5.ServerMetrics.
func (m *Metrics) ConnectionClosed() {
	m.ConnectionsActive.Dec()
}

// HandshakeFailed implements socks5.ServerMetrics.
func (m *Metrics) HandshakeFailed() {
	m.HandshakeFailures.Inc()
}

// CommandDispatched implements socks5.ServerMetrics.
func (m *Metrics) CommandDispatched(cmd socks5.Command) {
	m.Commands.WithLabelValues(cmd.String()).Inc()
}
