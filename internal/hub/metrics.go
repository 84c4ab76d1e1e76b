// internal/hub/metrics.go
package hub

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "chatserver"

const (
	deliveryOK      = "delivered"
	deliveryOffline = "offline"
	deliveryFailed  = "failed"
)

// Metrics holds the hub's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	activeSessions    prometheus.Gauge
	connectionsTotal  prometheus.Counter
	disconnects       *prometheus.CounterVec
	handshakeRejected prometheus.Counter
	framesTotal       *prometheus.CounterVec
	framesDropped     *prometheus.CounterVec
	deliveries        *prometheus.CounterVec
	storeErrors       *prometheus.CounterVec
}

// NewMetrics registers the collectors with reg. A nil reg gets a private
// registry, which keeps tests independent of each other.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "active_sessions",
			Help:      "Number of users with a registered live session",
		}),
		connectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "connections_total",
			Help:      "Total number of accepted websocket connections",
		}),
		disconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "disconnects_total",
			Help:      "Connections closed, by cause",
		}, []string{"cause"}),
		handshakeRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "handshake_rejected_total",
			Help:      "Handshakes rejected for missing or invalid identity",
		}),
		framesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "frames_total",
			Help:      "Inbound frames dispatched, by event type",
		}, []string{"type"}),
		framesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "frames_dropped_total",
			Help:      "Inbound frames dropped as protocol errors",
		}, []string{"reason"}),
		deliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "deliveries_total",
			Help:      "Outbound fan-out attempts, by result",
		}, []string{"result"}),
		storeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "store_errors_total",
			Help:      "Persistence failures during dispatch, by operation",
		}, []string{"op"}),
	}
}

func (m *Metrics) setActive(n int) {
	if m != nil {
		m.activeSessions.Set(float64(n))
	}
}

func (m *Metrics) connected() {
	if m != nil {
		m.connectionsTotal.Inc()
	}
}

func (m *Metrics) disconnected(cause string) {
	if m != nil {
		m.disconnects.WithLabelValues(cause).Inc()
	}
}

func (m *Metrics) rejected() {
	if m != nil {
		m.handshakeRejected.Inc()
	}
}

func (m *Metrics) frame(eventType string) {
	if m != nil {
		m.framesTotal.WithLabelValues(eventType).Inc()
	}
}

func (m *Metrics) dropped(reason string) {
	if m != nil {
		m.framesDropped.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) delivery(result string) {
	if m != nil {
		m.deliveries.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) storeError(op string) {
	if m != nil {
		m.storeErrors.WithLabelValues(op).Inc()
	}
}
