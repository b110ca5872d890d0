package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains platform-level metrics shared by all devlink components.
// Domain-specific metrics (per gateway, per transport) live with the
// component that owns them and are registered through the MetricsRegistry.
type Metrics struct {
	// Component metrics
	ComponentStatus  *prometheus.GaugeVec
	MessagesReceived *prometheus.CounterVec
	MessagesSent     *prometheus.CounterVec
	ErrorsTotal      *prometheus.CounterVec

	// Connection metrics
	ConnectionsTotal  *prometheus.CounterVec
	ConnectionsActive *prometheus.GaugeVec

	// Session metrics
	SessionsCurrent *prometheus.GaugeVec
	SessionsEvicted prometheus.Counter
	SweepDuration   prometheus.Histogram

	// NATS metrics
	NATSConnected  prometheus.Gauge
	NATSReconnects prometheus.Counter
}

// NewMetrics creates a new Metrics instance with all platform metrics
func NewMetrics() *Metrics {
	return &Metrics{
		ComponentStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "devlink",
				Subsystem: "component",
				Name:      "status",
				Help:      "Component status (0=stopped, 1=starting, 2=running, 3=paused)",
			},
			[]string{"component"},
		),

		MessagesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "devlink",
				Subsystem: "messages",
				Name:      "received_total",
				Help:      "Total number of device messages received",
			},
			[]string{"component", "type"},
		),

		MessagesSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "devlink",
				Subsystem: "messages",
				Name:      "sent_total",
				Help:      "Total number of messages sent to devices",
			},
			[]string{"component"},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "devlink",
				Subsystem: "errors",
				Name:      "total",
				Help:      "Total number of errors",
			},
			[]string{"component", "type"},
		),

		ConnectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "devlink",
				Subsystem: "connections",
				Name:      "total",
				Help:      "Total number of connections accepted",
			},
			[]string{"component"},
		),

		ConnectionsActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "devlink",
				Subsystem: "connections",
				Name:      "active",
				Help:      "Current number of open connections",
			},
			[]string{"component"},
		),

		SessionsCurrent: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "devlink",
				Subsystem: "sessions",
				Name:      "current",
				Help:      "Current number of live device sessions per transport",
			},
			[]string{"transport"},
		),

		SessionsEvicted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "devlink",
				Subsystem: "sessions",
				Name:      "evicted_total",
				Help:      "Total sessions evicted by the reconciliation sweep",
			},
		),

		SweepDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "devlink",
				Subsystem: "sessions",
				Name:      "sweep_duration_seconds",
				Help:      "Reconciliation sweep duration",
				Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
			},
		),

		NATSConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "devlink",
				Subsystem: "nats",
				Name:      "connected",
				Help:      "NATS connection status (0=disconnected, 1=connected)",
			},
		),

		NATSReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "devlink",
				Subsystem: "nats",
				Name:      "reconnects_total",
				Help:      "Total number of NATS reconnections",
			},
		),
	}
}

// RecordComponentStatus updates a component's status metric
func (c *Metrics) RecordComponentStatus(component string, status int) {
	c.ComponentStatus.WithLabelValues(component).Set(float64(status))
}

// RecordMessageReceived increments the received message counter
func (c *Metrics) RecordMessageReceived(component, messageType string) {
	c.MessagesReceived.WithLabelValues(component, messageType).Inc()
}

// RecordMessageSent increments the sent message counter
func (c *Metrics) RecordMessageSent(component string) {
	c.MessagesSent.WithLabelValues(component).Inc()
}

// RecordError increments the error counter
func (c *Metrics) RecordError(component, errorType string) {
	c.ErrorsTotal.WithLabelValues(component, errorType).Inc()
}

// RecordConnectionOpened counts an accepted connection and raises the
// active gauge
func (c *Metrics) RecordConnectionOpened(component string) {
	c.ConnectionsTotal.WithLabelValues(component).Inc()
	c.ConnectionsActive.WithLabelValues(component).Inc()
}

// RecordConnectionClosed lowers the active connection gauge
func (c *Metrics) RecordConnectionClosed(component string) {
	c.ConnectionsActive.WithLabelValues(component).Dec()
}

// RecordSessionCount reports the current session count for a transport
func (c *Metrics) RecordSessionCount(transport string, count int64) {
	c.SessionsCurrent.WithLabelValues(transport).Set(float64(count))
}

// RecordSessionsEvicted adds to the eviction counter
func (c *Metrics) RecordSessionsEvicted(n int64) {
	c.SessionsEvicted.Add(float64(n))
}

// RecordSweepDuration records how long a reconciliation sweep took
func (c *Metrics) RecordSweepDuration(d time.Duration) {
	c.SweepDuration.Observe(d.Seconds())
}

// RecordNATSStatus updates NATS connection status
func (c *Metrics) RecordNATSStatus(connected bool) {
	value := 0.0
	if connected {
		value = 1.0
	}
	c.NATSConnected.Set(value)
}

// RecordNATSReconnect increments the reconnection counter
func (c *Metrics) RecordNATSReconnect() {
	c.NATSReconnects.Inc()
}
