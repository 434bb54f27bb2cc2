package analytics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the Prometheus collectors fed by the Aggregator.
type Metrics struct {
	connectionsTotal  prometheus.Counter
	connectionsActive prometheus.Gauge
	disconnects       *prometheus.CounterVec
	connectionLife    prometheus.Histogram

	messagesReceived *prometheus.CounterVec
	messagesSent     *prometheus.CounterVec
	bytesReceived    prometheus.Counter
	bytesSent        prometheus.Counter
	latency          prometheus.Histogram

	errors        *prometheus.CounterVec
	rateLimited   *prometheus.CounterVec
	handshakes    *prometheus.CounterVec
	queueOutcomes *prometheus.CounterVec
	presence      *prometheus.GaugeVec
	breakers      *prometheus.GaugeVec
	alerts        *prometheus.CounterVec
}

// NewMetrics builds the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rt_connections_total",
			Help: "Sessions accepted since start",
		}),
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rt_connections_active",
			Help: "Sessions currently open",
		}),
		disconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rt_disconnects_total",
			Help: "Closed sessions by close code",
		}, []string{"code"}),
		connectionLife: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "rt_connection_duration_seconds",
			Help:    "Session lifetime",
			Buckets: []float64{1, 5, 10, 30, 60, 300, 600, 1800, 3600},
		}),
		messagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rt_messages_received_total",
			Help: "Inbound envelopes by kind",
		}, []string{"kind"}),
		messagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rt_messages_sent_total",
			Help: "Outbound envelopes by kind",
		}, []string{"kind"}),
		bytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rt_bytes_received_total",
			Help: "Inbound payload bytes",
		}),
		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rt_bytes_sent_total",
			Help: "Outbound payload bytes",
		}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "rt_handler_latency_seconds",
			Help:    "Inbound envelope handling latency",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 3, 5, 10},
		}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rt_errors_total",
			Help: "Handled errors by category and severity",
		}, []string{"category", "severity"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rt_rate_limited_total",
			Help: "Rejected inbound envelopes by kind and reason",
		}, []string{"kind", "reason"}),
		handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rt_handshakes_rejected_total",
			Help: "Rejected upgrade requests by reason",
		}, []string{"reason"}),
		queueOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rt_queue_outcomes_total",
			Help: "Queued message outcomes",
		}, []string{"outcome"}),
		presence: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rt_presence_users",
			Help: "Users connected to this instance by presence status",
		}, []string{"status"}),
		breakers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rt_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		}, []string{"dependency"}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rt_alerts_total",
			Help: "Alerts raised by the aggregator",
		}, []string{"alert"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.connectionsTotal,
			m.connectionsActive,
			m.disconnects,
			m.connectionLife,
			m.messagesReceived,
			m.messagesSent,
			m.bytesReceived,
			m.bytesSent,
			m.latency,
			m.errors,
			m.rateLimited,
			m.handshakes,
			m.queueOutcomes,
			m.presence,
			m.breakers,
			m.alerts,
		)
	}
	return m
}
