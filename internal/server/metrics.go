package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "teamchat"

// Metrics holds the chat relay's Prometheus collectors.
type Metrics struct {
	Connections        prometheus.Gauge
	Superseded         prometheus.Counter
	HandshakesRejected prometheus.Counter
	Publishes          *prometheus.CounterVec
	Deliveries         *prometheus.CounterVec
	PublishDuration    prometheus.Histogram
}

// NewMetrics registers the collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Connections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "connections",
			Help:      "Number of live authenticated chat connections.",
		}),
		Superseded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "connections_superseded_total",
			Help:      "Connections closed because the same user connected again.",
		}),
		HandshakesRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "handshakes_rejected_total",
			Help:      "Connection attempts refused for a missing or invalid credential.",
		}),
		Publishes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "publishes_total",
			Help:      "Publish attempts by result.",
		}, []string{"result"}),
		Deliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "deliveries_total",
			Help:      "Per-recipient deliveries by outcome.",
		}, []string{"outcome"}),
		PublishDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "publish_duration_seconds",
			Help:      "Time to persist and fan out a message.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}
