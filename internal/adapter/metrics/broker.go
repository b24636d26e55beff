package metrics

import "github.com/prometheus/client_golang/prometheus"

// BrokerMetrics holds Prometheus metrics for the broker subscription.
type BrokerMetrics struct {
	MessagesReceived prometheus.Counter
	Connected        prometheus.Gauge
	ConnectFailures  prometheus.Counter
	Reconnects       prometheus.Counter
	SubscribeErrors  prometheus.Counter
}

// NewBrokerMetrics creates and registers broker metrics on the given registry.
func NewBrokerMetrics(reg prometheus.Registerer) *BrokerMetrics {
	m := &BrokerMetrics{
		MessagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "messages_received_total",
			Help:      "Total number of messages received from the broker.",
		}),
		Connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "connected",
			Help:      "1 when the broker connection is established, 0 otherwise.",
		}),
		ConnectFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "connect_failures_total",
			Help:      "Total number of failed broker connection attempts.",
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "reconnects_total",
			Help:      "Total number of broker reconnections after a lost connection.",
		}),
		SubscribeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "subscribe_errors_total",
			Help:      "Total number of rejected or unacknowledged subscriptions.",
		}),
	}

	reg.MustRegister(m.MessagesReceived, m.Connected, m.ConnectFailures, m.Reconnects, m.SubscribeErrors)
	return m
}
