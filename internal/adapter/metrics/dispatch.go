package metrics

import "github.com/prometheus/client_golang/prometheus"

// DispatchMetrics holds Prometheus metrics for the fan-out dispatcher.
type DispatchMetrics struct {
	MessagesDispatched prometheus.Counter
	MessagesDiscarded  *prometheus.CounterVec
	EnvelopesDelivered prometheus.Counter
	ClientsEvicted     *prometheus.CounterVec
	DispatchDuration   prometheus.Histogram
	Panics             prometheus.Counter
}

// NewDispatchMetrics creates and registers dispatcher metrics on the given registry.
func NewDispatchMetrics(reg prometheus.Registerer) *DispatchMetrics {
	m := &DispatchMetrics{
		MessagesDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "messages_total",
			Help:      "Total number of broker messages fanned out.",
		}),
		MessagesDiscarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "messages_discarded_total",
			Help:      "Broker messages not fanned out, by reason.",
		}, []string{"reason"}),
		EnvelopesDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "envelopes_queued_total",
			Help:      "Total number of envelopes queued to clients.",
		}),
		ClientsEvicted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "clients_evicted_total",
			Help:      "Clients removed after a failed delivery, by reason.",
		}, []string{"reason"}),
		DispatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "duration_seconds",
			Help:      "Time spent fanning out one broker message.",
			Buckets:   []float64{.00001, .0001, .0005, .001, .005, .01, .05, .1},
		}),
		Panics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "panics_total",
			Help:      "Total number of recovered dispatcher panics.",
		}),
	}

	reg.MustRegister(m.MessagesDispatched, m.MessagesDiscarded, m.EnvelopesDelivered, m.ClientsEvicted, m.DispatchDuration, m.Panics)
	return m
}
