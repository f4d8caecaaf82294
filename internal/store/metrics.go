package store

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts Redis connection attempts.
type Metrics struct {
	connectionRetries prometheus.Counter
	connectionErrors  prometheus.Counter
}

// NewMetricsWithRegisterer creates store metrics registered on registerer.
func NewMetricsWithRegisterer(namespace string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		connectionRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "redis",
			Name:      "connection_retries_total",
			Help:      "Total number of Redis connection retry attempts",
		}),
		connectionErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "redis",
			Name:      "connection_errors_total",
			Help:      "Total number of failed Redis connection attempts",
		}),
	}
	registerer.MustRegister(m.connectionRetries, m.connectionErrors)
	return m
}

func (m *Metrics) connectRetry() {
	if m != nil {
		m.connectionRetries.Inc()
	}
}

func (m *Metrics) connectError() {
	if m != nil {
		m.connectionErrors.Inc()
	}
}
