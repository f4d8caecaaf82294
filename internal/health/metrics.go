package health

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for health checks.
type Metrics struct {
	checksTotal *prometheus.CounterVec
	checkStatus *prometheus.GaugeVec
}

// NewMetricsWithRegisterer creates health metrics registered on registerer.
func NewMetricsWithRegisterer(namespace string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		checksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "checks_total",
			Help:      "Total number of dependency checks performed",
		}, []string{"check", "result"}),
		checkStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "check_status",
			Help:      "Last dependency check status (1=healthy, 0=unhealthy)",
		}, []string{"check"}),
	}
	registerer.MustRegister(m.checksTotal, m.checkStatus)
	return m
}

func (m *Metrics) observe(check string, healthy bool) {
	if m == nil {
		return
	}
	result, value := "success", 1.0
	if !healthy {
		result, value = "failure", 0
	}
	m.checksTotal.WithLabelValues(check, result).Inc()
	m.checkStatus.WithLabelValues(check).Set(value)
}
