package policy

import "github.com/prometheus/client_golang/prometheus"

// Outcome label values.
const (
	outcomeApplied  = "applied"
	outcomeNotFound = "not_found"
	outcomeRejected = "rejected"
	outcomeError    = "error"
)

// Metrics tracks policy replacement and reload outcomes.
type Metrics struct {
	replacements     *prometheus.CounterVec
	reloads          *prometheus.CounterVec
	publishFailures  prometheus.Counter
	lastAppliedStamp prometheus.Gauge
}

// NewMetricsWithRegisterer creates policy metrics registered on registerer.
func NewMetricsWithRegisterer(namespace string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		replacements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "policy",
			Name:      "replacements_total",
			Help:      "Policy replacement attempts by outcome",
		}, []string{"outcome"}),
		reloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "policy",
			Name:      "reloads_total",
			Help:      "Policy reloads from the repository by outcome",
		}, []string{"outcome"}),
		publishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "policy",
			Name:      "publish_failures_total",
			Help:      "Reload notifications that could not be published",
		}),
		lastAppliedStamp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "policy",
			Name:      "last_applied_timestamp_seconds",
			Help:      "Unix time the current policy snapshot was installed",
		}),
	}
	registerer.MustRegister(m.replacements, m.reloads, m.publishFailures, m.lastAppliedStamp)
	return m
}

func (m *Metrics) replaced(outcome string) {
	if m == nil {
		return
	}
	m.replacements.WithLabelValues(outcome).Inc()
	if outcome == outcomeApplied {
		m.lastAppliedStamp.SetToCurrentTime()
	}
}

func (m *Metrics) reloaded(outcome string) {
	if m == nil {
		return
	}
	m.reloads.WithLabelValues(outcome).Inc()
	if outcome == outcomeApplied {
		m.lastAppliedStamp.SetToCurrentTime()
	}
}

func (m *Metrics) publishFailed() {
	if m != nil {
		m.publishFailures.Inc()
	}
}
