package audit

import "github.com/prometheus/client_golang/prometheus"

// Event outcomes.
const (
	outcomeWritten    = "written"
	outcomeFailed     = "failed"
	outcomeDropped    = "dropped"
	outcomeSampledOut = "sampled_out"
)

// Metrics tracks what happens to denial events.
type Metrics struct {
	events     *prometheus.CounterVec
	sampleRate prometheus.Gauge
}

// NewMetricsWithRegisterer creates audit metrics registered on registerer.
func NewMetricsWithRegisterer(namespace string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "events_total",
			Help:      "Throttle events by outcome",
		}, []string{"outcome"}),
		sampleRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "sample_rate",
			Help:      "Current probability that a denial is recorded",
		}),
	}
	registerer.MustRegister(m.events, m.sampleRate)

	// zero series so dashboards see every outcome from startup
	for _, o := range []string{outcomeWritten, outcomeFailed, outcomeDropped, outcomeSampledOut} {
		m.events.WithLabelValues(o)
	}
	return m
}

func (m *Metrics) event(outcome string) {
	if m != nil {
		m.events.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) setSampleRate(p float64) {
	if m != nil {
		m.sampleRate.Set(p)
	}
}
