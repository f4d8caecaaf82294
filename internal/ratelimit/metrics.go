package ratelimit

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker"
)

// Decision label values.
const (
	decisionAllowed  = "allowed"
	decisionDenied   = "denied"
	decisionFailOpen = "fail_open"
)

// Store error reasons.
const (
	reasonTimeout     = "timeout"
	reasonCircuitOpen = "circuit_open"
	reasonError       = "error"
)

// Metrics tracks limiter decisions and store health.
type Metrics struct {
	decisions    *prometheus.CounterVec
	storeLatency prometheus.Histogram
	storeErrors  *prometheus.CounterVec
	breaker      prometheus.Gauge
}

// NewMetricsWithRegisterer creates limiter metrics registered on registerer.
func NewMetricsWithRegisterer(namespace string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "decisions_total",
			Help:      "Rate limit decisions by route and decision",
		}, []string{"route", "decision"}),
		storeLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "store_duration_seconds",
			Help:      "Latency of bucket store calls",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
		}),
		storeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "store_errors_total",
			Help:      "Bucket store failures by reason",
		}, []string{"reason"}),
		breaker: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "circuit_breaker_state",
			Help:      "Store circuit breaker state (0=closed, 1=half-open, 2=open)",
		}),
	}
	registerer.MustRegister(m.decisions, m.storeLatency, m.storeErrors, m.breaker)
	return m
}

func (m *Metrics) decided(route, decision string) {
	if m != nil {
		m.decisions.WithLabelValues(route, decision).Inc()
	}
}

func (m *Metrics) observeStore(d time.Duration) {
	if m != nil {
		m.storeLatency.Observe(d.Seconds())
	}
}

func (m *Metrics) storeFailed(reason string) {
	if m != nil {
		m.storeErrors.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) breakerState(s gobreaker.State) {
	if m != nil {
		m.breaker.Set(float64(s))
	}
}
