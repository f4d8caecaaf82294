package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"github.com/vyrodovalexey/avathrottle/internal/observability"
)

// BreakerSettings configures a BreakerBackend.
type BreakerSettings struct {
	Name string
	// MaxFailures is the number of consecutive failures that opens the
	// breaker.
	MaxFailures uint32
	// OpenTimeout is how long the breaker stays open before probing.
	OpenTimeout time.Duration
	// HalfOpenRequests is how many probes run while half-open.
	HalfOpenRequests uint32
}

// BreakerBackend stops calling a failing backend for a while so that
// requests fail open immediately instead of waiting for the timeout.
type BreakerBackend struct {
	next    Backend
	cb      *gobreaker.CircuitBreaker
	logger  observability.Logger
	metrics *Metrics
}

// BreakerOption configures a BreakerBackend.
type BreakerOption func(*BreakerBackend)

// WithBreakerLogger sets the logger.
func WithBreakerLogger(logger observability.Logger) BreakerOption {
	return func(b *BreakerBackend) {
		b.logger = logger
	}
}

// WithBreakerMetrics sets the metrics.
func WithBreakerMetrics(m *Metrics) BreakerOption {
	return func(b *BreakerBackend) {
		b.metrics = m
	}
}

// NewBreakerBackend wraps next in a circuit breaker.
func NewBreakerBackend(next Backend, s BreakerSettings, opts ...BreakerOption) *BreakerBackend {
	b := &BreakerBackend{
		next:   next,
		logger: observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(b)
	}

	if s.Name == "" {
		s.Name = "ratelimit-store"
	}
	if s.MaxFailures == 0 {
		s.MaxFailures = 5
	}
	if s.HalfOpenRequests == 0 {
		s.HalfOpenRequests = 1
	}

	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        s.Name,
		MaxRequests: s.HalfOpenRequests,
		Timeout:     s.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.MaxFailures
		},
		// the caller going away says nothing about the store
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.logger.Info("circuit breaker state change",
				observability.String("name", name),
				observability.String("from", from.String()),
				observability.String("to", to.String()),
			)
			b.metrics.breakerState(to)
		},
	})
	b.metrics.breakerState(gobreaker.StateClosed)
	return b
}

// Consume implements Backend.
func (b *BreakerBackend) Consume(ctx context.Context, req Request) (Outcome, error) {
	res, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.Consume(ctx, req)
	})
	if err != nil {
		return Outcome{}, err
	}
	return res.(Outcome), nil
}

// State returns the breaker state.
func (b *BreakerBackend) State() gobreaker.State {
	return b.cb.State()
}

// isBreakerRejection reports whether err means the breaker refused the call.
func isBreakerRejection(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
