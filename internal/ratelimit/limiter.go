// Package ratelimit implements the distributed token bucket limiter.
//
// Every check is a single atomic round trip to a Backend. When the
// backend fails, times out or has its circuit open, the limiter fails
// open: the request is allowed and a *StoreUnavailableError is returned
// alongside the result.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/vyrodovalexey/avathrottle/internal/identity"
	"github.com/vyrodovalexey/avathrottle/internal/observability"
	"github.com/vyrodovalexey/avathrottle/internal/policy"
)

// Defaults.
const (
	DefaultTimeout      = 100 * time.Millisecond
	DefaultWarnInterval = 10 * time.Second
)

var tracer = otel.Tracer("avathrottle/ratelimit")

// Result is the outcome of CheckAndConsume.
type Result struct {
	Allowed bool
	// Limit is the policy's limitPerMinute.
	Limit        float64
	Remaining    int
	ResetSeconds int
	FailOpen     bool
}

// StoreUnavailableError reports that the bucket store could not be used
// and the request was let through.
type StoreUnavailableError struct {
	Key   string
	Cause error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("rate limit store unavailable for %s: %v", e.Key, e.Cause)
}

func (e *StoreUnavailableError) Unwrap() error {
	return e.Cause
}

// IsStoreUnavailable reports whether err is a *StoreUnavailableError.
func IsStoreUnavailable(err error) bool {
	var target *StoreUnavailableError
	return errors.As(err, &target)
}

// Limiter checks and consumes tokens.
type Limiter struct {
	backend   Backend
	namespace string
	timeout   time.Duration
	now       func() time.Time
	logger    observability.Logger
	metrics   *Metrics
	warn      *rate.Sometimes
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithNamespace sets the key namespace.
func WithNamespace(ns string) Option {
	return func(l *Limiter) {
		if ns != "" {
			l.namespace = ns
		}
	}
}

// WithTimeout sets the per-call backend timeout.
func WithTimeout(d time.Duration) Option {
	return func(l *Limiter) {
		if d > 0 {
			l.timeout = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(l *Limiter) {
		l.logger = logger
	}
}

// WithMetrics sets the metrics.
func WithMetrics(m *Metrics) Option {
	return func(l *Limiter) {
		l.metrics = m
	}
}

// WithWarnInterval sets the minimum spacing of fail-open warnings.
func WithWarnInterval(d time.Duration) Option {
	return func(l *Limiter) {
		if d > 0 {
			l.warn = &rate.Sometimes{First: 1, Interval: d}
		}
	}
}

// NewLimiter creates a limiter over backend.
func NewLimiter(backend Backend, opts ...Option) *Limiter {
	l := &Limiter{
		backend:   backend,
		namespace: DefaultNamespace,
		timeout:   DefaultTimeout,
		now:       time.Now,
		logger:    observability.NopLogger(),
		warn:      &rate.Sometimes{First: 1, Interval: DefaultWarnInterval},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// CheckAndConsume takes cost tokens from the bucket of id on route.
// A cost below one counts as one. The error is non-nil only when the
// store was unavailable, in which case the result is a fail-open allow.
func (l *Limiter) CheckAndConsume(
	ctx context.Context,
	route string,
	id identity.Identity,
	p policy.Policy,
	cost int,
) (Result, error) {
	if cost < 1 {
		cost = 1
	}
	key := BucketKey(l.namespace, route, id.ID)

	ctx, span := tracer.Start(ctx, "ratelimit.CheckAndConsume",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("ratelimit.route", route),
			attribute.String("ratelimit.tier", id.Tier),
			attribute.Int("ratelimit.cost", cost),
		),
	)
	defer span.End()

	callCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	start := time.Now()
	out, err := l.backend.Consume(callCtx, Request{
		Key:             key,
		Capacity:        p.Capacity(),
		RefillPerSecond: p.RefillPerSecond(),
		Cost:            cost,
		Now:             l.now(),
		TTLSeconds:      p.BucketTTLSeconds(),
	})
	l.metrics.observeStore(time.Since(start))

	if err != nil {
		return l.failOpen(ctx, span, route, key, p, cost, err)
	}

	res := Result{
		Allowed:      out.Allowed,
		Limit:        p.LimitPerMinute,
		Remaining:    out.Remaining,
		ResetSeconds: out.ResetSeconds,
	}
	if res.Allowed {
		res.ResetSeconds = 0
		l.metrics.decided(route, decisionAllowed)
	} else {
		l.metrics.decided(route, decisionDenied)
	}

	span.SetAttributes(
		attribute.Bool("ratelimit.allowed", res.Allowed),
		attribute.Int("ratelimit.remaining", res.Remaining),
	)
	return res, nil
}

func (l *Limiter) failOpen(
	ctx context.Context,
	span trace.Span,
	route, key string,
	p policy.Policy,
	cost int,
	cause error,
) (Result, error) {
	reason := reasonError
	switch {
	case isBreakerRejection(cause):
		reason = reasonCircuitOpen
	case errors.Is(cause, context.DeadlineExceeded):
		reason = reasonTimeout
	}
	l.metrics.storeFailed(reason)
	l.metrics.decided(route, decisionFailOpen)

	span.RecordError(cause)
	span.SetStatus(codes.Error, "store unavailable")
	span.SetAttributes(attribute.Bool("ratelimit.fail_open", true))

	l.warn.Do(func() {
		l.logger.WithContext(ctx).Warn("rate limit store unavailable, failing open",
			observability.String("route", route),
			observability.String("reason", reason),
			observability.Error(cause),
		)
	})

	return Result{
		Allowed:   true,
		Limit:     p.LimitPerMinute,
		Remaining: int(math.Floor(max(0, p.BurstCapacity-float64(cost)))),
		FailOpen:  true,
	}, &StoreUnavailableError{Key: key, Cause: cause}
}
