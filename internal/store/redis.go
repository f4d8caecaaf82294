// Package store builds the shared Redis client used by the limiter, the
// policy repository and notifier, and the audit stream sink.
package store

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vyrodovalexey/avathrottle/internal/config"
	"github.com/vyrodovalexey/avathrottle/internal/observability"
)

// Connection defaults applied when the configuration leaves them unset.
const (
	defaultConnectRetries = 3
	defaultInitialBackoff = 100 * time.Millisecond
	defaultMaxBackoff     = 2 * time.Second
	defaultDialTimeout    = 2 * time.Second
	maxTotalConnectWait   = 2 * time.Minute
)

// Option configures client construction.
type Option func(*options)

type options struct {
	logger  observability.Logger
	metrics *Metrics
}

// WithLogger sets the logger used while connecting.
func WithLogger(logger observability.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithMetrics records connection attempts on m.
func WithMetrics(m *Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// NewUniversalClient builds a client for cfg: one address gives a
// standalone client, several a cluster client, and a master name a
// sentinel failover client.
func NewUniversalClient(cfg config.RedisConfig) redis.UniversalClient {
	return redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:       cfg.Addrs,
		MasterName:  cfg.MasterName,
		Username:    cfg.Username,
		Password:    cfg.Password,
		DB:          cfg.DB,
		PoolSize:    cfg.PoolSize,
		DialTimeout: cfg.DialTimeout.OrDefault(defaultDialTimeout),
	})
}

// Connect builds a client and pings it until it answers, backing off with
// decorrelated jitter between attempts. When Redis never answers the
// client is still returned together with the error: it dials lazily and
// recovers on its own once Redis is back, so callers may keep it.
func Connect(ctx context.Context, cfg config.RedisConfig, opts ...Option) (redis.UniversalClient, error) {
	o := &options{logger: observability.NopLogger()}
	for _, opt := range opts {
		opt(o)
	}

	client := NewUniversalClient(cfg)
	if err := waitForRedis(ctx, client, cfg, o); err != nil {
		return client, err
	}
	return client, nil
}

func waitForRedis(ctx context.Context, client redis.UniversalClient, cfg config.RedisConfig, o *options) error {
	maxRetries := cfg.ConnectRetries
	if maxRetries <= 0 {
		maxRetries = defaultConnectRetries
	}
	dialTimeout := cfg.DialTimeout.OrDefault(defaultDialTimeout)

	totalTimeout := time.Duration(maxRetries+1) * dialTimeout
	if totalTimeout > maxTotalConnectWait {
		totalTimeout = maxTotalConnectWait
	}

	overallCtx, cancel := context.WithTimeout(ctx, totalTimeout)
	defer cancel()

	backoff := newDecorrelatedJitterBackoff(
		cfg.RetryInitialBackoff.OrDefault(defaultInitialBackoff),
		cfg.RetryMaxBackoff.OrDefault(defaultMaxBackoff),
	)

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := overallCtx.Err(); err != nil {
			return fmt.Errorf("redis connection timeout exceeded: %w", err)
		}

		pingCtx, pingCancel := context.WithTimeout(overallCtx, dialTimeout)
		lastErr = client.Ping(pingCtx).Err()
		pingCancel()

		if lastErr == nil {
			if attempt > 0 {
				o.logger.Info("redis connection established after retry",
					observability.Strings("addrs", cfg.Addrs),
					observability.Int("attempt", attempt+1),
				)
			}
			return nil
		}

		o.metrics.connectError()

		if attempt >= maxRetries {
			break
		}

		wait := backoff.next(attempt)
		o.logger.Warn("redis connection failed, retrying",
			observability.Strings("addrs", cfg.Addrs),
			observability.Int("attempt", attempt+1),
			observability.Int("max_retries", maxRetries),
			observability.Duration("backoff", wait),
			observability.Error(lastErr),
		)
		o.metrics.connectRetry()

		select {
		case <-overallCtx.Done():
			return fmt.Errorf("redis connection timeout exceeded during backoff: %w", overallCtx.Err())
		case <-time.After(wait):
		}
	}

	return fmt.Errorf("failed to connect to redis after %d attempts: %w", maxRetries+1, lastErr)
}

// decorrelatedJitterBackoff spreads reconnect attempts of many instances
// starting at once: sleep = min(cap, random_between(base, sleep*3)).
type decorrelatedJitterBackoff struct {
	initial time.Duration
	max     time.Duration
	current time.Duration
}

func newDecorrelatedJitterBackoff(initial, maxDuration time.Duration) *decorrelatedJitterBackoff {
	return &decorrelatedJitterBackoff{
		initial: initial,
		max:     maxDuration,
		current: initial,
	}
}

func (b *decorrelatedJitterBackoff) next(attempt int) time.Duration {
	if attempt == 0 {
		b.current = b.initial
		return b.current
	}

	lo := float64(b.initial)
	hi := float64(b.current) * 3

	//nolint:gosec // weak random is acceptable for jitter
	backoff := lo + rand.Float64()*(hi-lo)
	if backoff > float64(b.max) {
		backoff = float64(b.max)
	}

	b.current = time.Duration(backoff)
	return b.current
}
