package policy

import (
	"context"
	"time"

	"github.com/vyrodovalexey/avathrottle/internal/observability"
)

const defaultResubscribeDelay = time.Second

// Listener keeps a Store in step with the repository: it reloads on every
// notification and, as a safety net for lost messages, on a fixed
// interval.
type Listener struct {
	store            *Store
	notifier         Notifier
	resync           time.Duration
	resubscribeDelay time.Duration
	logger           observability.Logger
}

// ListenerOption configures a Listener.
type ListenerOption func(*Listener)

// WithResyncInterval sets the periodic reload interval; zero disables it.
func WithResyncInterval(d time.Duration) ListenerOption {
	return func(l *Listener) {
		l.resync = d
	}
}

// WithResubscribeDelay sets the wait between subscription attempts.
func WithResubscribeDelay(d time.Duration) ListenerOption {
	return func(l *Listener) {
		l.resubscribeDelay = d
	}
}

// WithListenerLogger sets the logger.
func WithListenerLogger(logger observability.Logger) ListenerOption {
	return func(l *Listener) {
		l.logger = logger
	}
}

// NewListener creates a listener for store.
func NewListener(store *Store, notifier Notifier, opts ...ListenerOption) *Listener {
	l := &Listener{
		store:            store,
		notifier:         notifier,
		resubscribeDelay: defaultResubscribeDelay,
		logger:           observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run blocks until ctx is done. A lost subscription is re-established,
// followed by a reload to pick up anything published meanwhile.
func (l *Listener) Run(ctx context.Context) {
	var resync <-chan time.Time
	if l.resync > 0 {
		ticker := time.NewTicker(l.resync)
		defer ticker.Stop()
		resync = ticker.C
	}

	for ctx.Err() == nil {
		signals, err := l.notifier.Subscribe(ctx)
		if err != nil {
			l.logger.Warn("policy reload subscription failed",
				observability.Error(err),
				observability.Duration("retry_in", l.resubscribeDelay),
			)
			if !l.wait(ctx, resync) {
				return
			}
			continue
		}

		l.reload(ctx, "subscribed")
		l.consume(ctx, signals, resync)
	}
}

// consume returns when ctx is done or the subscription is lost.
func (l *Listener) consume(ctx context.Context, signals <-chan struct{}, resync <-chan time.Time) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-signals:
			if !ok {
				if ctx.Err() == nil {
					l.logger.Warn("policy reload subscription lost")
				}
				return
			}
			l.reload(ctx, "notification")
		case <-resync:
			l.reload(ctx, "resync")
		}
	}
}

// wait sleeps for the resubscribe delay while still honouring resync
// ticks. It returns false when ctx is done.
func (l *Listener) wait(ctx context.Context, resync <-chan time.Time) bool {
	timer := time.NewTimer(l.resubscribeDelay)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			return true
		case <-resync:
			l.reload(ctx, "resync")
		}
	}
}

func (l *Listener) reload(ctx context.Context, trigger string) {
	if err := l.store.Reload(ctx); err != nil && ctx.Err() == nil {
		l.logger.Warn("policy reload failed",
			observability.String("trigger", trigger),
			observability.Error(err),
		)
	}
}
