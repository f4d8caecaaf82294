package policy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/vyrodovalexey/avathrottle/internal/observability"
)

// snapshot is an installed policy set plus its exemption index.
type snapshot struct {
	set    *PolicySet
	exempt map[string]struct{}
}

func newSnapshot(set *PolicySet) *snapshot {
	exempt := make(map[string]struct{}, len(set.Exemptions))
	for _, id := range set.Exemptions {
		exempt[id] = struct{}{}
	}
	return &snapshot{set: set, exempt: exempt}
}

// Store holds this instance's policy snapshot. Reads are lock-free and
// always see one complete set. Writers are serialized.
type Store struct {
	current  atomic.Pointer[snapshot]
	repo     Repository
	notifier Notifier
	logger   observability.Logger
	metrics  *Metrics

	mu           sync.Mutex
	bootstrapped bool
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithNotifier publishes a reload signal after every successful Replace.
func WithNotifier(n Notifier) StoreOption {
	return func(s *Store) {
		s.notifier = n
	}
}

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) StoreOption {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithMetrics records outcomes on m.
func WithMetrics(m *Metrics) StoreOption {
	return func(s *Store) {
		s.metrics = m
	}
}

// WithDefaults replaces the built-in defaults. The set must be valid.
func WithDefaults(set *PolicySet) StoreOption {
	return func(s *Store) {
		s.current.Store(newSnapshot(set.Clone()))
	}
}

// NewStore creates a store serving the defaults until Reload or Replace
// installs something else.
func NewStore(repo Repository, opts ...StoreOption) *Store {
	s := &Store{
		repo:   repo,
		logger: observability.NopLogger(),
	}
	s.current.Store(newSnapshot(DefaultPolicySet()))

	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Resolve returns the policy for route and tier from the current snapshot.
func (s *Store) Resolve(route, tier string) Policy {
	return s.current.Load().set.Resolve(route, tier)
}

// IsExempt reports whether id bypasses rate limiting.
func (s *Store) IsExempt(id string) bool {
	_, ok := s.current.Load().exempt[id]
	return ok
}

// Current returns a copy of the current policy set.
func (s *Store) Current() *PolicySet {
	return s.current.Load().set.Clone()
}

// Replace validates set, persists it, installs it and notifies the other
// instances. A *ValidationError or a persistence failure leaves the
// current snapshot untouched. A failed notification is logged only:
// peers still converge on their next periodic resync.
func (s *Store) Replace(ctx context.Context, set *PolicySet) error {
	if err := set.Validate(); err != nil {
		s.metrics.replaced(outcomeRejected)
		return err
	}
	next := set.Clone()

	s.mu.Lock()
	if err := s.repo.Save(ctx, next); err != nil {
		s.mu.Unlock()
		s.metrics.replaced(outcomeError)
		return fmt.Errorf("failed to persist policy set: %w", err)
	}
	s.current.Store(newSnapshot(next))
	s.bootstrapped = true
	s.mu.Unlock()

	s.metrics.replaced(outcomeApplied)
	s.logger.Info("policy set replaced",
		observability.Int("routes", len(next.ByRoute)),
		observability.Int("tiers", len(next.ByTier)),
		observability.Int("exemptions", len(next.Exemptions)),
	)

	if s.notifier != nil {
		if err := s.notifier.Publish(ctx); err != nil {
			s.metrics.publishFailed()
			s.logger.Warn("failed to publish policy reload",
				observability.Error(err),
			)
		}
	}
	return nil
}

// Reload re-reads the authoritative document. When none is stored, the
// first Reload keeps the defaults and later ones keep whatever is
// installed. An invalid stored document is rejected with the previous
// snapshot kept in force.
func (s *Store) Reload(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, err := s.repo.Load(ctx)
	switch {
	case errors.Is(err, ErrNotFound):
		s.metrics.reloaded(outcomeNotFound)
		if !s.bootstrapped {
			s.bootstrapped = true
			s.logger.Info("no stored policy document, serving defaults")
		}
		return nil
	case IsValidationError(err):
		s.metrics.reloaded(outcomeRejected)
		s.logger.Error("stored policy document rejected",
			observability.Error(err),
		)
		return err
	case err != nil:
		s.metrics.reloaded(outcomeError)
		return fmt.Errorf("failed to load policy set: %w", err)
	}

	if err := set.Validate(); err != nil {
		s.metrics.reloaded(outcomeRejected)
		s.logger.Error("stored policy document rejected",
			observability.Error(err),
		)
		return err
	}

	s.current.Store(newSnapshot(set.Clone()))
	s.bootstrapped = true
	s.metrics.reloaded(outcomeApplied)
	s.logger.Debug("policy set reloaded")
	return nil
}
