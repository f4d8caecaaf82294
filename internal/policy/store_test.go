package policy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisClient(t *testing.T) (*miniredis.Miniredis, redis.UniversalClient) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func customSet() *PolicySet {
	return &PolicySet{
		Global:     &Policy{LimitPerMinute: 10, BurstCapacity: 10},
		ByRoute:    map[string]Policy{"/api/resource": {LimitPerMinute: 5, BurstCapacity: 5}},
		ByTier:     map[string]Policy{"gold": {LimitPerMinute: 500, BurstCapacity: 600}},
		Exemptions: []string{"user:ops"},
	}
}

type failingRepo struct {
	loadErr error
	saveErr error
}

func (r *failingRepo) Load(context.Context) (*PolicySet, error) { return nil, r.loadErr }
func (r *failingRepo) Save(context.Context, *PolicySet) error   { return r.saveErr }

type countingNotifier struct {
	published int
	err       error
}

func (n *countingNotifier) Publish(context.Context) error {
	n.published++
	return n.err
}

func (n *countingNotifier) Subscribe(context.Context) (<-chan struct{}, error) {
	return nil, errors.New("not supported")
}

func TestStore_ServesDefaultsBeforeLoad(t *testing.T) {
	t.Parallel()

	s := NewStore(NewMemoryRepository())
	assert.Equal(t, Policy{100, 120}, s.Resolve("/api/resource", ""))
	assert.Equal(t, Policy{20, 30}, s.Resolve("/api/heavy", ""))
	assert.False(t, s.IsExempt("ip:127.0.0.1"))
}

// An admin on the heavy route gets the tier policy, every time.
func TestStore_Resolve_TierOverridesRoute(t *testing.T) {
	t.Parallel()

	s := NewStore(NewMemoryRepository())
	got := s.Resolve("/api/heavy", TierAdmin)

	assert.Equal(t, Policy{LimitPerMinute: 1000, BurstCapacity: 1200}, got)
	for i := 0; i < 100; i++ {
		require.Equal(t, got, s.Resolve("/api/heavy", TierAdmin))
	}
}

// A replacement without byTier is rejected and changes nothing.
func TestStore_Replace_MissingByTierKeepsSnapshot(t *testing.T) {
	t.Parallel()

	repo := NewMemoryRepository()
	notifier := &countingNotifier{}
	s := NewStore(repo, WithNotifier(notifier))

	before := map[[2]string]Policy{}
	probes := [][2]string{{"/api/heavy", TierAdmin}, {"/api/heavy", ""}, {"/api/resource", "gold"}}
	for _, p := range probes {
		before[p] = s.Resolve(p[0], p[1])
	}

	bad := customSet()
	bad.ByTier = nil

	err := s.Replace(context.Background(), bad)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "byTier", verr.Field)

	for _, p := range probes {
		assert.Equal(t, before[p], s.Resolve(p[0], p[1]))
	}
	_, loadErr := repo.Load(context.Background())
	assert.ErrorIs(t, loadErr, ErrNotFound)
	assert.Zero(t, notifier.published)
}

func TestStore_Replace_Success(t *testing.T) {
	t.Parallel()

	repo := NewMemoryRepository()
	notifier := &countingNotifier{}
	metrics := NewMetricsWithRegisterer("test", prometheus.NewRegistry())
	s := NewStore(repo, WithNotifier(notifier), WithMetrics(metrics))

	input := customSet()
	require.NoError(t, s.Replace(context.Background(), input))

	// caller mutations after Replace do not leak into the snapshot
	input.Global.LimitPerMinute = 9999
	input.Exemptions[0] = "user:other"

	assert.Equal(t, Policy{5, 5}, s.Resolve("/api/resource", ""))
	assert.Equal(t, Policy{10, 10}, s.Resolve("/unlisted", ""))
	assert.Equal(t, Policy{500, 600}, s.Resolve("/api/resource", "gold"))
	assert.True(t, s.IsExempt("user:ops"))
	assert.False(t, s.IsExempt("user:other"))
	assert.Equal(t, 1, notifier.published)

	stored, err := repo.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 10.0, stored.Global.LimitPerMinute)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.replacements.WithLabelValues(outcomeApplied)))
}

func TestStore_Replace_PersistFailureKeepsSnapshot(t *testing.T) {
	t.Parallel()

	boom := errors.New("disk full")
	notifier := &countingNotifier{}
	s := NewStore(&failingRepo{saveErr: boom}, WithNotifier(notifier))

	err := s.Replace(context.Background(), customSet())
	require.ErrorIs(t, err, boom)
	assert.False(t, IsValidationError(err))
	assert.Equal(t, Policy{100, 120}, s.Resolve("/unlisted", ""))
	assert.Zero(t, notifier.published)
}

func TestStore_Replace_PublishFailureStillApplies(t *testing.T) {
	t.Parallel()

	notifier := &countingNotifier{err: errors.New("no pubsub")}
	s := NewStore(NewMemoryRepository(), WithNotifier(notifier))

	require.NoError(t, s.Replace(context.Background(), customSet()))
	assert.Equal(t, Policy{10, 10}, s.Resolve("/unlisted", ""))
	assert.Equal(t, 1, notifier.published)
}

func TestStore_Current_ReturnsCopy(t *testing.T) {
	t.Parallel()

	s := NewStore(NewMemoryRepository())
	cur := s.Current()
	cur.Global.LimitPerMinute = 1
	cur.ByRoute["/api/heavy"] = Policy{1, 1}

	assert.Equal(t, Policy{100, 120}, s.Resolve("/unlisted", ""))
	assert.Equal(t, Policy{20, 30}, s.Resolve("/api/heavy", ""))
}

func TestStore_Reload(t *testing.T) {
	t.Parallel()

	t.Run("absent document keeps defaults", func(t *testing.T) {
		t.Parallel()
		s := NewStore(NewMemoryRepository())
		require.NoError(t, s.Reload(context.Background()))
		assert.Equal(t, Policy{100, 120}, s.Resolve("/unlisted", ""))
	})

	t.Run("absent document later keeps current", func(t *testing.T) {
		t.Parallel()
		repo := NewMemoryRepository()
		s := NewStore(repo)
		require.NoError(t, s.Replace(context.Background(), customSet()))

		repo.SetRaw(nil)
		require.NoError(t, s.Reload(context.Background()))
		assert.Equal(t, Policy{10, 10}, s.Resolve("/unlisted", ""))
	})

	t.Run("stored document is applied", func(t *testing.T) {
		t.Parallel()
		repo := NewMemoryRepository()
		require.NoError(t, repo.Save(context.Background(), customSet()))

		s := NewStore(repo)
		require.NoError(t, s.Reload(context.Background()))
		assert.Equal(t, Policy{10, 10}, s.Resolve("/unlisted", ""))
		assert.True(t, s.IsExempt("user:ops"))
	})

	t.Run("invalid stored document is rejected", func(t *testing.T) {
		t.Parallel()
		repo := NewMemoryRepository()
		repo.SetRaw([]byte(`{"global":{"limitPerMinute":1,"burstCapacity":1}}`))

		s := NewStore(repo)
		err := s.Reload(context.Background())
		assert.True(t, IsValidationError(err))
		assert.Equal(t, Policy{100, 120}, s.Resolve("/unlisted", ""))
	})

	t.Run("undecodable stored document is rejected", func(t *testing.T) {
		t.Parallel()
		repo := NewMemoryRepository()
		repo.SetRaw([]byte(`garbage`))

		s := NewStore(repo)
		assert.True(t, IsValidationError(s.Reload(context.Background())))
	})

	t.Run("repository error is returned", func(t *testing.T) {
		t.Parallel()
		boom := errors.New("connection refused")
		s := NewStore(&failingRepo{loadErr: boom})
		err := s.Reload(context.Background())
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, Policy{100, 120}, s.Resolve("/unlisted", ""))
	})
}

func TestStore_WithDefaults(t *testing.T) {
	t.Parallel()

	s := NewStore(NewMemoryRepository(), WithDefaults(customSet()))
	assert.Equal(t, Policy{10, 10}, s.Resolve("/unlisted", ""))
}

func TestRedisRepository(t *testing.T) {
	t.Parallel()

	mr, client := newRedisClient(t)
	repo := NewRedisRepository(client, "", "")

	_, err := repo.Load(context.Background())
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, repo.Save(context.Background(), customSet()))
	raw := mr.HGet(DefaultKey, DefaultField)
	assert.Contains(t, raw, `"limitPerMinute":10`)
	assert.Contains(t, raw, `"exemptions":["user:ops"]`)

	got, err := repo.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, customSet(), got)

	mr.HSet(DefaultKey, DefaultField, "{broken")
	_, err = repo.Load(context.Background())
	assert.True(t, IsValidationError(err))

	mr.Close()
	_, err = repo.Load(context.Background())
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNotFound))
}

// Two instances sharing Redis converge after a replace on one of them.
func TestStore_RedisPropagation(t *testing.T) {
	t.Parallel()

	_, client := newRedisClient(t)

	newInstance := func() *Store {
		return NewStore(
			NewRedisRepository(client, DefaultKey, DefaultField),
			WithNotifier(NewRedisNotifier(client, DefaultChannel)),
		)
	}
	a, b := newInstance(), newInstance()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	listener := NewListener(b, NewRedisNotifier(client, DefaultChannel))
	done := make(chan struct{})
	go func() {
		listener.Run(ctx)
		close(done)
	}()

	require.NoError(t, a.Replace(context.Background(), customSet()))

	assert.Eventually(t, func() bool {
		return b.Resolve("/unlisted", "") == Policy{10, 10}
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}
