package policy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runListener(t *testing.T, l *Listener) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

func TestListener_ReloadsOnNotification(t *testing.T) {
	t.Parallel()

	repo := NewMemoryRepository()
	notifier := NewMemoryNotifier()
	writer := NewStore(repo, WithNotifier(notifier))
	reader := NewStore(repo)

	runListener(t, NewListener(reader, notifier))

	// wait for the subscription to register before publishing
	require.Eventually(t, func() bool {
		notifier.mu.Lock()
		defer notifier.mu.Unlock()
		return len(notifier.subs) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, writer.Replace(context.Background(), customSet()))

	assert.Eventually(t, func() bool {
		return reader.IsExempt("user:ops")
	}, time.Second, 5*time.Millisecond)
}

func TestListener_PeriodicResync(t *testing.T) {
	t.Parallel()

	repo := NewMemoryRepository()
	reader := NewStore(repo)

	// a notifier that never delivers anything
	runListener(t, NewListener(reader, NewMemoryNotifier(), WithResyncInterval(10*time.Millisecond)))

	require.NoError(t, repo.Save(context.Background(), customSet()))

	assert.Eventually(t, func() bool {
		return reader.Resolve("/unlisted", "") == Policy{LimitPerMinute: 10, BurstCapacity: 10}
	}, time.Second, 5*time.Millisecond)
}

type flakyNotifier struct {
	attempts atomic.Int32
	inner    *MemoryNotifier
}

func (n *flakyNotifier) Publish(ctx context.Context) error { return n.inner.Publish(ctx) }

func (n *flakyNotifier) Subscribe(ctx context.Context) (<-chan struct{}, error) {
	if n.attempts.Add(1) < 3 {
		return nil, errors.New("redis down")
	}
	return n.inner.Subscribe(ctx)
}

func TestListener_ResubscribesAfterFailure(t *testing.T) {
	t.Parallel()

	repo := NewMemoryRepository()
	require.NoError(t, repo.Save(context.Background(), customSet()))
	reader := NewStore(repo)

	notifier := &flakyNotifier{inner: NewMemoryNotifier()}
	runListener(t, NewListener(reader, notifier, WithResubscribeDelay(5*time.Millisecond)))

	assert.Eventually(t, func() bool {
		return notifier.attempts.Load() >= 3 && reader.IsExempt("user:ops")
	}, time.Second, 5*time.Millisecond)
}

func TestMemoryNotifier_CloseEndsSubscriptions(t *testing.T) {
	t.Parallel()

	n := NewMemoryNotifier()
	ch, err := n.Subscribe(context.Background())
	require.NoError(t, err)

	require.NoError(t, n.Publish(context.Background()))
	require.NoError(t, n.Publish(context.Background()))

	_, ok := <-ch
	assert.True(t, ok)

	n.Close()
	_, ok = <-ch
	assert.False(t, ok)

	_, err = n.Subscribe(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestRedisNotifier_PublishSubscribe(t *testing.T) {
	t.Parallel()

	_, client := newRedisClient(t)
	n := NewRedisNotifier(client, "")

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := n.Subscribe(ctx)
	require.NoError(t, err)

	require.NoError(t, n.Publish(context.Background()))

	select {
	case _, ok := <-ch:
		assert.True(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("no reload signal received")
	}

	cancel()
	assert.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

func TestLoadFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	yamlPath := filepath.Join(dir, "policies.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(`
global: {limitPerMinute: 10, burstCapacity: 10}
byRoute:
  /api/resource: {limitPerMinute: 5, burstCapacity: 5}
byTier:
  gold: {limitPerMinute: 500, burstCapacity: 600}
exemptions: ["user:ops"]
`), 0o600))

	set, err := LoadFile(yamlPath)
	require.NoError(t, err)
	require.NoError(t, set.Validate())
	assert.Equal(t, customSet(), set)

	jsonPath := filepath.Join(dir, "policies.json")
	require.NoError(t, os.WriteFile(jsonPath,
		[]byte(`{"global":{"limitPerMinute":10,"burstCapacity":10},"byRoute":{},"byTier":{}}`), 0o600))
	set, err = LoadFile(jsonPath)
	require.NoError(t, err)
	assert.NoError(t, set.Validate())

	badPath := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(badPath, []byte("global: [1,"), 0o600))
	_, err = LoadFile(badPath)
	assert.True(t, IsValidationError(err))

	_, err = LoadFile(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}
