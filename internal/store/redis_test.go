package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avathrottle/internal/config"
	"github.com/vyrodovalexey/avathrottle/internal/observability"
)

func TestConnect_Success(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)

	client, err := Connect(context.Background(), config.RedisConfig{
		Addrs: []string{mr.Addr()},
	}, WithLogger(observability.NopLogger()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	require.NoError(t, client.Set(context.Background(), "k", "v", 0).Err())
	got, err := mr.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v", got)
}

func TestConnect_RetriesThenFails(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	metrics := NewMetricsWithRegisterer("test", prometheus.NewRegistry())

	client, err := Connect(context.Background(), config.RedisConfig{
		Addrs:               []string{addr},
		ConnectRetries:      2,
		DialTimeout:         config.Duration(50 * time.Millisecond),
		RetryInitialBackoff: config.Duration(time.Millisecond),
		RetryMaxBackoff:     config.Duration(5 * time.Millisecond),
	}, WithMetrics(metrics))
	require.Error(t, err)
	require.NotNil(t, client)
	t.Cleanup(func() { _ = client.Close() })

	// the client is usable once Redis comes back
	require.NoError(t, mr.Restart())
	assert.NoError(t, client.Ping(context.Background()).Err())

	errs := testutil.ToFloat64(metrics.connectionErrors)
	retries := testutil.ToFloat64(metrics.connectionRetries)
	assert.GreaterOrEqual(t, errs, 1.0)
	assert.LessOrEqual(t, retries, 2.0)
	assert.GreaterOrEqual(t, errs, retries)
}

func TestConnect_RecoversAfterRestart(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = mr.Restart()
	}()

	client, err := Connect(context.Background(), config.RedisConfig{
		Addrs:               []string{addr},
		ConnectRetries:      10,
		DialTimeout:         config.Duration(100 * time.Millisecond),
		RetryInitialBackoff: config.Duration(20 * time.Millisecond),
		RetryMaxBackoff:     config.Duration(50 * time.Millisecond),
	})
	require.NoError(t, err)
	_ = client.Close()
}

func TestConnect_ContextCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client, err := Connect(ctx, config.RedisConfig{Addrs: []string{"127.0.0.1:1"}})
	assert.ErrorIs(t, err, context.Canceled)
	_ = client.Close()
}

func TestDecorrelatedJitterBackoff(t *testing.T) {
	t.Parallel()

	b := newDecorrelatedJitterBackoff(10*time.Millisecond, 100*time.Millisecond)
	assert.Equal(t, 10*time.Millisecond, b.next(0))

	for attempt := 1; attempt < 20; attempt++ {
		d := b.next(attempt)
		assert.GreaterOrEqual(t, d, 10*time.Millisecond)
		assert.LessOrEqual(t, d, 100*time.Millisecond)
	}

	assert.Equal(t, 10*time.Millisecond, b.next(0))
}

func TestMetrics_NilSafe(t *testing.T) {
	t.Parallel()

	var m *Metrics
	assert.NotPanics(t, func() {
		m.connectRetry()
		m.connectError()
	})
}
