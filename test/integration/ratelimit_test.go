//go:build integration

package integration

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avathrottle/internal/audit"
	"github.com/vyrodovalexey/avathrottle/internal/identity"
	"github.com/vyrodovalexey/avathrottle/internal/policy"
	"github.com/vyrodovalexey/avathrottle/internal/ratelimit"
	"github.com/vyrodovalexey/avathrottle/test/helpers"
)

// TestIntegration_RateLimit_SharedAcrossInstances checks that several
// instances, each with its own connection, draw from one bucket.
func TestIntegration_RateLimit_SharedAcrossInstances(t *testing.T) {
	helpers.SkipIfRedisUnavailable(t)

	ns := helpers.GenerateTestKeyPrefix(t.Name())
	cleanup := helpers.NewRedisClient(t)
	defer func() { _ = helpers.CleanupRedis(cleanup, ns) }()

	const instances = 4
	limiters := make([]*ratelimit.Limiter, instances)
	for i := range limiters {
		limiters[i] = ratelimit.NewLimiter(
			ratelimit.NewRedisBackend(helpers.NewRedisClient(t)),
			ratelimit.WithNamespace(ns),
			ratelimit.WithTimeout(time.Second),
		)
	}

	// One token per minute of refill keeps the count exact.
	p := policy.Policy{LimitPerMinute: 1, BurstCapacity: 20}
	caller := identity.Identity{ID: "user:shared", Tier: identity.DefaultTier}

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(l *ratelimit.Limiter) {
			defer wg.Done()
			res, err := l.CheckAndConsume(context.Background(), "/api/resource", caller, p, 1)
			if err == nil && res.Allowed {
				allowed.Add(1)
			}
		}(limiters[i%instances])
	}
	wg.Wait()

	assert.Equal(t, int64(20), allowed.Load())

	ttl, err := cleanup.TTL(context.Background(), ratelimit.BucketKey(ns, "/api/resource", caller.ID)).Result()
	require.NoError(t, err)
	assert.Positive(t, ttl)
}

// TestIntegration_Policy_ReloadFanOut checks that a policy replaced on one
// instance reaches another through the reload channel.
func TestIntegration_Policy_ReloadFanOut(t *testing.T) {
	helpers.SkipIfRedisUnavailable(t)

	prefix := helpers.GenerateTestKeyPrefix(t.Name())
	cleanup := helpers.NewRedisClient(t)
	defer func() { _ = helpers.CleanupRedis(cleanup, prefix) }()

	key, channel := prefix+":policies", prefix+":broadcast"

	newStore := func() (*policy.Store, policy.Notifier) {
		client := helpers.NewRedisClient(t)
		notifier := policy.NewRedisNotifier(client, channel)
		store := policy.NewStore(policy.NewRedisRepository(client, key, "current"), policy.WithNotifier(notifier))
		require.NoError(t, store.Reload(context.Background()))
		return store, notifier
	}

	writer, _ := newStore()
	reader, notifier := newStore()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go policy.NewListener(reader, notifier).Run(ctx)
	// Let the subscription settle before publishing.
	time.Sleep(200 * time.Millisecond)

	set := policy.DefaultPolicySet()
	set.Exemptions = []string{"ip:203.0.113.5"}
	require.NoError(t, writer.Replace(context.Background(), set))

	assert.Eventually(t, func() bool {
		return reader.IsExempt("ip:203.0.113.5")
	}, 5*time.Second, 50*time.Millisecond)
}

// TestIntegration_Audit_StreamSink checks that sampled denials land in the
// Redis stream.
func TestIntegration_Audit_StreamSink(t *testing.T) {
	helpers.SkipIfRedisUnavailable(t)

	stream := helpers.GenerateTestKeyPrefix(t.Name())
	client := helpers.NewRedisClient(t)
	defer func() { _ = helpers.CleanupRedis(client, stream) }()

	sampler := audit.NewSampler(audit.NewRedisStreamSink(client, stream, 1000), audit.WithSampleRate(1))
	caller := identity.Identity{ID: "user:audited", Tier: identity.DefaultTier}
	for i := 0; i < 3; i++ {
		assert.True(t, sampler.MaybeRecord(context.Background(), "/api/heavy", caller,
			audit.LimitSnapshot{Limit: 20, Remaining: 0, ResetSeconds: 3}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sampler.Close(ctx))

	n, err := client.XLen(context.Background(), stream).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}
