package ratelimit

import (
	"context"
	"math"
	"time"

	"github.com/vyrodovalexey/avathrottle/internal/policy"
)

// Request is a single atomic check-and-consume against one bucket.
type Request struct {
	Key             string
	Capacity        float64
	RefillPerSecond float64
	Cost            int
	Now             time.Time
	// TTLSeconds is how long the bucket survives without use.
	TTLSeconds int64
}

// Outcome is what a backend reports for a Request.
type Outcome struct {
	Allowed      bool
	Remaining    int
	ResetSeconds int
}

// Backend stores token buckets. Implementations must apply read, refill,
// consume and persist as one atomic step per key.
type Backend interface {
	Consume(ctx context.Context, req Request) (Outcome, error)
}

// bucketState is a persisted bucket.
type bucketState struct {
	tokens float64
	stamp  int64 // unix milliseconds of the last update
}

// apply runs the token bucket step on state (nil when the bucket does not
// exist) and returns the state to persist. The Lua script in
// redis_backend.go implements the same arithmetic.
func apply(state *bucketState, req Request) (bucketState, Outcome) {
	now := req.Now.UnixMilli()

	next := bucketState{tokens: req.Capacity, stamp: now}
	if state != nil {
		elapsed := float64(max(0, now-state.stamp)) / 1000
		next.tokens = math.Min(req.Capacity, state.tokens+elapsed*req.RefillPerSecond)
	}

	var out Outcome
	cost := float64(req.Cost)
	if next.tokens >= cost {
		next.tokens -= cost
		out.Allowed = true
	} else {
		out.ResetSeconds = int(math.Ceil((cost - next.tokens) / req.RefillPerSecond))
	}
	out.Remaining = int(math.Floor(next.tokens))
	return next, out
}

// ttlSeconds keeps the TTL a store receives within [1, the longest refill
// a policy may take].
func ttlSeconds(ttl int64) int64 {
	return min(max(ttl, 1), int64(policy.MaxRefillTime/time.Second))
}
