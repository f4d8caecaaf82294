package ratelimit

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

const memoryShards = 64

// MemoryBackend keeps buckets in process memory. It is meant for single
// instance deployments and tests; buckets are not shared between
// processes.
type MemoryBackend struct {
	shards [memoryShards]memoryShard
}

type memoryShard struct {
	mu      sync.Mutex
	buckets map[string]memoryBucket
}

type memoryBucket struct {
	state   bucketState
	expires time.Time
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	b := &MemoryBackend{}
	for i := range b.shards {
		b.shards[i].buckets = make(map[string]memoryBucket)
	}
	return b
}

func (b *MemoryBackend) shard(key string) *memoryShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &b.shards[h.Sum32()%memoryShards]
}

// Consume implements Backend.
func (b *MemoryBackend) Consume(ctx context.Context, req Request) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}

	s := b.shard(req.Key)
	s.mu.Lock()
	defer s.mu.Unlock()

	var current *bucketState
	if existing, ok := s.buckets[req.Key]; ok && req.Now.Before(existing.expires) {
		current = &existing.state
	}

	next, out := apply(current, req)
	s.buckets[req.Key] = memoryBucket{
		state:   next,
		expires: req.Now.Add(time.Duration(ttlSeconds(req.TTLSeconds)) * time.Second),
	}
	return out, nil
}

// Sweep drops buckets that expired before now and returns how many were
// removed.
func (b *MemoryBackend) Sweep(now time.Time) int {
	removed := 0
	for i := range b.shards {
		s := &b.shards[i]
		s.mu.Lock()
		for key, bucket := range s.buckets {
			if !now.Before(bucket.expires) {
				delete(s.buckets, key)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Len returns the number of stored buckets, expired or not.
func (b *MemoryBackend) Len() int {
	n := 0
	for i := range b.shards {
		s := &b.shards[i]
		s.mu.Lock()
		n += len(s.buckets)
		s.mu.Unlock()
	}
	return n
}

// RunJanitor sweeps expired buckets every interval until ctx is done.
func (b *MemoryBackend) RunJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			b.Sweep(now)
		}
	}
}
