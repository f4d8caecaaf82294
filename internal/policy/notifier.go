package policy

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

const reloadPayload = "reload"

// Notifier fans reload signals out to every instance. Delivery is
// at-least-once and signals carry no data, so receivers always re-read
// the repository. Subscribe's channel closes when ctx is done.
type Notifier interface {
	Publish(ctx context.Context) error
	Subscribe(ctx context.Context) (<-chan struct{}, error)
}

// RedisNotifier uses Redis pub/sub.
type RedisNotifier struct {
	client  redis.UniversalClient
	channel string
}

// NewRedisNotifier creates a notifier on channel (DefaultChannel when
// empty).
func NewRedisNotifier(client redis.UniversalClient, channel string) *RedisNotifier {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisNotifier{client: client, channel: channel}
}

// Publish implements Notifier.
func (n *RedisNotifier) Publish(ctx context.Context) error {
	if err := n.client.Publish(ctx, n.channel, reloadPayload).Err(); err != nil {
		return fmt.Errorf("failed to publish policy reload: %w", err)
	}
	return nil
}

// Subscribe implements Notifier. It returns after the subscription is
// confirmed, so a Publish issued afterwards is never missed.
func (n *RedisNotifier) Subscribe(ctx context.Context) (<-chan struct{}, error) {
	pubsub := n.client.Subscribe(ctx, n.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", n.channel, err)
	}

	out := make(chan struct{}, 1)
	msgs := pubsub.Channel()

	go func() {
		defer close(out)
		defer func() { _ = pubsub.Close() }()

		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-msgs:
				if !ok {
					return
				}
				signal(out)
			}
		}
	}()

	return out, nil
}

// signal performs a non-blocking send. A pending signal already covers
// any number of further ones because reloads are idempotent.
func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// MemoryNotifier delivers signals within one process.
type MemoryNotifier struct {
	mu     sync.Mutex
	subs   map[chan struct{}]struct{}
	closed bool
}

// NewMemoryNotifier creates a notifier with no subscribers.
func NewMemoryNotifier() *MemoryNotifier {
	return &MemoryNotifier{subs: make(map[chan struct{}]struct{})}
}

// Publish implements Notifier.
func (n *MemoryNotifier) Publish(_ context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	for ch := range n.subs {
		signal(ch)
	}
	return nil
}

// Subscribe implements Notifier.
func (n *MemoryNotifier) Subscribe(ctx context.Context) (<-chan struct{}, error) {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil, ErrClosed
	}
	ch := make(chan struct{}, 1)
	n.subs[ch] = struct{}{}
	n.mu.Unlock()

	go func() {
		<-ctx.Done()
		n.mu.Lock()
		if _, ok := n.subs[ch]; ok {
			delete(n.subs, ch)
			close(ch)
		}
		n.mu.Unlock()
	}()

	return ch, nil
}

// Close closes every subscription.
func (n *MemoryNotifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = true
	for ch := range n.subs {
		delete(n.subs, ch)
		close(ch)
	}
}
