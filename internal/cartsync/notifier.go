package cartsync

import (
	"context"
	"fmt"

	"github.com/mkraev/cartflow/internal/domain"
	"github.com/redis/go-redis/v9"
)

// RedisNotifier carries cart change notifications over redis pub/sub.
// Delivery is at-least-once from the subscriber's point of view, so
// handlers re-fetch full state rather than apply deltas.
type RedisNotifier struct {
	client *redis.Client
}

func NewRedisNotifier(client *redis.Client) *RedisNotifier {
	return &RedisNotifier{client: client}
}

func channelFor(owner domain.OwnerRef) string {
	return fmt.Sprintf("cart:changed:%s", owner.String())
}

func (n *RedisNotifier) Publish(ctx context.Context, owner domain.OwnerRef) error {
	if err := n.client.Publish(ctx, channelFor(owner), "changed").Err(); err != nil {
		return fmt.Errorf("publish cart change: %w", err)
	}
	return nil
}

// Subscribe delivers onChange for every notification on the owner's
// channel until the returned stop function is called or ctx ends.
func (n *RedisNotifier) Subscribe(ctx context.Context, owner domain.OwnerRef, onChange func()) (func(), error) {
	pubsub := n.client.Subscribe(ctx, channelFor(owner))

	// Force the subscription round-trip so a dead broker surfaces here,
	// not silently inside the receive loop.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe cart changes: %w", err)
	}

	go func() {
		for range pubsub.Channel() {
			onChange()
		}
	}()

	return func() { _ = pubsub.Close() }, nil
}
