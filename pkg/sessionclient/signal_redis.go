package sessionclient

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const logoutChannel = "session:logout"

// RedisSignal distributes logout notifications over Redis pub/sub, for
// deployments where controller instances live in separate processes.
type RedisSignal struct {
	client *redis.Client
}

// NewRedisSignal creates a Redis-backed signal.
func NewRedisSignal(client *redis.Client) *RedisSignal {
	return &RedisSignal{client: client}
}

// Broadcast publishes the principal id on the logout channel.
func (s *RedisSignal) Broadcast(ctx context.Context, principalID string) error {
	if err := s.client.Publish(ctx, logoutChannel, principalID).Err(); err != nil {
		return fmt.Errorf("publish logout signal: %w", err)
	}
	return nil
}

// Watch subscribes to the logout channel and forwards principal ids until the
// context is canceled.
func (s *RedisSignal) Watch(ctx context.Context) (<-chan string, error) {
	sub := s.client.Subscribe(ctx, logoutChannel)
	if _, err := sub.Receive(ctx); err != nil {
		return nil, fmt.Errorf("subscribe logout channel: %w", err)
	}

	ch := make(chan string, 8)
	go func() {
		defer close(ch)
		defer func() { _ = sub.Close() }()

		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case ch <- msg.Payload:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return ch, nil
}
