package broadcast

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// RedisTransport broadcasts over a Redis pub/sub channel.
type RedisTransport struct {
	client  *redis.Client
	channel string
}

// NewRedisTransport publishes on "<prefix>:broadcast". The client is owned
// by the caller and is not closed by Close.
func NewRedisTransport(client *redis.Client, prefix string) *RedisTransport {
	return &RedisTransport{
		client:  client,
		channel: prefix + ":broadcast",
	}
}

func (r *RedisTransport) Publish(ctx context.Context, msg *Message) error {
	data, err := encode(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return r.client.Publish(ctx, r.channel, data).Err()
}

func (r *RedisTransport) Subscribe(ctx context.Context) (<-chan *Message, error) {
	pubsub := r.client.Subscribe(ctx, r.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", r.channel, err)
	}

	msgCh := make(chan *Message, subscriberBuffer)
	go r.processMessages(ctx, pubsub, msgCh)
	return msgCh, nil
}

func (r *RedisTransport) Close() error {
	return nil
}

func (r *RedisTransport) processMessages(ctx context.Context, pubsub *redis.PubSub, msgCh chan<- *Message) {
	defer close(msgCh)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-ch:
			if !ok {
				return
			}

			msg, err := decode([]byte(raw.Payload))
			if err != nil {
				slog.Warn("dropping malformed broadcast message",
					slog.String("channel", r.channel),
					slog.String("error", err.Error()))
				continue
			}

			select {
			case msgCh <- msg:
			case <-ctx.Done():
				return
			default:
				// Channel full, skip message
			}
		}
	}
}
