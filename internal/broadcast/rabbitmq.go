package broadcast

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ExchangeName is the fanout exchange shared by every context.
const ExchangeName = "pandapi.streams"

// RabbitMQTransport broadcasts through a fanout exchange. Each subscription
// gets its own exclusive, auto-deleted queue so every context sees every
// message.
type RabbitMQTransport struct {
	conn *amqp.Connection

	mu      sync.Mutex
	channel *amqp.Channel
}

func NewRabbitMQTransport(url string) (*RabbitMQTransport, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	t := &RabbitMQTransport{conn: conn, channel: ch}
	if err := t.setup(); err != nil {
		t.Close()
		return nil, err
	}
	return t, nil
}

// NewRabbitMQTransportWithRetry keeps dialing with exponential backoff
// until the broker answers, ctx is done, or a minute has passed.
func NewRabbitMQTransportWithRetry(ctx context.Context, url string) (*RabbitMQTransport, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = time.Minute

	var t *RabbitMQTransport
	err := backoff.RetryNotify(func() error {
		var err error
		t, err = NewRabbitMQTransport(url)
		return err
	}, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
		slog.Warn("rabbitmq not ready, retrying",
			slog.String("error", err.Error()),
			slog.Duration("wait", wait))
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (t *RabbitMQTransport) setup() error {
	if err := t.channel.ExchangeDeclare(
		ExchangeName, // name
		"fanout",     // type
		true,         // durable
		false,        // auto-deleted
		false,        // internal
		false,        // no-wait
		nil,          // arguments
	); err != nil {
		return fmt.Errorf("failed to declare %s exchange: %w", ExchangeName, err)
	}

	slog.Info("rabbitmq broadcast setup completed",
		slog.String("exchange", ExchangeName))
	return nil
}

func (t *RabbitMQTransport) Publish(ctx context.Context, msg *Message) error {
	body, err := encode(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	err = t.channel.PublishWithContext(
		ctx,
		ExchangeName,
		"",
		false,
		false,
		amqp.Publishing{
			ContentType: "application/json",
			Body:        body,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish %s: %w", msg.Type, err)
	}
	return nil
}

func (t *RabbitMQTransport) Subscribe(ctx context.Context) (<-chan *Message, error) {
	ch, err := t.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	queue, err := ch.QueueDeclare(
		"",    // auto-generated name
		false, // durable
		true,  // delete when unused
		true,  // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		ch.Close()
		return nil, err
	}

	if err := ch.QueueBind(queue.Name, "", ExchangeName, false, nil); err != nil {
		ch.Close()
		return nil, err
	}

	deliveries, err := ch.Consume(
		queue.Name, // queue
		"",         // consumer
		true,       // auto-ack
		true,       // exclusive
		false,      // no-local
		false,      // no-wait
		nil,        // args
	)
	if err != nil {
		ch.Close()
		return nil, err
	}

	slog.Info("started consuming broadcast messages",
		slog.String("queue", queue.Name),
		slog.String("exchange", ExchangeName))

	out := make(chan *Message, subscriberBuffer)
	go func() {
		defer close(out)
		defer ch.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					slog.Warn("broadcast consumer channel closed")
					return
				}

				msg, err := decode(d.Body)
				if err != nil {
					slog.Error("error unmarshaling broadcast message",
						slog.String("error", err.Error()),
						slog.String("body", string(d.Body)))
					continue
				}

				select {
				case out <- msg:
				case <-ctx.Done():
					return
				default:
				}
			}
		}
	}()

	return out, nil
}

func (t *RabbitMQTransport) IsClosed() bool {
	return t.conn == nil || t.conn.IsClosed()
}

func (t *RabbitMQTransport) Close() error {
	if t.channel != nil {
		t.channel.Close()
	}
	if t.conn != nil {
		return t.conn.Close()
	}
	return nil
}
