package config

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"pandapi-streams/internal/broadcast"
	"pandapi-streams/internal/storage"

	"github.com/redis/go-redis/v9"
)

// Backends are the store and broadcast transport a registry runs on.
// Transport is nil when BROADCAST_DRIVER is none.
type Backends struct {
	Store     storage.Store
	Transport broadcast.Transport
	DB        *sql.DB

	redis   *redis.Client
	closers []func() error
}

// OpenBackends connects the configured store and transport. A redis client
// is shared when both use redis.
func OpenBackends(ctx context.Context, cfg *Config) (*Backends, error) {
	b := &Backends{}
	if err := b.openStore(ctx, cfg); err != nil {
		b.Close()
		return nil, err
	}
	if err := b.openTransport(ctx, cfg); err != nil {
		b.Close()
		return nil, err
	}

	slog.Info("backends ready",
		slog.String("store", cfg.StoreDriver),
		slog.String("broadcast", cfg.BroadcastDriver))
	return b, nil
}

func (b *Backends) openStore(ctx context.Context, cfg *Config) error {
	switch cfg.StoreDriver {
	case StoreMemory:
		b.Store = storage.NewMemoryStore()

	case StoreRedis:
		client, err := b.redisClient(ctx, cfg)
		if err != nil {
			return err
		}
		b.Store = storage.NewRedisStore(client, cfg.KeyPrefix)

	case StorePostgres:
		db, err := NewPostgresConnection(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		b.DB = db
		b.closers = append(b.closers, db.Close)

		store := storage.NewPostgresStore(db, cfg.DatabaseURL)
		if err := store.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("failed to prepare schema: %w", err)
		}
		b.Store = store

	default:
		return fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
	return nil
}

func (b *Backends) openTransport(ctx context.Context, cfg *Config) error {
	switch cfg.BroadcastDriver {
	case BroadcastNone:
		b.Transport = nil

	case BroadcastLocal:
		b.Transport = broadcast.NewLocalBus()

	case BroadcastRedis:
		client, err := b.redisClient(ctx, cfg)
		if err != nil {
			return err
		}
		b.Transport = broadcast.NewRedisTransport(client, cfg.KeyPrefix)

	case BroadcastRabbitMQ:
		rmqCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
		defer cancel()
		t, err := broadcast.NewRabbitMQTransportWithRetry(rmqCtx, cfg.RabbitMQURL)
		if err != nil {
			return fmt.Errorf("failed to connect to rabbitmq: %w", err)
		}
		b.Transport = t

	default:
		return fmt.Errorf("unknown broadcast driver %q", cfg.BroadcastDriver)
	}

	if b.Transport != nil {
		b.closers = append(b.closers, b.Transport.Close)
	}
	return nil
}

func (b *Backends) redisClient(ctx context.Context, cfg *Config) (*redis.Client, error) {
	if b.redis != nil {
		return b.redis, nil
	}
	client, err := NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	b.redis = client
	b.closers = append(b.closers, client.Close)
	return client, nil
}

// Close releases everything OpenBackends opened, newest first
func (b *Backends) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			slog.Warn("failed to close backend", slog.String("error", err.Error()))
		}
	}
	b.closers = nil
}
