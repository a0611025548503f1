package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/shaiso/Relay/internal/config"
	"github.com/shaiso/Relay/internal/kv"
	"github.com/shaiso/Relay/internal/telemetry"
)

// KV — KV-хранилище процесса.
type KV struct {
	Store  kv.Store
	Health telemetry.HealthCheck

	close func()
}

// Close закрывает соединение с Redis.
func (k *KV) Close() {
	if k.close != nil {
		k.close()
	}
}

// OpenKV подключается к Redis. Пустой URL даёт хранилище в памяти
// процесса: блокировки и отложенные задачи тогда не разделяются
// между процессами. Истечения в памяти проверяются до отмены ctx.
func OpenKV(ctx context.Context, cfg config.RedisConfig, logger *slog.Logger) (*KV, error) {
	if cfg.URL == "" {
		store := kv.NewMemoryStore()
		go store.Run(ctx, time.Second)
		logger.Warn("redis url not set, using in-process kv store")
		return &KV{Store: store, Health: func(context.Context) error { return nil }}, nil
	}

	client, err := kv.Connect(ctx, cfg.URL)
	if err != nil {
		return nil, err
	}
	store := kv.NewRedisStore(client, logger)

	if cfg.ConfigureKeyspaceEvents {
		if err := store.EnableExpiryEvents(ctx); err != nil {
			// на управляемом Redis уведомления включаются в настройках сервера
			logger.Warn("failed to enable keyspace events", "error", err)
		}
	}

	logger.Info("redis connected")
	return &KV{
		Store:  store,
		Health: func(ctx context.Context) error { return client.Ping(ctx).Err() },
		close:  func() { client.Close() },
	}, nil
}
