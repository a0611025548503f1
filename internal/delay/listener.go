package delay

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/shaiso/Relay/internal/kv"
)

// Listener слушает истечение ключей и запускает отложенные задачи.
type Listener struct {
	service     *Service
	store       kv.Store
	concurrency int
	logger      *slog.Logger
}

// NewListener создаёт слушателя. concurrency ограничивает число
// одновременно выполняемых задач.
func NewListener(service *Service, store kv.Store, concurrency int, logger *slog.Logger) *Listener {
	if concurrency <= 0 {
		concurrency = 8
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{
		service:     service,
		store:       store,
		concurrency: concurrency,
		logger:      logger,
	}
}

// Run обрабатывает уведомления до отмены ctx и ждёт завершения
// запущенных задач.
//
// После подписки запускает просроченные задачи, уведомления о которых
// пришли, пока слушателя не было.
func (l *Listener) Run(ctx context.Context) error {
	events, err := l.store.Expirations(ctx)
	if err != nil {
		return err
	}

	l.logger.Info("delay listener started", "concurrency", l.concurrency)

	if _, err := l.service.Recover(ctx); err != nil {
		l.logger.Error("delay recovery failed", "error", err)
	}

	var g errgroup.Group
	g.SetLimit(l.concurrency)

	for key := range events {
		if !l.service.IsTriggerKey(key) {
			continue
		}

		g.Go(func() error {
			if _, err := l.service.Fire(ctx, key); err != nil {
				l.logger.Error("delay task failed", "key", key, "error", err)
			}
			return nil
		})
	}

	_ = g.Wait()
	l.logger.Info("delay listener stopped")
	return nil
}
