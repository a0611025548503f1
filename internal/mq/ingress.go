package mq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shaiso/Relay/internal/domain"
	"github.com/shaiso/Relay/internal/idempotency"
	"github.com/shaiso/Relay/internal/ordered"
)

// TaskExecutor выполняет задачу. Реализуется worker.Worker.
type TaskExecutor interface {
	Execute(ctx context.Context, processor string, tc domain.TaskContext) (domain.TaskResult, error)
}

// IngressConfig — настройки Ingress.
type IngressConfig struct {
	// Ordered — полосы упорядочивания по ключу партиции (обязательно).
	Ordered *ordered.Consumer

	// Executor — исполнитель задач (обязательно).
	Executor TaskExecutor

	// Idempotency — дедупликация сообщений по ID (опционально).
	Idempotency *idempotency.Manager

	Logger *slog.Logger
}

// Ingress — обработчик очереди tasks.ready.
//
// Сообщения с одним ключом партиции выполняются строго по порядку
// поступления, с разными — параллельно. Сообщение подтверждается
// после выполнения попытки; повторы планирует сам воркер.
// Некорректные сообщения уходят в DLQ (nack без requeue).
type Ingress struct {
	ordered  *ordered.Consumer
	executor TaskExecutor
	idem     *idempotency.Manager
	logger   *slog.Logger
}

// NewIngress создаёт Ingress.
func NewIngress(cfg IngressConfig) *Ingress {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingress{
		ordered:  cfg.Ordered,
		executor: cfg.Executor,
		idem:     cfg.Idempotency,
		logger:   logger,
	}
}

// Handle — Handler для Consumer с ManualAck.
func (i *Ingress) Handle(ctx context.Context, d *Delivery) error {
	if d.Message.Type != MessageTypeTaskExecute {
		d.Nack(false)
		return fmt.Errorf("%w: %q in %s", ErrUnexpectedMessage, d.Message.Type, QueueTasksReady)
	}

	payload, err := ParsePayload[TaskPayload](&d.Message)
	if err != nil {
		d.Nack(false)
		return err
	}

	key := d.PartitionKey()
	payload.Task.PartitionKey = key

	msg := ordered.Message{PartitionKey: key, ID: d.Message.ID, Payload: payload}
	err = i.ordered.Consume(ctx, msg, func(ctx context.Context, _ ordered.Message) error {
		return i.process(ctx, d, key, payload)
	})
	if err != nil {
		d.Nack(true)
		return fmt.Errorf("enqueue message %s: %w", d.Message.ID, err)
	}
	return nil
}

// process выполняет задачу внутри полосы.
func (i *Ingress) process(ctx context.Context, d *Delivery, key string, payload TaskPayload) error {
	logger := i.logger.With("message_id", d.Message.ID, "partition_key", key, "processor", payload.Processor)
	dedupKey := idempotency.MessageKey(key, d.Message.ID)

	if i.idem != nil {
		dup, err := i.idem.IsDuplicate(ctx, dedupKey)
		if err != nil {
			d.Nack(true)
			return err
		}
		if dup {
			logger.Info("duplicate message skipped")
			d.Ack()
			return nil
		}
	}

	res, err := i.executor.Execute(ctx, payload.Processor, payload.Task)
	if err != nil {
		// невалидная задача не исправится повторной доставкой
		d.Nack(!errors.Is(err, domain.ErrValidation))
		return fmt.Errorf("execute message %s: %w", d.Message.ID, err)
	}

	if i.idem != nil {
		if err := i.idem.MarkAsProcessed(ctx, dedupKey); err != nil {
			logger.Warn("mark message processed failed", "error", err)
		}
	}

	d.Ack()
	logger.Debug("task message processed", "status", res.Status, "idempotent_hit", res.IdempotentHit)
	return nil
}
