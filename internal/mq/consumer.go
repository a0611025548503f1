package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Handler обрабатывает доставку.
//
// Без ConsumerConfig.ManualAck ошибка означает nack с requeue, nil — ack.
// С ManualAck handler сам вызывает Ack/Nack, возможно позже и из другой горутины.
type Handler func(ctx context.Context, msg *Delivery) error

// Delivery — доставленное сообщение.
type Delivery struct {
	Message Message
	Raw     amqp.Delivery
}

// Ack подтверждает обработку.
func (d *Delivery) Ack() error {
	return d.Raw.Ack(false)
}

// Nack отклоняет сообщение: requeue=true возвращает в очередь,
// false отправляет в dlq.tasks.
func (d *Delivery) Nack(requeue bool) error {
	return d.Raw.Nack(false, requeue)
}

// PartitionKey возвращает ключ упорядочивания: заголовок
// x-partition-key, иначе поле конверта.
func (d *Delivery) PartitionKey() string {
	if v, ok := d.Raw.Headers[HeaderPartitionKey].(string); ok && v != "" {
		return v
	}
	return d.Message.PartitionKey
}

// ConsumerConfig — конфигурация Consumer.
type ConsumerConfig struct {
	Queue   Queue
	Handler Handler

	// Prefetch — число неподтверждённых доставок на потребителя (default: 1).
	// С ManualAck ограничивает суммарную длину полос упорядочивания.
	Prefetch int

	// ManualAck — handler сам подтверждает сообщение.
	ManualAck bool
}

// Consumer читает очередь RabbitMQ и переживает переподключения.
type Consumer struct {
	conn   *Connection
	logger *slog.Logger
	cfg    ConsumerConfig
	tag    string

	cancel context.CancelFunc
}

// NewConsumer создаёт Consumer.
func NewConsumer(conn *Connection, logger *slog.Logger, cfg ConsumerConfig) *Consumer {
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		conn:   conn,
		logger: logger.With("queue", cfg.Queue),
		cfg:    cfg,
		tag:    fmt.Sprintf("relay-%s-%s", cfg.Queue, uuid.NewString()[:8]),
	}
}

// Start потребляет сообщения до отмены ctx или Stop.
func (c *Consumer) Start(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)

	for {
		// канал переподключения берётся до подписки, чтобы не пропустить событие
		reconnected := c.conn.Reconnected()

		deliveries, err := c.subscribe()
		if err != nil {
			c.logger.Error("failed to subscribe", "error", err)
		} else {
			c.logger.Info("consumer started", "tag", c.tag)
			c.drain(ctx, deliveries)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-reconnected:
			c.logger.Info("reconnected, resubscribing")
		}
	}
}

func (c *Consumer) subscribe() (<-chan amqp.Delivery, error) {
	ch, err := c.conn.ConsumeChannel()
	if err != nil {
		return nil, err
	}
	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("set qos: %w", err)
	}
	deliveries, err := ch.Consume(string(c.cfg.Queue), c.tag, false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume: %w", err)
	}
	return deliveries, nil
}

// drain обрабатывает доставки, пока канал открыт.
func (c *Consumer) drain(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-deliveries:
			if !ok {
				c.logger.Warn("deliveries channel closed")
				return
			}
			c.handle(ctx, raw)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, raw amqp.Delivery) {
	var msg Message
	if err := json.Unmarshal(raw.Body, &msg); err != nil {
		// повторная доставка не исправит тело
		c.logger.Error("malformed message rejected", "message_id", raw.MessageId, "error", err)
		raw.Nack(false, false)
		return
	}

	d := &Delivery{Message: msg, Raw: raw}
	logger := c.logger.With("message_id", msg.ID, "type", msg.Type)
	logger.Debug("received message")

	err := c.cfg.Handler(ctx, d)
	switch {
	case c.cfg.ManualAck:
		if err != nil {
			logger.Error("handler failed", "error", err)
		}
	case err != nil:
		logger.Error("handler failed, requeueing", "error", err)
		d.Nack(true)
	default:
		d.Ack()
	}
}

// Stop отменяет подписку: брокер перестаёт слать новые доставки,
// уже полученные остаются за handler'ом.
func (c *Consumer) Stop() {
	if ch, err := c.conn.ConsumeChannel(); err == nil {
		if err := ch.Cancel(c.tag, false); err != nil {
			c.logger.Warn("cancel consumer", "error", err)
		}
	}
	if c.cancel != nil {
		c.cancel()
	}
}
