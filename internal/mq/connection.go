package mq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	minReconnectDelay = time.Second
	maxReconnectDelay = 30 * time.Second
)

// Connection — AMQP соединение с автоматическим переподключением.
//
// Держит два канала: publish в режиме подтверждений (publisher confirms)
// и consume для потребителей. Задача узла считается отправленной только
// после подтверждения брокера, иначе Dispatch возвращает ошибку и
// экземпляр workflow не продвигается молча.
type Connection struct {
	url    string
	logger *slog.Logger

	mu      sync.RWMutex
	conn    *amqp.Connection
	publish *amqp.Channel
	consume *amqp.Channel

	// reconnected закрывается после успешного переподключения
	// и заменяется новым.
	reconnected chan struct{}

	closed   bool
	closedCh chan struct{}
}

// NewConnection подключается к RabbitMQ и следит за соединением.
func NewConnection(url string, logger *slog.Logger) (*Connection, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Connection{
		url:         url,
		logger:      logger,
		reconnected: make(chan struct{}),
		closedCh:    make(chan struct{}),
	}

	if err := c.dial(); err != nil {
		return nil, err
	}
	go c.watch()

	return c, nil
}

// dial открывает соединение и оба канала.
func (c *Connection) dial() error {
	conn, err := amqp.Dial(c.url)
	if err != nil {
		return fmt.Errorf("dial amqp: %w", err)
	}

	publish, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open publish channel: %w", err)
	}
	if err := publish.Confirm(false); err != nil {
		conn.Close()
		return fmt.Errorf("enable publisher confirms: %w", err)
	}

	consume, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open consume channel: %w", err)
	}

	c.mu.Lock()
	c.conn, c.publish, c.consume = conn, publish, consume
	c.mu.Unlock()

	c.logger.Info("connected to rabbitmq")
	return nil
}

// watch ждёт разрыва соединения и переподключается.
func (c *Connection) watch() {
	for {
		c.mu.RLock()
		conn := c.conn
		c.mu.RUnlock()

		lost := conn.NotifyClose(make(chan *amqp.Error, 1))
		select {
		case <-c.closedCh:
			return
		case err := <-lost:
			c.logger.Warn("rabbitmq connection lost", "error", err)
		}

		if !c.redial() {
			return
		}
	}
}

// redial повторяет dial с экспоненциальной задержкой и джиттером.
// false — соединение закрыто через Close.
func (c *Connection) redial() bool {
	delay := minReconnectDelay
	for {
		jittered := delay/2 + rand.N(delay/2+1)
		c.logger.Info("reconnecting to rabbitmq", "delay", jittered)

		select {
		case <-c.closedCh:
			return false
		case <-time.After(jittered):
		}

		if err := c.dial(); err != nil {
			c.logger.Warn("reconnect failed", "error", err)
			delay = min(delay*2, maxReconnectDelay)
			continue
		}

		c.mu.Lock()
		close(c.reconnected)
		c.reconnected = make(chan struct{})
		c.mu.Unlock()
		return true
	}
}

// Reconnected возвращает канал, который закроется после
// следующего успешного переподключения.
func (c *Connection) Reconnected() <-chan struct{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.reconnected
}

// ConsumeChannel возвращает канал для потребителей.
func (c *Connection) ConsumeChannel() (*amqp.Channel, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.consume == nil || c.consume.IsClosed() {
		return nil, ErrNoChannel
	}
	return c.consume, nil
}

// WithChannel выполняет fn на канале публикации.
func (c *Connection) WithChannel(ctx context.Context, fn func(ch *amqp.Channel) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.RLock()
	ch := c.publish
	c.mu.RUnlock()

	if ch == nil || ch.IsClosed() {
		return ErrNoChannel
	}
	return fn(ch)
}

// PublishConfirmed публикует сообщение и ждёт подтверждения брокера.
func (c *Connection) PublishConfirmed(ctx context.Context, exchange Exchange, routingKey RoutingKey, msg amqp.Publishing) error {
	return c.WithChannel(ctx, func(ch *amqp.Channel) error {
		confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx, string(exchange), string(routingKey), false, false, msg)
		if err != nil {
			return err
		}
		acked, err := confirm.WaitContext(ctx)
		if err != nil {
			return err
		}
		if !acked {
			return ErrNotConfirmed
		}
		return nil
	})
}

// Close закрывает каналы и соединение.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	close(c.closedCh)

	var errs []error
	for name, ch := range map[string]*amqp.Channel{"publish": c.publish, "consume": c.consume} {
		if ch != nil && !ch.IsClosed() {
			if err := ch.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s channel: %w", name, err))
			}
		}
	}
	if c.conn != nil && !c.conn.IsClosed() {
		if err := c.conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close connection: %w", err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	c.logger.Info("rabbitmq connection closed")
	return nil
}

// Ping — проверка для /healthz.
func (c *Connection) Ping(context.Context) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// IsConnected проверяет, установлено ли соединение.
func (c *Connection) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil && !c.conn.IsClosed()
}
