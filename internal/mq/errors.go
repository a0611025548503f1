package mq

import "errors"

// Ошибки mq.
var (
	// ErrNoChannel — AMQP канал не открыт (идёт переподключение).
	ErrNoChannel = errors.New("no amqp channel available")

	// ErrNotConnected — соединение с RabbitMQ разорвано.
	ErrNotConnected = errors.New("rabbitmq is not connected")

	// ErrNotConfirmed — брокер не подтвердил публикацию (basic.nack).
	ErrNotConfirmed = errors.New("publish not confirmed by broker")

	// ErrUnexpectedMessage — тип сообщения не подходит очереди.
	ErrUnexpectedMessage = errors.New("unexpected message type")
)
