package mq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange — тип для имени обменника.
type Exchange string

// Queue — тип для имени очереди.
type Queue string

// RoutingKey — тип для ключа маршрутизации.
type RoutingKey string

// Exchanges — имена обменников.
const (
	ExchangeTasks  Exchange = "relay.tasks"
	ExchangeAlerts Exchange = "relay.alerts"
	ExchangeDLQ    Exchange = "relay.dlq"
)

// Queues — имена очередей.
const (
	QueueTasksReady    Queue = "tasks.ready"
	QueueAlertsFailure Queue = "alerts.failure"
	QueueDLQTasks      Queue = "dlq.tasks"
)

// Routing keys.
const (
	RoutingKeyReady    RoutingKey = "ready"
	RoutingKeyFailure  RoutingKey = "failure"
	RoutingKeyDLQTasks RoutingKey = "tasks"
)

// HeaderPartitionKey — AMQP-заголовок ключа упорядочивания.
const HeaderPartitionKey = "x-partition-key"

// route — очередь, привязанная к обменнику.
type route struct {
	exchange   Exchange
	queue      Queue
	routingKey RoutingKey
	args       amqp.Table
}

// topology — маршруты Relay. Отклонённые без requeue задачи
// tasks.ready уходят в dlq.tasks.
var topology = []route{
	{ExchangeTasks, QueueTasksReady, RoutingKeyReady, amqp.Table{
		"x-dead-letter-exchange":    string(ExchangeDLQ),
		"x-dead-letter-routing-key": string(RoutingKeyDLQTasks),
	}},
	{ExchangeAlerts, QueueAlertsFailure, RoutingKeyFailure, nil},
	{ExchangeDLQ, QueueDLQTasks, RoutingKeyDLQTasks, nil},
}

// SetupTopology объявляет durable direct-обменники, очереди и привязки.
// Операция идемпотентна, её выполняет каждый процесс при старте.
func SetupTopology(ctx context.Context, conn *Connection) error {
	return conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		for _, r := range topology {
			if err := r.declare(ch); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r route) declare(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(string(r.exchange), amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", r.exchange, err)
	}
	if _, err := ch.QueueDeclare(string(r.queue), true, false, false, false, r.args); err != nil {
		return fmt.Errorf("declare queue %s: %w", r.queue, err)
	}
	if err := ch.QueueBind(string(r.queue), string(r.routingKey), string(r.exchange), false, nil); err != nil {
		return fmt.Errorf("bind queue %s to %s: %w", r.queue, r.exchange, err)
	}
	return nil
}
