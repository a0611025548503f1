package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/shaiso/Relay/internal/alert"
	"github.com/shaiso/Relay/internal/domain"
)

// MessageType — тип сообщения в очереди.
type MessageType string

// Типы сообщений.
const (
	MessageTypeTaskExecute  MessageType = "task.execute"
	MessageTypeTaskDead     MessageType = "task.dead"
	MessageTypeAlertFailure MessageType = "alert.failure"
)

// Message — конверт сообщения.
type Message struct {
	// ID — уникальный идентификатор сообщения.
	ID string `json:"id"`

	// Type — тип сообщения.
	Type MessageType `json:"type"`

	// PartitionKey — ключ упорядочивания; дублируется в заголовке x-partition-key.
	PartitionKey string `json:"partition_key,omitempty"`

	// Payload — полезная нагрузка.
	Payload any `json:"payload"`

	// Timestamp — время создания.
	Timestamp time.Time `json:"timestamp"`
}

// TaskPayload — задача для выполнения воркером.
type TaskPayload struct {
	Processor string             `json:"processor"`
	Task      domain.TaskContext `json:"task"`
}

// DeadLetterPayload — задача, исчерпавшая повторы.
type DeadLetterPayload struct {
	Processor string             `json:"processor"`
	Task      domain.TaskContext `json:"task"`
	Reason    string             `json:"reason"`
}

// sendFunc публикует готовое AMQP сообщение.
type sendFunc func(ctx context.Context, exchange Exchange, routingKey RoutingKey, msg amqp.Publishing) error

// Publisher публикует сообщения в RabbitMQ.
//
// Publisher реализует orchestrator.Dispatcher (Dispatch)
// и worker.DeadLetterSink (DeadLetter).
type Publisher struct {
	send   sendFunc
	logger *slog.Logger
	now    func() time.Time
}

// NewPublisher создаёт новый Publisher.
func NewPublisher(conn *Connection, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{send: conn.PublishConfirmed, logger: logger, now: time.Now}
}

// Publish публикует сообщение в указанный exchange с routing key.
func (p *Publisher) Publish(ctx context.Context, exchange Exchange, routingKey RoutingKey, msg *Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	publishing := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent, // сообщение переживёт рестарт RabbitMQ
		MessageId:    msg.ID,
		Type:         string(msg.Type),
		Timestamp:    msg.Timestamp,
		Body:         body,
	}
	if msg.PartitionKey != "" {
		publishing.Headers = amqp.Table{HeaderPartitionKey: msg.PartitionKey}
	}

	if err := p.send(ctx, exchange, routingKey, publishing); err != nil {
		return fmt.Errorf("publish to %s/%s: %w", exchange, routingKey, err)
	}

	p.logger.Debug("published message",
		"exchange", exchange,
		"routing_key", routingKey,
		"message_id", msg.ID,
		"type", msg.Type,
	)
	return nil
}

func (p *Publisher) newMessage(msgType MessageType, partitionKey string, payload any) *Message {
	return &Message{
		ID:           uuid.NewString(),
		Type:         msgType,
		PartitionKey: partitionKey,
		Payload:      payload,
		Timestamp:    p.now().UTC(),
	}
}

// PublishTask публикует задачу в tasks.ready и возвращает ID сообщения.
func (p *Publisher) PublishTask(ctx context.Context, processor string, tc domain.TaskContext) (string, error) {
	if err := tc.Validate(); err != nil {
		return "", err
	}
	msg := p.newMessage(MessageTypeTaskExecute, tc.PartitionKey, TaskPayload{Processor: processor, Task: tc})
	if err := p.Publish(ctx, ExchangeTasks, RoutingKeyReady, msg); err != nil {
		return "", err
	}
	return msg.ID, nil
}

// Dispatch публикует узел workflow для удалённого воркера.
func (p *Publisher) Dispatch(ctx context.Context, processor string, tc domain.TaskContext) error {
	_, err := p.PublishTask(ctx, processor, tc)
	return err
}

// DeadLetter публикует исчерпавшую повторы задачу в dlq.tasks.
func (p *Publisher) DeadLetter(ctx context.Context, processor string, tc domain.TaskContext, reason string) error {
	msg := p.newMessage(MessageTypeTaskDead, tc.PartitionKey, DeadLetterPayload{
		Processor: processor,
		Task:      tc,
		Reason:    reason,
	})
	return p.Publish(ctx, ExchangeDLQ, RoutingKeyDLQTasks, msg)
}

// PublishAlert публикует оповещение в alerts.failure.
func (p *Publisher) PublishAlert(ctx context.Context, a alert.Alert) error {
	return p.Publish(ctx, ExchangeAlerts, RoutingKeyFailure, p.newMessage(MessageTypeAlertFailure, "", a))
}

// Alerter — alert.FailureAlertService поверх RabbitMQ.
type Alerter struct {
	publisher *Publisher
}

// NewAlerter создаёт Alerter.
func NewAlerter(publisher *Publisher) *Alerter {
	return &Alerter{publisher: publisher}
}

// SendFailureAlert публикует оповещение об исчерпанных повторах.
func (a *Alerter) SendFailureAlert(ctx context.Context, jobName, errorMessage string, retryCount int) error {
	return a.publisher.PublishAlert(ctx, alert.Alert{
		JobName:      jobName,
		ErrorMessage: errorMessage,
		RetryCount:   retryCount,
		Timestamp:    a.publisher.now().UTC(),
	})
}

var _ alert.FailureAlertService = (*Alerter)(nil)

// ParsePayload приводит Payload конверта к типу T.
// После json.Unmarshal конверта Payload — map[string]any.
func ParsePayload[T any](msg *Message) (T, error) {
	var result T
	raw, err := json.Marshal(msg.Payload)
	if err != nil {
		return result, fmt.Errorf("marshal payload: %w", err)
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return result, fmt.Errorf("unmarshal payload: %w", err)
	}
	return result, nil
}
