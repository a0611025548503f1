// Package mq предоставляет инфраструктуру для работы с RabbitMQ.
//
// Структура:
//   - connection.go — соединение, каналы publish (confirms) и consume, reconnect
//   - topology.go   — маршруты: exchanges, queues, bindings, DLQ
//   - publisher.go  — публикация задач, dead letters и оповещений
//   - consumer.go   — потребление очереди с переподпиской после reconnect
//   - ingress.go    — упорядоченное выполнение задач из tasks.ready
//
// Типы сообщений:
//   - task.execute   — задача для воркера (Publisher.Dispatch / PublishTask)
//   - task.dead      — задача, исчерпавшая повторы (Publisher.DeadLetter)
//   - alert.failure  — оповещение (Alerter)
//
// Exchanges:
//   - relay.tasks   — задачи
//   - relay.alerts  — оповещения
//   - relay.dlq     — dead letter queue
package mq
