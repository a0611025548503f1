// Package worker выполняет задачи через конвейер middleware.
//
// # Обзор
//
// Worker — stateless компонент системы Relay. Он принимает вызов
// (имя процессора + TaskContext) из трёх источников: напрямую через
// Execute, из упорядоченного потребителя RabbitMQ и от слушателя
// отложенных задач. Для узлов workflow Orchestrator вызывает Dispatch.
//
// # Конвейер
//
// Каждый вызов проходит цепочку Middleware:
//
//	metrics → breaker → idempotency → recover → processor
//
// Звенья:
//   - WithMetrics — RecordExecution / RecordResult / RecordLatency
//   - WithBreaker — открытый breaker отклоняет вызов с ErrCircuitOpen
//   - WithIdempotency — блокировка (JobID, InstanceID) без ожидания;
//     занятая блокировка даёт SUCCESS с IdempotentHit
//   - WithRecover — паника и error процессора становятся ExecutionError
//
// Дополнительные middleware передаются через Config.Middleware
// и встают перед WithRecover.
//
//	w := worker.New(worker.Config{
//	    Registry:    reg,
//	    Breakers:    breakers,
//	    Idempotency: idem,
//	    Metrics:     prom,
//	    Hook:        orch,
//	    Logger:      logger,
//	})
//	defer w.Stop(ctx)
//
// # Повторы
//
// ExecutionError и статус RETRY повторяются по RetryPolicy процессора
// (registry.PolicyFor) или по политике Worker'а. Следующая попытка
// планируется таймером и выполняется в пуле retry; Execute сразу
// возвращает RETRY. После MaxRetryTimes повторов задача завершается
// ExhaustedRetriesError: один alert, dead letter, FailNode.
//
// Бизнес-отказ (FAILED) не повторяется.
//
// # Пулы
//
// Pool — ограниченный пул: core горутин, очередь, затем дополнительные
// горутины до MaxSize. Сверх этого Submit возвращает ErrPoolFull.
package worker
