package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Relay/internal/alert"
	"github.com/shaiso/Relay/internal/breaker"
	"github.com/shaiso/Relay/internal/domain"
	"github.com/shaiso/Relay/internal/idempotency"
	"github.com/shaiso/Relay/internal/metrics"
	"github.com/shaiso/Relay/internal/registry"
	"github.com/shaiso/Relay/internal/retry"
)

// WorkflowHook получает итог узла workflow.
//
// Реализуется orchestrator.Orchestrator.
type WorkflowHook interface {
	CompleteNode(ctx context.Context, instanceID uuid.UUID, nodeID string, outputs map[string]any) error
	FailNode(ctx context.Context, instanceID uuid.UUID, nodeID, reason string) error
}

// DeadLetterSink принимает задачи, исчерпавшие повторы.
type DeadLetterSink interface {
	DeadLetter(ctx context.Context, processor string, tc domain.TaskContext, reason string) error
}

// Worker выполняет задачи через конвейер middleware.
//
// Worker — stateless компонент:
//   - находит процессор в Registry
//   - пропускает вызов через metrics → breaker → idempotency → recover
//   - планирует повторы по RetryPolicy в пуле retry
//   - сообщает итог узла workflow через WorkflowHook
//   - при исчерпании повторов отправляет alert и dead letter
//
// Несколько Worker'ов в разных процессах безопасно выполняют
// одни и те же задачи: дубли отсекаются блокировкой идемпотентности.
type Worker struct {
	registry   *registry.Registry
	pipeline   Handler
	policy     retry.Policy
	metrics    metrics.Collector
	alerter    alert.FailureAlertService
	deadLetter DeadLetterSink
	hook       WorkflowHook

	workflowPool *Pool
	retryPool    *Pool

	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	timers  map[*time.Timer]struct{}
	stopped bool
}

// Config — конфигурация Worker.
type Config struct {
	// Registry — реестр процессоров (если nil — пустой реестр).
	Registry *registry.Registry

	// Breakers — circuit breaker'ы процессоров (если nil — настройки по умолчанию).
	Breakers *breaker.Set

	// Idempotency — блокировки задач (если nil — без блокировок).
	Idempotency *idempotency.Manager

	// Metrics — приёмник метрик (если nil — metrics.Noop).
	Metrics metrics.Collector

	// Alerter — оповещения об исчерпанных повторах (если nil — в лог).
	Alerter alert.FailureAlertService

	// DeadLetter — приёмник исчерпанных задач (опционально).
	DeadLetter DeadLetterSink

	// Hook — продвижение workflow по итогам узлов (опционально).
	Hook WorkflowHook

	// RetryPolicy — политика по умолчанию для процессоров
	// без собственной (если nil — retry.DefaultPolicy()).
	RetryPolicy *retry.Policy

	// WorkflowPool — пул для Dispatch.
	WorkflowPool PoolConfig

	// RetryPool — пул для повторов.
	RetryPool PoolConfig

	// Middleware — дополнительные middleware внутри стандартных.
	Middleware []Middleware

	Logger *slog.Logger
}

// New создаёт Worker.
func New(cfg Config) *Worker {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Registry == nil {
		cfg.Registry = registry.New(logger)
	}
	if cfg.Breakers == nil {
		cfg.Breakers = breaker.NewSet(breaker.DefaultConfig(), logger)
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Noop{}
	}
	if cfg.Alerter == nil {
		cfg.Alerter = alert.NewLogAlerter(logger)
	}
	policy := retry.DefaultPolicy()
	if cfg.RetryPolicy != nil {
		policy = *cfg.RetryPolicy
	}

	mws := []Middleware{WithMetrics(cfg.Metrics), WithBreaker(cfg.Breakers)}
	if cfg.Idempotency != nil {
		mws = append(mws, WithIdempotency(cfg.Idempotency))
	}
	mws = append(mws, cfg.Middleware...)
	mws = append(mws, WithRecover())

	ctx, cancel := context.WithCancel(context.Background())

	return &Worker{
		registry:     cfg.Registry,
		pipeline:     Chain(invoke, mws...),
		policy:       policy,
		metrics:      cfg.Metrics,
		alerter:      cfg.Alerter,
		deadLetter:   cfg.DeadLetter,
		hook:         cfg.Hook,
		workflowPool: NewPool("workflow", cfg.WorkflowPool, logger),
		retryPool:    NewPool("retry", cfg.RetryPool, logger),
		logger:       logger,
		ctx:          ctx,
		cancel:       cancel,
		timers:       make(map[*time.Timer]struct{}),
	}
}

// Registry возвращает реестр процессоров.
func (w *Worker) Registry() *registry.Registry {
	return w.registry
}

// Dispatch ставит задачу в пул workflow и не ждёт выполнения.
//
// Реализует orchestrator.Dispatcher. Итог узла приходит через WorkflowHook.
func (w *Worker) Dispatch(_ context.Context, processor string, tc domain.TaskContext) error {
	if w.isStopped() {
		return ErrWorkerStopped
	}
	if err := tc.Validate(); err != nil {
		return err
	}
	if !w.registry.Has(processor) {
		return domain.NewValidationError("processor", fmt.Sprintf("%s: %q", ErrUnknownProcessor, processor))
	}

	if err := w.workflowPool.Submit(func() { w.runAsync(processor, tc) }); err != nil {
		return fmt.Errorf("dispatch %s: %w", tc.JobID, err)
	}
	return nil
}

// Stats — состояние пулов.
type Stats struct {
	WorkflowWorkers int `json:"workflow_workers"`
	WorkflowQueued  int `json:"workflow_queued"`
	RetryWorkers    int `json:"retry_workers"`
	RetryQueued     int `json:"retry_queued"`
	PendingRetries  int `json:"pending_retries"`
}

// Stats возвращает состояние пулов и число ожидающих повторов.
func (w *Worker) Stats() Stats {
	w.mu.Lock()
	pending := len(w.timers)
	w.mu.Unlock()

	return Stats{
		WorkflowWorkers: w.workflowPool.Workers(),
		WorkflowQueued:  w.workflowPool.Queued(),
		RetryWorkers:    w.retryPool.Workers(),
		RetryQueued:     w.retryPool.Queued(),
		PendingRetries:  pending,
	}
}

// Stop останавливает Worker.
//
// Ожидающие повторы отменяются, очереди пулов дорабатываются
// в пределах ctx. Повторный вызов безопасен.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.stopped = true
	for t := range w.timers {
		t.Stop()
	}
	dropped := len(w.timers)
	clear(w.timers)
	w.mu.Unlock()

	w.logger.Info("stopping worker", "dropped_retries", dropped)

	errWorkflow := w.workflowPool.Shutdown(ctx)
	errRetry := w.retryPool.Shutdown(ctx)
	w.cancel()

	if errWorkflow != nil {
		return errWorkflow
	}
	if errRetry != nil {
		return errRetry
	}
	w.logger.Info("worker stopped")
	return nil
}

func (w *Worker) isStopped() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stopped
}
