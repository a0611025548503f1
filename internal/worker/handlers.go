package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shaiso/Relay/internal/domain"
	"github.com/shaiso/Relay/internal/registry"
	"github.com/shaiso/Relay/internal/telemetry"
)

// Execute выполняет одну попытку задачи и обрабатывает её итог.
//
// Ошибка возвращается только для некорректного TaskContext
// и незарегистрированного процессора. Остальные исходы
// выражены статусом результата:
//   - SUCCESS — успех или IdempotentHit (задача уже выполняется)
//   - RETRY — ошибка выполнения, повтор запланирован
//   - FAILED — бизнес-отказ, открытый breaker или исчерпанные повторы
func (w *Worker) Execute(ctx context.Context, processor string, tc domain.TaskContext) (domain.TaskResult, error) {
	if w.isStopped() {
		return domain.Failure(ErrWorkerStopped.Error()), ErrWorkerStopped
	}
	if err := tc.Validate(); err != nil {
		return domain.TaskResult{}, err
	}

	p, err := w.registry.Find(processor)
	if err != nil {
		return domain.TaskResult{}, domain.NewValidationError("processor", fmt.Sprintf("%s: %q", ErrUnknownProcessor, processor))
	}

	call := Call{Name: registry.Normalize(processor), Processor: p, Task: tc}
	logger := telemetry.WithJobID(telemetry.WithProcessor(w.logger, call.Name), tc.JobID)
	if tc.RetryCount > 0 {
		logger = logger.With("retry_count", tc.RetryCount)
	}
	ctx = telemetry.WithLogger(ctx, logger)

	start := time.Now()
	res, err := w.pipeline(ctx, call)
	duration := time.Since(start)

	if err == nil && !knownStatus(res.Status) {
		err = &domain.ExecutionError{Processor: call.Name, Err: fmt.Errorf("unknown result status %q", res.Status)}
	}

	return w.settle(ctx, logger, call, res, err).Finalize(start, duration, res.IdempotentHit), nil
}

func knownStatus(s domain.TaskStatus) bool {
	switch s {
	case domain.TaskStatusSuccess, domain.TaskStatusFailed, domain.TaskStatusRetry:
		return true
	default:
		return false
	}
}

// settle разбирает итог попытки.
func (w *Worker) settle(ctx context.Context, logger *slog.Logger, call Call, res domain.TaskResult, err error) domain.TaskResult {
	switch {
	case errors.Is(err, domain.ErrCircuitOpen):
		logger.Warn("call rejected by circuit breaker", "error", err)
		w.failNode(ctx, logger, call.Task, err.Error())
		return domain.Failure(err.Error())

	case err != nil:
		return w.retryOrGiveUp(ctx, logger, call, err.Error())

	case res.Status == domain.TaskStatusRetry:
		reason := res.Message()
		if reason == "" {
			reason = "processor requested retry"
		}
		return w.retryOrGiveUp(ctx, logger, call, reason)

	case res.IdempotentHit:
		logger.Info("task already running or processed, skipped")
		return res

	case res.Status == domain.TaskStatusFailed:
		logger.Warn("task failed", "error", res.Message())
		w.failNode(ctx, logger, call.Task, res.Message())
		return res

	default:
		logger.Debug("task succeeded")
		w.completeNode(ctx, logger, call.Task, res.Output)
		return res
	}
}

// retryOrGiveUp планирует следующую попытку или завершает задачу как исчерпанную.
func (w *Worker) retryOrGiveUp(ctx context.Context, logger *slog.Logger, call Call, reason string) domain.TaskResult {
	tc := call.Task
	policy := registry.PolicyFor(call.Processor, w.policy)

	if policy.CanRetry(tc.RetryCount) {
		delay := policy.CalculateDelay(tc.RetryCount)
		next := tc.NextAttempt()

		err := w.scheduleRetry(call, next, delay)
		if err == nil {
			w.metrics.RecordRetries(call.Name, next.RetryCount)
			logger.Warn("task failed, retry scheduled",
				"error", reason,
				"delay", delay,
				"attempt", next.RetryCount,
				"max_retries", policy.MaxRetryTimes,
			)
			return domain.RetryLater(reason)
		}

		logger.Error("failed to schedule retry", "error", err)
		reason = fmt.Sprintf("%s (retry not scheduled: %v)", reason, err)
	}

	return w.giveUp(ctx, logger, call.Name, tc, reason)
}

// giveUp завершает задачу: alert, dead letter, провал узла.
func (w *Worker) giveUp(ctx context.Context, logger *slog.Logger, processor string, tc domain.TaskContext, reason string) domain.TaskResult {
	exhausted := &domain.ExhaustedRetriesError{JobID: tc.JobID, RetryCount: tc.RetryCount, LastError: reason}
	logger.Error("task retries exhausted", "error", exhausted)

	ctx = context.WithoutCancel(ctx)

	if err := w.alerter.SendFailureAlert(ctx, tc.JobID, reason, tc.RetryCount); err != nil {
		logger.Error("failed to send failure alert", "error", err)
	}
	if w.deadLetter != nil {
		if err := w.deadLetter.DeadLetter(ctx, processor, tc, exhausted.Error()); err != nil {
			logger.Error("failed to dead-letter task", "error", err)
		}
	}
	w.failNode(ctx, logger, tc, exhausted.Error())

	return domain.Failure(exhausted.Error())
}

// scheduleRetry ставит попытку в пул retry через delay.
func (w *Worker) scheduleRetry(call Call, next domain.TaskContext, delay time.Duration) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return ErrWorkerStopped
	}

	// колбэк ждёт w.mu, поэтому t уже присвоен, когда он выполняется
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		w.mu.Lock()
		_, pending := w.timers[t]
		delete(w.timers, t)
		w.mu.Unlock()
		if !pending {
			return
		}

		err := w.retryPool.Submit(func() { w.runAsync(call.Name, next) })
		if err != nil {
			logger := telemetry.WithJobID(w.logger, next.JobID)
			logger.Error("retry rejected by pool", "error", err)
			w.giveUp(w.ctx, logger, call.Name, next, fmt.Sprintf("retry rejected: %v", err))
		}
	})
	w.timers[t] = struct{}{}
	return nil
}

// runAsync выполняет задачу из пула.
func (w *Worker) runAsync(processor string, tc domain.TaskContext) {
	if _, err := w.Execute(w.ctx, processor, tc); err != nil {
		logger := telemetry.WithJobID(w.logger, tc.JobID)
		if errors.Is(err, ErrWorkerStopped) {
			logger.Warn("task dropped, worker stopped")
			return
		}
		logger.Error("task rejected", "error", err)
		w.failNode(w.ctx, logger, tc, err.Error())
	}
}

func (w *Worker) completeNode(ctx context.Context, logger *slog.Logger, tc domain.TaskContext, outputs map[string]any) {
	if w.hook == nil || tc.Workflow == nil {
		return
	}
	ref := tc.Workflow
	if err := w.hook.CompleteNode(context.WithoutCancel(ctx), ref.InstanceID, ref.NodeID, outputs); err != nil {
		logger.Error("failed to complete workflow node", "instance_id", ref.InstanceID, "node_id", ref.NodeID, "error", err)
	}
}

func (w *Worker) failNode(ctx context.Context, logger *slog.Logger, tc domain.TaskContext, reason string) {
	if w.hook == nil || tc.Workflow == nil {
		return
	}
	ref := tc.Workflow
	if err := w.hook.FailNode(context.WithoutCancel(ctx), ref.InstanceID, ref.NodeID, reason); err != nil {
		logger.Error("failed to fail workflow node", "instance_id", ref.InstanceID, "node_id", ref.NodeID, "error", err)
	}
}
