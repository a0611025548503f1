package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shaiso/Relay/internal/breaker"
	"github.com/shaiso/Relay/internal/domain"
	"github.com/shaiso/Relay/internal/idempotency"
	"github.com/shaiso/Relay/internal/metrics"
	"github.com/shaiso/Relay/internal/registry"
	"github.com/shaiso/Relay/internal/telemetry"
)

// Call — один вызов процессора внутри конвейера.
type Call struct {
	// Name — нормализованное имя процессора.
	Name string

	Processor registry.Processor

	// Task — контекст вызова. Процессор получает копию.
	Task domain.TaskContext
}

// Handler выполняет вызов.
type Handler func(ctx context.Context, call Call) (domain.TaskResult, error)

// Middleware оборачивает Handler.
type Middleware func(next Handler) Handler

// Chain собирает конвейер: первый middleware — внешний.
func Chain(final Handler, mws ...Middleware) Handler {
	h := final
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// invoke — конечный Handler: вызов процессора с копией контекста.
func invoke(ctx context.Context, call Call) (domain.TaskResult, error) {
	return call.Processor.Process(ctx, call.Task.Clone())
}

// WithMetrics отмечает вызов, итог и длительность в collector.
func WithMetrics(collector metrics.Collector) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, call Call) (domain.TaskResult, error) {
			collector.RecordExecution(call.Name)
			start := time.Now()

			res, err := next(ctx, call)

			collector.RecordLatency(call.Name, time.Since(start))
			if err != nil {
				collector.RecordResult(call.Name, domain.Failure(err.Error()))
			} else {
				collector.RecordResult(call.Name, res)
			}
			return res, err
		}
	}
}

// WithBreaker пропускает вызов через circuit breaker процессора.
//
// Открытый breaker отклоняет вызов с domain.ErrCircuitOpen.
// Неуспехом считаются ошибка выполнения и статус RETRY; бизнес-отказ
// FAILED — нет.
func WithBreaker(set *breaker.Set) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, call Call) (domain.TaskResult, error) {
			b := set.Get(call.Name)
			permit, err := b.Allow()
			if err != nil {
				return domain.TaskResult{}, err
			}

			start := time.Now()
			res, err := next(ctx, call)
			b.Record(permit, time.Since(start), err == nil && res.Status != domain.TaskStatusRetry)
			return res, err
		}
	}
}

// WithIdempotency держит блокировку (JobID, InstanceID) на время вызова
// и пропускает сообщения, уже отмеченные по IdempotentKey.
//
// Занятая блокировка — не ошибка: вызов возвращает SUCCESS
// с IdempotentHit. После успеха IdempotentKey отмечается обработанным.
func WithIdempotency(m *idempotency.Manager) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, call Call) (domain.TaskResult, error) {
			key := call.Task.IdempotentKey
			if key != "" {
				dup, err := m.IsDuplicate(ctx, key)
				if err != nil {
					return domain.TaskResult{}, &domain.ExecutionError{Processor: call.Name, Err: err}
				}
				if dup {
					return idempotentHit(), nil
				}
			}

			lock, err := m.TryLock(ctx, call.Task.JobID, call.Task.InstanceID)
			if idempotency.IsContention(err) {
				return idempotentHit(), nil
			}
			if err != nil {
				return domain.TaskResult{}, &domain.ExecutionError{Processor: call.Name, Err: err}
			}
			defer func() {
				// блокировку снимаем даже при отменённом ctx вызова
				_ = m.ReleaseLock(context.WithoutCancel(ctx), lock)
			}()

			res, err := next(ctx, call)
			if err == nil && res.IsSuccess() && key != "" {
				if markErr := m.MarkAsProcessed(ctx, key); markErr != nil {
					telemetry.FromContext(ctx).Warn("mark processed failed", "key", key, "error", markErr)
				}
			}
			return res, err
		}
	}
}

func idempotentHit() domain.TaskResult {
	return domain.TaskResult{Status: domain.TaskStatusSuccess, IdempotentHit: true}
}

// WithRecover превращает панику и ошибку процессора в domain.ExecutionError.
func WithRecover() Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, call Call) (res domain.TaskResult, err error) {
			defer func() {
				if r := recover(); r != nil {
					res = domain.TaskResult{}
					err = &domain.ExecutionError{Processor: call.Name, Err: fmt.Errorf("panic: %v", r)}
				}
			}()

			res, err = next(ctx, call)
			if err != nil {
				var execErr *domain.ExecutionError
				if !errors.As(err, &execErr) {
					err = &domain.ExecutionError{Processor: call.Name, Err: err}
				}
			}
			return res, err
		}
	}
}
