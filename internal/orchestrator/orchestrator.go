package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Relay/internal/domain"
	"github.com/shaiso/Relay/internal/engine"
	"github.com/shaiso/Relay/internal/repo"
)

// DefaultMaxConflictRetries — количество повторов перехода при конфликте версии.
const DefaultMaxConflictRetries = 5

// Dispatcher отправляет узел workflow на выполнение.
//
// Dispatch не ждёт окончания выполнения: результат возвращается
// через CompleteNode / FailNode.
type Dispatcher interface {
	Dispatch(ctx context.Context, processor string, tc domain.TaskContext) error
}

// DispatcherFunc — адаптер функции к Dispatcher.
type DispatcherFunc func(ctx context.Context, processor string, tc domain.TaskContext) error

// Dispatch вызывает f.
func (f DispatcherFunc) Dispatch(ctx context.Context, processor string, tc domain.TaskContext) error {
	return f(ctx, processor, tc)
}

// Config — конфигурация Orchestrator.
type Config struct {
	Instances   repo.InstanceRepository
	Definitions repo.DefinitionRepository
	Dispatcher  Dispatcher

	// KnownProcessor проверяет процессоры узлов при Submit. Nil — без проверки.
	KnownProcessor func(name string) bool

	// MaxConflictRetries — повторы перехода при конфликте версии (default: 5).
	MaxConflictRetries int

	Logger *slog.Logger
}

// Orchestrator ведёт экземпляры workflow.
type Orchestrator struct {
	instances   repo.InstanceRepository
	definitions repo.DefinitionRepository
	dispatcher  Dispatcher
	known       func(string) bool
	maxRetries  int
	logger      *slog.Logger
	now         func() time.Time
}

// New создаёт новый Orchestrator.
func New(cfg Config) *Orchestrator {
	maxRetries := cfg.MaxConflictRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxConflictRetries
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Orchestrator{
		instances:   cfg.Instances,
		definitions: cfg.Definitions,
		dispatcher:  cfg.Dispatcher,
		known:       cfg.KnownProcessor,
		maxRetries:  maxRetries,
		logger:      logger,
		now:         time.Now,
	}
}

// Submit создаёт экземпляр определения в статусе PENDING.
func (o *Orchestrator) Submit(ctx context.Context, definitionID string, input map[string]any) (*domain.WorkflowInstance, error) {
	def, err := o.loadDefinition(ctx, definitionID)
	if err != nil {
		return nil, err
	}
	if _, err := engine.BuildDAG(def); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	if o.known != nil {
		if err := engine.ValidateProcessors(def, o.known); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
		}
	}

	inst := domain.NewWorkflowInstance(def.ID, input)
	if err := o.instances.Save(ctx, inst); err != nil {
		return nil, fmt.Errorf("save instance: %w", err)
	}

	o.logger.Info("workflow instance submitted",
		"instance_id", inst.ID,
		"definition_id", def.ID,
	)
	return inst, nil
}

// Start переводит PENDING → RUNNING и запускает корневые узлы.
func (o *Orchestrator) Start(ctx context.Context, id uuid.UUID) (*domain.WorkflowInstance, error) {
	return o.transition(ctx, id, "start", true, func(inst *domain.WorkflowInstance, dag *engine.DAG) ([]task, error) {
		if err := inst.MarkRunning(); err != nil {
			return nil, err
		}
		return o.activateReady(inst, dag), nil
	})
}

// SubmitAndStart создаёт экземпляр и сразу запускает его.
func (o *Orchestrator) SubmitAndStart(ctx context.Context, definitionID string, input map[string]any) (*domain.WorkflowInstance, error) {
	inst, err := o.Submit(ctx, definitionID, input)
	if err != nil {
		return nil, err
	}
	return o.Start(ctx, inst.ID)
}

// Pause переводит RUNNING → PAUSED. Выполняющиеся узлы завершаются,
// но новые не запускаются. Повторный Pause — no-op.
func (o *Orchestrator) Pause(ctx context.Context, id uuid.UUID) (*domain.WorkflowInstance, error) {
	return o.transition(ctx, id, "pause", false, func(inst *domain.WorkflowInstance, _ *engine.DAG) ([]task, error) {
		if inst.Status == domain.InstanceStatusPaused {
			return nil, errNoChange
		}
		return nil, inst.MarkPaused()
	})
}

// Resume переводит PAUSED → RUNNING и запускает узлы, ставшие готовыми
// во время паузы. Resume работающего экземпляра — no-op.
func (o *Orchestrator) Resume(ctx context.Context, id uuid.UUID) (*domain.WorkflowInstance, error) {
	return o.transition(ctx, id, "resume", true, func(inst *domain.WorkflowInstance, dag *engine.DAG) ([]task, error) {
		if inst.Status == domain.InstanceStatusRunning {
			return nil, errNoChange
		}
		if err := inst.MarkResumed(); err != nil {
			return nil, err
		}
		if dag.IsComplete(inst.CompletedNodes) {
			return nil, inst.MarkSucceeded()
		}
		return o.activateReady(inst, dag), nil
	})
}

// Cancel переводит экземпляр в CANCELLED.
//
// Отмена финального экземпляра — no-op без ошибки. Узлы, которые
// уже выполняются, дорабатывают, но их результат игнорируется.
func (o *Orchestrator) Cancel(ctx context.Context, id uuid.UUID) (*domain.WorkflowInstance, error) {
	return o.transition(ctx, id, "cancel", false, func(inst *domain.WorkflowInstance, _ *engine.DAG) ([]task, error) {
		if inst.IsFinished() {
			return nil, errNoChange
		}
		inst.ActiveNodes = []string{}
		return nil, inst.MarkCancelled()
	})
}

// Redispatch повторно отправляет активные узлы RUNNING экземпляра.
//
// Используется после падения воркера: состояние экземпляра в БД
// достаточно, чтобы продолжить. Повторное выполнение уже идущего узла
// отсекает идемпотентная блокировка на стороне воркера.
func (o *Orchestrator) Redispatch(ctx context.Context, id uuid.UUID) (int, error) {
	inst, err := o.loadInstance(ctx, id)
	if err != nil {
		return 0, err
	}
	if inst.Status != domain.InstanceStatusRunning {
		return 0, nil
	}
	dag, err := o.loadDAG(ctx, inst.DefinitionID)
	if err != nil {
		return 0, err
	}

	tasks := make([]task, 0, len(inst.ActiveNodes))
	for _, nodeID := range inst.ActiveNodes {
		node := dag.GetNode(nodeID)
		if node == nil {
			continue
		}
		t, err := newTask(inst, node)
		if err != nil {
			return 0, err
		}
		tasks = append(tasks, t)
	}
	o.dispatch(ctx, inst.ID, tasks)
	return len(tasks), nil
}

// SweepTimeouts переводит в FAILED экземпляры, которые находятся
// в RUNNING дольше допустимого. deadline — граница по времени старта
// для таймаута по умолчанию; TimeoutSec определения может её продлить.
//
// Возвращает количество переведённых экземпляров.
func (o *Orchestrator) SweepTimeouts(ctx context.Context, deadline time.Time) (int, error) {
	candidates, err := o.instances.FindTimeoutInstances(ctx, deadline)
	if err != nil {
		return 0, fmt.Errorf("find timeout instances: %w", err)
	}

	now := o.now()
	swept := 0
	for i := range candidates {
		inst := &candidates[i]
		if o.extendedByDefinition(ctx, inst, now) {
			continue
		}

		_, err := o.transition(ctx, inst.ID, "timeout", false, func(cur *domain.WorkflowInstance, _ *engine.DAG) ([]task, error) {
			if cur.Status != domain.InstanceStatusRunning {
				return nil, errNoChange
			}
			return nil, cur.MarkFailed("workflow timed out")
		})
		if err != nil {
			o.logger.Error("timeout sweep failed", "instance_id", inst.ID, "error", err)
			continue
		}
		swept++
	}

	if swept > 0 {
		o.logger.Warn("workflow instances timed out", "count", swept)
	}
	return swept, nil
}

// CleanupExpired мягко удаляет финальные экземпляры, завершённые раньше before.
func (o *Orchestrator) CleanupExpired(ctx context.Context, before time.Time) (int64, error) {
	n, err := o.instances.CleanupExpiredInstances(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("cleanup expired instances: %w", err)
	}
	if n > 0 {
		o.logger.Info("expired workflow instances removed", "count", n, "before", before)
	}
	return n, nil
}

// extendedByDefinition проверяет индивидуальный таймаут определения.
func (o *Orchestrator) extendedByDefinition(ctx context.Context, inst *domain.WorkflowInstance, now time.Time) bool {
	def, err := o.definitions.FindByID(ctx, inst.DefinitionID)
	if err != nil || def.TimeoutSec <= 0 || inst.StartTime == nil {
		return false
	}
	return inst.StartTime.Add(def.Timeout(0)).After(now)
}

// freshReader — репозиторий с кэшем, умеющий читать в обход него.
// Реализуется repo.CachedInstanceRepo.
type freshReader interface {
	FindByIDFresh(ctx context.Context, id uuid.UUID) (*domain.WorkflowInstance, error)
}

// loadInstance читает экземпляр для перехода. Кэш пропускается:
// по устаревшей копии переход мог бы решить, что делать нечего.
func (o *Orchestrator) loadInstance(ctx context.Context, id uuid.UUID) (*domain.WorkflowInstance, error) {
	find := o.instances.FindByID
	if fr, ok := o.instances.(freshReader); ok {
		find = fr.FindByIDFresh
	}
	inst, err := find(ctx, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrInstanceNotFound, id)
		}
		return nil, fmt.Errorf("get instance: %w", err)
	}
	return inst, nil
}

func (o *Orchestrator) loadDefinition(ctx context.Context, id string) (*domain.WorkflowDefinition, error) {
	def, err := o.definitions.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrDefinitionNotFound, id)
		}
		return nil, fmt.Errorf("get definition: %w", err)
	}
	return def, nil
}

func (o *Orchestrator) loadDAG(ctx context.Context, definitionID string) (*engine.DAG, error) {
	def, err := o.loadDefinition(ctx, definitionID)
	if err != nil {
		return nil, err
	}
	dag, err := engine.BuildDAG(def)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	return dag, nil
}
