package api

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Relay/internal/breaker"
	"github.com/shaiso/Relay/internal/domain"
	"github.com/shaiso/Relay/internal/repo"
	"github.com/shaiso/Relay/internal/worker"
)

// Workflows — переходы экземпляров. Реализуется orchestrator.Orchestrator.
type Workflows interface {
	Submit(ctx context.Context, definitionID string, input map[string]any) (*domain.WorkflowInstance, error)
	SubmitAndStart(ctx context.Context, definitionID string, input map[string]any) (*domain.WorkflowInstance, error)
	Start(ctx context.Context, id uuid.UUID) (*domain.WorkflowInstance, error)
	Pause(ctx context.Context, id uuid.UUID) (*domain.WorkflowInstance, error)
	Resume(ctx context.Context, id uuid.UUID) (*domain.WorkflowInstance, error)
	Cancel(ctx context.Context, id uuid.UUID) (*domain.WorkflowInstance, error)
	Redispatch(ctx context.Context, id uuid.UUID) (int, error)
}

// Delays — отложенные задачи. Реализуется delay.Service.
type Delays interface {
	Submit(ctx context.Context, taskType domain.DelayTaskType, taskID string, params map[string]any, delay time.Duration) (string, error)
	Cancel(ctx context.Context, key string) (bool, error)
	Get(ctx context.Context, key string) (*domain.DelayTask, error)
}

// Sweeper — ручной запуск обслуживания. Реализуется sweeper.Sweeper.
type Sweeper interface {
	SweepTimeouts(ctx context.Context) (int, error)
	Cleanup(ctx context.Context) (int64, error)
}

// Processors — список зарегистрированных процессоров. Реализуется registry.Registry.
type Processors interface {
	List() []string
}

// Breakers — состояние circuit breakers. Реализуется breaker.Set.
type Breakers interface {
	Snapshot() map[string]breaker.Stats
}

// WorkerStats — загрузка пулов воркера. Реализуется worker.Worker.
type WorkerStats interface {
	Stats() worker.Stats
}

// Handler — главный обработчик API с зависимостями.
type Handler struct {
	workflows   Workflows
	instances   repo.InstanceRepository
	definitions repo.DefinitionRepository
	delays      Delays
	sweeper     Sweeper
	processors  Processors
	breakers    Breakers
	workerStats WorkerStats
	logger      *slog.Logger
}

// Config — конфигурация для создания Handler. Все зависимости опциональны.
type Config struct {
	Workflows   Workflows
	Instances   repo.InstanceRepository
	Definitions repo.DefinitionRepository
	Delays      Delays
	Sweeper     Sweeper
	Processors  Processors
	Breakers    Breakers
	WorkerStats WorkerStats
	Logger      *slog.Logger
}

// NewHandler создаёт новый Handler.
func NewHandler(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		workflows:   cfg.Workflows,
		instances:   cfg.Instances,
		definitions: cfg.Definitions,
		delays:      cfg.Delays,
		sweeper:     cfg.Sweeper,
		processors:  cfg.Processors,
		breakers:    cfg.Breakers,
		workerStats: cfg.WorkerStats,
		logger:      logger,
	}
}
