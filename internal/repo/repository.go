// Package repo — хранение экземпляров и определений workflow.
//
// Реализации:
//   - PgInstanceRepo / PgDefinitionRepo — Postgres через pgx
//   - GormInstanceRepo / GormDefinitionRepo — gorm (SQLite во встроенном режиме)
//   - CachedInstanceRepo / CachedDefinitions — LRU-кэш поверх любой реализации
//
// Обновления с expectedVersion — compare-and-swap по полю version:
// при несовпадении возвращается domain.ErrOptimisticConflict, при попытке
// изменить финальный экземпляр — domain.ErrInstanceTerminal.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Relay/internal/domain"
)

// InstanceRepository — хранилище экземпляров workflow.
type InstanceRepository interface {
	// Save сохраняет новый экземпляр. Повтор ID — ErrAlreadyExists.
	Save(ctx context.Context, inst *domain.WorkflowInstance) error

	// FindByID возвращает экземпляр или ErrNotFound.
	FindByID(ctx context.Context, id uuid.UUID) (*domain.WorkflowInstance, error)

	// FindByDefinitionID возвращает экземпляры определения, новые первыми.
	FindByDefinitionID(ctx context.Context, definitionID string) ([]domain.WorkflowInstance, error)

	// FindRunningByDefinitionID возвращает RUNNING экземпляры определения.
	FindRunningByDefinitionID(ctx context.Context, definitionID string) ([]domain.WorkflowInstance, error)

	// List возвращает экземпляры по фильтру.
	List(ctx context.Context, filter InstanceFilter) ([]domain.WorkflowInstance, error)

	// UpdateStatus меняет статус нетерминального экземпляра и увеличивает version.
	// endTime nil оставляет end_time без изменений.
	UpdateStatus(ctx context.Context, id uuid.UUID, status domain.InstanceStatus, endTime *time.Time, errorMessage string) error

	// UpdateActiveNodes заменяет ActiveNodes, если version == expectedVersion.
	UpdateActiveNodes(ctx context.Context, id uuid.UUID, nodes []string, expectedVersion int64) error

	// UpdateContext заменяет Context, если version == expectedVersion.
	UpdateContext(ctx context.Context, id uuid.UUID, data map[string]any, expectedVersion int64) error

	// Advance записывает всё изменяемое состояние экземпляра, если
	// version == expectedVersion. При успехе inst.Version = expectedVersion + 1.
	Advance(ctx context.Context, inst *domain.WorkflowInstance, expectedVersion int64) error

	// DeleteByID удаляет экземпляр безвозвратно.
	DeleteByID(ctx context.Context, id uuid.UUID) error

	// FindTimeoutInstances возвращает RUNNING экземпляры, запущенные раньше deadline.
	FindTimeoutInstances(ctx context.Context, deadline time.Time) ([]domain.WorkflowInstance, error)

	// FindFailedRecentMinutes возвращает экземпляры, упавшие за последние n минут.
	FindFailedRecentMinutes(ctx context.Context, minutes int) ([]domain.WorkflowInstance, error)

	// CountActiveInstances возвращает количество нетерминальных экземпляров.
	CountActiveInstances(ctx context.Context) (int64, error)

	// CleanupExpiredInstances мягко удаляет финальные экземпляры,
	// завершённые раньше before. Возвращает количество удалённых.
	CleanupExpiredInstances(ctx context.Context, before time.Time) (int64, error)
}

// DefinitionRepository — хранилище определений workflow.
type DefinitionRepository interface {
	// Save создаёт или заменяет определение.
	Save(ctx context.Context, def *domain.WorkflowDefinition) error

	// FindByID возвращает определение или ErrNotFound.
	FindByID(ctx context.Context, id string) (*domain.WorkflowDefinition, error)

	// List возвращает все определения, отсортированные по ID.
	List(ctx context.Context) ([]domain.WorkflowDefinition, error)

	// Delete удаляет определение.
	Delete(ctx context.Context, id string) error
}

// InstanceFilter — параметры фильтрации экземпляров.
type InstanceFilter struct {
	DefinitionID string
	Status       domain.InstanceStatus
	Limit        int
	Offset       int
}

// DefaultListLimit — лимит списка по умолчанию.
const DefaultListLimit = 50

func (f InstanceFilter) limit() int {
	if f.Limit <= 0 {
		return DefaultListLimit
	}
	return f.Limit
}

func terminalStatusStrings() []string {
	out := make([]string, 0, 3)
	for _, s := range domain.TerminalStatuses() {
		out = append(out, string(s))
	}
	return out
}

func activeStatusStrings() []string {
	out := make([]string, 0, 3)
	for _, s := range domain.ActiveStatuses() {
		out = append(out, string(s))
	}
	return out
}
