package repo

import (
	"context"
	"slices"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/shaiso/Relay/internal/domain"
)

// Размеры кэшей по умолчанию.
const (
	DefaultInstanceCacheSize   = 1000
	DefaultInstanceCacheTTL    = 30 * time.Second
	DefaultDefinitionCacheSize = 100
	DefaultDefinitionCacheTTL  = 5 * time.Minute
)

// CachedInstanceRepo кэширует FindByID поверх любого InstanceRepository.
//
// Каждая попытка записи сбрасывает запись кэша до и после обращения
// к хранилищу, поэтому читатель после собственной записи видит
// актуальную версию. Кэш отдаёт копии.
type CachedInstanceRepo struct {
	InstanceRepository
	cache *expirable.LRU[uuid.UUID, *domain.WorkflowInstance]
}

// NewCachedInstanceRepo создаёт кэширующий декоратор.
func NewCachedInstanceRepo(next InstanceRepository, size int, ttl time.Duration) *CachedInstanceRepo {
	if size <= 0 {
		size = DefaultInstanceCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultInstanceCacheTTL
	}
	return &CachedInstanceRepo{
		InstanceRepository: next,
		cache:              expirable.NewLRU[uuid.UUID, *domain.WorkflowInstance](size, nil, ttl),
	}
}

// FindByID возвращает экземпляр из кэша или из хранилища.
// Запись кэша может отставать от других процессов на TTL: решения
// о переходах принимаются по FindByIDFresh.
func (r *CachedInstanceRepo) FindByID(ctx context.Context, id uuid.UUID) (*domain.WorkflowInstance, error) {
	if inst, ok := r.cache.Get(id); ok {
		return inst.Clone(), nil
	}
	return r.FindByIDFresh(ctx, id)
}

// FindByIDFresh читает экземпляр из хранилища в обход кэша
// и обновляет запись кэша.
func (r *CachedInstanceRepo) FindByIDFresh(ctx context.Context, id uuid.UUID) (*domain.WorkflowInstance, error) {
	inst, err := r.InstanceRepository.FindByID(ctx, id)
	if err != nil {
		r.cache.Remove(id)
		return nil, err
	}
	r.cache.Add(id, inst.Clone())
	return inst, nil
}

// Save сохраняет экземпляр.
func (r *CachedInstanceRepo) Save(ctx context.Context, inst *domain.WorkflowInstance) error {
	defer r.cache.Remove(inst.ID)
	return r.InstanceRepository.Save(ctx, inst)
}

// UpdateStatus меняет статус экземпляра.
func (r *CachedInstanceRepo) UpdateStatus(ctx context.Context, id uuid.UUID, status domain.InstanceStatus, endTime *time.Time, errorMessage string) error {
	r.cache.Remove(id)
	defer r.cache.Remove(id)
	return r.InstanceRepository.UpdateStatus(ctx, id, status, endTime, errorMessage)
}

// UpdateActiveNodes заменяет активные узлы.
func (r *CachedInstanceRepo) UpdateActiveNodes(ctx context.Context, id uuid.UUID, nodes []string, expectedVersion int64) error {
	r.cache.Remove(id)
	defer r.cache.Remove(id)
	return r.InstanceRepository.UpdateActiveNodes(ctx, id, nodes, expectedVersion)
}

// UpdateContext заменяет контекст.
func (r *CachedInstanceRepo) UpdateContext(ctx context.Context, id uuid.UUID, data map[string]any, expectedVersion int64) error {
	r.cache.Remove(id)
	defer r.cache.Remove(id)
	return r.InstanceRepository.UpdateContext(ctx, id, data, expectedVersion)
}

// Advance записывает состояние экземпляра.
func (r *CachedInstanceRepo) Advance(ctx context.Context, inst *domain.WorkflowInstance, expectedVersion int64) error {
	r.cache.Remove(inst.ID)
	defer r.cache.Remove(inst.ID)
	return r.InstanceRepository.Advance(ctx, inst, expectedVersion)
}

// DeleteByID удаляет экземпляр.
func (r *CachedInstanceRepo) DeleteByID(ctx context.Context, id uuid.UUID) error {
	defer r.cache.Remove(id)
	return r.InstanceRepository.DeleteByID(ctx, id)
}

// CleanupExpiredInstances удаляет старые экземпляры и сбрасывает весь кэш.
func (r *CachedInstanceRepo) CleanupExpiredInstances(ctx context.Context, before time.Time) (int64, error) {
	defer r.cache.Purge()
	return r.InstanceRepository.CleanupExpiredInstances(ctx, before)
}

// CachedDefinitions кэширует определения workflow.
type CachedDefinitions struct {
	DefinitionRepository
	cache *expirable.LRU[string, *domain.WorkflowDefinition]
}

// NewCachedDefinitions создаёт кэширующий декоратор определений.
func NewCachedDefinitions(next DefinitionRepository, size int, ttl time.Duration) *CachedDefinitions {
	if size <= 0 {
		size = DefaultDefinitionCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultDefinitionCacheTTL
	}
	return &CachedDefinitions{
		DefinitionRepository: next,
		cache:                expirable.NewLRU[string, *domain.WorkflowDefinition](size, nil, ttl),
	}
}

// FindByID возвращает определение из кэша или из хранилища.
// Определения неизменяемы после загрузки, копия не делается.
func (r *CachedDefinitions) FindByID(ctx context.Context, id string) (*domain.WorkflowDefinition, error) {
	if def, ok := r.cache.Get(id); ok {
		return def, nil
	}
	def, err := r.DefinitionRepository.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	r.cache.Add(id, def)
	return def, nil
}

// Save сохраняет определение.
func (r *CachedDefinitions) Save(ctx context.Context, def *domain.WorkflowDefinition) error {
	defer r.cache.Remove(def.ID)
	return r.DefinitionRepository.Save(ctx, def)
}

// Delete удаляет определение.
func (r *CachedDefinitions) Delete(ctx context.Context, id string) error {
	defer r.cache.Remove(id)
	return r.DefinitionRepository.Delete(ctx, id)
}

// DefaultStatsCacheTTL — время жизни агрегатов по умолчанию.
const DefaultStatsCacheTTL = time.Minute

type statsEntry struct {
	count  int64
	failed []domain.WorkflowInstance
}

// CachedStats кэширует агрегирующие запросы (CountActiveInstances,
// FindFailedRecentMinutes), которые опрашивают sweeper и API.
// Запись экземпляров кэш не сбрасывает: агрегаты устаревают не дольше TTL.
type CachedStats struct {
	InstanceRepository
	cache *expirable.LRU[string, statsEntry]
}

// NewCachedStats создаёт кэширующий декоратор агрегатов.
func NewCachedStats(next InstanceRepository, size int, ttl time.Duration) *CachedStats {
	if size <= 0 {
		size = 16
	}
	if ttl <= 0 {
		ttl = DefaultStatsCacheTTL
	}
	return &CachedStats{
		InstanceRepository: next,
		cache:              expirable.NewLRU[string, statsEntry](size, nil, ttl),
	}
}

// CountActiveInstances возвращает количество активных экземпляров.
func (r *CachedStats) CountActiveInstances(ctx context.Context) (int64, error) {
	const key = "active"
	if e, ok := r.cache.Get(key); ok {
		return e.count, nil
	}
	n, err := r.InstanceRepository.CountActiveInstances(ctx)
	if err != nil {
		return 0, err
	}
	r.cache.Add(key, statsEntry{count: n})
	return n, nil
}

// FindFailedRecentMinutes возвращает упавшие экземпляры за окно.
func (r *CachedStats) FindFailedRecentMinutes(ctx context.Context, minutes int) ([]domain.WorkflowInstance, error) {
	key := "failed:" + strconv.Itoa(minutes)
	if e, ok := r.cache.Get(key); ok {
		return slices.Clone(e.failed), nil
	}
	failed, err := r.InstanceRepository.FindFailedRecentMinutes(ctx, minutes)
	if err != nil {
		return nil, err
	}
	r.cache.Add(key, statsEntry{failed: failed})
	return slices.Clone(failed), nil
}
