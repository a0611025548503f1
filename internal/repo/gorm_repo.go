package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/shaiso/Relay/internal/domain"
)

// instanceRecord — строка workflow_instances для gorm.
type instanceRecord struct {
	ID             string `gorm:"primaryKey;size:36"`
	DefinitionID   string `gorm:"size:255;not null;index"`
	Status         string `gorm:"size:16;not null;index"`
	ActiveNodes    string `gorm:"type:text"`
	CompletedNodes string `gorm:"type:text"`
	Context        string `gorm:"type:text"`
	Version        int64  `gorm:"not null;default:0"`
	StartTime      *time.Time
	EndTime        *time.Time
	ErrorMessage   string `gorm:"type:text"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
	DeletedAt      gorm.DeletedAt `gorm:"index"`
}

func (instanceRecord) TableName() string { return "workflow_instances" }

// definitionRecord — строка workflow_definitions для gorm.
type definitionRecord struct {
	ID         string `gorm:"primaryKey;size:255"`
	Name       string
	Nodes      string `gorm:"type:text"`
	TimeoutSec int
	CreatedAt  time.Time
}

func (definitionRecord) TableName() string { return "workflow_definitions" }

// OpenSQLite открывает SQLite базу (":memory:" для встроенного режима).
// SQLite сериализует запись, поэтому пул ограничен одним соединением.
func OpenSQLite(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("sqlite handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}

// MigrateGorm создаёт таблицы через AutoMigrate.
func MigrateGorm(ctx context.Context, db *gorm.DB) error {
	return db.WithContext(ctx).AutoMigrate(&instanceRecord{}, &definitionRecord{})
}

// GormInstanceRepo — репозиторий экземпляров поверх gorm.
type GormInstanceRepo struct {
	db *gorm.DB
}

// NewGormInstanceRepo создаёт новый GormInstanceRepo.
func NewGormInstanceRepo(db *gorm.DB) *GormInstanceRepo {
	return &GormInstanceRepo{db: db}
}

// Save сохраняет новый экземпляр.
func (r *GormInstanceRepo) Save(ctx context.Context, inst *domain.WorkflowInstance) error {
	rec, err := toInstanceRecord(inst)
	if err != nil {
		return err
	}
	result := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(rec)
	if result.Error != nil {
		return fmt.Errorf("insert instance: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrAlreadyExists
	}
	return nil
}

// FindByID возвращает экземпляр по ID.
func (r *GormInstanceRepo) FindByID(ctx context.Context, id uuid.UUID) (*domain.WorkflowInstance, error) {
	var rec instanceRecord
	err := r.db.WithContext(ctx).Where("id = ?", id.String()).Take(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find instance: %w", err)
	}
	return rec.toDomain()
}

// FindByDefinitionID возвращает экземпляры определения.
func (r *GormInstanceRepo) FindByDefinitionID(ctx context.Context, definitionID string) ([]domain.WorkflowInstance, error) {
	return r.find(ctx, r.db.Where("definition_id = ?", definitionID).Order("created_at DESC"))
}

// FindRunningByDefinitionID возвращает RUNNING экземпляры определения.
func (r *GormInstanceRepo) FindRunningByDefinitionID(ctx context.Context, definitionID string) ([]domain.WorkflowInstance, error) {
	return r.find(ctx, r.db.
		Where("definition_id = ? AND status = ?", definitionID, string(domain.InstanceStatusRunning)).
		Order("created_at DESC"))
}

// List возвращает экземпляры с фильтрацией.
func (r *GormInstanceRepo) List(ctx context.Context, filter InstanceFilter) ([]domain.WorkflowInstance, error) {
	q := r.db.Order("created_at DESC").Limit(filter.limit()).Offset(filter.Offset)
	if filter.DefinitionID != "" {
		q = q.Where("definition_id = ?", filter.DefinitionID)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", string(filter.Status))
	}
	return r.find(ctx, q)
}

// UpdateStatus меняет статус нетерминального экземпляра.
func (r *GormInstanceRepo) UpdateStatus(ctx context.Context, id uuid.UUID, status domain.InstanceStatus, endTime *time.Time, errorMessage string) error {
	now := time.Now().UTC()
	updates := map[string]any{
		"status":     string(status),
		"version":    gorm.Expr("version + 1"),
		"updated_at": now,
	}
	if endTime != nil {
		updates["end_time"] = endTime.UTC()
	}
	if errorMessage != "" {
		updates["error_message"] = errorMessage
	}
	if status == domain.InstanceStatusRunning {
		updates["start_time"] = gorm.Expr("COALESCE(start_time, ?)", now)
	}

	result := r.db.WithContext(ctx).Model(&instanceRecord{}).
		Where("id = ? AND status NOT IN ?", id.String(), terminalStatusStrings()).
		Updates(updates)
	return r.checkGuarded(ctx, id, result)
}

// UpdateActiveNodes заменяет активные узлы при совпадении версии.
func (r *GormInstanceRepo) UpdateActiveNodes(ctx context.Context, id uuid.UUID, nodes []string, expectedVersion int64) error {
	active, err := json.Marshal(setOrEmpty(nodes))
	if err != nil {
		return fmt.Errorf("marshal active nodes: %w", err)
	}
	return r.guardedUpdate(ctx, id, expectedVersion, map[string]any{"active_nodes": string(active)})
}

// UpdateContext заменяет контекст при совпадении версии.
func (r *GormInstanceRepo) UpdateContext(ctx context.Context, id uuid.UUID, data map[string]any, expectedVersion int64) error {
	raw, err := json.Marshal(mapOrEmpty(data))
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}
	return r.guardedUpdate(ctx, id, expectedVersion, map[string]any{"context": string(raw)})
}

// Advance записывает состояние экземпляра одним CAS-обновлением.
func (r *GormInstanceRepo) Advance(ctx context.Context, inst *domain.WorkflowInstance, expectedVersion int64) error {
	rec, err := toInstanceRecord(inst)
	if err != nil {
		return err
	}
	updates := map[string]any{
		"status":          rec.Status,
		"active_nodes":    rec.ActiveNodes,
		"completed_nodes": rec.CompletedNodes,
		"context":         rec.Context,
		"start_time":      rec.StartTime,
		"end_time":        rec.EndTime,
		"error_message":   rec.ErrorMessage,
	}
	if err := r.guardedUpdate(ctx, inst.ID, expectedVersion, updates); err != nil {
		return err
	}
	inst.Version = expectedVersion + 1
	inst.UpdatedAt = updates["updated_at"].(time.Time)
	return nil
}

// DeleteByID удаляет экземпляр безвозвратно.
func (r *GormInstanceRepo) DeleteByID(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Unscoped().Where("id = ?", id.String()).Delete(&instanceRecord{})
	if result.Error != nil {
		return fmt.Errorf("delete instance: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// FindTimeoutInstances возвращает RUNNING экземпляры, запущенные раньше deadline.
func (r *GormInstanceRepo) FindTimeoutInstances(ctx context.Context, deadline time.Time) ([]domain.WorkflowInstance, error) {
	return r.find(ctx, r.db.
		Where("status = ? AND start_time < ?", string(domain.InstanceStatusRunning), deadline.UTC()).
		Order("start_time ASC"))
}

// FindFailedRecentMinutes возвращает экземпляры, упавшие за последние minutes минут.
func (r *GormInstanceRepo) FindFailedRecentMinutes(ctx context.Context, minutes int) ([]domain.WorkflowInstance, error) {
	since := time.Now().Add(-time.Duration(minutes) * time.Minute).UTC()
	return r.find(ctx, r.db.
		Where("status = ? AND end_time >= ?", string(domain.InstanceStatusFailed), since).
		Order("end_time DESC"))
}

// CountActiveInstances возвращает количество нетерминальных экземпляров.
func (r *GormInstanceRepo) CountActiveInstances(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&instanceRecord{}).
		Where("status IN ?", activeStatusStrings()).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("count active instances: %w", err)
	}
	return n, nil
}

// CleanupExpiredInstances мягко удаляет финальные экземпляры старше before.
func (r *GormInstanceRepo) CleanupExpiredInstances(ctx context.Context, before time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("status IN ? AND end_time < ?", terminalStatusStrings(), before.UTC()).
		Delete(&instanceRecord{})
	if result.Error != nil {
		return 0, fmt.Errorf("cleanup instances: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func (r *GormInstanceRepo) guardedUpdate(ctx context.Context, id uuid.UUID, expectedVersion int64, updates map[string]any) error {
	updates["version"] = gorm.Expr("version + 1")
	updates["updated_at"] = time.Now().UTC()

	result := r.db.WithContext(ctx).Model(&instanceRecord{}).
		Where("id = ? AND version = ? AND status NOT IN ?", id.String(), expectedVersion, terminalStatusStrings()).
		Updates(updates)
	return r.checkGuarded(ctx, id, result)
}

func (r *GormInstanceRepo) checkGuarded(ctx context.Context, id uuid.UUID, result *gorm.DB) error {
	if result.Error != nil {
		return fmt.Errorf("update instance: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return versionConflict(r.FindByID(ctx, id))
	}
	return nil
}

func (r *GormInstanceRepo) find(ctx context.Context, q *gorm.DB) ([]domain.WorkflowInstance, error) {
	var recs []instanceRecord
	if err := q.WithContext(ctx).Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("query instances: %w", err)
	}
	out := make([]domain.WorkflowInstance, 0, len(recs))
	for i := range recs {
		inst, err := recs[i].toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, *inst)
	}
	return out, nil
}

func toInstanceRecord(inst *domain.WorkflowInstance) (*instanceRecord, error) {
	active, completed, data, err := marshalState(inst)
	if err != nil {
		return nil, err
	}
	return &instanceRecord{
		ID:             inst.ID.String(),
		DefinitionID:   inst.DefinitionID,
		Status:         string(inst.Status),
		ActiveNodes:    string(active),
		CompletedNodes: string(completed),
		Context:        string(data),
		Version:        inst.Version,
		StartTime:      utcPtr(inst.StartTime),
		EndTime:        utcPtr(inst.EndTime),
		ErrorMessage:   inst.ErrorMessage,
		CreatedAt:      inst.CreatedAt.UTC(),
		UpdatedAt:      inst.UpdatedAt.UTC(),
	}, nil
}

func (rec *instanceRecord) toDomain() (*domain.WorkflowInstance, error) {
	id, err := uuid.Parse(rec.ID)
	if err != nil {
		return nil, fmt.Errorf("parse instance id: %w", err)
	}
	inst := &domain.WorkflowInstance{
		ID:           id,
		DefinitionID: rec.DefinitionID,
		Status:       domain.ParseInstanceStatus(rec.Status),
		Version:      rec.Version,
		StartTime:    rec.StartTime,
		EndTime:      rec.EndTime,
		ErrorMessage: rec.ErrorMessage,
		CreatedAt:    rec.CreatedAt,
		UpdatedAt:    rec.UpdatedAt,
	}
	if err := unmarshalState(inst, []byte(rec.ActiveNodes), []byte(rec.CompletedNodes), []byte(rec.Context)); err != nil {
		return nil, err
	}
	return inst, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// GormDefinitionRepo — репозиторий определений поверх gorm.
type GormDefinitionRepo struct {
	db *gorm.DB
}

// NewGormDefinitionRepo создаёт новый GormDefinitionRepo.
func NewGormDefinitionRepo(db *gorm.DB) *GormDefinitionRepo {
	return &GormDefinitionRepo{db: db}
}

// Save создаёт или заменяет определение.
func (r *GormDefinitionRepo) Save(ctx context.Context, def *domain.WorkflowDefinition) error {
	nodesJSON, err := json.Marshal(def.Nodes)
	if err != nil {
		return fmt.Errorf("marshal nodes: %w", err)
	}
	if def.CreatedAt.IsZero() {
		def.CreatedAt = time.Now()
	}
	rec := definitionRecord{
		ID:         def.ID,
		Name:       def.Name,
		Nodes:      string(nodesJSON),
		TimeoutSec: def.TimeoutSec,
		CreatedAt:  def.CreatedAt.UTC(),
	}
	err = r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "nodes", "timeout_sec"}),
	}).Create(&rec).Error
	if err != nil {
		return fmt.Errorf("upsert definition: %w", err)
	}
	return nil
}

// FindByID возвращает определение по ID.
func (r *GormDefinitionRepo) FindByID(ctx context.Context, id string) (*domain.WorkflowDefinition, error) {
	var rec definitionRecord
	if err := r.db.WithContext(ctx).Where("id = ?", id).Take(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find definition: %w", err)
	}
	return rec.toDomain()
}

// List возвращает все определения.
func (r *GormDefinitionRepo) List(ctx context.Context) ([]domain.WorkflowDefinition, error) {
	var recs []definitionRecord
	if err := r.db.WithContext(ctx).Order("id").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list definitions: %w", err)
	}
	out := make([]domain.WorkflowDefinition, 0, len(recs))
	for i := range recs {
		def, err := recs[i].toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, *def)
	}
	return out, nil
}

// Delete удаляет определение.
func (r *GormDefinitionRepo) Delete(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).Where("id = ?", id).Delete(&definitionRecord{})
	if result.Error != nil {
		return fmt.Errorf("delete definition: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (rec *definitionRecord) toDomain() (*domain.WorkflowDefinition, error) {
	def := &domain.WorkflowDefinition{
		ID:         rec.ID,
		Name:       rec.Name,
		TimeoutSec: rec.TimeoutSec,
		CreatedAt:  rec.CreatedAt,
	}
	if rec.Nodes != "" {
		if err := json.Unmarshal([]byte(rec.Nodes), &def.Nodes); err != nil {
			return nil, fmt.Errorf("unmarshal nodes: %w", err)
		}
	}
	return def, nil
}
