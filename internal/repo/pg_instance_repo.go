package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/Relay/internal/domain"
)

const instanceColumns = `
	id, definition_id, status, active_nodes, completed_nodes, context, version,
	start_time, end_time, error_message, created_at, updated_at
`

// PgInstanceRepo — репозиторий экземпляров workflow в Postgres.
type PgInstanceRepo struct {
	pool *pgxpool.Pool
}

// NewPgInstanceRepo создаёт новый PgInstanceRepo.
func NewPgInstanceRepo(pool *pgxpool.Pool) *PgInstanceRepo {
	return &PgInstanceRepo{pool: pool}
}

// Save сохраняет новый экземпляр.
func (r *PgInstanceRepo) Save(ctx context.Context, inst *domain.WorkflowInstance) error {
	active, completed, data, err := marshalState(inst)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO workflow_instances (id, definition_id, status, active_nodes, completed_nodes,
		                                context, version, start_time, end_time, error_message,
		                                created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err = r.pool.Exec(ctx, query,
		inst.ID,
		inst.DefinitionID,
		string(inst.Status),
		active,
		completed,
		data,
		inst.Version,
		inst.StartTime,
		inst.EndTime,
		nullString(inst.ErrorMessage),
		inst.CreatedAt,
		inst.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("insert instance: %w", err)
	}
	return nil
}

// FindByID возвращает экземпляр по ID.
func (r *PgInstanceRepo) FindByID(ctx context.Context, id uuid.UUID) (*domain.WorkflowInstance, error) {
	query := `SELECT ` + instanceColumns + `
		FROM workflow_instances
		WHERE id = $1 AND deleted_at IS NULL
	`
	return scanInstance(r.pool.QueryRow(ctx, query, id))
}

// FindByDefinitionID возвращает экземпляры определения.
func (r *PgInstanceRepo) FindByDefinitionID(ctx context.Context, definitionID string) ([]domain.WorkflowInstance, error) {
	query := `SELECT ` + instanceColumns + `
		FROM workflow_instances
		WHERE definition_id = $1 AND deleted_at IS NULL
		ORDER BY created_at DESC
	`
	return r.queryInstances(ctx, query, definitionID)
}

// FindRunningByDefinitionID возвращает RUNNING экземпляры определения.
func (r *PgInstanceRepo) FindRunningByDefinitionID(ctx context.Context, definitionID string) ([]domain.WorkflowInstance, error) {
	query := `SELECT ` + instanceColumns + `
		FROM workflow_instances
		WHERE definition_id = $1 AND status = 'RUNNING' AND deleted_at IS NULL
		ORDER BY created_at DESC
	`
	return r.queryInstances(ctx, query, definitionID)
}

// List возвращает экземпляры с фильтрацией.
func (r *PgInstanceRepo) List(ctx context.Context, filter InstanceFilter) ([]domain.WorkflowInstance, error) {
	query := `SELECT ` + instanceColumns + `
		FROM workflow_instances
		WHERE deleted_at IS NULL
		  AND ($1::text IS NULL OR definition_id = $1)
		  AND ($2::text IS NULL OR status = $2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4
	`
	return r.queryInstances(ctx, query,
		nullString(filter.DefinitionID),
		nullString(string(filter.Status)),
		filter.limit(),
		filter.Offset,
	)
}

// UpdateStatus меняет статус нетерминального экземпляра.
func (r *PgInstanceRepo) UpdateStatus(ctx context.Context, id uuid.UUID, status domain.InstanceStatus, endTime *time.Time, errorMessage string) error {
	query := `
		UPDATE workflow_instances
		SET status = $2,
		    end_time = COALESCE($3, end_time),
		    error_message = COALESCE($4, error_message),
		    start_time = CASE WHEN $2 = 'RUNNING' THEN COALESCE(start_time, now()) ELSE start_time END,
		    version = version + 1,
		    updated_at = now()
		WHERE id = $1 AND deleted_at IS NULL AND status <> ALL($5)
	`
	result, err := r.pool.Exec(ctx, query, id, string(status), endTime, nullString(errorMessage), terminalStatusStrings())
	if err != nil {
		return fmt.Errorf("update instance status: %w", err)
	}
	if result.RowsAffected() == 0 {
		return versionConflict(r.FindByID(ctx, id))
	}
	return nil
}

// UpdateActiveNodes заменяет активные узлы при совпадении версии.
func (r *PgInstanceRepo) UpdateActiveNodes(ctx context.Context, id uuid.UUID, nodes []string, expectedVersion int64) error {
	active, err := json.Marshal(setOrEmpty(nodes))
	if err != nil {
		return fmt.Errorf("marshal active nodes: %w", err)
	}
	query := `
		UPDATE workflow_instances
		SET active_nodes = $2, version = version + 1, updated_at = now()
		WHERE id = $1 AND version = $3 AND deleted_at IS NULL AND status <> ALL($4)
	`
	return r.guardedExec(ctx, id, query, id, active, expectedVersion, terminalStatusStrings())
}

// UpdateContext заменяет контекст при совпадении версии.
func (r *PgInstanceRepo) UpdateContext(ctx context.Context, id uuid.UUID, data map[string]any, expectedVersion int64) error {
	raw, err := json.Marshal(mapOrEmpty(data))
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}
	query := `
		UPDATE workflow_instances
		SET context = $2, version = version + 1, updated_at = now()
		WHERE id = $1 AND version = $3 AND deleted_at IS NULL AND status <> ALL($4)
	`
	return r.guardedExec(ctx, id, query, id, raw, expectedVersion, terminalStatusStrings())
}

// Advance записывает состояние экземпляра одним CAS-обновлением.
func (r *PgInstanceRepo) Advance(ctx context.Context, inst *domain.WorkflowInstance, expectedVersion int64) error {
	active, completed, data, err := marshalState(inst)
	if err != nil {
		return err
	}
	now := time.Now()
	query := `
		UPDATE workflow_instances
		SET status = $2, active_nodes = $3, completed_nodes = $4, context = $5,
		    start_time = $6, end_time = $7, error_message = $8,
		    version = version + 1, updated_at = $9
		WHERE id = $1 AND version = $10 AND deleted_at IS NULL AND status <> ALL($11)
	`
	err = r.guardedExec(ctx, inst.ID, query,
		inst.ID,
		string(inst.Status),
		active,
		completed,
		data,
		inst.StartTime,
		inst.EndTime,
		nullString(inst.ErrorMessage),
		now,
		expectedVersion,
		terminalStatusStrings(),
	)
	if err != nil {
		return err
	}
	inst.Version = expectedVersion + 1
	inst.UpdatedAt = now
	return nil
}

// DeleteByID удаляет экземпляр.
func (r *PgInstanceRepo) DeleteByID(ctx context.Context, id uuid.UUID) error {
	result, err := r.pool.Exec(ctx, `DELETE FROM workflow_instances WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete instance: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// FindTimeoutInstances возвращает RUNNING экземпляры, запущенные раньше deadline.
func (r *PgInstanceRepo) FindTimeoutInstances(ctx context.Context, deadline time.Time) ([]domain.WorkflowInstance, error) {
	query := `SELECT ` + instanceColumns + `
		FROM workflow_instances
		WHERE status = 'RUNNING' AND start_time < $1 AND deleted_at IS NULL
		ORDER BY start_time ASC
	`
	return r.queryInstances(ctx, query, deadline)
}

// FindFailedRecentMinutes возвращает экземпляры, упавшие за последние minutes минут.
func (r *PgInstanceRepo) FindFailedRecentMinutes(ctx context.Context, minutes int) ([]domain.WorkflowInstance, error) {
	since := time.Now().Add(-time.Duration(minutes) * time.Minute)
	query := `SELECT ` + instanceColumns + `
		FROM workflow_instances
		WHERE status = 'FAILED' AND end_time >= $1 AND deleted_at IS NULL
		ORDER BY end_time DESC
	`
	return r.queryInstances(ctx, query, since)
}

// CountActiveInstances возвращает количество нетерминальных экземпляров.
func (r *PgInstanceRepo) CountActiveInstances(ctx context.Context) (int64, error) {
	var n int64
	err := r.pool.QueryRow(ctx, `
		SELECT count(*) FROM workflow_instances
		WHERE status = ANY($1) AND deleted_at IS NULL
	`, activeStatusStrings()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active instances: %w", err)
	}
	return n, nil
}

// CleanupExpiredInstances мягко удаляет финальные экземпляры старше before.
func (r *PgInstanceRepo) CleanupExpiredInstances(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.pool.Exec(ctx, `
		UPDATE workflow_instances
		SET deleted_at = now()
		WHERE status = ANY($1) AND end_time < $2 AND deleted_at IS NULL
	`, terminalStatusStrings(), before)
	if err != nil {
		return 0, fmt.Errorf("cleanup instances: %w", err)
	}
	return result.RowsAffected(), nil
}

// guardedExec выполняет CAS-обновление и определяет причину отказа.
func (r *PgInstanceRepo) guardedExec(ctx context.Context, id uuid.UUID, query string, args ...any) error {
	result, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update instance: %w", err)
	}
	if result.RowsAffected() == 0 {
		return versionConflict(r.FindByID(ctx, id))
	}
	return nil
}

func (r *PgInstanceRepo) queryInstances(ctx context.Context, query string, args ...any) ([]domain.WorkflowInstance, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query instances: %w", err)
	}
	defer rows.Close()

	var out []domain.WorkflowInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *inst)
	}
	return out, rows.Err()
}

// scanInstance сканирует строку в WorkflowInstance.
// pgx.Row и pgx.Rows оба удовлетворяют pgx.Row.
func scanInstance(row pgx.Row) (*domain.WorkflowInstance, error) {
	var (
		inst      domain.WorkflowInstance
		status    string
		active    []byte
		completed []byte
		data      []byte
		errMsg    *string
	)
	err := row.Scan(
		&inst.ID,
		&inst.DefinitionID,
		&status,
		&active,
		&completed,
		&data,
		&inst.Version,
		&inst.StartTime,
		&inst.EndTime,
		&errMsg,
		&inst.CreatedAt,
		&inst.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan instance: %w", err)
	}
	inst.Status = domain.ParseInstanceStatus(status)
	inst.ErrorMessage = derefString(errMsg)
	if err := unmarshalState(&inst, active, completed, data); err != nil {
		return nil, err
	}
	return &inst, nil
}

// marshalState сериализует JSON-колонки экземпляра.
func marshalState(inst *domain.WorkflowInstance) (active, completed, data []byte, err error) {
	if active, err = json.Marshal(setOrEmpty(inst.ActiveNodes)); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal active nodes: %w", err)
	}
	if completed, err = json.Marshal(setOrEmpty(inst.CompletedNodes)); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal completed nodes: %w", err)
	}
	if data, err = json.Marshal(mapOrEmpty(inst.Context)); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal context: %w", err)
	}
	return active, completed, data, nil
}

// unmarshalState восстанавливает JSON-колонки экземпляра.
func unmarshalState(inst *domain.WorkflowInstance, active, completed, data []byte) error {
	inst.ActiveNodes = []string{}
	inst.CompletedNodes = []string{}
	inst.Context = map[string]any{}
	if len(active) > 0 {
		if err := json.Unmarshal(active, &inst.ActiveNodes); err != nil {
			return fmt.Errorf("unmarshal active nodes: %w", err)
		}
	}
	if len(completed) > 0 {
		if err := json.Unmarshal(completed, &inst.CompletedNodes); err != nil {
			return fmt.Errorf("unmarshal completed nodes: %w", err)
		}
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &inst.Context); err != nil {
			return fmt.Errorf("unmarshal context: %w", err)
		}
	}
	return nil
}

func setOrEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func mapOrEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
