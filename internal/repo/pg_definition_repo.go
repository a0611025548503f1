package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/Relay/internal/domain"
)

// PgDefinitionRepo — репозиторий определений workflow в Postgres.
type PgDefinitionRepo struct {
	pool *pgxpool.Pool
}

// NewPgDefinitionRepo создаёт новый PgDefinitionRepo.
func NewPgDefinitionRepo(pool *pgxpool.Pool) *PgDefinitionRepo {
	return &PgDefinitionRepo{pool: pool}
}

// Save создаёт или заменяет определение.
func (r *PgDefinitionRepo) Save(ctx context.Context, def *domain.WorkflowDefinition) error {
	nodesJSON, err := json.Marshal(def.Nodes)
	if err != nil {
		return fmt.Errorf("marshal nodes: %w", err)
	}
	if def.CreatedAt.IsZero() {
		def.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO workflow_definitions (id, name, nodes, timeout_sec, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name, nodes = EXCLUDED.nodes, timeout_sec = EXCLUDED.timeout_sec
	`
	_, err = r.pool.Exec(ctx, query,
		def.ID,
		nullString(def.Name),
		nodesJSON,
		def.TimeoutSec,
		def.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert definition: %w", err)
	}
	return nil
}

// FindByID возвращает определение по ID.
func (r *PgDefinitionRepo) FindByID(ctx context.Context, id string) (*domain.WorkflowDefinition, error) {
	query := `
		SELECT id, name, nodes, timeout_sec, created_at
		FROM workflow_definitions
		WHERE id = $1
	`
	return scanDefinition(r.pool.QueryRow(ctx, query, id))
}

// List возвращает все определения.
func (r *PgDefinitionRepo) List(ctx context.Context) ([]domain.WorkflowDefinition, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, name, nodes, timeout_sec, created_at
		FROM workflow_definitions
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("list definitions: %w", err)
	}
	defer rows.Close()

	var defs []domain.WorkflowDefinition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, err
		}
		defs = append(defs, *def)
	}
	return defs, rows.Err()
}

// Delete удаляет определение.
func (r *PgDefinitionRepo) Delete(ctx context.Context, id string) error {
	result, err := r.pool.Exec(ctx, `DELETE FROM workflow_definitions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete definition: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanDefinition(row pgx.Row) (*domain.WorkflowDefinition, error) {
	var (
		def       domain.WorkflowDefinition
		name      *string
		nodesJSON []byte
	)
	err := row.Scan(&def.ID, &name, &nodesJSON, &def.TimeoutSec, &def.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan definition: %w", err)
	}
	def.Name = derefString(name)
	if err := json.Unmarshal(nodesJSON, &def.Nodes); err != nil {
		return nil, fmt.Errorf("unmarshal nodes: %w", err)
	}
	return &def, nil
}
