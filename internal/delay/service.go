// Package delay — отложенные задачи на TTL-ключах.
//
// Задача хранится под двумя ключами:
//
//	{prefix}data:{type}:{id}    — сериализованная DelayTask, TTL = delay + grace
//	{prefix}trigger:{type}:{id} — пустой триггер, TTL = delay
//
// Истечение триггера — сигнал выполнить задачу. Выполняет тот, кто
// первым удалил data-ключ, поэтому задача срабатывает не более одного
// раза и никогда после успешной отмены.
package delay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"time"

	"github.com/shaiso/Relay/internal/domain"
	"github.com/shaiso/Relay/internal/kv"
)

// Значения по умолчанию.
const (
	DefaultKeyPrefix = "relay:delay:"
	DefaultGrace     = 10 * time.Minute
)

// Ошибки отложенных задач.
var (
	// ErrDelayTaskExists — задача с таким типом и id уже запланирована.
	ErrDelayTaskExists = errors.New("delay task already exists")

	// ErrInvalidKey — ключ не является ключом отложенной задачи.
	ErrInvalidKey = errors.New("invalid delay task key")
)

// Executor выполняет процессор через пайплайн воркера.
type Executor interface {
	Execute(ctx context.Context, processor string, tc domain.TaskContext) (domain.TaskResult, error)
}

// Config — настройки Service.
type Config struct {
	// KeyPrefix — префикс ключей.
	KeyPrefix string

	// Grace — сколько data-ключ живёт после истечения триггера.
	// Даёт слушателю время забрать задачу.
	Grace time.Duration

	Logger *slog.Logger
}

// Service — сервис отложенных задач.
type Service struct {
	store    kv.Store
	executor Executor
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

// New создаёт Service.
func New(store kv.Store, executor Executor, cfg Config) *Service {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultKeyPrefix
	}
	if cfg.Grace <= 0 {
		cfg.Grace = DefaultGrace
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Service{
		store:    store,
		executor: executor,
		cfg:      cfg,
		logger:   cfg.Logger,
		now:      time.Now,
	}
}

func (s *Service) triggerPrefix() string { return s.cfg.KeyPrefix + "trigger:" }
func (s *Service) dataPrefix() string    { return s.cfg.KeyPrefix + "data:" }

// TriggerKey возвращает ключ-триггер задачи.
func (s *Service) TriggerKey(taskType domain.DelayTaskType, taskID string) string {
	return s.triggerPrefix() + string(taskType) + ":" + taskID
}

// IsTriggerKey проверяет, что ключ — триггер отложенной задачи.
func (s *Service) IsTriggerKey(key string) bool {
	return strings.HasPrefix(key, s.triggerPrefix())
}

// dataKey возвращает data-ключ по ключу-триггеру.
func (s *Service) dataKey(triggerKey string) (string, error) {
	if !s.IsTriggerKey(triggerKey) {
		return "", fmt.Errorf("%w: %s", ErrInvalidKey, triggerKey)
	}
	return s.dataPrefix() + strings.TrimPrefix(triggerKey, s.triggerPrefix()), nil
}

// Submit планирует задачу и возвращает её ключ-триггер.
func (s *Service) Submit(ctx context.Context, taskType domain.DelayTaskType, taskID string, params map[string]any, delay time.Duration) (string, error) {
	if !taskType.IsValid() {
		return "", domain.NewValidationError("task_type", fmt.Sprintf("unknown delay task type %q", taskType))
	}
	if strings.TrimSpace(taskID) == "" {
		return "", domain.NewValidationError("task_id", "task id is required")
	}
	if delay <= 0 {
		return "", domain.NewValidationError("delay", "delay must be positive")
	}

	now := s.now().UTC()
	task := domain.DelayTask{
		TaskID:      taskID,
		TaskType:    taskType,
		Params:      maps.Clone(params),
		CreateTime:  now,
		ExecuteTime: now.Add(delay),
	}

	payload, err := json.Marshal(task)
	if err != nil {
		return "", fmt.Errorf("marshal delay task: %w", err)
	}

	trigger := s.TriggerKey(taskType, taskID)
	data, _ := s.dataKey(trigger)

	ok, err := s.store.SetIfAbsent(ctx, data, string(payload), delay+s.cfg.Grace)
	if err != nil {
		return "", fmt.Errorf("store delay task: %w", err)
	}
	if !ok {
		return "", fmt.Errorf("%w: %s/%s", ErrDelayTaskExists, taskType, taskID)
	}

	if err := s.store.Set(ctx, trigger, "", delay); err != nil {
		// без триггера задача никогда не сработает
		if _, delErr := s.store.Delete(ctx, data); delErr != nil {
			s.logger.Error("failed to roll back delay task", "key", data, "error", delErr)
		}
		return "", fmt.Errorf("store delay trigger: %w", err)
	}

	s.logger.Info("delay task submitted",
		"task_type", taskType,
		"task_id", taskID,
		"execute_time", task.ExecuteTime,
	)

	return trigger, nil
}

// Cancel отменяет задачу. Возвращает false, если задачи уже нет
// (отменена, сработала или истекла).
func (s *Service) Cancel(ctx context.Context, key string) (bool, error) {
	data, err := s.dataKey(key)
	if err != nil {
		return false, err
	}

	// Сначала data: после этого Fire гарантированно ничего не выполнит
	removed, err := s.store.Delete(ctx, data)
	if err != nil {
		return false, fmt.Errorf("cancel delay task: %w", err)
	}
	if _, err := s.store.Delete(ctx, key); err != nil {
		s.logger.Warn("failed to delete delay trigger", "key", key, "error", err)
	}

	if removed {
		s.logger.Info("delay task cancelled", "key", key)
	}
	return removed, nil
}

// Get возвращает запланированную задачу.
func (s *Service) Get(ctx context.Context, key string) (*domain.DelayTask, error) {
	data, err := s.dataKey(key)
	if err != nil {
		return nil, err
	}

	raw, err := s.store.Get(ctx, data)
	if err != nil {
		return nil, err
	}

	var task domain.DelayTask
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		return nil, fmt.Errorf("unmarshal delay task %s: %w", key, err)
	}
	return &task, nil
}

// triggerKeyOf возвращает ключ-триггер по data-ключу.
func (s *Service) triggerKeyOf(dataKey string) string {
	return s.triggerPrefix() + strings.TrimPrefix(dataKey, s.dataPrefix())
}

// Recover запускает задачи, срок которых наступил, но уведомление
// об истечении триггера никто не получил (слушатель был остановлен).
// Data-ключ живёт ещё Grace после срока, в это окно задачу можно забрать.
// Захват через Fire, поэтому Recover безопасно вызывать параллельно
// со слушателем и другими процессами. Возвращает число запущенных задач.
func (s *Service) Recover(ctx context.Context) (int, error) {
	keys, err := s.store.Keys(ctx, s.dataPrefix())
	if err != nil {
		return 0, fmt.Errorf("list delay tasks: %w", err)
	}

	now := s.now()
	fired := 0
	var errs []error
	for _, data := range keys {
		trigger := s.triggerKeyOf(data)
		task, err := s.Get(ctx, trigger)
		if errors.Is(err, kv.ErrNotFound) {
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if task.ExecuteTime.After(now) {
			continue
		}

		ok, err := s.Fire(ctx, trigger)
		if ok {
			fired++
		}
		if err != nil {
			errs = append(errs, err)
		}
	}

	if fired > 0 {
		s.logger.Warn("overdue delay tasks recovered", "count", fired)
	}
	return fired, errors.Join(errs...)
}

// Fire выполняет задачу по истёкшему триггеру.
//
// Возвращает fired=false, если задачу уже забрал другой слушатель
// или она была отменена.
func (s *Service) Fire(ctx context.Context, key string) (bool, error) {
	task, err := s.Get(ctx, key)
	if errors.Is(err, kv.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	data, _ := s.dataKey(key)
	claimed, err := s.store.Delete(ctx, data)
	if err != nil {
		return false, fmt.Errorf("claim delay task: %w", err)
	}
	if !claimed {
		return false, nil
	}

	tc := domain.TaskContext{
		JobID:      "delay:" + string(task.TaskType),
		InstanceID: task.TaskID,
		Params:     task.Params,
	}

	logger := s.logger.With("task_type", task.TaskType, "task_id", task.TaskID)
	logger.Info("delay task fired", "lag", s.now().Sub(task.ExecuteTime))

	result, err := s.executor.Execute(ctx, string(task.TaskType), tc)
	if err != nil {
		return true, fmt.Errorf("execute delay task %s: %w", key, err)
	}
	if !result.IsSuccess() {
		logger.Warn("delay task finished without success",
			"status", result.Status,
			"message", result.Message(),
		)
	}
	return true, nil
}
