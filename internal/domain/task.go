package domain

import (
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"
)

// WorkflowRef — привязка задачи к узлу экземпляра workflow.
type WorkflowRef struct {
	// InstanceID — экземпляр workflow, которому принадлежит узел.
	InstanceID uuid.UUID `json:"instance_id"`

	// NodeID — идентификатор узла в определении workflow.
	NodeID string `json:"node_id"`
}

// TaskContext — входные данные одного вызова процессора.
//
// TaskContext принадлежит вызывающему и не изменяется процессорами:
// пайплайн передаёт процессору копию (Clone).
type TaskContext struct {
	// JobID — идентификатор задания (обязателен).
	JobID string `json:"job_id"`

	// InstanceID — идентификатор конкретного запуска задания.
	// Вместе с JobID образует ключ идемпотентной блокировки.
	InstanceID string `json:"instance_id,omitempty"`

	// Params — параметры вызова.
	Params map[string]any `json:"params,omitempty"`

	// IdempotentKey — ключ "уже выполнено" на уровне сообщения (опционально).
	IdempotentKey string `json:"idempotent_key,omitempty"`

	// PartitionKey — ключ упорядочивания (опционально).
	PartitionKey string `json:"partition_key,omitempty"`

	// Workflow — ссылка на узел workflow, если задача принадлежит экземпляру.
	Workflow *WorkflowRef `json:"workflow,omitempty"`

	// RetryCount — количество уже выполненных повторов.
	RetryCount int `json:"retry_count,omitempty"`
}

// Validate проверяет TaskContext до отправки на выполнение.
func (tc *TaskContext) Validate() error {
	if strings.TrimSpace(tc.JobID) == "" {
		return NewValidationError("job_id", "job id is required")
	}
	if tc.RetryCount < 0 {
		return NewValidationError("retry_count", "retry count must not be negative")
	}
	if tc.Workflow != nil {
		if tc.Workflow.InstanceID == uuid.Nil {
			return NewValidationError("workflow.instance_id", "workflow instance id is required")
		}
		if tc.Workflow.NodeID == "" {
			return NewValidationError("workflow.node_id", "workflow node id is required")
		}
	}
	return nil
}

// Clone возвращает копию с собственной картой параметров.
func (tc TaskContext) Clone() TaskContext {
	out := tc
	out.Params = maps.Clone(tc.Params)
	if tc.Workflow != nil {
		ref := *tc.Workflow
		out.Workflow = &ref
	}
	return out
}

// Param возвращает параметр по ключу.
func (tc *TaskContext) Param(key string) (any, bool) {
	v, ok := tc.Params[key]
	return v, ok
}

// NextAttempt возвращает копию контекста для следующего повтора.
func (tc TaskContext) NextAttempt() TaskContext {
	out := tc.Clone()
	out.RetryCount++
	return out
}

// IsWorkflowBound возвращает true, если задача — узел workflow.
func (tc *TaskContext) IsWorkflowBound() bool {
	return tc.Workflow != nil
}

// TaskResult — результат вызова процессора.
//
// Процессор возвращает статус и output; время старта и длительность
// проставляет пайплайн через Finalize. После этого значение не меняется.
type TaskResult struct {
	// Status — итог вызова.
	Status TaskStatus `json:"status"`

	// Output — выходные данные. Для FAILED/RETRY содержит "message".
	Output map[string]any `json:"output,omitempty"`

	// StartTime — время начала вызова.
	StartTime time.Time `json:"start_time"`

	// Duration — длительность вызова.
	Duration time.Duration `json:"duration"`

	// IdempotentHit — вызов пропущен, так как задача уже выполняется или выполнена.
	IdempotentHit bool `json:"idempotent_hit,omitempty"`
}

// Success создаёт успешный результат.
func Success(output map[string]any) TaskResult {
	return TaskResult{Status: TaskStatusSuccess, Output: output}
}

// Failure создаёт результат бизнес-ошибки.
func Failure(message string) TaskResult {
	return TaskResult{Status: TaskStatusFailed, Output: map[string]any{"message": message}}
}

// RetryLater создаёт результат с просьбой повторить.
func RetryLater(message string) TaskResult {
	return TaskResult{Status: TaskStatusRetry, Output: map[string]any{"message": message}}
}

// Finalize возвращает итоговый результат с временем выполнения.
func (r TaskResult) Finalize(start time.Time, duration time.Duration, hit bool) TaskResult {
	return TaskResult{
		Status:        r.Status,
		Output:        maps.Clone(r.Output),
		StartTime:     start,
		Duration:      duration,
		IdempotentHit: hit,
	}
}

// Message возвращает output["message"], если он строковый.
func (r TaskResult) Message() string {
	if msg, ok := r.Output["message"].(string); ok {
		return msg
	}
	return ""
}

// IsSuccess возвращает true для SUCCESS.
func (r TaskResult) IsSuccess() bool {
	return r.Status == TaskStatusSuccess
}
