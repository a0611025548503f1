package domain

import (
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"
)

// WorkflowInstance — экземпляр выполнения workflow.
//
// Экземпляр создаётся при submit в статусе PENDING с Version = 0.
// Все дальнейшие изменения проходят через version-guarded обновления
// репозитория: запись успешна только если сохранённая версия равна ожидаемой,
// после чего Version увеличивается на 1.
//
// Состояние экземпляра (ActiveNodes, CompletedNodes, Context) достаточно,
// чтобы любой воркер продолжил выполнение после падения другого.
type WorkflowInstance struct {
	// ID — уникальный идентификатор экземпляра.
	ID uuid.UUID `json:"id"`

	// DefinitionID — определение workflow, которое выполняется.
	DefinitionID string `json:"definition_id"`

	// Status — текущий статус.
	Status InstanceStatus `json:"status"`

	// ActiveNodes — узлы, которые сейчас выполняются (множество, отсортировано).
	ActiveNodes []string `json:"active_nodes"`

	// CompletedNodes — успешно завершённые узлы (множество, отсортировано).
	CompletedNodes []string `json:"completed_nodes"`

	// Context — данные, переносимые между шагами.
	// Outputs узла сохраняются под ключом его ID.
	Context map[string]any `json:"context,omitempty"`

	// Version — счётчик оптимистичной блокировки.
	Version int64 `json:"version"`

	// StartTime — время перехода в RUNNING. Nil, пока экземпляр не запущен.
	StartTime *time.Time `json:"start_time,omitempty"`

	// EndTime — время перехода в финальный статус.
	EndTime *time.Time `json:"end_time,omitempty"`

	// ErrorMessage — причина FAILED.
	ErrorMessage string `json:"error_message,omitempty"`

	// CreatedAt — время создания.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt — время последнего изменения.
	UpdatedAt time.Time `json:"updated_at"`
}

// NewWorkflowInstance создаёт экземпляр в статусе PENDING.
func NewWorkflowInstance(definitionID string, input map[string]any) *WorkflowInstance {
	now := time.Now()
	ctx := maps.Clone(input)
	if ctx == nil {
		ctx = make(map[string]any)
	}
	return &WorkflowInstance{
		ID:             uuid.New(),
		DefinitionID:   definitionID,
		Status:         InstanceStatusPending,
		ActiveNodes:    []string{},
		CompletedNodes: []string{},
		Context:        ctx,
		Version:        0,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Clone возвращает глубокую копию экземпляра (без вложенных map в Context).
func (w *WorkflowInstance) Clone() *WorkflowInstance {
	out := *w
	out.ActiveNodes = slices.Clone(w.ActiveNodes)
	out.CompletedNodes = slices.Clone(w.CompletedNodes)
	out.Context = maps.Clone(w.Context)
	if w.StartTime != nil {
		t := *w.StartTime
		out.StartTime = &t
	}
	if w.EndTime != nil {
		t := *w.EndTime
		out.EndTime = &t
	}
	return &out
}

// IsFinished возвращает true, если экземпляр в финальном статусе.
func (w *WorkflowInstance) IsFinished() bool {
	return w.Status.IsTerminal()
}

// Duration возвращает продолжительность выполнения.
// Возвращает 0, если экземпляр ещё не завершён.
func (w *WorkflowInstance) Duration() time.Duration {
	if w.StartTime == nil || w.EndTime == nil {
		return 0
	}
	return w.EndTime.Sub(*w.StartTime)
}

// IsNodeActive проверяет, выполняется ли узел.
func (w *WorkflowInstance) IsNodeActive(nodeID string) bool {
	return slices.Contains(w.ActiveNodes, nodeID)
}

// IsNodeCompleted проверяет, завершён ли узел.
func (w *WorkflowInstance) IsNodeCompleted(nodeID string) bool {
	return slices.Contains(w.CompletedNodes, nodeID)
}

// ActivateNodes добавляет узлы в ActiveNodes.
func (w *WorkflowInstance) ActivateNodes(nodeIDs ...string) {
	w.ActiveNodes = addToSet(w.ActiveNodes, nodeIDs...)
}

// CompleteNode переносит узел из ActiveNodes в CompletedNodes
// и сохраняет его outputs в Context.
func (w *WorkflowInstance) CompleteNode(nodeID string, outputs map[string]any) {
	w.ActiveNodes = removeFromSet(w.ActiveNodes, nodeID)
	w.CompletedNodes = addToSet(w.CompletedNodes, nodeID)
	if w.Context == nil {
		w.Context = make(map[string]any)
	}
	if outputs != nil {
		w.Context[nodeID] = maps.Clone(outputs)
	}
}

// DeactivateNode убирает узел из ActiveNodes.
func (w *WorkflowInstance) DeactivateNode(nodeID string) {
	w.ActiveNodes = removeFromSet(w.ActiveNodes, nodeID)
}

// MarkRunning переводит PENDING → RUNNING.
func (w *WorkflowInstance) MarkRunning() error {
	if w.Status != InstanceStatusPending {
		return ErrInvalidTransition
	}
	now := time.Now()
	w.Status = InstanceStatusRunning
	w.StartTime = &now
	return nil
}

// MarkSucceeded переводит RUNNING → SUCCEEDED.
func (w *WorkflowInstance) MarkSucceeded() error {
	if w.Status != InstanceStatusRunning {
		return ErrInvalidTransition
	}
	now := time.Now()
	w.Status = InstanceStatusSucceeded
	w.EndTime = &now
	return nil
}

// MarkFailed переводит нетерминальный экземпляр в FAILED с ошибкой.
func (w *WorkflowInstance) MarkFailed(errMsg string) error {
	if w.Status.IsTerminal() {
		return ErrInstanceTerminal
	}
	now := time.Now()
	w.Status = InstanceStatusFailed
	w.EndTime = &now
	w.ErrorMessage = errMsg
	return nil
}

// MarkCancelled переводит нетерминальный экземпляр в CANCELLED.
func (w *WorkflowInstance) MarkCancelled() error {
	if w.Status.IsTerminal() {
		return ErrInstanceTerminal
	}
	now := time.Now()
	w.Status = InstanceStatusCancelled
	w.EndTime = &now
	return nil
}

// MarkPaused переводит RUNNING → PAUSED.
func (w *WorkflowInstance) MarkPaused() error {
	if w.Status != InstanceStatusRunning {
		return ErrInvalidTransition
	}
	w.Status = InstanceStatusPaused
	return nil
}

// MarkResumed переводит PAUSED → RUNNING.
func (w *WorkflowInstance) MarkResumed() error {
	if w.Status != InstanceStatusPaused {
		return ErrInvalidTransition
	}
	w.Status = InstanceStatusRunning
	return nil
}

// addToSet добавляет значения в отсортированное множество.
func addToSet(set []string, values ...string) []string {
	out := slices.Clone(set)
	for _, v := range values {
		if !slices.Contains(out, v) {
			out = append(out, v)
		}
	}
	slices.Sort(out)
	if out == nil {
		out = []string{}
	}
	return out
}

// removeFromSet удаляет значение из множества.
func removeFromSet(set []string, value string) []string {
	out := make([]string, 0, len(set))
	for _, v := range set {
		if v != value {
			out = append(out, v)
		}
	}
	return out
}
