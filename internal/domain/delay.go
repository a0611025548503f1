package domain

import "time"

// DelayTaskType — тип отложенной задачи.
// Значение совпадает с именем процессора, который её выполняет.
type DelayTaskType string

const (
	// DelayTaskOrderTimeout — таймаут заказа.
	DelayTaskOrderTimeout DelayTaskType = "order-timeout"

	// DelayTaskMessageDelay — отложенная доставка сообщения.
	DelayTaskMessageDelay DelayTaskType = "message-delay"

	// DelayTaskDataCleanup — очистка данных.
	DelayTaskDataCleanup DelayTaskType = "data-cleanup"

	// DelayTaskStateTransition — отложенный переход состояния.
	DelayTaskStateTransition DelayTaskType = "state-transition"
)

// IsValid проверяет, что тип известен.
func (t DelayTaskType) IsValid() bool {
	switch t {
	case DelayTaskOrderTimeout, DelayTaskMessageDelay, DelayTaskDataCleanup, DelayTaskStateTransition:
		return true
	default:
		return false
	}
}

// DelayTask — задача, которая должна сработать в ExecuteTime.
type DelayTask struct {
	TaskID      string         `json:"task_id"`
	TaskType    DelayTaskType  `json:"task_type"`
	Params      map[string]any `json:"params,omitempty"`
	CreateTime  time.Time      `json:"create_time"`
	ExecuteTime time.Time      `json:"execute_time"`
}
