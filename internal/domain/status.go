package domain

// InstanceStatus — статус экземпляра workflow.
//
// Жизненный цикл:
//
//	PENDING → RUNNING → SUCCEEDED
//	            ↕     ↘ FAILED
//	          PAUSED
//	(любой нетерминальный) → CANCELLED
type InstanceStatus string

const (
	// InstanceStatusPending — экземпляр создан, но ещё не запущен.
	InstanceStatusPending InstanceStatus = "PENDING"

	// InstanceStatusRunning — экземпляр выполняется.
	InstanceStatusRunning InstanceStatus = "RUNNING"

	// InstanceStatusSucceeded — все узлы завершены успешно.
	InstanceStatusSucceeded InstanceStatus = "SUCCEEDED"

	// InstanceStatusFailed — узел завершился неустранимой ошибкой или истёк таймаут.
	InstanceStatusFailed InstanceStatus = "FAILED"

	// InstanceStatusCancelled — экземпляр отменён извне.
	InstanceStatusCancelled InstanceStatus = "CANCELLED"

	// InstanceStatusPaused — выполнение приостановлено, новые узлы не запускаются.
	InstanceStatusPaused InstanceStatus = "PAUSED"
)

// IsTerminal возвращает true, если статус финальный.
func (s InstanceStatus) IsTerminal() bool {
	switch s {
	case InstanceStatusSucceeded, InstanceStatusFailed, InstanceStatusCancelled:
		return true
	default:
		return false
	}
}

// IsValid проверяет, что статус известен.
func (s InstanceStatus) IsValid() bool {
	switch s {
	case InstanceStatusPending, InstanceStatusRunning, InstanceStatusSucceeded,
		InstanceStatusFailed, InstanceStatusCancelled, InstanceStatusPaused:
		return true
	default:
		return false
	}
}

// TerminalStatuses возвращает все финальные статусы (для SQL-фильтров).
func TerminalStatuses() []InstanceStatus {
	return []InstanceStatus{InstanceStatusSucceeded, InstanceStatusFailed, InstanceStatusCancelled}
}

// ActiveStatuses возвращает все нетерминальные статусы.
func ActiveStatuses() []InstanceStatus {
	return []InstanceStatus{InstanceStatusPending, InstanceStatusRunning, InstanceStatusPaused}
}

// ParseInstanceStatus парсит строку в InstanceStatus.
// Неизвестное значение возвращается как есть; проверяйте через IsValid.
func ParseInstanceStatus(s string) InstanceStatus {
	return InstanceStatus(s)
}

// TaskStatus — итог одного вызова процессора.
type TaskStatus string

const (
	// TaskStatusSuccess — процессор отработал успешно.
	TaskStatusSuccess TaskStatus = "SUCCESS"

	// TaskStatusFailed — бизнес-ошибка, повтор не нужен.
	TaskStatusFailed TaskStatus = "FAILED"

	// TaskStatusRetry — процессор просит повторить вызов позже.
	TaskStatusRetry TaskStatus = "RETRY"
)
