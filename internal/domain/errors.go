package domain

import (
	"errors"
	"fmt"
)

// Ошибки выполнения задач и workflow.
var (
	// ErrLockContention — распределённая блокировка уже занята другим воркером.
	// Это не ошибка выполнения: задача уже выполняется или выполнена.
	ErrLockContention = errors.New("idempotency lock not acquired")

	// ErrOptimisticConflict — версия экземпляра не совпала с ожидаемой.
	// Вызывающий должен перечитать экземпляр и повторить.
	ErrOptimisticConflict = errors.New("optimistic concurrency conflict")

	// ErrInstanceTerminal — экземпляр в финальном статусе, изменения запрещены.
	ErrInstanceTerminal = errors.New("workflow instance is in terminal status")

	// ErrInvalidTransition — переход недопустим для текущего статуса.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrCircuitOpen — circuit breaker процессора открыт, вызов отклонён сразу.
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrExecution — базовая ошибка для ExecutionError.
	ErrExecution = errors.New("processor execution error")

	// ErrRetriesExhausted — базовая ошибка для ExhaustedRetriesError.
	ErrRetriesExhausted = errors.New("retry attempts exhausted")

	// ErrValidation — базовая ошибка для ValidationError.
	ErrValidation = errors.New("validation failed")
)

// ValidationError — некорректный TaskContext или запрос.
// Отклоняется до выполнения и не повторяется.
type ValidationError struct {
	Field   string // поле, вызвавшее ошибку
	Message string // описание ошибки
}

// Error реализует интерфейс error.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return "validation: " + e.Field + ": " + e.Message
	}
	return "validation: " + e.Message
}

// Unwrap возвращает базовую ошибку.
func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// NewValidationError создаёт новую ошибку валидации.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// ExecutionError — процессор вернул ошибку или запаниковал.
// Повторяется согласно RetryPolicy.
type ExecutionError struct {
	Processor string
	Err       error
}

// Error реализует интерфейс error.
func (e *ExecutionError) Error() string {
	return fmt.Sprintf("processor %s: %v", e.Processor, e.Err)
}

// Unwrap возвращает обе причины: ErrExecution и исходную ошибку.
func (e *ExecutionError) Unwrap() []error {
	return []error{ErrExecution, e.Err}
}

// ExhaustedRetriesError — все попытки исчерпаны, задача помечена FAILED.
type ExhaustedRetriesError struct {
	JobID      string
	RetryCount int
	LastError  string
}

// Error реализует интерфейс error.
func (e *ExhaustedRetriesError) Error() string {
	return fmt.Sprintf("job %s: retries exhausted after %d retries: %s", e.JobID, e.RetryCount, e.LastError)
}

// Unwrap возвращает базовую ошибку.
func (e *ExhaustedRetriesError) Unwrap() error {
	return ErrRetriesExhausted
}

// IsTransient возвращает true для ошибок, которые повторяются локально.
func IsTransient(err error) bool {
	return errors.Is(err, ErrExecution) || errors.Is(err, ErrOptimisticConflict)
}
