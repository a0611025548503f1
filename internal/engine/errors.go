package engine

import "errors"

// Ошибки валидации WorkflowDefinition.
var (
	// ErrEmptyNodes — определение не содержит узлов.
	ErrEmptyNodes = errors.New("workflow definition has no nodes")

	// ErrEmptyDefinitionID — определение не имеет ID.
	ErrEmptyDefinitionID = errors.New("workflow definition has empty ID")

	// ErrEmptyNodeID — узел не имеет ID.
	ErrEmptyNodeID = errors.New("node has empty ID")

	// ErrDuplicateNodeID — несколько узлов с одинаковым ID.
	ErrDuplicateNodeID = errors.New("duplicate node ID")

	// ErrEmptyProcessor — у узла не указан процессор.
	ErrEmptyProcessor = errors.New("node has empty processor")

	// ErrUnknownProcessor — процессор узла не зарегистрирован.
	ErrUnknownProcessor = errors.New("node references unknown processor")

	// ErrMissingDependency — узел зависит от несуществующего узла.
	ErrMissingDependency = errors.New("node depends on unknown node")

	// ErrCyclicDependency — обнаружен цикл в зависимостях.
	ErrCyclicDependency = errors.New("cyclic dependency detected")

	// ErrSelfDependency — узел зависит от самого себя.
	ErrSelfDependency = errors.New("node depends on itself")
)

// Ошибки рендеринга шаблонов.
var (
	// ErrTemplateRender — ошибка рендеринга шаблона.
	ErrTemplateRender = errors.New("template render failed")

	// ErrTemplateParse — ошибка парсинга шаблона.
	ErrTemplateParse = errors.New("template parse failed")
)

// ValidationError — ошибка валидации с контекстом.
type ValidationError struct {
	NodeID  string // ID узла, где произошла ошибка
	Field   string // поле, вызвавшее ошибку
	Message string // описание ошибки
	Err     error  // базовая ошибка
}

// Error реализует интерфейс error.
func (e *ValidationError) Error() string {
	if e.NodeID != "" {
		return "node " + e.NodeID + ": " + e.Message
	}
	return e.Message
}

// Unwrap возвращает базовую ошибку.
func (e *ValidationError) Unwrap() error {
	return e.Err
}

// NewValidationError создаёт новую ошибку валидации.
func NewValidationError(nodeID, field, message string, err error) *ValidationError {
	return &ValidationError{
		NodeID:  nodeID,
		Field:   field,
		Message: message,
		Err:     err,
	}
}
