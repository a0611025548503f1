package orchestrator

import "errors"

// Ошибки оркестратора.
var (
	// ErrInstanceNotFound — экземпляр не найден.
	ErrInstanceNotFound = errors.New("workflow instance not found")

	// ErrDefinitionNotFound — определение workflow не найдено.
	ErrDefinitionNotFound = errors.New("workflow definition not found")

	// ErrInvalidDefinition — определение не прошло валидацию.
	ErrInvalidDefinition = errors.New("invalid workflow definition")

	// ErrTooManyConflicts — переход не удался после всех повторов.
	ErrTooManyConflicts = errors.New("too many optimistic concurrency conflicts")
)

// errNoChange — переход не нужен, экземпляр не записывается.
var errNoChange = errors.New("no change")
