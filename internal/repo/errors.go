package repo

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/shaiso/Relay/internal/domain"
)

// Ошибки репозиториев. Конфликт версии экземпляра —
// domain.ErrOptimisticConflict, запись в завершённый — domain.ErrInstanceTerminal.
var (
	// ErrNotFound — экземпляр или определение не найдены.
	ErrNotFound = errors.New("record not found")

	// ErrAlreadyExists — экземпляр с таким ID уже сохранён.
	ErrAlreadyExists = errors.New("record already exists")
)

// pgUniqueViolation — SQLSTATE нарушения уникальности.
const pgUniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

// versionConflict определяет причину неудачного CAS-обновления
// по текущему состоянию записи.
func versionConflict(current *domain.WorkflowInstance, err error) error {
	if err != nil {
		return err
	}
	if current.Status.IsTerminal() {
		return domain.ErrInstanceTerminal
	}
	return domain.ErrOptimisticConflict
}
