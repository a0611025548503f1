package worker

import "errors"

// Ошибки воркера.
var (
	// ErrPoolFull — пул и его очередь заполнены, задача отклонена.
	ErrPoolFull = errors.New("worker pool is full")

	// ErrPoolClosed — пул остановлен.
	ErrPoolClosed = errors.New("worker pool is closed")

	// ErrWorkerStopped — воркер остановлен.
	ErrWorkerStopped = errors.New("worker stopped")

	// ErrUnknownProcessor — процессор задачи не зарегистрирован.
	ErrUnknownProcessor = errors.New("unknown processor")
)
