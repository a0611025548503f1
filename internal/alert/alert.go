// Package alert — оповещения об исчерпанных повторах.
package alert

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// FailureAlertService отправляет оповещение, когда задача исчерпала повторы.
type FailureAlertService interface {
	SendFailureAlert(ctx context.Context, jobName, errorMessage string, retryCount int) error
}

// Alert — содержимое оповещения.
type Alert struct {
	JobName      string    `json:"job_name"`
	ErrorMessage string    `json:"error_message"`
	RetryCount   int       `json:"retry_count"`
	Timestamp    time.Time `json:"timestamp"`
}

// LogAlerter пишет оповещение в лог.
type LogAlerter struct {
	logger *slog.Logger
}

// NewLogAlerter создаёт LogAlerter.
func NewLogAlerter(logger *slog.Logger) *LogAlerter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogAlerter{logger: logger}
}

// SendFailureAlert логирует оповещение с уровнем Error.
func (a *LogAlerter) SendFailureAlert(ctx context.Context, jobName, errorMessage string, retryCount int) error {
	a.logger.ErrorContext(ctx, "job failed after retries",
		"job", jobName,
		"error", errorMessage,
		"retry_count", retryCount,
	)
	return nil
}

// Multi рассылает оповещение всем получателям.
// Ошибка одного получателя не мешает остальным.
type Multi []FailureAlertService

// SendFailureAlert вызывает каждого получателя и объединяет ошибки.
func (m Multi) SendFailureAlert(ctx context.Context, jobName, errorMessage string, retryCount int) error {
	var errs []error
	for _, a := range m {
		if err := a.SendFailureAlert(ctx, jobName, errorMessage, retryCount); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Noop не отправляет ничего.
type Noop struct{}

// SendFailureAlert ничего не делает.
func (Noop) SendFailureAlert(context.Context, string, string, int) error { return nil }
