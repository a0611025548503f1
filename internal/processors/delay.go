package processors

import (
	"context"
	"time"

	"github.com/shaiso/Relay/internal/domain"
)

// Delay — процессор "delay": ждёт duration_sec секунд (default: 1).
// Отмена ctx прерывает ожидание с ошибкой.
type Delay struct{}

// Name возвращает "delay".
func (Delay) Name() string { return "delay" }

// Process выполняет задержку.
func (Delay) Process(ctx context.Context, tc domain.TaskContext) (domain.TaskResult, error) {
	duration := getDuration(tc.Params, "duration_sec", time.Second)

	timer := time.NewTimer(duration)
	defer timer.Stop()

	select {
	case <-timer.C:
		return domain.Success(map[string]any{"delayed_sec": duration.Seconds()}), nil
	case <-ctx.Done():
		return domain.TaskResult{}, ctx.Err()
	}
}
