package app

import (
	"context"

	"github.com/shaiso/Relay/internal/domain"
	"github.com/shaiso/Relay/internal/mq"
)

// PublishExecutor передаёт сработавшую отложенную задачу воркерам
// через tasks.ready. Используется процессами без локального воркера.
type PublishExecutor struct {
	Publisher *mq.Publisher
}

// Execute публикует задачу. SUCCESS означает подтверждённую публикацию,
// не выполнение.
func (e PublishExecutor) Execute(ctx context.Context, processor string, tc domain.TaskContext) (domain.TaskResult, error) {
	if err := e.Publisher.Dispatch(ctx, processor, tc); err != nil {
		return domain.TaskResult{}, err
	}
	return domain.Success(nil), nil
}
