package orchestrator

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/shaiso/Relay/internal/domain"
	"github.com/shaiso/Relay/internal/engine"
)

// CompleteNode фиксирует успешное завершение узла.
//
// Outputs сохраняются в Context под ID узла. Затем запускаются узлы,
// ставшие готовыми, или экземпляр переводится в SUCCEEDED, если
// завершены все узлы. В PAUSED новые узлы не запускаются.
//
// Завершение неактивного узла или финального экземпляра игнорируется:
// это повторная доставка или результат после отмены.
func (o *Orchestrator) CompleteNode(ctx context.Context, instanceID uuid.UUID, nodeID string, outputs map[string]any) error {
	_, err := o.transition(ctx, instanceID, "complete node", true, func(inst *domain.WorkflowInstance, dag *engine.DAG) ([]task, error) {
		if inst.IsFinished() || !inst.IsNodeActive(nodeID) {
			o.logger.Debug("node completion ignored",
				"instance_id", instanceID,
				"node_id", nodeID,
				"status", inst.Status,
			)
			return nil, errNoChange
		}

		inst.CompleteNode(nodeID, outputs)

		if inst.Status == domain.InstanceStatusPaused {
			return nil, nil
		}
		if dag.IsComplete(inst.CompletedNodes) {
			return nil, inst.MarkSucceeded()
		}
		return o.activateReady(inst, dag), nil
	})
	return err
}

// FailNode переводит экземпляр в FAILED из-за неустранимой ошибки узла.
// Для неактивного узла или финального экземпляра — no-op.
func (o *Orchestrator) FailNode(ctx context.Context, instanceID uuid.UUID, nodeID, reason string) error {
	_, err := o.transition(ctx, instanceID, "fail node", false, func(inst *domain.WorkflowInstance, _ *engine.DAG) ([]task, error) {
		if inst.IsFinished() || !inst.IsNodeActive(nodeID) {
			return nil, errNoChange
		}

		inst.DeactivateNode(nodeID)
		return nil, inst.MarkFailed(fmt.Sprintf("node %s: %s", nodeID, reason))
	})
	return err
}
