package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Relay/internal/domain"
	"github.com/shaiso/Relay/internal/engine"
	"github.com/shaiso/Relay/internal/telemetry"
)

// task — узел, который нужно отправить после успешной записи перехода.
type task struct {
	nodeID    string
	processor string
	tc        domain.TaskContext
}

// mutation изменяет прочитанный экземпляр и возвращает узлы для запуска.
// dag равен nil, если переход объявлен без графа.
type mutation func(inst *domain.WorkflowInstance, dag *engine.DAG) ([]task, error)

// transition выполняет read-modify-write экземпляра с CAS по version.
//
// При ErrOptimisticConflict экземпляр перечитывается и mutation
// применяется заново, не больше maxRetries раз. Узлы отправляются
// только после успешной записи.
func (o *Orchestrator) transition(ctx context.Context, id uuid.UUID, op string, needsDAG bool, mutate mutation) (*domain.WorkflowInstance, error) {
	for attempt := 0; attempt <= o.maxRetries; attempt++ {
		inst, err := o.loadInstance(ctx, id)
		if err != nil {
			return nil, err
		}

		var dag *engine.DAG
		if needsDAG {
			if dag, err = o.loadDAG(ctx, inst.DefinitionID); err != nil {
				return nil, err
			}
		}

		expected := inst.Version
		tasks, err := mutate(inst, dag)
		if errors.Is(err, errNoChange) {
			return inst, nil
		}
		if err != nil {
			return nil, fmt.Errorf("%s instance %s: %w", op, id, err)
		}

		err = o.instances.Advance(ctx, inst, expected)
		if errors.Is(err, domain.ErrOptimisticConflict) || errors.Is(err, domain.ErrInstanceTerminal) {
			// экземпляр изменился после чтения, повторяем на свежем состоянии
			o.logger.Debug("instance version conflict",
				"instance_id", id,
				"op", op,
				"expected_version", expected,
				"attempt", attempt+1,
			)
			if err := sleepCtx(ctx, time.Duration(attempt+1)*5*time.Millisecond); err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%s instance %s: %w", op, id, err)
		}

		o.logger.Info("workflow instance updated",
			"instance_id", id,
			"op", op,
			"status", inst.Status,
			"version", inst.Version,
			"active_nodes", inst.ActiveNodes,
		)
		o.dispatch(ctx, inst.ID, tasks)
		return inst, nil
	}
	return nil, fmt.Errorf("%w: %s instance %s", ErrTooManyConflicts, op, id)
}

// activateReady помечает готовые узлы активными и готовит их к отправке.
// Если параметры узла не рендерятся, экземпляр переводится в FAILED.
func (o *Orchestrator) activateReady(inst *domain.WorkflowInstance, dag *engine.DAG) []task {
	ready := dag.GetReadyNodes(inst.CompletedNodes, inst.ActiveNodes)
	if len(ready) == 0 {
		return nil
	}

	tasks := make([]task, 0, len(ready))
	for _, node := range ready {
		t, err := newTask(inst, node)
		if err != nil {
			_ = inst.MarkFailed(err.Error())
			return nil
		}
		tasks = append(tasks, t)
		inst.ActivateNodes(node.ID)
	}
	return tasks
}

// newTask строит TaskContext узла. Параметры узла рендерятся
// по Context экземпляра.
func newTask(inst *domain.WorkflowInstance, node *engine.Node) (task, error) {
	params, err := engine.RenderParams(node.Def.Params, inst.Context)
	if err != nil {
		return task{}, fmt.Errorf("node %s: render params: %w", node.ID, err)
	}
	return task{
		nodeID:    node.ID,
		processor: node.Def.Processor,
		tc: domain.TaskContext{
			JobID:        inst.DefinitionID + "." + node.ID,
			InstanceID:   inst.ID.String(),
			Params:       params,
			PartitionKey: inst.ID.String(),
			Workflow: &domain.WorkflowRef{
				InstanceID: inst.ID,
				NodeID:     node.ID,
			},
		},
	}, nil
}

// dispatch отправляет узлы на выполнение.
// Узел, который не удалось отправить, переводит экземпляр в FAILED.
func (o *Orchestrator) dispatch(ctx context.Context, id uuid.UUID, tasks []task) {
	logger := telemetry.WithInstanceID(o.logger, id.String())
	for _, t := range tasks {
		if o.dispatcher == nil {
			logger.Warn("no dispatcher configured, node left active", "node_id", t.nodeID)
			continue
		}

		if err := o.dispatcher.Dispatch(ctx, t.processor, t.tc); err != nil {
			logger.Error("failed to dispatch node",
				"node_id", t.nodeID,
				"processor", t.processor,
				"error", err,
			)
			if ferr := o.FailNode(ctx, id, t.nodeID, "dispatch: "+err.Error()); ferr != nil {
				logger.Error("failed to mark node failed", "node_id", t.nodeID, "error", ferr)
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
