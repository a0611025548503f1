package processors

import (
	"context"
	"maps"

	"github.com/shaiso/Relay/internal/domain"
)

// Transform — процессор "transform".
//
// Orchestrator уже отрендерил шаблоны params узла, поэтому Transform
// просто возвращает params как output: так данные передаются
// между узлами workflow.
type Transform struct{}

// Name возвращает "transform".
func (Transform) Name() string { return "transform" }

// Process возвращает params как output.
func (Transform) Process(_ context.Context, tc domain.TaskContext) (domain.TaskResult, error) {
	outputs := maps.Clone(tc.Params)
	if outputs == nil {
		outputs = make(map[string]any)
	}
	return domain.Success(outputs), nil
}
