package engine

import (
	"cmp"
	"slices"

	"github.com/shaiso/Relay/internal/domain"
)

// Node — узел в DAG.
type Node struct {
	// Def — определение узла.
	Def *domain.NodeDef

	// ID — идентификатор узла.
	ID string

	// InDegree — количество входящих рёбер (зависимостей).
	InDegree int

	// DependsOn — узлы, от которых зависит этот узел.
	DependsOn []*Node

	// Dependents — узлы, которые зависят от этого узла.
	Dependents []*Node
}

// DAG — направленный ациклический граф узлов workflow.
type DAG struct {
	// Nodes — все узлы графа (nodeID → Node).
	Nodes map[string]*Node

	// RootNodes — узлы без зависимостей (точки входа), отсортированы по ID.
	RootNodes []*Node

	// Order — топологически отсортированный список узлов.
	Order []*Node
}

// BuildDAG валидирует определение и строит DAG.
func BuildDAG(def *domain.WorkflowDefinition) (*DAG, error) {
	if err := Validate(def); err != nil {
		return nil, err
	}

	dag := &DAG{
		Nodes: make(map[string]*Node, len(def.Nodes)),
	}

	// Первый проход: создаём все узлы
	for i := range def.Nodes {
		nodeDef := &def.Nodes[i]
		dag.Nodes[nodeDef.ID] = &Node{
			Def:        nodeDef,
			ID:         nodeDef.ID,
			DependsOn:  make([]*Node, 0),
			Dependents: make([]*Node, 0),
		}
	}

	// Второй проход: связываем узлы по зависимостям
	for i := range def.Nodes {
		nodeDef := &def.Nodes[i]
		node := dag.Nodes[nodeDef.ID]
		for _, depID := range nodeDef.DependsOn {
			dag.addEdge(dag.Nodes[depID], node)
		}
	}

	dag.findRootNodes()

	order, err := dag.topologicalSort()
	if err != nil {
		return nil, err
	}
	dag.Order = order

	return dag, nil
}

// addEdge добавляет ребро между узлами.
// Повторная зависимость не увеличивает InDegree.
func (d *DAG) addEdge(from, to *Node) {
	for _, dep := range to.DependsOn {
		if dep.ID == from.ID {
			return
		}
	}
	from.Dependents = append(from.Dependents, to)
	to.DependsOn = append(to.DependsOn, from)
	to.InDegree++
}

// findRootNodes находит узлы без входящих рёбер.
func (d *DAG) findRootNodes() {
	d.RootNodes = make([]*Node, 0)
	for _, node := range d.Nodes {
		if node.InDegree == 0 {
			d.RootNodes = append(d.RootNodes, node)
		}
	}
	sortNodes(d.RootNodes)
}

// topologicalSort выполняет топологическую сортировку (алгоритм Кана).
// Возвращает ErrCyclicDependency, если обнаружен цикл.
func (d *DAG) topologicalSort() ([]*Node, error) {
	inDegree := make(map[string]int, len(d.Nodes))
	for id, node := range d.Nodes {
		inDegree[id] = node.InDegree
	}

	queue := slices.Clone(d.RootNodes)
	order := make([]*Node, 0, len(d.Nodes))

	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		order = append(order, node)

		for _, dependent := range node.Dependents {
			inDegree[dependent.ID]--
			if inDegree[dependent.ID] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if len(order) != len(d.Nodes) {
		return nil, ErrCyclicDependency
	}
	return order, nil
}

// GetReadyNodes возвращает узлы, готовые к выполнению, отсортированные по ID.
//
// Узел готов, если все его зависимости в completed, а сам он
// не в completed и не в running.
func (d *DAG) GetReadyNodes(completed, running []string) []*Node {
	done := toSet(completed)
	active := toSet(running)

	ready := make([]*Node, 0)
	for _, node := range d.Nodes {
		if done[node.ID] || active[node.ID] {
			continue
		}
		allDepsCompleted := true
		for _, dep := range node.DependsOn {
			if !done[dep.ID] {
				allDepsCompleted = false
				break
			}
		}
		if allDepsCompleted {
			ready = append(ready, node)
		}
	}
	sortNodes(ready)
	return ready
}

// GetNode возвращает узел по ID.
func (d *DAG) GetNode(id string) *Node {
	return d.Nodes[id]
}

// Size возвращает количество узлов в DAG.
func (d *DAG) Size() int {
	return len(d.Nodes)
}

// IsComplete проверяет, все ли узлы завершены.
func (d *DAG) IsComplete(completed []string) bool {
	done := toSet(completed)
	for id := range d.Nodes {
		if !done[id] {
			return false
		}
	}
	return true
}

func toSet(ids []string) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}

func sortNodes(nodes []*Node) {
	slices.SortFunc(nodes, func(a, b *Node) int {
		return cmp.Compare(a.ID, b.ID)
	})
}
