package domain

import (
	"time"
)

// WorkflowDefinition — определение workflow.
//
// Определение — это набор узлов с зависимостями. Каждый узел выполняется
// процессором из реестра. Экземпляры (WorkflowInstance) ссылаются
// на определение по ID.
type WorkflowDefinition struct {
	// ID — уникальный идентификатор определения (например, "order-fulfilment").
	ID string `json:"id"`

	// Name — человекочитаемое имя.
	Name string `json:"name,omitempty"`

	// Nodes — узлы workflow.
	Nodes []NodeDef `json:"nodes"`

	// TimeoutSec — максимальная длительность экземпляра в RUNNING.
	// 0 — используется таймаут sweeper'а. Sweeper проверяет только экземпляры,
	// превысившие общий таймаут, поэтому TimeoutSec может его лишь продлить.
	TimeoutSec int `json:"timeout_sec,omitempty"`

	// CreatedAt — время создания определения.
	CreatedAt time.Time `json:"created_at"`
}

// NodeDef — узел workflow.
type NodeDef struct {
	// ID — уникальный идентификатор узла в рамках определения.
	ID string `json:"id"`

	// Processor — имя процессора в реестре.
	Processor string `json:"processor"`

	// DependsOn — узлы, которые должны завершиться до запуска этого.
	DependsOn []string `json:"depends_on,omitempty"`

	// Params — статические параметры узла.
	Params map[string]any `json:"params,omitempty"`
}

// Timeout возвращает таймаут определения или fallback, если он не задан.
func (d *WorkflowDefinition) Timeout(fallback time.Duration) time.Duration {
	if d.TimeoutSec > 0 {
		return time.Duration(d.TimeoutSec) * time.Second
	}
	return fallback
}

// Node возвращает узел по ID.
func (d *WorkflowDefinition) Node(id string) (*NodeDef, bool) {
	for i := range d.Nodes {
		if d.Nodes[i].ID == id {
			return &d.Nodes[i], true
		}
	}
	return nil, false
}
