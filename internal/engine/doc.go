// Package engine описывает структуру workflow.
//
// Включает:
//   - validate.go — валидация WorkflowDefinition
//   - dag.go      — построение и обход DAG узлов
//   - template.go — рендеринг параметров узлов ({{ .order_id }}, {{ .fetch.status }})
//
// Engine не хранит состояние: готовность узлов вычисляется по множествам
// завершённых и выполняющихся узлов экземпляра.
package engine
