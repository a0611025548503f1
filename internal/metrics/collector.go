// Package metrics — метрики выполнения процессоров.
//
// Collector вызывается пайплайном воркера на каждом вызове.
// По умолчанию используется Noop; Prometheus публикует метрики
// через /metrics.
package metrics

import (
	"time"

	"github.com/shaiso/Relay/internal/domain"
)

// Collector — приёмник метрик выполнения.
type Collector interface {
	// RecordExecution отмечает начало вызова процессора.
	RecordExecution(processor string)

	// RecordResult отмечает итог вызова.
	RecordResult(processor string, result domain.TaskResult)

	// RecordLatency отмечает длительность вызова.
	RecordLatency(processor string, d time.Duration)

	// RecordRetries отмечает запланированный повтор номер count.
	RecordRetries(processor string, count int)
}

// Noop — Collector, который ничего не делает.
type Noop struct{}

func (Noop) RecordExecution(string) {}

func (Noop) RecordResult(string, domain.TaskResult) {}

func (Noop) RecordLatency(string, time.Duration) {}

func (Noop) RecordRetries(string, int) {}

var _ Collector = Noop{}
