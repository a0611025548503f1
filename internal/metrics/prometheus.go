package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/shaiso/Relay/internal/domain"
)

// Prometheus — Collector поверх client_golang.
type Prometheus struct {
	executions *prometheus.CounterVec
	results    *prometheus.CounterVec
	hits       *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	retries    *prometheus.CounterVec

	activeInstances prometheus.Gauge
	failedInstances prometheus.Gauge
	lanes           prometheus.Gauge
	breakerState    *prometheus.GaugeVec
}

// NewRegistry создаёт реестр процесса с метриками Go runtime и процесса.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// NewPrometheus создаёт метрики и регистрирует их в reg.
// nil reg означает prometheus.DefaultRegisterer.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Prometheus{
		executions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_task_executions_total",
				Help: "Total number of processor invocations",
			},
			[]string{"processor"},
		),
		results: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_task_results_total",
				Help: "Total number of processor results by status",
			},
			[]string{"processor", "status"},
		),
		hits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_task_idempotent_hits_total",
				Help: "Invocations skipped because the job was already running or done",
			},
			[]string{"processor"},
		),
		latency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_task_duration_seconds",
				Help:    "Processor execution duration in seconds",
				Buckets: []float64{.01, .05, .1, .5, 1, 2.5, 5, 10, 30, 60, 300},
			},
			[]string{"processor"},
		),
		retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_task_retries_total",
				Help: "Total number of scheduled retries",
			},
			[]string{"processor", "attempt"},
		),
		activeInstances: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "relay_workflow_instances_active",
				Help: "Current number of non-terminal workflow instances",
			},
		),
		failedInstances: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "relay_workflow_instances_failed_recent",
				Help: "Workflow instances failed within the reporting window",
			},
		),
		lanes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "relay_ordered_lanes",
				Help: "Current number of ordered consumer lanes",
			},
		),
		breakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "relay_circuit_breaker_open",
				Help: "Circuit breaker state per processor (0 closed, 1 open, 0.5 half-open)",
			},
			[]string{"processor"},
		),
	}

	reg.MustRegister(
		m.executions,
		m.results,
		m.hits,
		m.latency,
		m.retries,
		m.activeInstances,
		m.failedInstances,
		m.lanes,
		m.breakerState,
	)

	return m
}

// RecordExecution увеличивает счётчик вызовов.
func (m *Prometheus) RecordExecution(processor string) {
	m.executions.WithLabelValues(processor).Inc()
}

// RecordResult учитывает итог вызова.
func (m *Prometheus) RecordResult(processor string, result domain.TaskResult) {
	m.results.WithLabelValues(processor, string(result.Status)).Inc()
	if result.IdempotentHit {
		m.hits.WithLabelValues(processor).Inc()
	}
}

// RecordLatency записывает длительность вызова.
func (m *Prometheus) RecordLatency(processor string, d time.Duration) {
	m.latency.WithLabelValues(processor).Observe(d.Seconds())
}

// RecordRetries учитывает запланированный повтор.
func (m *Prometheus) RecordRetries(processor string, count int) {
	m.retries.WithLabelValues(processor, strconv.Itoa(count)).Inc()
}

// SetActiveInstances выставляет количество активных экземпляров.
func (m *Prometheus) SetActiveInstances(n int64) {
	m.activeInstances.Set(float64(n))
}

// SetFailedInstances выставляет количество недавно упавших экземпляров.
func (m *Prometheus) SetFailedInstances(n int) {
	m.failedInstances.Set(float64(n))
}

// SetLanes выставляет количество полос упорядоченного потребителя.
func (m *Prometheus) SetLanes(n int) {
	m.lanes.Set(float64(n))
}

// SetBreakerState выставляет состояние breaker'а процессора.
func (m *Prometheus) SetBreakerState(processor, state string) {
	var v float64
	switch state {
	case "OPEN":
		v = 1
	case "HALF_OPEN":
		v = 0.5
	}
	m.breakerState.WithLabelValues(processor).Set(v)
}

var _ Collector = (*Prometheus)(nil)
