package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/shaiso/Relay/internal/domain"
)

// Значения по умолчанию.
const (
	DefaultTimeoutSpec         = "*/1 * * * *"
	DefaultCleanupSpec         = "0 3 * * *"
	DefaultReportSpec          = "*/5 * * * *"
	DefaultGaugeSpec           = "*/1 * * * *"
	DefaultDelayRecoverySpec   = "*/1 * * * *"
	DefaultWorkflowTimeout     = time.Hour
	DefaultRetention           = 30 * 24 * time.Hour
	DefaultFailedWindowMinutes = 60
)

// Orchestrator — переходы, которые выполняет sweeper.
// Реализуется orchestrator.Orchestrator.
type Orchestrator interface {
	SweepTimeouts(ctx context.Context, deadline time.Time) (int, error)
	CleanupExpired(ctx context.Context, before time.Time) (int64, error)
}

// InstanceStats — запросы для отчёта и gauges.
// Реализуется repo.InstanceRepository.
type InstanceStats interface {
	FindFailedRecentMinutes(ctx context.Context, minutes int) ([]domain.WorkflowInstance, error)
	CountActiveInstances(ctx context.Context) (int64, error)
}

// DelayRecoverer запускает просроченные отложенные задачи.
// Реализуется delay.Service.
type DelayRecoverer interface {
	Recover(ctx context.Context) (int, error)
}

// Gauges принимает счётчики экземпляров. Реализуется metrics.Prometheus.
type Gauges interface {
	SetActiveInstances(n int64)
	SetFailedInstances(n int)
}

// Config — конфигурация Sweeper.
type Config struct {
	Orchestrator Orchestrator
	Instances    InstanceStats

	// Gauges — опционально.
	Gauges Gauges

	// Delays — опционально; без него задача delay-recovery не регистрируется.
	Delays DelayRecoverer

	// Cron-выражения задач. Пустое выражение отключает задачу.
	TimeoutSpec string
	CleanupSpec string
	ReportSpec  string
	GaugeSpec   string

	// DelayRecoverySpec — расписание подбора отложенных задач,
	// уведомление о которых потерялось.
	DelayRecoverySpec string

	// WorkflowTimeout — экземпляр RUNNING дольше этого переводится в FAILED.
	WorkflowTimeout time.Duration

	// Retention — через сколько после завершения экземпляр удаляется.
	Retention time.Duration

	// FailedWindowMinutes — окно отчёта о FAILED экземплярах.
	FailedWindowMinutes int

	Logger *slog.Logger
}

// Sweeper — периодические задачи над экземплярами workflow.
//
// Все задачи идемпотентны: несколько sweeper'ов в кластере
// конкурируют через optimistic concurrency репозитория.
type Sweeper struct {
	orch      Orchestrator
	instances InstanceStats
	gauges    Gauges
	delays    DelayRecoverer

	timeout      time.Duration
	retention    time.Duration
	failedWindow int
	cron         *cron.Cron
	logger       *slog.Logger
	now          func() time.Time
	jobs         []string
}

// New создаёт Sweeper и регистрирует cron-задачи.
func New(cfg Config) (*Sweeper, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.WorkflowTimeout <= 0 {
		cfg.WorkflowTimeout = DefaultWorkflowTimeout
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.FailedWindowMinutes <= 0 {
		cfg.FailedWindowMinutes = DefaultFailedWindowMinutes
	}

	cl := cronLogger{logger: logger}
	s := &Sweeper{
		orch:         cfg.Orchestrator,
		instances:    cfg.Instances,
		gauges:       cfg.Gauges,
		delays:       cfg.Delays,
		timeout:      cfg.WorkflowTimeout,
		retention:    cfg.Retention,
		failedWindow: cfg.FailedWindowMinutes,
		logger:       logger,
		now:          time.Now,
		cron: cron.New(
			cron.WithParser(cronParser),
			cron.WithLocation(time.UTC),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
	}

	type job struct {
		name string
		spec string
		run  func(ctx context.Context) error
	}
	jobs := []job{
		{"timeouts", cfg.TimeoutSpec, func(ctx context.Context) error { _, err := s.SweepTimeouts(ctx); return err }},
		{"cleanup", cfg.CleanupSpec, func(ctx context.Context) error { _, err := s.Cleanup(ctx); return err }},
		{"failed-report", cfg.ReportSpec, func(ctx context.Context) error { _, err := s.ReportFailed(ctx); return err }},
		{"gauges", cfg.GaugeSpec, s.UpdateGauges},
	}
	if cfg.Delays != nil {
		jobs = append(jobs, job{"delay-recovery", cfg.DelayRecoverySpec, func(ctx context.Context) error { _, err := s.RecoverDelays(ctx); return err }})
	}

	for _, j := range jobs {
		if j.spec == "" {
			continue
		}
		if err := s.add(j.name, j.spec, j.run); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Sweeper) add(name, spec string, run func(ctx context.Context) error) error {
	if err := ValidateSpec(spec); err != nil {
		return fmt.Errorf("sweeper job %s: %w", name, err)
	}

	_, err := s.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		start := s.now()
		if err := run(ctx); err != nil {
			s.logger.Error("sweeper job failed", "job", name, "error", err)
			return
		}
		s.logger.Debug("sweeper job completed", "job", name, "duration", s.now().Sub(start))
	})
	if err != nil {
		return fmt.Errorf("sweeper job %s: %w", name, err)
	}

	s.jobs = append(s.jobs, name)
	return nil
}

// Jobs возвращает имена зарегистрированных задач.
func (s *Sweeper) Jobs() []string {
	return append([]string(nil), s.jobs...)
}

// Run запускает cron и блокируется до отмены ctx.
// Перед возвратом дожидается выполняющихся задач.
func (s *Sweeper) Run(ctx context.Context) error {
	s.logger.Info("sweeper started", "jobs", s.jobs)
	s.cron.Start()

	<-ctx.Done()

	<-s.cron.Stop().Done()
	s.logger.Info("sweeper stopped")
	return nil
}

// SweepTimeouts переводит в FAILED экземпляры, запущенные раньше now - WorkflowTimeout.
func (s *Sweeper) SweepTimeouts(ctx context.Context) (int, error) {
	deadline := s.now().Add(-s.timeout)
	n, err := s.orch.SweepTimeouts(ctx, deadline)
	if err != nil {
		return n, fmt.Errorf("sweep timeouts: %w", err)
	}
	if n > 0 {
		s.logger.Info("timed out instances failed", "count", n, "deadline", deadline)
	}
	return n, nil
}

// Cleanup удаляет экземпляры, завершённые раньше now - Retention.
func (s *Sweeper) Cleanup(ctx context.Context) (int64, error) {
	before := s.now().Add(-s.retention)
	n, err := s.orch.CleanupExpired(ctx, before)
	if err != nil {
		return n, fmt.Errorf("cleanup: %w", err)
	}
	if n > 0 {
		s.logger.Info("expired instances cleaned up", "count", n, "before", before)
	}
	return n, nil
}

// ReportFailed логирует экземпляры, упавшие за окно отчёта.
func (s *Sweeper) ReportFailed(ctx context.Context) ([]domain.WorkflowInstance, error) {
	failed, err := s.instances.FindFailedRecentMinutes(ctx, s.failedWindow)
	if err != nil {
		return nil, fmt.Errorf("find failed instances: %w", err)
	}

	if s.gauges != nil {
		s.gauges.SetFailedInstances(len(failed))
	}
	for _, inst := range failed {
		s.logger.Warn("workflow instance failed",
			"instance_id", inst.ID,
			"definition_id", inst.DefinitionID,
			"error", inst.ErrorMessage,
		)
	}
	return failed, nil
}

// UpdateGauges обновляет gauge активных экземпляров.
func (s *Sweeper) UpdateGauges(ctx context.Context) error {
	n, err := s.instances.CountActiveInstances(ctx)
	if err != nil {
		return fmt.Errorf("count active instances: %w", err)
	}
	if s.gauges != nil {
		s.gauges.SetActiveInstances(n)
	}
	return nil
}

// RecoverDelays запускает отложенные задачи, срок которых прошёл,
// а уведомление об истечении не дошло ни до одного слушателя.
func (s *Sweeper) RecoverDelays(ctx context.Context) (int, error) {
	if s.delays == nil {
		return 0, nil
	}
	n, err := s.delays.Recover(ctx)
	if err != nil {
		return n, fmt.Errorf("recover delay tasks: %w", err)
	}
	return n, nil
}
