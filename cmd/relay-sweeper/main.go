// Relay Sweeper — периодические задачи над экземплярами workflow.
//
// Sweeper:
//   - Переводит в FAILED экземпляры, превысившие таймаут
//   - Удаляет завершённые экземпляры старше срока хранения
//   - Отчитывается о FAILED экземплярах за окно
//   - Обновляет gauge активных экземпляров
//   - Запускает отложенные задачи, уведомление о которых потерялось
//
// Можно запускать несколько копий: переходы защищены версией экземпляра.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/shaiso/Relay/internal/app"
	"github.com/shaiso/Relay/internal/config"
	"github.com/shaiso/Relay/internal/delay"
	"github.com/shaiso/Relay/internal/metrics"
	"github.com/shaiso/Relay/internal/mq"
	"github.com/shaiso/Relay/internal/orchestrator"
	"github.com/shaiso/Relay/internal/sweeper"
	"github.com/shaiso/Relay/internal/telemetry"
)

func main() {
	telemetry.SetupLogger()
	if err := run(); err != nil {
		slog.Error("relay-sweeper failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load("")
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := telemetry.Setup(cfg.Log.Level, cfg.Log.Format)
	logger.Info("starting relay-sweeper")

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	stores, err := app.OpenStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer stores.Close()

	store, err := app.OpenKV(ctx, cfg.Redis, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	mqConn, err := mq.NewConnection(cfg.RabbitMQ.URL, logger)
	if err != nil {
		return err
	}
	defer mqConn.Close()
	if err := mq.SetupTopology(ctx, mqConn); err != nil {
		return err
	}

	// Подобранные отложенные задачи уходят воркерам через очередь.
	delays := delay.New(store.Store, app.PublishExecutor{Publisher: mq.NewPublisher(mqConn, logger)}, delay.Config{
		KeyPrefix: cfg.Delay.KeyPrefix,
		Grace:     cfg.Delay.Grace,
		Logger:    logger,
	})

	// Таймауты и очистка не публикуют узлов, dispatcher не нужен.
	orch := orchestrator.New(orchestrator.Config{
		Instances:          stores.Instances,
		Definitions:        stores.Definitions,
		MaxConflictRetries: cfg.Orchestrator.MaxConflictRetries,
		Logger:             logger,
	})

	promReg := metrics.NewRegistry()
	collector := metrics.NewPrometheus(promReg)

	sc := cfg.Sweeper
	sw, err := sweeper.New(sweeper.Config{
		Orchestrator:        orch,
		Instances:           stores.Stats,
		Gauges:              collector,
		Delays:              delays,
		TimeoutSpec:         sc.TimeoutSpec,
		CleanupSpec:         sc.CleanupSpec,
		ReportSpec:          sc.ReportSpec,
		GaugeSpec:           sc.GaugeSpec,
		DelayRecoverySpec:   sc.DelayRecoverySpec,
		WorkflowTimeout:     sc.WorkflowTimeout,
		Retention:           sc.Retention,
		FailedWindowMinutes: sc.FailedWindowMinutes,
		Logger:              logger,
	})
	if err != nil {
		return err
	}

	mux := telemetry.NewServeMux(promReg, map[string]telemetry.HealthCheck{
		"database": stores.Health,
		"kv":       store.Health,
		"rabbitmq": mqConn.Ping,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sw.Run(gctx) })
	g.Go(func() error { return telemetry.Serve(gctx, config.Addr(cfg.Ports.Sweeper), mux, logger) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("relay-sweeper stopped")
	return nil
}
