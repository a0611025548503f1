// Relay API — HTTP API для управления workflow.
//
// API:
//   - Определения workflow (CRUD)
//   - Экземпляры: submit, start, pause, resume, cancel, redispatch
//   - Отложенные задачи: submit, get, cancel
//   - Ручной запуск задач sweeper'а
//
// Узлы workflow публикуются в RabbitMQ и выполняются relay-worker.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/shaiso/Relay/internal/api"
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
		slog.Error("relay-api failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load("")
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := telemetry.Setup(cfg.Log.Level, cfg.Log.Format)
	logger.Info("starting relay-api")

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
	publisher := mq.NewPublisher(mqConn, logger)

	// Процессоры живут в воркерах, поэтому Submit их не проверяет.
	orch := orchestrator.New(orchestrator.Config{
		Instances:          stores.Instances,
		Definitions:        stores.Definitions,
		Dispatcher:         publisher,
		MaxConflictRetries: cfg.Orchestrator.MaxConflictRetries,
		Logger:             logger,
	})

	delays := delay.New(store.Store, app.PublishExecutor{Publisher: publisher}, delay.Config{
		KeyPrefix: cfg.Delay.KeyPrefix,
		Grace:     cfg.Delay.Grace,
		Logger:    logger,
	})

	promReg := metrics.NewRegistry()
	collector := metrics.NewPrometheus(promReg)

	// Без cron-выражений: задачи запускаются только через API.
	sw, err := sweeper.New(sweeper.Config{
		Orchestrator:        orch,
		Instances:           stores.Stats,
		Gauges:              collector,
		WorkflowTimeout:     cfg.Sweeper.WorkflowTimeout,
		Retention:           cfg.Sweeper.Retention,
		FailedWindowMinutes: cfg.Sweeper.FailedWindowMinutes,
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
	api.NewHandler(api.Config{
		Workflows:   orch,
		Instances:   stores.Stats,
		Definitions: stores.Definitions,
		Delays:      delays,
		Sweeper:     sw,
		Logger:      logger,
	}).RegisterRoutes(mux)

	err = telemetry.Serve(ctx, config.Addr(cfg.Ports.API), mux, logger)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("relay-api stopped")
	return nil
}
