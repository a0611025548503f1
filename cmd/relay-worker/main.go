// Relay Worker — выполняет задачи процессоров.
//
// Worker:
//   - Получает задачи из RabbitMQ (tasks.ready) и выполняет их по порядку
//     внутри ключа партиции
//   - Выполняет отложенные задачи по истечению ключей в Redis
//   - Повторяет упавшие задачи по RetryPolicy, исчерпанные отправляет в DLQ
//   - Продвигает экземпляры workflow по итогам узлов
//
// Workers масштабируются горизонтально.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/shaiso/Relay/internal/alert"
	"github.com/shaiso/Relay/internal/api"
	"github.com/shaiso/Relay/internal/app"
	"github.com/shaiso/Relay/internal/breaker"
	"github.com/shaiso/Relay/internal/config"
	"github.com/shaiso/Relay/internal/delay"
	"github.com/shaiso/Relay/internal/domain"
	"github.com/shaiso/Relay/internal/idempotency"
	"github.com/shaiso/Relay/internal/metrics"
	"github.com/shaiso/Relay/internal/mq"
	"github.com/shaiso/Relay/internal/orchestrator"
	"github.com/shaiso/Relay/internal/ordered"
	"github.com/shaiso/Relay/internal/processors"
	"github.com/shaiso/Relay/internal/registry"
	"github.com/shaiso/Relay/internal/telemetry"
	"github.com/shaiso/Relay/internal/worker"
)

func main() {
	telemetry.SetupLogger()
	if err := run(); err != nil {
		slog.Error("relay-worker failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load("")
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := telemetry.Setup(cfg.Log.Level, cfg.Log.Format)
	logger.Info("starting relay-worker")

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

	// RabbitMQ
	mqConn, err := mq.NewConnection(cfg.RabbitMQ.URL, logger)
	if err != nil {
		return err
	}
	defer mqConn.Close()
	if err := mq.SetupTopology(ctx, mqConn); err != nil {
		return err
	}
	publisher := mq.NewPublisher(mqConn, logger)

	// Процессоры
	reg := registry.New(logger)
	reg.MustRegister(processors.Builtin(&http.Client{Timeout: 30 * time.Second})...)
	defer reg.Shutdown()

	promReg := metrics.NewRegistry()
	collector := metrics.NewPrometheus(promReg)

	breakers := breaker.NewSet(cfg.CircuitBreaker, logger)
	idem := idempotency.New(store.Store, idempotency.Config{
		LockTTL:   cfg.Idempotency.LockTTL,
		Window:    cfg.Idempotency.TTL,
		KeyPrefix: cfg.Idempotency.KeyPrefix,
		Logger:    logger,
	})

	// Orchestrator и Worker ссылаются друг на друга:
	// узлы выполняются локально, итоги продвигают workflow.
	var w *worker.Worker
	orch := orchestrator.New(orchestrator.Config{
		Instances:   stores.Instances,
		Definitions: stores.Definitions,
		Dispatcher: orchestrator.DispatcherFunc(func(ctx context.Context, processor string, tc domain.TaskContext) error {
			return w.Dispatch(ctx, processor, tc)
		}),
		KnownProcessor:     reg.Has,
		MaxConflictRetries: cfg.Orchestrator.MaxConflictRetries,
		Logger:             logger,
	})

	w = worker.New(worker.Config{
		Registry:    reg,
		Breakers:    breakers,
		Idempotency: idem,
		Metrics:     collector,
		Alerter:     alert.Multi{alert.NewLogAlerter(logger), mq.NewAlerter(publisher)},
		DeadLetter:  publisher,
		Hook:        orch,
		RetryPolicy: &cfg.Retry,
		WorkflowPool: worker.PoolConfig{
			CoreSize:      cfg.Pools.Workflow.CoreSize,
			MaxSize:       cfg.Pools.Workflow.MaxSize,
			QueueCapacity: cfg.Pools.Workflow.QueueCapacity,
		},
		RetryPool: worker.PoolConfig{
			CoreSize:      cfg.Pools.Retry.CoreSize,
			MaxSize:       cfg.Pools.Retry.MaxSize,
			QueueCapacity: cfg.Pools.Retry.QueueCapacity,
		},
		Logger: logger,
	})

	lanes := ordered.New(ordered.Config{
		LaneBuffer:  cfg.Ordered.LaneBuffer,
		IdleTimeout: cfg.Ordered.IdleTimeout,
		Logger:      logger,
	})
	ingress := mq.NewIngress(mq.IngressConfig{
		Ordered:     lanes,
		Executor:    w,
		Idempotency: idem,
		Logger:      logger,
	})
	consumer := mq.NewConsumer(mqConn, logger, mq.ConsumerConfig{
		Queue:     mq.QueueTasksReady,
		Handler:   ingress.Handle,
		Prefetch:  cfg.RabbitMQ.Prefetch,
		ManualAck: true,
	})

	delays := delay.New(store.Store, w, delay.Config{
		KeyPrefix: cfg.Delay.KeyPrefix,
		Grace:     cfg.Delay.Grace,
		Logger:    logger,
	})
	listener := delay.NewListener(delays, store.Store, cfg.Delay.Concurrency, logger)

	// HTTP mux: /healthz, /readyz, /metrics и операционные ручки воркера
	mux := telemetry.NewServeMux(promReg, map[string]telemetry.HealthCheck{
		"database": stores.Health,
		"kv":       store.Health,
		"rabbitmq": mqConn.Ping,
	})
	api.NewHandler(api.Config{
		Processors:  reg,
		Breakers:    breakers,
		WorkerStats: w,
		Logger:      logger,
	}).RegisterRoutes(mux)

	gauges := app.Runtime{Gauges: collector, Lanes: lanes.LaneCount, Breakers: breakers}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return consumer.Start(gctx) })
	g.Go(func() error { return listener.Run(gctx) })
	g.Go(func() error { return gauges.Run(gctx, 5*time.Second) })
	g.Go(func() error { return telemetry.Serve(gctx, config.Addr(cfg.Ports.Worker), mux, logger) })

	err = g.Wait()

	// Останавливаем приём, затем дожидаемся полос и пулов
	shutdownCtx, stop := context.WithTimeout(context.Background(), 30*time.Second)
	defer stop()
	consumer.Stop()
	if err := lanes.Shutdown(shutdownCtx); err != nil {
		logger.Warn("ordered lanes shutdown", "error", err)
	}
	if err := w.Stop(shutdownCtx); err != nil {
		logger.Warn("worker shutdown", "error", err)
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("relay-worker stopped")
	return nil
}
