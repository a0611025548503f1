// Package sweeper выполняет периодическое обслуживание экземпляров workflow.
//
// Задачи (robfig/cron, UTC):
//   - timeouts      — RUNNING дольше WorkflowTimeout переводятся в FAILED
//   - cleanup       — завершённые экземпляры старше Retention удаляются
//   - failed-report — FAILED за последние FailedWindowMinutes логируются
//   - gauges        — обновление gauge активных экземпляров
//
// Использование:
//
//	sw, err := sweeper.New(sweeper.Config{
//	    Orchestrator: orch,
//	    Instances:    instanceRepo,
//	    Gauges:       prom,
//	    TimeoutSpec:  sweeper.DefaultTimeoutSpec,
//	    Logger:       logger,
//	})
//	if err != nil {
//	    return err
//	}
//	return sw.Run(ctx)
//
// Leader election не нужен: переходы выполняются через
// compare-and-set по версии, повторный проход ничего не меняет.
package sweeper
