// Package cli реализует инструмент командной строки Relay.
//
// # Обзор
//
// CLI — клиентская утилита для административного API Relay.
// Работает через HTTP, не импортирует внутренние пакеты системы.
//
// # Ключевые компоненты
//
// ## Client
//
// HTTP-клиент для API. Инкапсулирует запросы, разбор ответов
// (DataResponse, ListResponse, ErrorResponse) и ошибки (APIError).
//
//	client := cli.NewClient("http://localhost:8080")
//	instances, err := client.ListInstances(cli.ListInstancesOpts{Status: "RUNNING"})
//
// ## Output
//
// Форматирование вывода. Поддерживает два режима:
//   - Таблицы (text/tabwriter) — по умолчанию
//   - JSON — с флагом --json
//
// Данные выводятся в stdout, сообщения (Success/Error) — в stderr:
// relay instance list --json | jq .
//
// ## Commands
//
// Cobra-команды организованы по ресурсам:
//   - instance: list, show, submit, start, pause, resume, cancel, redispatch, failed, count
//   - definition: list, show, apply, delete
//   - delay: submit, show, cancel
//   - sweep: timeouts, cleanup
//   - worker: processors, breakers, stats
//
// Каждая группа создаётся через фабричную функцию (NewInstanceCmd и т.д.),
// принимающую clientFn и outputFn — замыкания для ленивого создания
// Client и Output после парсинга PersistentFlags.
package cli
