// Package api содержит административный HTTP API.
//
// Структура:
//   - handler.go            — Handler с DI (оркестратор, репозитории, delay, sweeper)
//   - routes.go             — регистрация маршрутов
//   - middleware.go         — middleware (request id, logging, recovery)
//   - response.go           — унифицированные JSON-ответы и обработка ошибок
//   - dto.go                — Data Transfer Objects (request/response)
//   - instance_handler.go   — /instances
//   - definition_handler.go — /definitions
//   - delay_handler.go      — /delays
//   - ops_handler.go        — /sweep, /processors, /breakers, /worker
//
// Маршруты регистрируются только для заданных зависимостей: процесс
// воркера отдаёт /processors и /breakers, процесс relay-api — остальное.
package api
