// Package telemetry обеспечивает наблюдаемость процессов Relay.
//
// Включает:
//   - logging.go — structured logging через slog
//   - http.go — служебный HTTP: /healthz и /metrics
//
// Все бинарники используют единый формат логирования
// и экспортируют метрики на /metrics endpoint.
package telemetry
