package api

import (
	"github.com/google/uuid"

	"github.com/shaiso/Relay/internal/breaker"
)

// SubmitInstanceRequest — запрос на создание экземпляра.
type SubmitInstanceRequest struct {
	DefinitionID string         `json:"definition_id"`
	Input        map[string]any `json:"input,omitempty"`

	// Start — сразу запустить экземпляр (default: true).
	Start *bool `json:"start,omitempty"`
}

// RedispatchResponse — результат повторной отправки узлов.
type RedispatchResponse struct {
	InstanceID uuid.UUID `json:"instance_id"`
	Dispatched int       `json:"dispatched"`
}

// CountResponse — количество активных экземпляров.
type CountResponse struct {
	Active int64 `json:"active"`
}

// SubmitDelayRequest — запрос на планирование отложенной задачи.
type SubmitDelayRequest struct {
	TaskType string         `json:"task_type"`
	TaskID   string         `json:"task_id"`
	Params   map[string]any `json:"params,omitempty"`
	DelaySec int            `json:"delay_sec"`
}

// DelayResponse — ключ запланированной задачи.
type DelayResponse struct {
	Key string `json:"key"`
}

// CancelDelayResponse — результат отмены.
type CancelDelayResponse struct {
	Key       string `json:"key"`
	Cancelled bool   `json:"cancelled"`
}

// SweepResponse — результат ручного обслуживания.
type SweepResponse struct {
	Affected int64 `json:"affected"`
}

// BreakerResponse — состояние circuit breaker процессора.
type BreakerResponse struct {
	Processor string `json:"processor"`
	State     string `json:"state"`
	Calls     int    `json:"calls"`
	Failures  int    `json:"failures"`
	SlowCalls int    `json:"slow_calls"`
}

// BreakerFromStats конвертирует breaker.Stats в BreakerResponse.
func BreakerFromStats(name string, s breaker.Stats) BreakerResponse {
	return BreakerResponse{
		Processor: name,
		State:     string(s.State),
		Calls:     s.Calls,
		Failures:  s.Failures,
		SlowCalls: s.SlowCalls,
	}
}
