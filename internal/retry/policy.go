// Package retry вычисляет задержки и допустимость повторных попыток.
//
// Пакет не выполняет I/O: планирование следующей попытки
// остаётся на вызывающем (worker или DelayTaskService).
package retry

import (
	"math"
	"time"
)

// Policy — политика повторных попыток.
//
// Интервалы задаются в секундах, как в конфигурации.
type Policy struct {
	// MaxRetryTimes — максимальное количество повторов (не считая первую попытку).
	MaxRetryTimes int `json:"max_retry_times" yaml:"max_retry_times"`

	// RetryInterval — базовый интервал в секундах.
	RetryInterval int `json:"retry_interval" yaml:"retry_interval"`

	// ExponentialBackoff — включает экспоненциальный рост задержки.
	ExponentialBackoff bool `json:"exponential_backoff" yaml:"exponential_backoff"`

	// BackoffMultiplier — множитель задержки для каждого следующего повтора.
	BackoffMultiplier float64 `json:"backoff_multiplier" yaml:"backoff_multiplier"`

	// MaxBackoffInterval — верхняя граница задержки в секундах. 0 — без ограничения.
	MaxBackoffInterval int `json:"max_backoff_interval" yaml:"max_backoff_interval"`
}

// DefaultPolicy возвращает политику по умолчанию:
// 3 повтора, 60s, экспоненциально x2, не больше часа.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetryTimes:      3,
		RetryInterval:      60,
		ExponentialBackoff: true,
		BackoffMultiplier:  2,
		MaxBackoffInterval: 3600,
	}
}

// NoRetry возвращает политику без повторов.
func NoRetry() Policy {
	return Policy{}
}

// CanRetry возвращает true, если после currentRetryTimes повторов можно сделать ещё один.
func (p Policy) CanRetry(currentRetryTimes int) bool {
	return currentRetryTimes < p.MaxRetryTimes
}

// CalculateDelay вычисляет задержку перед повтором номер retryCount (с нуля).
//
// Без экспоненты возвращается RetryInterval, иначе
// RetryInterval * BackoffMultiplier^retryCount. Результат всегда
// ограничен MaxBackoffInterval и не убывает с ростом retryCount.
func (p Policy) CalculateDelay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}

	interval := float64(max(p.RetryInterval, 0))

	delay := interval
	if p.ExponentialBackoff {
		// множитель меньше 1 сделал бы задержку убывающей
		multiplier := math.Max(p.BackoffMultiplier, 1)
		delay = interval * math.Pow(multiplier, float64(retryCount))
	}

	if p.MaxBackoffInterval > 0 {
		delay = math.Min(delay, float64(p.MaxBackoffInterval))
	}

	// защита от переполнения time.Duration
	maxSeconds := float64(math.MaxInt64 / int64(time.Second))
	if math.IsInf(delay, 1) || delay > maxSeconds {
		delay = maxSeconds
	}

	return time.Duration(delay * float64(time.Second))
}

// Validate проверяет корректность политики.
func (p Policy) Validate() error {
	switch {
	case p.MaxRetryTimes < 0:
		return errInvalid("max_retry_times must not be negative")
	case p.RetryInterval < 0:
		return errInvalid("retry_interval must not be negative")
	case p.MaxBackoffInterval < 0:
		return errInvalid("max_backoff_interval must not be negative")
	case p.ExponentialBackoff && p.BackoffMultiplier < 1:
		return errInvalid("backoff_multiplier must be >= 1 with exponential backoff")
	}
	return nil
}
