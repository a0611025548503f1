// Package breaker реализует circuit breaker для процессоров.
//
// Состояния:
//
//	CLOSED → OPEN → HALF_OPEN → CLOSED
//	                          ↘ OPEN
//
// CLOSED — вызовы проходят, исходы пишутся в скользящее окно.
// Как только в окне набралось MinimumNumberOfCalls исходов и доля ошибок
// или медленных вызовов достигла порога, breaker открывается.
// OPEN — вызовы отклоняются сразу. После WaitDurationInOpenState
// breaker переходит в HALF_OPEN.
// HALF_OPEN — пропускается PermittedCallsInHalfOpenState пробных вызовов.
// Если их исходы ниже порогов, breaker закрывается, иначе снова открывается.
package breaker

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shaiso/Relay/internal/domain"
)

// State — состояние circuit breaker.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// ErrCircuitOpen — вызов отклонён открытым breaker'ом.
var ErrCircuitOpen = domain.ErrCircuitOpen

// Config — пороги circuit breaker.
type Config struct {
	// FailureRateThreshold — порог доли ошибок в процентах.
	FailureRateThreshold float64 `yaml:"failure_rate_threshold"`

	// SlowCallRateThreshold — порог доли медленных вызовов в процентах.
	SlowCallRateThreshold float64 `yaml:"slow_call_rate_threshold"`

	// SlowCallDuration — вызов не короче этой длительности считается медленным.
	SlowCallDuration time.Duration `yaml:"slow_call_duration"`

	// SlidingWindowSize — размер окна (количество последних вызовов).
	SlidingWindowSize int `yaml:"sliding_window_size"`

	// MinimumNumberOfCalls — минимум исходов в окне до оценки порогов.
	MinimumNumberOfCalls int `yaml:"minimum_number_of_calls"`

	// WaitDurationInOpenState — сколько breaker остаётся OPEN до пробы.
	WaitDurationInOpenState time.Duration `yaml:"wait_duration_in_open_state"`

	// PermittedCallsInHalfOpenState — количество пробных вызовов в HALF_OPEN.
	PermittedCallsInHalfOpenState int `yaml:"permitted_calls_in_half_open_state"`
}

// DefaultConfig возвращает конфигурацию по умолчанию.
func DefaultConfig() Config {
	return Config{
		FailureRateThreshold:          50,
		SlowCallRateThreshold:         100,
		SlowCallDuration:              60 * time.Second,
		SlidingWindowSize:             100,
		MinimumNumberOfCalls:          10,
		WaitDurationInOpenState:       60 * time.Second,
		PermittedCallsInHalfOpenState: 10,
	}
}

// Validate проверяет конфигурацию.
func (c Config) Validate() error {
	switch {
	case c.FailureRateThreshold <= 0 || c.FailureRateThreshold > 100:
		return fmt.Errorf("failure_rate_threshold must be in (0, 100]")
	case c.SlowCallRateThreshold <= 0 || c.SlowCallRateThreshold > 100:
		return fmt.Errorf("slow_call_rate_threshold must be in (0, 100]")
	case c.SlidingWindowSize <= 0:
		return fmt.Errorf("sliding_window_size must be positive")
	case c.MinimumNumberOfCalls <= 0:
		return fmt.Errorf("minimum_number_of_calls must be positive")
	case c.PermittedCallsInHalfOpenState <= 0:
		return fmt.Errorf("permitted_calls_in_half_open_state must be positive")
	}
	return nil
}

// outcome — исход одного вызова.
type outcome struct {
	failed bool
	slow   bool
}

// Permit — разрешение на вызов, выданное Allow.
// Хранит поколение состояния, в котором вызов был допущен.
type Permit struct {
	generation uint64
}

// Stats — снимок статистики breaker'а.
type Stats struct {
	State     State
	Calls     int
	Failures  int
	SlowCalls int
}

// CircuitBreaker — breaker одного процессора.
// Потокобезопасен; блокировка только на уровне одного breaker'а.
type CircuitBreaker struct {
	name   string
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	state    State
	window   []outcome // кольцевой буфер
	next     int
	count    int
	openedAt time.Time

	// generation растёт при каждой смене состояния; исходы вызовов,
	// допущенных в прошлом поколении, не учитываются.
	generation uint64

	// HALF_OPEN
	halfOpenAllowed int
	halfOpenResults []outcome
}

// New создаёт breaker в состоянии CLOSED.
func New(name string, cfg Config, logger *slog.Logger) *CircuitBreaker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SlidingWindowSize <= 0 {
		cfg.SlidingWindowSize = DefaultConfig().SlidingWindowSize
	}
	if cfg.MinimumNumberOfCalls <= 0 {
		cfg.MinimumNumberOfCalls = 1
	}
	if cfg.PermittedCallsInHalfOpenState <= 0 {
		cfg.PermittedCallsInHalfOpenState = 1
	}
	return &CircuitBreaker{
		name:   name,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		state:  StateClosed,
		window: make([]outcome, cfg.SlidingWindowSize),
	}
}

// Name возвращает имя процессора.
func (b *CircuitBreaker) Name() string {
	return b.name
}

// State возвращает текущее состояние.
// OPEN с истёкшим ожиданием сообщается как HALF_OPEN.
func (b *CircuitBreaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen()
	return b.state
}

// Allow проверяет, можно ли выполнить вызов.
// Возвращает ErrCircuitOpen, если вызов нужно отклонить.
// Исход допущенного вызова передаётся в Record вместе с Permit.
func (b *CircuitBreaker) Allow() (Permit, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.maybeHalfOpen()

	switch b.state {
	case StateOpen:
		return Permit{}, fmt.Errorf("%w: %s", ErrCircuitOpen, b.name)
	case StateHalfOpen:
		if b.halfOpenAllowed >= b.cfg.PermittedCallsInHalfOpenState {
			return Permit{}, fmt.Errorf("%w: %s (half-open trial calls in flight)", ErrCircuitOpen, b.name)
		}
		b.halfOpenAllowed++
	}
	return Permit{generation: b.generation}, nil
}

// Record записывает исход вызова, пропущенного через Allow.
// Исход вызова, допущенного до последней смены состояния, отбрасывается:
// в HALF_OPEN решают только пробные вызовы.
func (b *CircuitBreaker) Record(p Permit, duration time.Duration, success bool) {
	o := outcome{
		failed: !success,
		slow:   b.cfg.SlowCallDuration > 0 && duration >= b.cfg.SlowCallDuration,
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if p.generation != b.generation {
		b.logger.Debug("stale circuit breaker outcome dropped",
			"processor", b.name, "state", b.state, "success", success)
		return
	}

	switch b.state {
	case StateClosed:
		b.push(o)
		if b.count < b.cfg.MinimumNumberOfCalls {
			return
		}
		failureRate, slowRate := rates(b.snapshot())
		if b.exceeds(failureRate, slowRate) {
			b.transition(StateOpen, "failure_rate", failureRate, "slow_call_rate", slowRate)
		}

	case StateHalfOpen:
		b.halfOpenResults = append(b.halfOpenResults, o)
		if len(b.halfOpenResults) < b.cfg.PermittedCallsInHalfOpenState {
			return
		}
		failureRate, slowRate := rates(b.halfOpenResults)
		if b.exceeds(failureRate, slowRate) {
			b.transition(StateOpen, "failure_rate", failureRate, "slow_call_rate", slowRate)
		} else {
			b.transition(StateClosed, "failure_rate", failureRate, "slow_call_rate", slowRate)
		}

	}
}

// Stats возвращает статистику текущего окна.
func (b *CircuitBreaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen()

	s := Stats{State: b.state, Calls: b.count}
	for _, o := range b.snapshot() {
		if o.failed {
			s.Failures++
		}
		if o.slow {
			s.SlowCalls++
		}
	}
	return s
}

// Reset возвращает breaker в CLOSED и очищает окно.
func (b *CircuitBreaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transition(StateClosed)
}

// maybeHalfOpen переводит OPEN → HALF_OPEN по истечении ожидания.
// Вызывается под mu.
func (b *CircuitBreaker) maybeHalfOpen() {
	if b.state == StateOpen && !b.now().Before(b.openedAt.Add(b.cfg.WaitDurationInOpenState)) {
		b.transition(StateHalfOpen)
	}
}

// transition меняет состояние и сбрасывает соответствующую статистику.
// Вызывается под mu.
func (b *CircuitBreaker) transition(to State, attrs ...any) {
	from := b.state
	b.state = to
	b.generation++

	switch to {
	case StateOpen:
		b.openedAt = b.now()
	case StateHalfOpen:
		b.halfOpenAllowed = 0
		b.halfOpenResults = b.halfOpenResults[:0]
	case StateClosed:
		b.resetWindow()
		b.halfOpenAllowed = 0
		b.halfOpenResults = b.halfOpenResults[:0]
	}

	if from != to {
		b.logger.Info("circuit breaker state changed",
			append([]any{"processor", b.name, "from", from, "to", to}, attrs...)...,
		)
	}
}

func (b *CircuitBreaker) exceeds(failureRate, slowRate float64) bool {
	return failureRate >= b.cfg.FailureRateThreshold || slowRate >= b.cfg.SlowCallRateThreshold
}

func (b *CircuitBreaker) push(o outcome) {
	b.window[b.next] = o
	b.next = (b.next + 1) % len(b.window)
	if b.count < len(b.window) {
		b.count++
	}
}

func (b *CircuitBreaker) snapshot() []outcome {
	if b.count < len(b.window) {
		return b.window[:b.count]
	}
	return b.window
}

func (b *CircuitBreaker) resetWindow() {
	clear(b.window)
	b.next = 0
	b.count = 0
}

// rates возвращает доли ошибок и медленных вызовов в процентах.
func rates(outcomes []outcome) (failureRate, slowRate float64) {
	if len(outcomes) == 0 {
		return 0, 0
	}
	var failures, slow int
	for _, o := range outcomes {
		if o.failed {
			failures++
		}
		if o.slow {
			slow++
		}
	}
	total := float64(len(outcomes))
	return float64(failures) * 100 / total, float64(slow) * 100 / total
}
