package breaker

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// Set — breaker'ы по имени процессора.
//
// Breaker создаётся лениво при первом обращении. Карта — sync.Map,
// поэтому обращения к разным процессорам не конкурируют за общий lock.
type Set struct {
	cfg      Config
	logger   *slog.Logger
	breakers sync.Map // name → *CircuitBreaker
}

// NewSet создаёт пустой набор breaker'ов с общей конфигурацией.
func NewSet(cfg Config, logger *slog.Logger) *Set {
	if logger == nil {
		logger = slog.Default()
	}
	return &Set{cfg: cfg, logger: logger}
}

// Get возвращает breaker процессора, создавая его при необходимости.
func (s *Set) Get(processor string) *CircuitBreaker {
	key := strings.ToLower(strings.TrimSpace(processor))
	if b, ok := s.breakers.Load(key); ok {
		return b.(*CircuitBreaker)
	}
	b, _ := s.breakers.LoadOrStore(key, New(key, s.cfg, s.logger))
	return b.(*CircuitBreaker)
}

// Snapshot возвращает статистику всех breaker'ов, отсортированную по имени.
func (s *Set) Snapshot() map[string]Stats {
	out := make(map[string]Stats)
	s.breakers.Range(func(key, value any) bool {
		out[key.(string)] = value.(*CircuitBreaker).Stats()
		return true
	})
	return out
}

// Names возвращает имена процессоров, для которых создан breaker.
func (s *Set) Names() []string {
	var names []string
	s.breakers.Range(func(key, _ any) bool {
		names = append(names, key.(string))
		return true
	})
	sort.Strings(names)
	return names
}
