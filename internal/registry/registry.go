// Package registry хранит реестр процессоров задач.
//
// Процессор — пользовательская реализация задачи. Реестр находит
// процессор по имени без учёта регистра и пробелов по краям.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/shaiso/Relay/internal/domain"
	"github.com/shaiso/Relay/internal/retry"
)

// Ошибки реестра.
var (
	// ErrProcessorNotFound — процессор с таким именем не зарегистрирован.
	ErrProcessorNotFound = errors.New("processor not found")

	// ErrEmptyName — процессор вернул пустое имя.
	ErrEmptyName = errors.New("processor name is empty")
)

// Processor — реализация задачи.
//
// Process получает копию TaskContext и возвращает результат.
// Ошибка (или паника) трактуется пайплайном как ExecutionError
// и повторяется согласно политике. Бизнес-ошибку следует возвращать
// как domain.Failure без error: она не повторяется.
type Processor interface {
	// Name возвращает имя процессора.
	Name() string

	// Process выполняет задачу.
	Process(ctx context.Context, tc domain.TaskContext) (domain.TaskResult, error)
}

// PolicyProvider — процессор с собственной политикой повторов.
type PolicyProvider interface {
	RetryPolicy() retry.Policy
}

// ProcessorFunc — адаптер функции к Processor.
type ProcessorFunc struct {
	name string
	fn   func(ctx context.Context, tc domain.TaskContext) (domain.TaskResult, error)
}

// Func создаёт Processor из функции.
func Func(name string, fn func(ctx context.Context, tc domain.TaskContext) (domain.TaskResult, error)) *ProcessorFunc {
	return &ProcessorFunc{name: name, fn: fn}
}

// Name возвращает имя процессора.
func (p *ProcessorFunc) Name() string { return p.name }

// Process вызывает функцию.
func (p *ProcessorFunc) Process(ctx context.Context, tc domain.TaskContext) (domain.TaskResult, error) {
	return p.fn(ctx, tc)
}

// Registry — реестр процессоров.
//
// Поиск идёт без блокировок (sync.Map): реестр читается на каждом
// вызове задачи, а пишется только при старте воркера.
type Registry struct {
	logger     *slog.Logger
	processors sync.Map // normalized name → Processor
}

// New создаёт пустой реестр.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger}
}

// Normalize приводит имя процессора к ключу реестра.
func Normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Register регистрирует процессор.
// Процессор с тем же именем заменяется, замена логируется.
func (r *Registry) Register(p Processor) error {
	key := Normalize(p.Name())
	if key == "" {
		return fmt.Errorf("%w: %T", ErrEmptyName, p)
	}

	if prev, loaded := r.processors.Swap(key, p); loaded {
		r.logger.Warn("processor replaced",
			"processor", key,
			"previous", fmt.Sprintf("%T", prev),
			"current", fmt.Sprintf("%T", p),
		)
		return nil
	}

	r.logger.Info("processor registered", "processor", key)
	return nil
}

// MustRegister регистрирует процессоры и паникует при ошибке.
func (r *Registry) MustRegister(ps ...Processor) {
	for _, p := range ps {
		if err := r.Register(p); err != nil {
			panic(err)
		}
	}
}

// Find возвращает процессор по имени.
// Возвращает ErrProcessorNotFound, если процессор не найден.
func (r *Registry) Find(name string) (Processor, error) {
	v, ok := r.processors.Load(Normalize(name))
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProcessorNotFound, name)
	}
	return v.(Processor), nil
}

// Has проверяет, зарегистрирован ли процессор.
func (r *Registry) Has(name string) bool {
	_, ok := r.processors.Load(Normalize(name))
	return ok
}

// Unregister удаляет процессор. Возвращает false, если его не было.
func (r *Registry) Unregister(name string) bool {
	_, ok := r.processors.LoadAndDelete(Normalize(name))
	return ok
}

// List возвращает отсортированный список имён.
func (r *Registry) List() []string {
	var names []string
	r.processors.Range(func(key, _ any) bool {
		names = append(names, key.(string))
		return true
	})
	sort.Strings(names)
	return names
}

// Count возвращает количество зарегистрированных процессоров.
func (r *Registry) Count() int {
	n := 0
	r.processors.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Shutdown очищает реестр. Повторный вызов безопасен.
func (r *Registry) Shutdown() {
	r.processors.Clear()
	r.logger.Info("processor registry cleared")
}

// PolicyFor возвращает политику процессора или fallback.
func PolicyFor(p Processor, fallback retry.Policy) retry.Policy {
	if pp, ok := p.(PolicyProvider); ok {
		return pp.RetryPolicy()
	}
	return fallback
}
