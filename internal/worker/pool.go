package worker

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

// Значения пула по умолчанию.
const (
	defaultCoreSize      = 1
	defaultQueueCapacity = 100
	defaultKeepAlive     = 60 * time.Second
)

// PoolConfig — размеры ограниченного пула.
type PoolConfig struct {
	// CoreSize — число постоянных горутин.
	CoreSize int

	// MaxSize — предел горутин при заполненной очереди.
	MaxSize int

	// QueueCapacity — ёмкость очереди задач.
	QueueCapacity int

	// KeepAlive — простой, после которого дополнительная горутина завершается.
	KeepAlive time.Duration
}

// Pool — ограниченный пул горутин.
//
// Новая задача сначала занимает свободное core-место, затем очередь,
// затем дополнительную горутину до MaxSize. Сверх этого Submit
// возвращает ErrPoolFull. Паника задачи логируется и не роняет пул.
type Pool struct {
	name      string
	core      int
	max       int
	keepAlive time.Duration
	logger    *slog.Logger

	mu      sync.Mutex
	queue   chan func()
	workers int
	closed  bool
	wg      sync.WaitGroup
}

// NewPool создаёт пул. Горутины запускаются лениво.
func NewPool(name string, cfg PoolConfig, logger *slog.Logger) *Pool {
	if cfg.CoreSize <= 0 {
		cfg.CoreSize = defaultCoreSize
	}
	if cfg.MaxSize < cfg.CoreSize {
		cfg.MaxSize = cfg.CoreSize
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = defaultQueueCapacity
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = defaultKeepAlive
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Pool{
		name:      name,
		core:      cfg.CoreSize,
		max:       cfg.MaxSize,
		keepAlive: cfg.KeepAlive,
		logger:    logger.With("pool", name),
		queue:     make(chan func(), cfg.QueueCapacity),
	}
}

// Submit ставит задачу в пул без ожидания.
func (p *Pool) Submit(task func()) error {
	if task == nil {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPoolClosed
	}

	if p.workers < p.core {
		p.spawn(task, true)
		return nil
	}

	select {
	case p.queue <- task:
		return nil
	default:
	}

	if p.workers < p.max {
		p.spawn(task, false)
		return nil
	}

	return fmt.Errorf("%w: %s (workers=%d, queued=%d)", ErrPoolFull, p.name, p.workers, len(p.queue))
}

// spawn вызывается под p.mu.
func (p *Pool) spawn(first func(), core bool) {
	p.workers++
	p.wg.Add(1)
	go p.run(first, core)
}

func (p *Pool) run(first func(), core bool) {
	defer func() {
		p.mu.Lock()
		p.workers--
		p.mu.Unlock()
		p.wg.Done()
	}()

	p.exec(first)

	if core {
		for task := range p.queue {
			p.exec(task)
		}
		return
	}

	idle := time.NewTimer(p.keepAlive)
	defer idle.Stop()

	for {
		select {
		case task, ok := <-p.queue:
			if !ok {
				return
			}
			p.exec(task)
			idle.Reset(p.keepAlive)
		case <-idle.C:
			return
		}
	}
}

func (p *Pool) exec(task func()) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("pool task panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	task()
}

// Workers возвращает число живых горутин.
func (p *Pool) Workers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.workers
}

// Queued возвращает число задач в очереди.
func (p *Pool) Queued() int {
	return len(p.queue)
}

// Shutdown закрывает приём задач и ждёт выполнения очереди.
// Повторный вызов безопасен.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown pool %s: %w", p.name, ctx.Err())
	}
}
