// Package ordered обрабатывает сообщения строго по порядку внутри ключа партиции.
//
// Для каждого ключа лениво создаётся полоса (lane) — горутина с буферизованным
// каналом. Сообщения одного ключа выполняются последовательно в порядке
// постановки, сообщения разных ключей — параллельно.
//
// Полоса без сообщений дольше IdleTimeout закрывается и удаляется из карты.
// Следующее сообщение с тем же ключом создаёт новую полосу.
package ordered

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// Значения по умолчанию.
const (
	DefaultLaneBuffer  = 64
	DefaultIdleTimeout = time.Minute
)

// ErrClosed — потребитель остановлен.
var ErrClosed = errors.New("ordered consumer is closed")

// Message — сообщение с ключом партиции.
type Message struct {
	// PartitionKey — ключ упорядочивания. Пустой ключ — без упорядочивания.
	PartitionKey string

	// ID — идентификатор сообщения (для логов).
	ID string

	// Payload — содержимое сообщения.
	Payload any
}

// Handler обрабатывает сообщение.
type Handler func(ctx context.Context, msg Message) error

// Config — настройки Consumer.
type Config struct {
	// LaneBuffer — ёмкость очереди одной полосы.
	LaneBuffer int

	// IdleTimeout — через сколько простоя полоса удаляется.
	IdleTimeout time.Duration

	Logger *slog.Logger
}

type job struct {
	msg     Message
	handler Handler
}

type lane struct {
	key     string
	mu      sync.Mutex
	ch      chan job
	retired bool
}

// Consumer — упорядоченный потребитель сообщений.
type Consumer struct {
	cfg    Config
	logger *slog.Logger

	lanes  sync.Map // partition key → *lane
	count  atomic.Int64
	closed atomic.Bool
	wg     sync.WaitGroup

	// spawnMu упорядочивает запуск полос и закрытие: после Shutdown
	// новая полоса не запускается и wg.Add не вызывается.
	spawnMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
}

// New создаёт Consumer.
func New(cfg Config) *Consumer {
	if cfg.LaneBuffer <= 0 {
		cfg.LaneBuffer = DefaultLaneBuffer
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		cfg:    cfg,
		logger: cfg.Logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Consume ставит сообщение в полосу его ключа.
//
// Без ключа handler выполняется сразу в вызывающей горутине.
// Вызов блокируется, пока в полосе нет места или не отменён ctx.
// Ошибки и паники handler'а логируются и не влияют на следующие сообщения.
func (c *Consumer) Consume(ctx context.Context, msg Message, handler Handler) error {
	if c.closed.Load() {
		return ErrClosed
	}

	if msg.PartitionKey == "" {
		c.run(ctx, job{msg: msg, handler: handler})
		return nil
	}

	j := job{msg: msg, handler: handler}
	for {
		l, err := c.laneFor(msg.PartitionKey)
		if err != nil {
			return err
		}

		l.mu.Lock()
		if c.closed.Load() {
			l.mu.Unlock()
			return ErrClosed
		}
		if l.retired {
			// полоса закрылась по простою между Load и Lock
			l.mu.Unlock()
			continue
		}

		select {
		case l.ch <- j:
			l.mu.Unlock()
			return nil
		case <-ctx.Done():
			l.mu.Unlock()
			return ctx.Err()
		}
	}
}

// laneFor возвращает полосу ключа, создавая её при необходимости.
// После Shutdown новая полоса не создаётся.
func (c *Consumer) laneFor(key string) (*lane, error) {
	if v, ok := c.lanes.Load(key); ok {
		return v.(*lane), nil
	}

	c.spawnMu.Lock()
	defer c.spawnMu.Unlock()
	if c.closed.Load() {
		return nil, ErrClosed
	}

	fresh := &lane{key: key, ch: make(chan job, c.cfg.LaneBuffer)}
	v, loaded := c.lanes.LoadOrStore(key, fresh)
	if !loaded {
		c.count.Add(1)
		c.wg.Add(1)
		go c.loop(fresh)
	}
	return v.(*lane), nil
}

// loop — горутина полосы.
func (c *Consumer) loop(l *lane) {
	defer c.wg.Done()
	defer c.count.Add(-1)

	idle := time.NewTimer(c.cfg.IdleTimeout)
	defer idle.Stop()

	for {
		select {
		case j, ok := <-l.ch:
			if !ok {
				return
			}
			c.run(c.ctx, j)
			idle.Reset(c.cfg.IdleTimeout)

		case <-idle.C:
			// Производитель может держать mu, ожидая места в канале.
			// Тогда полоса не простаивает.
			if !l.mu.TryLock() {
				idle.Reset(c.cfg.IdleTimeout)
				continue
			}
			if len(l.ch) > 0 || l.retired {
				l.mu.Unlock()
				idle.Reset(c.cfg.IdleTimeout)
				continue
			}
			l.retired = true
			c.lanes.CompareAndDelete(l.key, l)
			close(l.ch)
			l.mu.Unlock()

			c.logger.Debug("idle lane evicted", "partition_key", l.key)
			return
		}
	}
}

// run выполняет handler, перехватывая ошибки и паники.
func (c *Consumer) run(ctx context.Context, j job) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("ordered handler panicked",
				"partition_key", j.msg.PartitionKey,
				"message_id", j.msg.ID,
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()),
			)
		}
	}()

	if err := j.handler(ctx, j.msg); err != nil {
		c.logger.Error("ordered handler failed",
			"partition_key", j.msg.PartitionKey,
			"message_id", j.msg.ID,
			"error", err,
		)
	}
}

// LaneCount возвращает количество живых полос.
func (c *Consumer) LaneCount() int {
	return int(c.count.Load())
}

// Shutdown закрывает все полосы и ждёт, пока они обработают
// уже поставленные сообщения. Если ctx истёк раньше, контекст
// обработчиков отменяется и возвращается ошибка ctx.
func (c *Consumer) Shutdown(ctx context.Context) error {
	c.spawnMu.Lock()
	first := c.closed.CompareAndSwap(false, true)
	c.spawnMu.Unlock()
	if !first {
		return nil
	}

	c.lanes.Range(func(key, value any) bool {
		l := value.(*lane)
		l.mu.Lock()
		if !l.retired {
			l.retired = true
			close(l.ch)
		}
		l.mu.Unlock()
		c.lanes.Delete(key)
		return true
	})

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.cancel()
		c.logger.Info("ordered consumer stopped")
		return nil
	case <-ctx.Done():
		c.cancel()
		return fmt.Errorf("ordered consumer shutdown: %w", ctx.Err())
	}
}
