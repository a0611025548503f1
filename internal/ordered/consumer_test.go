package ordered

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collector запоминает порядок обработки по ключам.
type collector struct {
	mu   sync.Mutex
	seen map[string][]int
	wg   sync.WaitGroup
}

func newCollector(n int) *collector {
	c := &collector{seen: make(map[string][]int)}
	c.wg.Add(n)
	return c
}

func (c *collector) handler(_ context.Context, msg Message) error {
	defer c.wg.Done()
	c.mu.Lock()
	c.seen[msg.PartitionKey] = append(c.seen[msg.PartitionKey], msg.Payload.(int))
	c.mu.Unlock()
	return nil
}

func waitTimeout(t *testing.T, wg *sync.WaitGroup, d time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatal("timed out waiting for handlers")
	}
}

func TestConsume_PreservesOrderPerKey(t *testing.T) {
	c := New(Config{LaneBuffer: 4})
	defer c.Shutdown(context.Background())

	const perKey = 200
	keys := []string{"a", "b", "c"}
	col := newCollector(perKey * len(keys))

	var wg sync.WaitGroup
	for _, key := range keys {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			for i := 0; i < perKey; i++ {
				msg := Message{PartitionKey: key, ID: fmt.Sprintf("%s-%d", key, i), Payload: i}
				assert.NoError(t, c.Consume(context.Background(), msg, col.handler))
			}
		}(key)
	}
	wg.Wait()
	waitTimeout(t, &col.wg, 5*time.Second)

	for _, key := range keys {
		got := col.seen[key]
		require.Len(t, got, perKey)
		for i, v := range got {
			assert.Equal(t, i, v, "key %s position %d", key, i)
		}
	}
}

func TestConsume_ConcurrentProducersSameKey(t *testing.T) {
	c := New(Config{})
	defer c.Shutdown(context.Background())

	// Порядок между производителями определяется моментом постановки.
	// Проверяем, что обработка идёт в порядке постановки: отметка
	// берётся под тем же мьютексом, что и Consume.
	var (
		mu       sync.Mutex
		enqueued []int
		handled  []int
		done     sync.WaitGroup
	)
	const total = 100
	done.Add(total)

	handler := func(_ context.Context, msg Message) error {
		defer done.Done()
		mu.Lock()
		handled = append(handled, msg.Payload.(int))
		mu.Unlock()
		return nil
	}

	var order sync.Mutex
	var producers sync.WaitGroup
	for p := 0; p < 4; p++ {
		producers.Add(1)
		go func(p int) {
			defer producers.Done()
			for i := 0; i < total/4; i++ {
				v := p*1000 + i
				order.Lock()
				enqueued = append(enqueued, v)
				err := c.Consume(context.Background(), Message{PartitionKey: "k", Payload: v}, handler)
				order.Unlock()
				assert.NoError(t, err)
			}
		}(p)
	}
	producers.Wait()
	waitTimeout(t, &done, 5*time.Second)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, enqueued, handled)
}

func TestConsume_FailuresDoNotPoisonLane(t *testing.T) {
	c := New(Config{})
	defer c.Shutdown(context.Background())

	var mu sync.Mutex
	var got []int
	var wg sync.WaitGroup
	wg.Add(3)

	handler := func(_ context.Context, msg Message) error {
		defer wg.Done()
		n := msg.Payload.(int)
		mu.Lock()
		got = append(got, n)
		mu.Unlock()
		switch n {
		case 0:
			return errors.New("boom")
		case 1:
			panic("kaboom")
		}
		return nil
	}

	for i := 0; i < 3; i++ {
		require.NoError(t, c.Consume(context.Background(), Message{PartitionKey: "k", Payload: i}, handler))
	}
	waitTimeout(t, &wg, 2*time.Second)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1, 2}, got)
}

func TestConsume_NoKeyRunsInline(t *testing.T) {
	c := New(Config{})
	defer c.Shutdown(context.Background())

	ran := false
	err := c.Consume(context.Background(), Message{ID: "m"}, func(context.Context, Message) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran, "handler must run before Consume returns")
	assert.Equal(t, 0, c.LaneCount())
}

func TestIdleLanesAreEvicted(t *testing.T) {
	c := New(Config{IdleTimeout: 20 * time.Millisecond})
	defer c.Shutdown(context.Background())

	col := newCollector(10)
	for i := 0; i < 10; i++ {
		key := fmt.Sprintf("k%d", i)
		require.NoError(t, c.Consume(context.Background(), Message{PartitionKey: key, Payload: i}, col.handler))
	}
	waitTimeout(t, &col.wg, 2*time.Second)

	require.Eventually(t, func() bool {
		return c.LaneCount() == 0
	}, 2*time.Second, 5*time.Millisecond)

	// ключ снова работает после удаления полосы
	again := newCollector(1)
	require.NoError(t, c.Consume(context.Background(), Message{PartitionKey: "k0", Payload: 42}, again.handler))
	waitTimeout(t, &again.wg, 2*time.Second)
	assert.Equal(t, []int{42}, again.seen["k0"])
}

func TestShutdown_DrainsAndRejects(t *testing.T) {
	c := New(Config{})

	col := newCollector(50)
	for i := 0; i < 50; i++ {
		require.NoError(t, c.Consume(context.Background(), Message{PartitionKey: "k", Payload: i}, col.handler))
	}

	require.NoError(t, c.Shutdown(context.Background()))
	assert.Len(t, col.seen["k"], 50)
	assert.Equal(t, 0, c.LaneCount())

	err := c.Consume(context.Background(), Message{PartitionKey: "k", Payload: 1}, col.handler)
	assert.ErrorIs(t, err, ErrClosed)

	// повторный вызов безопасен
	assert.NoError(t, c.Shutdown(context.Background()))
}

func TestShutdown_Timeout(t *testing.T) {
	c := New(Config{})

	release := make(chan struct{})
	started := make(chan struct{})
	handler := func(ctx context.Context, _ Message) error {
		close(started)
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}
	require.NoError(t, c.Consume(context.Background(), Message{PartitionKey: "slow"}, handler))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := c.Shutdown(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	close(release)
}

func TestShutdown_NoLaneSpawnedAfterClose(t *testing.T) {
	c := New(Config{})
	require.NoError(t, c.Shutdown(context.Background()))

	// Consume прошёл проверку closed до Shutdown и дошёл до создания полосы
	l, err := c.laneFor("late")
	assert.ErrorIs(t, err, ErrClosed)
	assert.Nil(t, l)
	assert.Equal(t, 0, c.LaneCount())
}

func TestShutdown_RacingProducers(t *testing.T) {
	c := New(Config{})

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := c.Consume(context.Background(), Message{PartitionKey: fmt.Sprintf("k-%d", i)},
				func(context.Context, Message) error { return nil })
			if err != nil {
				assert.ErrorIs(t, err, ErrClosed)
			}
		}(i)
	}

	require.NoError(t, c.Shutdown(context.Background()))
	wg.Wait()

	// полос, запущенных после закрытия, нет
	assert.Eventually(t, func() bool { return c.LaneCount() == 0 }, time.Second, 5*time.Millisecond)
}
