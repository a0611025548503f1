package breaker

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock — управляемые часы для проверки WaitDurationInOpenState.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestBreaker(t *testing.T, cfg Config) (*CircuitBreaker, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := New("test", cfg, nil)
	b.now = clock.Now
	return b, clock
}

func testConfig() Config {
	return Config{
		FailureRateThreshold:          50,
		SlowCallRateThreshold:         100,
		SlowCallDuration:              time.Second,
		SlidingWindowSize:             10,
		MinimumNumberOfCalls:          4,
		WaitDurationInOpenState:       30 * time.Second,
		PermittedCallsInHalfOpenState: 2,
	}
}

func call(t *testing.T, b *CircuitBreaker, d time.Duration, success bool) {
	t.Helper()
	p, err := b.Allow()
	require.NoError(t, err)
	b.Record(p, d, success)
}

func TestBreaker_StaysClosedBelowMinimumCalls(t *testing.T) {
	b, _ := newTestBreaker(t, testConfig())

	// 3 ошибки из 3 — но минимум 4 вызова
	for i := 0; i < 3; i++ {
		call(t, b, time.Millisecond, false)
	}
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_OpensOnFailureRate(t *testing.T) {
	b, _ := newTestBreaker(t, testConfig())

	call(t, b, time.Millisecond, true)
	call(t, b, time.Millisecond, true)
	call(t, b, time.Millisecond, false)
	assert.Equal(t, StateClosed, b.State())

	// 2 из 4 = 50% → открываемся
	call(t, b, time.Millisecond, false)
	assert.Equal(t, StateOpen, b.State())

	_, err := b.Allow()
	assert.True(t, errors.Is(err, ErrCircuitOpen))
}

func TestBreaker_OpensOnSlowCallRate(t *testing.T) {
	cfg := testConfig()
	cfg.SlowCallRateThreshold = 75
	b, _ := newTestBreaker(t, cfg)

	call(t, b, 2*time.Second, true)
	call(t, b, 2*time.Second, true)
	call(t, b, time.Second, true) // равно порогу — тоже медленный
	call(t, b, time.Millisecond, true)

	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_HalfOpenClosesOnSuccessfulTrials(t *testing.T) {
	b, clock := newTestBreaker(t, testConfig())
	for i := 0; i < 4; i++ {
		call(t, b, time.Millisecond, false)
	}
	require.Equal(t, StateOpen, b.State())

	clock.Advance(29 * time.Second)
	assert.Equal(t, StateOpen, b.State())

	clock.Advance(time.Second)
	assert.Equal(t, StateHalfOpen, b.State())

	// Разрешено ровно 2 пробы
	p1, err := b.Allow()
	require.NoError(t, err)
	p2, err := b.Allow()
	require.NoError(t, err)
	_, err = b.Allow()
	assert.True(t, errors.Is(err, ErrCircuitOpen))

	b.Record(p1, time.Millisecond, true)
	b.Record(p2, time.Millisecond, true)

	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 0, b.Stats().Calls, "window must be reset after closing")
}

func TestBreaker_HalfOpenReopensOnFailedTrials(t *testing.T) {
	b, clock := newTestBreaker(t, testConfig())
	for i := 0; i < 4; i++ {
		call(t, b, time.Millisecond, false)
	}
	clock.Advance(30 * time.Second)
	require.Equal(t, StateHalfOpen, b.State())

	call(t, b, time.Millisecond, true)
	call(t, b, time.Millisecond, false)

	// 1 из 2 = 50% → снова OPEN
	assert.Equal(t, StateOpen, b.State())

	// Ожидание отсчитывается заново
	clock.Advance(29 * time.Second)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_CallFromClosedDoesNotDecideHalfOpen(t *testing.T) {
	b, clock := newTestBreaker(t, testConfig())

	// долгий вызов допущен ещё в CLOSED
	slow, err := b.Allow()
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		call(t, b, time.Millisecond, false)
	}
	require.Equal(t, StateOpen, b.State())

	clock.Advance(30 * time.Second)
	require.Equal(t, StateHalfOpen, b.State())

	b.Record(slow, time.Millisecond, true)
	b.Record(slow, time.Millisecond, true)
	assert.Equal(t, StateHalfOpen, b.State(), "only half-open trial calls may close the breaker")

	// обе пробы по-прежнему доступны
	call(t, b, time.Millisecond, true)
	call(t, b, time.Millisecond, true)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_CallFromClosedIgnoredAfterReopen(t *testing.T) {
	b, clock := newTestBreaker(t, testConfig())

	stale, err := b.Allow()
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		call(t, b, time.Millisecond, false)
	}
	clock.Advance(30 * time.Second)
	call(t, b, time.Millisecond, true)
	call(t, b, time.Millisecond, true)
	require.Equal(t, StateClosed, b.State())

	// исход из прошлого CLOSED не попадает в новое окно
	b.Record(stale, time.Millisecond, false)
	assert.Equal(t, 0, b.Stats().Calls)
}

func TestBreaker_SlidingWindowForgetsOldOutcomes(t *testing.T) {
	cfg := testConfig()
	cfg.SlidingWindowSize = 4
	b, _ := newTestBreaker(t, cfg)

	call(t, b, time.Millisecond, false)
	for i := 0; i < 4; i++ {
		call(t, b, time.Millisecond, true)
	}

	stats := b.Stats()
	assert.Equal(t, 4, stats.Calls)
	assert.Equal(t, 0, stats.Failures)
	assert.Equal(t, StateClosed, stats.State)
}

func TestSet_LazyPerProcessor(t *testing.T) {
	s := NewSet(testConfig(), nil)

	a := s.Get("Email")
	assert.Same(t, a, s.Get(" email "))
	assert.NotSame(t, a, s.Get("sms"))
	assert.Equal(t, []string{"email", "sms"}, s.Names())
	assert.Len(t, s.Snapshot(), 2)
}

func TestSet_ConcurrentGet(t *testing.T) {
	s := NewSet(testConfig(), nil)

	var wg sync.WaitGroup
	got := make([]*CircuitBreaker, 50)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got[i] = s.Get("proc")
		}(i)
	}
	wg.Wait()

	for _, b := range got {
		assert.Same(t, got[0], b)
	}
}
