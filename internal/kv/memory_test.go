package kv

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newStore() (*MemoryStore, *clock) {
	c := &clock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	return NewMemoryStore().WithClock(c.Now), c
}

func TestMemoryStore_SetIfAbsent(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore()

	ok, err := s.SetIfAbsent(ctx, "k", "v1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.SetIfAbsent(ctx, "k", "v2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	v, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v1", v)
}

func TestMemoryStore_TTL(t *testing.T) {
	ctx := context.Background()
	s, c := newStore()

	require.NoError(t, s.Set(ctx, "k", "v", 10*time.Second))
	require.NoError(t, s.Set(ctx, "forever", "v", 0))

	c.Advance(10 * time.Second)

	_, err := s.Get(ctx, "k")
	assert.True(t, errors.Is(err, ErrNotFound))

	ok, err := s.SetIfAbsent(ctx, "k", "again", time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "expired key must be replaceable")

	exists, _ := s.Exists(ctx, "forever")
	assert.True(t, exists)
}

func TestMemoryStore_Expire(t *testing.T) {
	ctx := context.Background()
	s, c := newStore()

	require.NoError(t, s.Set(ctx, "k", "v", 5*time.Second))
	ok, err := s.Expire(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	c.Advance(30 * time.Second)
	exists, _ := s.Exists(ctx, "k")
	assert.True(t, exists)

	ok, _ = s.Expire(ctx, "missing", time.Minute)
	assert.False(t, ok)
}

func TestMemoryStore_DeleteExactlyOnce(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore()
	require.NoError(t, s.Set(ctx, "claim", "v", 0))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := s.Delete(ctx, "claim"); ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
}

func TestMemoryStore_DeleteIfEquals(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore()
	require.NoError(t, s.Set(ctx, "lock", "token-a", time.Minute))

	ok, _ := s.DeleteIfEquals(ctx, "lock", "token-b")
	assert.False(t, ok)

	ok, _ = s.DeleteIfEquals(ctx, "lock", "token-a")
	assert.True(t, ok)
	assert.Equal(t, 0, s.Len())
}

func TestMemoryStore_SweepNotifiesSubscribers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s, c := newStore()

	events, err := s.Expirations(ctx)
	require.NoError(t, err)

	require.NoError(t, s.Set(ctx, "b", "v", time.Second))
	require.NoError(t, s.Set(ctx, "a", "v", time.Second))
	require.NoError(t, s.Set(ctx, "c", "v", time.Hour))

	assert.Empty(t, s.Sweep())

	c.Advance(2 * time.Second)
	assert.Equal(t, []string{"a", "b"}, s.Sweep())

	assert.Equal(t, "a", <-events)
	assert.Equal(t, "b", <-events)

	cancel()
	select {
	case _, open := <-events:
		assert.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("subscription channel not closed after cancel")
	}
}

func TestMemoryStore_KeysByPrefix(t *testing.T) {
	s, c := newStore()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "delay:data:b", "2", time.Minute))
	require.NoError(t, s.Set(ctx, "delay:data:a", "1", 0))
	require.NoError(t, s.Set(ctx, "delay:data:gone", "3", time.Second))
	require.NoError(t, s.Set(ctx, "idem:lock:x", "t", 0))

	c.Advance(time.Second)

	keys, err := s.Keys(ctx, "delay:data:")
	require.NoError(t, err)
	assert.Equal(t, []string{"delay:data:a", "delay:data:b"}, keys)
}
