package idempotency

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/Relay/internal/domain"
	"github.com/shaiso/Relay/internal/kv"
)

func newManager(t *testing.T) (*Manager, *kv.MemoryStore, *time.Time) {
	t.Helper()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store := kv.NewMemoryStore().WithClock(func() time.Time { return now })
	m := New(store, Config{LockTTL: time.Minute, Window: time.Hour})
	return m, store, &now
}

func TestTryLock_Contention(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newManager(t)

	lock, err := m.TryLock(ctx, "job", "1")
	require.NoError(t, err)
	require.NotNil(t, lock)

	_, err = m.TryLock(ctx, "job", "1")
	assert.ErrorIs(t, err, domain.ErrLockContention)
	assert.True(t, IsContention(err))

	// другой instance — другой ключ
	other, err := m.TryLock(ctx, "job", "2")
	require.NoError(t, err)
	assert.NotEqual(t, lock.Key, other.Key)
}

func TestTryLock_ExactlyOneWinner(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newManager(t)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.TryLock(ctx, "job", "x"); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
}

func TestReleaseLock_OnlyOwner(t *testing.T) {
	ctx := context.Background()
	m, store, _ := newManager(t)

	lock, err := m.TryLock(ctx, "job", "1")
	require.NoError(t, err)

	// чужой токен не снимает блокировку
	require.NoError(t, m.ReleaseLock(ctx, &Lock{Key: lock.Key, Token: "other"}))
	exists, _ := store.Exists(ctx, lock.Key)
	assert.True(t, exists)

	require.NoError(t, m.ReleaseLock(ctx, lock))
	exists, _ = store.Exists(ctx, lock.Key)
	assert.False(t, exists)

	require.NoError(t, m.ReleaseLock(ctx, nil))
}

func TestTryLock_ExpiresAfterTTL(t *testing.T) {
	ctx := context.Background()
	m, _, now := newManager(t)

	_, err := m.TryLock(ctx, "job", "1")
	require.NoError(t, err)

	*now = now.Add(time.Minute)

	_, err = m.TryLock(ctx, "job", "1")
	assert.NoError(t, err)
}

func TestClear(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newManager(t)

	require.NoError(t, m.Clear(ctx, "job", "absent"))

	_, err := m.TryLock(ctx, "job", "1")
	require.NoError(t, err)
	require.NoError(t, m.Clear(ctx, "job", "1"))

	_, err = m.TryLock(ctx, "job", "1")
	assert.NoError(t, err)
}

func TestMessageDedup(t *testing.T) {
	ctx := context.Background()
	m, _, now := newManager(t)
	id := MessageKey("order-42", "msg-1")
	assert.Equal(t, "order-42:msg-1", id)
	assert.Equal(t, "msg-1", MessageKey("", "msg-1"))

	dup, err := m.IsDuplicate(ctx, id)
	require.NoError(t, err)
	assert.False(t, dup)

	require.NoError(t, m.MarkAsProcessed(ctx, id))

	dup, err = m.IsDuplicate(ctx, id)
	require.NoError(t, err)
	assert.True(t, dup)

	// за пределами окна сообщение снова новое
	*now = now.Add(time.Hour)
	dup, err = m.IsDuplicate(ctx, id)
	require.NoError(t, err)
	assert.False(t, dup)
}
