package kv

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Интеграционные тесты. Требуют REDIS_URL, иначе пропускаются.
func newRedisStore(t *testing.T) *RedisStore {
	t.Helper()

	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := Connect(ctx, url)
	require.NoError(t, err)

	s := NewRedisStore(client, nil)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRedisStore_CompareAndDelete(t *testing.T) {
	s := newRedisStore(t)
	ctx := context.Background()
	key := "relay-test:" + uuid.NewString()

	ok, err := s.SetIfAbsent(ctx, key, "token-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.SetIfAbsent(ctx, key, "token-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.DeleteIfEquals(ctx, key, "token-b")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.DeleteIfEquals(ctx, key, "token-a")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = s.Get(ctx, key)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStore_Expirations(t *testing.T) {
	s := newRedisStore(t)
	if err := s.EnableExpiryEvents(context.Background()); err != nil {
		t.Skipf("keyspace events unavailable: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	events, err := s.Expirations(ctx)
	require.NoError(t, err)

	key := "relay-test:" + uuid.NewString()
	require.NoError(t, s.Set(ctx, key, "v", 200*time.Millisecond))

	for {
		select {
		case got := <-events:
			if got == key {
				return
			}
		case <-ctx.Done():
			t.Fatal("expiration event not received")
		}
	}
}
