package delay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/Relay/internal/domain"
	"github.com/shaiso/Relay/internal/kv"
)

// recordingExecutor запоминает вызовы процессоров.
type recordingExecutor struct {
	mu    sync.Mutex
	calls []call
	done  chan struct{}
}

type call struct {
	processor string
	tc        domain.TaskContext
}

func newRecordingExecutor() *recordingExecutor {
	return &recordingExecutor{done: make(chan struct{}, 16)}
}

func (e *recordingExecutor) Execute(_ context.Context, processor string, tc domain.TaskContext) (domain.TaskResult, error) {
	e.mu.Lock()
	e.calls = append(e.calls, call{processor: processor, tc: tc})
	e.mu.Unlock()
	e.done <- struct{}{}
	return domain.Success(nil), nil
}

func (e *recordingExecutor) Calls() []call {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]call(nil), e.calls...)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func setup(t *testing.T) (*Service, *kv.MemoryStore, *recordingExecutor, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := kv.NewMemoryStore().WithClock(clock.Now)
	exec := newRecordingExecutor()
	svc := New(store, exec, Config{Grace: time.Minute})
	svc.now = clock.Now
	return svc, store, exec, clock
}

func TestSubmit_StoresTask(t *testing.T) {
	ctx := context.Background()
	svc, _, _, clock := setup(t)

	key, err := svc.Submit(ctx, domain.DelayTaskOrderTimeout, "order-1", map[string]any{"order_id": "1"}, 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "relay:delay:trigger:order-timeout:order-1", key)

	task, err := svc.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "order-1", task.TaskID)
	assert.Equal(t, domain.DelayTaskOrderTimeout, task.TaskType)
	assert.Equal(t, "1", task.Params["order_id"])
	assert.True(t, clock.Now().Add(30*time.Minute).Equal(task.ExecuteTime))
}

func TestSubmit_Duplicate(t *testing.T) {
	ctx := context.Background()
	svc, _, _, _ := setup(t)

	_, err := svc.Submit(ctx, domain.DelayTaskDataCleanup, "x", nil, time.Minute)
	require.NoError(t, err)

	_, err = svc.Submit(ctx, domain.DelayTaskDataCleanup, "x", nil, time.Minute)
	assert.True(t, errors.Is(err, ErrDelayTaskExists))

	// другой тип — другая задача
	_, err = svc.Submit(ctx, domain.DelayTaskMessageDelay, "x", nil, time.Minute)
	assert.NoError(t, err)
}

func TestSubmit_Validation(t *testing.T) {
	ctx := context.Background()
	svc, _, _, _ := setup(t)

	_, err := svc.Submit(ctx, "unknown", "x", nil, time.Minute)
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = svc.Submit(ctx, domain.DelayTaskDataCleanup, " ", nil, time.Minute)
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = svc.Submit(ctx, domain.DelayTaskDataCleanup, "x", nil, 0)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestCancelBeforeExpiry_NeverFires(t *testing.T) {
	ctx := context.Background()
	svc, store, exec, clock := setup(t)

	key, err := svc.Submit(ctx, domain.DelayTaskOrderTimeout, "order-7", nil, 30*time.Minute)
	require.NoError(t, err)

	clock.Advance(5 * time.Minute)
	cancelled, err := svc.Cancel(ctx, key)
	require.NoError(t, err)
	assert.True(t, cancelled)

	clock.Advance(30 * time.Minute)
	assert.Empty(t, store.Sweep())

	fired, err := svc.Fire(ctx, key)
	require.NoError(t, err)
	assert.False(t, fired)
	assert.Empty(t, exec.Calls())

	cancelled, err = svc.Cancel(ctx, key)
	require.NoError(t, err)
	assert.False(t, cancelled)
}

func TestFire_ExactlyOnceUnderRace(t *testing.T) {
	ctx := context.Background()
	svc, _, exec, clock := setup(t)

	key, err := svc.Submit(ctx, domain.DelayTaskStateTransition, "s-1", map[string]any{"to": "closed"}, time.Second)
	require.NoError(t, err)
	clock.Advance(time.Second)

	var wg sync.WaitGroup
	results := make([]bool, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = svc.Fire(ctx, key)
		}(i)
	}
	wg.Wait()

	fired := 0
	for _, r := range results {
		if r {
			fired++
		}
	}
	assert.Equal(t, 1, fired)

	calls := exec.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "state-transition", calls[0].processor)
	assert.Equal(t, "s-1", calls[0].tc.InstanceID)
	assert.Equal(t, "closed", calls[0].tc.Params["to"])
}

func TestFire_InvalidKey(t *testing.T) {
	svc, _, _, _ := setup(t)

	_, err := svc.Fire(context.Background(), "some:other:key")
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestListener_FiresOnExpiry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc, store, exec, clock := setup(t)

	listener := NewListener(svc, store, 2, nil)
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		_ = listener.Run(ctx)
	}()

	_, err := svc.Submit(ctx, domain.DelayTaskMessageDelay, "m-1", nil, 10*time.Second)
	require.NoError(t, err)
	key2, err := svc.Submit(ctx, domain.DelayTaskMessageDelay, "m-2", nil, 10*time.Second)
	require.NoError(t, err)
	_, err = svc.Cancel(ctx, key2)
	require.NoError(t, err)

	clock.Advance(10 * time.Second)

	// подписка слушателя должна существовать до Sweep
	require.Eventually(t, func() bool {
		return store.Subscribers() == 1
	}, time.Second, 5*time.Millisecond)
	store.Sweep()

	select {
	case <-exec.done:
	case <-time.After(2 * time.Second):
		t.Fatal("delay task did not fire")
	}

	calls := exec.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "m-1", calls[0].tc.InstanceID)

	cancel()
	<-stopped
}

func TestListener_RecoversTaskMissedWhileStopped(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc, store, exec, clock := setup(t)

	_, err := svc.Submit(ctx, domain.DelayTaskMessageDelay, "m-9", nil, 10*time.Second)
	require.NoError(t, err)

	// триггер истёк без подписчиков, data-ключ ещё в окне grace
	clock.Advance(11 * time.Second)
	store.Sweep()
	require.Equal(t, 1, store.Len())

	listener := NewListener(svc, store, 2, nil)
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		_ = listener.Run(ctx)
	}()

	select {
	case <-exec.done:
	case <-time.After(2 * time.Second):
		t.Fatal("missed delay task did not fire after listener start")
	}

	calls := exec.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "m-9", calls[0].tc.InstanceID)
	assert.Equal(t, 0, store.Len())

	cancel()
	<-stopped
}

func TestRecover_OnlyOverdueTasks(t *testing.T) {
	ctx := context.Background()
	svc, _, exec, clock := setup(t)

	_, err := svc.Submit(ctx, domain.DelayTaskOrderTimeout, "due", nil, 5*time.Second)
	require.NoError(t, err)
	later, err := svc.Submit(ctx, domain.DelayTaskOrderTimeout, "later", nil, time.Hour)
	require.NoError(t, err)

	clock.Advance(6 * time.Second)

	n, err := svc.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// повторный проход ничего не запускает
	n, err = svc.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	calls := exec.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "due", calls[0].tc.InstanceID)

	task, err := svc.Get(ctx, later)
	require.NoError(t, err)
	assert.Equal(t, "later", task.TaskID)
}
