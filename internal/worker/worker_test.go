package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/Relay/internal/alert"
	"github.com/shaiso/Relay/internal/breaker"
	"github.com/shaiso/Relay/internal/domain"
	"github.com/shaiso/Relay/internal/idempotency"
	"github.com/shaiso/Relay/internal/kv"
	"github.com/shaiso/Relay/internal/registry"
	"github.com/shaiso/Relay/internal/retry"
)

// --- fixtures ---

type recordingAlerter struct {
	mu     sync.Mutex
	alerts []alert.Alert
	sent   chan struct{}
}

func newRecordingAlerter() *recordingAlerter {
	return &recordingAlerter{sent: make(chan struct{}, 10)}
}

func (a *recordingAlerter) SendFailureAlert(_ context.Context, jobName, errorMessage string, retryCount int) error {
	a.mu.Lock()
	a.alerts = append(a.alerts, alert.Alert{JobName: jobName, ErrorMessage: errorMessage, RetryCount: retryCount})
	a.mu.Unlock()
	a.sent <- struct{}{}
	return nil
}

func (a *recordingAlerter) snapshot() []alert.Alert {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]alert.Alert(nil), a.alerts...)
}

type hookEvent struct {
	instanceID uuid.UUID
	nodeID     string
	failed     bool
	reason     string
	outputs    map[string]any
}

type recordingHook struct {
	events chan hookEvent
}

func newRecordingHook() *recordingHook {
	return &recordingHook{events: make(chan hookEvent, 10)}
}

func (h *recordingHook) CompleteNode(_ context.Context, instanceID uuid.UUID, nodeID string, outputs map[string]any) error {
	h.events <- hookEvent{instanceID: instanceID, nodeID: nodeID, outputs: outputs}
	return nil
}

func (h *recordingHook) FailNode(_ context.Context, instanceID uuid.UUID, nodeID, reason string) error {
	h.events <- hookEvent{instanceID: instanceID, nodeID: nodeID, failed: true, reason: reason}
	return nil
}

func (h *recordingHook) wait(t *testing.T) hookEvent {
	t.Helper()
	select {
	case ev := <-h.events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for workflow hook")
		return hookEvent{}
	}
}

type recordingSink struct {
	count atomic.Int32
}

func (s *recordingSink) DeadLetter(context.Context, string, domain.TaskContext, string) error {
	s.count.Add(1)
	return nil
}

// countingProcessor вызывает fn и считает вызовы.
func countingProcessor(name string, calls *atomic.Int32, fn func(attempt int32) (domain.TaskResult, error)) registry.Processor {
	return registry.Func(name, func(_ context.Context, _ domain.TaskContext) (domain.TaskResult, error) {
		return fn(calls.Add(1))
	})
}

func immediatePolicy(maxRetries int) *retry.Policy {
	return &retry.Policy{MaxRetryTimes: maxRetries}
}

func newTestWorker(t *testing.T, cfg Config, ps ...registry.Processor) *Worker {
	t.Helper()
	if cfg.Registry == nil {
		cfg.Registry = registry.New(nil)
	}
	cfg.Registry.MustRegister(ps...)
	if cfg.RetryPolicy == nil {
		cfg.RetryPolicy = immediatePolicy(3)
	}
	w := New(cfg)
	t.Cleanup(func() { w.Stop(context.Background()) })
	return w
}

func nodeTask(jobID string) domain.TaskContext {
	id := uuid.New()
	return domain.TaskContext{
		JobID:        jobID,
		InstanceID:   id.String(),
		PartitionKey: id.String(),
		Workflow:     &domain.WorkflowRef{InstanceID: id, NodeID: "node"},
	}
}

// --- Execute ---

func TestExecute_Success(t *testing.T) {
	hook := newRecordingHook()
	var calls atomic.Int32
	w := newTestWorker(t, Config{Hook: hook}, countingProcessor("echo", &calls, func(int32) (domain.TaskResult, error) {
		return domain.Success(map[string]any{"ok": true}), nil
	}))

	tc := nodeTask("wf.node")
	res, err := w.Execute(context.Background(), " ECHO ", tc)
	require.NoError(t, err)
	require.True(t, res.IsSuccess(), "status %s", res.Status)
	assert.False(t, res.StartTime.IsZero())

	ev := hook.wait(t)
	assert.False(t, ev.failed)
	assert.Equal(t, tc.Workflow.InstanceID, ev.instanceID)
	assert.Equal(t, true, ev.outputs["ok"])
}

func TestExecute_ExhaustedRetriesAlertsOnce(t *testing.T) {
	alerter := newRecordingAlerter()
	hook := newRecordingHook()
	sink := &recordingSink{}
	var calls atomic.Int32

	w := newTestWorker(t, Config{Alerter: alerter, Hook: hook, DeadLetter: sink},
		countingProcessor("flaky", &calls, func(int32) (domain.TaskResult, error) {
			return domain.TaskResult{}, errors.New("smtp down")
		}))

	res, err := w.Execute(context.Background(), "flaky", nodeTask("send-email"))
	require.NoError(t, err)
	require.Equal(t, domain.TaskStatusRetry, res.Status, "first failure should schedule a retry")

	ev := hook.wait(t)
	require.True(t, ev.failed, "node should fail, got %+v", ev)
	assert.Contains(t, ev.reason, "retries exhausted after 3 retries")

	// первая попытка + 3 повтора
	assert.Equal(t, int32(4), calls.Load())

	select {
	case <-alerter.sent:
	case <-time.After(time.Second):
		t.Fatal("alert not sent")
	}
	time.Sleep(50 * time.Millisecond)

	alerts := alerter.snapshot()
	require.Len(t, alerts, 1)
	assert.Equal(t, "send-email", alerts[0].JobName)
	assert.Equal(t, 3, alerts[0].RetryCount)
	assert.Contains(t, alerts[0].ErrorMessage, "smtp down")
	assert.Equal(t, int32(1), sink.count.Load())
}

func TestExecute_RetryThenSuccess(t *testing.T) {
	hook := newRecordingHook()
	var calls atomic.Int32
	w := newTestWorker(t, Config{Hook: hook}, countingProcessor("recovering", &calls, func(attempt int32) (domain.TaskResult, error) {
		if attempt == 1 {
			panic("nil map")
		}
		if attempt == 2 {
			return domain.RetryLater("downstream busy"), nil
		}
		return domain.Success(nil), nil
	}))

	res, _ := w.Execute(context.Background(), "recovering", nodeTask("job"))
	require.Equal(t, domain.TaskStatusRetry, res.Status, "panic should be retried")
	assert.Contains(t, res.Message(), "panic: nil map")

	ev := hook.wait(t)
	require.False(t, ev.failed, "node should complete, got failure %q", ev.reason)
	assert.Equal(t, int32(3), calls.Load())
}

func TestExecute_BusinessFailureNotRetried(t *testing.T) {
	alerter := newRecordingAlerter()
	hook := newRecordingHook()
	var calls atomic.Int32
	w := newTestWorker(t, Config{Alerter: alerter, Hook: hook}, countingProcessor("validate", &calls, func(int32) (domain.TaskResult, error) {
		return domain.Failure("order already shipped"), nil
	}))

	res, err := w.Execute(context.Background(), "validate", nodeTask("job"))
	require.NoError(t, err)
	require.Equal(t, domain.TaskStatusFailed, res.Status)
	assert.Equal(t, "order already shipped", res.Message())

	ev := hook.wait(t)
	assert.True(t, ev.failed)
	assert.Equal(t, "order already shipped", ev.reason)
	assert.Equal(t, int32(1), calls.Load(), "business failure must not be retried")
	assert.Empty(t, alerter.snapshot(), "business failure must not alert")
}

func TestExecute_LockContention(t *testing.T) {
	idem := idempotency.New(kv.NewMemoryStore(), idempotency.Config{})
	hook := newRecordingHook()
	var calls atomic.Int32
	w := newTestWorker(t, Config{Idempotency: idem, Hook: hook}, countingProcessor("charge", &calls, func(int32) (domain.TaskResult, error) {
		return domain.Success(nil), nil
	}))

	tc := domain.TaskContext{JobID: "5", InstanceID: "9"}
	_, err := idem.TryLock(context.Background(), "5", "9")
	require.NoError(t, err)

	res, err := w.Execute(context.Background(), "charge", tc)
	require.NoError(t, err, "contention is not an error")
	assert.True(t, res.IsSuccess())
	assert.True(t, res.IdempotentHit)
	assert.Zero(t, calls.Load(), "processor must not run while another worker holds the lock")
}

func TestExecute_IdempotentKey(t *testing.T) {
	idem := idempotency.New(kv.NewMemoryStore(), idempotency.Config{})
	var calls atomic.Int32
	w := newTestWorker(t, Config{Idempotency: idem}, countingProcessor("notify", &calls, func(int32) (domain.TaskResult, error) {
		return domain.Success(nil), nil
	}))

	tc := domain.TaskContext{JobID: "notify", IdempotentKey: "order-42:msg-1"}
	first, _ := w.Execute(context.Background(), "notify", tc)
	second, _ := w.Execute(context.Background(), "notify", tc)

	assert.False(t, first.IdempotentHit, "first call should execute")
	assert.True(t, second.IdempotentHit, "second call should be skipped as processed")
	assert.Equal(t, int32(1), calls.Load())
}

func TestExecute_CircuitOpen(t *testing.T) {
	breakers := breaker.NewSet(breaker.Config{
		FailureRateThreshold:          50,
		SlowCallRateThreshold:         100,
		SlidingWindowSize:             2,
		MinimumNumberOfCalls:          2,
		WaitDurationInOpenState:       time.Hour,
		PermittedCallsInHalfOpenState: 1,
	}, nil)
	var calls atomic.Int32
	w := newTestWorker(t, Config{Breakers: breakers, RetryPolicy: immediatePolicy(0)},
		countingProcessor("payments", &calls, func(int32) (domain.TaskResult, error) {
			return domain.TaskResult{}, errors.New("connection refused")
		}))

	for range 2 {
		w.Execute(context.Background(), "payments", domain.TaskContext{JobID: "pay"})
	}
	require.Equal(t, breaker.StateOpen, breakers.Get("payments").State())

	res, err := w.Execute(context.Background(), "payments", domain.TaskContext{JobID: "pay"})
	require.NoError(t, err, "open breaker is not a validation error")
	assert.Equal(t, domain.TaskStatusFailed, res.Status)
	assert.Contains(t, res.Message(), "circuit breaker is open")
	assert.Equal(t, int32(2), calls.Load(), "processor must not run with open breaker")
}

func TestExecute_ValidationErrors(t *testing.T) {
	w := newTestWorker(t, Config{}, registry.Func("echo", func(context.Context, domain.TaskContext) (domain.TaskResult, error) {
		return domain.Success(nil), nil
	}))

	_, err := w.Execute(context.Background(), "missing", domain.TaskContext{JobID: "job"})
	assert.ErrorIs(t, err, domain.ErrValidation, "unknown processor")

	_, err = w.Execute(context.Background(), "echo", domain.TaskContext{JobID: " "})
	assert.ErrorIs(t, err, domain.ErrValidation, "empty job id")
}

type customPolicyProcessor struct {
	calls atomic.Int32
}

func (p *customPolicyProcessor) Name() string { return "custom" }

func (p *customPolicyProcessor) Process(context.Context, domain.TaskContext) (domain.TaskResult, error) {
	p.calls.Add(1)
	return domain.TaskResult{}, errors.New("boom")
}

func (p *customPolicyProcessor) RetryPolicy() retry.Policy { return retry.Policy{MaxRetryTimes: 1} }

func TestExecute_ProcessorPolicy(t *testing.T) {
	alerter := newRecordingAlerter()
	p := &customPolicyProcessor{}
	w := newTestWorker(t, Config{Alerter: alerter, RetryPolicy: immediatePolicy(5)}, p)

	w.Execute(context.Background(), "custom", domain.TaskContext{JobID: "job"})

	select {
	case <-alerter.sent:
	case <-time.After(2 * time.Second):
		t.Fatal("alert not sent")
	}
	assert.Equal(t, int32(2), p.calls.Load(), "processor policy allows one retry")
}

// --- Dispatch / lifecycle ---

func TestDispatch_RunsAsync(t *testing.T) {
	hook := newRecordingHook()
	w := newTestWorker(t, Config{Hook: hook}, registry.Func("echo", func(_ context.Context, tc domain.TaskContext) (domain.TaskResult, error) {
		return domain.Success(tc.Params), nil
	}))

	tc := nodeTask("wf.a")
	tc.Params = map[string]any{"x": 1}
	require.NoError(t, w.Dispatch(context.Background(), "echo", tc))

	ev := hook.wait(t)
	assert.False(t, ev.failed)
	assert.Equal(t, 1, ev.outputs["x"])

	assert.ErrorIs(t, w.Dispatch(context.Background(), "missing", tc), domain.ErrValidation)
}

func TestStop_CancelsPendingRetries(t *testing.T) {
	var calls atomic.Int32
	w := newTestWorker(t, Config{RetryPolicy: &retry.Policy{MaxRetryTimes: 3, RetryInterval: 60}},
		countingProcessor("slow-retry", &calls, func(int32) (domain.TaskResult, error) {
			return domain.TaskResult{}, errors.New("boom")
		}))

	res, _ := w.Execute(context.Background(), "slow-retry", domain.TaskContext{JobID: "job"})
	require.Equal(t, domain.TaskStatusRetry, res.Status)
	require.Equal(t, 1, w.Stats().PendingRetries)

	require.NoError(t, w.Stop(context.Background()))
	assert.Zero(t, w.Stats().PendingRetries, "pending retries should be dropped")

	_, err := w.Execute(context.Background(), "slow-retry", domain.TaskContext{JobID: "job"})
	assert.ErrorIs(t, err, ErrWorkerStopped)
}

// --- Pool ---

func TestPool_RejectsBeyondCapacity(t *testing.T) {
	p := NewPool("test", PoolConfig{CoreSize: 1, MaxSize: 2, QueueCapacity: 1}, nil)
	defer p.Shutdown(context.Background())

	release := make(chan struct{})
	started := make(chan struct{}, 2)
	block := func() {
		started <- struct{}{}
		<-release
	}

	// core → очередь → дополнительная горутина
	for i := range 3 {
		require.NoError(t, p.Submit(block), "submit %d", i)
	}
	<-started
	<-started

	assert.ErrorIs(t, p.Submit(block), ErrPoolFull)
	assert.Equal(t, 2, p.Workers())

	close(release)
}

func TestPool_RecoversPanic(t *testing.T) {
	p := NewPool("test", PoolConfig{CoreSize: 1, MaxSize: 1, QueueCapacity: 4}, nil)

	done := make(chan struct{})
	p.Submit(func() { panic("boom") })
	p.Submit(func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pool stopped after panic")
	}

	require.NoError(t, p.Shutdown(context.Background()))
	assert.ErrorIs(t, p.Submit(func() {}), ErrPoolClosed)
}

func TestChain_Order(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next Handler) Handler {
			return func(ctx context.Context, call Call) (domain.TaskResult, error) {
				order = append(order, name)
				return next(ctx, call)
			}
		}
	}

	h := Chain(func(context.Context, Call) (domain.TaskResult, error) {
		order = append(order, "processor")
		return domain.Success(nil), nil
	}, mark("outer"), mark("inner"))

	h(context.Background(), Call{})
	assert.Equal(t, []string{"outer", "inner", "processor"}, order)
}
