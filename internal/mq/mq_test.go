package mq

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/Relay/internal/domain"
	"github.com/shaiso/Relay/internal/idempotency"
	"github.com/shaiso/Relay/internal/kv"
	"github.com/shaiso/Relay/internal/ordered"
)

// --- fakes ---

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type ackResult struct {
	acked   bool
	requeue bool
}

type fakeAcknowledger struct {
	results chan ackResult
}

func newFakeAcknowledger() *fakeAcknowledger {
	return &fakeAcknowledger{results: make(chan ackResult, 16)}
}

func (f *fakeAcknowledger) Ack(uint64, bool) error {
	f.results <- ackResult{acked: true}
	return nil
}

func (f *fakeAcknowledger) Nack(_ uint64, _ bool, requeue bool) error {
	f.results <- ackResult{requeue: requeue}
	return nil
}

func (f *fakeAcknowledger) Reject(_ uint64, requeue bool) error {
	f.results <- ackResult{requeue: requeue}
	return nil
}

func (f *fakeAcknowledger) wait(t *testing.T) ackResult {
	t.Helper()
	select {
	case r := <-f.results:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("delivery was neither acked nor nacked")
		return ackResult{}
	}
}

type recordingExecutor struct {
	mu    sync.Mutex
	tasks []domain.TaskContext
	delay time.Duration
	err   error
}

func (e *recordingExecutor) Execute(_ context.Context, _ string, tc domain.TaskContext) (domain.TaskResult, error) {
	time.Sleep(e.delay)
	e.mu.Lock()
	e.tasks = append(e.tasks, tc)
	e.mu.Unlock()
	if e.err != nil {
		return domain.TaskResult{}, e.err
	}
	return domain.Success(nil), nil
}

func (e *recordingExecutor) jobs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.tasks))
	for i, tc := range e.tasks {
		out[i] = tc.JobID
	}
	return out
}

type sent struct {
	exchange   Exchange
	routingKey RoutingKey
	msg        amqp.Publishing
}

func newTestPublisher() (*Publisher, *[]sent) {
	var out []sent
	p := &Publisher{
		send: func(_ context.Context, exchange Exchange, routingKey RoutingKey, msg amqp.Publishing) error {
			out = append(out, sent{exchange: exchange, routingKey: routingKey, msg: msg})
			return nil
		},
		logger: discardLogger(),
		now:    time.Now,
	}
	return p, &out
}

// delivery собирает Delivery так, как её видит Consumer после JSON.
func delivery(t *testing.T, ack amqp.Acknowledger, p sent) *Delivery {
	t.Helper()
	var msg Message
	require.NoError(t, json.Unmarshal(p.msg.Body, &msg))
	return &Delivery{
		Message: msg,
		Raw:     amqp.Delivery{Acknowledger: ack, Headers: p.msg.Headers, MessageId: p.msg.MessageId},
	}
}

func newTestIngress(t *testing.T, exec TaskExecutor, idem *idempotency.Manager) *Ingress {
	t.Helper()
	oc := ordered.New(ordered.Config{Logger: discardLogger()})
	t.Cleanup(func() { oc.Shutdown(context.Background()) })
	return NewIngress(IngressConfig{Ordered: oc, Executor: exec, Idempotency: idem, Logger: discardLogger()})
}

// --- Publisher ---

func TestPublisher_DispatchSetsPartitionHeader(t *testing.T) {
	p, out := newTestPublisher()
	tc := domain.TaskContext{
		JobID:        "order-flow.charge",
		PartitionKey: "order-42",
		Params:       map[string]any{"amount": 10.5},
		Workflow:     &domain.WorkflowRef{InstanceID: uuid.New(), NodeID: "charge"},
	}

	require.NoError(t, p.Dispatch(context.Background(), "payments", tc))
	require.Len(t, *out, 1)

	got := (*out)[0]
	assert.Equal(t, ExchangeTasks, got.exchange)
	assert.Equal(t, RoutingKeyReady, got.routingKey)
	assert.Equal(t, "order-42", got.msg.Headers[HeaderPartitionKey])
	assert.Equal(t, string(MessageTypeTaskExecute), got.msg.Type)
	assert.Equal(t, uint8(amqp.Persistent), got.msg.DeliveryMode)

	d := delivery(t, newFakeAcknowledger(), got)
	payload, err := ParsePayload[TaskPayload](&d.Message)
	require.NoError(t, err)
	assert.Equal(t, "payments", payload.Processor)
	assert.Equal(t, tc.Workflow.InstanceID, payload.Task.Workflow.InstanceID)
	assert.Equal(t, 10.5, payload.Task.Params["amount"])
}

func TestPublisher_RejectsInvalidTask(t *testing.T) {
	p, out := newTestPublisher()
	err := p.Dispatch(context.Background(), "payments", domain.TaskContext{})
	assert.ErrorIs(t, err, domain.ErrValidation)
	assert.Empty(t, *out)
}

func TestPublisher_DeadLetterAndAlert(t *testing.T) {
	p, out := newTestPublisher()

	require.NoError(t, p.DeadLetter(context.Background(), "email", domain.TaskContext{JobID: "send"}, "retries exhausted"))
	require.NoError(t, NewAlerter(p).SendFailureAlert(context.Background(), "send", "smtp down", 3))
	require.Len(t, *out, 2)

	assert.Equal(t, ExchangeDLQ, (*out)[0].exchange)
	assert.Equal(t, string(MessageTypeTaskDead), (*out)[0].msg.Type)
	assert.Nil(t, (*out)[0].msg.Headers)

	assert.Equal(t, ExchangeAlerts, (*out)[1].exchange)
	assert.Contains(t, string((*out)[1].msg.Body), `"retry_count":3`)
}

func TestPublisher_SendError(t *testing.T) {
	p, _ := newTestPublisher()
	p.send = func(context.Context, Exchange, RoutingKey, amqp.Publishing) error { return ErrNoChannel }

	err := p.Dispatch(context.Background(), "email", domain.TaskContext{JobID: "send"})
	assert.ErrorIs(t, err, ErrNoChannel)
}

// --- Ingress ---

func TestIngress_PreservesOrderPerKey(t *testing.T) {
	p, out := newTestPublisher()
	exec := &recordingExecutor{delay: 5 * time.Millisecond}
	ingress := newTestIngress(t, exec, nil)
	ack := newFakeAcknowledger()

	want := []string{"m1", "m2", "m3", "m4", "m5"}
	for _, job := range want {
		require.NoError(t, p.Dispatch(context.Background(), "email", domain.TaskContext{JobID: job, PartitionKey: "order-1"}))
	}
	for _, s := range *out {
		require.NoError(t, ingress.Handle(context.Background(), delivery(t, ack, s)))
	}

	for range want {
		assert.True(t, ack.wait(t).acked)
	}
	assert.Equal(t, want, exec.jobs())
}

func TestIngress_HeaderWinsOverPayloadKey(t *testing.T) {
	p, out := newTestPublisher()
	exec := &recordingExecutor{}
	ingress := newTestIngress(t, exec, nil)
	ack := newFakeAcknowledger()

	require.NoError(t, p.Dispatch(context.Background(), "email", domain.TaskContext{JobID: "j", PartitionKey: "payload-key"}))
	s := (*out)[0]
	s.msg.Headers = amqp.Table{HeaderPartitionKey: "header-key"}

	require.NoError(t, ingress.Handle(context.Background(), delivery(t, ack, s)))
	assert.True(t, ack.wait(t).acked)

	exec.mu.Lock()
	defer exec.mu.Unlock()
	require.Len(t, exec.tasks, 1)
	assert.Equal(t, "header-key", exec.tasks[0].PartitionKey)
}

func TestIngress_DuplicateMessageSkipped(t *testing.T) {
	p, out := newTestPublisher()
	exec := &recordingExecutor{}
	idem := idempotency.New(kv.NewMemoryStore(), idempotency.Config{})
	ingress := newTestIngress(t, exec, idem)
	ack := newFakeAcknowledger()

	require.NoError(t, p.Dispatch(context.Background(), "email", domain.TaskContext{JobID: "j", PartitionKey: "k"}))

	// повторная доставка того же сообщения
	for range 2 {
		require.NoError(t, ingress.Handle(context.Background(), delivery(t, ack, (*out)[0])))
		assert.True(t, ack.wait(t).acked)
	}
	assert.Len(t, exec.jobs(), 1)
}

func TestIngress_ValidationErrorGoesToDLQ(t *testing.T) {
	p, out := newTestPublisher()
	exec := &recordingExecutor{err: domain.NewValidationError("processor", "unknown processor")}
	ingress := newTestIngress(t, exec, nil)
	ack := newFakeAcknowledger()

	require.NoError(t, p.Dispatch(context.Background(), "missing", domain.TaskContext{JobID: "j"}))
	require.NoError(t, ingress.Handle(context.Background(), delivery(t, ack, (*out)[0])))

	r := ack.wait(t)
	assert.False(t, r.acked)
	assert.False(t, r.requeue)
}

func TestIngress_TransientErrorRequeues(t *testing.T) {
	p, out := newTestPublisher()
	exec := &recordingExecutor{err: errors.New("worker stopped")}
	ingress := newTestIngress(t, exec, nil)
	ack := newFakeAcknowledger()

	require.NoError(t, p.Dispatch(context.Background(), "email", domain.TaskContext{JobID: "j"}))
	require.NoError(t, ingress.Handle(context.Background(), delivery(t, ack, (*out)[0])))

	r := ack.wait(t)
	assert.False(t, r.acked)
	assert.True(t, r.requeue)
}

func TestIngress_RejectsUnexpectedType(t *testing.T) {
	p, out := newTestPublisher()
	ingress := newTestIngress(t, &recordingExecutor{}, nil)
	ack := newFakeAcknowledger()

	require.NoError(t, p.DeadLetter(context.Background(), "email", domain.TaskContext{JobID: "j"}, "boom"))
	err := ingress.Handle(context.Background(), delivery(t, ack, (*out)[0]))

	assert.ErrorIs(t, err, ErrUnexpectedMessage)
	assert.False(t, ack.wait(t).requeue)
}

func TestTopology_TasksReadyDeadLetters(t *testing.T) {
	byQueue := make(map[Queue]route, len(topology))
	for _, r := range topology {
		byQueue[r.queue] = r
	}
	require.Len(t, byQueue, 3)

	ready := byQueue[QueueTasksReady]
	assert.Equal(t, ExchangeTasks, ready.exchange)
	assert.Equal(t, string(ExchangeDLQ), ready.args["x-dead-letter-exchange"])
	assert.Equal(t, string(RoutingKeyDLQTasks), ready.args["x-dead-letter-routing-key"])

	dlq := byQueue[QueueDLQTasks]
	assert.Equal(t, ExchangeDLQ, dlq.exchange)
	assert.Equal(t, RoutingKeyDLQTasks, dlq.routingKey)
}

func TestParsePayload_FromDecodedEnvelope(t *testing.T) {
	var msg Message
	require.NoError(t, json.Unmarshal([]byte(`{"id":"m","type":"task.execute","payload":{"processor":"email","task":{"job_id":"send"}}}`), &msg))

	payload, err := ParsePayload[TaskPayload](&msg)
	require.NoError(t, err)
	assert.Equal(t, "email", payload.Processor)
	assert.Equal(t, "send", payload.Task.JobID)
}
