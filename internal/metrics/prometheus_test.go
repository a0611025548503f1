package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/shaiso/Relay/internal/domain"
)

func TestPrometheus_Records(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewPrometheus(reg)

	m.RecordExecution("email")
	m.RecordExecution("email")
	m.RecordResult("email", domain.Success(nil))
	hit := domain.Success(nil).Finalize(time.Now(), 0, true)
	m.RecordResult("email", hit)
	m.RecordResult("email", domain.Failure("bad address"))
	m.RecordLatency("email", 250*time.Millisecond)
	m.RecordRetries("email", 1)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.executions.WithLabelValues("email")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.results.WithLabelValues("email", "SUCCESS")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.results.WithLabelValues("email", "FAILED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.hits.WithLabelValues("email")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.retries.WithLabelValues("email", "1")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.latency))
}

func TestPrometheus_Gauges(t *testing.T) {
	m := NewPrometheus(prometheus.NewRegistry())

	m.SetActiveInstances(7)
	m.SetFailedInstances(2)
	m.SetLanes(3)
	m.SetBreakerState("sms", "OPEN")

	assert.Equal(t, 7.0, testutil.ToFloat64(m.activeInstances))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.failedInstances))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.lanes))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.breakerState.WithLabelValues("sms")))

	m.SetBreakerState("sms", "CLOSED")
	assert.Equal(t, 0.0, testutil.ToFloat64(m.breakerState.WithLabelValues("sms")))
}

func TestNoop(t *testing.T) {
	var c Collector = Noop{}
	c.RecordExecution("x")
	c.RecordResult("x", domain.Success(nil))
	c.RecordLatency("x", time.Second)
	c.RecordRetries("x", 3)
}

func TestNewRegistry_RuntimeCollectors(t *testing.T) {
	reg := NewRegistry()
	NewPrometheus(reg).SetLanes(1)

	families, err := reg.Gather()
	assert.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["go_goroutines"])
	assert.True(t, names["relay_ordered_lanes"])
}
