package app

import (
	"context"
	"time"

	"github.com/shaiso/Relay/internal/breaker"
)

// RuntimeGauges принимает состояние воркера. Реализуется metrics.Prometheus.
type RuntimeGauges interface {
	SetLanes(n int)
	SetBreakerState(processor, state string)
}

// Runtime — источники runtime-gauges воркера.
type Runtime struct {
	Gauges   RuntimeGauges
	Lanes    func() int
	Breakers *breaker.Set
}

// Report выставляет gauges один раз.
func (r Runtime) Report() {
	if r.Lanes != nil {
		r.Gauges.SetLanes(r.Lanes())
	}
	if r.Breakers != nil {
		for name, stats := range r.Breakers.Snapshot() {
			r.Gauges.SetBreakerState(name, string(stats.State))
		}
	}
}

// Run обновляет gauges каждые interval до отмены ctx.
func (r Runtime) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		r.Report()
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
