package cases

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/deriv/fraud-triage/internal/metrics"
	"github.com/deriv/fraud-triage/internal/triage"
)

// StatsBroadcaster pushes the dashboard aggregate to the stats topic on a
// fixed cadence. TPS is the meter count divided by the actual elapsed
// time, so drifted ticks still report an honest rate.
type StatsBroadcaster struct {
	service  *Service
	meter    *triage.TrafficMeter
	interval time.Duration
}

// NewStatsBroadcaster wires a broadcaster to the service and meter.
func NewStatsBroadcaster(service *Service, meter *triage.TrafficMeter, interval time.Duration) *StatsBroadcaster {
	if interval <= 0 {
		interval = time.Second
	}
	return &StatsBroadcaster{service: service, meter: meter, interval: interval}
}

// Run broadcasts until ctx is cancelled.
func (b *StatsBroadcaster) Run(ctx context.Context) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			elapsed := now.Sub(last)
			last = now
			b.broadcast(ctx, elapsed)
		}
	}
}

func (b *StatsBroadcaster) broadcast(ctx context.Context, elapsed time.Duration) {
	count := b.meter.GetAndReset()
	tps := 0
	if elapsed > 0 {
		tps = int(float64(count) / elapsed.Seconds())
	}
	b.service.setTPS(tps)
	metrics.StreamTPS.Set(float64(tps))

	frame, err := b.service.ComputeStats(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to compute dashboard stats")
		return
	}
	b.service.publisher.PublishStats(frame)
}
