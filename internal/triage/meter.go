package triage

import "sync/atomic"

// TrafficMeter counts records pulled off the inbound stream. The stats
// broadcaster reads and resets it on a fixed cadence to compute TPS.
type TrafficMeter struct {
	counter atomic.Int64
}

// NewTrafficMeter creates a zeroed meter.
func NewTrafficMeter() *TrafficMeter {
	return &TrafficMeter{}
}

// Add increments the counter by n.
func (m *TrafficMeter) Add(n int64) {
	m.counter.Add(n)
}

// GetAndReset returns the current count and resets it to zero atomically.
func (m *TrafficMeter) GetAndReset() int64 {
	return m.counter.Swap(0)
}
