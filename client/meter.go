package client

import (
	"context"
	"sync/atomic"
	"time"
)

// DefaultRefreshHz is how many throughput samples a Meter emits per second.
const DefaultRefreshHz = 4

// Meter turns a stream of chunk sizes into throughput samples.
//
// Bytes accumulate between resets. A sample is emitted refreshHz times per
// second and the accumulator is cleared every refreshHz ticks, so a sample
// reports bytes seen within the current one-second window.
type Meter struct {
	refreshHz int
	bytes     atomic.Int64
}

// NewMeter creates a Meter. Non-positive refreshHz uses DefaultRefreshHz.
func NewMeter(refreshHz int) *Meter {
	if refreshHz <= 0 {
		refreshHz = DefaultRefreshHz
	}
	return &Meter{refreshHz: refreshHz}
}

// Add accounts n received bytes.
func (m *Meter) Add(n int64) {
	m.bytes.Add(n)
}

// Interval returns the time between samples.
func (m *Meter) Interval() time.Duration {
	return time.Second / time.Duration(m.refreshHz)
}

// Tick emits the current sample and resets on window boundaries.
// tick counts from zero.
func (m *Meter) Tick(tick uint, emit func(bytesPerSec float64)) {
	emit(float64(m.bytes.Load()))
	if tick%uint(m.refreshHz) == 0 {
		m.bytes.Store(0)
	}
}

// Run calls Tick on every interval until ctx is done.
func (m *Meter) Run(ctx context.Context, emit func(bytesPerSec float64)) {
	ticker := time.NewTicker(m.Interval())
	defer ticker.Stop()

	var tick uint
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Tick(tick, emit)
			tick++
		}
	}
}
