package hx711

import "time"

// Clock is the timing primitive used during the bit exchange. Pulse widths
// are far below what a sleeping goroutine can resolve, so Spin busy-waits.
type Clock interface {
	// Now returns a monotonic reading.
	Now() time.Duration
	// Spin burns CPU until d has elapsed.
	Spin(d time.Duration)
}

type monotonic struct {
	origin time.Time
}

// MonotonicClock spins on the runtime's monotonic clock.
func MonotonicClock() Clock {
	return monotonic{origin: time.Now()}
}

func (m monotonic) Now() time.Duration { return time.Since(m.origin) }

func (m monotonic) Spin(d time.Duration) {
	if d <= 0 {
		return
	}
	end := m.Now() + d
	for m.Now() < end {
	}
}
