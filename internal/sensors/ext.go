package sensors

import "sync"

// ExtSource holds values pushed by a remote station until the scheduler
// collects them.
type ExtSource struct {
	sensor *Sensor

	mu      sync.Mutex
	pending *StampedValue
}

// NewExtSource attaches a push source to s and returns it.
func NewExtSource(s *Sensor) *ExtSource {
	e := &ExtSource{sensor: s}
	s.Attach(e)
	return e
}

// Offer calibrates raw and keeps it for the next Poll, replacing any value
// not collected yet.
func (e *ExtSource) Offer(v StampedValue) {
	if f, ok := v.Number(); ok {
		v.Value = e.sensor.Calibrate(f)
	}
	e.mu.Lock()
	e.pending = &v
	e.mu.Unlock()
}

// Poll returns the pending value once.
func (e *ExtSource) Poll() (StampedValue, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pending == nil {
		return StampedValue{}, false
	}
	v := *e.pending
	e.pending = nil
	return v, true
}

// Name returns the name of the sensor the source feeds.
func (e *ExtSource) Name() string { return e.sensor.Name() }
