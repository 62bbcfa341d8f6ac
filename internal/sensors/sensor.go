package sensors

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"
)

// Kind tags the variant behind a sensor.
type Kind string

const (
	KindExt    Kind = "ext"    // value pushed by a remote weather station
	KindW1     Kind = "w1"     // one-wire temperature sensor
	KindWeight Kind = "weight" // HX711 load cell
)

// TareMode reports which branch SetTare took.
type TareMode int

const (
	TareOffset TareMode = iota // only the offset was adjusted
	TareSlope                  // slope and offset were recomputed
)

func (m TareMode) String() string {
	if m == TareSlope {
		return "slope"
	}
	return "offset"
}

// ErrTareReference is returned when a slope recalibration would divide by a
// zero span.
var ErrTareReference = errors.New("tare reference points coincide")

const (
	DefaultDelta       = 0.1
	DefaultMinDelay    = time.Minute
	DefaultMinTareStep = 5.0
)

// Source produces readings for a sensor. Poll returns a completed reading
// exactly once.
type Source interface {
	Poll() (StampedValue, bool)
}

// Acquirer is a Source backed by an asynchronous acquisition.
type Acquirer interface {
	Source
	// Trigger starts the next acquisition. It returns false when the source
	// has given up and the sensor should be disabled.
	Trigger(ctx context.Context) bool
	// Cancel abandons an outstanding acquisition.
	Cancel()
	// Reset clears the failure history.
	Reset()
}

// Restorer is implemented by sources that keep a running mean which can be
// seeded from the last persisted value.
type Restorer interface {
	Restore(value float64)
}

// Sensor holds the per-source state shared by every variant: calibration,
// acceptance filter and the last accepted value.
type Sensor struct {
	mu sync.Mutex

	name        string
	unit        string
	description string
	deviceID    string
	kind        Kind

	a, b        float64
	delta       float64
	mode        FilterMode
	enabled     bool
	minDelay    time.Duration
	minTareStep float64
	tareRef     float64
	last        *StampedValue

	source Source
}

// New builds a sensor from a configuration record. The variant source is
// attached separately with Attach.
func New(r Record) *Sensor {
	return &Sensor{
		name:        r.Name,
		unit:        r.Unit,
		description: r.Description,
		deviceID:    r.DeviceID,
		kind:        r.Kind,
		a:           r.A,
		b:           r.B,
		delta:       r.Delta,
		mode:        r.Mode,
		enabled:     r.Enabled,
		minDelay:    DefaultMinDelay,
		minTareStep: DefaultMinTareStep,
		tareRef:     math.NaN(),
	}
}

// Attach sets the variant implementation.
func (s *Sensor) Attach(src Source) {
	s.mu.Lock()
	s.source = src
	s.mu.Unlock()
}

func (s *Sensor) Name() string     { return s.name }
func (s *Sensor) Kind() Kind       { return s.kind }
func (s *Sensor) Unit() string     { return s.unit }
func (s *Sensor) DeviceID() string { return s.deviceID }

func (s *Sensor) Description() string { return s.description }

// Calibrate applies the linear calibration a·raw + b.
func (s *Sensor) Calibrate(raw float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.a*raw + s.b
}

// SetCalibration replaces both coefficients.
func (s *Sensor) SetCalibration(a, b float64) {
	s.mu.Lock()
	s.a, s.b = a, b
	s.mu.Unlock()
}

// Calibration returns the current coefficients.
func (s *Sensor) Calibration() (a, b float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.a, s.b
}

func (s *Sensor) Delta() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delta
}

func (s *Sensor) SetDelta(d float64) {
	s.mu.Lock()
	s.delta = d
	s.mu.Unlock()
}

func (s *Sensor) Mode() FilterMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

func (s *Sensor) SetMode(m FilterMode) {
	s.mu.Lock()
	s.mode = m
	s.mu.Unlock()
}

// SetMinDelay sets the minimum spacing used by FilterMinDelay.
func (s *Sensor) SetMinDelay(d time.Duration) {
	s.mu.Lock()
	s.minDelay = d
	s.mu.Unlock()
}

// SetMinTareStep sets the reference increase that switches SetTare to a full
// recalibration.
func (s *Sensor) SetMinTareStep(step float64) {
	s.mu.Lock()
	s.minTareStep = step
	s.mu.Unlock()
}

func (s *Sensor) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// SetEnabled toggles sampling. Acquisition sources get their failure history
// cleared, and disabling cancels any outstanding acquisition.
func (s *Sensor) SetEnabled(enabled bool) {
	s.mu.Lock()
	s.enabled = enabled
	src := s.source
	s.mu.Unlock()

	if acq, ok := src.(Acquirer); ok {
		acq.Reset()
		if !enabled {
			acq.Cancel()
		}
	}
}

// Last returns the last accepted value.
func (s *Sensor) Last() (StampedValue, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return StampedValue{}, false
	}
	return *s.last, true
}

// SetLast seeds the last accepted value, typically from replayed history.
// Sources keeping a running mean are restored from numeric values.
func (s *Sensor) SetLast(v StampedValue) {
	s.mu.Lock()
	s.last = &v
	src := s.source
	s.mu.Unlock()

	if r, ok := src.(Restorer); ok {
		if f, ok := v.Number(); ok && !math.IsNaN(f) {
			r.Restore(f)
		}
	}
}

// Accept runs the acceptance filter against the last accepted value and
// records v as the new last value when it passes.
func (s *Sensor) Accept(v StampedValue) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !accepts(s.mode, s.last, v, s.delta, s.minDelay) {
		return false
	}
	s.last = &v
	return true
}

// Outcome tells what Collect did.
type Outcome int

const (
	NoData   Outcome = iota // no completed reading was available
	Rejected                // a reading was dropped by the filter
	Accepted                // a reading passed the filter and is now last
)

// Collect takes a completed reading from the source and filters it.
func (s *Sensor) Collect() (StampedValue, Outcome) {
	s.mu.Lock()
	src := s.source
	s.mu.Unlock()
	if src == nil {
		return StampedValue{}, NoData
	}
	v, ok := src.Poll()
	if !ok {
		return StampedValue{}, NoData
	}
	if !s.Accept(v) {
		return v, Rejected
	}
	return v, Accepted
}

// Acquirer returns the asynchronous source, if the variant has one.
func (s *Sensor) Acquirer() (Acquirer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acq, ok := s.source.(Acquirer)
	return acq, ok
}

// SetTare maps observed (a value calibrated with the current coefficients)
// to target. When target exceeds the previous tare target by at least the
// minimum step, a known reference was added and both coefficients are
// recomputed from the two reference points; otherwise only the offset moves.
func (s *Sensor) SetTare(target, observed float64) (TareMode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !math.IsNaN(s.tareRef) && target-s.tareRef >= s.minTareStep {
		span := s.tareRef - observed
		if span == 0 {
			return TareSlope, ErrTareReference
		}
		corr := (s.tareRef - target) / span
		s.a = corr * s.a
		s.b = target - corr*(observed-s.b)
		s.tareRef = target
		return TareSlope, nil
	}
	s.b += target - observed
	s.tareRef = target
	return TareOffset, nil
}

// TareReference returns the target of the last tare call, NaN if none.
func (s *Sensor) TareReference() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tareRef
}

// Record captures the persistent state.
func (s *Sensor) Record() Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Record{
		Name:        s.name,
		Unit:        s.unit,
		Description: s.description,
		Kind:        s.kind,
		DeviceID:    s.deviceID,
		Enabled:     s.enabled,
		A:           s.a,
		B:           s.b,
		Delta:       s.delta,
		Mode:        s.mode,
	}
}

func (s *Sensor) String() string {
	return fmt.Sprintf("%s(%s)", s.name, s.kind)
}
