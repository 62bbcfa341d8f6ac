// Package hx711 drives an HX711 load-cell ADC over two GPIO lines.
//
// The chip has no bus controller: every bit is clocked out by toggling the
// clock line from user space. The host gives no timing guarantees, so each
// exchange is timed and discarded when a pulse was stretched by scheduling
// jitter. Valid samples pass through a plausibility-weighted floating mean.
package hx711

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
	"periph.io/x/periph/conn/gpio"

	"github.com/jkaberg/pihive/internal/pool"
	"github.com/jkaberg/pihive/internal/sensors"
)

// Tuning holds the protocol and filter constants. The pulse bounds and
// plausibility limits depend on the host and the cell, so all of them are
// configurable.
type Tuning struct {
	Bits          int           // data bits per exchange
	GainPulses    int           // extra pulses selecting gain for the next exchange
	Settle        time.Duration // wake-up wait before the exchange
	MinPulse      time.Duration // busy-wait per clock phase
	FirstPulseMax time.Duration // bound for the first high phase
	PulseMax      time.Duration // bound for every other phase
	ErrMax        int           // consecutive faults before Trigger gives up
	Shape         float64
	PFMin         float64
	Drift         float64
}

// DefaultTuning returns channel A, gain 128 settings.
func DefaultTuning() Tuning {
	return Tuning{
		Bits:          24,
		GainPulses:    1,
		Settle:        800 * time.Millisecond,
		MinPulse:      time.Microsecond,
		FirstPulseMax: 86 * time.Microsecond,
		PulseMax:      68 * time.Microsecond,
		ErrMax:        600,
		Shape:         8,
		PFMin:         0.05,
		Drift:         0,
	}
}

// Calibration is what the driver needs from the owning sensor.
type Calibration interface {
	Name() string
	Calibrate(raw float64) float64
	Delta() float64
}

// Option configures a Driver.
type Option func(d *Driver) error

// WithTuning replaces the default constants.
func WithTuning(t Tuning) Option {
	return func(d *Driver) error {
		if t.Bits <= 0 || t.Bits > 31 {
			return fmt.Errorf("invalid bit count %d", t.Bits)
		}
		if t.ErrMax <= 0 {
			return fmt.Errorf("invalid error ceiling %d", t.ErrMax)
		}
		if t.GainPulses < 1 || t.GainPulses > 3 {
			return fmt.Errorf("invalid gain pulse count %d", t.GainPulses)
		}
		if !(t.Shape > 0) || t.PFMin < 0 || t.PFMin >= 1 {
			return fmt.Errorf("invalid plausibility shape %g or minimum %g", t.Shape, t.PFMin)
		}
		if t.MinPulse <= 0 || t.PulseMax <= t.MinPulse || t.FirstPulseMax <= t.MinPulse {
			return fmt.Errorf("pulse limits %s/%s must exceed the minimum pulse %s", t.FirstPulseMax, t.PulseMax, t.MinPulse)
		}
		d.tuning = t
		return nil
	}
}

// WithClock replaces the busy-wait timing primitive.
func WithClock(c Clock) Option {
	return func(d *Driver) error {
		d.clock = c
		return nil
	}
}

// WithMetrics reports faults and the plausibility of each valid sample.
func WithMetrics(faults prometheus.Counter, plausibility prometheus.Gauge) Option {
	return func(d *Driver) error {
		d.faults = faults
		d.plausibility = plausibility
		return nil
	}
}

// Driver owns the clock and data lines of one HX711. At most one exchange is
// outstanding at a time.
type Driver struct {
	clk    gpio.PinOut
	data   gpio.PinIn
	cal    Calibration
	pool   *pool.Pool
	clock  Clock
	tuning Tuning
	logger *logrus.Logger

	faultLog     *rate.Limiter
	faults       prometheus.Counter
	plausibility prometheus.Gauge

	// io serialises access to the pins.
	io sync.Mutex

	mu       sync.Mutex
	busy     bool
	gen      uint64
	cancel   context.CancelFunc
	result   *sensors.StampedValue
	failures int
	mean     FloatingMean
}

// New configures the pins and puts the chip into power-down.
func New(clk gpio.PinOut, data gpio.PinIn, cal Calibration, p *pool.Pool, logger *logrus.Logger, opts ...Option) (*Driver, error) {
	d := &Driver{
		clk:      clk,
		data:     data,
		cal:      cal,
		pool:     p,
		clock:    MonotonicClock(),
		tuning:   DefaultTuning(),
		logger:   logger,
		faultLog: rate.NewLimiter(rate.Every(time.Minute), 1),
	}
	for _, o := range opts {
		if err := o(d); err != nil {
			return nil, err
		}
	}
	d.mean = FloatingMean{Shape: d.tuning.Shape, PFMin: d.tuning.PFMin, Drift: d.tuning.Drift}

	if err := data.In(gpio.PullNoChange, gpio.NoEdge); err != nil {
		return nil, fmt.Errorf("failed to configure data pin %s: %w", data, err)
	}
	if err := clk.Out(gpio.High); err != nil {
		return nil, fmt.Errorf("failed to configure clock pin %s: %w", clk, err)
	}
	return d, nil
}

// Trigger starts an exchange on the worker pool. It returns false without
// touching the pins once ErrMax consecutive faults have been counted. A call
// while an exchange is outstanding is a no-op.
func (d *Driver) Trigger(ctx context.Context) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failures >= d.tuning.ErrMax {
		d.logger.WithFields(logrus.Fields{
			"sensor":   d.cal.Name(),
			"failures": d.failures,
		}).Warn("Weight cell error limit exceeded")
		return false
	}
	if d.busy {
		return true
	}
	actx, cancel := context.WithCancel(ctx)
	d.gen++
	d.busy = true
	d.cancel = cancel
	gen := d.gen
	d.pool.Go(actx, func(ctx context.Context) { d.acquire(ctx, gen) })
	return true
}

// Poll returns a finished reading once.
func (d *Driver) Poll() (sensors.StampedValue, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.result == nil {
		return sensors.StampedValue{}, false
	}
	v := *d.result
	d.result = nil
	return v, true
}

// Busy reports whether an exchange is outstanding.
func (d *Driver) Busy() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.busy
}

// Cancel abandons the outstanding exchange. A wake-up wait in progress is cut
// short; an exchange already clocking bits completes but its result is
// dropped.
func (d *Driver) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.gen++
	d.busy = false
	d.result = nil
}

// Reset clears the consecutive fault counter.
func (d *Driver) Reset() {
	d.mu.Lock()
	d.failures = 0
	d.mu.Unlock()
}

// Failures returns the consecutive fault count.
func (d *Driver) Failures() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.failures
}

// Restore seeds the floating mean, typically with the last persisted weight.
func (d *Driver) Restore(weight float64) {
	d.mu.Lock()
	d.mean.Seed(weight)
	d.mu.Unlock()
}

// Weight returns the current floating mean, NaN before the first sample.
func (d *Driver) Weight() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mean.Weight()
}

func (d *Driver) acquire(ctx context.Context, gen uint64) {
	d.io.Lock()
	r, err := d.exchange(ctx)
	d.io.Unlock()

	d.mu.Lock()
	defer d.mu.Unlock()
	if gen != d.gen {
		return
	}
	d.busy = false
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}

	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return
	case err != nil:
		d.failures++
		d.logger.WithError(err).WithField("sensor", d.cal.Name()).Error("Weight cell exchange failed")
	case r.fault(d.tuning):
		d.failures++
		if d.faults != nil {
			d.faults.Inc()
		}
		d.logFault(r)
	default:
		d.accept(r)
	}
}

// accept runs a valid count through calibration and the floating mean.
// Called with d.mu held.
func (d *Driver) accept(r reading) {
	name := d.cal.Name()
	sv := d.cal.Calibrate(float64(r.count))
	weight, pf, ok := d.mean.Update(sv, d.cal.Delta())
	if d.plausibility != nil {
		d.plausibility.Set(pf)
	}
	if !ok {
		d.logger.WithFields(logrus.Fields{
			"sensor": name,
			"count":  fmt.Sprintf("%06x", r.count),
			"sv":     sv,
			"psv":    d.mean.Previous(),
			"pf":     pf,
			"weight": weight,
		}).Info("Implausible weight sample ignored")
		return
	}
	if d.failures > 0 {
		d.logger.WithFields(logrus.Fields{
			"sensor":   name,
			"failures": d.failures,
		}).Info("Weight cell recovered")
	}
	d.failures = 0
	v := sensors.NewStampedValue(name, math.Round(weight*100)/100)
	d.result = &v
}

func (d *Driver) logFault(r reading) {
	entry := d.logger.WithFields(logrus.Fields{
		"sensor":   d.cal.Name(),
		"count":    fmt.Sprintf("%06x", r.count),
		"failures": d.failures,
		"highs":    formatTimings(r.highs),
		"lows":     formatTimings(r.lows),
	})
	if d.faultLog.Allow() {
		entry.Warn("Weight cell timing fault")
		return
	}
	entry.Debug("Weight cell timing fault")
}

// reading is the outcome of one exchange.
type reading struct {
	count uint32
	highs []time.Duration
	lows  []time.Duration
}

// fault reports a stretched pulse or a count that cannot come from a working
// chip: all bits low, all bits high, or the top nibble saturated.
func (r reading) fault(t Tuning) bool {
	for i, h := range r.highs {
		limit := t.PulseMax
		if i == 0 {
			limit = t.FirstPulseMax
		}
		if h > limit {
			return true
		}
	}
	for _, l := range r.lows {
		if l > t.PulseMax {
			return true
		}
	}
	mask := uint32(1)<<t.Bits - 1
	msb := uint32(1) << (t.Bits - 1)
	top := mask &^ (mask >> 4)
	switch {
	case r.count == msb, r.count == mask>>1:
		return true
	case r.count&top == top:
		return true
	}
	return false
}

func (d *Driver) exchange(ctx context.Context) (reading, error) {
	if err := ctx.Err(); err != nil {
		return reading{}, err
	}
	name := d.cal.Name()

	asleep := d.data.Read() == gpio.High
	if err := d.clk.Out(gpio.Low); err != nil {
		return reading{}, fmt.Errorf("wake: %w", err)
	}
	if asleep {
		if err := sleep(ctx, d.tuning.Settle); err != nil {
			_ = d.clk.Out(gpio.High)
			return reading{}, err
		}
		if d.data.Read() != gpio.Low {
			d.logger.WithField("sensor", name).Debug("Data line not low after settle wait")
		}
	} else {
		d.logger.WithField("sensor", name).Info("Weight cell left power-down on its own")
	}

	restore, perr := raisePriority()
	if perr != nil {
		d.logger.WithError(perr).Debug("Could not raise exchange priority")
	}

	var ioErr error
	out := func(l gpio.Level) {
		if err := d.clk.Out(l); err != nil && ioErr == nil {
			ioErr = err
		}
	}

	bits := d.tuning.Bits
	minPulse := d.tuning.MinPulse
	r := reading{highs: make([]time.Duration, bits), lows: make([]time.Duration, bits)}
	t := d.clock.Now()
	for i := 0; i < bits; i++ {
		out(gpio.High)
		d.clock.Spin(minPulse)
		r.count <<= 1
		if d.data.Read() == gpio.High {
			r.count |= 1
		}
		mid := d.clock.Now()
		r.highs[i] = mid - t
		out(gpio.Low)
		d.clock.Spin(minPulse)
		t = d.clock.Now()
		r.lows[i] = t - mid
	}
	r.count ^= 1 << (bits - 1)

	for i := 0; i < d.tuning.GainPulses; i++ {
		out(gpio.High)
		d.clock.Spin(minPulse)
		out(gpio.Low)
		d.clock.Spin(minPulse)
	}
	out(gpio.High)
	restore()

	if ioErr != nil {
		return r, fmt.Errorf("clock: %w", ioErr)
	}
	return r, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func formatTimings(ds []time.Duration) string {
	parts := make([]string, len(ds))
	for i, d := range ds {
		parts[i] = fmt.Sprint(d.Nanoseconds())
	}
	return strings.Join(parts, ",")
}
