package w1

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/jkaberg/pihive/internal/pool"
	"github.com/jkaberg/pihive/internal/sensors"
)

// WarmUp is the number of readings dropped after a thermometer is created. The
// first conversions after power-up are often far off.
const WarmUp = 3

// Calibration is what a thermometer needs from the owning sensor.
type Calibration interface {
	Name() string
	Calibrate(raw float64) float64
}

// Reader reads one thermometer. *Bus implements it.
type Reader interface {
	Read(id string) (float64, error)
}

// Thermometer reads one DS18B20 asynchronously on the worker pool.
type Thermometer struct {
	id     string
	bus    Reader
	cal    Calibration
	pool   *pool.Pool
	logger *logrus.Logger

	mu       sync.Mutex
	busy     bool
	gen      uint64
	cancel   context.CancelFunc
	result   *sensors.StampedValue
	skipped  int
	failures int
}

// NewThermometer binds device id to the sensor calibration.
func NewThermometer(id string, bus Reader, cal Calibration, p *pool.Pool, logger *logrus.Logger) *Thermometer {
	return &Thermometer{id: id, bus: bus, cal: cal, pool: p, logger: logger}
}

// ID returns the one-wire device id.
func (p *Thermometer) ID() string { return p.id }

// Trigger starts a read unless one is outstanding. Thermometers never give up, so
// it always returns true.
func (p *Thermometer) Trigger(ctx context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.busy {
		return true
	}
	actx, cancel := context.WithCancel(ctx)
	p.gen++
	p.busy = true
	p.cancel = cancel
	gen := p.gen
	p.pool.Go(actx, func(ctx context.Context) { p.read(ctx, gen) })
	return true
}

func (p *Thermometer) read(ctx context.Context, gen uint64) {
	raw, err := p.bus.Read(p.id)

	p.mu.Lock()
	defer p.mu.Unlock()
	if gen != p.gen {
		return
	}
	p.busy = false
	p.cancel()
	p.cancel = nil
	if ctx.Err() != nil {
		return
	}

	if err != nil {
		p.failures++
		p.logger.WithError(err).WithFields(logrus.Fields{
			"sensor":   p.cal.Name(),
			"failures": p.failures,
		}).Warn("One-wire read failed")
		return
	}
	p.failures = 0
	if p.skipped < WarmUp {
		p.skipped++
		return
	}
	v := sensors.NewStampedValue(p.cal.Name(), p.cal.Calibrate(raw))
	p.result = &v
}

// Poll returns a finished reading once.
func (p *Thermometer) Poll() (sensors.StampedValue, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.result == nil {
		return sensors.StampedValue{}, false
	}
	v := *p.result
	p.result = nil
	return v, true
}

// Cancel abandons the outstanding read. The sysfs read itself cannot be
// interrupted; its result is dropped.
func (p *Thermometer) Cancel() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	p.gen++
	p.busy = false
	p.result = nil
}

// Reset clears the failure count.
func (p *Thermometer) Reset() {
	p.mu.Lock()
	p.failures = 0
	p.mu.Unlock()
}

// Busy reports whether a read is outstanding.
func (p *Thermometer) Busy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.busy
}
