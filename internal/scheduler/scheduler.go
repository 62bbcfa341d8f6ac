// Package scheduler runs the node's heartbeat: it dispatches expired
// maintenance orders, collects finished sensor readings into the history and
// starts the next acquisitions.
package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jkaberg/pihive/internal/history"
	"github.com/jkaberg/pihive/internal/metrics"
	"github.com/jkaberg/pihive/internal/sensors"
)

// Job is a self-rescheduling maintenance task. It returns the delay until
// its next run; the delay is honoured even when err is non-nil.
type Job interface {
	Run(ctx context.Context, snapshot []sensors.StampedValue, host string) (time.Duration, error)
}

// JobFunc adapts a function to Job.
type JobFunc func(ctx context.Context, snapshot []sensors.StampedValue, host string) (time.Duration, error)

func (f JobFunc) Run(ctx context.Context, snapshot []sensors.StampedValue, host string) (time.Duration, error) {
	return f(ctx, snapshot, host)
}

// Station is a remote weather source. HasData moves a completed poll into
// the station's sensors and reports whether anything was applied.
type Station interface {
	HasData() bool
}

// Reporter notifies the operator about conditions that need a manual action.
type Reporter interface {
	Report(ctx context.Context, subject, message string)
}

// Config holds the loop timing.
type Config struct {
	Heartbeat       time.Duration
	JobTimeout      time.Duration
	ShutdownTimeout time.Duration
	RetryDelay      time.Duration // used when a job returns a non-positive delay
	Host            string
}

// DefaultConfig returns a one-second heartbeat.
func DefaultConfig() Config {
	return Config{
		Heartbeat:       time.Second,
		JobTimeout:      2 * time.Minute,
		ShutdownTimeout: 30 * time.Second,
		RetryDelay:      time.Minute,
	}
}

// Initial delays of the maintenance jobs after start.
var DefaultInitialDelay = map[Kind]time.Duration{
	KindWeather: 0,
	KindPublish: time.Minute,
	KindArchive: time.Hour,
}

type jobEntry struct {
	job     Job
	initial time.Duration
}

// Option configures a Scheduler.
type Option func(s *Scheduler)

// WithJob registers job for kind, first run after initial.
func WithJob(kind Kind, job Job, initial time.Duration) Option {
	return func(s *Scheduler) { s.jobs[kind] = jobEntry{job: job, initial: initial} }
}

// WithStation adds a weather station drained every heartbeat.
func WithStation(st Station) Option {
	return func(s *Scheduler) { s.stations = append(s.stations, st) }
}

// WithReporter sets where disabled sensors are reported.
func WithReporter(r Reporter) Option {
	return func(s *Scheduler) { s.reporter = r }
}

// WithFlush sets the callback persisting sensor configuration on shutdown.
func WithFlush(fn func(ctx context.Context) error) Option {
	return func(s *Scheduler) { s.flush = fn }
}

// WithMetrics enables instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// Scheduler owns the delay queue and the heartbeat loop. Sensor values are
// collected only on the loop goroutine.
type Scheduler struct {
	cfg      Config
	queue    *Queue
	jobs     map[Kind]jobEntry
	stations []Station
	registry *sensors.Registry
	history  *history.Store
	reporter Reporter
	flush    func(ctx context.Context) error
	metrics  *metrics.Metrics
	logger   *logrus.Logger

	mu   sync.Mutex
	host string
}

// New creates a scheduler. Call Run to start it.
func New(cfg Config, reg *sensors.Registry, hist *history.Store, logger *logrus.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		cfg:      cfg,
		queue:    NewQueue(),
		jobs:     make(map[Kind]jobEntry),
		registry: reg,
		history:  hist,
		logger:   logger,
		host:     cfg.Host,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Queue exposes the delay queue.
func (s *Scheduler) Queue() *Queue { return s.queue }

// SetHost changes the node name handed to jobs.
func (s *Scheduler) SetHost(host string) {
	s.mu.Lock()
	s.host = host
	s.mu.Unlock()
}

// Host returns the node name handed to jobs.
func (s *Scheduler) Host() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.host
}

// Schedule enqueues an order for kind after delay.
func (s *Scheduler) Schedule(kind Kind, delay time.Duration) *Order {
	o := NewOrder(kind, delay)
	s.queue.Add(o)
	return o
}

// Reschedule cancels pending orders of kind and enqueues a new one, so a job
// triggered by hand does not start a second periodic chain.
func (s *Scheduler) Reschedule(kind Kind, delay time.Duration) *Order {
	for _, o := range s.queue.Pending() {
		if o.Kind() == kind {
			o.Cancel()
		}
	}
	return s.Schedule(kind, delay)
}

// Run blocks until ctx is done or the loop fails. On exit it drains the
// queue, cancels outstanding acquisitions, flushes sensor configuration and
// runs the archive job once more, bounded by ShutdownTimeout.
func (s *Scheduler) Run(ctx context.Context) (err error) {
	defer s.shutdown()
	defer func() {
		if r := recover(); r != nil {
			s.logger.WithField("stack", string(debug.Stack())).Error("Scheduler loop panicked")
			err = fmt.Errorf("scheduler loop panic: %v", r)
		}
	}()

	for kind, e := range s.jobs {
		s.Schedule(kind, e.initial)
	}
	s.logger.WithFields(logrus.Fields{
		"heartbeat": s.cfg.Heartbeat,
		"sensors":   s.registry.Len(),
		"jobs":      len(s.jobs),
	}).Info("Scheduler started")

	for {
		o, err := s.queue.Poll(ctx, s.cfg.Heartbeat)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return fmt.Errorf("delay queue: %w", err)
		}
		start := time.Now()
		if o != nil {
			s.dispatch(ctx, o)
		}
		if n := s.queue.Sweep(); n > 0 {
			s.logger.WithField("orders", n).Debug("Swept canceled orders")
		}
		s.tick(ctx)
		if s.metrics != nil {
			s.metrics.Tick.Observe(time.Since(start).Seconds())
		}
	}
}

func (s *Scheduler) dispatch(ctx context.Context, o *Order) {
	if o.Canceled() {
		return
	}
	o.Cancel()
	e, ok := s.jobs[o.Kind()]
	if !ok {
		s.logger.WithField("job", o.Kind()).Warn("No job registered for order")
		return
	}
	next := s.runJob(ctx, o.Kind(), e.job, s.cfg.JobTimeout)
	s.Schedule(o.Kind(), next)
}

func (s *Scheduler) runJob(ctx context.Context, kind Kind, job Job, timeout time.Duration) time.Duration {
	jctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	next, err := job.Run(jctx, s.history.Snapshot(), s.Host())
	elapsed := time.Since(start)

	result := "ok"
	entry := s.logger.WithFields(logrus.Fields{
		"job":     kind,
		"elapsed": elapsed,
		"next":    next,
	})
	if err != nil {
		result = "error"
		entry.WithError(err).Warn("Job failed")
	} else {
		entry.Debug("Job finished")
	}
	if s.metrics != nil {
		s.metrics.JobRuns.WithLabelValues(kind.String(), result).Inc()
		s.metrics.JobDuration.WithLabelValues(kind.String()).Observe(elapsed.Seconds())
	}
	if next <= 0 {
		next = s.cfg.RetryDelay
	}
	return next
}

func (s *Scheduler) tick(ctx context.Context) {
	extData := false
	for _, st := range s.stations {
		if st.HasData() {
			extData = true
		}
	}

	for _, sn := range s.registry.Enabled() {
		if sn.Kind() != sensors.KindExt || extData {
			s.collect(sn)
		}
		acq, ok := sn.Acquirer()
		if !ok {
			continue
		}
		if !acq.Trigger(ctx) {
			sn.SetEnabled(false)
			msg := fmt.Sprintf("sensor %s disabled after repeated acquisition faults", sn.Name())
			s.logger.WithField("sensor", sn.Name()).Error("Sensor disabled after repeated faults")
			if s.reporter != nil {
				s.reporter.Report(ctx, sn.Name(), msg)
			}
		}
	}
}

func (s *Scheduler) collect(sn *sensors.Sensor) {
	v, outcome := sn.Collect()
	switch outcome {
	case sensors.Accepted:
		s.history.Append(v)
		if s.metrics != nil {
			s.metrics.Samples.WithLabelValues(sn.Name()).Inc()
			if f, ok := v.Number(); ok {
				s.metrics.Value.WithLabelValues(sn.Name(), sn.Unit()).Set(f)
			}
		}
	case sensors.Rejected:
		if s.metrics != nil {
			s.metrics.Rejected.WithLabelValues(sn.Name()).Inc()
		}
	}
}

func (s *Scheduler) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	dropped := s.queue.Drain()
	for _, sn := range s.registry.All() {
		if acq, ok := sn.Acquirer(); ok {
			acq.Cancel()
		}
	}
	if s.flush != nil {
		if err := s.flush(ctx); err != nil {
			s.logger.WithError(err).Error("Failed to flush sensor configuration")
		}
	}
	if e, ok := s.jobs[KindArchive]; ok {
		s.runJob(ctx, KindArchive, e.job, s.cfg.ShutdownTimeout)
	}
	s.logger.WithField("dropped_orders", len(dropped)).Info("Scheduler stopped")
}
