// Package weather polls remote weather services and feeds their readings into
// external sensors.
package weather

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/jkaberg/pihive/internal/pool"
	"github.com/jkaberg/pihive/internal/sensors"
)

// DefaultInterval is the delay between two polls.
const DefaultInterval = 30 * time.Minute

// Channel describes one quantity a station provides.
type Channel struct {
	Name        string
	Unit        string
	Description string
}

// Reading is the result of one poll. Values are keyed by channel index.
type Reading struct {
	Time   time.Time
	Values map[int]float64
}

// Fetcher performs one request against a weather service.
type Fetcher interface {
	Fetch(ctx context.Context, client *http.Client) (Reading, error)
}

// Option configures a Station.
type Option func(s *Station) error

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Station) error {
		s.client = c
		return nil
	}
}

// WithInterval sets the delay returned by Run.
func WithInterval(d time.Duration) Option {
	return func(s *Station) error {
		if d <= 0 {
			return fmt.Errorf("weather interval must be positive, got %s", d)
		}
		s.interval = d
		return nil
	}
}

// WithLimiter replaces the request rate limiter.
func WithLimiter(l *rate.Limiter) Option {
	return func(s *Station) error {
		s.limit = l
		return nil
	}
}

// Station owns the external sensors of one weather service. Trigger starts a
// poll on the worker pool; HasData moves a finished poll into the sensors.
type Station struct {
	name     string
	fetcher  Fetcher
	client   *http.Client
	limit    *rate.Limiter
	interval time.Duration
	pool     *pool.Pool
	logger   *logrus.Logger

	// enabled channels by index
	channels map[int]*sensors.ExtSource

	mu     sync.Mutex
	busy   bool
	result *Reading
}

// NewStation registers the station's channels in reg. Channels missing from
// the registry are added disabled so they show up in the saved configuration.
func NewStation(name string, defs []Channel, f Fetcher, reg *sensors.Registry, p *pool.Pool, logger *logrus.Logger, opts ...Option) (*Station, error) {
	s := &Station{
		name:     name,
		fetcher:  f,
		client:   &http.Client{Timeout: 30 * time.Second},
		limit:    rate.NewLimiter(rate.Every(time.Minute), 2),
		interval: DefaultInterval,
		pool:     p,
		logger:   logger,
		channels: make(map[int]*sensors.ExtSource),
	}
	for _, o := range opts {
		if err := o(s); err != nil {
			return nil, err
		}
	}

	for i, def := range defs {
		sn, ok := reg.Get(def.Name)
		if !ok {
			rec := sensors.DefaultRecord(def.Name, sensors.KindExt)
			rec.Unit = def.Unit
			rec.Description = def.Description
			rec.DeviceID = fmt.Sprintf("%s:%d", name, i)
			rec.Enabled = false
			reg.Add(sensors.New(rec))
			logger.WithFields(logrus.Fields{
				"station": name,
				"sensor":  def.Name,
			}).Info("Added weather channel, disabled until configured")
			continue
		}
		if sn.Kind() != sensors.KindExt {
			return nil, fmt.Errorf("sensor %s is %s, station %s needs an external sensor", def.Name, sn.Kind(), name)
		}
		if sn.Enabled() {
			s.channels[i] = sensors.NewExtSource(sn)
		}
	}
	return s, nil
}

// Name returns the station name.
func (s *Station) Name() string { return s.name }

// Channels returns the number of enabled channels.
func (s *Station) Channels() int { return len(s.channels) }

// Trigger starts one poll unless one is outstanding or nothing is enabled.
func (s *Station) Trigger(ctx context.Context) {
	if len(s.channels) == 0 {
		return
	}
	s.mu.Lock()
	if s.busy {
		s.mu.Unlock()
		return
	}
	s.busy = true
	s.mu.Unlock()

	s.pool.Go(ctx, s.poll)
	s.logger.WithField("station", s.name).Debug("Weather poll started")
}

func (s *Station) poll(ctx context.Context) {
	defer func() {
		s.mu.Lock()
		s.busy = false
		s.mu.Unlock()
	}()

	if err := s.limit.Wait(ctx); err != nil {
		s.logger.WithError(err).WithField("station", s.name).Debug("Weather poll canceled")
		return
	}
	r, err := s.fetcher.Fetch(ctx, s.client)
	if err != nil {
		s.logger.WithError(err).WithField("station", s.name).Warn("Weather poll failed")
		return
	}
	s.mu.Lock()
	s.result = &r
	s.mu.Unlock()
}

// Busy reports whether a poll is outstanding.
func (s *Station) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

// HasData offers a finished poll to the enabled channels and reports whether
// anything was applied. A reading is applied once.
func (s *Station) HasData() bool {
	s.mu.Lock()
	r := s.result
	s.result = nil
	s.mu.Unlock()
	if r == nil {
		return false
	}

	for i, ext := range s.channels {
		v, ok := r.Values[i]
		var value any
		if ok {
			value = v
		}
		ext.Offer(sensors.StampedValueAt(r.Time, ext.Name(), value))
	}
	s.logger.WithFields(logrus.Fields{
		"station":  s.name,
		"channels": len(s.channels),
		"time":     r.Time.Format(time.RFC3339),
	}).Debug("Weather data applied")
	return true
}

// Run triggers a poll and returns the station interval. It serves as the
// weather maintenance job.
func (s *Station) Run(ctx context.Context, _ []sensors.StampedValue, _ string) (time.Duration, error) {
	s.Trigger(context.WithoutCancel(ctx))
	return s.interval, nil
}
