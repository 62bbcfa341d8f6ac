// Package app builds the node from its configuration and runs it.
package app

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
	"periph.io/x/periph/conn/gpio"

	"github.com/jkaberg/pihive/internal/archive"
	"github.com/jkaberg/pihive/internal/bus"
	"github.com/jkaberg/pihive/internal/cache"
	"github.com/jkaberg/pihive/internal/config"
	"github.com/jkaberg/pihive/internal/history"
	"github.com/jkaberg/pihive/internal/hx711"
	"github.com/jkaberg/pihive/internal/metrics"
	"github.com/jkaberg/pihive/internal/mqtt"
	"github.com/jkaberg/pihive/internal/netutil"
	"github.com/jkaberg/pihive/internal/notify"
	"github.com/jkaberg/pihive/internal/pool"
	"github.com/jkaberg/pihive/internal/scheduler"
	"github.com/jkaberg/pihive/internal/sensors"
	"github.com/jkaberg/pihive/internal/transmission"
	"github.com/jkaberg/pihive/internal/w1"
	"github.com/jkaberg/pihive/internal/weather"
	"github.com/jkaberg/pihive/internal/ws"
)

// WeightSensorName is used when no weight sensor is configured.
const WeightSensorName = "W"

// Option configures a Node.
type Option func(n *Node) error

// WithWeightCell attaches the HX711 lines. Without it no weight is sampled.
func WithWeightCell(clk gpio.PinOut, data gpio.PinIn) Option {
	return func(n *Node) error {
		n.clk, n.data = clk, data
		return nil
	}
}

// WithMQTT enables the MQTT transmitter, publish job, alerts and command
// topic.
func WithMQTT(c *mqtt.Client) Option {
	return func(n *Node) error {
		n.mqtt = c
		return nil
	}
}

// WithHTTPClient replaces the outbound client for weather and archive.
func WithHTTPClient(c *http.Client) Option {
	return func(n *Node) error {
		n.http = c
		return nil
	}
}

// Node is the process-wide context object: it owns the sensor registry, the
// history, the scheduler and every collaborator, and answers runtime
// commands.
type Node struct {
	cfg     *config.Config
	version string
	logger  *logrus.Logger

	clk  gpio.PinOut
	data gpio.PinIn
	mqtt *mqtt.Client
	http *http.Client

	metrics   *metrics.Metrics
	pool      *pool.Pool
	registry  *sensors.Registry
	history   *history.Store
	scheduler *scheduler.Scheduler
	archive   *archive.Job
	publish   *transmission.PublishJob
	notifier  *notify.Notifier
	stations  []*weather.Station

	mu   sync.Mutex
	host string
	addr net.Addr
}

// New loads persisted state from the state directory and wires every
// component. Nothing runs until Run is called.
func New(cfg *config.Config, version string, logger *logrus.Logger, opts ...Option) (*Node, error) {
	n := &Node{
		cfg:     cfg,
		version: version,
		logger:  logger,
		host:    cfg.Host,
		metrics: metrics.New(),
	}
	for _, o := range opts {
		if err := o(n); err != nil {
			return nil, err
		}
	}
	if n.http == nil {
		n.http = netutil.NewHTTPClient(cfg.HTTPTimeout, cfg.HTTPInsecure, logger)
	}
	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	n.pool = pool.New(int64(cfg.PoolSize), logger)

	reg, err := loadSensors(n.path(config.SensorsFile), logger)
	if err != nil {
		return nil, err
	}
	n.registry = reg

	b := bus.New(logger, bus.DefaultParallelism)
	b.Instrument(n.metrics.Deliveries, n.metrics.Subscribers)
	if n.history, err = openHistory(n.path(config.HistoryFile), b, cfg.Retention, n.metrics, logger); err != nil {
		return nil, err
	}

	if err := n.attachSources(); err != nil {
		n.history.Close()
		return nil, err
	}
	n.restoreLast()

	n.archive = archive.New(logger, archive.WithHTTPClient(n.http))
	schedOpts := []scheduler.Option{
		scheduler.WithJob(scheduler.KindArchive, n.archive, scheduler.DefaultInitialDelay[scheduler.KindArchive]),
		scheduler.WithFlush(n.flush),
		scheduler.WithMetrics(n.metrics),
	}

	if n.mqtt != nil {
		tx := transmission.NewMQTTTransmitter(n.mqtt, n.registry, cfg.DiscoveryPrefix, version, logger)
		n.history.Register("mqtt", tx)
		n.publish = transmission.NewPublishJob(tx, cache.NewManager(logger), logger)
		n.notifier = notify.NewNotifier(n.mqtt, logger)
		schedOpts = append(schedOpts, scheduler.WithJob(scheduler.KindPublish, n.publish, scheduler.DefaultInitialDelay[scheduler.KindPublish]))
	} else {
		n.notifier = notify.NewNotifier(nil, logger)
	}
	schedOpts = append(schedOpts, scheduler.WithReporter(n.notifier))

	for _, st := range n.stations {
		schedOpts = append(schedOpts,
			scheduler.WithStation(st),
			scheduler.WithJob(scheduler.KindWeather, st, scheduler.DefaultInitialDelay[scheduler.KindWeather]))
	}

	loadJobs(n.path(config.JobsFile), n.jobParams(), logger)

	scfg := scheduler.DefaultConfig()
	scfg.Heartbeat = cfg.Heartbeat
	scfg.JobTimeout = cfg.JobTimeout
	scfg.ShutdownTimeout = cfg.ShutdownTimeout
	scfg.Host = cfg.Host
	n.scheduler = scheduler.New(scfg, n.registry, n.history, logger, schedOpts...)

	logger.WithFields(logrus.Fields{
		"sensors":  n.registry.Len(),
		"history":  n.history.Len(),
		"stations": len(n.stations),
		"mqtt":     n.mqtt != nil,
	}).Info("Node ready")
	return n, nil
}

func (n *Node) path(name string) string {
	return filepath.Join(n.cfg.StateDir, name)
}

// attachSources binds hardware and remote sources to their sensors.
func (n *Node) attachSources() error {
	if n.clk != nil && n.data != nil {
		if err := n.attachWeightCell(); err != nil {
			return err
		}
	}

	if n.cfg.W1Root != "" {
		if _, err := w1.Attach(n.registry, w1.NewBus(n.cfg.W1Root), n.pool, n.logger); err != nil {
			n.logger.WithError(err).Warn("One-wire discovery failed")
		}
	}

	var f weather.Fetcher
	var defs []weather.Channel
	switch n.cfg.WeatherProvider {
	case config.WeatherOWM:
		f, defs = weather.OWM{APIKey: n.cfg.OWMAPIKey, CityID: n.cfg.OWMCityID}, weather.OWMChannels
	case config.WeatherOpenMeteo:
		f, defs = weather.OpenMeteo{Latitude: n.cfg.Latitude, Longitude: n.cfg.Longitude}, weather.OpenMeteoChannels
	default:
		return nil
	}
	st, err := weather.NewStation(n.cfg.WeatherProvider, defs, f, n.registry, n.pool, n.logger,
		weather.WithHTTPClient(n.http),
		weather.WithInterval(n.cfg.WeatherInterval))
	if err != nil {
		return fmt.Errorf("failed to set up weather station: %w", err)
	}
	n.stations = append(n.stations, st)
	return nil
}

// attachWeightCell drives the first enabled weight sensor; only one cell
// can be sampled at a time.
func (n *Node) attachWeightCell() error {
	var target *sensors.Sensor
	for _, s := range n.registry.All() {
		if s.Kind() != sensors.KindWeight {
			continue
		}
		if target == nil || (!target.Enabled() && s.Enabled()) {
			target = s
		}
	}
	if target == nil {
		rec := sensors.DefaultRecord(WeightSensorName, sensors.KindWeight)
		rec.Unit = "kg"
		rec.Description = "Hive weight"
		rec.Mode = sensors.FilterMinDiff
		target = sensors.New(rec)
		n.registry.Add(target)
	}

	tuning := hx711.DefaultTuning()
	tuning.Settle = n.cfg.HXSettle
	tuning.ErrMax = n.cfg.HXErrMax
	tuning.Shape = n.cfg.HXShape
	tuning.PFMin = n.cfg.HXPFMin
	tuning.Drift = n.cfg.HXDrift
	tuning.MinPulse = n.cfg.HXMinPulse
	tuning.FirstPulseMax = n.cfg.HXFirstPulseMax
	tuning.PulseMax = n.cfg.HXPulseMax
	tuning.GainPulses = n.cfg.HXGainPulses

	d, err := hx711.New(n.clk, n.data, target, n.pool, n.logger,
		hx711.WithTuning(tuning),
		hx711.WithMetrics(n.metrics.HXFaults, n.metrics.Plausibility))
	if err != nil {
		return fmt.Errorf("failed to set up weight cell: %w", err)
	}
	target.Attach(d)
	return nil
}

// restoreLast seeds every sensor's last value from the replayed history, so
// filters and the weight mean continue where they stopped.
func (n *Node) restoreLast() {
	latest := n.history.Latest()
	for _, s := range n.registry.All() {
		if v, ok := latest[s.Name()]; ok {
			s.SetLast(v)
		}
	}
}

// Registry returns the sensor registry.
func (n *Node) Registry() *sensors.Registry { return n.registry }

// History returns the history store.
func (n *Node) History() *history.Store { return n.history }

// Scheduler returns the scheduler.
func (n *Node) Scheduler() *scheduler.Scheduler { return n.scheduler }

// Metrics returns the collectors.
func (n *Node) Metrics() *metrics.Metrics { return n.metrics }

// Host returns the node name.
func (n *Node) Host() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.host
}

var _ ws.Node = (*Node)(nil)
