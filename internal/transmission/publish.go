package transmission

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jkaberg/pihive/internal/cache"
	"github.com/jkaberg/pihive/internal/sensors"
)

// DefaultPublishInterval is used until the job is parametrized.
const DefaultPublishInterval = 15 * time.Minute

// PublishJob periodically transmits the latest value per sensor when any of
// them changed since the previous run.
type PublishJob struct {
	transmitter Transmitter
	cache       *cache.Manager
	logger      *logrus.Logger

	mu       sync.Mutex
	interval time.Duration
}

// NewPublishJob creates the job with DefaultPublishInterval.
func NewPublishJob(t Transmitter, c *cache.Manager, logger *logrus.Logger) *PublishJob {
	return &PublishJob{transmitter: t, cache: c, logger: logger, interval: DefaultPublishInterval}
}

// Parametrize sets the interval from "delay_h", in hours.
func (j *PublishJob) Parametrize(args string) error {
	fields := strings.Fields(args)
	if len(fields) != 1 {
		return fmt.Errorf("publish expects delay_h, got %q", args)
	}
	hours, err := strconv.ParseFloat(fields[0], 64)
	if err != nil || hours <= 0 {
		return fmt.Errorf("invalid delay_h %q", fields[0])
	}
	j.mu.Lock()
	j.interval = time.Duration(hours * float64(time.Hour))
	j.mu.Unlock()
	return nil
}

// Params returns the current parameters in Parametrize form.
func (j *PublishJob) Params() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return strconv.FormatFloat(j.interval.Hours(), 'f', -1, 64)
}

func (j *PublishJob) Interval() time.Duration {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.interval
}

// Run publishes and returns the configured interval. A failed publish clears
// the change cache so the next run sends everything again.
func (j *PublishJob) Run(_ context.Context, snapshot []sensors.StampedValue, host string) (time.Duration, error) {
	interval := j.Interval()
	latest := make(map[string]sensors.StampedValue)
	for _, v := range snapshot {
		latest[v.Source] = v
	}

	changed := j.cache.Changed(latest)
	if len(changed) == 0 {
		j.logger.WithField("host", host).Debug("Nothing changed since last publish")
		return interval, nil
	}
	if !j.transmitter.IsConnected() {
		j.cache.Forget()
		return interval, fmt.Errorf("publish skipped: transmitter not connected")
	}
	if err := j.transmitter.Transmit(latest); err != nil {
		j.cache.Forget()
		return interval, fmt.Errorf("publish failed: %w", err)
	}
	j.logger.WithFields(logrus.Fields{
		"host":    host,
		"changed": len(changed),
	}).Info("Published sensor state")
	return interval, nil
}
