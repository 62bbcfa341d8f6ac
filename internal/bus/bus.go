package bus

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// DefaultParallelism is the number of deliveries in flight per publication.
const DefaultParallelism = 2

// Sink receives the text form of every accepted value.
type Sink interface {
	Deliver(text string) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(text string) error

func (f SinkFunc) Deliver(text string) error { return f(text) }

// Bus fans a message out to every registered sink. Publish blocks until all
// deliveries finished; failed deliveries are logged and not retried. The
// implementation is safe for concurrent publishers and subscribers.
type Bus struct {
	mu     sync.RWMutex
	sinks  map[string]Sink
	limit  int
	logger *logrus.Logger

	deliveries  *prometheus.CounterVec
	subscribers prometheus.Gauge
}

// New creates a ready-to-use Bus with at most limit deliveries in flight.
func New(logger *logrus.Logger, limit int) *Bus {
	if limit <= 0 {
		limit = DefaultParallelism
	}
	return &Bus{sinks: make(map[string]Sink), limit: limit, logger: logger}
}

// Instrument reports delivery results and the subscriber count.
func (b *Bus) Instrument(deliveries *prometheus.CounterVec, subscribers prometheus.Gauge) {
	b.mu.Lock()
	b.deliveries = deliveries
	b.subscribers = subscribers
	b.mu.Unlock()
}

// Subscribe registers s under id, replacing an earlier sink with that id.
func (b *Bus) Subscribe(id string, s Sink) {
	b.mu.Lock()
	b.sinks[id] = s
	b.updateGauge()
	b.mu.Unlock()
	b.logger.WithField("subscriber", id).Debug("Subscriber registered")
}

// Unsubscribe removes the sink registered under id.
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	_, ok := b.sinks[id]
	delete(b.sinks, id)
	b.updateGauge()
	b.mu.Unlock()
	if ok {
		b.logger.WithField("subscriber", id).Debug("Subscriber removed")
	}
	return ok
}

// Len returns the number of subscribers.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.sinks)
}

// Publish delivers text to every sink.
func (b *Bus) Publish(text string) {
	b.mu.RLock()
	type target struct {
		id   string
		sink Sink
	}
	targets := make([]target, 0, len(b.sinks))
	for id, s := range b.sinks {
		targets = append(targets, target{id, s})
	}
	deliveries := b.deliveries
	b.mu.RUnlock()

	var g errgroup.Group
	g.SetLimit(b.limit)
	for _, t := range targets {
		g.Go(func() error {
			err := t.sink.Deliver(text)
			if err != nil {
				b.logger.WithError(err).WithField("subscriber", t.id).Warn("Delivery failed")
			}
			if deliveries != nil {
				result := "ok"
				if err != nil {
					result = "error"
				}
				deliveries.WithLabelValues(result).Inc()
			}
			// Failures stay isolated to their sink.
			return nil
		})
	}
	_ = g.Wait()
}

func (b *Bus) updateGauge() {
	if b.subscribers != nil {
		b.subscribers.Set(float64(len(b.sinks)))
	}
}
