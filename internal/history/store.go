// Package history keeps a sliding window of accepted values and fans every
// append out to subscribers.
package history

import (
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/jkaberg/pihive/internal/bus"
	"github.com/jkaberg/pihive/internal/sensors"
)

// DefaultRetention is the length of the history window.
const DefaultRetention = 7 * 24 * time.Hour

// Option configures a Store.
type Option func(s *Store)

// WithRetention overrides DefaultRetention.
func WithRetention(d time.Duration) Option {
	return func(s *Store) { s.retention = d }
}

// WithClock replaces time.Now for eviction.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLog appends one line per value to w.
func WithLog(w io.Writer) Option {
	return func(s *Store) { s.log = w }
}

// WithGauge reports the number of retained values.
func WithGauge(g prometheus.Gauge) Option {
	return func(s *Store) { s.entries = g }
}

// Store is an ordered, bounded-duration buffer of values. All methods are
// safe for concurrent use.
type Store struct {
	mu        sync.Mutex
	values    []sensors.StampedValue
	retention time.Duration
	now       func() time.Time
	log       io.Writer
	entries   prometheus.Gauge

	bus    *bus.Bus
	logger *logrus.Logger
}

// New creates an empty store publishing to b.
func New(b *bus.Bus, logger *logrus.Logger, opts ...Option) *Store {
	s := &Store{
		retention: DefaultRetention,
		now:       time.Now,
		bus:       b,
		logger:    logger,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Append evicts expired values, inserts v in time order, logs it and then
// delivers its text form to every subscriber. Delivery failures do not undo
// the append.
func (s *Store) Append(v sensors.StampedValue) {
	s.mu.Lock()
	i, found := slices.BinarySearchFunc(s.values, v, sensors.StampedValue.Compare)
	if found {
		s.values[i] = v
	} else {
		s.values = slices.Insert(s.values, i, v)
	}
	s.evict()
	if s.log != nil {
		if _, err := io.WriteString(s.log, v.String()+"\n"); err != nil {
			s.logger.WithError(err).Warn("Failed to write history log")
		}
	}
	s.mu.Unlock()

	s.bus.Publish(v.String())
}

// Seed merges replayed values without notifying subscribers.
func (s *Store) Seed(values []sensors.StampedValue) {
	s.mu.Lock()
	defer s.mu.Unlock()
	merged := make([]sensors.StampedValue, 0, len(s.values)+len(values))
	merged = append(merged, s.values...)
	merged = append(merged, values...)
	s.values = sensors.SortDedup(merged)
	s.evict()
}

// evict drops values older than the retention window. Called with s.mu held.
func (s *Store) evict() {
	cutoff := s.now().Add(-s.retention)
	n := 0
	for n < len(s.values) && s.values[n].Time.Before(cutoff) {
		n++
	}
	if n > 0 {
		s.values = slices.Delete(s.values, 0, n)
	}
	if s.entries != nil {
		s.entries.Set(float64(len(s.values)))
	}
}

// Snapshot returns a copy of the retained values in time order.
func (s *Store) Snapshot() []sensors.StampedValue {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.values)
}

// Since returns the retained values not older than from.
func (s *Store) Since(from time.Time) []sensors.StampedValue {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, _ := slices.BinarySearchFunc(s.values, from, func(v sensors.StampedValue, t time.Time) int {
		return v.Time.Compare(t)
	})
	return slices.Clone(s.values[i:])
}

// Latest returns the newest value of every source.
func (s *Store) Latest() map[string]sensors.StampedValue {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]sensors.StampedValue)
	for _, v := range s.values {
		out[v.Source] = v
	}
	return out
}

// Len returns the number of retained values.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.values)
}

// Clear drops every value.
func (s *Store) Clear() {
	s.mu.Lock()
	s.values = nil
	if s.entries != nil {
		s.entries.Set(0)
	}
	s.mu.Unlock()
}

// String renders the history log, one line per value.
func (s *Store) String() string {
	return Format(s.Snapshot())
}

// WriteTo writes the history log to w.
func (s *Store) WriteTo(w io.Writer) (int64, error) {
	n, err := io.WriteString(w, s.String())
	return int64(n), err
}

// Register subscribes sink to every future append.
func (s *Store) Register(id string, sink bus.Sink) { s.bus.Subscribe(id, sink) }

// Unregister removes a subscriber.
func (s *Store) Unregister(id string) bool { return s.bus.Unsubscribe(id) }

// SetLog replaces the writer every appended line goes to.
func (s *Store) SetLog(w io.Writer) {
	s.mu.Lock()
	s.log = w
	s.mu.Unlock()
}

// Close closes the history log if it is closable.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.log.(io.Closer)
	s.log = nil
	if !ok {
		return nil
	}
	if err := c.Close(); err != nil {
		return fmt.Errorf("failed to close history log: %w", err)
	}
	return nil
}

// Format renders values as history log lines.
func Format(values []sensors.StampedValue) string {
	var b strings.Builder
	for _, v := range values {
		b.WriteString(v.String())
		b.WriteByte('\n')
	}
	return b.String()
}
