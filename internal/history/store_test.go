package history

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkaberg/pihive/internal/bus"
	"github.com/jkaberg/pihive/internal/sensors"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func newTestStore(clock *fakeClock, opts ...Option) *Store {
	logger := quietLogger()
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	return New(bus.New(logger, 2), logger, opts...)
}

func TestAppendKeepsWindowOrdered(t *testing.T) {
	start := time.Date(2024, 5, 1, 0, 0, 0, 0, time.Local)
	clock := &fakeClock{now: start}
	s := newTestStore(clock)

	// Ten days of hourly values.
	for h := 0; h < 240; h++ {
		now := start.Add(time.Duration(h) * time.Hour)
		clock.Set(now)
		s.Append(sensors.StampedValueAt(now, "W", float64(h)))
	}

	snap := s.Snapshot()
	cutoff := clock.Now().Add(-DefaultRetention)
	require.NotEmpty(t, snap)
	for i, v := range snap {
		assert.False(t, v.Time.Before(cutoff), "entry %d outside window", i)
		if i > 0 {
			assert.True(t, snap[i-1].Time.Before(v.Time))
		}
	}
	assert.Equal(t, 7*24+1, len(snap))
}

func TestAppendOutOfOrderInsertsSorted(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.Local)
	s := newTestStore(&fakeClock{now: now})

	s.Append(sensors.StampedValueAt(now, "W", 1.0))
	s.Append(sensors.StampedValueAt(now.Add(-time.Minute), "T1", 2.0))
	s.Append(sensors.StampedValueAt(now, "W", 3.0))

	snap := s.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "T1", snap[0].Source)
	assert.Equal(t, 3.0, snap[1].Value)
}

func TestAppendFansOutAndLogs(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.Local)
	var logBuf bytes.Buffer
	s := newTestStore(&fakeClock{now: now}, WithLog(&logBuf))

	var mu sync.Mutex
	var got []string
	s.Register("ws", bus.SinkFunc(func(text string) error {
		mu.Lock()
		got = append(got, text)
		mu.Unlock()
		return nil
	}))
	s.Register("broken", bus.SinkFunc(func(string) error { return errors.New("gone") }))

	v := sensors.StampedValueAt(now, "W", 42.5)
	s.Append(v)

	assert.Equal(t, []string{v.String()}, got)
	assert.Equal(t, v.String()+"\n", logBuf.String())
	assert.Equal(t, 1, s.Len(), "failed delivery does not roll back")

	require.True(t, s.Unregister("ws"))
	s.Append(sensors.StampedValueAt(now.Add(time.Second), "W", 43.0))
	assert.Len(t, got, 1)
}

func TestSeedDedupsWithoutFanOut(t *testing.T) {
	now := time.Date(2024, 5, 10, 12, 0, 0, 0, time.Local)
	s := newTestStore(&fakeClock{now: now})
	delivered := false
	s.Register("x", bus.SinkFunc(func(string) error { delivered = true; return nil }))

	s.Seed([]sensors.StampedValue{
		sensors.StampedValueAt(now.Add(-time.Hour), "W", 2.0),
		sensors.StampedValueAt(now.Add(-8*24*time.Hour), "W", 0.0),
		sensors.StampedValueAt(now.Add(-2*time.Hour), "W", 1.0),
		sensors.StampedValueAt(now.Add(-time.Hour), "W", 9.0),
	})

	assert.False(t, delivered)
	snap := s.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, 1.0, snap[0].Value)
	assert.Equal(t, 2.0, snap[1].Value)

	latest := s.Latest()
	assert.Equal(t, 2.0, latest["W"].Value)

	assert.Len(t, s.Since(now.Add(-90*time.Minute)), 1)

	s.Clear()
	assert.Equal(t, 0, s.Len())
}

func TestLoadLogSkipsMalformed(t *testing.T) {
	input := strings.Join([]string{
		"2024-05-01 10:00:00.000\tW\t41.5",
		"not a history line",
		"2024-05-01 09:00:00.000\tT1\t20.25",
		"2024-05-01 10:00:00.000\tW\t99",
		"2024-05-01 10:00:01.000\tZ\tqueen seen",
		"",
	}, "\n")
	values, err := LoadLog(strings.NewReader(input), quietLogger())
	require.NoError(t, err)
	require.Len(t, values, 3)
	assert.Equal(t, "T1", values[0].Source)
	assert.Equal(t, 41.5, values[1].Value)
	assert.Equal(t, "queen seen", values[2].Value)

	assert.Equal(t, "2024-05-01 09:00:00.000\tT1\t20.25\n", Format(values[:1]))
}

func TestLoadLogSurvivesOverlongLine(t *testing.T) {
	var log bytes.Buffer
	s := New(bus.New(quietLogger(), 2), quietLogger(), WithLog(&log))
	base := time.Now().Add(-time.Hour)
	s.Append(sensors.StampedValueAt(base, "W", 41.0))
	s.Append(sensors.StampedValueAt(base.Add(time.Second), "Z", strings.Repeat("x", 70000)))
	for i := 0; i < 5; i++ {
		s.Append(sensors.StampedValueAt(base.Add(time.Duration(i+2)*time.Second), "T1", float64(20+i)))
	}

	values, err := LoadLog(&log, quietLogger())
	require.NoError(t, err)
	require.Len(t, values, 6)
	assert.Equal(t, "W", values[0].Source)
	assert.Equal(t, 24.0, values[5].Value)
}

func TestLoadLogKeepsLastLineWithoutNewline(t *testing.T) {
	values, err := LoadLog(strings.NewReader("2024-05-01 10:00:00.000\tW\t41.5"), quietLogger())
	require.NoError(t, err)
	require.Len(t, values, 1)
	assert.Equal(t, 41.5, values[0].Value)
}
