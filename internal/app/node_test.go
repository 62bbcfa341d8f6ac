package app

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/periph/conn/gpio/gpiotest"

	"github.com/jkaberg/pihive/internal/config"
	"github.com/jkaberg/pihive/internal/sensors"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func testConfig(t *testing.T) *config.Config {
	cfg := config.GetDefaultConfig()
	cfg.Host = "hive1"
	cfg.StateDir = t.TempDir()
	cfg.Listen = "127.0.0.1:0"
	cfg.W1Root = ""
	cfg.Heartbeat = 5 * time.Millisecond
	cfg.ShutdownTimeout = 2 * time.Second
	return cfg
}

func writeState(t *testing.T, dir string, records []sensors.Record, log string) {
	f, err := os.Create(filepath.Join(dir, config.SensorsFile))
	require.NoError(t, err)
	require.NoError(t, sensors.WriteRecords(f, records))
	require.NoError(t, f.Close())
	if log != "" {
		require.NoError(t, os.WriteFile(filepath.Join(dir, config.HistoryFile), []byte(log), 0o644))
	}
}

func newNode(t *testing.T, cfg *config.Config) *Node {
	n, err := New(cfg, "1.2.3", quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { n.History().Close() })
	return n
}

func TestNewStartsEmpty(t *testing.T) {
	n := newNode(t, testConfig(t))
	assert.Equal(t, 0, n.Registry().Len())
	assert.Equal(t, 0, n.History().Len())

	v, err := n.Command(context.Background(), CmdVersion, nil)
	require.NoError(t, err)
	assert.Equal(t, "1.2.3", v)
}

func TestNewRestoresSensorsAndHistory(t *testing.T) {
	cfg := testConfig(t)
	rec := sensors.DefaultRecord("T1", sensors.KindW1)
	rec.Unit = "°C"
	stamp := time.Now().Add(-time.Hour)
	old := time.Now().Add(-30 * 24 * time.Hour)
	log := sensors.StampedValueAt(old, "T1", 3.0).String() + "\n" +
		sensors.StampedValueAt(stamp, "T1", 21.5).String() + "\n"
	writeState(t, cfg.StateDir, []sensors.Record{rec}, log)

	n := newNode(t, cfg)
	require.Equal(t, 1, n.Registry().Len())
	assert.Equal(t, 1, n.History().Len(), "values past retention are dropped")

	s, ok := n.Registry().Get("T1")
	require.True(t, ok)
	last, ok := s.Last()
	require.True(t, ok)
	assert.Equal(t, 21.5, last.Value)

	got, err := n.GetValue("T1")
	require.NoError(t, err)
	assert.Equal(t, sensors.StampedValueAt(stamp, "T1", 21.5).String(), got)

	data, err := os.ReadFile(filepath.Join(cfg.StateDir, config.HistoryFile))
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(data), "\n"), "data log is rewritten without evicted values")
}

func TestGetValue(t *testing.T) {
	cfg := testConfig(t)
	writeState(t, cfg.StateDir, []sensors.Record{sensors.DefaultRecord("T1", sensors.KindW1)}, "")
	n := newNode(t, cfg)

	got, err := n.GetValue("T1")
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(got, "\tT1\tNaN"), got)

	_, err = n.GetValue("nope")
	assert.ErrorIs(t, err, sensors.ErrUnknownSensor)
}

func TestSetValueRecordsNotes(t *testing.T) {
	n := newNode(t, testConfig(t))

	_, err := n.SetValue("Z", "queen seen")
	require.NoError(t, err)
	got, err := n.GetValue("Z")
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(got, "\tZ\tqueen seen"), got)

	_, err = n.SetValue("V", "3")
	require.NoError(t, err)
	assert.Equal(t, 3.0, n.History().Latest()["V"].Value)

	_, err = n.SetValue("Z", "bad\tvalue")
	assert.ErrorIs(t, err, ErrInvalidName)
	_, err = n.SetValue("bad\nname", "x")
	assert.ErrorIs(t, err, ErrInvalidName)
}

func TestSetValueEnabled(t *testing.T) {
	cfg := testConfig(t)
	writeState(t, cfg.StateDir, []sensors.Record{sensors.DefaultRecord("T1", sensors.KindW1)}, "")
	n := newNode(t, cfg)
	s, _ := n.Registry().Get("T1")

	_, err := n.SetValue("T1.enabled", "false")
	require.NoError(t, err)
	assert.False(t, s.Enabled())
	assert.Equal(t, "false", n.History().Latest()["T1.enabled"].Value)

	_, err = n.SetValue("T1.enabled", "true")
	require.NoError(t, err)
	assert.True(t, s.Enabled())

	_, err = n.SetValue("T1.enabled", "maybe")
	assert.Error(t, err)
	_, err = n.SetValue("T9.enabled", "true")
	assert.ErrorIs(t, err, sensors.ErrUnknownSensor)
}

func TestSetValueTare(t *testing.T) {
	cfg := testConfig(t)
	rec := sensors.DefaultRecord("W", sensors.KindWeight)
	log := sensors.StampedValueAt(time.Now().Add(-time.Minute), "W", 10.0).String() + "\n"
	writeState(t, cfg.StateDir, []sensors.Record{rec}, log)
	n := newNode(t, cfg)
	s, _ := n.Registry().Get("W")

	reply, err := n.SetValue("W.tare", "12")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(reply, "offset"), reply)
	a, b := s.Calibration()
	assert.Equal(t, 1.0, a)
	assert.InDelta(t, 2.0, b, 1e-9)

	last, _ := s.Last()
	assert.Equal(t, 12.0, last.Value)
	_, ok := n.History().Latest()["W.tare"]
	assert.True(t, ok)

	_, err = n.SetValue("W.tare", "heavy")
	assert.Error(t, err)
}

func TestSetValueTareWithoutValue(t *testing.T) {
	cfg := testConfig(t)
	writeState(t, cfg.StateDir, []sensors.Record{sensors.DefaultRecord("W", sensors.KindWeight)}, "")
	n := newNode(t, cfg)

	_, err := n.SetValue("W.tare", "12")
	assert.Error(t, err)
}

func TestSetValueRejectsSensorName(t *testing.T) {
	cfg := testConfig(t)
	writeState(t, cfg.StateDir, []sensors.Record{sensors.DefaultRecord("T1", sensors.KindW1)}, "")
	n := newNode(t, cfg)

	_, err := n.SetValue("T1", "20")
	assert.Error(t, err)
}

func TestCommands(t *testing.T) {
	n := newNode(t, testConfig(t))
	ctx := context.Background()

	_, err := n.SetValue("Z", "one")
	require.NoError(t, err)
	out, err := n.Command(ctx, CmdHistory, nil)
	require.NoError(t, err)
	assert.Contains(t, out, "\tZ\tone")

	out, err = n.Command(ctx, CmdHistory, []string{"1"})
	require.NoError(t, err)
	assert.Contains(t, out, "\tZ\tone")
	_, err = n.Command(ctx, CmdHistory, []string{"-1"})
	assert.Error(t, err)

	out, err = n.Command(ctx, CmdReset, nil)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(out, "\treset\t0"), out)
	assert.Equal(t, 1, n.History().Len())

	out, err = n.Command(ctx, CmdHostname, nil)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(out, "\thostname\thive1"), out)
	out, err = n.Command(ctx, CmdHostname, []string{"hive2"})
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(out, "\thostname\thive2"), out)
	assert.Equal(t, "hive2", n.Host())
	assert.Equal(t, "hive2", n.Scheduler().Host())

	out, err = n.Command(ctx, CmdLogLevel, []string{"debug"})
	require.NoError(t, err)
	assert.Equal(t, "debug", out)
	_, err = n.Command(ctx, CmdLogLevel, []string{"loud"})
	assert.Error(t, err)

	_, err = n.Command(ctx, "chart", []string{"W"})
	assert.ErrorIs(t, err, ErrUnknownCommand)
	assert.Contains(t, err.Error(), "chart W")

	_, err = n.Command(ctx, CmdPublish, nil)
	assert.Error(t, err, "publish needs MQTT")
}

func TestArchiveParamsPersist(t *testing.T) {
	cfg := testConfig(t)
	n := newNode(t, cfg)
	ctx := context.Background()

	out, err := n.Command(ctx, CmdArchive, nil)
	require.NoError(t, err)
	assert.Equal(t, "1 24", out)

	target := filepath.Join(t.TempDir(), "<host>-<date>.log")
	out, err = n.Command(ctx, CmdArchive, []string{"2", "12", target})
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("2 12 %s", target), out)
	assert.Len(t, n.Scheduler().Queue().Pending(), 1)

	_, err = n.Command(ctx, CmdArchive, []string{"0", "12"})
	assert.Error(t, err)

	require.NoError(t, n.flush(ctx))
	require.NoError(t, n.History().Close())

	again := newNode(t, cfg)
	out, err = again.Command(ctx, CmdArchive, nil)
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("2 12 %s", target), out)
}

func TestRunServesAndShutsDown(t *testing.T) {
	cfg := testConfig(t)
	writeState(t, cfg.StateDir, []sensors.Record{sensors.DefaultRecord("T1", sensors.KindW1)}, "")
	n, err := New(cfg, "1.2.3", quietLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()

	require.Eventually(t, func() bool { return n.Addr() != nil }, time.Second, 5*time.Millisecond)
	addr := n.Addr().String()

	resp, err := http.Get("http://" + addr + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("cmd version")))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "ok 1.2.3", string(msg))

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}

	data, err := os.ReadFile(filepath.Join(cfg.StateDir, config.SensorsFile))
	require.NoError(t, err)
	assert.Contains(t, string(data), "T1, ")
	_, err = os.Stat(filepath.Join(cfg.StateDir, config.JobsFile))
	assert.NoError(t, err)
}

func TestWeightCellAttachesSensor(t *testing.T) {
	cfg := testConfig(t)
	n, err := New(cfg, "dev", quietLogger(),
		WithWeightCell(&gpiotest.Pin{N: "CLK", Num: 23}, &gpiotest.Pin{N: "DOUT", Num: 24}))
	require.NoError(t, err)
	t.Cleanup(func() { n.History().Close() })

	s, ok := n.Registry().Get(WeightSensorName)
	require.True(t, ok)
	assert.Equal(t, sensors.KindWeight, s.Kind())
	assert.Equal(t, "kg", s.Unit())
	_, ok = s.Acquirer()
	assert.True(t, ok)
}

func TestWeightCellPrefersEnabledSensor(t *testing.T) {
	cfg := testConfig(t)
	off := sensors.DefaultRecord("W1", sensors.KindWeight)
	off.Enabled = false
	on := sensors.DefaultRecord("W2", sensors.KindWeight)
	writeState(t, cfg.StateDir, []sensors.Record{off, on}, "")

	n, err := New(cfg, "dev", quietLogger(),
		WithWeightCell(&gpiotest.Pin{N: "CLK"}, &gpiotest.Pin{N: "DOUT"}))
	require.NoError(t, err)
	t.Cleanup(func() { n.History().Close() })

	assert.Equal(t, 2, n.Registry().Len())
	w1, _ := n.Registry().Get("W1")
	w2, _ := n.Registry().Get("W2")
	_, ok := w1.Acquirer()
	assert.False(t, ok)
	_, ok = w2.Acquirer()
	assert.True(t, ok)
}

func TestOverlongNoteIsRejected(t *testing.T) {
	n := newNode(t, testConfig(t))
	_, err := n.SetValue("Z", strings.Repeat("x", MaxValueLength+1))
	assert.ErrorIs(t, err, ErrValueTooLong)
	_, err = n.SetValue("Z", strings.Repeat("x", MaxValueLength))
	assert.NoError(t, err)
}

func TestHistoryReplaySkipsOverlongLine(t *testing.T) {
	cfg := testConfig(t)
	base := time.Now().Add(-time.Hour)
	lines := []string{
		sensors.StampedValueAt(base, "W", 41.0).String(),
		sensors.StampedValueAt(base.Add(time.Second), "Z", strings.Repeat("x", 70000)).String(),
	}
	for i := 0; i < 5; i++ {
		lines = append(lines, sensors.StampedValueAt(base.Add(time.Duration(i+2)*time.Second), "T1", float64(20+i)).String())
	}
	writeState(t, cfg.StateDir, nil, strings.Join(lines, "\n")+"\n")

	n := newNode(t, cfg)
	assert.Equal(t, 6, n.History().Len())
	assert.Equal(t, 24.0, n.History().Latest()["T1"].Value)

	_, err := n.SetValue("Z", "short")
	require.NoError(t, err)
	require.NoError(t, n.History().Close())

	data, err := os.ReadFile(filepath.Join(cfg.StateDir, config.HistoryFile))
	require.NoError(t, err)
	assert.Equal(t, 7, strings.Count(string(data), "\n"), "replayed window plus the new note")
}

func TestSetValueFilterParameters(t *testing.T) {
	cfg := testConfig(t)
	writeState(t, cfg.StateDir, []sensors.Record{sensors.DefaultRecord("T1", sensors.KindW1)}, "")
	n := newNode(t, cfg)
	s, _ := n.Registry().Get("T1")

	_, err := n.SetValue("T1.mode", "mindiff")
	require.NoError(t, err)
	_, err = n.SetValue("T1.delta", "1")
	require.NoError(t, err)
	assert.Equal(t, sensors.FilterMinDiff, s.Mode())
	assert.Equal(t, 1.0, s.Delta())
	assert.Equal(t, "MINDIFF", n.History().Latest()["T1.mode"].Value)

	s.SetLast(sensors.NewStampedValue("T1", 20.0))
	assert.False(t, s.Accept(sensors.NewStampedValue("T1", 20.5)))
	assert.True(t, s.Accept(sensors.NewStampedValue("T1", 21.5)))

	_, err = n.SetValue("T1.mode", "fuzzy")
	assert.Error(t, err)
	_, err = n.SetValue("T1.delta", "-1")
	assert.Error(t, err)
	_, err = n.SetValue("T9.delta", "1")
	assert.ErrorIs(t, err, sensors.ErrUnknownSensor)
}

func TestSetValueMinDelay(t *testing.T) {
	cfg := testConfig(t)
	writeState(t, cfg.StateDir, []sensors.Record{sensors.DefaultRecord("T1", sensors.KindW1)}, "")
	n := newNode(t, cfg)
	s, _ := n.Registry().Get("T1")

	_, err := n.SetValue("T1.mode", "MINDELAY")
	require.NoError(t, err)
	_, err = n.SetValue("T1.delay", "PT2H")
	require.NoError(t, err)

	s.SetLast(sensors.StampedValueAt(time.Now().Add(-time.Hour), "T1", 20.0))
	assert.False(t, s.Accept(sensors.NewStampedValue("T1", 25.0)), "an hour is shorter than the delay")

	_, err = n.SetValue("T1.delay", "60")
	require.NoError(t, err)
	assert.True(t, s.Accept(sensors.NewStampedValue("T1", 25.0)))

	_, err = n.SetValue("T1.delay", "0")
	assert.Error(t, err)
}

func TestSetValueTareStep(t *testing.T) {
	cfg := testConfig(t)
	log := sensors.StampedValueAt(time.Now().Add(-time.Minute), "W", 10.0).String() + "\n"
	writeState(t, cfg.StateDir, []sensors.Record{sensors.DefaultRecord("W", sensors.KindWeight)}, log)
	n := newNode(t, cfg)

	_, err := n.SetValue("W.tarestep", "20")
	require.NoError(t, err)

	reply, err := n.SetValue("W.tare", "12")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(reply, "offset"), reply)

	// An increase of 8 stays below the raised step, so only the offset moves.
	reply, err = n.SetValue("W.tare", "20")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(reply, "offset"), reply)

	_, err = n.SetValue("W.tarestep", "0")
	assert.Error(t, err)
}

func TestWeightCellTuningComesFromConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.HXPulseMax = cfg.HXMinPulse
	_, err := New(cfg, "dev", quietLogger(),
		WithWeightCell(&gpiotest.Pin{N: "CLK"}, &gpiotest.Pin{N: "DOUT"}))
	assert.Error(t, err)
}
