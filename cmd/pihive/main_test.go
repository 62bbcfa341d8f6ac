package main

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvName(t *testing.T) {
	assert.Equal(t, "PIHIVE_MQTT_URL", envName("mqtt-url"))
	assert.Equal(t, "PIHIVE_HOST", envName("host"))
}

func withArgs(t *testing.T, args ...string) {
	old := os.Args
	os.Args = append([]string{"pihive"}, args...)
	t.Cleanup(func() { os.Args = old })
}

func TestParseFlagsEnvAndOverride(t *testing.T) {
	t.Setenv("PIHIVE_STATE_DIR", "/tmp/hive")
	t.Setenv("PIHIVE_HOST", "from-env")
	t.Setenv("PIHIVE_HEARTBEAT", "PT2S")
	withArgs(t, "--host", "from-flag", "--retention", "86400")

	cfg, err := parseFlags()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/hive", cfg.StateDir)
	assert.Equal(t, "from-flag", cfg.Host)
	assert.Equal(t, 2*time.Second, cfg.Heartbeat)
	assert.Equal(t, 24*time.Hour, cfg.Retention)
}

func TestParseFlagsRejectsBadInterval(t *testing.T) {
	withArgs(t, "--heartbeat", "soon")
	_, err := parseFlags()
	assert.Error(t, err)
}

func TestParseFlagsWeightCellTiming(t *testing.T) {
	t.Setenv("PIHIVE_HX_PULSE_MAX", "120us")
	withArgs(t, "--hx-first-pulse-max", "150us", "--hx-min-pulse", "2us", "--hx-gain-pulses", "3", "--hx-settle", "PT1S")

	cfg, err := parseFlags()
	require.NoError(t, err)
	assert.Equal(t, 120*time.Microsecond, cfg.HXPulseMax)
	assert.Equal(t, 150*time.Microsecond, cfg.HXFirstPulseMax)
	assert.Equal(t, 2*time.Microsecond, cfg.HXMinPulse)
	assert.Equal(t, 3, cfg.HXGainPulses)
	assert.Equal(t, time.Second, cfg.HXSettle)
}
