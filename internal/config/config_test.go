package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	c := GetDefaultConfig()
	c.Host = "hive1"
	return c
}

func TestDefaultsValidate(t *testing.T) {
	c := validConfig()
	require.NoError(t, c.Validate())
	assert.True(t, c.HasWeightCell())
	assert.False(t, c.HasMQTT())

	c.Host = ""
	assert.Error(t, c.Validate())
}

func TestValidateRejects(t *testing.T) {
	for name, mutate := range map[string]func(c *Config){
		"mqtt scheme":  func(c *Config) { c.MQTTUrl = "http://broker" },
		"single pin":   func(c *Config) { c.DataPin = "" },
		"err max":      func(c *Config) { c.HXErrMax = 0 },
		"pf min":       func(c *Config) { c.HXPFMin = 1 },
		"shape":        func(c *Config) { c.HXShape = -1 },
		"gain pulses":  func(c *Config) { c.HXGainPulses = 4 },
		"pulse max":    func(c *Config) { c.HXPulseMax = 0 },
		"first pulse":  func(c *Config) { c.HXFirstPulseMax = c.HXMinPulse },
		"owm key":      func(c *Config) { c.WeatherProvider = WeatherOWM },
		"provider":     func(c *Config) { c.WeatherProvider = "zamg" },
		"heartbeat":    func(c *Config) { c.Heartbeat = 0 },
		"retention":    func(c *Config) { c.Retention = -time.Hour },
		"no state dir": func(c *Config) { c.StateDir = "" },
		"http timeout": func(c *Config) { c.HTTPTimeout = 0 },
	} {
		c := validConfig()
		mutate(c)
		assert.Error(t, c.Validate(), name)
	}
}

func TestValidateFillsPoolSize(t *testing.T) {
	c := validConfig()
	c.PoolSize = 0
	c.MQTTUrl = "mqtts://broker:8883"
	c.WeatherProvider = WeatherOpenMeteo
	require.NoError(t, c.Validate())
	assert.Equal(t, PoolSize, c.PoolSize)
}

func TestParseInterval(t *testing.T) {
	for in, want := range map[string]time.Duration{
		"90":     90 * time.Second,
		"90s":    90 * time.Second,
		"1h30m":  90 * time.Minute,
		"PT30M":  30 * time.Minute,
		"pt1h":   time.Hour,
		"P1DT1H": 25 * time.Hour,
	} {
		got, err := ParseInterval(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	for _, in := range []string{"", "soon", "P1X"} {
		_, err := ParseInterval(in)
		assert.Error(t, err, in)
	}
}
