package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sosodev/duration"
)

// Weather providers.
const (
	WeatherNone      = ""
	WeatherOWM       = "owm"
	WeatherOpenMeteo = "openmeteo"
)

// Config holds all configuration options for the pihive node
type Config struct {
	// Node Configuration
	Host     string `json:"host"`      // Node name used in topics, archive targets and the device name
	StateDir string `json:"state_dir"` // Holds sensors.cfg, jobs.cfg and data.log
	Listen   string `json:"listen"`    // HTTP address for /ws and /metrics
	Verbose  bool   `json:"verbose"`   // Enable verbose logging

	// MQTT Configuration
	MQTTUrl         string `json:"mqtt_url"`         // MQTT URL (supports both WebSocket and standard MQTT)
	DiscoveryPrefix string `json:"discovery_prefix"` // Home Assistant discovery prefix
	MQTTInsecure    bool   `json:"mqtt_insecure"`    // Skip broker certificate verification

	// Weight cell, empty pins disable it
	ClockPin string        `json:"clock_pin"`
	DataPin  string        `json:"data_pin"`
	HXSettle time.Duration `json:"hx_settle"`
	HXErrMax int           `json:"hx_err_max"`
	HXShape  float64       `json:"hx_shape"`
	HXPFMin  float64       `json:"hx_pf_min"`
	HXDrift  float64       `json:"hx_drift"`

	HXMinPulse      time.Duration `json:"hx_min_pulse"`
	HXFirstPulseMax time.Duration `json:"hx_first_pulse_max"`
	HXPulseMax      time.Duration `json:"hx_pulse_max"`
	HXGainPulses    int           `json:"hx_gain_pulses"` // 1: A/128, 2: B/32, 3: A/64

	// One-wire sysfs root, empty disables sensor discovery
	W1Root string `json:"w1_root"`

	// Weather Configuration
	WeatherProvider string        `json:"weather_provider"` // "", "owm" or "openmeteo"
	WeatherInterval time.Duration `json:"weather_interval"`
	OWMAPIKey       string        `json:"owm_api_key"`
	OWMCityID       string        `json:"owm_city_id"`
	Latitude        float64       `json:"latitude"`
	Longitude       float64       `json:"longitude"`

	// Outbound HTTP (weather, archive uploads)
	HTTPTimeout  time.Duration `json:"http_timeout"`
	HTTPInsecure bool          `json:"http_insecure"`

	// Scheduler
	Heartbeat       time.Duration `json:"heartbeat"`
	JobTimeout      time.Duration `json:"job_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
	Retention       time.Duration `json:"retention"`
	PoolSize        int           `json:"pool_size"`
}

// GetDefaultConfig returns a configuration with sensible defaults
func GetDefaultConfig() *Config {
	return &Config{
		StateDir:        "/var/lib/pihive",
		Listen:          ":8080",
		DiscoveryPrefix: "homeassistant",
		ClockPin:        "GPIO23",
		DataPin:         "GPIO24",
		HXSettle:        HXSettle,
		HXErrMax:        HXErrMax,
		HXShape:         HXShape,
		HXPFMin:         HXPFMin,
		HXMinPulse:      HXMinPulse,
		HXFirstPulseMax: HXFirstPulseMax,
		HXPulseMax:      HXPulseMax,
		HXGainPulses:    HXGainPulses,
		W1Root:          "/sys/bus/w1/devices",
		WeatherInterval: WeatherInterval,
		HTTPTimeout:     HTTPTimeout,
		Heartbeat:       Heartbeat,
		JobTimeout:      JobTimeout,
		ShutdownTimeout: ShutdownTimeout,
		Retention:       Retention,
		PoolSize:        PoolSize,
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host name is required")
	}
	if c.StateDir == "" {
		return fmt.Errorf("state directory is required")
	}

	// MQTT validation - support both WebSocket and standard MQTT protocols
	if c.MQTTUrl != "" {
		if !strings.HasPrefix(c.MQTTUrl, "ws://") &&
			!strings.HasPrefix(c.MQTTUrl, "wss://") &&
			!strings.HasPrefix(c.MQTTUrl, "mqtt://") &&
			!strings.HasPrefix(c.MQTTUrl, "mqtts://") {
			return fmt.Errorf("MQTT URL must use supported protocol (ws://, wss://, mqtt://, or mqtts://)")
		}
	}

	if (c.ClockPin == "") != (c.DataPin == "") {
		return fmt.Errorf("clock and data pin must both be set or both be empty")
	}
	if c.HXErrMax <= 0 {
		return fmt.Errorf("hx711 failure ceiling must be positive")
	}
	if c.HXPFMin < 0 || c.HXPFMin >= 1 {
		return fmt.Errorf("hx711 minimum plausibility must be in [0, 1)")
	}
	if !(c.HXShape > 0) {
		return fmt.Errorf("hx711 shape factor must be positive, got %g", c.HXShape)
	}
	if c.HXGainPulses < 1 || c.HXGainPulses > 3 {
		return fmt.Errorf("hx711 gain pulses must be 1, 2 or 3, got %d", c.HXGainPulses)
	}
	if c.HXSettle < 0 {
		return fmt.Errorf("hx711 settle time must not be negative")
	}
	if c.HXMinPulse <= 0 || c.HXPulseMax <= c.HXMinPulse || c.HXFirstPulseMax <= c.HXMinPulse {
		return fmt.Errorf("hx711 pulse limits must exceed the minimum pulse %s", c.HXMinPulse)
	}

	switch c.WeatherProvider {
	case WeatherNone, WeatherOpenMeteo:
	case WeatherOWM:
		if c.OWMAPIKey == "" || c.OWMCityID == "" {
			return fmt.Errorf("OpenWeatherMap needs an API key and a city id")
		}
	default:
		return fmt.Errorf("unknown weather provider %q (supported: owm, openmeteo)", c.WeatherProvider)
	}

	for name, d := range map[string]time.Duration{
		"heartbeat":        c.Heartbeat,
		"job timeout":      c.JobTimeout,
		"shutdown timeout": c.ShutdownTimeout,
		"retention":        c.Retention,
		"weather interval": c.WeatherInterval,
		"http timeout":     c.HTTPTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}

	// Set defaults for invalid values
	if c.PoolSize <= 0 {
		c.PoolSize = PoolSize
	}
	return nil
}

// HasMQTT returns true if MQTT is configured
func (c *Config) HasMQTT() bool {
	return c.MQTTUrl != ""
}

// HasWeightCell returns true if the HX711 pins are configured
func (c *Config) HasWeightCell() bool {
	return c.ClockPin != "" && c.DataPin != ""
}

// ParseInterval reads a Go duration ("90s"), an ISO-8601 duration ("PT30M")
// or a plain number of seconds.
func ParseInterval(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty interval")
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	if s[0] == 'P' || s[0] == 'p' {
		d, err := duration.Parse(strings.ToUpper(s))
		if err != nil {
			return 0, fmt.Errorf("invalid ISO-8601 interval %q: %w", s, err)
		}
		return d.ToTimeDuration(), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid interval %q: %w", s, err)
	}
	return d, nil
}
