package config

import "time"

// Central place for all application-wide timing constants and other defaults.
// Changing a value here immediately affects all components that import
// github.com/jkaberg/pihive/internal/config.

const (
	// Scheduler
	Heartbeat       = time.Second      // Sensor polling cadence
	JobTimeout      = 2 * time.Minute  // Archive/publish/weather job bound
	ShutdownTimeout = 30 * time.Second // Flush and final archive bound
	PoolSize        = 4                // Concurrent acquisitions and polls

	// History
	Retention = 7 * 24 * time.Hour

	// Remote services
	WeatherInterval = 30 * time.Minute
	HTTPTimeout     = 30 * time.Second
	MQTTTimeout     = 5 * time.Second // MQTT connect

	// HX711 weight cell
	HXSettle = 800 * time.Millisecond
	HXErrMax = 600
	HXShape  = 8.0
	HXPFMin  = 0.05

	// HX711 clock phase limits. PulseMax must cover the host's scheduling
	// jitter; a busy Pi needs more headroom than an idle one.
	HXMinPulse      = time.Microsecond
	HXFirstPulseMax = 86 * time.Microsecond
	HXPulseMax      = 68 * time.Microsecond
	HXGainPulses    = 1 // channel A, gain 128

	// Persisted state, relative to the state directory
	SensorsFile = "sensors.cfg"
	JobsFile    = "jobs.cfg"
	HistoryFile = "data.log"
)
