package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"periph.io/x/periph/conn/gpio/gpioreg"
	"periph.io/x/periph/host"

	"github.com/jkaberg/pihive/internal/app"
	"github.com/jkaberg/pihive/internal/config"
	"github.com/jkaberg/pihive/internal/mqtt"
)

// version is injected at build time via ldflags
var version = "dev"

const envPrefix = "PIHIVE_"

func main() {
	cfg, err := parseFlags()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger := setupLogger(cfg.Verbose)
	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}

	logger.WithFields(logrus.Fields{
		"version":   version,
		"host":      cfg.Host,
		"state_dir": cfg.StateDir,
		"listen":    cfg.Listen,
		"weather":   cfg.WeatherProvider,
	}).Info("Starting pihive")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var opts []app.Option

	if cfg.HasWeightCell() {
		if _, err := host.Init(); err != nil {
			logger.WithError(err).Fatal("Failed to initialise GPIO host drivers")
		}
		clk := gpioreg.ByName(cfg.ClockPin)
		data := gpioreg.ByName(cfg.DataPin)
		if clk == nil || data == nil {
			logger.WithFields(logrus.Fields{
				"clock": cfg.ClockPin,
				"data":  cfg.DataPin,
			}).Fatal("Weight cell pins not found")
		}
		opts = append(opts, app.WithWeightCell(clk, data))
	}

	if cfg.HasMQTT() {
		client, err := mqtt.NewClient(cfg.MQTTUrl, cfg.Host, mqtt.Options{
			Insecure:       cfg.MQTTInsecure,
			ConnectTimeout: config.MQTTTimeout,
		}, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to create MQTT client")
		}
		opts = append(opts, app.WithMQTT(client))
	} else {
		logger.Warn("No MQTT broker configured; values are only kept locally")
	}

	node, err := app.New(cfg, version, logger, opts...)
	if err != nil {
		logger.WithError(err).Fatal("Failed to set up node")
	}
	if err := node.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.WithError(err).Fatal("Node failed")
	}
	logger.Info("pihive stopped")
}

// parseFlags reads the command line. Every flag can also be set through a
// PIHIVE_<FLAG> environment variable; the command line wins.
func parseFlags() (*config.Config, error) {
	cfg := config.GetDefaultConfig()
	fs := pflag.NewFlagSet("pihive", pflag.ContinueOnError)

	showVersion := fs.Bool("version", false, "Show version and exit")

	hostname, _ := os.Hostname()
	fs.StringVar(&cfg.Host, "host", hostname, "Node name used in topics and archive names")
	fs.StringVar(&cfg.StateDir, "state-dir", cfg.StateDir, "Directory for sensors.cfg, jobs.cfg and data.log")
	fs.StringVar(&cfg.Listen, "listen", cfg.Listen, "HTTP address for /ws, /metrics and /history")
	fs.BoolVarP(&cfg.Verbose, "verbose", "v", cfg.Verbose, "Verbose logging")

	fs.StringVar(&cfg.MQTTUrl, "mqtt-url", cfg.MQTTUrl, "MQTT URL (mqtt, mqtts, ws, wss)")
	fs.StringVar(&cfg.DiscoveryPrefix, "discovery-prefix", cfg.DiscoveryPrefix, "Home Assistant discovery prefix")
	fs.BoolVar(&cfg.MQTTInsecure, "mqtt-insecure", cfg.MQTTInsecure, "Skip broker certificate verification")

	fs.StringVar(&cfg.ClockPin, "clock-pin", cfg.ClockPin, "HX711 clock pin, empty disables the weight cell")
	fs.StringVar(&cfg.DataPin, "data-pin", cfg.DataPin, "HX711 data pin, empty disables the weight cell")
	fs.IntVar(&cfg.HXErrMax, "hx-err-max", cfg.HXErrMax, "Consecutive timing faults before the weight cell is disabled")
	fs.Float64Var(&cfg.HXShape, "hx-shape", cfg.HXShape, "Plausibility shape factor")
	fs.Float64Var(&cfg.HXPFMin, "hx-pf-min", cfg.HXPFMin, "Minimum plausibility of an accepted sample")
	fs.Float64Var(&cfg.HXDrift, "hx-drift", cfg.HXDrift, "Drift of the previous sample toward the mean on implausible samples")
	hxSettle := fs.String("hx-settle", "", "Wake-up settle time of the weight cell before each bit exchange")
	fs.DurationVar(&cfg.HXMinPulse, "hx-min-pulse", cfg.HXMinPulse, "Busy-wait per HX711 clock phase (e.g. 1us)")
	fs.DurationVar(&cfg.HXFirstPulseMax, "hx-first-pulse-max", cfg.HXFirstPulseMax, "Longest accepted first clock high phase (e.g. 86us)")
	fs.DurationVar(&cfg.HXPulseMax, "hx-pulse-max", cfg.HXPulseMax, "Longest accepted clock phase; raise on hosts with scheduling jitter (e.g. 68us)")
	fs.IntVar(&cfg.HXGainPulses, "hx-gain-pulses", cfg.HXGainPulses, "Extra clock pulses selecting channel and gain: 1 A/128, 2 B/32, 3 A/64")

	fs.StringVar(&cfg.W1Root, "w1-root", cfg.W1Root, "One-wire sysfs directory, empty disables sensor discovery")

	fs.StringVar(&cfg.WeatherProvider, "weather", cfg.WeatherProvider, "Weather provider: owm, openmeteo or empty")
	fs.StringVar(&cfg.OWMAPIKey, "owm-api-key", cfg.OWMAPIKey, "OpenWeatherMap API key")
	fs.StringVar(&cfg.OWMCityID, "owm-city-id", cfg.OWMCityID, "OpenWeatherMap city id")
	fs.Float64Var(&cfg.Latitude, "latitude", cfg.Latitude, "Latitude for Open-Meteo")
	fs.Float64Var(&cfg.Longitude, "longitude", cfg.Longitude, "Longitude for Open-Meteo")
	weatherInterval := fs.String("weather-interval", "", "Weather poll interval")

	fs.BoolVar(&cfg.HTTPInsecure, "http-insecure", cfg.HTTPInsecure, "Skip certificate verification for weather and archive uploads")
	httpTimeout := fs.String("http-timeout", "", "Outbound HTTP timeout")

	heartbeat := fs.String("heartbeat", "", "Scheduler heartbeat")
	retention := fs.String("retention", "", "How long values are kept in the history")
	fs.IntVar(&cfg.PoolSize, "pool-size", cfg.PoolSize, "Concurrent background acquisitions")

	// Environment first so the command line can override it.
	fs.VisitAll(func(f *pflag.Flag) {
		if v := getEnv(envName(f.Name), ""); v != "" {
			if err := f.Value.Set(v); err == nil {
				f.DefValue = v
			}
		}
	})
	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, err
	}

	if *showVersion {
		fmt.Printf("pihive %s\n", version)
		os.Exit(0)
	}

	for _, d := range []struct {
		raw *string
		dst *time.Duration
		opt string
	}{
		{hxSettle, &cfg.HXSettle, "hx-settle"},
		{weatherInterval, &cfg.WeatherInterval, "weather-interval"},
		{httpTimeout, &cfg.HTTPTimeout, "http-timeout"},
		{heartbeat, &cfg.Heartbeat, "heartbeat"},
		{retention, &cfg.Retention, "retention"},
	} {
		if *d.raw == "" {
			continue
		}
		v, err := config.ParseInterval(*d.raw)
		if err != nil {
			return nil, fmt.Errorf("invalid --%s: %w", d.opt, err)
		}
		*d.dst = v
	}
	return cfg, nil
}

func envName(flag string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flag, "-", "_"))
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func setupLogger(verbose bool) *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339})
	if verbose {
		l.SetLevel(logrus.DebugLevel)
	} else {
		l.SetLevel(logrus.InfoLevel)
	}
	return l
}
