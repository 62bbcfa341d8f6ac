package app

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jkaberg/pihive/internal/config"
	"github.com/jkaberg/pihive/internal/history"
	"github.com/jkaberg/pihive/internal/scheduler"
	"github.com/jkaberg/pihive/internal/sensors"
)

// Suffixes addressing a sensor property through SetValue.
const (
	suffixEnabled  = ".enabled"
	suffixTare     = ".tare"
	suffixDelta    = ".delta"
	suffixMode     = ".mode"
	suffixDelay    = ".delay"
	suffixTareStep = ".tarestep"
)

// Runtime command names.
const (
	CmdHistory  = "history"
	CmdReset    = "reset"
	CmdArchive  = "archive"
	CmdPublish  = "publish"
	CmdHostname = "hostname"
	CmdLogLevel = "loglevel"
	CmdVersion  = "version"
)

// ErrInvalidName is returned for names or values that would corrupt the
// tab separated history.
var ErrInvalidName = errors.New("names and values must not contain tabs or line breaks")

// MaxValueLength bounds a value given to SetValue.
const MaxValueLength = 1024

// ErrValueTooLong is returned for values longer than MaxValueLength.
var ErrValueTooLong = fmt.Errorf("values are limited to %d bytes", MaxValueLength)

// ErrUnknownCommand is returned by Command for names it does not handle.
var ErrUnknownCommand = errors.New("unknown command")

// GetValue returns the last value of a sensor or operator note as a history
// line. A sensor without a value yet reports NaN.
func (n *Node) GetValue(name string) (string, error) {
	if s, ok := n.registry.Get(name); ok {
		if v, ok := s.Last(); ok {
			return v.String(), nil
		}
		return sensors.NewStampedValue(name, math.NaN()).String(), nil
	}
	if v, ok := n.history.Latest()[name]; ok {
		return v.String(), nil
	}
	return "", fmt.Errorf("%w: %s", sensors.ErrUnknownSensor, name)
}

// SetValue changes a sensor property or records an operator note.
//
//	<sensor>.enabled true|false   toggles sampling
//	<sensor>.tare <target>        maps the last value to target
//	<sensor>.delta <d>            filter threshold
//	<sensor>.mode <mode>          acceptance filter (ANY, MINDIFF, ...)
//	<sensor>.delay <interval>     spacing for MINDELAY
//	<sensor>.tarestep <step>      reference increase forcing a full tare
//	<anything else> <text>        appended to the history as a note
func (n *Node) SetValue(name, value string) (string, error) {
	if name == "" || strings.ContainsAny(name, "\t\r\n ") || strings.ContainsAny(value, "\t\r\n") {
		return "", ErrInvalidName
	}
	if len(value) > MaxValueLength {
		return "", ErrValueTooLong
	}

	switch {
	case strings.HasSuffix(name, suffixEnabled):
		return n.setEnabled(strings.TrimSuffix(name, suffixEnabled), value)
	case strings.HasSuffix(name, suffixTare):
		return n.setTare(strings.TrimSuffix(name, suffixTare), value)
	case strings.HasSuffix(name, suffixDelta):
		return n.setFilter(strings.TrimSuffix(name, suffixDelta), suffixDelta, value)
	case strings.HasSuffix(name, suffixMode):
		return n.setFilter(strings.TrimSuffix(name, suffixMode), suffixMode, value)
	case strings.HasSuffix(name, suffixDelay):
		return n.setFilter(strings.TrimSuffix(name, suffixDelay), suffixDelay, value)
	case strings.HasSuffix(name, suffixTareStep):
		return n.setFilter(strings.TrimSuffix(name, suffixTareStep), suffixTareStep, value)
	}

	if _, ok := n.registry.Get(name); ok {
		return "", fmt.Errorf("sensor %s is read-only", name)
	}
	v := sensors.NewStampedValue(name, sensors.ParseValue(value))
	n.history.Append(v)
	n.logger.WithFields(logrus.Fields{
		"name":  name,
		"value": value,
	}).Info("Operator note recorded")
	return v.String(), nil
}

func (n *Node) sensor(name string) (*sensors.Sensor, error) {
	s, ok := n.registry.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", sensors.ErrUnknownSensor, name)
	}
	return s, nil
}

func (n *Node) setEnabled(name, value string) (string, error) {
	s, err := n.sensor(name)
	if err != nil {
		return "", err
	}
	enabled, err := strconv.ParseBool(value)
	if err != nil {
		return "", fmt.Errorf("invalid enabled value %q: %w", value, err)
	}
	s.SetEnabled(enabled)
	if enabled {
		n.notifier.Clear(name)
	}
	v := sensors.NewStampedValue(name+suffixEnabled, strconv.FormatBool(enabled))
	n.history.Append(v)
	n.logger.WithFields(logrus.Fields{
		"sensor":  name,
		"enabled": enabled,
	}).Info("Sensor state changed")
	return v.String(), nil
}

// setFilter changes one filter or tare parameter of a sensor and records the
// change in the history.
func (n *Node) setFilter(name, suffix, value string) (string, error) {
	s, err := n.sensor(name)
	if err != nil {
		return "", err
	}
	var applied any
	switch suffix {
	case suffixDelta, suffixTareStep:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || f < 0 || (suffix == suffixTareStep && f == 0) {
			return "", fmt.Errorf("invalid %s value %q", strings.TrimPrefix(suffix, "."), value)
		}
		if suffix == suffixDelta {
			s.SetDelta(f)
		} else {
			s.SetMinTareStep(f)
		}
		applied = f
	case suffixMode:
		m, err := sensors.ParseFilterMode(value)
		if err != nil {
			return "", err
		}
		s.SetMode(m)
		applied = m.String()
	case suffixDelay:
		d, err := config.ParseInterval(value)
		if err != nil {
			return "", err
		}
		if d <= 0 {
			return "", fmt.Errorf("delay must be positive, got %s", d)
		}
		s.SetMinDelay(d)
		applied = d.String()
	}

	v := sensors.NewStampedValue(name+suffix, applied)
	n.history.Append(v)
	n.logger.WithFields(logrus.Fields{
		"sensor": name,
		"param":  strings.TrimPrefix(suffix, "."),
		"value":  applied,
	}).Info("Sensor filter changed")
	return v.String(), nil
}

func (n *Node) setTare(name, value string) (string, error) {
	s, err := n.sensor(name)
	if err != nil {
		return "", err
	}
	target, err := strconv.ParseFloat(value, 64)
	if err != nil || math.IsNaN(target) || math.IsInf(target, 0) {
		return "", fmt.Errorf("invalid tare target %q", value)
	}
	last, ok := s.Last()
	observed, isNum := last.Number()
	if !ok || !isNum || math.IsNaN(observed) {
		return "", fmt.Errorf("sensor %s has no value to tare against", name)
	}

	mode, err := s.SetTare(target, observed)
	if err != nil {
		return "", fmt.Errorf("tare of %s failed: %w", name, err)
	}
	// The running mean is in calibrated units; restart it at the target.
	s.SetLast(sensors.NewStampedValue(name, target))

	a, b := s.Calibration()
	n.logger.WithFields(logrus.Fields{
		"sensor":   name,
		"target":   target,
		"observed": observed,
		"mode":     mode,
		"a":        a,
		"b":        b,
	}).Info("Sensor tared")
	n.history.Append(sensors.NewStampedValue(name+suffixTare, fmt.Sprintf("%s %g %g", mode, a, b)))
	return fmt.Sprintf("%s a=%g b=%g", mode, a, b), nil
}

// Command runs a runtime command.
//
//	history [hours]      the history, optionally only the last hours
//	reset                clears the history
//	archive|publish      shows the job parameters
//	archive|publish args reparametrizes the job and runs it now
//	hostname [name]      shows or changes the node name
//	loglevel [level]     shows or changes the log level
//	version              the build version
func (n *Node) Command(_ context.Context, name string, args []string) (string, error) {
	switch name {
	case CmdHistory:
		return n.cmdHistory(args)
	case CmdReset:
		n.history.Clear()
		v := sensors.NewStampedValue(CmdReset, 0.0)
		n.history.Append(v)
		n.logger.Info("History reset")
		return v.String(), nil
	case CmdArchive:
		return n.cmdJob(scheduler.KindArchive, args)
	case CmdPublish:
		return n.cmdJob(scheduler.KindPublish, args)
	case CmdHostname:
		return n.cmdHostname(args)
	case CmdLogLevel:
		return n.cmdLogLevel(args)
	case CmdVersion:
		return n.version, nil
	}
	return "", fmt.Errorf("%w: %s %s", ErrUnknownCommand, name, strings.Join(args, " "))
}

func (n *Node) cmdHistory(args []string) (string, error) {
	if len(args) == 0 {
		return n.history.String(), nil
	}
	hours, err := strconv.ParseFloat(args[0], 64)
	if err != nil || hours <= 0 {
		return "", fmt.Errorf("invalid hours %q", args[0])
	}
	from := time.Now().Add(-time.Duration(hours * float64(time.Hour)))
	return history.Format(n.history.Since(from)), nil
}

func (n *Node) cmdJob(kind scheduler.Kind, args []string) (string, error) {
	job, ok := n.jobParams()[kind.String()]
	if !ok {
		return "", fmt.Errorf("job %s is not configured", kind)
	}
	if len(args) == 0 {
		return job.Params(), nil
	}
	if err := job.Parametrize(strings.Join(args, " ")); err != nil {
		return "", err
	}
	n.scheduler.Reschedule(kind, 0)
	n.logger.WithFields(logrus.Fields{
		"job":    kind,
		"params": job.Params(),
	}).Info("Job reparametrized")
	return job.Params(), nil
}

func (n *Node) cmdHostname(args []string) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(args) > 0 {
		if strings.ContainsAny(args[0], "/+#") {
			return "", fmt.Errorf("invalid host name %q", args[0])
		}
		n.logger.WithFields(logrus.Fields{
			"old": n.host,
			"new": args[0],
		}).Info("Host name changed")
		n.host = args[0]
		n.scheduler.SetHost(n.host)
	}
	return sensors.NewStampedValue(CmdHostname, n.host).String(), nil
}

func (n *Node) cmdLogLevel(args []string) (string, error) {
	if len(args) > 0 {
		level, err := logrus.ParseLevel(args[0])
		if err != nil {
			return "", err
		}
		n.logger.SetLevel(level)
	}
	return n.logger.GetLevel().String(), nil
}
