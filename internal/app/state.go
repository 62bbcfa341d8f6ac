package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jkaberg/pihive/internal/bus"
	"github.com/jkaberg/pihive/internal/config"
	"github.com/jkaberg/pihive/internal/history"
	"github.com/jkaberg/pihive/internal/metrics"
	"github.com/jkaberg/pihive/internal/scheduler"
	"github.com/jkaberg/pihive/internal/sensors"
)

// Parametrizable is a job whose parameters can be changed at runtime and
// persisted.
type Parametrizable interface {
	Parametrize(args string) error
	Params() string
}

// loadSensors builds the registry from the sensor file. A missing file
// yields an empty registry.
func loadSensors(path string, logger *logrus.Logger) (*sensors.Registry, error) {
	reg := sensors.NewRegistry()
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		logger.WithField("path", path).Info("No sensor configuration yet, starting empty")
		return reg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open sensor config: %w", err)
	}
	defer f.Close()

	records, err := sensors.ReadRecords(f, logger)
	if err != nil {
		return nil, err
	}
	for _, r := range records {
		reg.Add(sensors.New(r))
	}
	logger.WithFields(logrus.Fields{
		"path":    path,
		"sensors": len(records),
	}).Debug("Loaded sensor configuration")
	return reg, nil
}

// openHistory replays the data log, replaces it with the retained window
// and keeps it open for appending. When the log cannot be read completely it
// is left as it is and new values are appended to it.
func openHistory(path string, b *bus.Bus, retention time.Duration, m *metrics.Metrics, logger *logrus.Logger) (*history.Store, error) {
	var replayed []sensors.StampedValue
	complete := true
	if f, err := os.Open(path); err == nil {
		replayed, err = history.LoadLog(f, logger)
		f.Close()
		if err != nil {
			complete = false
			logger.WithError(err).Warn("Data log partly unreadable, keeping it unchanged")
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to open data log: %w", err)
	}

	store := history.New(b, logger,
		history.WithRetention(retention),
		history.WithGauge(m.History))
	store.Seed(replayed)

	if complete {
		if err := writeAtomic(path, func(f *os.File) error {
			_, err := store.WriteTo(f)
			return err
		}); err != nil {
			return nil, fmt.Errorf("failed to rewrite data log: %w", err)
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open data log for writing: %w", err)
	}
	store.SetLog(f)
	logger.WithFields(logrus.Fields{
		"path":     path,
		"replayed": len(replayed),
		"kept":     store.Len(),
	}).Info("History restored")
	return store, nil
}

// jobParams lists the jobs whose parameters are persisted, by file keyword.
func (n *Node) jobParams() map[string]Parametrizable {
	out := map[string]Parametrizable{scheduler.KindArchive.String(): n.archive}
	if n.publish != nil {
		out[scheduler.KindPublish.String()] = n.publish
	}
	return out
}

// loadJobs applies "<job> <params>" lines. Unknown jobs and bad parameters
// are logged and skipped.
func loadJobs(path string, jobs map[string]Parametrizable, logger *logrus.Logger) {
	f, err := os.Open(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			logger.WithError(err).Warn("Failed to open job configuration")
		}
		return
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		name, args, _ := strings.Cut(line, " ")
		job, ok := jobs[name]
		if !ok {
			logger.WithField("job", name).Warn("Unknown job in configuration")
			continue
		}
		if err := job.Parametrize(args); err != nil {
			logger.WithError(err).WithField("job", name).Warn("Invalid job parameters skipped")
		}
	}
}

// flush persists the sensor and job configuration. Each file is written to a
// temporary sibling and renamed into place.
func (n *Node) flush(context.Context) error {
	if err := writeAtomic(n.path(config.SensorsFile), func(f *os.File) error {
		return sensors.WriteRecords(f, n.registry.Records())
	}); err != nil {
		return fmt.Errorf("failed to save sensor config: %w", err)
	}

	jobs := n.jobParams()
	if err := writeAtomic(n.path(config.JobsFile), func(f *os.File) error {
		w := bufio.NewWriter(f)
		for _, name := range []string{scheduler.KindArchive.String(), scheduler.KindPublish.String()} {
			if job, ok := jobs[name]; ok {
				fmt.Fprintf(w, "%s %s\n", name, job.Params())
			}
		}
		return w.Flush()
	}); err != nil {
		return fmt.Errorf("failed to save job config: %w", err)
	}
	n.logger.WithField("dir", n.cfg.StateDir).Debug("Configuration saved")
	return nil
}

func writeAtomic(path string, write func(f *os.File) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if err := write(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
