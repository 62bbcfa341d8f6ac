// Package archive periodically writes the recent history to a file or an
// HTTP endpoint.
package archive

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jkaberg/pihive/internal/history"
	"github.com/jkaberg/pihive/internal/sensors"
)

// DateLayout renders the <date> placeholder, e.g. 240501-1230.
const DateLayout = "060102-1504"

// Defaults until the job is parametrized.
const (
	DefaultDelayHours    = 1
	DefaultTimelineHours = 24
)

// Option configures a Job.
type Option func(j *Job)

// WithHTTPClient sets the client used for http(s) targets.
func WithHTTPClient(c *http.Client) Option {
	return func(j *Job) { j.client = c }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(j *Job) { j.now = now }
}

// Job dumps the last timeline hours of history every delay hours.
type Job struct {
	client *http.Client
	now    func() time.Time
	logger *logrus.Logger

	mu       sync.Mutex
	delay    int
	timeline int
	target   string
}

// New creates a disabled job; Parametrize sets a target.
func New(logger *logrus.Logger, opts ...Option) *Job {
	j := &Job{
		client:   &http.Client{Timeout: time.Minute},
		now:      time.Now,
		logger:   logger,
		delay:    DefaultDelayHours,
		timeline: DefaultTimelineHours,
	}
	for _, o := range opts {
		o(j)
	}
	return j
}

// Parametrize reads "delay_h timeline_h target". With fewer than three
// fields the target is cleared, which disables archiving.
func (j *Job) Parametrize(args string) error {
	fields := strings.Fields(args)
	delay, timeline, target := j.delay, j.timeline, ""
	for i, f := range fields {
		switch i {
		case 0, 1:
			n, err := strconv.Atoi(f)
			if err != nil || n <= 0 {
				return fmt.Errorf("invalid hour count %q", f)
			}
			if i == 0 {
				delay = n
			} else {
				timeline = n
			}
		case 2:
			if _, err := targetKind(f); err != nil {
				return err
			}
			target = f
		default:
			return fmt.Errorf("too many archive parameters in %q", args)
		}
	}

	j.mu.Lock()
	j.delay, j.timeline, j.target = delay, timeline, target
	j.mu.Unlock()
	return nil
}

// Params returns the parameters in Parametrize form.
func (j *Job) Params() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return strings.TrimSpace(fmt.Sprintf("%d %d %s", j.delay, j.timeline, j.target))
}

// Run writes the archive and returns the delay until the next run.
func (j *Job) Run(ctx context.Context, snapshot []sensors.StampedValue, host string) (time.Duration, error) {
	j.mu.Lock()
	delay := time.Duration(j.delay) * time.Hour
	timeline := time.Duration(j.timeline) * time.Hour
	pattern := j.target
	j.mu.Unlock()

	if pattern == "" {
		return delay, nil
	}

	now := j.now()
	from := now.Add(-timeline)
	var window []sensors.StampedValue
	for _, v := range snapshot {
		if !v.Time.Before(from) {
			window = append(window, v)
		}
	}
	if len(window) == 0 {
		j.logger.WithField("timeline", timeline).Warn("Nothing to archive")
		return delay, nil
	}

	target := Expand(pattern, host, now)
	content := history.Format(window)
	if err := j.write(ctx, target, content); err != nil {
		return delay, fmt.Errorf("archive to %s: %w", redact(target), err)
	}
	j.logger.WithFields(logrus.Fields{
		"target": redact(target),
		"values": len(window),
		"bytes":  len(content),
	}).Info("Archived history")
	return delay, nil
}

// Expand substitutes <host> and <date> in pattern.
func Expand(pattern, host string, now time.Time) string {
	r := strings.NewReplacer("<host>", host, "<date>", now.Format(DateLayout))
	return r.Replace(pattern)
}

type kind int

const (
	kindFile kind = iota
	kindHTTP
)

func targetKind(target string) (kind, error) {
	if !strings.Contains(target, "://") {
		return kindFile, nil
	}
	u, err := url.Parse(target)
	if err != nil {
		return 0, fmt.Errorf("invalid archive target: %w", err)
	}
	switch u.Scheme {
	case "file":
		return kindFile, nil
	case "http", "https":
		return kindHTTP, nil
	}
	return 0, fmt.Errorf("unsupported archive target scheme %q (supported: file, http, https)", u.Scheme)
}

func (j *Job) write(ctx context.Context, target, content string) error {
	k, err := targetKind(target)
	if err != nil {
		return err
	}
	if k == kindHTTP {
		return j.put(ctx, target, content)
	}
	path := strings.TrimPrefix(target, "file://")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content), 0o644)
}

func (j *Job) put(ctx context.Context, target, content string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, strings.NewReader(content))
	if err != nil {
		return fmt.Errorf("cannot create request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	resp, err := j.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	return nil
}

// redact removes credentials from URL targets for logging
func redact(target string) string {
	u, err := url.Parse(target)
	if err != nil || u.User == nil {
		return target
	}
	u.User = url.User("***")
	return u.String()
}
