// Package metrics exposes node internals as Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pihive"

// Metrics groups every collector of the node on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	Samples      *prometheus.CounterVec
	Rejected     *prometheus.CounterVec
	Value        *prometheus.GaugeVec
	JobRuns      *prometheus.CounterVec
	JobDuration  *prometheus.HistogramVec
	Tick         prometheus.Histogram
	HXFaults     prometheus.Counter
	Plausibility prometheus.Gauge
	History      prometheus.Gauge
	Subscribers  prometheus.Gauge
	Deliveries   *prometheus.CounterVec
}

// New registers all collectors plus the Go runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Samples: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_accepted_total",
			Help:      "Readings accepted by the sensor filter.",
		}, []string{"sensor"}),
		Rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_rejected_total",
			Help:      "Readings dropped by the sensor filter.",
		}, []string{"sensor"}),
		Value: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sensor_value",
			Help:      "Last accepted numeric value per sensor.",
		}, []string{"sensor", "unit"}),
		JobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_runs_total",
			Help:      "Maintenance job runs by result.",
		}, []string{"job", "result"}),
		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Maintenance job run time.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"job"}),
		Tick: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tick_duration_seconds",
			Help:      "Time spent in one scheduler heartbeat.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
		HXFaults: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hx711_faults_total",
			Help:      "Weight cell exchanges discarded as timing faults.",
		}),
		Plausibility: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "hx711_plausibility",
			Help:      "Plausibility factor of the last valid weight sample.",
		}),
		History: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "history_entries",
			Help:      "Values retained in the history window.",
		}),
		Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscribers",
			Help:      "Registered change subscribers.",
		}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Change deliveries to subscribers by result.",
		}, []string{"result"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Samples, m.Rejected, m.Value,
		m.JobRuns, m.JobDuration, m.Tick,
		m.HXFaults, m.Plausibility,
		m.History, m.Subscribers, m.Deliveries,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
