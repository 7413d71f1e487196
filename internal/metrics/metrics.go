// Package metrics exposes Prometheus collectors for the ingestion pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "detect_pipeline"

// Metrics holds the pipeline collectors and their registry.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	pollCycles   prometheus.Counter
	processed    prometheus.Counter
	failures     *prometheus.CounterVec
	uploaded     prometheus.Counter
	objectTiming prometheus.Histogram
}

// New creates the collectors on a fresh registry, together with Go and process collectors
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		pollCycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_cycles_total",
			Help:      "Number of completed inbox poll cycles.",
		}),
		processed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "objects_processed_total",
			Help:      "Source objects processed successfully.",
		}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "object_failures_total",
			Help:      "Source object processing failures by stage.",
		}, []string{"stage"}),
		uploaded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outputs_uploaded_total",
			Help:      "Output objects uploaded to the outbox.",
		}),
		objectTiming: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "object_duration_seconds",
			Help:      "Time spent processing one source object.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
	}

	reg.MustRegister(
		m.pollCycles,
		m.processed,
		m.failures,
		m.uploaded,
		m.objectTiming,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// PollCycle counts one finished poll cycle
func (m *Metrics) PollCycle() {
	if m == nil {
		return
	}
	m.pollCycles.Inc()
}

// ObjectSucceeded records a fully processed source object
func (m *Metrics) ObjectSucceeded(d time.Duration, uploaded int) {
	if m == nil {
		return
	}
	m.processed.Inc()
	m.uploaded.Add(float64(uploaded))
	m.objectTiming.Observe(d.Seconds())
}

// ObjectFailed records a failure at the given stage
func (m *Metrics) ObjectFailed(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(stage).Inc()
	m.objectTiming.Observe(d.Seconds())
}
