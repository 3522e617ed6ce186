// Package metrics exports broker and transport metrics in Prometheus
// format. All record methods are nil-safe so components can run without a
// metrics set wired.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "switchboard"

// Set holds the metric vectors on a dedicated registry.
type Set struct {
	registry *prometheus.Registry

	// Broker metrics
	eventsReceived   *prometheus.CounterVec
	batchesExecuted  prometheus.Counter
	batchesPreempted prometheus.Counter
	batchDuration    prometheus.Histogram
	queueDepth       prometheus.Gauge
	activeChats      prometheus.Gauge

	// Messenger metrics
	messengerOps *prometheus.CounterVec

	// AI stream metrics
	streamsStarted prometheus.Counter
	streamErrors   prometheus.Counter
	streamDuration prometheus.Histogram
	deltaSize      prometheus.Histogram
}

// Config configures the metrics set.
type Config struct {
	// Registry to use (if nil, creates a new one)
	Registry *prometheus.Registry

	// Buckets for duration histograms (in seconds)
	DurationBuckets []float64
}

// DefaultConfig returns the default metrics configuration.
func DefaultConfig() Config {
	return Config{
		DurationBuckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
	}
}

// New creates a metrics set with every vector registered.
func New(cfg Config) *Set {
	if len(cfg.DurationBuckets) == 0 {
		cfg.DurationBuckets = DefaultConfig().DurationBuckets
	}
	registry := cfg.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	s := &Set{registry: registry}

	s.eventsReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "events_received_total",
			Help:      "Total number of producer events received",
		},
		[]string{"kind"},
	)

	s.batchesExecuted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "batches_executed_total",
			Help:      "Total number of batches that ran the pipeline",
		},
	)

	s.batchesPreempted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "batches_preempted_total",
			Help:      "Total number of in-flight batches cancelled by a newer one",
		},
	)

	s.batchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "batch_duration_seconds",
			Help:      "Batch pipeline duration in seconds",
			Buckets:   cfg.DurationBuckets,
		},
	)

	s.queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "queue_depth",
			Help:      "Events currently buffered across all chats",
		},
	)

	s.activeChats = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "active_chats",
			Help:      "Number of chats with a live executor",
		},
	)

	s.messengerOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messenger",
			Name:      "operations_total",
			Help:      "Total messenger operations by kind and status",
		},
		[]string{"op", "status"},
	)

	s.streamsStarted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ai",
			Name:      "streams_total",
			Help:      "Total number of AI streams opened",
		},
	)

	s.streamErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ai",
			Name:      "stream_errors_total",
			Help:      "Total number of AI streams that ended in error",
		},
	)

	s.streamDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ai",
			Name:      "stream_duration_seconds",
			Help:      "AI stream duration in seconds",
			Buckets:   cfg.DurationBuckets,
		},
	)

	s.deltaSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ai",
			Name:      "delta_size_chars",
			Help:      "Size of individual stream deltas in characters",
			Buckets:   []float64{1, 2, 4, 8, 16, 32, 64, 128, 256},
		},
	)

	registry.MustRegister(
		s.eventsReceived,
		s.batchesExecuted,
		s.batchesPreempted,
		s.batchDuration,
		s.queueDepth,
		s.activeChats,
		s.messengerOps,
		s.streamsStarted,
		s.streamErrors,
		s.streamDuration,
		s.deltaSize,
	)
	return s
}

// EventReceived counts one producer event.
func (s *Set) EventReceived(kind string) {
	if s == nil {
		return
	}
	s.eventsReceived.WithLabelValues(kind).Inc()
}

// BatchExecuted counts a pipeline run and observes its duration.
func (s *Set) BatchExecuted(d time.Duration) {
	if s == nil {
		return
	}
	s.batchesExecuted.Inc()
	s.batchDuration.Observe(d.Seconds())
}

// BatchPreempted counts a cancelled in-flight batch.
func (s *Set) BatchPreempted() {
	if s == nil {
		return
	}
	s.batchesPreempted.Inc()
}

// SetQueueDepth sets the buffered-event gauge.
func (s *Set) SetQueueDepth(n int) {
	if s == nil {
		return
	}
	s.queueDepth.Set(float64(n))
}

// SetActiveChats sets the live-executor gauge.
func (s *Set) SetActiveChats(n int) {
	if s == nil {
		return
	}
	s.activeChats.Set(float64(n))
}

// MessengerOp counts one messenger call by operation and outcome.
func (s *Set) MessengerOp(op string, err error) {
	if s == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	s.messengerOps.WithLabelValues(op, status).Inc()
}

// StreamStarted counts an opened AI stream.
func (s *Set) StreamStarted() {
	if s == nil {
		return
	}
	s.streamsStarted.Inc()
}

// StreamFinished observes a completed stream; failed marks it as errored.
func (s *Set) StreamFinished(d time.Duration, failed bool) {
	if s == nil {
		return
	}
	s.streamDuration.Observe(d.Seconds())
	if failed {
		s.streamErrors.Inc()
	}
}

// DeltaReceived observes the size of one stream delta.
func (s *Set) DeltaReceived(chars int) {
	if s == nil {
		return
	}
	s.deltaSize.Observe(float64(chars))
}

// Registry returns the underlying registry for custom collectors.
func (s *Set) Registry() *prometheus.Registry {
	if s == nil {
		return nil
	}
	return s.registry
}

// Handler returns the HTTP handler serving the registry.
func (s *Set) Handler() http.Handler {
	if s == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}
