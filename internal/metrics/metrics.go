// Package metrics exposes bridge counters in Prometheus format.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	types "github.com/sebas/telebridge/api/types/v1"
	"github.com/sebas/telebridge/internal/events"
)

const namespace = "telebridge"

// Metrics holds the collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	methodCalls   *prometheus.CounterVec
	methodLatency *prometheus.HistogramVec
	events        *prometheus.CounterVec
	dropped       *prometheus.CounterVec
}

// New creates and registers the collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		methodCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "method_calls_total",
			Help:      "Method-channel calls by method and result status.",
		}, []string{"method", "status"}),
		methodLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "method_duration_seconds",
			Help:      "Method-channel call latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Events emitted by type.",
		}, []string{"type"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Events not delivered to the subscriber, by reason.",
		}, []string{"reason"}),
	}

	m.registry.MustRegister(
		m.methodCalls,
		m.methodLatency,
		m.events,
		m.dropped,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ObserveMethod records one dispatched method call.
func (m *Metrics) ObserveMethod(method, status string, elapsed time.Duration) {
	// unknown names are caller controlled; keep label cardinality bounded
	if status == types.StatusNotImplemented {
		method = "unknown"
	}
	m.methodCalls.WithLabelValues(method, status).Inc()
	m.methodLatency.WithLabelValues(method).Observe(elapsed.Seconds())
}

// ObserveDrop records an undelivered event.
func (m *Metrics) ObserveDrop(_ events.Event, reason string) {
	m.dropped.WithLabelValues(reason).Inc()
}

// TrackCalls exports the number of tracked calls as reported by fn.
func (m *Metrics) TrackCalls(fn func() int) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "tracked_calls",
		Help:      "Calls currently tracked by the telephony service.",
	}, func() float64 { return float64(fn()) }))
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Publisher returns an events.Publisher that counts every event by type.
func (m *Metrics) Publisher() events.Publisher {
	return &eventCounter{m: m}
}

type eventCounter struct {
	m *Metrics
}

func (c *eventCounter) Publish(ctx context.Context, e events.Event) error {
	c.PublishAsync(e)
	return nil
}

func (c *eventCounter) PublishAsync(e events.Event) {
	c.m.events.WithLabelValues(string(e.Type)).Inc()
}

func (c *eventCounter) Flush(ctx context.Context) error { return nil }
func (c *eventCounter) Close() error                    { return nil }
