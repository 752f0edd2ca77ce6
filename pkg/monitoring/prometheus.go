package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type promMetrics struct {
	registry *prometheus.Registry
	duration *prometheus.HistogramVec
	exceeded *prometheus.CounterVec
}

func newPromMetrics() *promMetrics {
	m := &promMetrics{
		registry: prometheus.NewRegistry(),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "distribution",
			Name:      "operation_duration_seconds",
			Help:      "Latency of tracked operations.",
			Buckets:   []float64{.025, .05, .1, .25, .5, 1, 2, 3, 5, 10},
		}, []string{"operation", "budget"}),
		exceeded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "distribution",
			Name:      "budget_exceeded_total",
			Help:      "Operations that took longer than their latency budget.",
		}, []string{"operation", "budget"}),
	}
	m.registry.MustRegister(
		m.duration,
		m.exceeded,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the recorder's private registry so callers can add
// collectors of their own.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.prom.registry
}

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.prom.registry, promhttp.HandlerOpts{})
}
