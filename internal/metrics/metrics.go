// Package metrics exposes Prometheus instrumentation for the worker.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Worker holds the pipeline's metrics bound to their own registry.
type Worker struct {
	registry *prometheus.Registry

	JobsTotal     *prometheus.CounterVec
	StageDuration *prometheus.HistogramVec
	JobsInFlight  prometheus.Gauge
}

func NewWorker() *Worker {
	reg := prometheus.NewRegistry()
	w := &Worker{
		registry: reg,
		JobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "statement_jobs_total",
			Help: "Jobs finished by terminal outcome.",
		}, []string{"outcome"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "statement_stage_duration_seconds",
			Help:    "Wall time spent in each pipeline stage.",
			Buckets: []float64{0.05, 0.25, 1, 2.5, 5, 10, 30, 60, 90},
		}, []string{"stage"}),
		JobsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "statement_jobs_in_flight",
			Help: "Jobs currently being processed by this worker.",
		}),
	}
	reg.MustRegister(
		w.JobsTotal,
		w.StageDuration,
		w.JobsInFlight,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return w
}

// Handler serves the registry for scraping.
func (w *Worker) Handler() http.Handler {
	return promhttp.HandlerFor(w.registry, promhttp.HandlerOpts{})
}
