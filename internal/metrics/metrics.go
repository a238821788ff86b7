// Package metrics exposes Prometheus collectors for worker pool activity.
package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector aggregates pool and instance metrics, labelled by worker class
type Collector struct {
	executions *prometheus.CounterVec
	errors     *prometheus.CounterVec
	restarts   *prometheus.CounterVec
	latency    *prometheus.HistogramVec

	instances *prometheus.GaugeVec
	available *prometheus.GaugeVec
}

// NewCollector creates a collector and registers it with reg. A nil reg
// falls back to the default registerer.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "procpool_executions_total",
			Help: "Total number of successful executions",
		}, []string{"worker_class"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "procpool_errors_total",
			Help: "Total number of failed execution attempts",
		}, []string{"worker_class"}),
		restarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "procpool_instance_restarts_total",
			Help: "Total number of instances replaced by the health cycle",
		}, []string{"worker_class"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "procpool_execution_latency_seconds",
			Help:    "Execution latency in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"worker_class"}),
		instances: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "procpool_instances",
			Help: "Current number of worker instances",
		}, []string{"worker_class"}),
		available: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "procpool_instances_available",
			Help: "Current number of idle worker instances",
		}, []string{"worker_class"}),
	}

	reg.MustRegister(c.executions, c.errors, c.restarts, c.latency, c.instances, c.available)

	return c
}

// RecordExecution records one successful execution and its latency
func (c *Collector) RecordExecution(workerClass string, d time.Duration) {
	c.executions.WithLabelValues(workerClass).Inc()
	c.latency.WithLabelValues(workerClass).Observe(d.Seconds())
}

// RecordError records one failed execution attempt
func (c *Collector) RecordError(workerClass string) {
	c.errors.WithLabelValues(workerClass).Inc()
}

// RecordRestart records one instance replacement
func (c *Collector) RecordRestart(workerClass string) {
	c.restarts.WithLabelValues(workerClass).Inc()
}

// SetInstances updates the instance gauges
func (c *Collector) SetInstances(workerClass string, total, available int) {
	c.instances.WithLabelValues(workerClass).Set(float64(total))
	c.available.WithLabelValues(workerClass).Set(float64(available))
}

// Handler returns the Prometheus scrape handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// ListenAndServe exposes /metrics on the given port
func ListenAndServe(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(fmt.Sprintf(":%d", port), mux)
}
