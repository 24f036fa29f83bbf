package core

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const metricsNamespace = "taskworker"

// Metrics holds the worker's Prometheus collectors
type Metrics struct {
	TasksTotal         *prometheus.CounterVec
	TasksRunning       prometheus.Gauge
	TaskDuration       prometheus.Histogram
	HookFailures       *prometheus.CounterVec
	HookDuration       *prometheus.HistogramVec
	PluginsInitialized prometheus.Gauge
}

// NewMetrics creates the collectors and registers them on reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "tasks_total",
			Help:      "Tasks finished by this worker, by outcome.",
		}, []string{"outcome"}),
		TasksRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "tasks_running",
			Help:      "Tasks currently running.",
		}),
		TaskDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "task_duration_seconds",
			Help:      "Task run time, excluding plugin hooks.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
		HookFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "plugin_hook_failures_total",
			Help:      "Plugin hook calls that returned an error or panicked.",
		}, []string{"plugin", "hook"}),
		HookDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "plugin_hook_duration_seconds",
			Help:      "Time spent inside plugin hooks.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}, []string{"hook"}),
		PluginsInitialized: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "plugins_initialized",
			Help:      "Plugin instances that completed Init and have not shut down.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.TasksTotal,
			m.TasksRunning,
			m.TaskDuration,
			m.HookFailures,
			m.HookDuration,
			m.PluginsInitialized,
		)
	}
	return m
}

// NewRegistry returns a registry with the Go runtime and process collectors
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}
