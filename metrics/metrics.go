// Package metrics holds the Prometheus collectors shared by the task
// processors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the task collectors. A nil *Metrics is valid and records
// nothing, so processors can run without a registry.
type Metrics struct {
	TasksStarted    *prometheus.CounterVec
	TasksCompleted  *prometheus.CounterVec
	TasksFailed     *prometheus.CounterVec
	ActiveWorkers   *prometheus.GaugeVec
	RequestDuration *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg. A nil reg leaves
// them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TasksStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "semtask",
			Name:      "tasks_started_total",
			Help:      "Start-task events accepted, by namespace and kind.",
		}, []string{"namespace", "kind"}),
		TasksCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "semtask",
			Name:      "tasks_completed_total",
			Help:      "Successful end-task events emitted, by namespace and kind.",
		}, []string{"namespace", "kind"}),
		TasksFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "semtask",
			Name:      "tasks_failed_total",
			Help:      "Failed end-task events emitted, by namespace and kind.",
		}, []string{"namespace", "kind"}),
		ActiveWorkers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "semtask",
			Name:      "wait_workers_active",
			Help:      "Delay and await workers currently registered.",
		}, []string{"kind"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "semtask",
			Name:      "request_duration_seconds",
			Help:      "Duration of outbound HTTP calls, by method and status class.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "status"}),
	}
	if reg != nil {
		reg.MustRegister(m.TasksStarted, m.TasksCompleted, m.TasksFailed, m.ActiveWorkers, m.RequestDuration)
	}
	return m
}

// Started records an accepted task.
func (m *Metrics) Started(namespace, kind string) {
	if m == nil {
		return
	}
	m.TasksStarted.WithLabelValues(namespace, kind).Inc()
}

// Completed records a successful completion.
func (m *Metrics) Completed(namespace, kind string) {
	if m == nil {
		return
	}
	m.TasksCompleted.WithLabelValues(namespace, kind).Inc()
}

// Failed records a failed completion.
func (m *Metrics) Failed(namespace, kind string) {
	if m == nil {
		return
	}
	m.TasksFailed.WithLabelValues(namespace, kind).Inc()
}

// WorkerAdded increments the active worker gauge.
func (m *Metrics) WorkerAdded(kind string) {
	if m == nil {
		return
	}
	m.ActiveWorkers.WithLabelValues(kind).Inc()
}

// WorkerRemoved decrements the active worker gauge.
func (m *Metrics) WorkerRemoved(kind string) {
	if m == nil {
		return
	}
	m.ActiveWorkers.WithLabelValues(kind).Dec()
}

// ObserveRequest records one HTTP call.
func (m *Metrics) ObserveRequest(method, status string, seconds float64) {
	if m == nil {
		return
	}
	m.RequestDuration.WithLabelValues(method, status).Observe(seconds)
}
