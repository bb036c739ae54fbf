// Package metrics exposes Prometheus instrumentation for task execution,
// backend dispatch, and workflow progress.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry wraps a dedicated Prometheus registry so jetstream's metrics
// never collide with whatever else shares the process (a library caller
// embedding the runner, for instance).
type Registry struct {
	reg *prometheus.Registry

	TasksTotal       *prometheus.CounterVec
	TaskDuration     *prometheus.HistogramVec
	TasksInFlight    *prometheus.GaugeVec
	BackendSubmitErr *prometheus.CounterVec
	WorkflowTasks    *prometheus.GaugeVec
}

// New builds and registers a fresh metric set.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		TasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jetstream",
			Name:      "tasks_total",
			Help:      "Total tasks that reached a terminal state, by backend and outcome.",
		}, []string{"backend", "outcome"}),
		TaskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "jetstream",
			Name:      "task_duration_seconds",
			Help:      "Wall-clock time between a task's start and its terminal state.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"backend"}),
		TasksInFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "jetstream",
			Name:      "tasks_in_flight",
			Help:      "Tasks currently dispatched to a backend and not yet terminal.",
		}, []string{"backend"}),
		BackendSubmitErr: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jetstream",
			Name:      "backend_submit_errors_total",
			Help:      "Submission errors returned by Backend.Spawn, by backend.",
		}, []string{"backend"}),
		WorkflowTasks: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "jetstream",
			Name:      "workflow_tasks",
			Help:      "Number of tasks in the workflow, by lifecycle status.",
		}, []string{"status"}),
	}

	reg.MustRegister(r.TasksTotal, r.TaskDuration, r.TasksInFlight, r.BackendSubmitErr, r.WorkflowTasks)
	return r
}

// Handler returns an http.Handler serving this registry's metrics in the
// Prometheus exposition format, for wiring into a status server.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
