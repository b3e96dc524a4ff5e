// Package metrics instruments the controller with Prometheus counters.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const prefix = "batch_controller_"

// Metrics holds the counters updated by the job state machine and the
// reconciliation workers.
type Metrics struct {
	PodsCreated      prometheus.Counter
	PodsDeleted      prometheus.Counter
	Reconciles       prometheus.Counter
	Sweeps           prometheus.Counter
	JobsCompleted    prometheus.Counter
	JobsCancelled    prometheus.Counter
	CallbackFailures prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics creates the counters on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	fac := promauto.With(reg)
	return &Metrics{
		PodsCreated: fac.NewCounter(prometheus.CounterOpts{
			Name: prefix + "pods_created_total",
			Help: "Number of pods created on behalf of jobs",
		}),
		PodsDeleted: fac.NewCounter(prometheus.CounterOpts{
			Name: prefix + "pods_deleted_total",
			Help: "Number of pod deletions issued (including already-gone pods)",
		}),
		Reconciles: fac.NewCounter(prometheus.CounterOpts{
			Name: prefix + "reconciles_total",
			Help: "Number of job/pod reconciliations applied",
		}),
		Sweeps: fac.NewCounter(prometheus.CounterOpts{
			Name: prefix + "sweeps_total",
			Help: "Number of completed full-state sweeps",
		}),
		JobsCompleted: fac.NewCounter(prometheus.CounterOpts{
			Name: prefix + "jobs_completed_total",
			Help: "Number of jobs that reached the Complete state",
		}),
		JobsCancelled: fac.NewCounter(prometheus.CounterOpts{
			Name: prefix + "jobs_cancelled_total",
			Help: "Number of jobs that reached the Cancelled state",
		}),
		CallbackFailures: fac.NewCounter(prometheus.CounterOpts{
			Name: prefix + "callback_failures_total",
			Help: "Number of completion callbacks that could not be delivered",
		}),
		registry: reg,
	}
}

// Server returns an HTTP server exposing the metrics on /metrics.
func (m *Metrics) Server(port int) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}
}
