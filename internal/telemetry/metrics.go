package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// HTTPRequestDuration tracks HTTP request latency by method, route pattern,
// and status code.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "bulkimport",
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "path", "status"},
)

// AdmissionOutcomesTotal counts every CheckAndReserve outcome by tier and
// result ("allowed", "cooldown_active", "too_many_requests", "store_unavailable").
var AdmissionOutcomesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "bulkimport",
		Subsystem: "admission",
		Name:      "outcomes_total",
		Help:      "Total number of admission outcomes by tier and result.",
	},
	[]string{"tier", "result"},
)

// ReservationDuration tracks how long the atomic reservation script call
// takes, separate from the overall admission call (which also includes the
// cooldown check and safety-key write).
var ReservationDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "bulkimport",
		Subsystem: "admission",
		Name:      "reservation_duration_seconds",
		Help:      "Atomic reservation script duration in seconds.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	},
	[]string{"tier"},
)

// ExpiryRepairsTotal counts orphaned reservations repaired by the expiry
// listener or the sweeper, labeled by source ("listener" or "sweeper").
var ExpiryRepairsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "bulkimport",
		Subsystem: "expiry",
		Name:      "repairs_total",
		Help:      "Total number of orphaned reservations repaired.",
	},
	[]string{"source"},
)

// JobsSubmittedTotal counts job submissions by tier and outcome ("accepted"
// or the admission rejection kind).
var JobsSubmittedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "bulkimport",
		Subsystem: "jobs",
		Name:      "submitted_total",
		Help:      "Total number of job submissions by tier and outcome.",
	},
	[]string{"tier", "outcome"},
)

// JobsFinishedTotal counts completed job runs by tier and terminal status.
var JobsFinishedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "bulkimport",
		Subsystem: "jobs",
		Name:      "finished_total",
		Help:      "Total number of finished jobs by tier and terminal status.",
	},
	[]string{"tier", "status"},
)

// NewMetricsRegistry creates a Prometheus registry with Go/process
// collectors and every bulkimport-specific collector registered.
func NewMetricsRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		HTTPRequestDuration,
		AdmissionOutcomesTotal,
		ReservationDuration,
		ExpiryRepairsTotal,
		JobsSubmittedTotal,
		JobsFinishedTotal,
	)
	return reg
}
