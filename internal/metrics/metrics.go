// Package metrics defines the Prometheus instruments exported on the ops
// listener's /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ClaimedTotal counts work items claimed, labelled by worker mode.
	ClaimedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conveyor_claimed_total",
		Help: "Work items claimed by this process.",
	}, []string{"mode"})

	// OutcomesTotal counts committed resolutions by resulting status.
	OutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conveyor_outcomes_total",
		Help: "Committed resolutions by resulting status.",
	}, []string{"status"})

	// InFlight tracks side-effect calls currently executing.
	InFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "conveyor_inflight",
		Help: "Side-effect calls currently in flight.",
	})

	// BatchDuration observes the wall time of one claim-to-commit iteration.
	BatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "conveyor_batch_duration_seconds",
		Help:    "Duration of one claim/dispatch/commit iteration.",
		Buckets: prometheus.DefBuckets,
	})

	// TimeoutsTotal counts broker-path dispatches forcibly resolved after
	// exceeding the per-item timeout.
	TimeoutsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "conveyor_dispatch_timeouts_total",
		Help: "Dispatches forcibly resolved as transient after timeout.",
	})

	// WorkersStuck is set by the monitor to the number of workers whose
	// heartbeat has not advanced within the expected interval.
	WorkersStuck = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "conveyor_monitor_workers_stuck",
		Help: "Workers with a stale heartbeat, per the last monitor scan.",
	})

	// WorkersStopped is set by the monitor to the number of workers stopped
	// longer than the expected restart window.
	WorkersStopped = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "conveyor_monitor_workers_stopped",
		Help: "Workers stopped beyond the restart window, per the last monitor scan.",
	})
)
