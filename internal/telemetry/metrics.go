// Package telemetry holds the Prometheus metrics shared by the
// orchestrator and robot processes.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every instrument the backbone records. Components take
// the struct and touch only the fields they own.
type Metrics struct {
	JobsSubmitted prometheus.Counter
	JobsAssigned  *prometheus.CounterVec
	JobsRequeued  *prometheus.CounterVec
	JobsCompleted *prometheus.CounterVec

	RobotsConnected prometheus.Gauge
	Heartbeats      prometheus.Counter

	NodeExecutions  *prometheus.CounterVec
	CheckpointSaves prometheus.Counter
	RunDuration     prometheus.Histogram
}

// NewMetrics registers all instruments on reg. Pass nil for the default
// registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		JobsSubmitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "casare_jobs_submitted_total",
			Help: "Jobs admitted by the orchestrator",
		}),
		JobsAssigned: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "casare_jobs_assigned_total",
			Help: "Job assignments per robot",
		}, []string{"robot_id"}),
		JobsRequeued: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "casare_jobs_requeued_total",
			Help: "Jobs returned to the pending queue",
		}, []string{"reason"}),
		JobsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "casare_jobs_completed_total",
			Help: "Job completions reported by robots",
		}, []string{"status"}),

		RobotsConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "casare_robots_connected",
			Help: "Currently connected robot sessions",
		}),
		Heartbeats: factory.NewCounter(prometheus.CounterOpts{
			Name: "casare_heartbeats_total",
			Help: "Heartbeats received from robots",
		}),

		NodeExecutions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "casare_node_executions_total",
			Help: "Node executions per type and outcome",
		}, []string{"node_type", "status"}),
		CheckpointSaves: factory.NewCounter(prometheus.CounterOpts{
			Name: "casare_checkpoint_saves_total",
			Help: "Checkpoint snapshots persisted",
		}),
		RunDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "casare_run_duration_seconds",
			Help:    "Wall-clock duration of workflow runs",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		}),
	}
}

// NewTestMetrics registers on a private registry so parallel tests never
// collide on the process-global one.
func NewTestMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}
