package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	LifecycleOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atelier_lifecycle_operations_total",
		Help: "Instance lifecycle operations by op and status.",
	}, []string{"op", "status"})

	ProvisionLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "atelier_provision_latency_seconds",
		Help:    "Latency of compute provisioning by op.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"op"})

	SweepRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atelier_sweep_runs_total",
		Help: "Sweep executions by sweep name and status.",
	}, []string{"sweep", "status"})

	SweepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "atelier_sweep_duration_seconds",
		Help:    "Sweep duration by sweep name.",
		Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"sweep"})

	SessionsPrepared = promauto.NewCounter(prometheus.CounterOpts{
		Name: "atelier_sessions_prepared_total",
		Help: "Scheduled sessions promoted to active by the prep sweep.",
	})

	SessionPrepRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "atelier_session_prep_retries_total",
		Help: "Due sessions that could not be prepared and were parked for retry.",
	})

	Preemptions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "atelier_preemptions_total",
		Help: "On-demand instances preempted in favor of a scheduled reservation.",
	})

	AutoShutdowns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atelier_auto_shutdowns_total",
		Help: "Instances stopped by the auto-shutdown sweep by reason.",
	}, []string{"reason"})

	CloudOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atelier_cloud_operations_total",
		Help: "Cloud collaborator calls by op and status.",
	}, []string{"op", "status"})

	CloudRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atelier_cloud_retries_total",
		Help: "Cloud collaborator retries by op and error code.",
	}, []string{"op", "reason"})
)

func Handler() http.Handler {
	return promhttp.Handler()
}
