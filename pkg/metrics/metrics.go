// Package metrics registers the Prometheus collectors for the daily
// maintenance routine. Import this package anywhere in the binary to
// ensure collectors are registered with the default registry; there is no
// HTTP exposition surface (see SPEC_FULL.md) since the routine is a one-shot
// batch job, not a long-lived service — collectors exist for inspection via
// a future pushgateway integration, not for in-process scraping.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TaskDuration is a per-task histogram of scheduler task wall-clock
	// duration, labelled by task name. Buckets span 100ms → ~14min to cover
	// both quick StatefulSet patches and the longest relaunch waits.
	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "man10routine_task_duration_seconds",
			Help:    "Wall-clock duration of a scheduler task, by task name.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		},
		[]string{"task"},
	)

	// TaskOutcomeTotal counts task completions by task name and outcome
	// ("success", "error", "panic").
	TaskOutcomeTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "man10routine_task_outcome_total",
			Help: "Total number of scheduler task completions, by task name and outcome.",
		},
		[]string{"task", "outcome"},
	)

	// TeardownDepth is set once, when the argocd_teardown task has torn
	// down every chart, to the number of chart-bound GitOps applications
	// (the proxy plus each server). Ancestor app-of-apps nodes are not
	// counted, and the gauge is not lowered when guards are released.
	TeardownDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "man10routine_teardown_depth",
			Help: "Number of chart GitOps applications (proxy plus servers) suspended by the argocd_teardown task.",
		},
	)

	// CustomJobFailureTotal counts post-snapshot jobs that reported a
	// failed pod, labelled by server key and job name.
	CustomJobFailureTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "man10routine_custom_job_failure_total",
			Help: "Total number of post-snapshot jobs that reported a failed pod.",
		},
		[]string{"server", "job"},
	)
)
