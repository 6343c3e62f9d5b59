package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	SubmissionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "automation_submissions_total",
		Help: "Intake requests accepted, by execution mode and dedup outcome",
	}, []string{"mode", "deduplicated"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "automation_rate_limit_rejects_total",
		Help: "Intake requests rejected by rate limiter",
	})
	JobsClaimed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "automation_jobs_claimed_total",
		Help: "Jobs claimed by workers",
	})
	JobOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "automation_job_outcomes_total",
		Help: "Job status transitions recorded after a run or an approver action",
	}, []string{"status"})
	StageDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "automation_stage_duration_seconds",
		Help:    "Pipeline stage latency",
		Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	}, []string{"stage", "outcome"})
	InFlightGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "automation_jobs_inflight",
		Help: "Jobs currently being executed by this process",
	})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			SubmissionsTotal,
			RateLimitRejects,
			JobsClaimed,
			JobOutcomes,
			StageDuration,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
