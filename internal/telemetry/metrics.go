package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsSubmitted = prometheus.NewCounter(prometheus.CounterOpts{Name: "generation_jobs_submitted_total", Help: "Generation jobs accepted"})
	JobsFinished  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "generation_jobs_finished_total", Help: "Generation jobs reaching a terminal state"}, []string{"status"})
	QuotaRejects  = prometheus.NewCounter(prometheus.CounterOpts{Name: "generation_quota_rejects_total", Help: "Submissions rejected by the daily quota"})
	CacheLookups  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "generation_cache_lookups_total", Help: "Fingerprint cache lookups"}, []string{"result"})
	CacheErrors   = prometheus.NewCounter(prometheus.CounterOpts{Name: "generation_cache_errors_total", Help: "Fingerprint cache backend errors"})
	UpstreamCalls = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "generation_upstream_calls_total", Help: "Text generation attempts"}, []string{"outcome"})
	InFlightGauge = prometheus.NewGauge(prometheus.GaugeOpts{Name: "generation_jobs_inflight", Help: "Jobs currently executing"})
	JobDuration   = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "generation_job_duration_seconds", Help: "Executor wall time per job", Buckets: []float64{1, 5, 10, 30, 60, 120, 300}})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsSubmitted,
			JobsFinished,
			QuotaRejects,
			CacheLookups,
			CacheErrors,
			UpstreamCalls,
			InFlightGauge,
			JobDuration,
		)
	})
	return promhttp.Handler()
}
