// Package metrics defines the Prometheus instrumentation for the forecast
// pipeline. A single Metrics value is created at process start and shared by
// the feature store, the schedule caches, and the batch engine; the API
// process serves it at /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the pipeline emits.
type Metrics struct {
	registry *prometheus.Registry

	// LagTierHits counts feature store resolutions per fallback tier
	// (seasonal, hour, zero).
	LagTierHits *prometheus.CounterVec

	// ScheduleReads counts cache reads per family and freshness
	// (FRESH, STALE, MISSING).
	ScheduleReads *prometheus.CounterVec

	// ScheduleFetches counts upstream fetch outcomes per family and result
	// (success, failure).
	ScheduleFetches *prometheus.CounterVec

	// RetryAttempts counts retry coordinator attempts per family and outcome
	// (success, failure, abandoned).
	RetryAttempts *prometheus.CounterVec

	// WeatherFallbacks counts batch runs that fell back to the constant
	// weather vector.
	WeatherFallbacks prometheus.Counter

	// JobDuration observes batch job wall time per job type and final status.
	JobDuration *prometheus.HistogramVec

	// ForecastRowsWritten counts rows upserted by batch runs.
	ForecastRowsWritten prometheus.Counter
}

// New creates a Metrics value backed by its own registry, so tests can create
// independent instances without collector name collisions.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		LagTierHits: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "crowdcast_lag_tier_hits_total",
			Help: "Feature store resolutions by fallback tier.",
		}, []string{"tier"}),
		ScheduleReads: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "crowdcast_schedule_reads_total",
			Help: "Schedule cache reads by family and freshness.",
		}, []string{"family", "freshness"}),
		ScheduleFetches: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "crowdcast_schedule_fetches_total",
			Help: "Upstream schedule fetches by family and result.",
		}, []string{"family", "result"}),
		RetryAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "crowdcast_retry_attempts_total",
			Help: "Retry coordinator attempts by family and outcome.",
		}, []string{"family", "outcome"}),
		WeatherFallbacks: factory.NewCounter(prometheus.CounterOpts{
			Name: "crowdcast_weather_fallbacks_total",
			Help: "Batch runs that substituted the constant weather vector.",
		}),
		JobDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crowdcast_job_duration_seconds",
			Help:    "Batch job wall time by job type and final status.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"job_type", "status"}),
		ForecastRowsWritten: factory.NewCounter(prometheus.CounterOpts{
			Name: "crowdcast_forecast_rows_written_total",
			Help: "Forecast rows upserted by batch runs.",
		}),
	}
}

// Handler returns the HTTP handler serving this registry in the Prometheus
// text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
