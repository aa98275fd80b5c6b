// Package metrics exposes the engine's Prometheus instrumentation. One
// Registry per process; the monitor server scrapes it at /metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	io_prometheus_client "github.com/prometheus/client_model/go"
	"github.com/rs/zerolog/log"
)

// cacheTypes enumerates the label values the hit-ratio readback sums over.
var cacheTypes = []string{"features", "volumes"}

// Registry holds all Prometheus metrics for the discovery engine.
type Registry struct {
	registry *prometheus.Registry

	// Stage performance
	StageDuration *prometheus.HistogramVec
	StageCounts   *prometheus.CounterVec

	// Cache performance
	CacheHitRatio prometheus.Gauge
	CacheHits     *prometheus.CounterVec
	CacheMisses   *prometheus.CounterVec

	// Run outcomes
	RunsTotal      *prometheus.CounterVec
	RunDuration    *prometheus.HistogramVec
	ActiveRuns     prometheus.Gauge
	LastCandidates *prometheus.GaugeVec

	// Ingestion health
	StreamEvents      prometheus.Counter
	StreamDropped     prometheus.Counter
	UpstreamDropped   prometheus.Counter
	AdaptiveFallbacks prometheus.Counter
	FreshnessTrips    *prometheus.CounterVec
}

// NewRegistry creates a registry with all engine metrics registered on a
// private Prometheus registry.
func NewRegistry() *Registry {
	r := &Registry{
		registry: prometheus.NewRegistry(),

		StageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "stockrun_stage_duration_seconds",
				Help:    "Duration of each discovery stage in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"stage", "result"},
		),

		StageCounts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stockrun_stage_executions_total",
				Help: "Total number of stage executions",
			},
			[]string{"stage", "result"},
		),

		CacheHitRatio: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "stockrun_cache_hit_ratio",
				Help: "Current cache hit ratio (0.0 to 1.0)",
			},
		),

		CacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stockrun_cache_hits_total",
				Help: "Total number of cache hits by cache type",
			},
			[]string{"cache_type"},
		),

		CacheMisses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stockrun_cache_misses_total",
				Help: "Total number of cache misses by cache type",
			},
			[]string{"cache_type"},
		),

		RunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stockrun_runs_total",
				Help: "Total discovery runs by strategy and outcome",
			},
			[]string{"strategy", "outcome"},
		),

		RunDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "stockrun_run_duration_seconds",
				Help:    "End-to-end discovery run duration in seconds",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60},
			},
			[]string{"strategy"},
		),

		ActiveRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "stockrun_active_runs",
				Help: "Number of currently executing discovery runs",
			},
		),

		LastCandidates: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "stockrun_last_candidates",
				Help: "Candidate count of the most recent run per strategy",
			},
			[]string{"strategy"},
		),

		StreamEvents: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "stockrun_stream_events_total",
				Help: "Total stream events written to the feature cache",
			},
		),

		StreamDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "stockrun_stream_dropped_total",
				Help: "Total malformed or incomplete stream events dropped",
			},
		),

		UpstreamDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "stockrun_upstream_dropped_total",
				Help: "Snapshot rows dropped at source for missing fields",
			},
		),

		AdaptiveFallbacks: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "stockrun_adaptive_fallbacks_total",
				Help: "Learning-service calls degraded to defaults",
			},
		),

		FreshnessTrips: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stockrun_freshness_trips_total",
				Help: "Fail-closed freshness gate trips by strategy",
			},
			[]string{"strategy"},
		),
	}

	r.registry.MustRegister(
		r.StageDuration,
		r.StageCounts,
		r.CacheHitRatio,
		r.CacheHits,
		r.CacheMisses,
		r.RunsTotal,
		r.RunDuration,
		r.ActiveRuns,
		r.LastCandidates,
		r.StreamEvents,
		r.StreamDropped,
		r.UpstreamDropped,
		r.AdaptiveFallbacks,
		r.FreshnessTrips,
	)

	return r
}

// StageTimer tracks execution time for one discovery stage.
type StageTimer struct {
	metrics *Registry
	stage   string
	start   time.Time
}

// StartStageTimer begins timing a stage.
func (r *Registry) StartStageTimer(stage string) *StageTimer {
	return &StageTimer{
		metrics: r,
		stage:   stage,
		start:   time.Now(),
	}
}

// Stop completes the timing and records duration and execution count.
func (st *StageTimer) Stop(result string) {
	duration := time.Since(st.start)
	st.metrics.StageDuration.WithLabelValues(st.stage, result).Observe(duration.Seconds())
	st.metrics.StageCounts.WithLabelValues(st.stage, result).Inc()

	log.Debug().
		Str("stage", st.stage).
		Str("result", result).
		Dur("duration", duration).
		Msg("stage completed")
}

// RecordCacheHit records a cache hit for the specified cache type.
func (r *Registry) RecordCacheHit(cacheType string) {
	r.CacheHits.WithLabelValues(cacheType).Inc()
	r.updateCacheHitRatio()
}

// RecordCacheMiss records a cache miss for the specified cache type.
func (r *Registry) RecordCacheMiss(cacheType string) {
	r.CacheMisses.WithLabelValues(cacheType).Inc()
	r.updateCacheHitRatio()
}

// CacheLookupHook adapts RecordCacheHit/Miss to the feature cache's
// observation callback.
func (r *Registry) CacheLookupHook(cacheType string) func(hit bool) {
	return func(hit bool) {
		if hit {
			r.RecordCacheHit(cacheType)
		} else {
			r.RecordCacheMiss(cacheType)
		}
	}
}

// updateCacheHitRatio recomputes the ratio gauge from the counter pair.
func (r *Registry) updateCacheHitRatio() {
	hitMetric := &io_prometheus_client.Metric{}
	missMetric := &io_prometheus_client.Metric{}

	totalHits := 0.0
	totalMisses := 0.0

	for _, cacheType := range cacheTypes {
		if hitCounter, err := r.CacheHits.GetMetricWithLabelValues(cacheType); err == nil {
			if err := hitCounter.Write(hitMetric); err == nil {
				totalHits += hitMetric.GetCounter().GetValue()
			}
		}

		if missCounter, err := r.CacheMisses.GetMetricWithLabelValues(cacheType); err == nil {
			if err := missCounter.Write(missMetric); err == nil {
				totalMisses += missMetric.GetCounter().GetValue()
			}
		}
	}

	total := totalHits + totalMisses
	if total > 0 {
		r.CacheHitRatio.Set(totalHits / total)
	}
}

// RecordRun records one finished run.
func (r *Registry) RecordRun(strategy, outcome string, duration time.Duration, candidates int) {
	r.RunsTotal.WithLabelValues(strategy, outcome).Inc()
	r.RunDuration.WithLabelValues(strategy).Observe(duration.Seconds())
	r.LastCandidates.WithLabelValues(strategy).Set(float64(candidates))
}

// StreamHook adapts the stream ingester's event callback.
func (r *Registry) StreamHook() func(dropped bool) {
	return func(dropped bool) {
		if dropped {
			r.StreamDropped.Inc()
		} else {
			r.StreamEvents.Inc()
		}
	}
}

// Handler returns the scrape endpoint for this registry.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
