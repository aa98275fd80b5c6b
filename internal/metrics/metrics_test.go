package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, r *Registry) string {
	t.Helper()
	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}

func TestRegistry_ScrapeExposesEngineMetrics(t *testing.T) {
	r := NewRegistry()

	timer := r.StartStageTimer("rvol")
	timer.Stop("ok")
	r.RecordRun("spring", "published", 1500*time.Millisecond, 3)
	r.ActiveRuns.Inc()
	r.FreshnessTrips.WithLabelValues("spring").Inc()

	body := scrape(t, r)

	assert.Contains(t, body, `stockrun_stage_duration_seconds_count{result="ok",stage="rvol"} 1`)
	assert.Contains(t, body, `stockrun_stage_executions_total{result="ok",stage="rvol"} 1`)
	assert.Contains(t, body, `stockrun_runs_total{outcome="published",strategy="spring"} 1`)
	assert.Contains(t, body, `stockrun_last_candidates{strategy="spring"} 3`)
	assert.Contains(t, body, `stockrun_active_runs 1`)
	assert.Contains(t, body, `stockrun_freshness_trips_total{strategy="spring"} 1`)
}

func TestRegistry_CacheHitRatio(t *testing.T) {
	r := NewRegistry()

	r.RecordCacheHit("features")
	r.RecordCacheHit("features")
	r.RecordCacheMiss("features")

	body := scrape(t, r)

	assert.Contains(t, body, `stockrun_cache_hits_total{cache_type="features"} 2`)
	assert.Contains(t, body, `stockrun_cache_misses_total{cache_type="features"} 1`)

	// 2 hits / 3 lookups.
	found := false
	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(line, "stockrun_cache_hit_ratio ") {
			found = true
			assert.True(t, strings.HasPrefix(line, "stockrun_cache_hit_ratio 0.666"), "line: %s", line)
		}
	}
	assert.True(t, found, "hit ratio gauge must be exported")
}

func TestRegistry_CacheLookupHook(t *testing.T) {
	r := NewRegistry()
	hook := r.CacheLookupHook("features")

	hook(true)
	hook(false)

	body := scrape(t, r)
	assert.Contains(t, body, `stockrun_cache_hits_total{cache_type="features"} 1`)
	assert.Contains(t, body, `stockrun_cache_misses_total{cache_type="features"} 1`)
}

func TestRegistry_StreamHook(t *testing.T) {
	r := NewRegistry()
	hook := r.StreamHook()

	hook(false)
	hook(false)
	hook(true)

	body := scrape(t, r)
	assert.Contains(t, body, "stockrun_stream_events_total 2")
	assert.Contains(t, body, "stockrun_stream_dropped_total 1")
}

func TestRegistry_IndependentInstances(t *testing.T) {
	// Private registries: building two must not panic on double
	// registration the way the default registry would.
	a := NewRegistry()
	b := NewRegistry()

	a.StreamEvents.Inc()

	assert.Contains(t, scrape(t, a), "stockrun_stream_events_total 1")
	assert.Contains(t, scrape(t, b), "stockrun_stream_events_total 0")
}
