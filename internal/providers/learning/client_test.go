package learning

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/stockrun/internal/domain/scoring"
	"github.com/sawpanic/stockrun/internal/infrastructure/httpclient"
)

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	cfg := DefaultConfig()
	cfg.BaseURL = baseURL
	pool := httpclient.NewClientPool(httpclient.DefaultClientConfig())
	return New(cfg, pool, zerolog.Nop())
}

func TestWeights_FromService(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/weights", r.URL.Path)
		w.Write([]byte(`{"weights":{"momentum":1.0,"rvol":1.0},"confidence":0.8}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	w := c.Weights(context.Background())

	// Supplied weights are renormalized to sum to 1.
	assert.InDelta(t, 0.5, w.Momentum, 1e-9)
	assert.InDelta(t, 0.5, w.Rvol, 1e-9)
	assert.InDelta(t, 0.0, w.Catalyst, 1e-9)
	assert.Equal(t, int64(0), c.Fallbacks())
}

func TestWeights_ConfidenceBoundary(t *testing.T) {
	var confidence atomic.Value
	confidence.Store("0.59")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"weights":{"momentum":1.0},"confidence":` + confidence.Load().(string) + `}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	// 0.59 is below the floor: defaults win and the fallback is counted.
	w := c.Weights(context.Background())
	assert.Equal(t, scoring.DefaultWeights(), w)
	assert.Equal(t, int64(1), c.Fallbacks())

	// 0.60 is exactly at the floor: the recommendation is used.
	confidence.Store("0.60")
	w = c.Weights(context.Background())
	assert.InDelta(t, 1.0, w.Momentum, 1e-9)
	assert.Equal(t, int64(1), c.Fallbacks())
}

func TestWeights_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	w := c.Weights(context.Background())

	assert.Equal(t, scoring.DefaultWeights(), w)
	assert.Equal(t, int64(1), c.Fallbacks())
}

func TestWeights_MalformedPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"weights": not-json`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	w := c.Weights(context.Background())

	assert.Equal(t, scoring.DefaultWeights(), w)
	assert.Equal(t, int64(1), c.Fallbacks())
}

func TestWeights_NegativeWeightRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"weights":{"momentum":-1.0,"rvol":2.0},"confidence":0.9}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	w := c.Weights(context.Background())

	assert.Equal(t, scoring.DefaultWeights(), w)
	assert.Equal(t, int64(1), c.Fallbacks())
}

func TestWeights_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		w.Write([]byte(`{"weights":{"momentum":1.0},"confidence":0.9}`))
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.BaseURL = srv.URL
	cfg.Timeout = 50 * time.Millisecond
	pool := httpclient.NewClientPool(httpclient.DefaultClientConfig())
	c := New(cfg, pool, zerolog.Nop())

	start := time.Now()
	w := c.Weights(context.Background())

	assert.Less(t, time.Since(start), time.Second, "timeout must bound the call")
	assert.Equal(t, scoring.DefaultWeights(), w)
	assert.Equal(t, int64(1), c.Fallbacks())
}

func TestWeights_NotConfigured(t *testing.T) {
	c := newTestClient(t, "")
	w := c.Weights(context.Background())

	// Absent service is not a failure.
	assert.Equal(t, scoring.DefaultWeights(), w)
	assert.Equal(t, int64(0), c.Fallbacks())
}

func TestRegime_FromService(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/regime", r.URL.Path)
		w.Write([]byte(`{"regime":"squeeze","confidence":0.9,"recommended_threshold":55}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	reg := c.Regime(context.Background())

	assert.Equal(t, "squeeze", reg.Name)
	assert.Equal(t, 55.0, reg.Threshold)
	assert.Equal(t, int64(0), c.Fallbacks())
}

func TestRegime_DefaultOnFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	reg := c.Regime(context.Background())

	assert.Equal(t, DefaultRegime(), reg)
	assert.Equal(t, "normal", reg.Name)
	assert.Equal(t, 0.0, reg.Threshold)
	assert.Equal(t, int64(1), c.Fallbacks())
}

func TestRegime_LowConfidenceIgnored(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"regime":"panic","confidence":0.3,"recommended_threshold":80}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	reg := c.Regime(context.Background())

	assert.Equal(t, DefaultRegime(), reg)
	assert.Equal(t, int64(1), c.Fallbacks())
}

func TestBreaker_StopsHammeringSickService(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	for i := 0; i < 5; i++ {
		c.Weights(context.Background())
	}

	// Three consecutive failures open the circuit; later calls degrade
	// without touching the service.
	assert.Equal(t, int64(3), hits.Load())
	assert.Equal(t, int64(5), c.Fallbacks())
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	bad := DefaultConfig()
	bad.Timeout = 0
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.MinConfidence = 1.5
	assert.Error(t, bad.Validate())
}
