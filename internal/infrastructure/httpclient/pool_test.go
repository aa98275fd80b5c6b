package httpclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolDoSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "stockrun-test", r.Header.Get("User-Agent"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	pool := NewClientPool(ClientConfig{MaxConcurrency: 2, RequestTimeout: time.Second, UserAgent: "stockrun-test"})
	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)

	resp, err := pool.Do(context.Background(), req)
	require.NoError(t, err)
	resp.Body.Close()

	stats := pool.GetStats()
	assert.Equal(t, int64(1), stats.TotalRequests)
	assert.Equal(t, int64(1), stats.SuccessRequests)
}

func TestPoolNoRetries(t *testing.T) {
	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	pool := NewClientPool(ClientConfig{MaxConcurrency: 2, RequestTimeout: time.Second})
	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)

	resp, err := pool.Do(context.Background(), req)
	require.NoError(t, err) // a 503 is a response, not a transport error
	resp.Body.Close()

	assert.Equal(t, int64(1), atomic.LoadInt64(&calls), "one request means one attempt")
}

func TestPoolConcurrencyCap(t *testing.T) {
	var inFlight, peak int64
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		inFlight++
		if inFlight > peak {
			peak = inFlight
		}
		mu.Unlock()

		time.Sleep(20 * time.Millisecond)

		mu.Lock()
		inFlight--
		mu.Unlock()
	}))
	defer srv.Close()

	pool := NewClientPool(ClientConfig{MaxConcurrency: 3, RequestTimeout: time.Second})

	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
			if resp, err := pool.Do(context.Background(), req); err == nil {
				resp.Body.Close()
			}
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, peak, int64(3), "semaphore must cap in-flight requests")
}

func TestPoolContextCancelled(t *testing.T) {
	pool := NewClientPool(ClientConfig{MaxConcurrency: 1, RequestTimeout: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	req, _ := http.NewRequest(http.MethodGet, "http://127.0.0.1:0", nil)
	_, err := pool.Do(ctx, req)
	assert.Error(t, err)
}

func TestPoolTimeoutStat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	pool := NewClientPool(ClientConfig{MaxConcurrency: 1, RequestTimeout: 20 * time.Millisecond})
	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)

	_, err := pool.Do(context.Background(), req)
	require.Error(t, err)

	stats := pool.GetStats()
	assert.Equal(t, int64(1), stats.TimeoutRequests)
	assert.Equal(t, int64(1), stats.FailedRequests)
}
