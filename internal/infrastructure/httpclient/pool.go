// Package httpclient provides the shared outbound HTTP pool. Concurrency is
// capped by a semaphore and the transport bounds its connections; retry
// policy belongs to callers, never to this layer.
package httpclient

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"net/http"
	"sync"
	"time"
)

type ClientConfig struct {
	MaxConcurrency int
	RequestTimeout time.Duration
	JitterRange    [2]int // min/max jitter in milliseconds
	UserAgent      string
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		MaxConcurrency: 20,
		RequestTimeout: 10 * time.Second,
		JitterRange:    [2]int{0, 0},
		UserAgent:      "stockrun/1.0",
	}
}

type ClientPool struct {
	config    ClientConfig
	semaphore chan struct{}
	client    *http.Client
	mu        sync.RWMutex
	stats     ClientStats
}

type ClientStats struct {
	TotalRequests   int64
	SuccessRequests int64
	FailedRequests  int64
	TimeoutRequests int64
	TotalLatency    time.Duration
	P50Latency      time.Duration
	P95Latency      time.Duration
}

func NewClientPool(config ClientConfig) *ClientPool {
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = DefaultClientConfig().MaxConcurrency
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = DefaultClientConfig().RequestTimeout
	}
	return &ClientPool{
		config:    config,
		semaphore: make(chan struct{}, config.MaxConcurrency),
		client: &http.Client{
			Timeout: config.RequestTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        config.MaxConcurrency * 2,
				MaxIdleConnsPerHost: config.MaxConcurrency,
				MaxConnsPerHost:     config.MaxConcurrency,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// Do executes one request. Exactly one attempt: a failed call is the
// caller's signal to drop the symbol or fail the run, not to hammer the
// provider.
func (cp *ClientPool) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	startTime := time.Now()

	select {
	case cp.semaphore <- struct{}{}:
		defer func() { <-cp.semaphore }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if cp.config.UserAgent != "" {
		req.Header.Set("User-Agent", cp.config.UserAgent)
	}

	if err := cp.applyJitter(ctx); err != nil {
		return nil, err
	}

	resp, err := cp.client.Do(req.WithContext(ctx))
	cp.recordLatency(time.Since(startTime))

	if err != nil {
		if isTimeout(err) {
			cp.incrementStat("timeout")
		} else {
			cp.incrementStat("failed")
		}
		return nil, err
	}

	cp.incrementStat("success")
	return resp, nil
}

func (cp *ClientPool) applyJitter(ctx context.Context) error {
	if cp.config.JitterRange[0] >= cp.config.JitterRange[1] {
		return nil // no jitter configured
	}

	min := cp.config.JitterRange[0]
	max := cp.config.JitterRange[1]
	jitter := time.Duration(rand.Intn(max-min)+min) * time.Millisecond

	select {
	case <-time.After(jitter):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (cp *ClientPool) GetStats() ClientStats {
	cp.mu.RLock()
	defer cp.mu.RUnlock()
	return cp.stats
}

func (cp *ClientPool) incrementStat(statType string) {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	cp.stats.TotalRequests++

	switch statType {
	case "success":
		cp.stats.SuccessRequests++
	case "failed":
		cp.stats.FailedRequests++
	case "timeout":
		cp.stats.TimeoutRequests++
		cp.stats.FailedRequests++
	}
}

func (cp *ClientPool) recordLatency(duration time.Duration) {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	cp.stats.TotalLatency += duration

	// Moving-average approximations; the prometheus histograms carry the
	// real distribution.
	if cp.stats.TotalRequests == 0 {
		cp.stats.P50Latency = duration
		cp.stats.P95Latency = duration
	} else {
		alpha := 0.1
		cp.stats.P50Latency = time.Duration(float64(cp.stats.P50Latency)*(1-alpha) + float64(duration)*alpha)

		alpha95 := 0.05
		if duration > cp.stats.P95Latency {
			alpha95 = 0.2
		}
		cp.stats.P95Latency = time.Duration(float64(cp.stats.P95Latency)*(1-alpha95) + float64(duration)*alpha95)
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
