// Package persistence defines the durable stores the engine reads and
// writes. Discovery only reads volume averages; the refresh job owns writes.
package persistence

import (
	"context"
	"time"
)

// VolumeAverage is one symbol's rolling 20-day average volume row.
// Invariant: Avg20d > 0 and LastUpdated <= now; rows violating it are
// rejected before they reach the database.
type VolumeAverage struct {
	Symbol      string    `json:"symbol" db:"symbol"`
	Avg20d      float64   `json:"avg_20d" db:"avg_volume_20d"`
	LastUpdated time.Time `json:"last_updated" db:"last_updated"`
}

// VolumeStore is the engine's whole view of the durable volume-average
// store: a staleness-filtered read, a transactional batch write, and the
// stale-row report that drives targeted refreshes.
type VolumeStore interface {
	// Get returns averages for the requested symbols whose LastUpdated is
	// inside the store's staleness window. Symbols without a fresh row are
	// simply absent from the result.
	Get(ctx context.Context, symbols []string) (map[string]float64, error)

	// UpsertBatch writes averages transactionally, replacing values and
	// bumping LastUpdated on conflict. Non-positive averages are skipped.
	// Returns the number of rows written.
	UpsertBatch(ctx context.Context, averages map[string]float64) (int, error)

	// StaleSymbols lists symbols whose row is older than maxAge, oldest
	// first.
	StaleSymbols(ctx context.Context, maxAge time.Duration) ([]string, error)
}

// Repository aggregates the store handles the process wires at startup.
type Repository struct {
	Volumes VolumeStore
}

// RepositoryHealth reports liveness of the durable store for the monitor
// endpoints.
type RepositoryHealth interface {
	Health(ctx context.Context) HealthCheck
	Ping(ctx context.Context) error
	Stats(ctx context.Context) map[string]interface{}
}

// HealthCheck is one point-in-time connectivity report.
type HealthCheck struct {
	Healthy        bool           `json:"healthy"`
	Errors         []string       `json:"errors,omitempty"`
	ConnectionPool map[string]int `json:"connection_pool"`
	LastCheck      time.Time      `json:"last_check"`
	ResponseTimeMS int64          `json:"response_time_ms"`
}
