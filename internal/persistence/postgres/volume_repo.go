package postgres

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/sawpanic/stockrun/internal/persistence"
)

// volumeRepo implements VolumeStore for PostgreSQL
type volumeRepo struct {
	db          *sqlx.DB
	timeout     time.Duration
	staleWindow time.Duration
}

// NewVolumeRepo creates a new PostgreSQL volume-average repository.
// staleWindow bounds how old a row may be before Get stops returning it.
func NewVolumeRepo(db *sqlx.DB, timeout, staleWindow time.Duration) persistence.VolumeStore {
	return &volumeRepo{
		db:          db,
		timeout:     timeout,
		staleWindow: staleWindow,
	}
}

// Get returns fresh averages for the requested symbols. Symbols with no row,
// or a row older than the stale window, are absent from the result.
func (r *volumeRepo) Get(ctx context.Context, symbols []string) (map[string]float64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	averages := make(map[string]float64, len(symbols))
	if len(symbols) == 0 {
		return averages, nil
	}

	cutoff := time.Now().Add(-r.staleWindow)

	query := `
		SELECT symbol, avg_volume_20d
		FROM volume_averages
		WHERE symbol = ANY($1) AND last_updated > $2`

	rows, err := r.db.QueryxContext(ctx, query, pq.Array(symbols), cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query volume averages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var symbol string
		var avg float64
		if err := rows.Scan(&symbol, &avg); err != nil {
			return nil, fmt.Errorf("failed to scan volume average: %w", err)
		}
		averages[symbol] = avg
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating volume averages: %w", err)
	}

	return averages, nil
}

// UpsertBatch writes averages inside one transaction so a failed refresh
// never leaves the table half-updated. Non-positive averages are skipped.
func (r *volumeRepo) UpsertBatch(ctx context.Context, averages map[string]float64) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if len(averages) == 0 {
		return 0, nil
	}

	// Stable write order keeps row-lock acquisition predictable across
	// concurrent refreshers.
	symbols := make([]string, 0, len(averages))
	for symbol := range averages {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin upsert transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO volume_averages (symbol, avg_volume_20d, last_updated)
		VALUES ($1, $2, $3)
		ON CONFLICT (symbol) DO UPDATE SET
			avg_volume_20d = EXCLUDED.avg_volume_20d,
			last_updated = EXCLUDED.last_updated`

	now := time.Now()
	written := 0
	for _, symbol := range symbols {
		avg := averages[symbol]
		if avg <= 0 {
			continue
		}
		if _, err := tx.ExecContext(ctx, query, symbol, avg, now); err != nil {
			return 0, fmt.Errorf("failed to upsert volume average for %s: %w", symbol, err)
		}
		written++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit volume upsert: %w", err)
	}

	return written, nil
}

// StaleSymbols lists symbols whose row is older than maxAge, oldest first,
// so targeted refreshes repair the worst rows before the merely aging ones.
func (r *volumeRepo) StaleSymbols(ctx context.Context, maxAge time.Duration) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cutoff := time.Now().Add(-maxAge)

	query := `
		SELECT symbol
		FROM volume_averages
		WHERE last_updated < $1
		ORDER BY last_updated ASC`

	rows, err := r.db.QueryxContext(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale symbols: %w", err)
	}
	defer rows.Close()

	var stale []string
	for rows.Next() {
		var symbol string
		if err := rows.Scan(&symbol); err != nil {
			return nil, fmt.Errorf("failed to scan stale symbol: %w", err)
		}
		stale = append(stale, symbol)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating stale symbols: %w", err)
	}

	return stale, nil
}
