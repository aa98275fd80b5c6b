// Package jobs holds the offline maintenance jobs that keep discovery's
// read-side stores warm. The volume refresher is the only writer of the
// volume-average store.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/sawpanic/stockrun/internal/domain"
	"github.com/sawpanic/stockrun/internal/persistence"
)

const (
	// averageWindow is how many real closes feed one average.
	averageWindow = 20

	// minUsableBars guards against averages built from a handful of bars;
	// a thinner history skips the symbol instead.
	minUsableBars = 5

	// historyPad covers zero-volume sessions inside the lookback.
	historyPad = 5

	timespanDay = "day"

	// DefaultSampleSize bounds the test mode to a handful of symbols.
	DefaultSampleSize = 10
)

// Market is the slice of the market-data client the refresher needs.
type Market interface {
	BulkSnapshot(ctx context.Context) (map[string]domain.Snapshot, error)
	HistoricalBars(ctx context.Context, symbol, timespan string, limit int) ([]domain.HistoricalBar, error)
}

// Report summarizes one refresh pass.
type Report struct {
	Symbols  int           `json:"symbols"`
	Written  int           `json:"written"`
	Skipped  int           `json:"skipped"`
	Failed   int           `json:"failed"`
	Batches  int           `json:"batches"`
	Elapsed  time.Duration `json:"elapsed"`
	Strategy string        `json:"strategy,omitempty"`
}

// Refresher rebuilds volume averages from daily bars. It never writes a
// fabricated average: a symbol with missing or thin history is skipped and
// counted.
type Refresher struct {
	market  Market
	volumes persistence.VolumeStore
	log     zerolog.Logger
	now     func() time.Time
}

func NewRefresher(market Market, volumes persistence.VolumeStore, log zerolog.Logger) *Refresher {
	return &Refresher{
		market:  market,
		volumes: volumes,
		log:     log.With().Str("component", "volume_refresher").Logger(),
		now:     time.Now,
	}
}

// RefreshAll rebuilds averages for every symbol in the latest bulk snapshot.
// delay paces the per-symbol history calls; batchSize bounds each upsert
// transaction.
func (r *Refresher) RefreshAll(ctx context.Context, batchSize int, delay time.Duration) (Report, error) {
	symbols, err := r.snapshotSymbols(ctx)
	if err != nil {
		return Report{}, err
	}
	return r.refresh(ctx, symbols, batchSize, delay)
}

// RefreshStale rebuilds averages only for symbols the store reports older
// than maxAge.
func (r *Refresher) RefreshStale(ctx context.Context, maxAge time.Duration, batchSize int, delay time.Duration) (Report, error) {
	symbols, err := r.volumes.StaleSymbols(ctx, maxAge)
	if err != nil {
		return Report{}, fmt.Errorf("stale symbols: %w", err)
	}
	if len(symbols) == 0 {
		r.log.Info().Msg("no stale volume averages")
		return Report{}, nil
	}
	return r.refresh(ctx, symbols, batchSize, delay)
}

// RefreshSample runs the full pipeline over the first sample symbols of the
// snapshot universe. Meant for smoke-testing credentials and connectivity
// without an hours-long crawl.
func (r *Refresher) RefreshSample(ctx context.Context, sample int, delay time.Duration) (Report, error) {
	if sample <= 0 {
		sample = DefaultSampleSize
	}
	symbols, err := r.snapshotSymbols(ctx)
	if err != nil {
		return Report{}, err
	}
	if len(symbols) > sample {
		symbols = symbols[:sample]
	}
	return r.refresh(ctx, symbols, sample, delay)
}

// snapshotSymbols returns the snapshot universe sorted by symbol so a
// re-run walks the same order.
func (r *Refresher) snapshotSymbols(ctx context.Context) ([]string, error) {
	snapshots, err := r.market.BulkSnapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("bulk snapshot: %w", err)
	}
	if len(snapshots) == 0 {
		return nil, domain.ErrUpstreamUnavailable
	}
	symbols := make([]string, 0, len(snapshots))
	for sym := range snapshots {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)
	return symbols, nil
}

func (r *Refresher) refresh(ctx context.Context, symbols []string, batchSize int, delay time.Duration) (Report, error) {
	start := r.now()
	if batchSize <= 0 {
		batchSize = 100
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if delay > 0 {
		limiter = rate.NewLimiter(rate.Every(delay), 1)
	}

	report := Report{Symbols: len(symbols)}
	pending := make(map[string]float64, batchSize)

	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		written, err := r.volumes.UpsertBatch(ctx, pending)
		if err != nil {
			return fmt.Errorf("upsert batch: %w", err)
		}
		report.Written += written
		report.Batches++
		pending = make(map[string]float64, batchSize)
		return nil
	}

	for _, sym := range symbols {
		if err := limiter.Wait(ctx); err != nil {
			report.Elapsed = r.now().Sub(start)
			return report, err
		}

		bars, err := r.market.HistoricalBars(ctx, sym, timespanDay, averageWindow+historyPad)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				report.Elapsed = r.now().Sub(start)
				return report, err
			}
			if errors.Is(err, domain.ErrInsufficientHistory) {
				report.Skipped++
			} else {
				report.Failed++
				r.log.Debug().Str("symbol", sym).Err(err).Msg("history fetch failed")
			}
			continue
		}

		avg, ok := averageVolume(bars)
		if !ok {
			report.Skipped++
			continue
		}
		pending[sym] = avg

		if len(pending) >= batchSize {
			if err := flush(); err != nil {
				report.Elapsed = r.now().Sub(start)
				return report, err
			}
		}
	}

	if err := flush(); err != nil {
		report.Elapsed = r.now().Sub(start)
		return report, err
	}

	report.Elapsed = r.now().Sub(start)
	r.log.Info().
		Int("symbols", report.Symbols).
		Int("written", report.Written).
		Int("skipped", report.Skipped).
		Int("failed", report.Failed).
		Dur("elapsed", report.Elapsed).
		Msg("volume refresh complete")
	return report, nil
}

// averageVolume computes the mean of the most recent real closes, at most
// averageWindow of them, skipping zero-volume bars. Returns false when the
// usable history is too thin to trust.
func averageVolume(bars []domain.HistoricalBar) (float64, bool) {
	var sum float64
	var count int
	for i := len(bars) - 1; i >= 0 && count < averageWindow; i-- {
		if bars[i].Volume <= 0 {
			continue
		}
		sum += bars[i].Volume
		count++
	}
	if count < minUsableBars {
		return 0, false
	}
	return sum / float64(count), true
}
