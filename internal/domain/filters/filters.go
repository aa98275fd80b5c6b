// Package filters implements the staged elimination gates of the discovery
// pipeline. Each stage is a pure function over in-memory collections: it
// returns the kept snapshots plus one rejection record per eliminated
// symbol, and never mutates its input.
package filters

import (
	"fmt"
	"strings"

	"github.com/sawpanic/stockrun/internal/domain"
	"github.com/sawpanic/stockrun/internal/trace"
)

// Stage names as they appear in traces.
const (
	StageType          = "type_filter"
	StagePriceBand     = "price_band"
	StageLiquidity     = "liquidity_floor"
	StageStealth       = "stealth_band"
	StageRvol          = "rvol"
	StagePostExplosion = "post_explosion"
)

// Config carries the hard thresholds for every filter stage. All bounds are
// inclusive; a symbol sitting exactly on a bound is kept.
type Config struct {
	// Type gate
	TypeSubstrings []string `yaml:"type_substrings"` // tickers containing any are dropped

	// Price band
	MinPrice float64 `yaml:"min_price"` // 0.10
	MaxPrice float64 `yaml:"max_price"` // 100.00

	// Liquidity floor
	MinVolume float64 `yaml:"min_volume"` // 100k shares today

	// Stealth band: the pre-explosion daily change window
	MinDailyChange float64 `yaml:"min_daily_change"` // -10%
	MaxDailyChange float64 `yaml:"max_daily_change"` // +5%

	// Relative volume
	MinRvol     float64 `yaml:"min_rvol"`      // 1.5x the 20d average
	MaxSaneRvol float64 `yaml:"max_sane_rvol"` // >1000 is a data-quality trap

	// Post-explosion lookback ceilings
	Max5dChange  float64 `yaml:"max_5d_change"`  // 30%
	Max20dChange float64 `yaml:"max_20d_change"` // 50%
}

func DefaultConfig() Config {
	return Config{
		TypeSubstrings: []string{"ETF", "FUND", "INDEX", "TRUST", "REIT"},
		MinPrice:       0.10,
		MaxPrice:       100.00,
		MinVolume:      100000,
		MinDailyChange: -10.0,
		MaxDailyChange: 5.0,
		MinRvol:        1.5,
		MaxSaneRvol:    1000.0,
		Max5dChange:    30.0,
		Max20dChange:   50.0,
	}
}

func (c Config) Validate() error {
	if c.MinPrice <= 0 || c.MaxPrice <= c.MinPrice {
		return fmt.Errorf("invalid price band [%f, %f]", c.MinPrice, c.MaxPrice)
	}
	if c.MinVolume < 0 {
		return fmt.Errorf("negative volume floor %f", c.MinVolume)
	}
	if c.MinDailyChange >= c.MaxDailyChange {
		return fmt.Errorf("invalid stealth band [%f, %f]", c.MinDailyChange, c.MaxDailyChange)
	}
	if c.MinRvol <= 0 || c.MaxSaneRvol <= c.MinRvol {
		return fmt.Errorf("invalid rvol bounds [%f, %f]", c.MinRvol, c.MaxSaneRvol)
	}
	return nil
}

// Survivor is a snapshot that passed the RVOL stage, carrying the attached
// relative volume for downstream scoring.
type Survivor struct {
	domain.Snapshot
	Avg20d float64
	RVOL   float64
}

// Type drops symbols whose upper-cased ticker contains any configured
// substring. The default set targets fund-like listings, not operating
// companies.
func Type(in []domain.Snapshot, cfg Config) ([]domain.Snapshot, []trace.Rejection) {
	kept := make([]domain.Snapshot, 0, len(in))
	var rejected []trace.Rejection
	for _, s := range in {
		upper := strings.ToUpper(s.Symbol)
		matched := ""
		for _, sub := range cfg.TypeSubstrings {
			if strings.Contains(upper, sub) {
				matched = sub
				break
			}
		}
		if matched != "" {
			rejected = append(rejected, trace.Rejection{
				Symbol:  s.Symbol,
				Reason:  domain.ReasonETFOrFund,
				Details: fmt.Sprintf("ticker contains %q", matched),
			})
			continue
		}
		kept = append(kept, s)
	}
	return kept, rejected
}

// PriceBand keeps MinPrice <= price <= MaxPrice.
func PriceBand(in []domain.Snapshot, cfg Config) ([]domain.Snapshot, []trace.Rejection) {
	kept := make([]domain.Snapshot, 0, len(in))
	var rejected []trace.Rejection
	for _, s := range in {
		switch {
		case s.Price < cfg.MinPrice:
			rejected = append(rejected, trace.Rejection{
				Symbol:  s.Symbol,
				Reason:  domain.ReasonPriceTooLow,
				Details: fmt.Sprintf("price %.4f below %.2f", s.Price, cfg.MinPrice),
			})
		case s.Price > cfg.MaxPrice:
			rejected = append(rejected, trace.Rejection{
				Symbol:  s.Symbol,
				Reason:  domain.ReasonPriceTooHigh,
				Details: fmt.Sprintf("price %.2f above %.2f", s.Price, cfg.MaxPrice),
			})
		default:
			kept = append(kept, s)
		}
	}
	return kept, rejected
}

// Liquidity keeps volume >= MinVolume.
func Liquidity(in []domain.Snapshot, cfg Config) ([]domain.Snapshot, []trace.Rejection) {
	kept := make([]domain.Snapshot, 0, len(in))
	var rejected []trace.Rejection
	for _, s := range in {
		if s.Volume < cfg.MinVolume {
			rejected = append(rejected, trace.Rejection{
				Symbol:  s.Symbol,
				Reason:  domain.ReasonVolumeTooLow,
				Details: fmt.Sprintf("volume %.0f below %.0f", s.Volume, cfg.MinVolume),
			})
			continue
		}
		kept = append(kept, s)
	}
	return kept, rejected
}

// Stealth keeps MinDailyChange <= changePct <= MaxDailyChange: symbols that
// have not yet made their move. Above the band means the move already
// happened today.
func Stealth(in []domain.Snapshot, cfg Config) ([]domain.Snapshot, []trace.Rejection) {
	kept := make([]domain.Snapshot, 0, len(in))
	var rejected []trace.Rejection
	for _, s := range in {
		switch {
		case s.ChangePct > cfg.MaxDailyChange:
			rejected = append(rejected, trace.Rejection{
				Symbol:  s.Symbol,
				Reason:  domain.ReasonAlreadyExplodedToday,
				Details: fmt.Sprintf("change %.2f%% above %.2f%%", s.ChangePct, cfg.MaxDailyChange),
			})
		case s.ChangePct < cfg.MinDailyChange:
			rejected = append(rejected, trace.Rejection{
				Symbol:  s.Symbol,
				Reason:  domain.ReasonChangeTooLow,
				Details: fmt.Sprintf("change %.2f%% below %.2f%%", s.ChangePct, cfg.MinDailyChange),
			})
		default:
			kept = append(kept, s)
		}
	}
	return kept, rejected
}

// Rvol divides today's volume by the cached 20-day average and keeps
// MinRvol <= rvol <= MaxSaneRvol. Symbols without a positive cached average
// are dropped; the engine never substitutes one.
func Rvol(in []domain.Snapshot, averages map[string]float64, cfg Config) ([]Survivor, []trace.Rejection) {
	kept := make([]Survivor, 0, len(in))
	var rejected []trace.Rejection
	for _, s := range in {
		avg, ok := averages[s.Symbol]
		if !ok || avg <= 0 {
			rejected = append(rejected, trace.Rejection{
				Symbol: s.Symbol,
				Reason: domain.ReasonNoVolumeAverage,
			})
			continue
		}
		rvol := s.Volume / avg
		switch {
		case rvol < cfg.MinRvol:
			rejected = append(rejected, trace.Rejection{
				Symbol:  s.Symbol,
				Reason:  domain.ReasonRvolTooLow,
				Details: fmt.Sprintf("rvol %.2f below %.2f", rvol, cfg.MinRvol),
			})
		case rvol > cfg.MaxSaneRvol:
			rejected = append(rejected, trace.Rejection{
				Symbol:  s.Symbol,
				Reason:  domain.ReasonRvolUnrealistic,
				Details: fmt.Sprintf("rvol %.0f above %.0f", rvol, cfg.MaxSaneRvol),
			})
		default:
			kept = append(kept, Survivor{Snapshot: s, Avg20d: avg, RVOL: rvol})
		}
	}
	return kept, rejected
}

// PostExplosion rejects symbols that already ran: change5d > Max5dChange or
// change20d > Max20dChange. Missing history means allow; the gate never
// synthesizes a lookback.
func PostExplosion(in []Survivor, history map[string]domain.TrailingChange, cfg Config) ([]Survivor, []trace.Rejection) {
	kept := make([]Survivor, 0, len(in))
	var rejected []trace.Rejection
	for _, s := range in {
		h, ok := history[s.Symbol]
		if ok && h.Change5d != nil && *h.Change5d > cfg.Max5dChange {
			rejected = append(rejected, trace.Rejection{
				Symbol:  s.Symbol,
				Reason:  domain.ReasonAlreadyRan5d,
				Details: fmt.Sprintf("5d change %.1f%% above %.1f%%", *h.Change5d, cfg.Max5dChange),
			})
			continue
		}
		if ok && h.Change20d != nil && *h.Change20d > cfg.Max20dChange {
			rejected = append(rejected, trace.Rejection{
				Symbol:  s.Symbol,
				Reason:  domain.ReasonAlreadyRan20d,
				Details: fmt.Sprintf("20d change %.1f%% above %.1f%%", *h.Change20d, cfg.Max20dChange),
			})
			continue
		}
		kept = append(kept, s)
	}
	return kept, rejected
}
