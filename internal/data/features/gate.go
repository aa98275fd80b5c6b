package features

import (
	"fmt"
	"strings"
	"time"

	"github.com/sawpanic/stockrun/internal/domain"
	"github.com/sawpanic/stockrun/internal/trace"
)

// StageName as recorded in traces.
const StageName = "freshness_gate"

// GateConfig controls the fail-closed freshness gate. Thresholds are
// regular-session ages; other sessions multiply them because quiet tape
// updates slowly.
type GateConfig struct {
	// MaxStaleFraction trips the gate when stale/total >= this value.
	MaxStaleFraction float64 `yaml:"max_stale_fraction"`

	// Thresholds hold the maximum trusted age per feature during regular
	// hours. Features absent from the map are never age-checked.
	Thresholds map[string]time.Duration `yaml:"thresholds"`

	// SessionMultipliers scale thresholds outside regular hours.
	SessionMultipliers map[domain.Session]float64 `yaml:"session_multipliers"`

	// CriticalFeatures are the ones whose absence or staleness drops the
	// symbol. Everything else degrades the scorer's inputs instead.
	CriticalFeatures []string `yaml:"critical_features"`
}

func DefaultGateConfig() GateConfig {
	return GateConfig{
		MaxStaleFraction: 0.40,
		Thresholds: map[string]time.Duration{
			FeatPrice:         60 * time.Second,
			FeatVolume:        60 * time.Second,
			FeatVWAP:          2 * time.Minute,
			FeatATRPct:        5 * time.Minute,
			FeatRelVol:        5 * time.Minute,
			FeatATMIV:         10 * time.Minute,
			FeatIVPercentile:  10 * time.Minute,
			FeatCallPutRatio:  10 * time.Minute,
			FeatCatalyst:      15 * time.Minute,
			FeatShortInterest: 7 * 24 * time.Hour,
			FeatBorrowRate:    7 * 24 * time.Hour,
			FeatFloatShares:   30 * 24 * time.Hour,
		},
		SessionMultipliers: map[domain.Session]float64{
			domain.SessionPremarket:  2,
			domain.SessionRegular:    1,
			domain.SessionAfterhours: 3,
			domain.SessionClosed:     6,
		},
		CriticalFeatures: []string{FeatPrice, FeatVolume},
	}
}

func (c GateConfig) Validate() error {
	if c.MaxStaleFraction <= 0 || c.MaxStaleFraction > 1 {
		return fmt.Errorf("max_stale_fraction %f outside (0, 1]", c.MaxStaleFraction)
	}
	if len(c.CriticalFeatures) == 0 {
		return fmt.Errorf("no critical features configured")
	}
	return nil
}

// Threshold returns the session-adjusted maximum age for a feature, or zero
// when the feature carries no age check.
func (c GateConfig) Threshold(feature string, session domain.Session) time.Duration {
	base, ok := c.Thresholds[feature]
	if !ok || base <= 0 {
		return 0
	}
	mult := c.SessionMultipliers[session]
	if mult <= 0 {
		mult = 1
	}
	return time.Duration(float64(base) * mult)
}

// Gate drops stale feature sets and fails closed when too many are stale.
type Gate struct {
	cfg GateConfig
}

func NewGate(cfg GateConfig) *Gate {
	return &Gate{cfg: cfg}
}

// Check partitions sets into fresh and stale. When the stale fraction
// reaches MaxStaleFraction the gate returns no survivors and ErrStaleData:
// a mostly-stale universe means the data source is sick, and ranking the
// remainder would publish garbage with confidence.
func (g *Gate) Check(sets []Set) ([]Set, []trace.Rejection, error) {
	kept := make([]Set, 0, len(sets))
	var rejected []trace.Rejection
	for _, s := range sets {
		if s.IsFresh {
			kept = append(kept, s)
			continue
		}
		rejected = append(rejected, trace.Rejection{
			Symbol:  s.Symbol,
			Reason:  domain.ReasonStaleFeatures,
			Details: strings.Join(s.FreshnessFailures, ", "),
		})
	}
	if len(sets) > 0 {
		fraction := float64(len(rejected)) / float64(len(sets))
		if fraction >= g.cfg.MaxStaleFraction {
			return nil, rejected, fmt.Errorf("freshness gate tripped: %d of %d sets stale (max fraction %.2f): %w",
				len(rejected), len(sets), g.cfg.MaxStaleFraction, domain.ErrStaleData)
		}
	}
	return kept, rejected, nil
}

// StaleFraction reports the would-be trip ratio without gating, for status
// endpoints.
func (g *Gate) StaleFraction(sets []Set) float64 {
	if len(sets) == 0 {
		return 0
	}
	stale := 0
	for _, s := range sets {
		if !s.IsFresh {
			stale++
		}
	}
	return float64(stale) / float64(len(sets))
}

// MaxStaleFraction exposes the configured trip threshold for run stats.
func (g *Gate) MaxStaleFraction() float64 {
	return g.cfg.MaxStaleFraction
}
