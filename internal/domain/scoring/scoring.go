// Package scoring computes the 8-factor explosion probability. Weights come
// from configuration or the learning service; normalization ranges are fixed
// properties of the model. Missing optional inputs contribute zero, never a
// synthesized default.
package scoring

import (
	"fmt"
	"math"
	"sort"

	"github.com/sawpanic/stockrun/internal/domain"
)

// StageName as recorded in traces.
const StageName = "scoring"

// Probability ceiling. The model never claims certainty.
const MaxProbability = 95.0

// Action-tag thresholds applied after the regime acceptance cut.
const (
	TradeReadyThreshold = 75.0
	MonitorThreshold    = 60.0
)

// Weights for the probability model. Defaults sum to 1.05 before
// normalization; presets and the learning service overlay them and the
// config layer renormalizes.
type Weights struct {
	Momentum      float64 `yaml:"momentum" json:"momentum"`
	Rvol          float64 `yaml:"rvol" json:"rvol"`
	Catalyst      float64 `yaml:"catalyst" json:"catalyst"`
	PriceInverse  float64 `yaml:"price_inverse" json:"price_inverse"`
	Change        float64 `yaml:"change" json:"change"`
	ShortInterest float64 `yaml:"short_interest" json:"short_interest"`
	BorrowRate    float64 `yaml:"borrow_rate" json:"borrow_rate"`
	FloatInverse  float64 `yaml:"float_inverse" json:"float_inverse"`
}

func DefaultWeights() Weights {
	return Weights{
		Momentum:      0.25,
		Rvol:          0.25,
		Catalyst:      0.20,
		PriceInverse:  0.10,
		Change:        0.10,
		ShortInterest: 0.05,
		BorrowRate:    0.05,
		FloatInverse:  0.05,
	}
}

func (w Weights) Sum() float64 {
	return w.Momentum + w.Rvol + w.Catalyst + w.PriceInverse + w.Change +
		w.ShortInterest + w.BorrowRate + w.FloatInverse
}

func (w Weights) Validate() error {
	for name, v := range map[string]float64{
		"momentum": w.Momentum, "rvol": w.Rvol, "catalyst": w.Catalyst,
		"price_inverse": w.PriceInverse, "change": w.Change,
		"short_interest": w.ShortInterest, "borrow_rate": w.BorrowRate,
		"float_inverse": w.FloatInverse,
	} {
		if v < 0 {
			return fmt.Errorf("negative weight %s=%f", name, v)
		}
	}
	if w.Sum() <= 0 {
		return fmt.Errorf("weights sum to %f", w.Sum())
	}
	return nil
}

// Normalized scales every weight so the set sums to 1.
func (w Weights) Normalized() Weights {
	sum := w.Sum()
	if sum <= 0 {
		return w
	}
	return Weights{
		Momentum:      w.Momentum / sum,
		Rvol:          w.Rvol / sum,
		Catalyst:      w.Catalyst / sum,
		PriceInverse:  w.PriceInverse / sum,
		Change:        w.Change / sum,
		ShortInterest: w.ShortInterest / sum,
		BorrowRate:    w.BorrowRate / sum,
		FloatInverse:  w.FloatInverse / sum,
	}
}

// Inputs are one candidate's factor values. Pointer fields are optional
// enrichments; nil means the data was unavailable.
type Inputs struct {
	Momentum  float64
	RVOL      float64
	Catalyst  float64
	Price     float64
	ChangePct float64

	ShortInterest *float64 // percent of float
	BorrowRate    *float64 // annualized percent
	FloatShares   *float64
}

const normEpsilon = 1e-9

// norm maps x into [0,1] over [lo,hi], clamped.
func norm(x, lo, hi float64) float64 {
	v := (x - lo) / (hi - lo + normEpsilon)
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Base computes 100 times the weighted component sum.
func Base(in Inputs, w Weights) float64 {
	sum := w.Momentum*norm(in.Momentum, 0, 200) +
		w.Rvol*norm(in.RVOL, 1, 50) +
		w.Catalyst*norm(in.Catalyst, 0, 100) +
		w.PriceInverse*(1-norm(in.Price, 0, 50)) +
		w.Change*norm(math.Abs(in.ChangePct), 0, 100)

	if in.ShortInterest != nil {
		sum += w.ShortInterest * norm(*in.ShortInterest, 0, 40)
	}
	if in.BorrowRate != nil {
		sum += w.BorrowRate * norm(*in.BorrowRate, 0, 100)
	}
	if in.FloatShares != nil {
		sum += w.FloatInverse * (1 - norm(*in.FloatShares, 0, 5e7))
	}
	return 100 * sum
}

// Probability caps base+bonus at MaxProbability and rounds to one decimal.
func Probability(base, bonus float64) float64 {
	p := math.Min(base+bonus, MaxProbability)
	if p < 0 {
		p = 0
	}
	return math.Round(p*10) / 10
}

// EntryRules govern acceptance and action tagging of scored candidates.
// The learning service's regime threshold can raise the acceptance floor
// above MinProbability but never lower it.
type EntryRules struct {
	// MinProbability is the acceptance floor applied even when the regime
	// threshold is absent or lower.
	MinProbability float64 `yaml:"min_probability"`

	// TradeReadyMin and MonitorMin split accepted candidates into tags;
	// everything below MonitorMin is a watchlist entry.
	TradeReadyMin float64 `yaml:"trade_ready_min"`
	MonitorMin    float64 `yaml:"monitor_min"`
}

func DefaultEntryRules() EntryRules {
	return EntryRules{
		MinProbability: 0,
		TradeReadyMin:  TradeReadyThreshold,
		MonitorMin:     MonitorThreshold,
	}
}

func (r EntryRules) Validate() error {
	if r.MinProbability < 0 || r.MinProbability > MaxProbability {
		return fmt.Errorf("min_probability %.1f outside [0, %.0f]", r.MinProbability, MaxProbability)
	}
	if r.MonitorMin > r.TradeReadyMin {
		return fmt.Errorf("monitor_min %.1f above trade_ready_min %.1f", r.MonitorMin, r.TradeReadyMin)
	}
	return nil
}

// Tag maps a final probability to its action tag under these rules.
func (r EntryRules) Tag(probability float64) domain.ActionTag {
	switch {
	case probability >= r.TradeReadyMin:
		return domain.TagTradeReady
	case probability >= r.MonitorMin:
		return domain.TagMonitor
	default:
		return domain.TagWatchlist
	}
}

// Tag maps a final probability to its action tag under the default rules.
func Tag(probability float64) domain.ActionTag {
	return DefaultEntryRules().Tag(probability)
}

// Sort orders candidates by (explosionProbability desc, patternSimilarity
// desc, rvol desc), stably.
func Sort(candidates []domain.Candidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.ExplosionProbability != b.ExplosionProbability {
			return a.ExplosionProbability > b.ExplosionProbability
		}
		if a.PatternSimilarity != b.PatternSimilarity {
			return a.PatternSimilarity > b.PatternSimilarity
		}
		return a.RVOL > b.RVOL
	})
}
