// Package pattern scores candidates against a small fixed set of historical
// "winner" archetypes. Archetypes are configuration, not input data; the
// checked-in defaults came from post-hoc analysis of past explosive movers.
package pattern

import "math"

// StageName as recorded in traces.
const StageName = "pattern_match"

// Bonus tiers added to a candidate's probability by best-match similarity.
const (
	strongMatch   = 0.85
	moderateMatch = 0.75
	weakMatch     = 0.65

	strongBonus   = 15.0
	moderateBonus = 10.0
	weakBonus     = 5.0
)

// Archetype is one stored winner feature vector.
type Archetype struct {
	Name      string  `yaml:"name" json:"name"`
	RVOL      float64 `yaml:"rvol" json:"rvol"`
	Price     float64 `yaml:"price" json:"price"`
	ChangePct float64 `yaml:"change_pct" json:"change_pct"`
	Outcome   string  `yaml:"outcome" json:"outcome"`
	Weight    float64 `yaml:"weight" json:"weight"`
}

// DefaultArchetypes returns the checked-in winner set.
func DefaultArchetypes() []Archetype {
	return []Archetype{
		{Name: "stealth_creeper", RVOL: 1.8, Price: 2.94, ChangePct: 0.4, Outcome: "+48% next session", Weight: 1.1},
		{Name: "coiled_spring", RVOL: 3.5, Price: 8.20, ChangePct: 2.1, Outcome: "+65% in 3 days", Weight: 1.0},
		{Name: "deep_dip_reversal", RVOL: 2.2, Price: 1.45, ChangePct: -6.5, Outcome: "+38% in 2 days", Weight: 0.9},
	}
}

// Match is the winning archetype comparison for one candidate.
type Match struct {
	Name       string  `json:"name"`
	Similarity float64 `json:"similarity"`
	Bonus      float64 `json:"bonus"`
}

// Similarity computes the weighted likeness of a candidate to one archetype.
// RVOL dominates; price scale matters some; the exact daily change barely.
func Similarity(rvol, price, changePct float64, arch Archetype) float64 {
	rvolSim := 0.0
	if m := math.Max(rvol, arch.RVOL); m > 0 {
		rvolSim = math.Pow(math.Max(0, 1-math.Abs(rvol-arch.RVOL)/m), 0.7)
	}
	priceSim := 0.0
	if price > 0 && arch.Price > 0 {
		priceSim = math.Sqrt(math.Min(price, arch.Price) / math.Max(price, arch.Price))
	}
	changeSim := math.Max(0, 1-math.Abs(changePct-arch.ChangePct)/5.0)

	return (0.70*rvolSim + 0.20*priceSim + 0.10*changeSim) * arch.Weight
}

// Best compares a candidate against every archetype and returns the highest
// similarity with its bonus. An empty archetype set yields a zero Match.
// Ties keep the earlier archetype.
func Best(rvol, price, changePct float64, archetypes []Archetype) Match {
	var best Match
	for _, arch := range archetypes {
		sim := Similarity(rvol, price, changePct, arch)
		if sim > best.Similarity {
			best = Match{Name: arch.Name, Similarity: sim}
		}
	}
	best.Bonus = bonusFor(best.Similarity)
	return best
}

func bonusFor(similarity float64) float64 {
	switch {
	case similarity >= strongMatch:
		return strongBonus
	case similarity >= moderateMatch:
		return moderateBonus
	case similarity >= weakMatch:
		return weakBonus
	default:
		return 0
	}
}
