package scoring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/stockrun/internal/domain"
)

func TestBaseKnownVector(t *testing.T) {
	// X from the canonical happy path: momentum 16.81, rvol 3.0, price 3.00,
	// change +0.4, no catalyst, no optionals.
	//   momentum: 0.25 * 16.81/200       = 0.021016
	//   rvol:     0.25 * (3-1)/49        = 0.010204
	//   price:    0.10 * (1 - 3/50)      = 0.094
	//   change:   0.10 * 0.4/100         = 0.0004
	// base = 100 * 0.12562 = 12.56
	in := Inputs{Momentum: 16.8127, RVOL: 3.0, Price: 3.00, ChangePct: 0.4}
	base := Base(in, DefaultWeights())
	assert.InDelta(t, 12.56, base, 0.02)
}

func TestMissingOptionalsContributeZero(t *testing.T) {
	in := Inputs{Momentum: 50, RVOL: 5, Price: 10, ChangePct: 2}
	withNils := Base(in, DefaultWeights())

	si, br, fl := 20.0, 50.0, 1e7
	in.ShortInterest, in.BorrowRate, in.FloatShares = &si, &br, &fl
	withAll := Base(in, DefaultWeights())

	assert.Greater(t, withAll, withNils)

	// Zero-value pointers still count as supplied.
	zero := 0.0
	in.ShortInterest, in.BorrowRate, in.FloatShares = &zero, &zero, &zero
	withZeros := Base(in, DefaultWeights())
	// zero float shares score the full inverse-float weight
	assert.InDelta(t, withNils+100*0.05, withZeros, 0.001)
}

func TestNormalizationClamps(t *testing.T) {
	// Values past the range ceiling saturate instead of overflowing.
	in := Inputs{Momentum: 1e6, RVOL: 500, Catalyst: 300, Price: 0.01, ChangePct: 400}
	base := Base(in, DefaultWeights())
	sum := DefaultWeights().Sum()
	assert.LessOrEqual(t, base, 100*sum+0.001)
	assert.InDelta(t, 100*sum, base, 0.1) // everything saturated high
}

func TestProbabilityCapAndRounding(t *testing.T) {
	assert.Equal(t, 95.0, Probability(90, 15))
	assert.Equal(t, 95.0, Probability(200, 0))
	assert.Equal(t, 27.6, Probability(12.56, 15))
	assert.Equal(t, 0.0, Probability(-5, 0))
	assert.Equal(t, 33.3, Probability(33.333, 0))
}

func TestTags(t *testing.T) {
	cases := []struct {
		prob float64
		want domain.ActionTag
	}{
		{95, domain.TagTradeReady},
		{75, domain.TagTradeReady},
		{74.9, domain.TagMonitor},
		{60, domain.TagMonitor},
		{59.9, domain.TagWatchlist},
		{0, domain.TagWatchlist},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Tag(tc.prob), "probability %.1f", tc.prob)
	}
}

func TestSortTuple(t *testing.T) {
	cands := []domain.Candidate{
		{Symbol: "C", ExplosionProbability: 50, PatternSimilarity: 0.5, RVOL: 2},
		{Symbol: "A", ExplosionProbability: 80, PatternSimilarity: 0.3, RVOL: 2},
		{Symbol: "B", ExplosionProbability: 80, PatternSimilarity: 0.9, RVOL: 2},
		{Symbol: "D", ExplosionProbability: 50, PatternSimilarity: 0.5, RVOL: 9},
	}
	Sort(cands)

	got := make([]string, len(cands))
	for i, c := range cands {
		got[i] = c.Symbol
	}
	// B beats A on similarity at equal probability; D beats C on rvol at
	// equal probability and similarity.
	assert.Equal(t, []string{"B", "A", "D", "C"}, got)
}

func TestWeightsNormalized(t *testing.T) {
	w := DefaultWeights()
	require.InDelta(t, 1.05, w.Sum(), 1e-9)

	n := w.Normalized()
	assert.InDelta(t, 1.0, n.Sum(), 1e-9)
	// Relative proportions survive normalization.
	assert.InDelta(t, w.Momentum/w.Rvol, n.Momentum/n.Rvol, 1e-9)
}

func TestWeightsValidate(t *testing.T) {
	require.NoError(t, DefaultWeights().Validate())

	bad := DefaultWeights()
	bad.Rvol = -0.1
	require.Error(t, bad.Validate())

	require.Error(t, Weights{}.Validate())
}
