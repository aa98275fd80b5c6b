package momentum

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sawpanic/stockrun/internal/domain"
)

func TestScoreFormula(t *testing.T) {
	// 2*|0.4| + ln(1+9e6) = 0.8 + 16.0127... ≈ 16.81
	got := Score(0.4, 9000000)
	assert.InDelta(t, 0.8+math.Log1p(9000000), got, 1e-12)
	assert.InDelta(t, 16.81, got, 0.01)
}

func TestScoreAbsoluteChange(t *testing.T) {
	// Downward moves carry the same weight as upward ones.
	assert.Equal(t, Score(-3.5, 500000), Score(3.5, 500000))
}

func TestScoreZeroVolume(t *testing.T) {
	assert.Equal(t, 2.0, Score(1.0, 0))
}

func TestRankOrdering(t *testing.T) {
	in := []domain.Snapshot{
		{Symbol: "SLOW", ChangePct: 0.1, Volume: 100000},
		{Symbol: "FAST", ChangePct: 4.0, Volume: 9000000},
		{Symbol: "MID", ChangePct: 1.0, Volume: 2000000},
	}

	ranked := Rank(in)

	assert.Equal(t, "FAST", ranked[0].Symbol)
	assert.Equal(t, "MID", ranked[1].Symbol)
	assert.Equal(t, "SLOW", ranked[2].Symbol)
	assert.True(t, ranked[0].Score > ranked[1].Score)
}

func TestRankDeterministicTies(t *testing.T) {
	// Identical scores must order by symbol regardless of input order.
	a := []domain.Snapshot{
		{Symbol: "BBB", ChangePct: 1, Volume: 1000},
		{Symbol: "AAA", ChangePct: 1, Volume: 1000},
	}
	b := []domain.Snapshot{a[1], a[0]}

	ra, rb := Rank(a), Rank(b)
	assert.Equal(t, "AAA", ra[0].Symbol)
	assert.Equal(t, "AAA", rb[0].Symbol)
	assert.Equal(t, ra[1].Symbol, rb[1].Symbol)
}

func TestTopN(t *testing.T) {
	ranked := Rank([]domain.Snapshot{
		{Symbol: "A", ChangePct: 3, Volume: 1e6},
		{Symbol: "B", ChangePct: 2, Volume: 1e6},
		{Symbol: "C", ChangePct: 1, Volume: 1e6},
	})

	assert.Len(t, TopN(ranked, 2), 2)
	assert.Len(t, TopN(ranked, 0), 3)  // 0 disables the trim
	assert.Len(t, TopN(ranked, -1), 3) // so does anything negative
	assert.Len(t, TopN(ranked, 10), 3)
}
