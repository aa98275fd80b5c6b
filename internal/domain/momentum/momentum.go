// Package momentum pre-ranks filter survivors before the expensive
// enrichment stages. The score is deterministic over price action alone.
package momentum

import (
	"math"
	"sort"

	"github.com/sawpanic/stockrun/internal/domain"
)

// StageName as recorded in traces.
const StageName = "momentum_prerank"

// Scored pairs a snapshot with its momentum score.
type Scored struct {
	domain.Snapshot
	Score float64
}

// Score computes 2*|changePct| + log1p(volume). Log1p keeps zero-volume
// symbols finite; the change term dominates only for double-digit movers.
func Score(changePct, volume float64) float64 {
	return 2*math.Abs(changePct) + math.Log1p(volume)
}

// Rank scores every snapshot and sorts descending. Ties break on symbol so
// the same frozen snapshot always yields the same order.
func Rank(in []domain.Snapshot) []Scored {
	out := make([]Scored, len(in))
	for i, s := range in {
		out[i] = Scored{Snapshot: s, Score: Score(s.ChangePct, s.Volume)}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out
}

// TopN trims a ranked list to its first n entries. n <= 0 disables the trim,
// which is the shipped default: downstream stages are cheap once volume
// averages are cached.
func TopN(in []Scored, n int) []Scored {
	if n <= 0 || n >= len(in) {
		return in
	}
	return in[:n]
}
