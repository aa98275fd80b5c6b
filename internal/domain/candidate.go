package domain

import (
	"time"

	"github.com/sawpanic/stockrun/internal/trace"
)

// ActionTag classifies a candidate by explosion probability.
type ActionTag string

const (
	TagTradeReady ActionTag = "TRADE_READY"
	TagMonitor    ActionTag = "MONITOR"
	TagWatchlist  ActionTag = "WATCHLIST"
)

// Candidate is one ranked discovery output row.
type Candidate struct {
	Symbol               string    `json:"symbol"`
	Price                float64   `json:"price"`
	Volume               float64   `json:"volume"`
	ChangePct            float64   `json:"change_pct"`
	RVOL                 float64   `json:"rvol"`
	MomentumScore        float64   `json:"momentum_score"`
	PatternName          string    `json:"pattern_name,omitempty"`
	PatternSimilarity    float64   `json:"pattern_similarity"`
	BaseProbability      float64   `json:"base_probability"`
	ExplosionProbability float64   `json:"explosion_probability"`
	ActionTag            ActionTag `json:"action_tag"`
}

// RunStats summarizes a run for the status key and dashboards. Reason is set
// only on explanatory empty results.
type RunStats struct {
	Reason            string  `json:"reason,omitempty"`
	SymbolsIn         int     `json:"symbols_in"`
	Candidates        int     `json:"candidates"`
	DroppedAtSource   int     `json:"dropped_at_source,omitempty"`
	StaleDropped      int     `json:"stale,omitempty"`
	StaleThreshold    float64 `json:"threshold,omitempty"`
	AdaptiveFallbacks int     `json:"adaptive_fallbacks,omitempty"`
	Regime            string  `json:"regime,omitempty"`
	RegimeThreshold   float64 `json:"regime_threshold,omitempty"`
	ElapsedMS         int64   `json:"elapsed_ms"`
}

// RunResult is the atomically published outcome of one discovery run.
// Consumers observe either the previous run's result or this one in full,
// never a partial view.
type RunResult struct {
	Strategy   string         `json:"strategy"`
	Timestamp  time.Time      `json:"timestamp"`
	Candidates []Candidate    `json:"candidates"`
	Stats      RunStats       `json:"stats"`
	Trace      trace.Snapshot `json:"trace"`
}

// EmptyResult builds an explanatory zero-candidate result. The engine never
// publishes fabricated candidates; a failed run publishes one of these with
// the failure reason in Stats.
func EmptyResult(strategy, reason string, tr trace.Snapshot) RunResult {
	return RunResult{
		Strategy:   strategy,
		Timestamp:  time.Now().UTC(),
		Candidates: []Candidate{},
		Stats:      RunStats{Reason: reason},
		Trace:      tr,
	}
}
