// Package application composes the staged discovery pipeline. One Run is a
// single logical task: lock, snapshot, filter, enrich, score, publish. The
// orchestrator owns every mutable object for the run's duration; stages are
// pure functions over in-memory collections.
package application

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sawpanic/stockrun/internal/data/features"
	"github.com/sawpanic/stockrun/internal/domain"
	"github.com/sawpanic/stockrun/internal/domain/filters"
	"github.com/sawpanic/stockrun/internal/domain/momentum"
	"github.com/sawpanic/stockrun/internal/domain/pattern"
	"github.com/sawpanic/stockrun/internal/domain/scoring"
	"github.com/sawpanic/stockrun/internal/metrics"
	"github.com/sawpanic/stockrun/internal/persistence"
	"github.com/sawpanic/stockrun/internal/providers/learning"
	"github.com/sawpanic/stockrun/internal/trace"
)

// Stage names owned by the orchestrator itself; filter stages carry their
// own names.
const (
	stageSource  = "source_validate"
	stageHistory = "history_fanout"
	stageRegime  = "regime_threshold"
	stageRankCut = "rank_cut"
)

const (
	resultOK  = "ok"
	resultErr = "error"

	// Snapshot-derived features are trustworthy but not tape-fresh.
	batchConfidence = 0.7

	// Publishing an explanatory result must survive an expired run
	// deadline, so publish and lock release run on their own clocks.
	publishGrace = 5 * time.Second
	releaseGrace = 5 * time.Second
)

// MarketData is the slice of the market-data client the orchestrator needs.
type MarketData interface {
	BulkSnapshot(ctx context.Context) (map[string]domain.Snapshot, error)
	HistoricalBars(ctx context.Context, symbol, timespan string, limit int) ([]domain.HistoricalBar, error)
	DropBreakdown() (missingPrice, missingVolume int64)
}

// Adaptive supplies learned weights and the market regime. Implementations
// degrade to defaults internally; these calls never fail.
type Adaptive interface {
	Weights(ctx context.Context) scoring.Weights
	Regime(ctx context.Context) learning.Regime
	Fallbacks() int64
}

// Locker is the distributed singleton-run lock.
type Locker interface {
	Acquire(ctx context.Context) error
	Release(ctx context.Context) error
}

// Publisher writes the run result to the shared result store.
type Publisher interface {
	Publish(ctx context.Context, result domain.RunResult) error
}

// Config is the immutable per-run configuration, resolved once (presets and
// flag overlays applied) before New.
type Config struct {
	Strategy string `yaml:"strategy"`

	Filters    filters.Config      `yaml:"filters"`
	Gate       features.GateConfig `yaml:"freshness"`
	Weights    scoring.Weights     `yaml:"weights"`
	Entry      scoring.EntryRules  `yaml:"entry_rules"`
	Archetypes []pattern.Archetype `yaml:"archetypes"`

	// MomentumTopN trims the pre-ranked universe; 0 disables the trim.
	MomentumTopN int `yaml:"momentum_top_n"`

	// MaxCandidates caps the published list after the final sort.
	MaxCandidates int `yaml:"max_candidates"`

	// RunDeadline bounds the whole run; per-call timeouts live in the
	// clients.
	RunDeadline time.Duration `yaml:"run_deadline"`

	// HistoryWorkers caps in-flight per-symbol history fetches.
	HistoryWorkers int `yaml:"history_workers"`

	// HistoryBars is the daily-bar depth for the trailing-change lookback.
	HistoryBars int `yaml:"history_bars"`
}

func DefaultConfig() Config {
	return Config{
		Strategy:       "explosive",
		Filters:        filters.DefaultConfig(),
		Gate:           features.DefaultGateConfig(),
		Weights:        scoring.DefaultWeights(),
		Entry:          scoring.DefaultEntryRules(),
		Archetypes:     pattern.DefaultArchetypes(),
		MomentumTopN:   0,
		MaxCandidates:  50,
		RunDeadline:    2 * time.Minute,
		HistoryWorkers: 20,
		HistoryBars:    21,
	}
}

func (c Config) Validate() error {
	if c.Strategy == "" {
		return fmt.Errorf("empty strategy name")
	}
	if err := c.Filters.Validate(); err != nil {
		return fmt.Errorf("filters: %w", err)
	}
	if err := c.Gate.Validate(); err != nil {
		return fmt.Errorf("freshness gate: %w", err)
	}
	if err := c.Weights.Validate(); err != nil {
		return fmt.Errorf("weights: %w", err)
	}
	if err := c.Entry.Validate(); err != nil {
		return fmt.Errorf("entry rules: %w", err)
	}
	if c.MaxCandidates <= 0 {
		return fmt.Errorf("max_candidates %d must be positive", c.MaxCandidates)
	}
	if c.RunDeadline <= 0 {
		return fmt.Errorf("run_deadline %s must be positive", c.RunDeadline)
	}
	if c.HistoryWorkers < 1 || c.HistoryWorkers > 64 {
		return fmt.Errorf("history_workers %d outside [1, 64]", c.HistoryWorkers)
	}
	if c.HistoryBars < 6 {
		return fmt.Errorf("history_bars %d too shallow for a 5-day lookback", c.HistoryBars)
	}
	return nil
}

// Deps are the collaborators a Discovery needs. All fields are required.
type Deps struct {
	Market    MarketData
	Volumes   persistence.VolumeStore
	Features  *features.Cache
	Adaptive  Adaptive
	Lock      Locker
	Publisher Publisher
	Clock     *domain.SessionClock
	Metrics   *metrics.Registry
	Log       zerolog.Logger
}

// Discovery runs the staged pipeline. Safe for sequential reuse; the
// distributed lock prevents concurrent runs per strategy anyway.
type Discovery struct {
	cfg       Config
	market    MarketData
	volumes   persistence.VolumeStore
	cache     *features.Cache
	adaptive  Adaptive
	lock      Locker
	publisher Publisher
	clock     *domain.SessionClock
	gate      *features.Gate
	metrics   *metrics.Registry
	log       zerolog.Logger
	now       func() time.Time
}

func New(cfg Config, deps Deps) (*Discovery, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("discovery config: %w", err)
	}
	for name, missing := range map[string]bool{
		"market":    deps.Market == nil,
		"volumes":   deps.Volumes == nil,
		"features":  deps.Features == nil,
		"adaptive":  deps.Adaptive == nil,
		"lock":      deps.Lock == nil,
		"publisher": deps.Publisher == nil,
		"clock":     deps.Clock == nil,
		"metrics":   deps.Metrics == nil,
	} {
		if missing {
			return nil, fmt.Errorf("discovery dependency %s is required", name)
		}
	}
	return &Discovery{
		cfg:       cfg,
		market:    deps.Market,
		volumes:   deps.Volumes,
		cache:     deps.Features,
		adaptive:  deps.Adaptive,
		lock:      deps.Lock,
		publisher: deps.Publisher,
		clock:     deps.Clock,
		gate:      features.NewGate(cfg.Gate),
		metrics:   deps.Metrics,
		log:       deps.Log.With().Str("component", "discovery").Str("strategy", cfg.Strategy).Logger(),
		now:       time.Now,
	}, nil
}

// runMeta accumulates the counters RunStats is built from.
type runMeta struct {
	symbolsIn     int
	droppedSource int
	staleDropped  int
	staleTripped  bool
	regime        learning.Regime
	fallbacksAt   int64
}

// Run executes one discovery. A held lock returns domain.ErrLockHeld with
// nothing published. Fatal-for-run failures publish an explanatory empty
// result and return both it and the classified error; external cancellation
// publishes nothing, leaving the previous result intact.
func (d *Discovery) Run(ctx context.Context) (domain.RunResult, error) {
	start := d.now()

	if err := d.lock.Acquire(ctx); err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			d.log.Warn().Msg("another holder owns the discovery lock")
			return domain.RunResult{}, err
		}
		return domain.RunResult{}, fmt.Errorf("acquire discovery lock: %w", err)
	}
	defer d.releaseLock()

	d.metrics.ActiveRuns.Inc()
	defer d.metrics.ActiveRuns.Dec()

	runCtx, cancel := context.WithTimeout(ctx, d.cfg.RunDeadline)
	defer cancel()

	tr := trace.New()
	meta := &runMeta{fallbacksAt: d.adaptive.Fallbacks()}

	candidates, err := d.discover(runCtx, tr, meta)
	elapsed := d.now().Sub(start)

	if err != nil {
		if ctx.Err() != nil {
			// Cancelled from outside: previous published results stay valid.
			d.metrics.RecordRun(d.cfg.Strategy, domain.RunReasonCancelled, elapsed, 0)
			return domain.RunResult{}, fmt.Errorf("discovery cancelled: %w", err)
		}
		reason := classifyRunError(err)
		result := d.emptyResult(reason, tr, meta, elapsed)
		if pubErr := d.publish(result); pubErr != nil {
			d.log.Error().Err(pubErr).Msg("failed to publish explanatory empty result")
		}
		d.metrics.RecordRun(d.cfg.Strategy, reason, elapsed, 0)
		d.log.Warn().Err(err).
			Str("reason", reason).
			Int("symbols_in", meta.symbolsIn).
			Dur("elapsed", elapsed).
			Msg("discovery run failed")
		return result, err
	}

	result := domain.RunResult{
		Strategy:   d.cfg.Strategy,
		Timestamp:  start.UTC(),
		Candidates: candidates,
		Stats:      d.runStats(meta, len(candidates), elapsed),
		Trace:      tr.Snapshot(),
	}
	if err := d.publish(result); err != nil {
		d.metrics.RecordRun(d.cfg.Strategy, "publish_failed", elapsed, len(candidates))
		return result, fmt.Errorf("publish run result: %w", err)
	}
	d.metrics.RecordRun(d.cfg.Strategy, resultOK, elapsed, len(candidates))
	d.log.Info().
		Int("symbols_in", meta.symbolsIn).
		Int("candidates", len(candidates)).
		Str("regime", meta.regime.Name).
		Dur("elapsed", elapsed).
		Msg("discovery run complete")
	return result, nil
}

// discover walks the stages in their documented order. Cancellation is
// cooperative: checked between stages, never mid-collection.
func (d *Discovery) discover(ctx context.Context, tr *trace.Tracer, meta *runMeta) ([]domain.Candidate, error) {
	session := d.clock.At(d.now())

	universe, err := d.ingestSnapshot(ctx, tr, meta)
	if err != nil {
		return nil, err
	}
	if err := checkpoint(ctx); err != nil {
		return nil, err
	}

	universe = d.snapshotStage(tr, filters.StageType, universe, filters.Type)
	universe = d.snapshotStage(tr, filters.StagePriceBand, universe, filters.PriceBand)
	universe = d.snapshotStage(tr, filters.StageLiquidity, universe, filters.Liquidity)
	universe = d.snapshotStage(tr, filters.StageStealth, universe, filters.Stealth)
	if err := checkpoint(ctx); err != nil {
		return nil, err
	}

	ranked := d.preRank(tr, universe)
	momentumBySymbol := make(map[string]float64, len(ranked))
	for _, r := range ranked {
		momentumBySymbol[r.Symbol] = r.Score
	}

	averages, err := d.lookupAverages(ctx, ranked)
	if err != nil {
		return nil, err
	}
	if err := checkpoint(ctx); err != nil {
		return nil, err
	}

	fresh, setBySymbol, err := d.freshnessGate(tr, ranked, session, meta)
	if err != nil {
		return nil, err
	}
	if err := checkpoint(ctx); err != nil {
		return nil, err
	}

	st := d.metrics.StartStageTimer(filters.StageRvol)
	tr.Enter(filters.StageRvol, len(fresh))
	survivors, rvolRejects := filters.Rvol(fresh, averages, d.cfg.Filters)
	tr.Exit(filters.StageRvol, len(survivors), rvolRejects)
	st.Stop(resultOK)

	trailing := d.fetchTrailing(ctx, survivors)
	if err := checkpoint(ctx); err != nil {
		return nil, err
	}

	st = d.metrics.StartStageTimer(filters.StagePostExplosion)
	tr.Enter(filters.StagePostExplosion, len(survivors))
	survivors, postRejects := filters.PostExplosion(survivors, trailing, d.cfg.Filters)
	tr.Exit(filters.StagePostExplosion, len(survivors), postRejects)
	st.Stop(resultOK)

	weights := d.adaptive.Weights(ctx)
	meta.regime = d.adaptive.Regime(ctx)

	candidates := d.score(tr, survivors, momentumBySymbol, setBySymbol, weights)
	candidates = d.regimeCut(tr, candidates, meta.regime)

	scoring.Sort(candidates)
	return d.rankCut(tr, candidates), nil
}

// ingestSnapshot fetches the bulk snapshot, traces source-level drops, and
// returns the universe in deterministic symbol order.
func (d *Discovery) ingestSnapshot(ctx context.Context, tr *trace.Tracer, meta *runMeta) ([]domain.Snapshot, error) {
	priceBefore, volumeBefore := d.market.DropBreakdown()

	st := d.metrics.StartStageTimer(stageSource)
	snapshot, err := d.market.BulkSnapshot(ctx)
	if err != nil {
		st.Stop(resultErr)
		return nil, fmt.Errorf("bulk snapshot: %w", err)
	}
	if len(snapshot) == 0 {
		st.Stop(resultErr)
		return nil, fmt.Errorf("bulk snapshot empty: %w", domain.ErrUpstreamUnavailable)
	}

	priceAfter, volumeAfter := d.market.DropBreakdown()
	missingPrice := int(priceAfter - priceBefore)
	missingVolume := int(volumeAfter - volumeBefore)
	meta.droppedSource = missingPrice + missingVolume
	meta.symbolsIn = len(snapshot) + meta.droppedSource
	d.metrics.UpstreamDropped.Add(float64(meta.droppedSource))

	tr.Enter(stageSource, meta.symbolsIn)
	tr.ExitHistogram(stageSource, len(snapshot), map[string]int{
		domain.ReasonMissingPrice:  missingPrice,
		domain.ReasonMissingVolume: missingVolume,
	})
	st.Stop(resultOK)

	universe := make([]domain.Snapshot, 0, len(snapshot))
	for _, s := range snapshot {
		universe = append(universe, s)
	}
	// Map order is random; the determinism contract needs a fixed order.
	sort.Slice(universe, func(i, j int) bool { return universe[i].Symbol < universe[j].Symbol })
	return universe, nil
}

func (d *Discovery) snapshotStage(tr *trace.Tracer, name string, in []domain.Snapshot,
	fn func([]domain.Snapshot, filters.Config) ([]domain.Snapshot, []trace.Rejection)) []domain.Snapshot {

	st := d.metrics.StartStageTimer(name)
	tr.Enter(name, len(in))
	out, rejected := fn(in, d.cfg.Filters)
	tr.Exit(name, len(out), rejected)
	st.Stop(resultOK)
	return out
}

func (d *Discovery) preRank(tr *trace.Tracer, universe []domain.Snapshot) []momentum.Scored {
	st := d.metrics.StartStageTimer(momentum.StageName)
	tr.Enter(momentum.StageName, len(universe))

	ranked := momentum.Rank(universe)
	trimmed := momentum.TopN(ranked, d.cfg.MomentumTopN)

	var cut []trace.Rejection
	for _, r := range ranked[len(trimmed):] {
		cut = append(cut, trace.Rejection{
			Symbol:  r.Symbol,
			Reason:  domain.ReasonMomentumRankCut,
			Details: fmt.Sprintf("ranked below top %d", d.cfg.MomentumTopN),
		})
	}
	tr.Exit(momentum.StageName, len(trimmed), cut)
	st.Stop(resultOK)
	return trimmed
}

func (d *Discovery) lookupAverages(ctx context.Context, ranked []momentum.Scored) (map[string]float64, error) {
	if len(ranked) == 0 {
		return map[string]float64{}, nil
	}
	symbols := make([]string, len(ranked))
	for i, r := range ranked {
		symbols[i] = r.Symbol
	}
	averages, err := d.volumes.Get(ctx, symbols)
	if err != nil {
		return nil, fmt.Errorf("volume averages: %v: %w", err, domain.ErrCacheEmpty)
	}
	if len(averages) == 0 {
		return nil, fmt.Errorf("no usable volume averages for %d symbols: %w", len(symbols), domain.ErrCacheEmpty)
	}
	return averages, nil
}

// freshnessGate backfills snapshot-derived quote features, builds the
// per-symbol feature sets, and applies the fail-closed gate.
func (d *Discovery) freshnessGate(tr *trace.Tracer, ranked []momentum.Scored, session domain.Session, meta *runMeta) ([]domain.Snapshot, map[string]features.Set, error) {
	now := d.now()
	sets := make([]features.Set, 0, len(ranked))
	for _, r := range ranked {
		// AsOf is the tape's last-update time; a delayed or halted symbol
		// stays stale even though this write happens now.
		d.cache.PutIfNewer(features.FeatPrice, r.Symbol, features.Feature{
			Value: r.Price, Source: features.SourceBatch, WriteTime: r.AsOf, Confidence: batchConfidence,
		})
		d.cache.PutIfNewer(features.FeatVolume, r.Symbol, features.Feature{
			Value: r.Volume, Source: features.SourceBatch, WriteTime: r.AsOf, Confidence: batchConfidence,
		})
		sets = append(sets, features.BuildSetAt(d.cache, r.Symbol, session, d.cfg.Gate, now))
	}

	st := d.metrics.StartStageTimer(features.StageName)
	tr.Enter(features.StageName, len(sets))
	kept, stale, err := d.gate.Check(sets)
	meta.staleDropped = len(stale)
	if err != nil {
		tr.Exit(features.StageName, 0, stale)
		st.Stop(resultErr)
		meta.staleTripped = true
		d.metrics.FreshnessTrips.WithLabelValues(d.cfg.Strategy).Inc()
		return nil, nil, fmt.Errorf("freshness gate: %w", err)
	}
	tr.Exit(features.StageName, len(kept), stale)
	st.Stop(resultOK)

	setBySymbol := make(map[string]features.Set, len(kept))
	for _, s := range kept {
		setBySymbol[s.Symbol] = s
	}
	fresh := make([]domain.Snapshot, 0, len(kept))
	for _, r := range ranked {
		if _, ok := setBySymbol[r.Symbol]; ok {
			fresh = append(fresh, r.Snapshot)
		}
	}
	return fresh, setBySymbol, nil
}

// fetchTrailing runs the bounded history fan-out. Per-symbol failures are
// recovered locally: a missing entry means the post-explosion gate allows.
func (d *Discovery) fetchTrailing(ctx context.Context, survivors []filters.Survivor) map[string]domain.TrailingChange {
	st := d.metrics.StartStageTimer(stageHistory)
	defer st.Stop(resultOK)

	out := make(map[string]domain.TrailingChange, len(survivors))
	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, d.cfg.HistoryWorkers)

	for _, s := range survivors {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return out
		}
		wg.Add(1)
		go func(symbol string) {
			defer wg.Done()
			defer func() { <-sem }()
			bars, err := d.market.HistoricalBars(ctx, symbol, "day", d.cfg.HistoryBars)
			if err != nil {
				d.log.Debug().Err(err).Str("symbol", symbol).Msg("no trailing history; gate will allow")
				return
			}
			tc := trailingFromBars(bars)
			mu.Lock()
			out[symbol] = tc
			mu.Unlock()
		}(s.Symbol)
	}
	wg.Wait()
	return out
}

// trailingFromBars derives 5- and 20-day percentage moves from ascending
// daily bars. Too-shallow history leaves the pointer nil, which downstream
// reads as allow.
func trailingFromBars(bars []domain.HistoricalBar) domain.TrailingChange {
	var tc domain.TrailingChange
	n := len(bars)
	if n == 0 {
		return tc
	}
	last := bars[n-1].Close
	if last <= 0 {
		return tc
	}
	if i := n - 1 - 5; i >= 0 && bars[i].Close > 0 {
		v := 100 * (last - bars[i].Close) / bars[i].Close
		tc.Change5d = &v
	}
	if i := n - 1 - 20; i >= 0 && bars[i].Close > 0 {
		v := 100 * (last - bars[i].Close) / bars[i].Close
		tc.Change20d = &v
	}
	return tc
}

func (d *Discovery) score(tr *trace.Tracer, survivors []filters.Survivor, momentumBySymbol map[string]float64, setBySymbol map[string]features.Set, weights scoring.Weights) []domain.Candidate {
	st := d.metrics.StartStageTimer(scoring.StageName)
	tr.Enter(scoring.StageName, len(survivors))

	candidates := make([]domain.Candidate, 0, len(survivors))
	for _, s := range survivors {
		set := setBySymbol[s.Symbol]
		in := scoring.Inputs{
			Momentum:      momentumBySymbol[s.Symbol],
			RVOL:          s.RVOL,
			Price:         s.Price,
			ChangePct:     s.ChangePct,
			ShortInterest: set.Value(features.FeatShortInterest),
			BorrowRate:    set.Value(features.FeatBorrowRate),
			FloatShares:   set.Value(features.FeatFloatShares),
		}
		if catalyst := set.Value(features.FeatCatalyst); catalyst != nil {
			in.Catalyst = *catalyst
		}
		match := pattern.Best(s.RVOL, s.Price, s.ChangePct, d.cfg.Archetypes)
		base := scoring.Base(in, weights)
		candidates = append(candidates, domain.Candidate{
			Symbol:               s.Symbol,
			Price:                s.Price,
			Volume:               s.Volume,
			ChangePct:            s.ChangePct,
			RVOL:                 s.RVOL,
			MomentumScore:        in.Momentum,
			PatternName:          match.Name,
			PatternSimilarity:    match.Similarity,
			BaseProbability:      base,
			ExplosionProbability: scoring.Probability(base, match.Bonus),
		})
	}
	tr.Exit(scoring.StageName, len(candidates), nil)
	st.Stop(resultOK)
	return candidates
}

// regimeCut drops candidates below the acceptance floor, then tags the
// keepers. The floor is the higher of the regime threshold and the
// configured entry minimum; tagging happens after the cut so a rejected
// candidate never carries an action tag.
func (d *Discovery) regimeCut(tr *trace.Tracer, candidates []domain.Candidate, regime learning.Regime) []domain.Candidate {
	tr.Enter(stageRegime, len(candidates))
	floor := math.Max(regime.Threshold, d.cfg.Entry.MinProbability)
	kept := make([]domain.Candidate, 0, len(candidates))
	var rejected []trace.Rejection
	for _, c := range candidates {
		if c.ExplosionProbability < floor {
			rejected = append(rejected, trace.Rejection{
				Symbol:  c.Symbol,
				Reason:  domain.ReasonBelowRegimeThreshold,
				Details: fmt.Sprintf("probability %.1f below %s floor %.1f", c.ExplosionProbability, regime.Name, floor),
			})
			continue
		}
		c.ActionTag = d.cfg.Entry.Tag(c.ExplosionProbability)
		kept = append(kept, c)
	}
	tr.Exit(stageRegime, len(kept), rejected)
	return kept
}

func (d *Discovery) rankCut(tr *trace.Tracer, candidates []domain.Candidate) []domain.Candidate {
	tr.Enter(stageRankCut, len(candidates))
	var rejected []trace.Rejection
	if len(candidates) > d.cfg.MaxCandidates {
		for _, c := range candidates[d.cfg.MaxCandidates:] {
			rejected = append(rejected, trace.Rejection{
				Symbol:  c.Symbol,
				Reason:  domain.ReasonBelowRankCut,
				Details: fmt.Sprintf("ranked below %d", d.cfg.MaxCandidates),
			})
		}
		candidates = candidates[:d.cfg.MaxCandidates]
	}
	tr.Exit(stageRankCut, len(candidates), rejected)
	return candidates
}

func (d *Discovery) runStats(meta *runMeta, candidates int, elapsed time.Duration) domain.RunStats {
	return domain.RunStats{
		SymbolsIn:         meta.symbolsIn,
		Candidates:        candidates,
		DroppedAtSource:   meta.droppedSource,
		StaleDropped:      meta.staleDropped,
		AdaptiveFallbacks: int(d.adaptive.Fallbacks() - meta.fallbacksAt),
		Regime:            meta.regime.Name,
		RegimeThreshold:   meta.regime.Threshold,
		ElapsedMS:         elapsed.Milliseconds(),
	}
}

func (d *Discovery) emptyResult(reason string, tr *trace.Tracer, meta *runMeta, elapsed time.Duration) domain.RunResult {
	result := domain.EmptyResult(d.cfg.Strategy, reason, tr.Snapshot())
	result.Stats.SymbolsIn = meta.symbolsIn
	result.Stats.DroppedAtSource = meta.droppedSource
	result.Stats.StaleDropped = meta.staleDropped
	if meta.staleTripped {
		result.Stats.StaleThreshold = d.gate.MaxStaleFraction()
	}
	result.Stats.AdaptiveFallbacks = int(d.adaptive.Fallbacks() - meta.fallbacksAt)
	result.Stats.Regime = meta.regime.Name
	result.Stats.RegimeThreshold = meta.regime.Threshold
	result.Stats.ElapsedMS = elapsed.Milliseconds()
	return result
}

func (d *Discovery) publish(result domain.RunResult) error {
	ctx, cancel := context.WithTimeout(context.Background(), publishGrace)
	defer cancel()
	return d.publisher.Publish(ctx, result)
}

func (d *Discovery) releaseLock() {
	ctx, cancel := context.WithTimeout(context.Background(), releaseGrace)
	defer cancel()
	if err := d.lock.Release(ctx); err != nil {
		d.log.Warn().Err(err).Msg("failed to release discovery lock; TTL will reclaim it")
	}
}

// checkpoint enforces cooperative cancellation at stage boundaries.
func checkpoint(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("run aborted between stages: %w", err)
	}
	return nil
}

// classifyRunError maps a fatal run error to its published reason.
func classifyRunError(err error) string {
	switch {
	case errors.Is(err, domain.ErrStaleData):
		return domain.RunReasonFailClosedStale
	case errors.Is(err, domain.ErrCacheEmpty):
		return domain.RunReasonCacheEmpty
	case errors.Is(err, domain.ErrUpstreamUnavailable):
		return domain.RunReasonUpstreamUnavailable
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, domain.ErrTimeout):
		return domain.RunReasonTimeout
	case errors.Is(err, context.Canceled):
		return domain.RunReasonCancelled
	default:
		return domain.RunReasonInternal
	}
}
