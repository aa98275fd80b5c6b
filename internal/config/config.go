// Package config loads the discovery document, applies preset and environment
// overlays, and resolves everything into the per-run configurations the
// composition root hands to collaborators. Resolution happens once per
// invocation; nothing downstream re-reads files or the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sawpanic/stockrun/internal/application"
	"github.com/sawpanic/stockrun/internal/data/features"
	"github.com/sawpanic/stockrun/internal/domain"
	"github.com/sawpanic/stockrun/internal/domain/filters"
	"github.com/sawpanic/stockrun/internal/domain/pattern"
	"github.com/sawpanic/stockrun/internal/domain/scoring"
	"github.com/sawpanic/stockrun/internal/infrastructure/db"
	redisinfra "github.com/sawpanic/stockrun/internal/infrastructure/redis"
	"github.com/sawpanic/stockrun/internal/providers/learning"
	"github.com/sawpanic/stockrun/internal/providers/polygon"
)

// Environment overrides. Values override the document; CLI flags override
// both. Secrets (POLYGON_API_KEY, REDIS_PASSWORD, PG_DSN, STREAM_API_KEY)
// come from the environment only and never appear in the document.
const (
	EnvStrategy       = "STOCKRUN_STRATEGY"
	EnvMaxCandidates  = "STOCKRUN_MAX_CANDIDATES"
	EnvMaxLatencyMS   = "STOCKRUN_MAX_LATENCY_MS"
	EnvEmergencyRelax = "STOCKRUN_EMERGENCY_RELAX_UNTIL" // RFC3339; forces the relaxed preset until it expires
)

// PresetRelaxed is applied by --relaxed and by an unexpired emergency
// override.
const PresetRelaxed = "relaxed"

// Document is the on-disk discovery configuration. Durations are integers
// with the unit in the field name; Resolve converts them.
type Document struct {
	Strategy string `yaml:"strategy"`

	Weights    scoring.Weights    `yaml:"weights"`
	EntryRules scoring.EntryRules `yaml:"entry_rules"`
	Thresholds filters.Config     `yaml:"thresholds"`

	Freshness  FreshnessSection     `yaml:"freshness"`
	TTLs       TTLSection           `yaml:"feature_ttls"`
	Sessions   domain.SessionConfig `yaml:"sessions"`
	Archetypes []pattern.Archetype  `yaml:"archetypes"`

	Momentum MomentumSection `yaml:"momentum"`
	Run      RunSection      `yaml:"run"`

	Presets map[string]Preset `yaml:"presets"`

	Polygon  PolygonSection  `yaml:"polygon"`
	Learning LearningSection `yaml:"learning"`
	Redis    RedisSection    `yaml:"redis"`
	Database DatabaseSection `yaml:"database"`

	// Set from EnvEmergencyRelax during Load; zero when absent. The
	// expiry comparison happens in Resolve so the clock is injectable.
	emergencyRelaxUntil time.Time
}

// FreshnessSection configures the staleness gate.
type FreshnessSection struct {
	MaxStaleFraction   float64            `yaml:"max_stale_fraction"`
	ThresholdSecs      map[string]int     `yaml:"threshold_secs"`
	SessionMultipliers map[string]float64 `yaml:"session_multipliers"`
	CriticalFeatures   []string           `yaml:"critical_features"`
}

// TTLSection configures feature-cache lifetimes.
type TTLSection struct {
	QuoteSecs          int `yaml:"quote_secs"`
	BarSecs            int `yaml:"bar_secs"`
	OptionsSecs        int `yaml:"options_secs"`
	ShortInterestHours int `yaml:"short_interest_hours"`
	FloatHours         int `yaml:"float_hours"`
}

type MomentumSection struct {
	// TopN trims the pre-ranked universe before enrichment; 0 means no
	// trim.
	TopN int `yaml:"top_n"`
}

// RunSection bounds a single discovery run.
type RunSection struct {
	MaxCandidates  int `yaml:"max_candidates"`
	DeadlineSecs   int `yaml:"deadline_secs"`
	HistoryWorkers int `yaml:"history_workers"`
	HistoryBars    int `yaml:"history_bars"`

	// Latency budget from EnvMaxLatencyMS; caps the deadline, never
	// extends it.
	deadlineBudget time.Duration
}

type PolygonSection struct {
	BaseURL           string `yaml:"base_url"`
	BearerAuth        bool   `yaml:"bearer_auth"`
	BulkTimeoutSecs   int    `yaml:"bulk_timeout_secs"`
	SymbolTimeoutSecs int    `yaml:"symbol_timeout_secs"`
}

type LearningSection struct {
	BaseURL       string  `yaml:"base_url"`
	TimeoutMS     int     `yaml:"timeout_ms"`
	MinConfidence float64 `yaml:"min_confidence"`
}

type RedisSection struct {
	Addr          string `yaml:"addr"`
	DB            int    `yaml:"db"`
	LockTTLSecs   int    `yaml:"lock_ttl_secs"`
	ResultTTLSecs int    `yaml:"result_ttl_secs"`
}

type DatabaseSection struct {
	Enabled             bool `yaml:"enabled"`
	MaxOpenConns        int  `yaml:"max_open_conns"`
	MaxIdleConns        int  `yaml:"max_idle_conns"`
	ConnMaxLifetimeMins int  `yaml:"conn_max_lifetime_mins"`
	QueryTimeoutSecs    int  `yaml:"query_timeout_secs"`
	StaleWindowHours    int  `yaml:"stale_window_hours"`
}

// Preset is a named overlay. Pointer fields distinguish "absent" from an
// explicit zero; weights merge per component onto the base set and the
// result is renormalized to sum 1.
type Preset struct {
	Weights map[string]float64 `yaml:"weights"`

	MinPrice       *float64 `yaml:"min_price"`
	MaxPrice       *float64 `yaml:"max_price"`
	MinVolume      *float64 `yaml:"min_volume"`
	MinDailyChange *float64 `yaml:"min_daily_change"`
	MaxDailyChange *float64 `yaml:"max_daily_change"`
	MinRvol        *float64 `yaml:"min_rvol"`
	MinProbability *float64 `yaml:"min_probability"`
	MaxCandidates  *int     `yaml:"max_candidates"`
}

// DefaultDocument returns the built-in configuration: the same values as the
// checked-in config/discovery.yaml, so a missing file is not fatal.
func DefaultDocument() *Document {
	appDefaults := application.DefaultConfig()
	gate := features.DefaultGateConfig()
	ttls := features.DefaultTTLConfig()

	thresholdSecs := make(map[string]int, len(gate.Thresholds))
	for feat, d := range gate.Thresholds {
		thresholdSecs[feat] = int(d / time.Second)
	}
	multipliers := make(map[string]float64, len(gate.SessionMultipliers))
	for sess, m := range gate.SessionMultipliers {
		multipliers[string(sess)] = m
	}

	return &Document{
		Strategy:   appDefaults.Strategy,
		Weights:    scoring.DefaultWeights(),
		EntryRules: scoring.DefaultEntryRules(),
		Thresholds: filters.DefaultConfig(),
		Freshness: FreshnessSection{
			MaxStaleFraction:   gate.MaxStaleFraction,
			ThresholdSecs:      thresholdSecs,
			SessionMultipliers: multipliers,
			CriticalFeatures:   gate.CriticalFeatures,
		},
		TTLs: TTLSection{
			QuoteSecs:          int(ttls.Quote / time.Second),
			BarSecs:            int(ttls.Bar / time.Second),
			OptionsSecs:        int(ttls.Options / time.Second),
			ShortInterestHours: int(ttls.ShortInterest / time.Hour),
			FloatHours:         int(ttls.Float / time.Hour),
		},
		Sessions:   domain.DefaultSessionConfig(),
		Archetypes: pattern.DefaultArchetypes(),
		Momentum:   MomentumSection{TopN: appDefaults.MomentumTopN},
		Run: RunSection{
			MaxCandidates:  appDefaults.MaxCandidates,
			DeadlineSecs:   int(appDefaults.RunDeadline / time.Second),
			HistoryWorkers: appDefaults.HistoryWorkers,
			HistoryBars:    appDefaults.HistoryBars,
		},
		Presets: DefaultPresets(),
		Polygon: PolygonSection{
			BaseURL:           polygon.DefaultConfig().BaseURL,
			BulkTimeoutSecs:   int(polygon.DefaultConfig().BulkTimeout / time.Second),
			SymbolTimeoutSecs: int(polygon.DefaultConfig().SymbolTimeout / time.Second),
		},
		Learning: LearningSection{
			TimeoutMS:     int(learning.DefaultConfig().Timeout / time.Millisecond),
			MinConfidence: learning.DefaultConfig().MinConfidence,
		},
		Redis: RedisSection{
			Addr:          redisinfra.DefaultConfig().Addr,
			LockTTLSecs:   int(redisinfra.DefaultConfig().LockTTL / time.Second),
			ResultTTLSecs: int(redisinfra.DefaultConfig().ResultTTL / time.Second),
		},
		Database: DatabaseSection{
			MaxOpenConns:        db.DefaultConfig().MaxOpenConns,
			MaxIdleConns:        db.DefaultConfig().MaxIdleConns,
			ConnMaxLifetimeMins: int(db.DefaultConfig().ConnMaxLifetime / time.Minute),
			QueryTimeoutSecs:    int(db.DefaultConfig().QueryTimeout / time.Second),
			StaleWindowHours:    int(db.DefaultConfig().StaleWindow / time.Hour),
		},
	}
}

// DefaultPresets mirrors the checked-in preset table. "default" is the
// identity overlay.
func DefaultPresets() map[string]Preset {
	return map[string]Preset{
		"default": {},
		"aggressive": {
			Weights:        map[string]float64{"momentum": 0.30, "rvol": 0.30, "catalyst": 0.15},
			MinRvol:        ptr(2.0),
			MinProbability: ptr(20.0),
		},
		"conservative": {
			Weights:       map[string]float64{"momentum": 0.20, "rvol": 0.20, "catalyst": 0.25},
			MinRvol:       ptr(1.5),
			MinVolume:     ptr(250_000.0),
			MaxCandidates: ptrInt(25),
		},
		PresetRelaxed: {
			MinRvol:        ptr(1.2),
			MinDailyChange: ptr(-15.0),
			MaxDailyChange: ptr(8.0),
		},
	}
}

func ptr(v float64) *float64 { return &v }
func ptrInt(v int) *int      { return &v }

// Load reads the document at path, backfills defaults for absent sections,
// and applies environment overrides. A missing file yields the built-in
// defaults; a malformed file is an error.
func Load(path string) (*Document, error) {
	doc := DefaultDocument()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
			if err := yaml.Unmarshal(data, doc); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	applyEnvOverrides(doc)

	if err := doc.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return doc, nil
}

// applyEnvOverrides layers feature-flag environment variables over the
// document. Unparseable values are ignored rather than fatal.
func applyEnvOverrides(doc *Document) {
	if strategy := os.Getenv(EnvStrategy); strategy != "" {
		doc.Strategy = strategy
	}
	if maxCand := os.Getenv(EnvMaxCandidates); maxCand != "" {
		if v, err := strconv.Atoi(maxCand); err == nil && v > 0 {
			doc.Run.MaxCandidates = v
		}
	}
	if latency := os.Getenv(EnvMaxLatencyMS); latency != "" {
		if v, err := strconv.Atoi(latency); err == nil && v > 0 {
			doc.Run.deadlineBudget = time.Duration(v) * time.Millisecond
		}
	}
	if until := os.Getenv(EnvEmergencyRelax); until != "" {
		if ts, err := time.Parse(time.RFC3339, until); err == nil {
			doc.emergencyRelaxUntil = ts
		}
	}
}

// Validate checks the document's own consistency; collaborator configs are
// validated again by their constructors after Resolve.
func (d *Document) Validate() error {
	if d.Strategy == "" {
		return fmt.Errorf("strategy cannot be empty")
	}
	if err := d.Weights.Validate(); err != nil {
		return fmt.Errorf("weights: %w", err)
	}
	if err := d.EntryRules.Validate(); err != nil {
		return fmt.Errorf("entry_rules: %w", err)
	}
	if err := d.Thresholds.Validate(); err != nil {
		return fmt.Errorf("thresholds: %w", err)
	}
	if d.Freshness.MaxStaleFraction <= 0 || d.Freshness.MaxStaleFraction > 1 {
		return fmt.Errorf("freshness max_stale_fraction %f outside (0, 1]", d.Freshness.MaxStaleFraction)
	}
	if d.Run.MaxCandidates <= 0 {
		return fmt.Errorf("run max_candidates %d must be positive", d.Run.MaxCandidates)
	}
	if d.Run.DeadlineSecs <= 0 {
		return fmt.Errorf("run deadline_secs %d must be positive", d.Run.DeadlineSecs)
	}
	for name, preset := range d.Presets {
		if err := preset.Validate(); err != nil {
			return fmt.Errorf("preset %s: %w", name, err)
		}
	}
	for i, a := range d.Archetypes {
		if a.Name == "" {
			return fmt.Errorf("archetype %d has no name", i)
		}
		if a.Weight <= 0 {
			return fmt.Errorf("archetype %s weight %f must be positive", a.Name, a.Weight)
		}
	}
	return nil
}

func (p Preset) Validate() error {
	for name, v := range p.Weights {
		if !knownWeight(name) {
			return fmt.Errorf("unknown weight component %q", name)
		}
		if v < 0 {
			return fmt.Errorf("negative weight %s=%f", name, v)
		}
	}
	if p.MinRvol != nil && *p.MinRvol <= 0 {
		return fmt.Errorf("min_rvol %f must be positive", *p.MinRvol)
	}
	if p.MaxCandidates != nil && *p.MaxCandidates <= 0 {
		return fmt.Errorf("max_candidates %d must be positive", *p.MaxCandidates)
	}
	return nil
}

func knownWeight(name string) bool {
	switch name {
	case "momentum", "rvol", "catalyst", "price_inverse", "change",
		"short_interest", "borrow_rate", "float_inverse":
		return true
	}
	return false
}

// Options are the CLI-level knobs applied during resolution. Flags win over
// environment overrides, which win over the document.
type Options struct {
	// Preset names an overlay from the document's preset table; empty
	// means the document values as written.
	Preset string

	// Relaxed layers the relaxed preset on top of any named preset.
	Relaxed bool

	// Limit overrides max candidates when positive.
	Limit int

	// Now is the clock used for the emergency-override expiry check.
	// Defaults to time.Now.
	Now func() time.Time
}

// Resolved bundles everything the composition root constructs collaborators
// from. App carries the per-run pipeline configuration; the rest are
// collaborator configs with secrets already pulled from the environment.
type Resolved struct {
	App      application.Config
	TTLs     features.TTLConfig
	Sessions domain.SessionConfig
	Polygon  polygon.Config
	Learning learning.Config
	Redis    redisinfra.Config
	Database db.Config

	// EmergencyRelaxed reports that the relaxed preset was forced by an
	// unexpired emergency override.
	EmergencyRelaxed bool
}

// Resolve applies presets and option overrides and converts the document
// into collaborator configurations. The document itself is not mutated.
func (d *Document) Resolve(opts Options) (Resolved, error) {
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	cfg := application.Config{
		Strategy:       d.Strategy,
		Filters:        d.Thresholds,
		Gate:           d.gateConfig(),
		Weights:        d.Weights,
		Entry:          d.EntryRules,
		Archetypes:     d.Archetypes,
		MomentumTopN:   d.Momentum.TopN,
		MaxCandidates:  d.Run.MaxCandidates,
		RunDeadline:    d.runDeadline(),
		HistoryWorkers: d.Run.HistoryWorkers,
		HistoryBars:    d.Run.HistoryBars,
	}

	resolved := Resolved{
		TTLs:     d.ttlConfig(),
		Sessions: d.Sessions,
		Polygon:  d.polygonConfig(),
		Learning: d.learningConfig(),
		Redis:    d.redisConfig(),
		Database: d.databaseConfig(),
	}

	if opts.Preset != "" {
		if err := d.applyPreset(&cfg, opts.Preset); err != nil {
			return Resolved{}, err
		}
	}

	relaxed := opts.Relaxed
	if !d.emergencyRelaxUntil.IsZero() && now().Before(d.emergencyRelaxUntil) {
		relaxed = true
		resolved.EmergencyRelaxed = true
	}
	if relaxed {
		if err := d.applyPreset(&cfg, PresetRelaxed); err != nil {
			return Resolved{}, err
		}
	}

	if opts.Limit > 0 {
		cfg.MaxCandidates = opts.Limit
	}

	if err := cfg.Validate(); err != nil {
		return Resolved{}, fmt.Errorf("resolved config: %w", err)
	}
	resolved.App = cfg
	return resolved, nil
}

// applyPreset overlays one named preset onto cfg. Overlaid weights are
// renormalized to sum 1; the document's base weights pass through as
// written.
func (d *Document) applyPreset(cfg *application.Config, name string) error {
	preset, ok := d.Presets[name]
	if !ok {
		return fmt.Errorf("unknown preset %q", name)
	}

	if len(preset.Weights) > 0 {
		w := cfg.Weights
		for component, v := range preset.Weights {
			switch component {
			case "momentum":
				w.Momentum = v
			case "rvol":
				w.Rvol = v
			case "catalyst":
				w.Catalyst = v
			case "price_inverse":
				w.PriceInverse = v
			case "change":
				w.Change = v
			case "short_interest":
				w.ShortInterest = v
			case "borrow_rate":
				w.BorrowRate = v
			case "float_inverse":
				w.FloatInverse = v
			}
		}
		cfg.Weights = w.Normalized()
	}

	if preset.MinPrice != nil {
		cfg.Filters.MinPrice = *preset.MinPrice
	}
	if preset.MaxPrice != nil {
		cfg.Filters.MaxPrice = *preset.MaxPrice
	}
	if preset.MinVolume != nil {
		cfg.Filters.MinVolume = *preset.MinVolume
	}
	if preset.MinDailyChange != nil {
		cfg.Filters.MinDailyChange = *preset.MinDailyChange
	}
	if preset.MaxDailyChange != nil {
		cfg.Filters.MaxDailyChange = *preset.MaxDailyChange
	}
	if preset.MinRvol != nil {
		cfg.Filters.MinRvol = *preset.MinRvol
	}
	if preset.MinProbability != nil {
		cfg.Entry.MinProbability = *preset.MinProbability
	}
	if preset.MaxCandidates != nil {
		cfg.MaxCandidates = *preset.MaxCandidates
	}
	return nil
}

func (d *Document) gateConfig() features.GateConfig {
	gate := features.DefaultGateConfig()
	gate.MaxStaleFraction = d.Freshness.MaxStaleFraction
	if len(d.Freshness.ThresholdSecs) > 0 {
		gate.Thresholds = make(map[string]time.Duration, len(d.Freshness.ThresholdSecs))
		for feat, secs := range d.Freshness.ThresholdSecs {
			gate.Thresholds[feat] = time.Duration(secs) * time.Second
		}
	}
	if len(d.Freshness.SessionMultipliers) > 0 {
		gate.SessionMultipliers = make(map[domain.Session]float64, len(d.Freshness.SessionMultipliers))
		for sess, m := range d.Freshness.SessionMultipliers {
			gate.SessionMultipliers[domain.Session(sess)] = m
		}
	}
	if len(d.Freshness.CriticalFeatures) > 0 {
		gate.CriticalFeatures = d.Freshness.CriticalFeatures
	}
	return gate
}

func (d *Document) ttlConfig() features.TTLConfig {
	ttls := features.DefaultTTLConfig()
	if d.TTLs.QuoteSecs > 0 {
		ttls.Quote = time.Duration(d.TTLs.QuoteSecs) * time.Second
	}
	if d.TTLs.BarSecs > 0 {
		ttls.Bar = time.Duration(d.TTLs.BarSecs) * time.Second
	}
	if d.TTLs.OptionsSecs > 0 {
		ttls.Options = time.Duration(d.TTLs.OptionsSecs) * time.Second
	}
	if d.TTLs.ShortInterestHours > 0 {
		ttls.ShortInterest = time.Duration(d.TTLs.ShortInterestHours) * time.Hour
	}
	if d.TTLs.FloatHours > 0 {
		ttls.Float = time.Duration(d.TTLs.FloatHours) * time.Hour
	}
	return ttls
}

func (d *Document) runDeadline() time.Duration {
	deadline := time.Duration(d.Run.DeadlineSecs) * time.Second
	if d.Run.deadlineBudget > 0 && d.Run.deadlineBudget < deadline {
		return d.Run.deadlineBudget
	}
	return deadline
}

func (d *Document) polygonConfig() polygon.Config {
	cfg := polygon.DefaultConfig()
	if d.Polygon.BaseURL != "" {
		cfg.BaseURL = d.Polygon.BaseURL
	}
	cfg.BearerAuth = d.Polygon.BearerAuth
	if d.Polygon.BulkTimeoutSecs > 0 {
		cfg.BulkTimeout = time.Duration(d.Polygon.BulkTimeoutSecs) * time.Second
	}
	if d.Polygon.SymbolTimeoutSecs > 0 {
		cfg.SymbolTimeout = time.Duration(d.Polygon.SymbolTimeoutSecs) * time.Second
	}
	cfg.APIKey = os.Getenv("POLYGON_API_KEY")
	return cfg
}

func (d *Document) learningConfig() learning.Config {
	cfg := learning.DefaultConfig()
	cfg.BaseURL = d.Learning.BaseURL
	if d.Learning.TimeoutMS > 0 {
		cfg.Timeout = time.Duration(d.Learning.TimeoutMS) * time.Millisecond
	}
	if d.Learning.MinConfidence > 0 {
		cfg.MinConfidence = d.Learning.MinConfidence
	}
	return cfg
}

func (d *Document) redisConfig() redisinfra.Config {
	cfg := redisinfra.DefaultConfig()
	if d.Redis.Addr != "" {
		cfg.Addr = d.Redis.Addr
	}
	cfg.DB = d.Redis.DB
	if d.Redis.LockTTLSecs > 0 {
		cfg.LockTTL = time.Duration(d.Redis.LockTTLSecs) * time.Second
	}
	if d.Redis.ResultTTLSecs > 0 {
		cfg.ResultTTL = time.Duration(d.Redis.ResultTTLSecs) * time.Second
	}
	cfg.Password = os.Getenv("REDIS_PASSWORD")
	return cfg
}

func (d *Document) databaseConfig() db.Config {
	cfg := db.DefaultConfig()
	cfg.Enabled = d.Database.Enabled
	if d.Database.MaxOpenConns > 0 {
		cfg.MaxOpenConns = d.Database.MaxOpenConns
	}
	if d.Database.MaxIdleConns > 0 {
		cfg.MaxIdleConns = d.Database.MaxIdleConns
	}
	if d.Database.ConnMaxLifetimeMins > 0 {
		cfg.ConnMaxLifetime = time.Duration(d.Database.ConnMaxLifetimeMins) * time.Minute
	}
	if d.Database.QueryTimeoutSecs > 0 {
		cfg.QueryTimeout = time.Duration(d.Database.QueryTimeoutSecs) * time.Second
	}
	if d.Database.StaleWindowHours > 0 {
		cfg.StaleWindow = time.Duration(d.Database.StaleWindowHours) * time.Hour
	}
	if dsn := os.Getenv("PG_DSN"); dsn != "" {
		cfg.DSN = dsn
		cfg.Enabled = true
	}
	if enabled := os.Getenv("PG_ENABLED"); enabled != "" {
		if v, err := strconv.ParseBool(enabled); err == nil {
			cfg.Enabled = v
		}
	}
	return cfg
}
