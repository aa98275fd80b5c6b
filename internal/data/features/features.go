// Package features holds the freshness-stamped feature cache and the
// fail-closed freshness gate. Every cached value carries its provenance;
// readers decide trust by age and source, never by guessing.
package features

import (
	"encoding/json"
	"time"
)

// Source tags where a feature value came from.
type Source string

const (
	SourceStream  Source = "stream"
	SourceBatch   Source = "batch"
	SourceRest    Source = "rest"
	SourceDerived Source = "derived"
)

// Stream quotes arrive milliseconds after the exchange prints them, so they
// earn a confidence boost on write, capped at 1.0.
const streamConfidenceBoost = 1.25

// Feature names. Names select the TTL class and the freshness threshold.
const (
	FeatPrice         = "price"
	FeatVolume        = "volume"
	FeatVWAP          = "vwap"
	FeatATRPct        = "atr_pct"
	FeatRelVol        = "rel_vol"
	FeatATMIV         = "atm_iv"
	FeatIVPercentile  = "iv_percentile"
	FeatCallPutRatio  = "call_put_ratio"
	FeatShortInterest = "short_interest"
	FeatBorrowRate    = "borrow_rate"
	FeatFloatShares   = "float_shares"
	FeatCatalyst      = "catalyst"
)

// Feature is one value plus provenance.
type Feature struct {
	Value      float64   `json:"v"`
	Source     Source    `json:"src"`
	WriteTime  time.Time `json:"t"`
	Confidence float64   `json:"conf"`
}

// Age of the feature relative to now.
func (f Feature) Age(now time.Time) time.Duration {
	return now.Sub(f.WriteTime)
}

// TTLConfig holds cache expiry per feature class. Quotes live seconds, bars
// tens of seconds, options a minute, short interest days.
type TTLConfig struct {
	Quote         time.Duration `yaml:"quote"`
	Bar           time.Duration `yaml:"bar"`
	Options       time.Duration `yaml:"options"`
	ShortInterest time.Duration `yaml:"short_interest"`
	Float         time.Duration `yaml:"float"`
}

func DefaultTTLConfig() TTLConfig {
	return TTLConfig{
		Quote:         10 * time.Second,
		Bar:           30 * time.Second,
		Options:       time.Minute,
		ShortInterest: 48 * time.Hour,
		Float:         7 * 24 * time.Hour,
	}
}

// For maps a feature name to its TTL class.
func (c TTLConfig) For(feature string) time.Duration {
	switch feature {
	case FeatPrice, FeatVolume:
		return c.Quote
	case FeatVWAP, FeatATRPct, FeatRelVol:
		return c.Bar
	case FeatATMIV, FeatIVPercentile, FeatCallPutRatio, FeatCatalyst:
		return c.Options
	case FeatShortInterest, FeatBorrowRate:
		return c.ShortInterest
	case FeatFloatShares:
		return c.Float
	default:
		return c.Options
	}
}

// Cache is the process-wide feature cache: initialized at start, drained at
// shutdown, entries survive individual runs. Keys are feature:symbol.
type Cache struct {
	backend Backend
	ttls    TTLConfig
	now     func() time.Time

	// OnLookup, when set, observes every Get outcome. Used to feed the
	// metrics registry without coupling this package to it.
	OnLookup func(hit bool)
}

func NewCache(backend Backend, ttls TTLConfig) *Cache {
	return &Cache{backend: backend, ttls: ttls, now: time.Now}
}

// NewAuto builds a cache on the shared Redis backend when REDIS_ADDR is set,
// otherwise in process memory.
func NewAuto(ttls TTLConfig) *Cache {
	return NewCache(NewAutoBackend(), ttls)
}

func cacheKey(feature, symbol string) string { return feature + ":" + symbol }

// Put writes a feature unconditionally, applying the stream confidence
// boost. WriteTime is stamped here if the caller left it zero.
func (c *Cache) Put(feature, symbol string, f Feature) {
	if f.WriteTime.IsZero() {
		f.WriteTime = c.now()
	}
	if f.Source == SourceStream {
		f.Confidence *= streamConfidenceBoost
	}
	if f.Confidence > 1.0 {
		f.Confidence = 1.0
	}
	if f.Confidence < 0 {
		f.Confidence = 0
	}
	b, err := json.Marshal(f)
	if err != nil {
		return
	}
	c.backend.Set(cacheKey(feature, symbol), b, c.ttls.For(feature))
}

// PutValue is the common write path: value plus provenance, stamped now.
func (c *Cache) PutValue(feature, symbol string, value float64, source Source, confidence float64) {
	c.Put(feature, symbol, Feature{Value: value, Source: source, Confidence: confidence})
}

// PutIfNewer writes f only when the cache holds nothing with a later
// WriteTime for the key. Batch backfill uses this so it never clobbers a
// fresher stream quote.
func (c *Cache) PutIfNewer(feature, symbol string, f Feature) bool {
	if f.WriteTime.IsZero() {
		f.WriteTime = c.now()
	}
	if cur, ok := c.Get(feature, symbol); ok && cur.WriteTime.After(f.WriteTime) {
		return false
	}
	c.Put(feature, symbol, f)
	return true
}

// Get returns the feature if the backend still holds it.
func (c *Cache) Get(feature, symbol string) (Feature, bool) {
	b, ok := c.backend.Get(cacheKey(feature, symbol))
	if !ok {
		c.observe(false)
		return Feature{}, false
	}
	var f Feature
	if err := json.Unmarshal(b, &f); err != nil {
		c.observe(false)
		return Feature{}, false
	}
	c.observe(true)
	return f, true
}

func (c *Cache) observe(hit bool) {
	if c.OnLookup != nil {
		c.OnLookup(hit)
	}
}

// Drain releases the backend at shutdown.
func (c *Cache) Drain() error {
	return c.backend.Close()
}
