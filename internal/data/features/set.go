package features

import (
	"time"

	"github.com/sawpanic/stockrun/internal/domain"
)

// Set is the per-symbol feature view handed to the freshness gate and the
// scorer. Nil fields mean the feature was missing or too old to trust; the
// engine treats both the same and never substitutes a value.
type Set struct {
	Symbol  string
	Session domain.Session

	Price         *Feature
	Volume        *Feature
	VWAP          *Feature
	ATRPct        *Feature
	RelVol        *Feature
	ATMIV         *Feature
	IVPercentile  *Feature
	CallPutRatio  *Feature
	ShortInterest *Feature
	BorrowRate    *Feature
	FloatShares   *Feature
	Catalyst      *Feature

	// FreshnessFailures lists critical missing/stale features plus any
	// non-critical feature that was present but stale.
	FreshnessFailures []string
	IsFresh           bool
}

// BuildSet assembles the feature set for one symbol from the cache, checking
// each feature's age against the session-adjusted threshold.
func BuildSet(cache *Cache, symbol string, session domain.Session, cfg GateConfig) Set {
	return BuildSetAt(cache, symbol, session, cfg, time.Now())
}

func BuildSetAt(cache *Cache, symbol string, session domain.Session, cfg GateConfig, now time.Time) Set {
	s := Set{Symbol: symbol, Session: session, IsFresh: true}

	critical := make(map[string]bool, len(cfg.CriticalFeatures))
	for _, name := range cfg.CriticalFeatures {
		critical[name] = true
	}

	fields := []struct {
		name string
		dest **Feature
	}{
		{FeatPrice, &s.Price},
		{FeatVolume, &s.Volume},
		{FeatVWAP, &s.VWAP},
		{FeatATRPct, &s.ATRPct},
		{FeatRelVol, &s.RelVol},
		{FeatATMIV, &s.ATMIV},
		{FeatIVPercentile, &s.IVPercentile},
		{FeatCallPutRatio, &s.CallPutRatio},
		{FeatShortInterest, &s.ShortInterest},
		{FeatBorrowRate, &s.BorrowRate},
		{FeatFloatShares, &s.FloatShares},
		{FeatCatalyst, &s.Catalyst},
	}
	for _, fld := range fields {
		f, ok := cache.Get(fld.name, symbol)
		if !ok {
			if critical[fld.name] {
				s.FreshnessFailures = append(s.FreshnessFailures, "missing_"+fld.name)
				s.IsFresh = false
			}
			continue
		}
		if th := cfg.Threshold(fld.name, session); th > 0 && f.Age(now) > th {
			s.FreshnessFailures = append(s.FreshnessFailures, "stale_"+fld.name)
			if critical[fld.name] {
				s.IsFresh = false
			}
			continue
		}
		cp := f
		*fld.dest = &cp
	}
	return s
}

// Value reads a named optional feature as a pointer for the scorer. Only
// fresh features were attached, so presence implies trust.
func (s Set) Value(feature string) *float64 {
	var f *Feature
	switch feature {
	case FeatShortInterest:
		f = s.ShortInterest
	case FeatBorrowRate:
		f = s.BorrowRate
	case FeatFloatShares:
		f = s.FloatShares
	case FeatCatalyst:
		f = s.Catalyst
	}
	if f == nil {
		return nil
	}
	v := f.Value
	return &v
}
