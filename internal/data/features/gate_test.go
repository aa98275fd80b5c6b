package features

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/stockrun/internal/domain"
)

// putAged writes a feature with an explicit write time so age checks can be
// exercised without sleeping. The TTLs are raised so the backend keeps the
// entry around long enough to be judged stale by the gate.
func agedCache() *Cache {
	ttls := TTLConfig{
		Quote:         time.Hour,
		Bar:           time.Hour,
		Options:       time.Hour,
		ShortInterest: time.Hour,
		Float:         time.Hour,
	}
	return NewCache(NewMemoryBackend(), ttls)
}

func putAged(c *Cache, feature, symbol string, age time.Duration, now time.Time) {
	c.Put(feature, symbol, Feature{
		Value:      1.0,
		Source:     SourceBatch,
		WriteTime:  now.Add(-age),
		Confidence: 1.0,
	})
}

func TestBuildSetFresh(t *testing.T) {
	c := agedCache()
	now := time.Now()
	putAged(c, FeatPrice, "X", time.Second, now)
	putAged(c, FeatVolume, "X", time.Second, now)
	putAged(c, FeatShortInterest, "X", time.Hour/2, now)

	s := BuildSetAt(c, "X", domain.SessionRegular, DefaultGateConfig(), now)

	assert.True(t, s.IsFresh)
	assert.Empty(t, s.FreshnessFailures)
	require.NotNil(t, s.Price)
	require.NotNil(t, s.Volume)
	require.NotNil(t, s.ShortInterest)
	assert.Nil(t, s.ATMIV) // never written, non-critical, no failure
}

func TestBuildSetMissingCritical(t *testing.T) {
	c := agedCache()
	now := time.Now()
	putAged(c, FeatPrice, "X", time.Second, now)
	// volume never written

	s := BuildSetAt(c, "X", domain.SessionRegular, DefaultGateConfig(), now)

	assert.False(t, s.IsFresh)
	assert.Contains(t, s.FreshnessFailures, "missing_volume")
}

func TestBuildSetStaleCritical(t *testing.T) {
	c := agedCache()
	now := time.Now()
	putAged(c, FeatPrice, "X", 5*time.Minute, now) // regular threshold is 60s
	putAged(c, FeatVolume, "X", time.Second, now)

	s := BuildSetAt(c, "X", domain.SessionRegular, DefaultGateConfig(), now)

	assert.False(t, s.IsFresh)
	assert.Contains(t, s.FreshnessFailures, "stale_price")
	assert.Nil(t, s.Price, "stale values must not be attached")
}

func TestBuildSetStaleOptionalDegrades(t *testing.T) {
	c := agedCache()
	now := time.Now()
	putAged(c, FeatPrice, "X", time.Second, now)
	putAged(c, FeatVolume, "X", time.Second, now)
	putAged(c, FeatATMIV, "X", time.Hour/2, now) // options threshold is 10m

	s := BuildSetAt(c, "X", domain.SessionRegular, DefaultGateConfig(), now)

	assert.True(t, s.IsFresh, "stale optional must not drop the symbol")
	assert.Contains(t, s.FreshnessFailures, "stale_atm_iv")
	assert.Nil(t, s.ATMIV)
}

func TestSessionMultipliers(t *testing.T) {
	c := agedCache()
	now := time.Now()
	// 100s old quote: stale during regular (60s), fresh in afterhours (180s).
	putAged(c, FeatPrice, "X", 100*time.Second, now)
	putAged(c, FeatVolume, "X", 100*time.Second, now)

	regular := BuildSetAt(c, "X", domain.SessionRegular, DefaultGateConfig(), now)
	after := BuildSetAt(c, "X", domain.SessionAfterhours, DefaultGateConfig(), now)

	assert.False(t, regular.IsFresh)
	assert.True(t, after.IsFresh)
}

func TestGateThreshold(t *testing.T) {
	cfg := DefaultGateConfig()
	assert.Equal(t, 60*time.Second, cfg.Threshold(FeatPrice, domain.SessionRegular))
	assert.Equal(t, 2*time.Minute, cfg.Threshold(FeatPrice, domain.SessionPremarket))
	assert.Equal(t, 3*time.Minute, cfg.Threshold(FeatPrice, domain.SessionAfterhours))
	assert.Equal(t, 6*time.Minute, cfg.Threshold(FeatPrice, domain.SessionClosed))
	assert.Equal(t, time.Duration(0), cfg.Threshold("unknown", domain.SessionRegular))
}

func freshSet(symbol string) Set {
	return Set{Symbol: symbol, IsFresh: true}
}

func staleSet(symbol string) Set {
	return Set{Symbol: symbol, IsFresh: false, FreshnessFailures: []string{"stale_price"}}
}

func TestGatePassesBelowThreshold(t *testing.T) {
	g := NewGate(DefaultGateConfig())

	sets := []Set{freshSet("A"), freshSet("B"), freshSet("C"), staleSet("D")}
	kept, rejected, err := g.Check(sets)

	require.NoError(t, err)
	assert.Len(t, kept, 3)
	require.Len(t, rejected, 1)
	assert.Equal(t, "D", rejected[0].Symbol)
	assert.Equal(t, domain.ReasonStaleFeatures, rejected[0].Reason)
}

func TestGateFailsClosedAtThreshold(t *testing.T) {
	g := NewGate(DefaultGateConfig())

	// Exactly 40% stale trips the gate: >= comparison.
	sets := []Set{freshSet("A"), freshSet("B"), freshSet("C"), staleSet("D"), staleSet("E")}
	kept, rejected, err := g.Check(sets)

	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrStaleData))
	assert.Nil(t, kept)
	assert.Len(t, rejected, 2)
}

func TestGateScenarioSixtyOfHundred(t *testing.T) {
	g := NewGate(DefaultGateConfig())

	sets := make([]Set, 0, 100)
	for i := 0; i < 60; i++ {
		sets = append(sets, staleSet(fmt.Sprintf("S%02d", i)))
	}
	for i := 0; i < 40; i++ {
		sets = append(sets, freshSet(fmt.Sprintf("F%02d", i)))
	}

	kept, rejected, err := g.Check(sets)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrStaleData))
	assert.Nil(t, kept)
	assert.Len(t, rejected, 60)
	assert.InDelta(t, 0.6, g.StaleFraction(sets), 1e-9)
}

func TestGateEmptyInput(t *testing.T) {
	g := NewGate(DefaultGateConfig())
	kept, rejected, err := g.Check(nil)
	require.NoError(t, err)
	assert.Empty(t, kept)
	assert.Empty(t, rejected)
}

func TestGateConfigValidate(t *testing.T) {
	require.NoError(t, DefaultGateConfig().Validate())

	bad := DefaultGateConfig()
	bad.MaxStaleFraction = 0
	require.Error(t, bad.Validate())

	bad = DefaultGateConfig()
	bad.CriticalFeatures = nil
	require.Error(t, bad.Validate())
}

func TestSetValueAccessor(t *testing.T) {
	si := Feature{Value: 22.5}
	s := Set{ShortInterest: &si}

	v := s.Value(FeatShortInterest)
	require.NotNil(t, v)
	assert.Equal(t, 22.5, *v)
	assert.Nil(t, s.Value(FeatBorrowRate))
	assert.Nil(t, s.Value(FeatFloatShares))
}
