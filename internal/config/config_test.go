package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/stockrun/internal/application"
	"github.com/sawpanic/stockrun/internal/domain"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "discovery.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultDocumentMatchesApplicationDefaults(t *testing.T) {
	doc := DefaultDocument()
	require.NoError(t, doc.Validate())

	resolved, err := doc.Resolve(Options{})
	require.NoError(t, err)

	want := application.DefaultConfig()
	assert.Equal(t, want.Strategy, resolved.App.Strategy)
	assert.Equal(t, want.Filters, resolved.App.Filters)
	assert.Equal(t, want.Weights, resolved.App.Weights)
	assert.Equal(t, want.MaxCandidates, resolved.App.MaxCandidates)
	assert.Equal(t, want.RunDeadline, resolved.App.RunDeadline)
	assert.Equal(t, want.HistoryWorkers, resolved.App.HistoryWorkers)

	// Base weights pass through as written, without renormalization.
	assert.InDelta(t, 1.05, resolved.App.Weights.Sum(), 1e-9)
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	doc, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultDocument().Strategy, doc.Strategy)
	assert.Equal(t, DefaultDocument().Thresholds, doc.Thresholds)
}

func TestLoadMalformedFileFails(t *testing.T) {
	path := writeConfig(t, "strategy: [unterminated")
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadOverlaysFileOntoDefaults(t *testing.T) {
	path := writeConfig(t, `
strategy: smallcap
thresholds:
  min_rvol: 2.5
run:
  max_candidates: 10
weights:
  momentum: 0.40
`)
	doc, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "smallcap", doc.Strategy)
	assert.Equal(t, 2.5, doc.Thresholds.MinRvol)
	assert.Equal(t, 10, doc.Run.MaxCandidates)
	assert.Equal(t, 0.40, doc.Weights.Momentum)

	// Untouched sections keep their defaults.
	assert.Equal(t, DefaultDocument().Thresholds.MinPrice, doc.Thresholds.MinPrice)
	assert.Equal(t, DefaultDocument().Run.DeadlineSecs, doc.Run.DeadlineSecs)
	assert.Equal(t, DefaultDocument().Weights.Rvol, doc.Weights.Rvol)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(EnvStrategy, "afterhours")
	t.Setenv(EnvMaxCandidates, "7")

	doc, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "afterhours", doc.Strategy)
	assert.Equal(t, 7, doc.Run.MaxCandidates)
}

func TestEnvOverridesIgnoreGarbage(t *testing.T) {
	t.Setenv(EnvMaxCandidates, "many")
	t.Setenv(EnvMaxLatencyMS, "-5")

	doc, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultDocument().Run.MaxCandidates, doc.Run.MaxCandidates)
	assert.Zero(t, doc.Run.deadlineBudget)
}

func TestLatencyBudgetCapsDeadline(t *testing.T) {
	t.Setenv(EnvMaxLatencyMS, "30000")

	doc, err := Load("")
	require.NoError(t, err)
	resolved, err := doc.Resolve(Options{})
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, resolved.App.RunDeadline)
}

func TestLatencyBudgetNeverExtendsDeadline(t *testing.T) {
	t.Setenv(EnvMaxLatencyMS, "600000")

	doc, err := Load("")
	require.NoError(t, err)
	resolved, err := doc.Resolve(Options{})
	require.NoError(t, err)
	assert.Equal(t, DefaultDocument().Run.DeadlineSecs, int(resolved.App.RunDeadline/time.Second))
}

func TestPresetOverlayRenormalizesWeights(t *testing.T) {
	doc := DefaultDocument()

	resolved, err := doc.Resolve(Options{Preset: "aggressive"})
	require.NoError(t, err)

	assert.InDelta(t, 1.0, resolved.App.Weights.Sum(), 1e-9)
	// momentum and rvol were both set to 0.30; they stay equal after
	// renormalization.
	assert.InDelta(t, resolved.App.Weights.Momentum, resolved.App.Weights.Rvol, 1e-12)
	assert.Equal(t, 2.0, resolved.App.Filters.MinRvol)
	assert.Equal(t, 20.0, resolved.App.Entry.MinProbability)
}

func TestPresetWithoutWeightsKeepsBaseWeights(t *testing.T) {
	doc := DefaultDocument()

	resolved, err := doc.Resolve(Options{Relaxed: true})
	require.NoError(t, err)

	assert.InDelta(t, 1.05, resolved.App.Weights.Sum(), 1e-9)
	assert.Equal(t, 1.2, resolved.App.Filters.MinRvol)
	assert.Equal(t, -15.0, resolved.App.Filters.MinDailyChange)
	assert.Equal(t, 8.0, resolved.App.Filters.MaxDailyChange)
}

func TestRelaxedLayersOnTopOfNamedPreset(t *testing.T) {
	doc := DefaultDocument()

	resolved, err := doc.Resolve(Options{Preset: "conservative", Relaxed: true})
	require.NoError(t, err)

	// Conservative sets min_rvol 1.5, relaxed lowers it afterwards.
	assert.Equal(t, 1.2, resolved.App.Filters.MinRvol)
	// Conservative's candidate cap survives; relaxed does not touch it.
	assert.Equal(t, 25, resolved.App.MaxCandidates)
}

func TestUnknownPresetFails(t *testing.T) {
	doc := DefaultDocument()
	_, err := doc.Resolve(Options{Preset: "yolo"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "yolo")
}

func TestEmergencyOverrideForcesRelaxedUntilExpiry(t *testing.T) {
	now := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	t.Setenv(EnvEmergencyRelax, now.Add(time.Hour).Format(time.RFC3339))

	doc, err := Load("")
	require.NoError(t, err)

	resolved, err := doc.Resolve(Options{Now: func() time.Time { return now }})
	require.NoError(t, err)
	assert.True(t, resolved.EmergencyRelaxed)
	assert.Equal(t, 1.2, resolved.App.Filters.MinRvol)

	// One clock tick past the expiry the override is inert.
	after := func() time.Time { return now.Add(time.Hour) }
	resolved, err = doc.Resolve(Options{Now: after})
	require.NoError(t, err)
	assert.False(t, resolved.EmergencyRelaxed)
	assert.Equal(t, DefaultDocument().Thresholds.MinRvol, resolved.App.Filters.MinRvol)
}

func TestLimitFlagWinsOverEnv(t *testing.T) {
	t.Setenv(EnvMaxCandidates, "40")

	doc, err := Load("")
	require.NoError(t, err)
	resolved, err := doc.Resolve(Options{Limit: 5})
	require.NoError(t, err)
	assert.Equal(t, 5, resolved.App.MaxCandidates)
}

func TestGateConfigMapping(t *testing.T) {
	path := writeConfig(t, `
freshness:
  max_stale_fraction: 0.25
  threshold_secs:
    price: 15
  session_multipliers:
    premarket: 4
`)
	doc, err := Load(path)
	require.NoError(t, err)
	resolved, err := doc.Resolve(Options{})
	require.NoError(t, err)

	gate := resolved.App.Gate
	assert.Equal(t, 0.25, gate.MaxStaleFraction)
	assert.Equal(t, 15*time.Second, gate.Thresholds["price"])
	assert.Equal(t, 4.0, gate.SessionMultipliers[domain.SessionPremarket])
}

func TestPresetValidationRejectsUnknownWeight(t *testing.T) {
	doc := DefaultDocument()
	doc.Presets["typo"] = Preset{Weights: map[string]float64{"moementum": 0.3}}
	err := doc.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "moementum")
}

func TestResolveDoesNotMutateDocument(t *testing.T) {
	doc := DefaultDocument()
	before := doc.Thresholds

	_, err := doc.Resolve(Options{Relaxed: true})
	require.NoError(t, err)
	assert.Equal(t, before, doc.Thresholds)
}
