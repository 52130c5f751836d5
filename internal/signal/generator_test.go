package signal

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"straddle-trading-engine/internal/indicator"
	"straddle-trading-engine/internal/params"
)

// entrySnapshot builds a snapshot that satisfies the conservative entry
// rule: hybrid 0.10%, atr 0.40%, band position 0.50, tight bandwidth.
func entrySnapshot(price float64) indicator.Snapshot {
	return indicator.Snapshot{
		Price:         price,
		VWAP:          price,
		TickVol:       price * 0.0001,
		ATRVol:        price * 0.004,
		HybridVol:     price * 0.001,
		BBPosition:    0.5,
		BBBandwidth:   0.0004,
		Momentum:      0.0005,
		TickVolValid:  true,
		ATRVolValid:   true,
		MomentumValid: true,
	}
}

func TestEntryAllConditionsMet(t *testing.T) {
	p := params.Defaults("BTCUSDT", params.VariantConservative)

	sig := Evaluate(entrySnapshot(100), p, 1_000_000, 0, 0)
	assert.Equal(t, EntryBoth, sig.Action)
	assert.GreaterOrEqual(t, sig.Strength, 0.5)
	assert.LessOrEqual(t, sig.Strength, 1.0)
}

func TestEntryBlockedByExclusion(t *testing.T) {
	p := params.Defaults("BTCUSDT", params.VariantConservative)
	p.Excluded = true

	sig := Evaluate(entrySnapshot(100), p, 1_000_000, 0, 0)
	assert.Equal(t, Hold, sig.Action)
}

// Entry gated by cooldown: entry admissible at t=0, blocked at t=100s,
// admissible again at t=301s.
func TestEntryGatedByCooldown(t *testing.T) {
	p := params.Defaults("BTCUSDT", params.VariantConservative) // cooldown 300s
	snap := entrySnapshot(100)

	first := Evaluate(snap, p, 0, 0, 0)
	assert.Equal(t, EntryBoth, first.Action)

	blocked := Evaluate(snap, p, 100_000, 1, 0) // entered at ~t=0
	assert.Equal(t, Hold, blocked.Action)
	assert.Equal(t, "cooldown", blocked.Reason)

	again := Evaluate(snap, p, 301_000, 1, 0)
	assert.Equal(t, EntryBoth, again.Action)
}

func TestEntryBlockedWhilePositionsOpen(t *testing.T) {
	p := params.Defaults("BTCUSDT", params.VariantConservative)

	sig := Evaluate(entrySnapshot(100), p, 1_000_000, 0, 2)
	assert.NotEqual(t, EntryBoth, sig.Action)
}

func TestEntryBlockedByVolatilityThresholds(t *testing.T) {
	p := params.Defaults("BTCUSDT", params.VariantConservative)

	low := entrySnapshot(100)
	low.HybridVol = 100 * 0.0001 // below 0.04%
	assert.Equal(t, Hold, Evaluate(low, p, 1_000_000, 0, 0).Action)

	low = entrySnapshot(100)
	low.ATRVol = 100 * 0.0005 // below 0.15%
	assert.Equal(t, Hold, Evaluate(low, p, 1_000_000, 0, 0).Action)
}

func TestEntryBlockedOutsideBandWindow(t *testing.T) {
	p := params.Defaults("BTCUSDT", params.VariantConservative) // window (0.40, 0.60)

	snap := entrySnapshot(100)
	snap.BBPosition = 0.30
	assert.Equal(t, Hold, Evaluate(snap, p, 1_000_000, 0, 0).Action)

	snap.BBPosition = 0.70
	assert.Equal(t, Hold, Evaluate(snap, p, 1_000_000, 0, 0).Action)
}

func TestEntryBlockedByDegenerateBand(t *testing.T) {
	p := params.Defaults("BTCUSDT", params.VariantConservative)

	snap := entrySnapshot(100)
	snap.BBPosition = math.NaN()
	assert.Equal(t, Hold, Evaluate(snap, p, 1_000_000, 0, 0).Action)
}

func TestUndefinedIndicatorsHold(t *testing.T) {
	p := params.Defaults("BTCUSDT", params.VariantConservative)

	snap := entrySnapshot(100)
	snap.ATRVolValid = false
	assert.Equal(t, Hold, Evaluate(snap, p, 1_000_000, 0, 0).Action)
}

func TestSelectiveRequiresMomentum(t *testing.T) {
	p := params.Defaults("BTCUSDT", params.VariantSelective)

	snap := entrySnapshot(100)
	snap.HybridVol = 100 * 0.001 // above the stricter 0.08% bar
	snap.ATRVol = 100 * 0.004
	snap.BBPosition = 0.5
	snap.Momentum = 5e-5 // below the 1e-4 floor
	assert.Equal(t, Hold, Evaluate(snap, p, 1_000_000, 0, 0).Action)

	snap.Momentum = 2e-4
	assert.Equal(t, EntryBoth, Evaluate(snap, p, 1_000_000, 0, 0).Action)
}

func TestCloseOnVolatilityCollapse(t *testing.T) {
	p := params.Defaults("BTCUSDT", params.VariantConservative)

	snap := entrySnapshot(100)
	snap.HybridVol = 0.5
	snap.ATRVol = 6.0 // hybrid < 0.1 * atr

	sig := Evaluate(snap, p, 1_000_000, 0, 2)
	assert.Equal(t, CloseAll, sig.Action)
}

func TestCloseOnBandExcursion(t *testing.T) {
	p := params.Defaults("BTCUSDT", params.VariantConservative)

	snap := entrySnapshot(100)
	snap.BBPosition = 0.05
	assert.Equal(t, CloseAll, Evaluate(snap, p, 1_000_000, 0, 1).Action)

	snap.BBPosition = 0.95
	assert.Equal(t, CloseAll, Evaluate(snap, p, 1_000_000, 0, 1).Action)

	snap.BBPosition = 0.5
	assert.Equal(t, Hold, Evaluate(snap, p, 1_000_000, 0, 1).Action)
}

func TestStrengthScore(t *testing.T) {
	p := params.Defaults("BTCUSDT", params.VariantConservative)

	// Fully compressed band, fully expanded ATR: strength 1.
	snap := entrySnapshot(100)
	snap.BBBandwidth = 0
	snap.ATRVol = 100 * p.ATRVolThresholdPct * 2
	assert.InDelta(t, 1.0, Strength(snap, p), 1e-9)

	// Band at threshold width and zero ATR: strength 0.
	snap.BBBandwidth = p.BBBandwidthThreshold
	snap.ATRVol = 0
	assert.InDelta(t, 0.0, Strength(snap, p), 1e-9)

	// Halfway on both components.
	snap.BBBandwidth = p.BBBandwidthThreshold / 2
	snap.ATRVol = 100 * p.ATRVolThresholdPct / 2
	assert.InDelta(t, 0.5, Strength(snap, p), 1e-9)
}
