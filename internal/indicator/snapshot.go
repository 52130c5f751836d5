package indicator

import (
	"math"

	"straddle-trading-engine/internal/market"
)

// Snapshot is the full indicator state derived from one lookback window.
// Snapshots are ephemeral; nothing persists them. Fields whose inputs were
// insufficient are flagged invalid and the signal generator treats the
// snapshot as HOLD.
type Snapshot struct {
	Price     float64
	Timestamp int64

	VWAP        float64
	TickVol     float64
	ATRVol      float64
	HybridVol   float64
	BBUpper     float64
	BBMiddle    float64
	BBLower     float64
	BBPosition  float64 // NaN when the band is degenerate
	BBBandwidth float64
	Momentum    float64

	TickVolValid  bool
	ATRVolValid   bool
	MomentumValid bool
}

// Valid reports whether every field required by the entry rule could be
// computed. BBPosition may still be NaN for a degenerate band; the signal
// generator checks that separately.
func (s Snapshot) Valid() bool {
	return s.TickVolValid && s.ATRVolValid && s.MomentumValid
}

// HybridVolPct returns hybrid volatility relative to price.
func (s Snapshot) HybridVolPct() float64 {
	if s.Price == 0 {
		return 0
	}
	return s.HybridVol / s.Price
}

// ATRVolPct returns ATR-like volatility relative to price.
func (s Snapshot) ATRVolPct() float64 {
	if s.Price == 0 {
		return 0
	}
	return s.ATRVol / s.Price
}

// BBPositionValid reports whether the band position is numerically
// meaningful.
func (s Snapshot) BBPositionValid() bool {
	return !math.IsNaN(s.BBPosition)
}

// Compute derives a Snapshot from the ticks within lookbackSeconds of the
// buffer's newest tick. The boolean return is false when the window itself
// cannot be formed (empty buffer or insufficient span); individual
// indicators may still be flagged invalid on a true return.
func Compute(buf *market.TickBuffer, lookbackSeconds float64, atrSubWindow int) (Snapshot, bool) {
	window := buf.Since(lookbackSeconds)
	if len(window) == 0 {
		return Snapshot{}, false
	}

	newest := window[len(window)-1]
	snap := Snapshot{
		Price:     newest.Price,
		Timestamp: newest.Timestamp,
	}

	vwap, ok := VWAP(window)
	if !ok {
		return Snapshot{}, false
	}
	snap.VWAP = vwap

	snap.TickVol, snap.TickVolValid = TickVarianceVol(window)
	snap.ATRVol, snap.ATRVolValid = ATRLikeVol(window, atrSubWindow)
	snap.HybridVol = HybridVol(snap.TickVol, snap.ATRVol)

	bands := BollingerBands(snap.VWAP, snap.TickVol)
	snap.BBUpper = bands.Upper
	snap.BBMiddle = bands.Middle
	snap.BBLower = bands.Lower
	snap.BBPosition = bands.Position(newest.Price)
	snap.BBBandwidth = bands.Bandwidth()

	snap.Momentum, snap.MomentumValid = Momentum(window)

	return snap, true
}
