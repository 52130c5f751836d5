package indicator

import (
	"math"

	"straddle-trading-engine/internal/market"
)

// Design constants for the tick indicator suite. These bring the two
// volatility measures into comparable ranges and are not tunable per coin.
const (
	// TickVolScale and ATRVolScale weight the two terms of hybrid volatility.
	TickVolScale = 10.0
	ATRVolScale  = 0.2

	// BollingerK is the band width in tick-variance standard deviations.
	BollingerK = 2.0

	// DefaultSubWindow is the sub-window size for ATR-like volatility.
	DefaultSubWindow = 100

	// degenerateBandEps gates bb_position: a band narrower than
	// eps * price carries no information.
	degenerateBandEps = 1e-6
)

// ============================================================================
// PRICE AVERAGES
// ============================================================================

// VWAP calculates the volume-weighted average price over the window.
// Falls back to the arithmetic mean when total volume is zero. The second
// return is false for an empty window.
func VWAP(ticks []market.Tick) (float64, bool) {
	if len(ticks) == 0 {
		return 0, false
	}

	pvSum := 0.0
	volSum := 0.0
	priceSum := 0.0
	for _, t := range ticks {
		pvSum += t.Price * t.Volume
		volSum += t.Volume
		priceSum += t.Price
	}

	if volSum == 0 {
		return priceSum / float64(len(ticks)), true
	}
	return pvSum / volSum, true
}

// ============================================================================
// VOLATILITY
// ============================================================================

// TickVarianceVol calculates the sample standard deviation of absolute
// tick-to-tick price changes across the window. Requires at least 2 ticks.
func TickVarianceVol(ticks []market.Tick) (float64, bool) {
	if len(ticks) < 2 {
		return 0, false
	}

	changes := make([]float64, 0, len(ticks)-1)
	sum := 0.0
	for i := 1; i < len(ticks); i++ {
		c := math.Abs(ticks[i].Price - ticks[i-1].Price)
		changes = append(changes, c)
		sum += c
	}

	if len(changes) < 2 {
		return 0, true
	}

	mean := sum / float64(len(changes))
	variance := 0.0
	for _, c := range changes {
		diff := c - mean
		variance += diff * diff
	}

	return math.Sqrt(variance / float64(len(changes)-1)), true
}

// ATRLikeVol partitions the window into non-overlapping sub-windows of
// subWindow ticks and returns the mean high-minus-low range of those
// sub-windows. Analogous to ATR without candles. Requires at least one full
// sub-window.
func ATRLikeVol(ticks []market.Tick, subWindow int) (float64, bool) {
	if subWindow <= 0 {
		subWindow = DefaultSubWindow
	}
	if len(ticks) < subWindow {
		return 0, false
	}

	rangeSum := 0.0
	windows := 0
	// Partition from the newest end so a partial leftover chunk at the
	// oldest end is discarded, not a full window.
	for end := len(ticks); end-subWindow >= 0; end -= subWindow {
		chunk := ticks[end-subWindow : end]
		high := chunk[0].Price
		low := chunk[0].Price
		for _, t := range chunk[1:] {
			if t.Price > high {
				high = t.Price
			}
			if t.Price < low {
				low = t.Price
			}
		}
		rangeSum += high - low
		windows++
	}

	return rangeSum / float64(windows), true
}

// HybridVol combines the two volatility measures. The max (not min) form is
// essential: the min collapses to the tick-variance term and never triggers
// entries.
func HybridVol(tickVol, atrVol float64) float64 {
	return math.Max(tickVol*TickVolScale, atrVol*ATRVolScale)
}

// ============================================================================
// BOLLINGER BANDS
// ============================================================================

// Bands holds VWAP-centred Bollinger band levels.
type Bands struct {
	Upper  float64
	Middle float64
	Lower  float64
}

// BollingerBands builds bands at VWAP plus/minus BollingerK tick-variance
// standard deviations.
func BollingerBands(vwap, tickVol float64) Bands {
	return Bands{
		Upper:  vwap + BollingerK*tickVol,
		Middle: vwap,
		Lower:  vwap - BollingerK*tickVol,
	}
}

// Position returns the fractional location of price inside the band.
// A band narrower than degenerateBandEps * price carries no information
// and yields NaN.
func (b Bands) Position(price float64) float64 {
	width := b.Upper - b.Lower
	if width <= degenerateBandEps*price {
		return math.NaN()
	}
	return (price - b.Lower) / width
}

// Bandwidth returns the band width relative to the middle band.
func (b Bands) Bandwidth() float64 {
	if b.Middle == 0 {
		return 0
	}
	return (b.Upper - b.Lower) / b.Middle
}

// ============================================================================
// MOMENTUM
// ============================================================================

// Momentum calculates the relative price change from the earliest tick in
// the window to the newest.
func Momentum(ticks []market.Tick) (float64, bool) {
	if len(ticks) < 2 {
		return 0, false
	}
	then := ticks[0].Price
	now := ticks[len(ticks)-1].Price
	if then == 0 {
		return 0, false
	}
	return (now - then) / then, true
}
