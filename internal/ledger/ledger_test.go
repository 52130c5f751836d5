package ledger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPosition(id, symbol string, side Side, entry, qty float64, lev int) *Position {
	return &Position{
		ID:           id,
		Symbol:       symbol,
		Side:         side,
		EntryPrice:   entry,
		EntryTime:    time.UnixMilli(0),
		Quantity:     qty,
		Leverage:     lev,
		ExtremePrice: entry,
	}
}

func TestAddPositionRejectsSameSide(t *testing.T) {
	l := New(10000)

	require.NoError(t, l.AddPosition(newPosition("a", "BTCUSDT", Long, 100, 1, 10)))
	require.NoError(t, l.AddPosition(newPosition("b", "BTCUSDT", Short, 100, 1, 10)))
	assert.Equal(t, 2, l.OpenCount("BTCUSDT"))

	err := l.AddPosition(newPosition("c", "BTCUSDT", Long, 101, 1, 10))
	assert.ErrorIs(t, err, ErrSideOccupied)
}

func TestCloseUnknownPosition(t *testing.T) {
	l := New(10000)
	_, err := l.Close("BTCUSDT", Long, 100, time.Now(), ExitTrailingStop, false)
	assert.ErrorIs(t, err, ErrPositionNotFound)
}

// Two-way close asymmetry: straddle entered at 100, SHORT stopped at 101.5,
// LONG stopped at 102.5, qty 1, leverage 10, taker 0.05%, slippage 0.01%.
func TestTwoWayCloseAsymmetry(t *testing.T) {
	l := New(10000)
	require.NoError(t, l.AddPosition(newPosition("long", "BTCUSDT", Long, 100, 1, 10)))
	require.NoError(t, l.AddPosition(newPosition("short", "BTCUSDT", Short, 100, 1, 10)))

	shortTrade, err := l.Close("BTCUSDT", Short, 101.5, time.UnixMilli(1000), ExitTrailingStop, false)
	require.NoError(t, err)
	// (100*0.9999 - 101.5*1.0001) * 1 * 10
	assert.InDelta(t, -15.2015, shortTrade.GrossPnL, 1e-9)
	assert.InDelta(t, 0.10075, shortTrade.FeesPaid, 1e-9)
	assert.InDelta(t, -15.30225, shortTrade.NetPnL, 1e-9)

	longTrade, err := l.Close("BTCUSDT", Long, 102.5, time.UnixMilli(2000), ExitTrailingStop, false)
	require.NoError(t, err)
	// (102.5*0.9999 - 100*1.0001) * 1 * 10
	assert.InDelta(t, 24.7975, longTrade.GrossPnL, 1e-9)
	assert.InDelta(t, 0.10125, longTrade.FeesPaid, 1e-9)
	assert.InDelta(t, 24.69625, longTrade.NetPnL, 1e-9)

	combined := shortTrade.NetPnL + longTrade.NetPnL
	assert.InDelta(t, 9.394, combined, 1e-9)
	assert.InDelta(t, 10000+combined, l.Equity(), 1e-9)
	assert.Equal(t, 0, l.OpenCount("BTCUSDT"))
}

func TestNetPnLInvariant(t *testing.T) {
	l := New(10000)
	require.NoError(t, l.AddPosition(newPosition("a", "ETHUSDT", Long, 2000, 0.5, 5)))

	tr, err := l.Close("ETHUSDT", Long, 2050, time.Now(), ExitTrailingStop, false)
	require.NoError(t, err)
	assert.InDelta(t, tr.GrossPnL-tr.FeesPaid, tr.NetPnL, 1e-9)
}

func TestMakerFeeOnLimitFilledClose(t *testing.T) {
	l := New(10000)
	require.NoError(t, l.AddPosition(newPosition("a", "BTCUSDT", Long, 100, 1, 1)))

	tr, err := l.Close("BTCUSDT", Long, 110, time.Now(), ExitSignalClose, true)
	require.NoError(t, err)
	assert.InDelta(t, (100+110)*1*DefaultMakerFeeRate, tr.FeesPaid, 1e-9)
}

func TestEquityAndFeeAccounting(t *testing.T) {
	l := New(10000)

	var netSum, feeSum float64
	for i := 0; i < 5; i++ {
		pos := newPosition(string(rune('a'+i)), "BTCUSDT", Long, 100, 1, 2)
		require.NoError(t, l.AddPosition(pos))
		tr, err := l.Close("BTCUSDT", Long, 100+float64(i-2), time.Now(), ExitTrailingStop, false)
		require.NoError(t, err)
		netSum += tr.NetPnL
		feeSum += tr.FeesPaid
	}

	trades := l.ClosedTrades()
	require.Len(t, trades, 5)

	var feeTotal float64
	for _, tr := range trades {
		feeTotal += tr.FeesPaid
	}
	assert.InDelta(t, feeTotal, l.TotalFees(), 1e-9)
	assert.InDelta(t, feeSum, l.TotalFees(), 1e-9)
	assert.InDelta(t, 10000+netSum, l.Equity(), 1e-9)
}

func TestPerformanceSnapshot(t *testing.T) {
	l := New(10000)
	now := time.Now()

	// One win, one loss.
	require.NoError(t, l.AddPosition(newPosition("w", "BTCUSDT", Long, 100, 1, 10)))
	win, err := l.Close("BTCUSDT", Long, 105, now, ExitTrailingStop, false)
	require.NoError(t, err)
	require.Greater(t, win.NetPnL, 0.0)

	require.NoError(t, l.AddPosition(newPosition("l", "BTCUSDT", Long, 100, 1, 10)))
	loss, err := l.Close("BTCUSDT", Long, 98, now, ExitHardStop, false)
	require.NoError(t, err)
	require.Less(t, loss.NetPnL, 0.0)

	// One open SHORT marked to the last price.
	require.NoError(t, l.AddPosition(newPosition("o", "ETHUSDT", Short, 2000, 1, 5)))
	l.MarkPrice("ETHUSDT", 1990)

	snap := l.Performance(now)
	assert.InDelta(t, 50.0, snap.WinRate, 1e-9)
	assert.Equal(t, 1, snap.OpenPositionCount)
	assert.Equal(t, 2, snap.TradesToday)
	assert.InDelta(t, (2000-1990)*1*5, snap.UnrealizedPnL, 1e-9)
	assert.InDelta(t, win.NetPnL/(-loss.NetPnL), snap.ProfitFactor, 1e-9)
	assert.InDelta(t, win.NetPnL+loss.NetPnL, snap.RealizedNetPnL, 1e-9)
	assert.Greater(t, snap.MaxDrawdownPct, 0.0)
}

// Fee-dominated unprofitability: 5000 round trips at 50% win rate with
// +$4.50 wins, -$3.50 losses, and $16 fees per trade must net out deeply
// negative. Any engine reporting a positive figure here is fee-incorrect.
func TestFeeDominatedUnprofitability(t *testing.T) {
	l := New(1_000_000)
	l.SetCostRates(0.0005, 0.0002, 0) // slippage off so gross is exact

	// Around a 16000 entry the round-trip taker fee is ~$16:
	// (16000+~16000) * 1 * 0.0005.
	const entry = 16000.0
	var net float64
	for i := 0; i < 5000; i++ {
		exit := entry + 4.50 // winning round trip, gross +$4.50
		if i%2 == 1 {
			exit = entry - 3.50 // losing round trip, gross -$3.50
		}
		require.NoError(t, l.AddPosition(newPosition("p", "BTCUSDT", Long, entry, 1, 1)))
		tr, err := l.Close("BTCUSDT", Long, exit, time.Now(), ExitTrailingStop, false)
		require.NoError(t, err)
		net += tr.NetPnL
	}

	// 2500*(4.50-16) + 2500*(-3.50-16) ≈ -77,500.
	assert.InDelta(t, -77500.0, net, 20.0)
	assert.InDelta(t, net, l.Equity()-1_000_000, 1e-6)
}
