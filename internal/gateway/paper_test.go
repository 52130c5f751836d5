package gateway

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"straddle-trading-engine/internal/market"
)

func tick(symbol string, ts int64, price float64) market.Tick {
	return market.Tick{Symbol: symbol, Timestamp: ts, Price: price, Volume: 1}
}

func TestMarketOrderFillsAtContemporaneousTick(t *testing.T) {
	g := NewPaperGateway(true)
	g.Advance(tick("BTCUSDT", 1000, 50000))

	fill, err := g.PlaceMarketOrder(context.Background(), "BTCUSDT", Buy, 0.5)
	require.NoError(t, err)
	assert.InDelta(t, 50000.0, fill.Price, 1e-9)
	assert.InDelta(t, 0.5, fill.Quantity, 1e-9)
	assert.False(t, fill.Maker)
}

func TestMarketOrderWithoutMarketData(t *testing.T) {
	g := NewPaperGateway(true)

	_, err := g.PlaceMarketOrder(context.Background(), "ETHUSDT", Buy, 1)
	require.Error(t, err)
	assert.Equal(t, KindRejected, KindOf(err))
}

func TestMarketOrderRejectsBadQuantity(t *testing.T) {
	g := NewPaperGateway(true)
	g.Advance(tick("BTCUSDT", 1000, 50000))

	_, err := g.PlaceMarketOrder(context.Background(), "BTCUSDT", Sell, 0)
	assert.Equal(t, KindRejected, KindOf(err))
}

func TestLimitOrderImmediateCross(t *testing.T) {
	g := NewPaperGateway(true)
	g.Advance(tick("BTCUSDT", 1000, 50000))

	// Buy limit above the market crosses immediately, fills at the limit.
	fill, err := g.PlaceLimitOrder(context.Background(), "BTCUSDT", Buy, 1, 50100)
	require.NoError(t, err)
	assert.InDelta(t, 50100.0, fill.Price, 1e-9)
	assert.True(t, fill.Maker)
}

func TestLimitOrderFillsOnFutureCross(t *testing.T) {
	g := NewPaperGateway(true)
	g.Advance(tick("BTCUSDT", 1000, 50000))

	var wg sync.WaitGroup
	wg.Add(1)
	var fill Fill
	var err error
	go func() {
		defer wg.Done()
		fill, err = g.PlaceLimitOrder(context.Background(), "BTCUSDT", Buy, 1, 49900)
	}()

	// Give the order time to park, then cross it.
	time.Sleep(20 * time.Millisecond)
	g.Advance(tick("BTCUSDT", 2000, 49850))
	wg.Wait()

	require.NoError(t, err)
	assert.InDelta(t, 49900.0, fill.Price, 1e-9)
}

func TestLimitOrderTickTimeTimeout(t *testing.T) {
	g := NewPaperGateway(true)
	g.Advance(tick("BTCUSDT", 1000, 50000))

	var wg sync.WaitGroup
	wg.Add(1)
	var err error
	go func() {
		defer wg.Done()
		_, err = g.PlaceLimitOrder(context.Background(), "BTCUSDT", Buy, 1, 49000)
	}()

	// Advance tick time past the 30s limit wait without crossing.
	time.Sleep(20 * time.Millisecond)
	g.Advance(tick("BTCUSDT", 40_000, 50000))
	wg.Wait()

	require.Error(t, err)
	assert.Equal(t, KindUnfilledTimeout, KindOf(err))
}

func TestLimitOrderContextCancel(t *testing.T) {
	g := NewPaperGateway(true)
	g.Advance(tick("BTCUSDT", 1000, 50000))

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	var err error
	go func() {
		defer wg.Done()
		_, err = g.PlaceLimitOrder(ctx, "BTCUSDT", Buy, 1, 49000)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	wg.Wait()

	assert.Equal(t, KindTimeout, KindOf(err))
}

func TestAdvanceIsPerSymbol(t *testing.T) {
	g := NewPaperGateway(true)
	g.Advance(tick("BTCUSDT", 1000, 50000))
	g.Advance(tick("ETHUSDT", 1000, 3000))

	p, ok := g.LastPrice("BTCUSDT")
	require.True(t, ok)
	assert.InDelta(t, 50000.0, p, 1e-9)

	p, ok = g.LastPrice("ETHUSDT")
	require.True(t, ok)
	assert.InDelta(t, 3000.0, p, 1e-9)
}
