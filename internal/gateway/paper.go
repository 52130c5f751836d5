package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"straddle-trading-engine/internal/ledger"
	"straddle-trading-engine/internal/market"
)

// PaperGateway synthesizes fills from the live tick stream (paper trading)
// or from a replayed recording (backtest). Market orders fill at the
// symbol's contemporaneous tick price; limit orders fill when a future tick
// crosses the limit, or time out.
type PaperGateway struct {
	mu         sync.Mutex
	lastTicks  map[string]market.Tick
	pending    []*pendingLimit
	limitWait  time.Duration
	synchronous bool // replay mode: no real waiting, timeouts resolve on Advance
}

type pendingLimit struct {
	symbol   string
	side     OrderSide
	quantity float64
	limit    float64
	placedAt int64 // tick-time millis
	done     chan limitResult
}

type limitResult struct {
	fill Fill
	err  error
}

// NewPaperGateway creates a paper gateway. In synchronous (replay) mode
// limit-order waits are measured in tick time and resolved by Advance; in
// live-paper mode they are wall-clock bounded.
func NewPaperGateway(synchronous bool) *PaperGateway {
	return &PaperGateway{
		lastTicks:   make(map[string]market.Tick),
		limitWait:   LimitOrderDeadline,
		synchronous: synchronous,
	}
}

// Advance feeds the next tick. The engine calls this before processing the
// tick so fills are contemporaneous with it. Pending limit orders are
// matched or expired against the new tick.
func (g *PaperGateway) Advance(t market.Tick) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.lastTicks[t.Symbol] = t

	remaining := g.pending[:0]
	for _, p := range g.pending {
		if p.symbol != t.Symbol {
			remaining = append(remaining, p)
			continue
		}
		crossed := (p.side == Buy && t.Price <= p.limit) ||
			(p.side == Sell && t.Price >= p.limit)
		if crossed {
			p.done <- limitResult{fill: Fill{
				Symbol:    p.symbol,
				Side:      p.side,
				Quantity:  p.quantity,
				Price:     p.limit,
				Timestamp: t.Time(),
				FeeRate:   ledger.DefaultMakerFeeRate,
				Maker:     true,
			}}
			continue
		}
		if t.Timestamp-p.placedAt > g.limitWait.Milliseconds() {
			p.done <- limitResult{err: &OrderError{Kind: KindUnfilledTimeout, Err: errors.New("limit not crossed within wait window")}}
			continue
		}
		remaining = append(remaining, p)
	}
	g.pending = remaining
}

// LastPrice returns the most recent tick price seen for a symbol.
func (g *PaperGateway) LastPrice(symbol string) (float64, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.lastTicks[symbol]
	return t.Price, ok
}

// PlaceMarketOrder fills immediately at the contemporaneous tick price.
func (g *PaperGateway) PlaceMarketOrder(ctx context.Context, symbol string, side OrderSide, quantity float64) (Fill, error) {
	if err := ctx.Err(); err != nil {
		return Fill{}, &OrderError{Kind: KindTimeout, Err: err}
	}
	if quantity <= 0 {
		return Fill{}, &OrderError{Kind: KindRejected, Err: errors.New("non-positive quantity")}
	}

	g.mu.Lock()
	tick, ok := g.lastTicks[symbol]
	g.mu.Unlock()
	if !ok {
		return Fill{}, &OrderError{Kind: KindRejected, Err: errors.New("no market data for symbol")}
	}

	return Fill{
		Symbol:    symbol,
		Side:      side,
		Quantity:  quantity,
		Price:     tick.Price,
		Timestamp: tick.Time(),
		FeeRate:   ledger.DefaultTakerFeeRate,
	}, nil
}

// PlaceLimitOrder parks the order until a tick crosses the limit price. In
// synchronous mode the caller must keep Advancing ticks from another
// goroutine or the order only resolves by context cancellation.
func (g *PaperGateway) PlaceLimitOrder(ctx context.Context, symbol string, side OrderSide, quantity, limitPrice float64) (Fill, error) {
	if quantity <= 0 || limitPrice <= 0 {
		return Fill{}, &OrderError{Kind: KindRejected, Err: errors.New("invalid limit order")}
	}

	g.mu.Lock()
	last, ok := g.lastTicks[symbol]
	if !ok {
		g.mu.Unlock()
		return Fill{}, &OrderError{Kind: KindRejected, Err: errors.New("no market data for symbol")}
	}

	// Immediate cross: fill at the limit against the current tick.
	if (side == Buy && last.Price <= limitPrice) || (side == Sell && last.Price >= limitPrice) {
		g.mu.Unlock()
		return Fill{
			Symbol:    symbol,
			Side:      side,
			Quantity:  quantity,
			Price:     limitPrice,
			Timestamp: last.Time(),
			FeeRate:   ledger.DefaultMakerFeeRate,
			Maker:     true,
		}, nil
	}

	p := &pendingLimit{
		symbol:   symbol,
		side:     side,
		quantity: quantity,
		limit:    limitPrice,
		placedAt: last.Timestamp,
		done:     make(chan limitResult, 1),
	}
	g.pending = append(g.pending, p)
	g.mu.Unlock()

	if g.synchronous {
		select {
		case res := <-p.done:
			return res.fill, res.err
		case <-ctx.Done():
			g.cancelPending(p)
			return Fill{}, &OrderError{Kind: KindTimeout, Err: ctx.Err()}
		}
	}

	timer := time.NewTimer(g.limitWait)
	defer timer.Stop()
	select {
	case res := <-p.done:
		return res.fill, res.err
	case <-timer.C:
		g.cancelPending(p)
		return Fill{}, &OrderError{Kind: KindUnfilledTimeout, Err: errors.New("limit not crossed within wait window")}
	case <-ctx.Done():
		g.cancelPending(p)
		return Fill{}, &OrderError{Kind: KindTimeout, Err: ctx.Err()}
	}
}

func (g *PaperGateway) cancelPending(target *pendingLimit) {
	g.mu.Lock()
	defer g.mu.Unlock()
	remaining := g.pending[:0]
	for _, p := range g.pending {
		if p != target {
			remaining = append(remaining, p)
		}
	}
	g.pending = remaining
}
