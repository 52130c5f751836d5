package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"straddle-trading-engine/internal/gateway"
	"straddle-trading-engine/internal/indicator"
	"straddle-trading-engine/internal/ledger"
	"straddle-trading-engine/internal/market"
	"straddle-trading-engine/internal/params"
	"straddle-trading-engine/internal/risk"
	"straddle-trading-engine/internal/signal"
)

// symbolWorker owns everything per-symbol: the tick buffer, the trailing
// stops, and the cooldown clock. Only its goroutine (or, in replay mode,
// the feeding goroutine) touches that state.
type symbolWorker struct {
	eng    *Engine
	symbol string
	par    params.CoinParams
	log    zerolog.Logger

	buf   *market.TickBuffer
	stops *risk.TrailingStopManager
	ch    chan market.Tick

	lastTick         market.Tick
	hasLast          bool
	lastEntryMillis  int64
	ticksSinceSignal int
	lastATRPct       float64

	dropped    atomic.Int64
	outOfOrder atomic.Int64
	failed     atomic.Bool
}

func newSymbolWorker(e *Engine, symbol string, p params.CoinParams) *symbolWorker {
	return &symbolWorker{
		eng:    e,
		symbol: symbol,
		par:    p,
		log:    e.log.With().Str("symbol", symbol).Logger(),
		buf:    market.NewTickBuffer(symbol, e.cfg.BufferSize),
		stops:  risk.NewTrailingStopManager(e.log),
		ch:     make(chan market.Tick, e.cfg.ChannelCapacity),
	}
}

func (w *symbolWorker) recordDrop() {
	n := w.dropped.Add(1)
	if n%1000 == 1 {
		w.eng.deps.Bus.PublishTicksDropped(w.symbol, n)
	}
}

func (w *symbolWorker) droppedTicks() int64    { return w.dropped.Load() }
func (w *symbolWorker) outOfOrderTicks() int64 { return w.outOfOrder.Load() }

// run is the live-mode loop: strict tick order within the symbol, finish
// the in-flight tick on shutdown.
func (w *symbolWorker) run(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-w.ch:
			w.process(t)
		}
	}
}

// process runs the fixed per-tick step order: ingress checks, buffer
// append, indicators, stop evaluation (LONG before SHORT), then the signal
// generator on its cadence. Entries never happen on the tick that closed a
// position.
func (w *symbolWorker) process(t market.Tick) {
	if w.failed.Load() {
		return
	}

	// Ingress: drop reordered ticks, dedup reconnect replays.
	if w.hasLast {
		if t.Timestamp < w.lastTick.Timestamp {
			w.outOfOrder.Add(1)
			return
		}
		if t.Timestamp == w.lastTick.Timestamp && t.SameTrade(w.lastTick) {
			return
		}
	}
	w.lastTick = t
	w.hasLast = true

	if w.eng.deps.Paper != nil {
		w.eng.deps.Paper.Advance(t)
	}

	w.buf.Append(t)
	w.eng.deps.Ledger.MarkPrice(t.Symbol, t.Price)
	w.ticksSinceSignal++

	openBefore := w.eng.deps.Ledger.OpenCount(w.symbol)

	snap, snapOK := indicator.Compute(w.buf, w.eng.cfg.LookbackSeconds, w.eng.cfg.ATRSubWindow)
	if snapOK && snap.ATRVolValid {
		w.lastATRPct = snap.ATRVolPct()
	}

	if openBefore > 0 {
		w.managePositions(t)
		if w.failed.Load() {
			return
		}
		// The close rule watches every tick while positions are open;
		// a volatility collapse must not wait out the entry cadence.
		if snapOK && w.eng.deps.Ledger.OpenCount(w.symbol) > 0 {
			sig := signal.Evaluate(snap, w.par, t.Timestamp, w.lastEntryMillis, w.eng.deps.Ledger.OpenCount(w.symbol))
			if sig.Action == signal.CloseAll {
				w.closeAll(t)
			}
		}
		// Entries never happen on a tick that closed a position: stops
		// are honored first, and re-entry waits at least one tick.
		return
	}

	// The entry generator runs on a coarser cadence.
	if w.ticksSinceSignal < w.eng.cfg.SignalCadence || !snapOK {
		return
	}
	w.ticksSinceSignal = 0

	sig := signal.Evaluate(snap, w.par, t.Timestamp, w.lastEntryMillis, 0)
	if sig.Action == signal.EntryBoth {
		w.attemptStraddle(t, snap, sig)
	}
}

// managePositions evaluates the liquidation guard and trailing stops for
// each open position on this symbol, LONG before SHORT so simultaneous
// triggers resolve deterministically.
func (w *symbolWorker) managePositions(t market.Tick) {
	for _, side := range []ledger.Side{ledger.Long, ledger.Short} {
		pos, ok := w.eng.deps.Ledger.Position(w.symbol, side)
		if !ok {
			continue
		}

		if w.breachesLiquidationGuard(pos, t.Price) {
			w.closePosition(pos, t.Price, t.Time(), ledger.ExitLiquidationGuard)
			continue
		}

		// The stop re-derivation uses the last known good ATR; with none
		// yet, the existing stop level still guards the position.
		update, err := w.stops.Update(pos.ID, t.Price, w.lastATRPct, t.Time())
		if err != nil {
			w.fail(fmt.Errorf("%w: trailing stop for %s %s: %v", errInvariant, w.symbol, side, err))
			return
		}
		if uerr := w.eng.deps.Ledger.UpdateStop(w.symbol, side, update.Extreme, update.NewStop); uerr != nil {
			w.fail(fmt.Errorf("%w: %v", errInvariant, uerr))
			return
		}
		if update.Triggered {
			w.closePosition(pos, update.ExitPrice, t.Time(), update.ExitReason)
		}
	}
}

// breachesLiquidationGuard reports whether price has moved beyond the
// leverage-implied liquidation distance minus the configured buffer.
func (w *symbolWorker) breachesLiquidationGuard(pos *ledger.Position, price float64) bool {
	if pos.Leverage <= 1 {
		return false
	}
	liqDistance := (1.0 / float64(pos.Leverage)) * (1 - w.eng.cfg.LiquidationBuffer)
	if pos.Side == ledger.Long {
		return price <= pos.EntryPrice*(1-liqDistance)
	}
	return price >= pos.EntryPrice*(1+liqDistance)
}

// attemptStraddle opens the LONG and SHORT legs atomically: both fill or
// the surviving leg is immediately closed at market.
func (w *symbolWorker) attemptStraddle(t market.Tick, snap indicator.Snapshot, sig signal.Signal) {
	now := t.Time()
	if ok, reason := w.eng.deps.Breaker.CanTrade(now); !ok {
		w.log.Warn().Str("reason", reason).Msg("entry blocked by circuit breaker")
		return
	}

	equity := w.eng.deps.Ledger.Equity()
	notional := equity * w.par.PositionSizeFraction * float64(w.par.Leverage)
	quantity := notional / t.Price
	if quantity <= 0 {
		return
	}

	ctx := context.Background()
	longFill, err := w.eng.deps.Gateway.PlaceMarketOrder(ctx, w.symbol, gateway.Buy, quantity)
	if err != nil {
		w.log.Warn().Err(err).Msg("straddle abandoned, long leg failed")
		return
	}

	shortFill, err := w.eng.deps.Gateway.PlaceMarketOrder(ctx, w.symbol, gateway.Sell, quantity)
	if err != nil {
		// Revert: no single-sided position may survive an attempted
		// straddle.
		w.log.Error().Err(err).Msg("short leg failed, reverting long leg")
		if _, rerr := w.eng.deps.Gateway.PlaceMarketOrder(ctx, w.symbol, gateway.Sell, quantity); rerr != nil {
			w.log.Error().Err(rerr).Msg("revert order failed, manual intervention required")
		}
		return
	}

	signalID := uuid.NewString()
	atrPct := snap.ATRVolPct()

	legs := []struct {
		side ledger.Side
		fill gateway.Fill
	}{
		{ledger.Long, longFill},
		{ledger.Short, shortFill},
	}
	for _, leg := range legs {
		pos := &ledger.Position{
			ID:             uuid.NewString(),
			Symbol:         w.symbol,
			Side:           leg.side,
			EntryPrice:     leg.fill.Price,
			EntryTime:      leg.fill.Timestamp,
			Quantity:       leg.fill.Quantity,
			Leverage:       w.par.Leverage,
			ExtremePrice:   leg.fill.Price,
			OpenedBySignal: signalID,
		}
		if err := w.eng.deps.Ledger.AddPosition(pos); err != nil {
			w.fail(fmt.Errorf("%w: %v", errInvariant, err))
			return
		}
		if err := w.stops.Initialize(pos, atrPct, w.par.HardStopATRMultiplier, w.par.MinLossFloorPct); err != nil {
			w.fail(fmt.Errorf("%w: %v", errInvariant, err))
			return
		}
		stop, _ := w.stops.CurrentStop(pos.ID)
		if err := w.eng.deps.Ledger.UpdateStop(w.symbol, leg.side, leg.fill.Price, stop); err != nil {
			w.fail(fmt.Errorf("%w: %v", errInvariant, err))
			return
		}
	}

	w.lastEntryMillis = t.Timestamp
	w.eng.deps.Bus.PublishStraddleOpened(w.symbol, longFill.Price, quantity, sig.Strength, now)
	w.eng.saveSnapshot()

	w.log.Info().
		Float64("price", longFill.Price).
		Float64("qty", quantity).
		Float64("strength", sig.Strength).
		Msg("straddle opened")
}

// closeAll closes every open position for the symbol at market, LONG
// before SHORT, and restarts the cooldown clock.
func (w *symbolWorker) closeAll(t market.Tick) {
	for _, side := range []ledger.Side{ledger.Long, ledger.Short} {
		if pos, ok := w.eng.deps.Ledger.Position(w.symbol, side); ok {
			w.closePosition(pos, t.Price, t.Time(), ledger.ExitSignalClose)
		}
	}
	w.lastEntryMillis = t.Timestamp
}

// closePosition flattens one leg through the gateway and settles it in the
// ledger at the given exit reference price. A failed close order leaves
// the position open; its exits are evaluated again on the next tick and
// close it only if a trigger still holds then.
func (w *symbolWorker) closePosition(pos *ledger.Position, exitPrice float64, exitTime time.Time, reason ledger.ExitReason) {
	closeSide := gateway.Sell
	if pos.Side == ledger.Short {
		closeSide = gateway.Buy
	}

	fill, err := w.closeOrder(pos, closeSide, exitPrice, reason)
	if err != nil {
		w.log.Error().Err(err).
			Str("side", string(pos.Side)).
			Str("reason", string(reason)).
			Msg("close order failed, position stays open")
		return
	}

	// Stop exits settle at the stop price in paper/replay mode; a live
	// fill is authoritative on its own price.
	settlePrice := exitPrice
	if w.eng.deps.Paper == nil {
		settlePrice = fill.Price
	}

	equityBefore := w.eng.deps.Ledger.Equity()
	trade, err := w.eng.deps.Ledger.Close(w.symbol, pos.Side, settlePrice, exitTime, reason, fill.Maker)
	if err != nil {
		w.fail(fmt.Errorf("%w: %v", errInvariant, err))
		return
	}
	w.stops.Remove(pos.ID)

	if equityBefore != 0 {
		w.eng.deps.Breaker.RecordTrade(trade.NetPnL/equityBefore*100, exitTime)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	if err := w.eng.deps.TradeLog.Append(ctx, trade); err != nil {
		w.log.Error().Err(err).Str("position", trade.PositionID).Msg("trade log append failed")
	}
	cancel()

	w.eng.deps.Bus.PublishPositionClosed(w.symbol, string(pos.Side), string(reason), settlePrice, trade.NetPnL, exitTime)
	w.eng.deps.Bus.PublishEquityUpdate(w.eng.deps.Ledger.Equity(), exitTime)
	w.eng.saveSnapshot()

	w.log.Info().
		Str("side", string(pos.Side)).
		Str("reason", string(reason)).
		Float64("exit", settlePrice).
		Float64("net_pnl", trade.NetPnL).
		Msg("position closed")
}

// closeOrder places the flattening order. Stop-driven exits in live mode
// first try a limit at the stop price (a maker fill saves fees); an
// unfilled limit escalates to a market order. CLOSE_ALL and the
// liquidation guard go straight to market, and so does every close in
// paper/replay mode, where blocking on a future limit cross would stall
// the tick loop feeding the fills.
func (w *symbolWorker) closeOrder(pos *ledger.Position, closeSide gateway.OrderSide, exitPrice float64, reason ledger.ExitReason) (gateway.Fill, error) {
	ctx := context.Background()

	stopExit := reason == ledger.ExitTrailingStop || reason == ledger.ExitHardStop
	if w.eng.deps.Paper == nil && stopExit {
		fill, err := w.eng.deps.Gateway.PlaceLimitOrder(ctx, w.symbol, closeSide, pos.Quantity, exitPrice)
		if err == nil {
			return fill, nil
		}
		w.log.Warn().Err(err).
			Str("kind", string(gateway.KindOf(err))).
			Str("side", string(pos.Side)).
			Msg("limit close unfilled, escalating to market")
	}

	return w.eng.deps.Gateway.PlaceMarketOrder(ctx, w.symbol, closeSide, pos.Quantity)
}

// fail kills this symbol worker with a context dump. Other symbols keep
// running; manual intervention is required here.
func (w *symbolWorker) fail(err error) {
	w.failed.Store(true)
	w.log.Error().
		Err(err).
		Int("buffered_ticks", w.buf.Len()).
		Int64("last_tick_ts", w.lastTick.Timestamp).
		Float64("last_price", w.lastTick.Price).
		Int64("last_entry_ms", w.lastEntryMillis).
		Msg("symbol worker halted on invariant violation")
	w.eng.deps.Bus.PublishWorkerFailed(w.symbol, err)
}
