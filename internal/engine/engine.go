package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"straddle-trading-engine/internal/circuit"
	"straddle-trading-engine/internal/events"
	"straddle-trading-engine/internal/gateway"
	"straddle-trading-engine/internal/indicator"
	"straddle-trading-engine/internal/ledger"
	"straddle-trading-engine/internal/market"
	"straddle-trading-engine/internal/params"
	"straddle-trading-engine/internal/signal"
	"straddle-trading-engine/internal/store"
)

// Mode selects how ticks are scheduled.
type Mode int

const (
	// ModeLive runs one goroutine per symbol fed by bounded channels.
	ModeLive Mode = iota
	// ModeReplay processes ticks inline on the caller's goroutine so two
	// runs over the same recording produce identical trade logs.
	ModeReplay
)

// Config holds engine-level tuning.
type Config struct {
	Mode              Mode
	InitialEquity     float64
	LookbackSeconds   float64 // indicator window
	ATRSubWindow      int     // ticks per ATR sub-window
	SignalCadence     int     // generator runs once every N ticks
	BufferSize        int     // per-symbol tick buffer capacity
	ChannelCapacity   int     // per-symbol tick channel (live mode)
	LiquidationBuffer float64 // fraction of the leverage-implied move kept as margin headroom
}

// Defaults fills unset fields.
func (c *Config) Defaults() {
	if c.InitialEquity <= 0 {
		c.InitialEquity = 10000
	}
	if c.LookbackSeconds <= 0 {
		c.LookbackSeconds = 60
	}
	if c.ATRSubWindow <= 0 {
		c.ATRSubWindow = indicator.DefaultSubWindow
	}
	if c.SignalCadence <= 0 {
		c.SignalCadence = signal.DefaultCadence
	}
	if c.BufferSize <= 0 {
		c.BufferSize = market.DefaultBufferSize
	}
	if c.ChannelCapacity <= 0 {
		c.ChannelCapacity = 1024
	}
	if c.LiquidationBuffer <= 0 {
		c.LiquidationBuffer = 0.05
	}
}

// Deps are the engine's collaborators.
type Deps struct {
	Gateway   gateway.Gateway
	Paper     *gateway.PaperGateway // non-nil when Gateway synthesizes fills from ticks
	Ledger    *ledger.Ledger
	Bus       *events.Bus
	Breaker   *circuit.Breaker
	TradeLog  store.TradeLog
	Snapshots store.PositionSnapshots
	Logger    zerolog.Logger
}

// Engine routes ticks to per-symbol workers and owns their lifecycle. Each
// worker exclusively owns its buffer, open-position stops, and cooldown
// clock; only the ledger is shared.
type Engine struct {
	cfg   Config
	deps  Deps
	coins map[string]params.CoinParams
	log   zerolog.Logger

	mu      sync.RWMutex
	workers map[string]*symbolWorker

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New builds an engine for the given per-symbol parameters.
func New(cfg Config, coins map[string]params.CoinParams, deps Deps) *Engine {
	cfg.Defaults()
	if deps.TradeLog == nil {
		deps.TradeLog = store.NopTradeLog{}
	}
	if deps.Snapshots == nil {
		deps.Snapshots = store.NopPositionSnapshots{}
	}
	if deps.Bus == nil {
		deps.Bus = events.NewBus()
	}
	if deps.Breaker == nil {
		deps.Breaker = circuit.NewBreaker(&circuit.Config{Enabled: false}, time.Unix(0, 0))
	}

	return &Engine{
		cfg:     cfg,
		deps:    deps,
		coins:   coins,
		log:     deps.Logger.With().Str("component", "Engine").Logger(),
		workers: make(map[string]*symbolWorker),
	}
}

// Ledger exposes the shared book for snapshots and reporting.
func (e *Engine) Ledger() *ledger.Ledger {
	return e.deps.Ledger
}

// Resume restores open positions persisted by a previous run. It must be
// called before Start. Resumed stops keep their ratchet state.
func (e *Engine) Resume(ctx context.Context) error {
	positions, err := e.deps.Snapshots.Load(ctx)
	if err != nil {
		return fmt.Errorf("loading position snapshot: %w", err)
	}

	for i := range positions {
		pos := positions[i]
		p, ok := e.coins[pos.Symbol]
		if !ok {
			e.log.Warn().Str("symbol", pos.Symbol).Msg("snapshot position for unconfigured symbol, skipping")
			continue
		}
		w := e.workerFor(pos.Symbol)
		copied := pos
		if err := e.deps.Ledger.AddPosition(&copied); err != nil {
			return fmt.Errorf("restoring %s %s: %w", pos.Symbol, pos.Side, err)
		}
		if err := w.stops.Resume(&copied, p.HardStopATRMultiplier, p.MinLossFloorPct); err != nil {
			return fmt.Errorf("restoring stop for %s: %w", pos.ID, err)
		}
		e.log.Info().
			Str("symbol", pos.Symbol).
			Str("side", string(pos.Side)).
			Float64("entry", pos.EntryPrice).
			Float64("stop", pos.CurrentStop).
			Msg("position resumed")
	}
	return nil
}

// Start launches the symbol workers (live mode). In replay mode it only
// arms the context; ticks are processed inline by Feed.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return
	}
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.started = true

	for symbol := range e.coins {
		w := e.workerForLocked(symbol)
		if e.cfg.Mode == ModeLive {
			e.wg.Add(1)
			go w.run(e.ctx, &e.wg)
		}
	}

	e.deps.Bus.Publish(events.Event{Type: events.EventEngineStarted, Data: map[string]interface{}{
		"symbols": len(e.coins),
	}})
	e.log.Info().Int("symbols", len(e.coins)).Msg("engine started")
}

// Feed delivers one tick. In live mode the tick goes onto the symbol's
// bounded channel; on overflow the oldest buffered tick is dropped and
// counted, never the newest. In replay mode the tick is processed inline.
func (e *Engine) Feed(t market.Tick) {
	w := e.workerFor(t.Symbol)
	if w == nil {
		return
	}

	if e.cfg.Mode == ModeReplay {
		w.process(t)
		return
	}

	select {
	case w.ch <- t:
	default:
		// Stale ticks are valueless for live trading: drop the oldest,
		// keep the newest.
		select {
		case <-w.ch:
			w.recordDrop()
		default:
		}
		select {
		case w.ch <- t:
		default:
			w.recordDrop()
		}
	}
}

// Stop cancels the workers, waits for in-flight ticks to finish, and saves
// a final open-position snapshot. Open positions are NOT flattened:
// auto-closing on shutdown would be indistinguishable from a stop exit and
// would corrupt reported performance.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.cancel()
	e.mu.Unlock()

	e.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.deps.Snapshots.Save(ctx, e.deps.Ledger.AllOpenPositions()); err != nil {
		e.log.Error().Err(err).Msg("saving final position snapshot")
	}

	e.deps.Bus.Publish(events.Event{Type: events.EventEngineStopped, Data: map[string]interface{}{}})
	e.log.Info().Msg("engine stopped")
}

// DroppedTicks reports backpressure drops for a symbol.
func (e *Engine) DroppedTicks(symbol string) int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if w, ok := e.workers[symbol]; ok {
		return w.droppedTicks()
	}
	return 0
}

// OutOfOrderTicks reports dropped out-of-order ticks for a symbol.
func (e *Engine) OutOfOrderTicks(symbol string) int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if w, ok := e.workers[symbol]; ok {
		return w.outOfOrderTicks()
	}
	return 0
}

// WorkerFailed reports whether a symbol worker died on an invariant
// violation. Other symbols keep trading.
func (e *Engine) WorkerFailed(symbol string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if w, ok := e.workers[symbol]; ok {
		return w.failed.Load()
	}
	return false
}

func (e *Engine) workerFor(symbol string) *symbolWorker {
	e.mu.RLock()
	w, ok := e.workers[symbol]
	e.mu.RUnlock()
	if ok {
		return w
	}

	if _, configured := e.coins[symbol]; !configured {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.workerForLocked(symbol)
}

func (e *Engine) workerForLocked(symbol string) *symbolWorker {
	if w, ok := e.workers[symbol]; ok {
		return w
	}
	w := newSymbolWorker(e, symbol, e.coins[symbol])
	e.workers[symbol] = w
	return w
}

// saveSnapshot persists the open-position set after a change. Failures are
// logged, not fatal: trading continues on the in-memory state.
func (e *Engine) saveSnapshot() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.deps.Snapshots.Save(ctx, e.deps.Ledger.AllOpenPositions()); err != nil {
		e.log.Error().Err(err).Msg("saving position snapshot")
	}
}

// errInvariant marks fatal per-symbol conditions.
var errInvariant = errors.New("invariant violation")
