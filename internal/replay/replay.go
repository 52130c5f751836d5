package replay

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"straddle-trading-engine/internal/circuit"
	"straddle-trading-engine/internal/engine"
	"straddle-trading-engine/internal/events"
	"straddle-trading-engine/internal/gateway"
	"straddle-trading-engine/internal/ledger"
	"straddle-trading-engine/internal/market"
	"straddle-trading-engine/internal/params"
)

// Result contains replay performance metrics.
type Result struct {
	TotalTrades   int
	WinningTrades int
	LosingTrades  int
	WinRate       float64
	NetProfit     float64
	ROI           float64 // return on initial equity, percent
	ProfitFactor  float64
	MaxDrawdown   float64
	TotalFees     float64
	FinalEquity   float64
	Trades        []ledger.Trade
	EquityCurve   []EquityPoint
}

// EquityPoint is account equity after a close.
type EquityPoint struct {
	Timestamp time.Time
	Equity    float64
}

// Runner drives the engine over a recorded tick stream. Ticks are
// processed inline in input order, so two runs over the same recording
// produce identical closed-trade logs.
type Runner struct {
	cfg     engine.Config
	coins   map[string]params.CoinParams
	breaker *circuit.Config
	log     zerolog.Logger
}

// NewRunner builds a replay runner. A nil breaker config disables the
// circuit breaker for the run.
func NewRunner(cfg engine.Config, coins map[string]params.CoinParams, breaker *circuit.Config, logger zerolog.Logger) *Runner {
	cfg.Mode = engine.ModeReplay
	if breaker == nil {
		breaker = &circuit.Config{Enabled: false}
	}
	return &Runner{cfg: cfg, coins: coins, breaker: breaker, log: logger}
}

// Run replays the recording and settles the results. The recording must be
// ordered per symbol; out-of-order ticks are dropped by the engine exactly
// as in live mode.
func (r *Runner) Run(ticks []market.Tick) (*Result, error) {
	if len(ticks) == 0 {
		return nil, fmt.Errorf("replay: empty recording")
	}

	paper := gateway.NewPaperGateway(true)
	book := ledger.New(r.cfg.InitialEquity)
	bus := events.NewBus()
	breaker := circuit.NewBreaker(r.breaker, ticks[0].Time())

	var curve []EquityPoint
	bus.Subscribe(events.EventEquityUpdate, func(ev events.Event) {
		if eq, ok := ev.Data["equity"].(float64); ok {
			curve = append(curve, EquityPoint{Timestamp: ev.Timestamp, Equity: eq})
		}
	})

	eng := engine.New(r.cfg, r.coins, engine.Deps{
		Gateway: paper,
		Paper:   paper,
		Ledger:  book,
		Bus:     bus,
		Breaker: breaker,
		Logger:  r.log,
	})

	eng.Start(context.Background())
	for _, t := range ticks {
		eng.Feed(t)
	}
	eng.Stop()

	return r.settle(book, curve), nil
}

func (r *Runner) settle(book *ledger.Ledger, curve []EquityPoint) *Result {
	trades := book.ClosedTrades()

	res := &Result{
		TotalTrades: len(trades),
		TotalFees:   book.TotalFees(),
		FinalEquity: book.Equity(),
		NetProfit:   book.Equity() - r.cfg.InitialEquity,
		Trades:      trades,
		EquityCurve: curve,
	}

	var winSum, lossSum float64
	for _, tr := range trades {
		if tr.NetPnL > 0 {
			res.WinningTrades++
			winSum += tr.NetPnL
		} else {
			res.LosingTrades++
			lossSum += -tr.NetPnL
		}
	}
	if res.TotalTrades > 0 {
		res.WinRate = float64(res.WinningTrades) / float64(res.TotalTrades) * 100
	}
	if lossSum > 0 {
		res.ProfitFactor = winSum / lossSum
	}
	if r.cfg.InitialEquity > 0 {
		res.ROI = res.NetProfit / r.cfg.InitialEquity * 100
	}
	res.MaxDrawdown = maxDrawdown(r.cfg.InitialEquity, curve)

	return res
}

func maxDrawdown(initial float64, curve []EquityPoint) float64 {
	peak := initial
	maxDD := 0.0
	for _, p := range curve {
		if p.Equity > peak {
			peak = p.Equity
		}
		if peak > 0 {
			dd := (peak - p.Equity) / peak * 100
			if dd > maxDD {
				maxDD = dd
			}
		}
	}
	return maxDD
}

// SortTicks orders a recording by timestamp, keeping the per-symbol
// relative order stable.
func SortTicks(ticks []market.Tick) {
	sort.SliceStable(ticks, func(i, j int) bool {
		return ticks[i].Timestamp < ticks[j].Timestamp
	})
}
