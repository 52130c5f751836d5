package risk

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"straddle-trading-engine/internal/ledger"
)

// Volatility-regime base multipliers for the trailing distance.
const (
	highVolMultiplier = 2.2 // atr_pct > 0.03
	midVolMultiplier  = 1.8 // 0.01 < atr_pct <= 0.03
	lowVolMultiplier  = 1.5 // atr_pct <= 0.01

	// Profit-based tightening.
	minProfitThreshold = 0.005
	accelerationStep   = 0.3
	tightenFloor       = 1.0 // never tighter than 1.0 * atr_pct
	deepProfitLevel    = 0.02
	deepProfitTighten  = 0.5
	deepProfitFloor    = 0.8
)

var (
	ErrNotInitialized = errors.New("trailing stop not initialized for position")
	// ErrStopWentBack guards the ratchet invariant after every combine.
	// The clamp to the current stop makes it unreachable today; a broken
	// combine rule must halt the symbol, not loosen stops silently.
	ErrStopWentBack    = errors.New("stop moved against its ratchet direction")
	ErrAlreadyTracking = errors.New("position already tracked")
)

// StopUpdate reports the outcome of one trailing-stop evaluation.
type StopUpdate struct {
	PositionID string
	Symbol     string
	Side       ledger.Side
	OldStop    float64
	NewStop    float64
	Extreme    float64
	Triggered  bool
	ExitReason ledger.ExitReason // set when Triggered
	ExitPrice  float64           // the stop price the close settles at
}

type trackedPosition struct {
	id              string
	symbol          string
	side            ledger.Side
	entryPrice      float64
	leverage        int
	extreme         float64
	currentStop     float64
	hardStopATRMult float64
	minLossFloorPct float64
	lastUpdate      time.Time
}

// TrailingStopManager maintains the favorable extreme and the current stop
// for each open position. Stops ratchet one way only: a LONG stop never
// decreases, a SHORT stop never increases.
type TrailingStopManager struct {
	mu        sync.RWMutex
	positions map[string]*trackedPosition
	log       zerolog.Logger
}

// NewTrailingStopManager creates an empty manager.
func NewTrailingStopManager(logger zerolog.Logger) *TrailingStopManager {
	return &TrailingStopManager{
		positions: make(map[string]*trackedPosition),
		log:       logger.With().Str("component", "TrailingStop").Logger(),
	}
}

// Initialize starts tracking a freshly opened position. The initial stop is
// the hard stop derived from the entry ATR snapshot. Calling Update before
// Initialize is an error.
func (m *TrailingStopManager) Initialize(pos *ledger.Position, atrPct, hardStopATRMult, minLossFloorPct float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.positions[pos.ID]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyTracking, pos.ID)
	}

	hardDist := hardStopDistance(atrPct, hardStopATRMult, minLossFloorPct)
	stop := pos.EntryPrice * (1 - hardDist)
	if pos.Side == ledger.Short {
		stop = pos.EntryPrice * (1 + hardDist)
	}

	m.positions[pos.ID] = &trackedPosition{
		id:              pos.ID,
		symbol:          pos.Symbol,
		side:            pos.Side,
		entryPrice:      pos.EntryPrice,
		leverage:        pos.Leverage,
		extreme:         pos.EntryPrice,
		currentStop:     stop,
		hardStopATRMult: hardStopATRMult,
		minLossFloorPct: minLossFloorPct,
		lastUpdate:      pos.EntryTime,
	}

	m.log.Debug().
		Str("symbol", pos.Symbol).
		Str("side", string(pos.Side)).
		Float64("entry", pos.EntryPrice).
		Float64("stop", stop).
		Msg("position tracked")
	return nil
}

// Resume restores tracking for a position loaded from a snapshot,
// preserving its extreme and current stop.
func (m *TrailingStopManager) Resume(pos *ledger.Position, hardStopATRMult, minLossFloorPct float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.positions[pos.ID]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyTracking, pos.ID)
	}
	m.positions[pos.ID] = &trackedPosition{
		id:              pos.ID,
		symbol:          pos.Symbol,
		side:            pos.Side,
		entryPrice:      pos.EntryPrice,
		leverage:        pos.Leverage,
		extreme:         pos.ExtremePrice,
		currentStop:     pos.CurrentStop,
		hardStopATRMult: hardStopATRMult,
		minLossFloorPct: minLossFloorPct,
		lastUpdate:      pos.EntryTime,
	}
	return nil
}

// Remove stops tracking a position (after it closed).
func (m *TrailingStopManager) Remove(positionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.positions, positionID)
}

// CurrentStop returns the current stop price for a tracked position.
func (m *TrailingStopManager) CurrentStop(positionID string) (float64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if pos, ok := m.positions[positionID]; ok {
		return pos.currentStop, true
	}
	return 0, false
}

// Extreme returns the favorable-extreme price for a tracked position.
func (m *TrailingStopManager) Extreme(positionID string) (float64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if pos, ok := m.positions[positionID]; ok {
		return pos.extreme, true
	}
	return 0, false
}

// Update evaluates a tracked position against the latest tick price and the
// contemporaneous ATR snapshot. It ratchets the stop and reports a trigger
// when price crosses it.
func (m *TrailingStopManager) Update(positionID string, price, atrPct float64, now time.Time) (*StopUpdate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pos, ok := m.positions[positionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotInitialized, positionID)
	}

	if pos.side == ledger.Long {
		if price > pos.extreme {
			pos.extreme = price
		}
	} else {
		if price < pos.extreme {
			pos.extreme = price
		}
	}

	update := &StopUpdate{
		PositionID: pos.id,
		Symbol:     pos.symbol,
		Side:       pos.side,
		OldStop:    pos.currentStop,
		Extreme:    pos.extreme,
	}

	// Without a usable ATR the stop cannot be re-derived; the existing
	// level keeps guarding the position.
	if atrPct <= 0 {
		update.NewStop = pos.currentStop
		pos.lastUpdate = now
		floor := pos.entryPrice * (1 - pos.minLossFloorPct)
		if pos.side == ledger.Short {
			floor = pos.entryPrice * (1 + pos.minLossFloorPct)
		}
		m.checkTrigger(pos, price, update, pos.currentStop, floor)
		return update, nil
	}

	trailDist := trailingDistance(pos, atrPct)
	hardDist := hardStopDistance(atrPct, pos.hardStopATRMult, pos.minLossFloorPct)

	var candidate, hardStop, newStop float64
	if pos.side == ledger.Long {
		candidate = pos.extreme * (1 - trailDist)
		hardStop = pos.entryPrice * (1 - hardDist)
		// The hard stop caps the loss from entry, the trailing candidate
		// ratchets from the extreme; the stop only ever moves up.
		newStop = math.Max(pos.currentStop, math.Max(candidate, hardStop))
		if newStop < pos.currentStop {
			return nil, fmt.Errorf("%w: LONG %s %.8f -> %.8f", ErrStopWentBack, pos.symbol, pos.currentStop, newStop)
		}
	} else {
		candidate = pos.extreme * (1 + trailDist)
		hardStop = pos.entryPrice * (1 + hardDist)
		newStop = math.Min(pos.currentStop, math.Min(candidate, hardStop))
		if newStop > pos.currentStop {
			return nil, fmt.Errorf("%w: SHORT %s %.8f -> %.8f", ErrStopWentBack, pos.symbol, pos.currentStop, newStop)
		}
	}

	pos.currentStop = newStop
	pos.lastUpdate = now
	update.NewStop = newStop
	m.checkTrigger(pos, price, update, candidate, hardStop)

	return update, nil
}

// checkTrigger fires the update when price crosses the stop. The exit is
// attributed to the trailing stop when the trailing candidate is at least
// as tight as the hard stop, to the hard stop otherwise.
func (m *TrailingStopManager) checkTrigger(pos *trackedPosition, price float64, update *StopUpdate, candidate, hardStop float64) {
	triggered := (pos.side == ledger.Long && price <= pos.currentStop) ||
		(pos.side == ledger.Short && price >= pos.currentStop)
	if !triggered {
		return
	}

	update.Triggered = true
	update.ExitPrice = pos.currentStop

	trailingGoverns := candidate >= hardStop
	if pos.side == ledger.Short {
		trailingGoverns = candidate <= hardStop
	}
	if trailingGoverns {
		update.ExitReason = ledger.ExitTrailingStop
	} else {
		update.ExitReason = ledger.ExitHardStop
	}

	m.log.Debug().
		Str("symbol", pos.symbol).
		Str("side", string(pos.side)).
		Str("reason", string(update.ExitReason)).
		Float64("price", price).
		Float64("stop", pos.currentStop).
		Msg("stop triggered")
}

// trailingDistance computes the ATR-scaled distance for the current
// volatility regime, tightened as profit accrues.
func trailingDistance(pos *trackedPosition, atrPct float64) float64 {
	mult := lowVolMultiplier
	switch {
	case atrPct > 0.03:
		mult = highVolMultiplier
	case atrPct > 0.01:
		mult = midVolMultiplier
	}
	dist := mult * atrPct

	profit := (pos.extreme - pos.entryPrice) / pos.entryPrice
	if pos.side == ledger.Short {
		profit = (pos.entryPrice - pos.extreme) / pos.entryPrice
	}

	if profit > minProfitThreshold {
		tightened := dist - 10*(profit-minProfitThreshold)*accelerationStep*atrPct
		dist = math.Max(tightenFloor*atrPct, tightened)
	}
	if profit > deepProfitLevel {
		dist = math.Max(deepProfitFloor*atrPct, dist-deepProfitTighten*atrPct)
	}

	return dist
}

// hardStopDistance is the loss cap: at least the fixed floor, widened by
// ATR in volatile regimes. A fixed 1% stop is too tight on high-volatility
// symbols and causes premature exits.
func hardStopDistance(atrPct, atrMult, minLossFloorPct float64) float64 {
	return math.Max(minLossFloorPct, atrPct*atrMult)
}
