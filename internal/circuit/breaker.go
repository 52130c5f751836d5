package circuit

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// BreakerState represents the circuit breaker state
type BreakerState string

const (
	StateClosed   BreakerState = "closed"    // Normal operation
	StateOpen     BreakerState = "open"      // Entries halted
	StateHalfOpen BreakerState = "half_open" // Testing recovery
)

// Config holds circuit breaker configuration. The breaker gates new
// entries only; exits always go through.
type Config struct {
	Enabled              bool    `json:"enabled"`
	MaxLossPerHour       float64 `json:"max_loss_per_hour"`      // Max loss % per hour
	MaxConsecutiveLosses int     `json:"max_consecutive_losses"` // Max losing trades in a row
	CooldownMinutes      int     `json:"cooldown_minutes"`       // Cooldown after trip
	MaxTradesPerMinute   int     `json:"max_trades_per_minute"`  // Rate limit
	MaxDailyLoss         float64 `json:"max_daily_loss"`         // Max daily loss %
	MaxDailyTrades       int     `json:"max_daily_trades"`       // Max trades per day
}

// DefaultConfig returns safe defaults
func DefaultConfig() *Config {
	return &Config{
		Enabled:              true,
		MaxLossPerHour:       3.0,
		MaxConsecutiveLosses: 8,
		CooldownMinutes:      30,
		MaxTradesPerMinute:   20,
		MaxDailyLoss:         5.0,
		MaxDailyTrades:       400,
	}
}

// Breaker halts new straddle entries after a losing streak or loss-rate
// burst, with half-open recovery after the cooldown. All methods take the
// caller's notion of "now" so replay runs stay deterministic.
type Breaker struct {
	config            *Config
	state             BreakerState
	consecutiveLosses int
	hourlyLoss        float64
	dailyLoss         float64
	tradesLastMinute  int
	dailyTrades       int
	lastTripTime      time.Time
	hourlyResetTime   time.Time
	dailyResetTime    time.Time
	minuteResetTime   time.Time
	tripReason        string
	onTrip            func(reason string)
	mu                sync.Mutex
}

// NewBreaker creates a breaker; counters are anchored at start.
func NewBreaker(config *Config, start time.Time) *Breaker {
	if config == nil {
		config = DefaultConfig()
	}
	return &Breaker{
		config:          config,
		state:           StateClosed,
		hourlyResetTime: start.Add(time.Hour),
		dailyResetTime:  start.Truncate(24 * time.Hour).Add(24 * time.Hour),
		minuteResetTime: start.Add(time.Minute),
	}
}

// OnTrip sets the callback invoked when the breaker opens.
func (cb *Breaker) OnTrip(handler func(reason string)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onTrip = handler
}

// State returns the current breaker state.
func (cb *Breaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// CanTrade checks whether a new entry is allowed at the given time.
func (cb *Breaker) CanTrade(now time.Time) (bool, string) {
	if !cb.config.Enabled {
		return true, ""
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.resetCountersIfNeeded(now)

	if cb.state == StateOpen {
		cooldown := time.Duration(cb.config.CooldownMinutes) * time.Minute
		elapsed := now.Sub(cb.lastTripTime)
		if elapsed < cooldown {
			return false, fmt.Sprintf("breaker open, cooldown remaining %v (reason: %s)",
				(cooldown - elapsed).Round(time.Second), cb.tripReason)
		}
		cb.state = StateHalfOpen
	}

	if cb.hourlyLoss >= cb.config.MaxLossPerHour {
		return false, fmt.Sprintf("hourly loss limit reached: %.2f%%", cb.hourlyLoss)
	}
	if cb.dailyLoss >= cb.config.MaxDailyLoss {
		return false, fmt.Sprintf("daily loss limit reached: %.2f%%", cb.dailyLoss)
	}
	if cb.consecutiveLosses >= cb.config.MaxConsecutiveLosses {
		return false, fmt.Sprintf("max consecutive losses reached: %d", cb.consecutiveLosses)
	}
	if cb.tradesLastMinute >= cb.config.MaxTradesPerMinute {
		return false, fmt.Sprintf("rate limit reached: %d trades/minute", cb.tradesLastMinute)
	}
	if cb.dailyTrades >= cb.config.MaxDailyTrades {
		return false, fmt.Sprintf("daily trade limit reached: %d trades", cb.dailyTrades)
	}

	return true, ""
}

// RecordTrade feeds a closed trade's pnl (as % of equity) into the
// counters and trips the breaker when a limit is crossed.
func (cb *Breaker) RecordTrade(pnlPercent float64, now time.Time) {
	if !cb.config.Enabled {
		return
	}
	if math.IsNaN(pnlPercent) || math.IsInf(pnlPercent, 0) {
		return
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.resetCountersIfNeeded(now)
	cb.tradesLastMinute++
	cb.dailyTrades++

	if pnlPercent < 0 {
		cb.consecutiveLosses++
		cb.hourlyLoss += -pnlPercent
		cb.dailyLoss += -pnlPercent
	} else {
		cb.consecutiveLosses = 0
		if cb.state == StateHalfOpen {
			cb.state = StateClosed
		}
	}

	cb.checkAndTrip(now)
}

func (cb *Breaker) checkAndTrip(now time.Time) {
	var reason string
	switch {
	case cb.consecutiveLosses >= cb.config.MaxConsecutiveLosses:
		reason = fmt.Sprintf("consecutive losses: %d", cb.consecutiveLosses)
	case cb.hourlyLoss >= cb.config.MaxLossPerHour:
		reason = fmt.Sprintf("hourly loss: %.2f%%", cb.hourlyLoss)
	case cb.dailyLoss >= cb.config.MaxDailyLoss:
		reason = fmt.Sprintf("daily loss: %.2f%%", cb.dailyLoss)
	}
	if reason == "" {
		return
	}

	cb.state = StateOpen
	cb.lastTripTime = now
	cb.tripReason = reason
	if cb.onTrip != nil {
		go cb.onTrip(reason)
	}
}

func (cb *Breaker) resetCountersIfNeeded(now time.Time) {
	if now.After(cb.minuteResetTime) {
		cb.tradesLastMinute = 0
		cb.minuteResetTime = now.Add(time.Minute)
	}
	if now.After(cb.hourlyResetTime) {
		cb.hourlyLoss = 0
		cb.hourlyResetTime = now.Add(time.Hour)
	}
	if now.After(cb.dailyResetTime) {
		cb.dailyLoss = 0
		cb.dailyTrades = 0
		cb.dailyResetTime = cb.dailyResetTime.Add(24 * time.Hour)
	}
}
