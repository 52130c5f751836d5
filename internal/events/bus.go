package events

import (
	"sync"
	"time"
)

// EventType represents different types of events in the engine
type EventType string

const (
	EventStraddleOpened  EventType = "STRADDLE_OPENED"
	EventPositionClosed  EventType = "POSITION_CLOSED"
	EventSignalGenerated EventType = "SIGNAL_GENERATED"
	EventEquityUpdate    EventType = "EQUITY_UPDATE"
	EventBreakerTripped  EventType = "BREAKER_TRIPPED"
	EventTicksDropped    EventType = "TICKS_DROPPED"
	EventWorkerFailed    EventType = "WORKER_FAILED"
	EventEngineStarted   EventType = "ENGINE_STARTED"
	EventEngineStopped   EventType = "ENGINE_STOPPED"
)

// Event represents a single engine event
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// Bus manages event publishing and subscriptions
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber
}

// NewBus creates a new event bus
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[EventType][]Subscriber),
		allSubs:     make([]Subscriber, 0),
	}
}

// Subscribe registers a subscriber for a specific event type
func (b *Bus) Subscribe(eventType EventType, subscriber Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events
func (b *Bus) SubscribeAll(subscriber Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.allSubs = append(b.allSubs, subscriber)
}

// Publish sends an event to all subscribers. Delivery is synchronous so
// replay runs stay deterministic; subscribers must not block.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if subs, ok := b.subscribers[event.Type]; ok {
		for _, sub := range subs {
			sub(event)
		}
	}
	for _, sub := range b.allSubs {
		sub(event)
	}
}

// PublishStraddleOpened publishes a two-leg entry event
func (b *Bus) PublishStraddleOpened(symbol string, entryPrice, quantity, strength float64, at time.Time) {
	b.Publish(Event{
		Type:      EventStraddleOpened,
		Timestamp: at,
		Data: map[string]interface{}{
			"symbol":      symbol,
			"entry_price": entryPrice,
			"quantity":    quantity,
			"strength":    strength,
		},
	})
}

// PublishPositionClosed publishes a close event
func (b *Bus) PublishPositionClosed(symbol, side, reason string, exitPrice, netPnL float64, at time.Time) {
	b.Publish(Event{
		Type:      EventPositionClosed,
		Timestamp: at,
		Data: map[string]interface{}{
			"symbol":     symbol,
			"side":       side,
			"reason":     reason,
			"exit_price": exitPrice,
			"net_pnl":    netPnL,
		},
	})
}

// PublishEquityUpdate publishes the running account equity
func (b *Bus) PublishEquityUpdate(equity float64, at time.Time) {
	b.Publish(Event{
		Type:      EventEquityUpdate,
		Timestamp: at,
		Data: map[string]interface{}{
			"equity": equity,
		},
	})
}

// PublishTicksDropped publishes a backpressure drop report
func (b *Bus) PublishTicksDropped(symbol string, dropped int64) {
	b.Publish(Event{
		Type: EventTicksDropped,
		Data: map[string]interface{}{
			"symbol":  symbol,
			"dropped": dropped,
		},
	})
}

// PublishWorkerFailed publishes a fatal per-symbol failure
func (b *Bus) PublishWorkerFailed(symbol string, err error) {
	b.Publish(Event{
		Type: EventWorkerFailed,
		Data: map[string]interface{}{
			"symbol": symbol,
			"error":  err.Error(),
		},
	})
}
