package market

import "time"

// Tick represents a single trade print from the exchange. It is the atomic
// unit of market data in the engine.
type Tick struct {
	Symbol       string  `json:"symbol"`
	Timestamp    int64   `json:"timestamp"` // milliseconds since epoch, monotonic per symbol
	Price        float64 `json:"price"`
	Volume       float64 `json:"volume"`
	IsBuyerMaker bool    `json:"is_buyer_maker"`
}

// Time returns the tick timestamp as a time.Time.
func (t Tick) Time() time.Time {
	return time.UnixMilli(t.Timestamp)
}

// SameTrade reports whether two ticks are the same trade print. The stream
// adapter may replay a tick across a reconnect boundary; when timestamps tie
// we treat identical (price, volume) as a duplicate.
func (t Tick) SameTrade(other Tick) bool {
	return t.Symbol == other.Symbol &&
		t.Timestamp == other.Timestamp &&
		t.Price == other.Price &&
		t.Volume == other.Volume
}
