package store

import (
	"context"

	"straddle-trading-engine/internal/ledger"
)

// TradeLog is the append-only sink for closed trades.
type TradeLog interface {
	Append(ctx context.Context, trade ledger.Trade) error
}

// PositionSnapshots persists the open-position set for resume across
// restarts. Save overwrites the previous snapshot wholesale.
type PositionSnapshots interface {
	Save(ctx context.Context, positions []ledger.Position) error
	Load(ctx context.Context) ([]ledger.Position, error)
}

// NopTradeLog discards trades; used in replay mode.
type NopTradeLog struct{}

func (NopTradeLog) Append(context.Context, ledger.Trade) error { return nil }

// NopPositionSnapshots keeps nothing; used in replay mode.
type NopPositionSnapshots struct{}

func (NopPositionSnapshots) Save(context.Context, []ledger.Position) error { return nil }

func (NopPositionSnapshots) Load(context.Context) ([]ledger.Position, error) { return nil, nil }
