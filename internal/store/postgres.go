package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"straddle-trading-engine/internal/ledger"
)

// PostgresTradeLog appends closed trades to the closed_trades table. The log is
// append-only; nothing updates or deletes rows.
type PostgresTradeLog struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
}

// NewPostgresTradeLog connects a pool and ensures the schema exists.
func NewPostgresTradeLog(ctx context.Context, databaseURL string, logger zerolog.Logger) (*PostgresTradeLog, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing database url: %w", err)
	}
	cfg.MaxConns = 4

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}

	s := &PostgresTradeLog{
		pool: pool,
		log:  logger.With().Str("component", "PostgresTradeLog").Logger(),
	}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresTradeLog) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS closed_trades (
			id            BIGSERIAL PRIMARY KEY,
			position_id   TEXT NOT NULL,
			symbol        TEXT NOT NULL,
			side          TEXT NOT NULL,
			entry_time    TIMESTAMPTZ NOT NULL,
			entry_price   DOUBLE PRECISION NOT NULL,
			exit_time     TIMESTAMPTZ NOT NULL,
			exit_price    DOUBLE PRECISION NOT NULL,
			quantity      DOUBLE PRECISION NOT NULL,
			leverage      INTEGER NOT NULL,
			exit_reason   TEXT NOT NULL,
			gross_pnl     DOUBLE PRECISION NOT NULL,
			fees_paid     DOUBLE PRECISION NOT NULL,
			net_pnl       DOUBLE PRECISION NOT NULL,
			created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_closed_trades_symbol ON closed_trades(symbol);
		CREATE INDEX IF NOT EXISTS idx_closed_trades_exit_time ON closed_trades(exit_time);
	`)
	if err != nil {
		return fmt.Errorf("migrating closed_trades: %w", err)
	}
	return nil
}

// Append writes one closed trade.
func (s *PostgresTradeLog) Append(ctx context.Context, t ledger.Trade) error {
	query := `
		INSERT INTO closed_trades (
			position_id, symbol, side, entry_time, entry_price,
			exit_time, exit_price, quantity, leverage, exit_reason,
			gross_pnl, fees_paid, net_pnl
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	_, err := s.pool.Exec(ctx, query,
		t.PositionID, t.Symbol, string(t.Side), t.EntryTime, t.EntryPrice,
		t.ExitTime, t.ExitPrice, t.Quantity, t.Leverage, string(t.ExitReason),
		t.GrossPnL, t.FeesPaid, t.NetPnL,
	)
	if err != nil {
		return fmt.Errorf("appending trade %s: %w", t.PositionID, err)
	}
	return nil
}

// RecentTrades loads the latest closed trades, newest first.
func (s *PostgresTradeLog) RecentTrades(ctx context.Context, limit int) ([]ledger.Trade, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT position_id, symbol, side, entry_time, entry_price,
		       exit_time, exit_price, quantity, leverage, exit_reason,
		       gross_pnl, fees_paid, net_pnl
		FROM closed_trades
		ORDER BY exit_time DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying closed trades: %w", err)
	}
	defer rows.Close()

	var trades []ledger.Trade
	for rows.Next() {
		var t ledger.Trade
		var side, reason string
		var entryTime, exitTime time.Time
		if err := rows.Scan(
			&t.PositionID, &t.Symbol, &side, &entryTime, &t.EntryPrice,
			&exitTime, &t.ExitPrice, &t.Quantity, &t.Leverage, &reason,
			&t.GrossPnL, &t.FeesPaid, &t.NetPnL,
		); err != nil {
			return nil, fmt.Errorf("scanning trade: %w", err)
		}
		t.Side = ledger.Side(side)
		t.ExitReason = ledger.ExitReason(reason)
		t.EntryTime = entryTime
		t.ExitTime = exitTime
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// Close releases the pool.
func (s *PostgresTradeLog) Close() {
	s.pool.Close()
}
