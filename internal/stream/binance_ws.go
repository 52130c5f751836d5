package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"straddle-trading-engine/internal/market"
)

// Binance USD-M futures stream endpoints.
const (
	MainnetStreamURL = "wss://fstream.binance.com"
	TestnetStreamURL = "wss://stream.binancefuture.com"

	readTimeout  = 90 * time.Second
	pingInterval = 30 * time.Second
)

// TickHandler receives every parsed tick. The engine dedups replays across
// reconnect boundaries, so the adapter may deliver duplicates.
type TickHandler func(market.Tick)

// aggTradeEvent is the combined-stream payload for aggregate trades.
type aggTradeEvent struct {
	Stream string `json:"stream"`
	Data   struct {
		EventType    string `json:"e"`
		Symbol       string `json:"s"`
		Price        string `json:"p"`
		Quantity     string `json:"q"`
		TradeTime    int64  `json:"T"`
		IsBuyerMaker bool   `json:"m"`
	} `json:"data"`
}

// BinanceTickStream subscribes to aggTrade streams for a symbol set over
// one combined websocket connection, reconnecting with backoff until the
// context is cancelled.
type BinanceTickStream struct {
	baseURL string
	symbols []string
	handler TickHandler
	log     zerolog.Logger
}

// NewBinanceTickStream builds a stream adapter for the given symbols.
func NewBinanceTickStream(baseURL string, symbols []string, handler TickHandler, logger zerolog.Logger) *BinanceTickStream {
	return &BinanceTickStream{
		baseURL: baseURL,
		symbols: symbols,
		handler: handler,
		log:     logger.With().Str("component", "BinanceTickStream").Logger(),
	}
}

// Run connects and pumps ticks until ctx is cancelled. Connection drops
// are retried with exponential backoff capped at one minute; the interval
// is not reset after a successful connection or read, so it keeps growing
// across drops until it reaches the cap.
func (s *BinanceTickStream) Run(ctx context.Context) error {
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 0 // retry forever, the engine outlives outages
	policy.MaxInterval = time.Minute

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := s.pump(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		wait := policy.NextBackOff()
		s.log.Warn().Err(err).Dur("retry_in", wait).Msg("stream disconnected, reconnecting")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (s *BinanceTickStream) pump(ctx context.Context) error {
	url := s.combinedStreamURL()
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", url, err)
	}
	defer conn.Close()

	s.log.Info().Int("symbols", len(s.symbols)).Msg("stream connected")

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	// Close the connection when the context ends so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				conn.Close()
				return
			case <-done:
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					conn.Close()
					return
				}
			}
		}
	}()

	if err := conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
		return err
	}
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("reading stream: %w", err)
		}
		if err := conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			return err
		}

		tick, ok := parseAggTrade(payload)
		if !ok {
			continue
		}
		s.handler(tick)
	}
}

func (s *BinanceTickStream) combinedStreamURL() string {
	streams := make([]string, len(s.symbols))
	for i, sym := range s.symbols {
		streams[i] = strings.ToLower(sym) + "@aggTrade"
	}
	return fmt.Sprintf("%s/stream?streams=%s", s.baseURL, strings.Join(streams, "/"))
}

// parseAggTrade converts a combined-stream payload into a Tick. Non-trade
// frames and malformed numbers are skipped.
func parseAggTrade(payload []byte) (market.Tick, bool) {
	var ev aggTradeEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return market.Tick{}, false
	}
	if ev.Data.EventType != "aggTrade" || ev.Data.Symbol == "" {
		return market.Tick{}, false
	}

	price, err := strconv.ParseFloat(ev.Data.Price, 64)
	if err != nil || price <= 0 {
		return market.Tick{}, false
	}
	qty, err := strconv.ParseFloat(ev.Data.Quantity, 64)
	if err != nil || qty < 0 {
		return market.Tick{}, false
	}

	return market.Tick{
		Symbol:       ev.Data.Symbol,
		Timestamp:    ev.Data.TradeTime,
		Price:        price,
		Volume:       qty,
		IsBuyerMaker: ev.Data.IsBuyerMaker,
	}, true
}
