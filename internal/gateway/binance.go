package gateway

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"straddle-trading-engine/internal/ledger"
)

// Binance error codes treated as transient.
const (
	codeTooManyRequests = -1003
	codeIPBanned        = -1015
	codeServerBusy      = -1008
)

const transientRetries = 3

// BinanceGateway places real orders on Binance USD-M futures. Transient
// failures are retried with exponential backoff up to transientRetries
// attempts inside the per-order deadline; rejections are surfaced
// immediately.
type BinanceGateway struct {
	client *futures.Client
	log    zerolog.Logger
}

// NewBinanceGateway builds a gateway against the live or testnet venue.
func NewBinanceGateway(apiKey, secretKey string, testnet bool, logger zerolog.Logger) *BinanceGateway {
	futures.UseTestnet = testnet
	return &BinanceGateway{
		client: binance.NewFuturesClient(apiKey, secretKey),
		log:    logger.With().Str("component", "BinanceGateway").Logger(),
	}
}

// PlaceMarketOrder submits a market order and returns its average fill
// price.
func (g *BinanceGateway) PlaceMarketOrder(ctx context.Context, symbol string, side OrderSide, quantity float64) (Fill, error) {
	ctx, cancel := context.WithTimeout(ctx, MarketOrderDeadline)
	defer cancel()

	var resp *futures.CreateOrderResponse
	op := func() error {
		var err error
		resp, err = g.client.NewCreateOrderService().
			Symbol(symbol).
			Side(orderSide(side)).
			Type(futures.OrderTypeMarket).
			Quantity(formatQuantity(quantity)).
			NewOrderResponseType(futures.NewOrderRespTypeRESULT).
			Do(ctx)
		return classifyForRetry(err)
	}

	if err := g.retry(ctx, op); err != nil {
		return Fill{}, err
	}

	price, err := strconv.ParseFloat(resp.AvgPrice, 64)
	if err != nil || price == 0 {
		return Fill{}, &OrderError{Kind: KindRejected, Err: fmt.Errorf("order %d: unparseable fill price %q", resp.OrderID, resp.AvgPrice)}
	}

	g.log.Info().
		Str("symbol", symbol).
		Str("side", string(side)).
		Float64("qty", quantity).
		Float64("price", price).
		Int64("order_id", resp.OrderID).
		Msg("market order filled")

	return Fill{
		Symbol:    symbol,
		Side:      side,
		Quantity:  quantity,
		Price:     price,
		Timestamp: time.UnixMilli(resp.UpdateTime),
		FeeRate:   ledger.DefaultTakerFeeRate,
	}, nil
}

// PlaceLimitOrder submits a GTC limit order and polls it until filled,
// cancelling on timeout.
func (g *BinanceGateway) PlaceLimitOrder(ctx context.Context, symbol string, side OrderSide, quantity, limitPrice float64) (Fill, error) {
	ctx, cancel := context.WithTimeout(ctx, LimitOrderDeadline)
	defer cancel()

	var resp *futures.CreateOrderResponse
	op := func() error {
		var err error
		resp, err = g.client.NewCreateOrderService().
			Symbol(symbol).
			Side(orderSide(side)).
			Type(futures.OrderTypeLimit).
			TimeInForce(futures.TimeInForceTypeGTC).
			Quantity(formatQuantity(quantity)).
			Price(formatQuantity(limitPrice)).
			Do(ctx)
		return classifyForRetry(err)
	}
	if err := g.retry(ctx, op); err != nil {
		return Fill{}, err
	}

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			g.cancelOrder(symbol, resp.OrderID)
			return Fill{}, &OrderError{Kind: KindUnfilledTimeout, Err: fmt.Errorf("limit order %d unfilled at deadline", resp.OrderID)}
		case <-ticker.C:
			order, err := g.client.NewGetOrderService().
				Symbol(symbol).
				OrderID(resp.OrderID).
				Do(ctx)
			if err != nil {
				continue
			}
			switch order.Status {
			case futures.OrderStatusTypeFilled:
				price, perr := strconv.ParseFloat(order.AvgPrice, 64)
				if perr != nil {
					price = limitPrice
				}
				return Fill{
					Symbol:    symbol,
					Side:      side,
					Quantity:  quantity,
					Price:     price,
					Timestamp: time.UnixMilli(order.UpdateTime),
					FeeRate:   ledger.DefaultMakerFeeRate,
					Maker:     true,
				}, nil
			case futures.OrderStatusTypeCanceled, futures.OrderStatusTypeRejected, futures.OrderStatusTypeExpired:
				return Fill{}, &OrderError{Kind: KindRejected, Err: fmt.Errorf("limit order %d ended %s", resp.OrderID, order.Status)}
			}
		}
	}
}

// retry wraps an order call in exponential backoff for transient errors
// and maps the terminal failure onto the gateway taxonomy.
func (g *BinanceGateway) retry(ctx context.Context, op func() error) error {
	// WithMaxRetries counts retries after the first call, so
	// transientRetries-1 retries make transientRetries attempts in all.
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), transientRetries-1),
		ctx,
	)

	err := backoff.Retry(op, policy)
	if err == nil {
		return nil
	}

	var apiErr *common.APIError
	if errors.As(err, &apiErr) && !isTransientCode(apiErr.Code) {
		return &OrderError{Kind: KindRejected, Err: err}
	}
	if ctx.Err() != nil {
		return &OrderError{Kind: KindTimeout, Err: ctx.Err()}
	}
	return &OrderError{Kind: KindExhausted, Err: err}
}

func (g *BinanceGateway) cancelOrder(symbol string, orderID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := g.client.NewCancelOrderService().Symbol(symbol).OrderID(orderID).Do(ctx); err != nil {
		g.log.Warn().Err(err).Str("symbol", symbol).Int64("order_id", orderID).Msg("cancel failed")
	}
}

// classifyForRetry marks rejections permanent so backoff stops retrying
// them; everything else (network errors, rate limits) stays retryable.
func classifyForRetry(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *common.APIError
	if errors.As(err, &apiErr) && !isTransientCode(apiErr.Code) {
		return backoff.Permanent(err)
	}
	return err
}

func isTransientCode(code int64) bool {
	switch code {
	case codeTooManyRequests, codeIPBanned, codeServerBusy:
		return true
	}
	return false
}

func orderSide(side OrderSide) futures.SideType {
	if side == Sell {
		return futures.SideTypeSell
	}
	return futures.SideTypeBuy
}

func formatQuantity(q float64) string {
	return strconv.FormatFloat(q, 'f', -1, 64)
}
