package broker

import (
	"context"
	"fmt"
	"strings"

	"equities-trading-bot/config"
	"equities-trading-bot/internal/signal"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Alpaca executes against the Alpaca trading API. The idempotency key
// becomes the client order id, so a retried submission surfaces as a
// duplicate instead of a second order.
type Alpaca struct {
	client *alpaca.Client
	logger zerolog.Logger
}

var _ Broker = (*Alpaca)(nil)

// NewAlpaca builds a live (or paper-account) adapter.
func NewAlpaca(cfg config.AlpacaConfig, logger zerolog.Logger) *Alpaca {
	return &Alpaca{
		client: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    cfg.APIKey,
			APISecret: cfg.APISecret,
			BaseURL:   cfg.BaseURL,
		}),
		logger: logger.With().Str("component", "alpaca_broker").Logger(),
	}
}

// SubmitMarketOrder places one market order, bracketed when levels are
// attached. The SDK has no context variant; its HTTP timeout bounds the
// call.
func (a *Alpaca) SubmitMarketOrder(_ context.Context, req OrderRequest) (OrderResult, error) {
	qty := req.Qty
	placeReq := alpaca.PlaceOrderRequest{
		Symbol:        req.Symbol,
		Qty:           &qty,
		Side:          alpacaSide(req.Side),
		Type:          alpaca.Market,
		TimeInForce:   alpacaTIF(req.TimeInForce),
		ClientOrderID: req.IdempotencyKey,
	}

	// Brackets only on entries; fractional orders cannot carry them.
	if req.Side == signal.SideLong && req.Bracket != nil && !req.Fractional {
		stop := decimal.NewFromFloat(req.Bracket.Stop)
		target := decimal.NewFromFloat(req.Bracket.Target)
		placeReq.OrderClass = alpaca.Bracket
		placeReq.StopLoss = &alpaca.StopLoss{StopPrice: &stop}
		placeReq.TakeProfit = &alpaca.TakeProfit{LimitPrice: &target}
	}

	order, err := a.client.PlaceOrder(placeReq)
	if err != nil {
		if status, reason := classifyOrderError(err); status != "" {
			a.logger.Warn().Err(err).Str("symbol", req.Symbol).
				Str("status", string(status)).Msg("Order not accepted")
			return OrderResult{Status: status, Reason: reason}, nil
		}
		return OrderResult{}, fmt.Errorf("place order %s: %w", req.Symbol, err)
	}

	result := OrderResult{
		OrderID:   order.ID,
		Status:    StatusAccepted,
		FilledQty: order.FilledQty,
	}
	if order.FilledAvgPrice != nil {
		result.FilledPrice, _ = order.FilledAvgPrice.Float64()
	}

	a.logger.Info().Str("symbol", req.Symbol).Str("side", string(req.Side)).
		Str("qty", req.Qty.String()).Str("order_id", order.ID).Msg("Order submitted")

	return result, nil
}

// classifyOrderError maps the API errors the dispatcher must not retry.
func classifyOrderError(err error) (OrderStatus, string) {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "client_order_id must be unique"),
		strings.Contains(msg, "duplicate client_order_id"):
		return StatusDuplicate, ""
	case strings.Contains(msg, "market is closed"),
		strings.Contains(msg, "market closed"):
		return StatusMarketClosed, ""
	case strings.Contains(msg, "insufficient"),
		strings.Contains(msg, "not tradable"),
		strings.Contains(msg, "cannot be sold short"):
		return StatusRejected, err.Error()
	}
	return "", ""
}

// GetPositions returns open holdings.
func (a *Alpaca) GetPositions(_ context.Context) ([]Position, error) {
	raw, err := a.client.GetPositions()
	if err != nil {
		return nil, fmt.Errorf("get positions: %w", err)
	}

	out := make([]Position, 0, len(raw))
	for _, x := range raw {
		pos := Position{
			Symbol: x.Symbol,
			Qty:    x.Qty,
		}
		pos.AvgEntryPrice, _ = x.AvgEntryPrice.Float64()
		if x.MarketValue != nil {
			pos.MarketValue, _ = x.MarketValue.Float64()
		}
		if x.UnrealizedPL != nil {
			pos.UnrealizedPL, _ = x.UnrealizedPL.Float64()
		}
		out = append(out, pos)
	}
	return out, nil
}

// GetAccount returns the live equity snapshot.
func (a *Alpaca) GetAccount(_ context.Context) (Account, error) {
	acct, err := a.client.GetAccount()
	if err != nil {
		return Account{}, fmt.Errorf("get account: %w", err)
	}

	var out Account
	out.Equity, _ = acct.Equity.Float64()
	out.Cash, _ = acct.Cash.Float64()
	out.BuyingPower, _ = acct.BuyingPower.Float64()
	return out, nil
}

// CancelOrder cancels an open order by id.
func (a *Alpaca) CancelOrder(_ context.Context, orderID string) error {
	return a.client.CancelOrder(orderID)
}

func alpacaSide(side signal.Side) alpaca.Side {
	if side == signal.SideShort {
		return alpaca.Sell
	}
	return alpaca.Buy
}

func alpacaTIF(tif string) alpaca.TimeInForce {
	if tif == TIFOpen {
		return alpaca.OPG
	}
	return alpaca.Day
}
