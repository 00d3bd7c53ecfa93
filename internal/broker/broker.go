// Package broker is the execution seam: one interface over the live
// Alpaca trading API and an in-process paper ledger with the same
// duplicate and market-closed semantics, so the dispatcher cannot tell
// them apart.
package broker

import (
	"context"

	"equities-trading-bot/internal/signal"

	"github.com/shopspring/decimal"
)

// OrderStatus is the terminal classification of a submit attempt.
type OrderStatus string

const (
	StatusAccepted     OrderStatus = "accepted"
	StatusRejected     OrderStatus = "rejected"
	StatusMarketClosed OrderStatus = "market_closed"
	StatusDuplicate    OrderStatus = "duplicate"
)

// Bracket attaches stop and target levels to a market entry.
type Bracket struct {
	Stop   float64
	Target float64
}

// TimeInForce values the dispatcher uses.
const (
	TIFDay  = "day"
	TIFOpen = "opg" // opening auction
)

// OrderRequest is one market order submission.
type OrderRequest struct {
	Symbol         string
	Side           signal.Side
	Qty            decimal.Decimal
	Fractional     bool
	IdempotencyKey string // becomes the client order id; brokers reject reuse
	Bracket        *Bracket
	TimeInForce    string // TIFDay unless queued for the open
}

// OrderResult is the outcome of one submission.
type OrderResult struct {
	OrderID     string
	Status      OrderStatus
	FilledQty   decimal.Decimal
	FilledPrice float64
	Reason      string // set when rejected
}

// Position is an open holding at the broker.
type Position struct {
	Symbol        string
	Qty           decimal.Decimal // negative when short
	AvgEntryPrice float64
	MarketValue   float64
	UnrealizedPL  float64
}

// Account is the equity snapshot sizing runs against.
type Account struct {
	Equity      float64
	Cash        float64
	BuyingPower float64
}

// Broker executes orders. Implementations must treat a reused
// idempotency key as a duplicate, not a new order.
type Broker interface {
	SubmitMarketOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	GetPositions(ctx context.Context) ([]Position, error)
	GetAccount(ctx context.Context) (Account, error)
	CancelOrder(ctx context.Context, orderID string) error
}
