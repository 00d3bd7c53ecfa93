package broker

import (
	"context"
	"fmt"
	"sync"

	"equities-trading-bot/internal/marketclock"
	"equities-trading-bot/internal/signal"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Paper ledger constants.
const (
	defaultPaperCash = 100_000.0
	paperSlippage    = 0.001 // buys fill 0.1% above last, sells 0.1% below
)

// PriceSource resolves the latest known price for a symbol.
type PriceSource func(symbol string) (float64, bool)

type paperPosition struct {
	qty      decimal.Decimal
	avgPrice float64
}

// Paper is an in-memory broker simulating immediate fills at the last
// known price with fixed slippage. It enforces the same duplicate and
// market-closed semantics as the live adapter.
type Paper struct {
	mu        sync.Mutex
	cash      float64
	positions map[string]*paperPosition
	seenKeys  map[string]string // idempotency key -> order id
	lastPrice PriceSource
	cal       *marketclock.Calendar
	clock     marketclock.Clock
	logger    zerolog.Logger
}

var _ Broker = (*Paper)(nil)

// NewPaper builds a paper broker with the default starting cash.
func NewPaper(lastPrice PriceSource, cal *marketclock.Calendar, clock marketclock.Clock, logger zerolog.Logger) *Paper {
	return &Paper{
		cash:      defaultPaperCash,
		positions: make(map[string]*paperPosition),
		seenKeys:  make(map[string]string),
		lastPrice: lastPrice,
		cal:       cal,
		clock:     clock,
		logger:    logger.With().Str("component", "paper_broker").Logger(),
	}
}

// SubmitMarketOrder simulates one fill. Opening-auction orders fill
// immediately at the last known price; the simulation does not model the
// auction itself.
func (p *Paper) SubmitMarketOrder(_ context.Context, req OrderRequest) (OrderResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if req.IdempotencyKey != "" {
		if orderID, ok := p.seenKeys[req.IdempotencyKey]; ok {
			return OrderResult{OrderID: orderID, Status: StatusDuplicate}, nil
		}
	}

	if p.cal.Session(p.clock.Now()) == signal.SessionClosed && req.TimeInForce != TIFOpen {
		return OrderResult{Status: StatusMarketClosed}, nil
	}

	last, ok := p.lastPrice(req.Symbol)
	if !ok || last <= 0 {
		return OrderResult{Status: StatusRejected, Reason: "no market data"}, nil
	}

	qty, _ := req.Qty.Float64()
	if qty <= 0 {
		return OrderResult{Status: StatusRejected, Reason: "non-positive quantity"}, nil
	}

	var fillPrice float64
	if req.Side == signal.SideLong {
		fillPrice = last * (1 + paperSlippage)
	} else {
		fillPrice = last * (1 - paperSlippage)
		pos := p.positions[req.Symbol]
		if pos == nil || pos.qty.LessThan(req.Qty) {
			return OrderResult{Status: StatusRejected, Reason: "insufficient position"}, nil
		}
	}

	orderID := "paper-" + uuid.New().String()
	p.applyFill(req.Symbol, req.Side, req.Qty, fillPrice)
	if req.IdempotencyKey != "" {
		p.seenKeys[req.IdempotencyKey] = orderID
	}

	p.logger.Info().Str("symbol", req.Symbol).Str("side", string(req.Side)).
		Str("qty", req.Qty.String()).Float64("fill_price", fillPrice).
		Str("order_id", orderID).Msg("Paper fill")

	return OrderResult{
		OrderID:     orderID,
		Status:      StatusAccepted,
		FilledQty:   req.Qty,
		FilledPrice: fillPrice,
	}, nil
}

// applyFill mutates cash and positions under the caller's lock.
func (p *Paper) applyFill(symbol string, side signal.Side, qty decimal.Decimal, price float64) {
	q, _ := qty.Float64()
	value := q * price

	if side == signal.SideLong {
		p.cash -= value
		pos := p.positions[symbol]
		if pos == nil {
			pos = &paperPosition{}
			p.positions[symbol] = pos
		}
		held, _ := pos.qty.Float64()
		total := held*pos.avgPrice + value
		pos.qty = pos.qty.Add(qty)
		newHeld, _ := pos.qty.Float64()
		if newHeld > 0 {
			pos.avgPrice = total / newHeld
		}
		return
	}

	p.cash += value
	pos := p.positions[symbol]
	pos.qty = pos.qty.Sub(qty)
	if pos.qty.IsZero() {
		delete(p.positions, symbol)
	}
}

// GetPositions returns a snapshot of open holdings.
func (p *Paper) GetPositions(_ context.Context) ([]Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Position, 0, len(p.positions))
	for symbol, pos := range p.positions {
		qty, _ := pos.qty.Float64()
		last, ok := p.lastPrice(symbol)
		if !ok {
			last = pos.avgPrice
		}
		out = append(out, Position{
			Symbol:        symbol,
			Qty:           pos.qty,
			AvgEntryPrice: pos.avgPrice,
			MarketValue:   qty * last,
			UnrealizedPL:  qty * (last - pos.avgPrice),
		})
	}
	return out, nil
}

// GetAccount marks positions to the last known price.
func (p *Paper) GetAccount(_ context.Context) (Account, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	equity := p.cash
	for symbol, pos := range p.positions {
		qty, _ := pos.qty.Float64()
		last, ok := p.lastPrice(symbol)
		if !ok {
			last = pos.avgPrice
		}
		equity += qty * last
	}
	return Account{Equity: equity, Cash: p.cash, BuyingPower: p.cash}, nil
}

// CancelOrder is a no-op: paper orders fill synchronously.
func (p *Paper) CancelOrder(_ context.Context, orderID string) error {
	if orderID == "" {
		return fmt.Errorf("empty order id")
	}
	return nil
}
