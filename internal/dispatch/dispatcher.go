// Package dispatch turns sized intents into broker orders exactly once.
// Every submission claims a day-scoped idempotency key first, so a retry,
// a crash replay, or a second engine instance cannot double-order.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"equities-trading-bot/config"
	"equities-trading-bot/internal/broker"
	"equities-trading-bot/internal/coord"
	"equities-trading-bot/internal/events"
	"equities-trading-bot/internal/marketclock"
	"equities-trading-bot/internal/metrics"
	"equities-trading-bot/internal/signal"

	"github.com/rs/zerolog"
)

// StatusLogOnly marks intents observed while auto mode is off: the
// decision is logged and audited but no order reaches the broker.
const StatusLogOnly broker.OrderStatus = "log_only"

// Ledger is the slice of the risk manager the dispatcher settles with.
type Ledger interface {
	OnFill(signalID, symbol string, side signal.Side, qty, fillPrice, stop float64)
	Release(signalID string)
}

// Auditor persists the order trail. Implementations must tolerate being
// called with best effort; audit failure never blocks dispatch.
type Auditor interface {
	OrderSubmitted(ctx context.Context, it signal.Intent, idemKey, orderID string, status string)
	OrderFilled(ctx context.Context, orderID string, price, qty float64)
}

// Dispatcher submits intents.
type Dispatcher struct {
	cfg    config.TradingConfig
	broker broker.Broker
	store  *coord.Store
	ledger Ledger
	audit  Auditor
	bus    *events.EventBus
	cal    *marketclock.Calendar
	clock  marketclock.Clock
	logger zerolog.Logger

	// sleep is swapped in tests to avoid real backoff waits.
	sleep func(ctx context.Context, d time.Duration) error
}

// New builds a Dispatcher. audit may be nil when the database is
// disabled.
func New(cfg config.TradingConfig, b broker.Broker, store *coord.Store, ledger Ledger, audit Auditor, bus *events.EventBus, cal *marketclock.Calendar, clock marketclock.Clock, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		cfg:    cfg,
		broker: b,
		store:  store,
		ledger: ledger,
		audit:  audit,
		bus:    bus,
		cal:    cal,
		clock:  clock,
		logger: logger.With().Str("component", "dispatch").Logger(),
		sleep:  sleepCtx,
	}
}

// IdempotencyKey builds the day-scoped key for an intent.
func IdempotencyKey(signalID, dayKey, execSymbol string) string {
	return fmt.Sprintf("%s:%s:%s", signalID, dayKey, execSymbol)
}

// Dispatch submits one intent. The returned status is terminal for this
// intent; a non-nil error means the submission could not complete and the
// reservation has been released.
func (d *Dispatcher) Dispatch(ctx context.Context, intent signal.Intent) (broker.OrderResult, error) {
	now := d.clock.Now()
	dayKey := d.cal.DayKey(now)
	idemKey := IdempotencyKey(intent.SignalID, dayKey, intent.Symbol)

	if !d.cfg.AutoMode {
		d.logger.Info().Str("symbol", intent.Symbol).Str("side", string(intent.Side)).
			Str("qty", intent.Qty.String()).Str("idem_key", idemKey).
			Msg("Auto mode off, intent logged only")
		d.ledger.Release(intent.SignalID)
		d.recordOrder(ctx, intent, idemKey, "", string(StatusLogOnly))
		return broker.OrderResult{Status: StatusLogOnly}, nil
	}

	claimed, err := d.store.ClaimIdempotency(ctx, idemKey, intent.SignalID, d.cal.UntilEndOfDay(now))
	if err != nil {
		d.ledger.Release(intent.SignalID)
		return broker.OrderResult{}, fmt.Errorf("idempotency claim: %w", err)
	}
	if !claimed {
		d.logger.Warn().Str("idem_key", idemKey).Msg("Duplicate intent, no broker call")
		d.ledger.Release(intent.SignalID)
		metrics.OrdersSubmitted.WithLabelValues(string(broker.StatusDuplicate)).Inc()
		d.publishOrderEvent(events.EventOrderDuplicate, "", intent, broker.StatusDuplicate, idemKey)
		return broker.OrderResult{Status: broker.StatusDuplicate}, nil
	}

	result, err := d.submitWithRetry(ctx, orderRequest(intent, idemKey, broker.TIFDay))
	if err != nil {
		d.ledger.Release(intent.SignalID)
		return broker.OrderResult{}, err
	}

	if result.Status == broker.StatusMarketClosed && d.cfg.QueueForOpen {
		d.logger.Info().Str("symbol", intent.Symbol).Msg("Market closed, queueing for the open")
		result, err = d.submitWithRetry(ctx, orderRequest(intent, idemKey, broker.TIFOpen))
		if err != nil {
			d.ledger.Release(intent.SignalID)
			return broker.OrderResult{}, err
		}
		if result.Status == broker.StatusAccepted {
			d.settle(ctx, intent, idemKey, result)
			metrics.OrdersSubmitted.WithLabelValues(string(result.Status)).Inc()
			return result, nil
		}
	}

	switch result.Status {
	case broker.StatusAccepted:
		d.settle(ctx, intent, idemKey, result)
	case broker.StatusDuplicate:
		d.ledger.Release(intent.SignalID)
		d.publishOrderEvent(events.EventOrderDuplicate, result.OrderID, intent, result.Status, idemKey)
	default:
		d.ledger.Release(intent.SignalID)
		d.logger.Warn().Str("symbol", intent.Symbol).Str("status", string(result.Status)).
			Str("reason", result.Reason).Msg("Order not accepted")
		d.recordOrder(ctx, intent, idemKey, result.OrderID, string(result.Status))
		d.publishOrderEvent(events.EventOrderRejected, result.OrderID, intent, result.Status, idemKey)
	}

	metrics.OrdersSubmitted.WithLabelValues(string(result.Status)).Inc()
	return result, nil
}

// settle records the accepted order, applies the fill to the risk
// ledger, and publishes the trail.
func (d *Dispatcher) settle(ctx context.Context, intent signal.Intent, idemKey string, result broker.OrderResult) {
	fillPrice := result.FilledPrice
	if fillPrice <= 0 {
		fillPrice = intent.Entry
	}
	qty, _ := intent.Qty.Float64()
	filled := qty
	if !result.FilledQty.IsZero() {
		filled, _ = result.FilledQty.Float64()
	}

	d.ledger.OnFill(intent.SignalID, intent.Symbol, intent.Side, filled, fillPrice, intent.Stop)
	d.recordOrder(ctx, intent, idemKey, result.OrderID, string(result.Status))
	if d.audit != nil && result.OrderID != "" {
		d.audit.OrderFilled(ctx, result.OrderID, fillPrice, filled)
	}
	d.publishOrderEvent(events.EventOrderFilled, result.OrderID, intent, result.Status, idemKey)

	if err := d.store.PublishStream(ctx, coord.StreamOrders, map[string]interface{}{
		"order_id": result.OrderID,
		"symbol":   intent.Symbol,
		"side":     string(intent.Side),
		"qty":      intent.Qty.String(),
		"price":    fillPrice,
		"idem_key": idemKey,
	}); err != nil {
		d.logger.Warn().Err(err).Msg("Order stream publish failed")
	}

	d.logger.Info().Str("order_id", result.OrderID).Str("symbol", intent.Symbol).
		Str("side", string(intent.Side)).Float64("fill_price", fillPrice).
		Float64("qty", filled).Msg("Order settled")
}

// submitWithRetry retries transient submission errors with exponential
// backoff. Broker-reported statuses are terminal and never retried.
func (d *Dispatcher) submitWithRetry(ctx context.Context, req broker.OrderRequest) (broker.OrderResult, error) {
	attempts := d.cfg.OrderRetryAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * time.Second
			if err := d.sleep(ctx, backoff); err != nil {
				return broker.OrderResult{}, err
			}
		}

		result, err := d.broker.SubmitMarketOrder(ctx, req)
		if err == nil {
			return result, nil
		}
		lastErr = err
		d.logger.Warn().Err(err).Int("attempt", attempt+1).
			Str("symbol", req.Symbol).Msg("Order submission failed")
	}
	return broker.OrderResult{}, fmt.Errorf("order submission exhausted retries: %w", lastErr)
}

func (d *Dispatcher) recordOrder(ctx context.Context, intent signal.Intent, idemKey, orderID, status string) {
	if d.audit == nil {
		return
	}
	d.audit.OrderSubmitted(ctx, intent, idemKey, orderID, status)
}

func (d *Dispatcher) publishOrderEvent(eventType events.EventType, orderID string, intent signal.Intent, status broker.OrderStatus, idemKey string) {
	if d.bus == nil {
		return
	}
	qty, _ := intent.Qty.Float64()
	d.bus.PublishOrder(eventType, orderID, intent.Symbol, string(intent.Side), string(status), idemKey, qty)
}

func orderRequest(intent signal.Intent, idemKey, tif string) broker.OrderRequest {
	req := broker.OrderRequest{
		Symbol:         intent.Symbol,
		Side:           intent.Side,
		Qty:            intent.Qty,
		Fractional:     intent.Fractional,
		IdempotencyKey: idemKey,
		TimeInForce:    tif,
	}
	if intent.Stop > 0 && intent.Target > 0 {
		req.Bracket = &broker.Bracket{Stop: intent.Stop, Target: intent.Target}
	}
	return req
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
