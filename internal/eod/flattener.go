// Package eod closes the book at the end of each session: it flattens
// open positions inside the configured lead window, sweeps leftovers at
// the next open, and writes the daily report.
package eod

import (
	"context"
	"fmt"

	"equities-trading-bot/internal/broker"
	"equities-trading-bot/internal/coord"
	"equities-trading-bot/internal/events"
	"equities-trading-bot/internal/marketclock"
	"equities-trading-bot/internal/signal"

	"github.com/rs/zerolog"
)

// Ledger is the slice of the risk manager the flattener settles with.
type Ledger interface {
	OnClose(symbol string, exitPrice float64)
}

// Flattener closes every open position with idempotent day-keyed orders,
// so a re-run inside the window is a no-op.
type Flattener struct {
	broker broker.Broker
	store  *coord.Store
	ledger Ledger
	bus    *events.EventBus
	cal    *marketclock.Calendar
	clock  marketclock.Clock
	logger zerolog.Logger
}

// NewFlattener builds a Flattener.
func NewFlattener(b broker.Broker, store *coord.Store, ledger Ledger, bus *events.EventBus, cal *marketclock.Calendar, clock marketclock.Clock, logger zerolog.Logger) *Flattener {
	return &Flattener{
		broker: b,
		store:  store,
		ledger: ledger,
		bus:    bus,
		cal:    cal,
		clock:  clock,
		logger: logger.With().Str("component", "eod").Logger(),
	}
}

// FlattenAll closes every open position, keyed `eod:{day}:{ticker}`.
// The kill switch never blocks this path.
func (f *Flattener) FlattenAll(ctx context.Context) (int, error) {
	return f.flatten(ctx, "eod")
}

// OpeningCleanup sweeps positions that survived the previous close, for
// example fills that landed after the flatten window. It runs in the
// opening window with `opg:`-prefixed keys.
func (f *Flattener) OpeningCleanup(ctx context.Context) (int, error) {
	return f.flatten(ctx, "opg")
}

func (f *Flattener) releaseClaim(ctx context.Context, idemKey, symbol string) {
	if err := f.store.ReleaseIdempotency(ctx, idemKey); err != nil {
		f.logger.Warn().Err(err).Str("symbol", symbol).Str("idem_key", idemKey).
			Msg("Flatten claim release failed, position may need a manual close")
	}
}

func (f *Flattener) flatten(ctx context.Context, prefix string) (int, error) {
	now := f.clock.Now()
	dayKey := f.cal.DayKey(now)

	positions, err := f.broker.GetPositions(ctx)
	if err != nil {
		return 0, fmt.Errorf("enumerate positions: %w", err)
	}
	if len(positions) == 0 {
		return 0, nil
	}

	closed := 0
	var firstErr error
	for _, pos := range positions {
		if pos.Qty.IsZero() {
			continue
		}

		idemKey := fmt.Sprintf("%s:%s:%s", prefix, dayKey, pos.Symbol)
		claimed, err := f.store.ClaimIdempotency(ctx, idemKey, pos.Symbol, f.cal.UntilEndOfDay(now))
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if !claimed {
			f.logger.Debug().Str("idem_key", idemKey).Msg("Position already flattened")
			continue
		}

		side := signal.SideShort // sell to close a long
		qty := pos.Qty
		if pos.Qty.IsNegative() {
			side = signal.SideLong
			qty = pos.Qty.Neg()
		}

		result, err := f.broker.SubmitMarketOrder(ctx, broker.OrderRequest{
			Symbol:         pos.Symbol,
			Side:           side,
			Qty:            qty,
			IdempotencyKey: idemKey,
			TimeInForce:    broker.TIFDay,
		})
		if err != nil {
			// Free the claim so the next pass inside the window retries
			// this position instead of treating it as flattened.
			f.releaseClaim(ctx, idemKey, pos.Symbol)
			f.logger.Error().Err(err).Str("symbol", pos.Symbol).Msg("Flatten order failed")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		switch result.Status {
		case broker.StatusAccepted:
			exit := result.FilledPrice
			if exit <= 0 {
				exit = pos.AvgEntryPrice
			}
			f.ledger.OnClose(pos.Symbol, exit)
			closed++
			f.logger.Info().Str("symbol", pos.Symbol).Str("qty", qty.String()).
				Float64("exit", exit).Msg("Position flattened")
		case broker.StatusDuplicate:
			f.logger.Debug().Str("symbol", pos.Symbol).Msg("Flatten already submitted")
		default:
			f.releaseClaim(ctx, idemKey, pos.Symbol)
			f.logger.Warn().Str("symbol", pos.Symbol).Str("status", string(result.Status)).
				Str("reason", result.Reason).Msg("Flatten order not accepted")
		}
	}

	if closed > 0 && f.bus != nil {
		f.bus.Publish(events.Event{
			Type:      events.EventEODFlatten,
			Timestamp: now,
			Data:      map[string]interface{}{"closed": closed, "prefix": prefix},
		})
	}
	return closed, firstErr
}
