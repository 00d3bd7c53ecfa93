package database

import (
	"context"
	"time"

	"equities-trading-bot/internal/eod"
	"equities-trading-bot/internal/signal"
	"equities-trading-bot/internal/suppress"
)

// writeTimeout bounds every audit write so a slow database cannot stall
// the pipeline pass that triggered it.
const writeTimeout = 3 * time.Second

// RecordSignal stores one signal decision, emitted or suppressed.
func (db *DB) RecordSignal(ctx context.Context, c signal.Candidate, emitted bool, reason suppress.Reason) {
	if !db.Enabled() {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	_, err := db.pool.Exec(ctx, `
		INSERT INTO signals (signal_id, symbol, side, score, confidence, regime,
			event_type, source, basket, emitted, suppress_reason,
			entry, stop, target, horizon_mins, trigger)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		c.ID, c.Symbol, string(c.Side), c.Score, c.Confidence, string(c.Regime),
		c.EventType, c.Source, c.Basket, emitted, string(reason),
		c.Entry, c.Stop, c.Target, c.HorizonMins, c.Trigger)
	if err != nil {
		db.logger.Warn().Err(err).Str("signal_id", c.ID).Msg("Signal audit write failed")
	}
}

// OrderSubmitted stores one order submission attempt.
func (db *DB) OrderSubmitted(ctx context.Context, it signal.Intent, idemKey, orderID string, status string) {
	if !db.Enabled() {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	_, err := db.pool.Exec(ctx, `
		INSERT INTO orders (order_id, signal_id, idempotency_key, symbol, side,
			qty, entry, stop, target, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (idempotency_key) DO UPDATE SET
			order_id = EXCLUDED.order_id, status = EXCLUDED.status`,
		orderID, it.SignalID, idemKey, it.Symbol, string(it.Side),
		it.Qty, it.Entry, it.Stop, it.Target, status)
	if err != nil {
		db.logger.Warn().Err(err).Str("idem_key", idemKey).Msg("Order audit write failed")
	}
}

// OrderFilled stores one fill.
func (db *DB) OrderFilled(ctx context.Context, orderID string, price, qty float64) {
	if !db.Enabled() {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	_, err := db.pool.Exec(ctx,
		`INSERT INTO fills (order_id, price, qty) VALUES ($1, $2, $3)`,
		orderID, price, qty)
	if err != nil {
		db.logger.Warn().Err(err).Str("order_id", orderID).Msg("Fill audit write failed")
	}
}

// RecordDaily upserts the end-of-day metrics row.
func (db *DB) RecordDaily(ctx context.Context, r eod.Report) error {
	if !db.Enabled() {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	_, err := db.pool.Exec(ctx, `
		INSERT INTO metrics_daily (day, signals_emitted, suppressed, orders_filled,
			orders_rejected, baskets_fired, llm_calls, realized_pnl, equity,
			kill_switch_trips, generated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (day) DO UPDATE SET
			signals_emitted = EXCLUDED.signals_emitted,
			suppressed = EXCLUDED.suppressed,
			orders_filled = EXCLUDED.orders_filled,
			orders_rejected = EXCLUDED.orders_rejected,
			baskets_fired = EXCLUDED.baskets_fired,
			llm_calls = EXCLUDED.llm_calls,
			realized_pnl = EXCLUDED.realized_pnl,
			equity = EXCLUDED.equity,
			kill_switch_trips = EXCLUDED.kill_switch_trips,
			generated_at = EXCLUDED.generated_at`,
		r.Date, r.SignalsEmitted, r.Suppressed, r.OrdersFilled,
		r.OrdersRejected, r.BasketsFired, r.LLMCalls, r.RealizedPnL, r.Equity,
		r.KillSwitchTrips, r.GeneratedAt)
	return err
}

// SignalRow is one persisted signal decision, shaped for the ops API.
type SignalRow struct {
	SignalID       string    `json:"signal_id"`
	Symbol         string    `json:"symbol"`
	Side           string    `json:"side"`
	Score          float64   `json:"score"`
	Confidence     float64   `json:"confidence"`
	Regime         string    `json:"regime"`
	EventType      string    `json:"event_type,omitempty"`
	Source         string    `json:"source"`
	Basket         string    `json:"basket,omitempty"`
	Emitted        bool      `json:"emitted"`
	SuppressReason string    `json:"suppress_reason,omitempty"`
	Entry          float64   `json:"entry"`
	Trigger        string    `json:"trigger,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// RecentSignals returns the latest decisions, newest first. emittedOnly
// narrows to signals that survived suppression.
func (db *DB) RecentSignals(ctx context.Context, limit int, emittedOnly bool) ([]SignalRow, error) {
	if !db.Enabled() {
		return nil, nil
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	query := `
		SELECT signal_id, symbol, side, score, confidence, regime, event_type,
			source, basket, emitted, suppress_reason, entry, trigger, created_at
		FROM signals`
	if emittedOnly {
		query += ` WHERE emitted = TRUE`
	}
	query += ` ORDER BY created_at DESC LIMIT $1`

	rows, err := db.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SignalRow
	for rows.Next() {
		var r SignalRow
		if err := rows.Scan(&r.SignalID, &r.Symbol, &r.Side, &r.Score, &r.Confidence,
			&r.Regime, &r.EventType, &r.Source, &r.Basket, &r.Emitted,
			&r.SuppressReason, &r.Entry, &r.Trigger, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SuppressionCounts aggregates suppression reasons over the trailing
// window, for the ops dashboard.
func (db *DB) SuppressionCounts(ctx context.Context, since time.Time) (map[string]int, error) {
	if !db.Enabled() {
		return nil, nil
	}

	rows, err := db.pool.Query(ctx, `
		SELECT suppress_reason, COUNT(*)
		FROM signals
		WHERE emitted = FALSE AND created_at >= $1
		GROUP BY suppress_reason`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var reason string
		var n int
		if err := rows.Scan(&reason, &n); err != nil {
			return nil, err
		}
		out[reason] = n
	}
	return out, rows.Err()
}
