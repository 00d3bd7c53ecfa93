// Package quotes abstracts the market data feed behind a small provider
// interface so the ingest loop can run against the live Alpaca feed or a
// fake in tests.
package quotes

import (
	"context"
	"time"

	"equities-trading-bot/internal/bars"
)

// Trade is the most recent print for a symbol.
type Trade struct {
	Symbol string
	Price  float64
	Size   float64
	At     time.Time
}

// Provider serves latest trades and historical bars.
type Provider interface {
	// LatestTrade returns the most recent trade for the symbol.
	LatestTrade(ctx context.Context, symbol string) (Trade, error)

	// HistoricalBars returns minute bars from start, oldest first, for
	// warm-starting the rolling window.
	HistoricalBars(ctx context.Context, symbol string, start time.Time, limit int) ([]bars.Bar, error)
}
