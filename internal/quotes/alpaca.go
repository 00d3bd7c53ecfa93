package quotes

import (
	"context"
	"fmt"
	"time"

	"equities-trading-bot/config"
	"equities-trading-bot/internal/bars"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/rs/zerolog"
)

// AlpacaProvider serves market data from the Alpaca data API.
type AlpacaProvider struct {
	client *marketdata.Client
	feed   marketdata.Feed
	logger zerolog.Logger
}

var _ Provider = (*AlpacaProvider)(nil)

// NewAlpacaProvider builds a provider from the account configuration.
func NewAlpacaProvider(cfg config.AlpacaConfig, logger zerolog.Logger) *AlpacaProvider {
	return &AlpacaProvider{
		client: marketdata.NewClient(marketdata.ClientOpts{
			APIKey:    cfg.APIKey,
			APISecret: cfg.APISecret,
			BaseURL:   cfg.DataURL,
		}),
		feed:   marketdata.Feed(cfg.Feed),
		logger: logger.With().Str("component", "quotes").Logger(),
	}
}

// LatestTrade returns the most recent print. The SDK call has no context
// variant; its own HTTP timeout bounds the request.
func (p *AlpacaProvider) LatestTrade(_ context.Context, symbol string) (Trade, error) {
	trade, err := p.client.GetLatestTrade(symbol, marketdata.GetLatestTradeRequest{Feed: p.feed})
	if err != nil {
		return Trade{}, fmt.Errorf("latest trade %s: %w", symbol, err)
	}
	if trade == nil {
		return Trade{}, fmt.Errorf("no trade data for %s", symbol)
	}
	return Trade{
		Symbol: symbol,
		Price:  trade.Price,
		Size:   float64(trade.Size),
		At:     trade.Timestamp,
	}, nil
}

// HistoricalBars fetches minute bars from start, oldest first.
func (p *AlpacaProvider) HistoricalBars(_ context.Context, symbol string, start time.Time, limit int) ([]bars.Bar, error) {
	raw, err := p.client.GetBars(symbol, marketdata.GetBarsRequest{
		TimeFrame: marketdata.OneMin,
		Start:     start,
		Feed:      p.feed,
	})
	if err != nil {
		return nil, fmt.Errorf("historical bars %s: %w", symbol, err)
	}

	if limit > 0 && len(raw) > limit {
		raw = raw[len(raw)-limit:]
	}

	out := make([]bars.Bar, 0, len(raw))
	for _, b := range raw {
		out = append(out, bars.Bar{
			Start:  b.Timestamp,
			Open:   b.Open,
			High:   b.High,
			Low:    b.Low,
			Close:  b.Close,
			Volume: float64(b.Volume),
		})
	}

	p.logger.Debug().Str("symbol", symbol).Int("bars", len(out)).Msg("Backfill fetched")
	return out, nil
}
