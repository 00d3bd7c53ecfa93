// Package ingest feeds the bar store from the market data provider under
// the tiered polling budget. A fetch happens only when the symbol is due
// at its tier cadence and a token is granted; failed fetches do not
// advance the ingest timestamp, so the symbol retries on the next pass.
package ingest

import (
	"context"
	"sync"
	"time"

	"equities-trading-bot/config"
	"equities-trading-bot/internal/bars"
	"equities-trading-bot/internal/marketclock"
	"equities-trading-bot/internal/metrics"
	"equities-trading-bot/internal/quotes"
	"equities-trading-bot/internal/ratelimit"
	"equities-trading-bot/internal/signal"

	"github.com/rs/zerolog"
)

// backfillWindow is how far back the startup warm-up reaches; enough for
// every indicator's minimum history.
const backfillWindow = 45 * time.Minute

// Ingestor polls the provider and maintains per-symbol freshness.
type Ingestor struct {
	mu         sync.Mutex
	lastIngest map[string]time.Time

	cfg      config.UniverseConfig
	provider quotes.Provider
	store    *bars.Store
	limiter  *ratelimit.Limiter
	cal      *marketclock.Calendar
	clock    marketclock.Clock
	logger   zerolog.Logger

	tierOf map[string]ratelimit.Tier
}

// New builds an Ingestor.
func New(cfg config.UniverseConfig, provider quotes.Provider, store *bars.Store, limiter *ratelimit.Limiter, cal *marketclock.Calendar, clock marketclock.Clock, logger zerolog.Logger) *Ingestor {
	tierOf := make(map[string]ratelimit.Tier)
	for _, s := range cfg.TierASymbols {
		tierOf[s] = ratelimit.TierA
	}
	for _, s := range cfg.TierBSymbols {
		tierOf[s] = ratelimit.TierB
	}
	// Bench symbols fetch on demand through the Tier B bucket.
	for _, s := range cfg.BenchSymbols {
		tierOf[s] = ratelimit.TierB
	}

	return &Ingestor{
		lastIngest: make(map[string]time.Time),
		cfg:        cfg,
		provider:   provider,
		store:      store,
		limiter:    limiter,
		cal:        cal,
		clock:      clock,
		logger:     logger.With().Str("component", "ingest").Logger(),
		tierOf:     tierOf,
	}
}

// Backfill warm-starts the bar windows so indicators have history on the
// first scan. Backfill bypasses the tick budget; it runs once at startup.
func (in *Ingestor) Backfill(ctx context.Context, symbols []string) {
	start := in.clock.Now().Add(-backfillWindow)
	for _, symbol := range symbols {
		hist, err := in.provider.HistoricalBars(ctx, symbol, start, 0)
		if err != nil {
			in.logger.Warn().Err(err).Str("symbol", symbol).Msg("Backfill failed")
			continue
		}
		in.store.Backfill(symbol, hist)
		in.logger.Debug().Str("symbol", symbol).Int("bars", len(hist)).Msg("Backfilled")
	}
}

// interval returns the polling cadence for a symbol's tier.
func (in *Ingestor) interval(symbol string) time.Duration {
	if in.tierOf[symbol] == ratelimit.TierA {
		return time.Duration(in.cfg.TierAIntervalSecs) * time.Second
	}
	return time.Duration(in.cfg.TierBIntervalSecs) * time.Second
}

// due reports whether the symbol's cadence has elapsed.
func (in *Ingestor) due(symbol string, now time.Time) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	last, ok := in.lastIngest[symbol]
	if !ok {
		return true
	}
	return now.Sub(last) >= in.interval(symbol)
}

func (in *Ingestor) advance(symbol string, now time.Time) {
	in.mu.Lock()
	in.lastIngest[symbol] = now
	in.mu.Unlock()
}

// ScanTier polls every due symbol of the tier and returns the symbols
// whose windows were updated. Closed sessions idle; the extended session
// polls at the normal cadence.
func (in *Ingestor) ScanTier(ctx context.Context, tier ratelimit.Tier) []string {
	now := in.clock.Now()
	if in.cal.Session(now) == signal.SessionClosed {
		return nil
	}

	var symbols []string
	if tier == ratelimit.TierA {
		symbols = in.cfg.TierASymbols
	} else {
		symbols = in.cfg.TierBSymbols
	}

	var updated []string
	for _, symbol := range symbols {
		if !in.due(symbol, now) {
			continue
		}
		if in.fetch(ctx, symbol, tier) {
			updated = append(updated, symbol)
		}
	}
	return updated
}

// EnsureFresh fetches a symbol outside its cadence, for event-driven
// bench tickers. It still pays for a token.
func (in *Ingestor) EnsureFresh(ctx context.Context, symbol string) bool {
	now := in.clock.Now()
	in.mu.Lock()
	last, ok := in.lastIngest[symbol]
	in.mu.Unlock()
	// Recent enough: a fetch would buy nothing.
	if ok && now.Sub(last) < in.store.Interval() {
		return true
	}

	tier, known := in.tierOf[symbol]
	if !known {
		tier = ratelimit.TierB
	}
	return in.fetch(ctx, symbol, tier)
}

// fetch consumes one token and applies the latest trade to the window.
// Denials and provider errors leave the ingest timestamp untouched.
func (in *Ingestor) fetch(ctx context.Context, symbol string, tier ratelimit.Tier) bool {
	res, err := in.limiter.TryConsume(ctx, tier)
	if err != nil {
		in.logger.Warn().Err(err).Str("symbol", symbol).Msg("Token consume failed")
		return false
	}
	if !res.Allowed {
		metrics.RateLimitDenied.WithLabelValues(string(tier)).Inc()
		in.logger.Debug().Str("symbol", symbol).Str("tier", string(tier)).Msg("Budget exhausted")
		return false
	}

	trade, err := in.provider.LatestTrade(ctx, symbol)
	if err != nil {
		in.logger.Warn().Err(err).Str("symbol", symbol).Msg("Trade fetch failed")
		return false
	}

	at := trade.At
	if at.IsZero() {
		at = in.clock.Now()
	}
	in.store.UpsertTick(symbol, trade.Price, trade.Size, at)
	in.advance(symbol, in.clock.Now())
	metrics.TicksScored.WithLabelValues(string(tier)).Inc()
	return true
}

// LastIngest exposes freshness for the status API.
func (in *Ingestor) LastIngest(symbol string) (time.Time, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	t, ok := in.lastIngest[symbol]
	return t, ok
}
