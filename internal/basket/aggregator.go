// Package basket aggregates individual short signals on basket members
// into single inverse-ETF entries. Member shorts never trade directly;
// they only feed the windows here, and each window fires at most one ETF
// buy while its single-flight lock is held.
package basket

import (
	"context"
	"math"
	"sync"
	"time"

	"equities-trading-bot/config"
	"equities-trading-bot/internal/marketclock"
	"equities-trading-bot/internal/metrics"
	"equities-trading-bot/internal/signal"
	"equities-trading-bot/internal/suppress"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Inverse-ETF entries carry fixed brackets: a broad sell-off is a
// volatility event, so the wide ratios apply.
const (
	inverseStopPct   = 0.02
	inverseTargetPct = 0.04
	inverseHorizon   = 60
	requiredStreak   = 2 // consecutive ticks the conditions must hold
)

// Locker is the ETF single-flight lock, served by the coordination store.
type Locker interface {
	AcquireETFLock(ctx context.Context, symbol string, ttl time.Duration) (bool, error)
	HoldsETFLock(ctx context.Context, symbol string) (bool, error)
	ReleaseETFLock(ctx context.Context, symbol string) error
}

// Ledger answers position questions, served by the risk manager.
type Ledger interface {
	HoldsPosition(symbol string) bool
	HoldsLongIn(symbols []string) (string, bool)
}

// PriceSource resolves the last known price for the ETF entry.
type PriceSource func(symbol string) (float64, bool)

type entry struct {
	score float64
	at    time.Time
}

// Result is the outcome of one basket evaluation on one tick.
type Result struct {
	Basket      string
	ETF         string
	Fired       bool
	Reason      suppress.Reason // set when conditions held but the fire was blocked
	Candidate   signal.Candidate
	MeanScore   float64
	NegFraction float64
	Distinct    int
}

// Aggregator holds the per-basket sliding windows and fire streaks.
// Observe may be called from concurrent scan workers.
type Aggregator struct {
	mu        sync.Mutex
	cfg       config.BasketConfig
	memberOf  map[string]string          // symbol -> basket name
	windows   map[string]map[string]entry // basket -> ticker -> latest short score
	streaks   map[string]int
	locker    Locker
	ledger    Ledger
	lastPrice PriceSource
	conflict  bool // conflicting-position check enabled
	clock     marketclock.Clock
	logger    zerolog.Logger
}

// New builds the aggregator from the configured baskets.
func New(cfg config.BasketConfig, conflictCheck bool, locker Locker, ledger Ledger, lastPrice PriceSource, clock marketclock.Clock, logger zerolog.Logger) *Aggregator {
	memberOf := make(map[string]string)
	windows := make(map[string]map[string]entry, len(cfg.Baskets))
	for name, spec := range cfg.Baskets {
		windows[name] = make(map[string]entry)
		for _, sym := range spec.Symbols {
			memberOf[sym] = name
		}
	}
	return &Aggregator{
		cfg:       cfg,
		memberOf:  memberOf,
		windows:   windows,
		streaks:   make(map[string]int),
		locker:    locker,
		ledger:    ledger,
		lastPrice: lastPrice,
		conflict:  conflictCheck,
		clock:     clock,
		logger:    logger.With().Str("component", "basket").Logger(),
	}
}

// Member reports which basket, if any, the symbol belongs to.
func (a *Aggregator) Member(symbol string) (string, bool) {
	name, ok := a.memberOf[symbol]
	return name, ok
}

// Observe feeds one short candidate into its basket window. Candidates
// for non-members are ignored and the caller drops them.
func (a *Aggregator) Observe(c signal.Candidate) bool {
	if c.Side != signal.SideShort {
		return false
	}
	name, ok := a.memberOf[c.Symbol]
	if !ok {
		return false
	}
	a.mu.Lock()
	a.windows[name][c.Symbol] = entry{score: c.Score, at: a.clock.Now()}
	a.mu.Unlock()
	a.logger.Debug().Str("basket", name).Str("ticker", c.Symbol).
		Float64("score", c.Score).Msg("Short observed")
	return true
}

// EvaluateTick checks every basket after a full scan pass. Conditions
// must hold on two consecutive ticks before a fire is attempted; a
// blocked fire (lock, conflict) resets nothing, the streak carries.
func (a *Aggregator) EvaluateTick(ctx context.Context) []Result {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.clock.Now()
	window := time.Duration(a.cfg.WindowSecs) * time.Second

	var results []Result
	for name, spec := range a.cfg.Baskets {
		res := a.evaluate(ctx, name, spec, now, window)
		if res != nil {
			results = append(results, *res)
		}
	}
	return results
}

func (a *Aggregator) evaluate(ctx context.Context, name string, spec config.BasketSpec, now time.Time, window time.Duration) *Result {
	scores := a.windows[name]
	for ticker, e := range scores {
		if now.Sub(e.at) > window {
			delete(scores, ticker)
		}
	}

	distinct := len(scores)
	if distinct == 0 {
		a.streaks[name] = 0
		return nil
	}

	sum, neg := 0.0, 0
	for _, e := range scores {
		sum += e.score
		if e.score < 0 {
			neg++
		}
	}
	mean := sum / float64(distinct)
	negFraction := float64(neg) / float64(distinct)

	held := a.ledger.HoldsPosition(spec.InverseETF)
	locked := false
	if !held {
		var err error
		locked, err = a.locker.HoldsETFLock(ctx, spec.InverseETF)
		if err != nil {
			a.logger.Warn().Err(err).Str("etf", spec.InverseETF).Msg("Lock state unreadable")
			locked = true // treat unknown as locked, never double-fire
		}
	}

	conditions := distinct >= a.cfg.MinTickers &&
		negFraction >= a.cfg.NegativeFraction &&
		mean <= a.cfg.MeanScoreMax &&
		!held && !locked

	if !conditions {
		a.streaks[name] = 0
		return nil
	}

	a.streaks[name]++
	if a.streaks[name] < requiredStreak {
		a.logger.Debug().Str("basket", name).Int("streak", a.streaks[name]).
			Float64("mean", mean).Msg("Basket conditions held, awaiting confirmation")
		return nil
	}

	res := a.fire(ctx, name, spec, mean, negFraction, distinct)
	if res.Fired {
		a.streaks[name] = 0
	}
	return res
}

// fire acquires the lock, checks for a conflicting base-index long, and
// builds the ETF buy candidate.
func (a *Aggregator) fire(ctx context.Context, name string, spec config.BasketSpec, mean, negFraction float64, distinct int) *Result {
	res := &Result{
		Basket:      name,
		ETF:         spec.InverseETF,
		MeanScore:   mean,
		NegFraction: negFraction,
		Distinct:    distinct,
	}

	ttl := time.Duration(a.cfg.ETFLockTTLSecs) * time.Second
	acquired, err := a.locker.AcquireETFLock(ctx, spec.InverseETF, ttl)
	if err != nil || !acquired {
		res.Reason = suppress.ReasonETFLock
		return res
	}

	if a.conflict {
		if sym, held := a.ledger.HoldsLongIn(spec.Symbols); held {
			// The lock stays: the sell-off signal is live and a retry
			// within the TTL would hit the same conflict.
			a.logger.Warn().Str("basket", name).Str("conflict", sym).
				Msg("Basket fire blocked by base long")
			res.Reason = suppress.ReasonConflictingPosition
			return res
		}
	}

	price, ok := a.lastPrice(spec.InverseETF)
	if !ok || price <= 0 {
		if relErr := a.locker.ReleaseETFLock(ctx, spec.InverseETF); relErr != nil {
			a.logger.Warn().Err(relErr).Str("etf", spec.InverseETF).Msg("Lock release failed")
		}
		res.Reason = suppress.ReasonExternalError
		return res
	}

	score := math.Max(math.Abs(mean), a.cfg.InverseEntryMinScore)
	now := a.clock.Now()

	res.Fired = true
	res.Candidate = signal.Candidate{
		ID:          uuid.New().String(),
		Symbol:      spec.InverseETF,
		Side:        signal.SideLong,
		Score:       score,
		Confidence:  negFraction,
		Regime:      signal.RegimeVolSpike,
		EventType:   signal.EventBasketInverse,
		Trigger:     name + " basket sell-off",
		Summary:     spec.InverseETF + " inverse entry",
		Entry:       price,
		Stop:        price * (1 - inverseStopPct),
		Target:      price * (1 + inverseTargetPct),
		HorizonMins: inverseHorizon,
		BarStart:    now.Truncate(time.Minute),
		Source:      signal.SourceBasket,
		Basket:      name,
		CreatedAt:   now,
	}

	metrics.BasketsFired.WithLabelValues(name).Inc()
	a.logger.Info().Str("basket", name).Str("etf", spec.InverseETF).
		Float64("mean", mean).Float64("neg_fraction", negFraction).
		Int("tickers", distinct).Msg("Basket fired")

	return res
}
