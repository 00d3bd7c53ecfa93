package llm

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"equities-trading-bot/config"
	"equities-trading-bot/internal/coord"
	"equities-trading-bot/internal/marketclock"
	"equities-trading-bot/internal/metrics"
	"equities-trading-bot/internal/signal"

	"github.com/rs/zerolog"
)

// DenialReason tags why the gate refused a consult.
type DenialReason string

const (
	DenyNone            DenialReason = ""
	DenyDisabled        DenialReason = "disabled"
	DenyEventNotAllowed DenialReason = "event_not_allowed"
	DenyDailyCap        DenialReason = "daily_cap"
	DenyMonthlyCost     DenialReason = "monthly_cost_cap"
	DenyCallFailed      DenialReason = "call_failed"
)

// allowedEvents are the event types that justify a consult regardless of
// score strength.
var allowedEvents = map[string]struct{}{
	signal.EventEdgar:          {},
	signal.EventVolSpike:       {},
	signal.EventFedSpeech:      {},
	signal.EventRateDecision:   {},
	signal.EventMarketNews:     {},
	signal.EventTechEarnings:   {},
	signal.EventBasketInverse:  {},
	signal.EventMacroRiskOnOff: {},
}

// Outcome is the result of one gated consult attempt.
type Outcome struct {
	Insight      Insight
	Used         bool // an insight is available, fresh or cached
	FromCache    bool
	Denial       DenialReason
	BudgetDenied bool // a consult the event type required was refused for budget reasons
}

// Gate decides whether an event is worth an LLM call, serves cached
// verdicts, and enforces the daily call cap and the monthly cost cap.
// Denied consults fall through to neutral sentiment; the pipeline never
// blocks on this layer.
type Gate struct {
	cfg     config.LLMConfig
	service Service
	store   *coord.Store
	cal     *marketclock.Calendar
	clock   marketclock.Clock
	logger  zerolog.Logger
}

// NewGate builds a Gate around the analyzer service.
func NewGate(cfg config.LLMConfig, service Service, store *coord.Store, cal *marketclock.Calendar, clock marketclock.Clock, logger zerolog.Logger) *Gate {
	return &Gate{
		cfg:     cfg,
		service: service,
		store:   store,
		cal:     cal,
		clock:   clock,
		logger:  logger.With().Str("component", "llm_gate").Logger(),
	}
}

// ShouldCall reports whether a consult is justified for the event and
// score, before any budget is checked.
func (g *Gate) ShouldCall(eventType string, score float64) (bool, DenialReason) {
	if !g.cfg.Enabled || g.service == nil {
		return false, DenyDisabled
	}
	if _, ok := allowedEvents[eventType]; ok {
		return true, DenyNone
	}
	if math.Abs(score) >= g.cfg.GateMinScore {
		return true, DenyNone
	}
	return false, DenyEventNotAllowed
}

// eventRequired reports whether the event type itself demanded the
// consult; only then does a budget denial suppress the signal.
func eventRequired(eventType string) bool {
	_, ok := allowedEvents[eventType]
	return ok
}

// Consult runs the full gate: justification, cache, daily cap, monthly
// cost cap, then the call. A denied or failed consult returns Used=false
// and the caller proceeds with neutral sentiment.
func (g *Gate) Consult(ctx context.Context, ticker, eventType string, score float64, text string) Outcome {
	ok, denial := g.ShouldCall(eventType, score)
	if !ok {
		return Outcome{Denial: denial}
	}

	cacheKey := fmt.Sprintf(coord.KeyLLMCache, eventType, ticker)
	var cached Insight
	if err := g.store.GetJSON(ctx, cacheKey, &cached); err == nil {
		metrics.LLMCalls.WithLabelValues("cache_hit").Inc()
		return Outcome{Insight: cached, Used: true, FromCache: true}
	} else if !errors.Is(err, coord.ErrNotFound) {
		g.logger.Warn().Err(err).Str("ticker", ticker).Msg("Insight cache unreadable")
	}

	now := g.clock.Now()

	monthKey := now.Format("200601")
	spent, err := g.store.LLMCost(ctx, monthKey)
	if err != nil {
		g.logger.Warn().Err(err).Msg("Monthly cost unreadable, denying consult")
		return g.budgetDenied(eventType, DenyMonthlyCost)
	}
	if spent >= g.cfg.MonthlyCostCapUSD {
		g.logger.Warn().Float64("spent_usd", spent).Float64("cap_usd", g.cfg.MonthlyCostCapUSD).
			Msg("Monthly LLM cost cap reached")
		return g.budgetDenied(eventType, DenyMonthlyCost)
	}

	dayKey := g.cal.DayKey(now)
	allowed, err := g.store.ConsumeLLMCall(ctx, dayKey, g.cfg.DailyCallCap, g.cal.UntilEndOfDay(now))
	if err != nil {
		g.logger.Warn().Err(err).Msg("Daily call counter unavailable, denying consult")
		return g.budgetDenied(eventType, DenyDailyCap)
	}
	if !allowed {
		return g.budgetDenied(eventType, DenyDailyCap)
	}

	insight, err := g.service.Analyze(ctx, text, Context{Ticker: ticker, EventType: eventType})
	if err != nil {
		g.logger.Error().Err(err).Str("ticker", ticker).Str("event", eventType).Msg("Insight call failed")
		metrics.LLMCalls.WithLabelValues("failed").Inc()
		return Outcome{Denial: DenyCallFailed}
	}

	if _, err := g.store.AddLLMCost(ctx, monthKey, g.cfg.CostPerCallUSD); err != nil {
		g.logger.Warn().Err(err).Msg("Cost accumulation failed")
	}

	ttl := time.Duration(g.cfg.CacheTTLMins) * time.Minute
	if err := g.store.SetJSON(ctx, cacheKey, insight, ttl); err != nil {
		g.logger.Warn().Err(err).Msg("Insight cache write failed")
	}

	metrics.LLMCalls.WithLabelValues("called").Inc()
	return Outcome{Insight: insight, Used: true}
}

func (g *Gate) budgetDenied(eventType string, denial DenialReason) Outcome {
	metrics.LLMCalls.WithLabelValues(string(denial)).Inc()
	return Outcome{Denial: denial, BudgetDenied: eventRequired(eventType)}
}
