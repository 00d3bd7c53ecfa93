package eod

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"equities-trading-bot/config"
	"equities-trading-bot/internal/coord"
	"equities-trading-bot/internal/events"
	"equities-trading-bot/internal/marketclock"

	"github.com/rs/zerolog"
)

// Report is the daily summary persisted at the close.
type Report struct {
	Date            string    `json:"date"` // YYYYMMDD
	SignalsEmitted  int       `json:"signals_emitted"`
	Suppressed      int       `json:"suppressed"`
	OrdersFilled    int       `json:"orders_filled"`
	OrdersRejected  int       `json:"orders_rejected"`
	BasketsFired    int       `json:"baskets_fired"`
	LLMCalls        int       `json:"llm_calls"`
	RealizedPnL     float64   `json:"realized_pnl"`
	Equity          float64   `json:"equity"`
	KillSwitchTrips int       `json:"kill_switch_trips"`
	GeneratedAt     time.Time `json:"generated_at"`
}

// MetricsSink persists the report row, typically into metrics_daily.
type MetricsSink interface {
	RecordDaily(ctx context.Context, r Report) error
}

// Notifier posts the human-readable summary; nil-safe when alerts are
// disabled.
type Notifier interface {
	Notify(level, title, message string)
}

// Reporter counts pipeline events over the day and writes the summary at
// the close.
type Reporter struct {
	mu sync.Mutex

	cfg    config.EODConfig
	store  *coord.Store
	sink   MetricsSink
	notify Notifier
	cal    *marketclock.Calendar
	clock  marketclock.Clock
	logger zerolog.Logger

	signals    int
	suppressed int
	filled     int
	rejected   int
	baskets    int
	llmCalls   int
	killTrips  int
}

// NewReporter builds a Reporter and subscribes it to the event bus.
func NewReporter(cfg config.EODConfig, bus *events.EventBus, store *coord.Store, sink MetricsSink, notify Notifier, cal *marketclock.Calendar, clock marketclock.Clock, logger zerolog.Logger) *Reporter {
	r := &Reporter{
		cfg:    cfg,
		store:  store,
		sink:   sink,
		notify: notify,
		cal:    cal,
		clock:  clock,
		logger: logger.With().Str("component", "eod_report").Logger(),
	}
	if bus != nil {
		bus.SubscribeAll(r.observe)
	}
	return r
}

func (r *Reporter) observe(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch e.Type {
	case events.EventSignalEmitted:
		r.signals++
	case events.EventSignalSuppressed:
		r.suppressed++
	case events.EventOrderFilled:
		r.filled++
	case events.EventOrderRejected:
		r.rejected++
	case events.EventBasketFired:
		r.baskets++
	case events.EventKillSwitch:
		r.killTrips++
	}
}

// CountLLMCall tracks consults; the gate calls this on each paid call.
func (r *Reporter) CountLLMCall() {
	r.mu.Lock()
	r.llmCalls++
	r.mu.Unlock()
}

// Generate builds, persists, and announces the daily report, then resets
// the counters for the next session.
func (r *Reporter) Generate(ctx context.Context, realizedPnL, equity float64) (Report, error) {
	if !r.cfg.ReportEnabled {
		return Report{}, nil
	}

	now := r.clock.Now()
	r.mu.Lock()
	report := Report{
		Date:            r.cal.DayKey(now),
		SignalsEmitted:  r.signals,
		Suppressed:      r.suppressed,
		OrdersFilled:    r.filled,
		OrdersRejected:  r.rejected,
		BasketsFired:    r.baskets,
		LLMCalls:        r.llmCalls,
		RealizedPnL:     realizedPnL,
		Equity:          equity,
		KillSwitchTrips: r.killTrips,
		GeneratedAt:     now,
	}
	r.signals, r.suppressed, r.filled, r.rejected = 0, 0, 0, 0
	r.baskets, r.llmCalls, r.killTrips = 0, 0, 0
	r.mu.Unlock()

	if r.sink != nil {
		if err := r.sink.RecordDaily(ctx, report); err != nil {
			r.logger.Error().Err(err).Msg("Daily metrics row failed")
		}
	}

	key := "reports:eod:" + report.Date
	if err := r.store.SetJSON(ctx, key, report, 7*24*time.Hour); err != nil {
		r.logger.Warn().Err(err).Msg("Report cache write failed")
	}

	if r.cfg.ReportDir != "" {
		if err := r.writeFile(report); err != nil {
			r.logger.Warn().Err(err).Msg("Report file write failed")
		}
	}

	if r.notify != nil {
		r.notify.Notify("info", "EOD report "+report.Date, fmt.Sprintf(
			"signals %d, suppressed %d, fills %d, baskets %d, pnl %.2f, equity %.2f",
			report.SignalsEmitted, report.Suppressed, report.OrdersFilled,
			report.BasketsFired, report.RealizedPnL, report.Equity))
	}

	r.logger.Info().Str("date", report.Date).Int("signals", report.SignalsEmitted).
		Int("fills", report.OrdersFilled).Float64("pnl", report.RealizedPnL).
		Msg("EOD report generated")

	return report, nil
}

func (r *Reporter) writeFile(report Report) error {
	if err := os.MkdirAll(r.cfg.ReportDir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(r.cfg.ReportDir, "eod_"+report.Date+".json")
	return os.WriteFile(path, data, 0o644)
}
