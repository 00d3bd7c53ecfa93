package risk

import (
	"math"
	"testing"
	"time"

	"equities-trading-bot/config"
	"equities-trading-bot/internal/marketclock"
	"equities-trading-bot/internal/signal"
	"equities-trading-bot/internal/suppress"

	"github.com/rs/zerolog"
)

func testRiskConfig() config.RiskConfig {
	return config.RiskConfig{
		RiskPerTrade:      0.005,
		MaxConcurrentRisk: 0.02,
		DailyLossLimit:    0.02,
		MaxPositions:      4,
		MinSlots:          3,
		MaxEquityExposure: 0.8,
		InverseShrink:     0.5,
		WarnFraction:      0.8,
	}
}

func newTestManager(t *testing.T, trading config.TradingConfig) *Manager {
	t.Helper()
	clock := marketclock.NewFake(time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC))
	return NewManager(testRiskConfig(), trading, []string{"SQQQ", "SOXS"}, clock, nil, zerolog.Nop())
}

// approx absorbs float round-off from pnl and risk arithmetic.
func approx(got, want float64) bool {
	return math.Abs(got-want) <= 1e-9
}

func candidate(id string, entry, stop, confidence float64) signal.Candidate {
	return signal.Candidate{
		ID:         id,
		Symbol:     "NVDA",
		Side:       signal.SideLong,
		Score:      0.4,
		Confidence: confidence,
		Entry:      entry,
		Stop:       stop,
		Target:     entry * 1.03,
	}
}

func TestReserveAndSizeFormula(t *testing.T) {
	m := newTestManager(t, config.TradingConfig{MaxPricePerShare: 120})
	m.SetEquity(50_000)

	// risk_amount = 50000 * 0.005 = 250; size_risk = 250 / 1.5 = 166.67;
	// size_cap = 50000 * 0.8 / 3 / 100 = 133.33; min then floor -> 133.
	intent, reason, detail := m.ReserveAndSize(candidate("sig-1", 100, 98.5, 1.0), "NVDA")
	if reason != suppress.ReasonNone {
		t.Fatalf("unexpected rejection: %s (%s)", reason, detail)
	}
	if got := intent.Qty.IntPart(); got != 133 {
		t.Errorf("qty = %d, want 133", got)
	}
	if intent.Fractional {
		t.Error("fractional must be off")
	}
}

func TestReserveAndSizeConfidenceScales(t *testing.T) {
	m := newTestManager(t, config.TradingConfig{MaxPricePerShare: 120})
	m.SetEquity(50_000)

	// Half confidence halves risk_amount: 125 / 1.5 = 83.33 -> 83.
	intent, reason, _ := m.ReserveAndSize(candidate("sig-1", 100, 98.5, 0.5), "NVDA")
	if reason != suppress.ReasonNone {
		t.Fatalf("unexpected rejection: %s", reason)
	}
	if got := intent.Qty.IntPart(); got != 83 {
		t.Errorf("qty = %d, want 83", got)
	}
}

func TestReserveAndSizeInverseShrink(t *testing.T) {
	m := newTestManager(t, config.TradingConfig{MaxPricePerShare: 120})
	m.SetEquity(50_000)

	c := candidate("sig-1", 100, 98.5, 1.0)
	c.Symbol = "SQQQ"
	c.Side = signal.SideLong

	// Same numbers as the formula test, shrunk by 0.5: 133.33 * 0.5 -> 66.
	intent, reason, _ := m.ReserveAndSize(c, "SQQQ")
	if reason != suppress.ReasonNone {
		t.Fatalf("unexpected rejection: %s", reason)
	}
	if got := intent.Qty.IntPart(); got != 66 {
		t.Errorf("inverse qty = %d, want 66", got)
	}
}

func TestReserveAndSizeOneShareFloor(t *testing.T) {
	m := newTestManager(t, config.TradingConfig{MaxPricePerShare: 120})
	m.SetEquity(1_000)

	// risk_amount = 5; size_risk = 0.5 -> floors to 0 -> floor of 1 share.
	intent, reason, _ := m.ReserveAndSize(candidate("sig-1", 100, 90, 1.0), "NVDA")
	if reason != suppress.ReasonNone {
		t.Fatalf("unexpected rejection: %s", reason)
	}
	if got := intent.Qty.IntPart(); got != 1 {
		t.Errorf("qty = %d, want 1-share floor", got)
	}
}

func TestReserveAndSizePricePerShareGuard(t *testing.T) {
	m := newTestManager(t, config.TradingConfig{MaxPricePerShare: 120})
	m.SetEquity(50_000)

	_, reason, _ := m.ReserveAndSize(candidate("sig-1", 150, 147, 1.0), "NVDA")
	if reason != suppress.ReasonRiskFeasibility {
		t.Errorf("reason = %s, want risk_feasibility for entry above cap", reason)
	}

	// Fractional mode lifts the guard and keeps the fractional quantity.
	mf := newTestManager(t, config.TradingConfig{FractionalShares: true, MaxPricePerShare: 120})
	mf.SetEquity(50_000)
	intent, reason, _ := mf.ReserveAndSize(candidate("sig-2", 150, 147, 1.0), "NVDA")
	if reason != suppress.ReasonNone {
		t.Fatalf("fractional entry rejected: %s", reason)
	}
	if !intent.Fractional {
		t.Error("intent must be fractional")
	}
}

func TestFeasibilityConcurrentRiskBoundary(t *testing.T) {
	m := newTestManager(t, config.TradingConfig{MaxPricePerShare: 120})
	m.SetEquity(100_000)

	// Open risk of exactly 1.5%: 300 shares, $5 stop distance.
	m.OnFill("sig-0", "AAPL", signal.SideLong, 300, 100, 95)

	// Candidate risk 0.5% lands exactly on the 2% cap: accepted.
	if reason, detail := m.Feasibility(candidate("sig-1", 100, 99, 1.0)); reason != suppress.ReasonNone {
		t.Errorf("boundary candidate rejected: %s (%s)", reason, detail)
	}

	// Push open risk to 1.6%: the same candidate now breaches the cap.
	m2 := newTestManager(t, config.TradingConfig{MaxPricePerShare: 120})
	m2.SetEquity(100_000)
	m2.OnFill("sig-0", "AAPL", signal.SideLong, 320, 100, 95)
	if reason, _ := m2.Feasibility(candidate("sig-1", 100, 99, 1.0)); reason != suppress.ReasonRiskFeasibility {
		t.Errorf("over-cap candidate passed, reason = %s", reason)
	}
}

func TestFeasibilityProjectedDailyLoss(t *testing.T) {
	m := newTestManager(t, config.TradingConfig{MaxPricePerShare: 120})
	m.SetEquity(100_000)

	// Realize a 1.98% loss: under the 2% limit, so no kill switch.
	m.OnFill("sig-0", "TSLA", signal.SideLong, 500, 100, 96)
	m.OnClose("TSLA", 96.04)
	if m.KillSwitchActive() {
		t.Fatal("kill switch must not trip at -1.98%")
	}

	// A 0.5% candidate would project the day to -2.48%: rejected.
	if reason, _ := m.Feasibility(candidate("sig-1", 100, 99, 1.0)); reason != suppress.ReasonRiskFeasibility {
		t.Errorf("projected-loss candidate passed, reason = %s", reason)
	}
}

func TestFeasibilityMaxPositions(t *testing.T) {
	m := newTestManager(t, config.TradingConfig{MaxPricePerShare: 120})
	m.SetEquity(1_000_000)

	for i, sym := range []string{"AAPL", "MSFT", "AMZN", "GOOGL"} {
		m.OnFill("sig", sym, signal.SideLong, float64(i+1), 100, 99.9)
	}
	if reason, _ := m.Feasibility(candidate("sig-1", 100, 99, 1.0)); reason != suppress.ReasonRiskFeasibility {
		t.Errorf("fifth position passed, reason = %s", reason)
	}
}

func TestKillSwitchTripAndReset(t *testing.T) {
	m := newTestManager(t, config.TradingConfig{MaxPricePerShare: 120})
	m.SetEquity(100_000)

	m.OnFill("sig-0", "META", signal.SideLong, 500, 100, 96)
	m.OnClose("META", 96) // -2000 = exactly -2%

	if !m.KillSwitchActive() {
		t.Fatal("kill switch must trip at the daily loss limit")
	}
	if reason, _ := m.Feasibility(candidate("sig-1", 100, 99, 1.0)); reason != suppress.ReasonKillSwitch {
		t.Errorf("reason = %s, want kill_switch", reason)
	}
	if _, reason, _ := m.ReserveAndSize(candidate("sig-2", 100, 99, 1.0), "NVDA"); reason != suppress.ReasonKillSwitch {
		t.Errorf("sizing reason = %s, want kill_switch", reason)
	}

	m.DailyReset(100_000)
	if m.KillSwitchActive() {
		t.Error("daily reset must clear the kill switch")
	}
	if reason, _ := m.Feasibility(candidate("sig-3", 100, 99, 1.0)); reason != suppress.ReasonNone {
		t.Errorf("post-reset candidate rejected: %s", reason)
	}
}

func TestReleaseFreesReservedRisk(t *testing.T) {
	m := newTestManager(t, config.TradingConfig{MaxPricePerShare: 120})
	m.SetEquity(100_000)

	intent, reason, _ := m.ReserveAndSize(candidate("sig-1", 100, 99, 1.0), "NVDA")
	if reason != suppress.ReasonNone {
		t.Fatalf("unexpected rejection: %s", reason)
	}
	before := m.Snapshot().CurrentRiskPct
	if before <= 0 {
		t.Fatal("reservation must hold risk")
	}

	m.Release(intent.SignalID)
	if after := m.Snapshot().CurrentRiskPct; !approx(after, 0) {
		t.Errorf("risk after release = %f, want 0", after)
	}
}

func TestShortCloseRealizesInvertedPnL(t *testing.T) {
	m := newTestManager(t, config.TradingConfig{MaxPricePerShare: 120})
	m.SetEquity(100_000)

	m.OnFill("sig-0", "SQQQ", signal.SideLong, 100, 20, 19.6)
	m.OnClose("SQQQ", 20.4)
	if snap := m.Snapshot(); !approx(snap.RealizedPnL, 40) {
		t.Errorf("long pnl = %f, want 40", snap.RealizedPnL)
	}

	m.OnFill("sig-1", "NVDA", signal.SideShort, 50, 100, 102)
	m.OnClose("NVDA", 99)
	if snap := m.Snapshot(); !approx(snap.RealizedPnL, 90) {
		t.Errorf("pnl after short cover = %f, want 90", snap.RealizedPnL)
	}
}
