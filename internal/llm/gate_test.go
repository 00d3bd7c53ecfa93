package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"equities-trading-bot/config"
	"equities-trading-bot/internal/coord"
	"equities-trading-bot/internal/marketclock"
	"equities-trading-bot/internal/signal"

	"github.com/rs/zerolog"
)

type fakeService struct {
	calls   int
	insight Insight
	err     error
}

func (s *fakeService) Analyze(_ context.Context, _ string, _ Context) (Insight, error) {
	s.calls++
	if s.err != nil {
		return Insight{}, s.err
	}
	return s.insight, nil
}

type gateRig struct {
	gate    *Gate
	service *fakeService
	store   *coord.Store
	clock   *marketclock.FakeClock
}

func newGateRig(t *testing.T, cfg config.LLMConfig) *gateRig {
	t.Helper()
	clock := marketclock.NewFake(time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC))
	cal, err := marketclock.NewCalendar("America/New_York", nil)
	if err != nil {
		t.Fatal(err)
	}
	store := coord.NewStore(nil, clock, zerolog.Nop())
	service := &fakeService{insight: Insight{Sentiment: -0.6, Confidence: 0.7, Trigger: "guidance cut"}}
	return &gateRig{
		gate:    NewGate(cfg, service, store, cal, clock, zerolog.Nop()),
		service: service,
		store:   store,
		clock:   clock,
	}
}

func gateConfig() config.LLMConfig {
	return config.LLMConfig{
		Enabled:           true,
		DailyCallCap:      3,
		CacheTTLMins:      30,
		MonthlyCostCapUSD: 1.0,
		CostPerCallUSD:    0.25,
		GateMinScore:      0.5,
	}
}

func TestShouldCall(t *testing.T) {
	rig := newGateRig(t, gateConfig())
	cases := []struct {
		name      string
		eventType string
		score     float64
		want      bool
		denial    DenialReason
	}{
		{"allowed event weak score", signal.EventEdgar, 0.1, true, DenyNone},
		{"no event strong score", "", 0.55, true, DenyNone},
		{"no event strong negative score", "", -0.55, true, DenyNone},
		{"no event weak score", "", 0.3, false, DenyEventNotAllowed},
		{"unknown event weak score", "earnings_whisper", 0.3, false, DenyEventNotAllowed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ok, denial := rig.gate.ShouldCall(tc.eventType, tc.score)
			if ok != tc.want || denial != tc.denial {
				t.Errorf("ShouldCall = (%v, %s), want (%v, %s)", ok, denial, tc.want, tc.denial)
			}
		})
	}
}

func TestShouldCallDisabled(t *testing.T) {
	cfg := gateConfig()
	cfg.Enabled = false
	rig := newGateRig(t, cfg)
	if ok, denial := rig.gate.ShouldCall(signal.EventEdgar, 0.9); ok || denial != DenyDisabled {
		t.Errorf("ShouldCall = (%v, %s), want (false, disabled)", ok, denial)
	}
}

func TestConsultCachesPerEventAndTicker(t *testing.T) {
	rig := newGateRig(t, gateConfig())
	ctx := context.Background()

	first := rig.gate.Consult(ctx, "NVDA", signal.EventEdgar, 0.2, "8-K filed")
	if !first.Used || first.FromCache {
		t.Fatalf("first = %+v, want fresh insight", first)
	}

	second := rig.gate.Consult(ctx, "NVDA", signal.EventEdgar, 0.2, "8-K filed")
	if !second.Used || !second.FromCache {
		t.Fatalf("second = %+v, want cache hit", second)
	}
	if second.Insight.Trigger != first.Insight.Trigger {
		t.Errorf("cached trigger = %q, want %q", second.Insight.Trigger, first.Insight.Trigger)
	}
	if rig.service.calls != 1 {
		t.Errorf("service calls = %d, want 1", rig.service.calls)
	}

	// A different ticker or event type misses the cache.
	rig.gate.Consult(ctx, "AAPL", signal.EventEdgar, 0.2, "8-K filed")
	rig.gate.Consult(ctx, "NVDA", signal.EventVolSpike, 0.2, "volatility spike")
	if rig.service.calls != 3 {
		t.Errorf("service calls = %d, want 3", rig.service.calls)
	}
}

func TestConsultDailyCap(t *testing.T) {
	cfg := gateConfig()
	cfg.DailyCallCap = 2
	rig := newGateRig(t, cfg)
	ctx := context.Background()

	tickers := []string{"NVDA", "AAPL", "MSFT"}
	var outcomes []Outcome
	for _, ticker := range tickers {
		outcomes = append(outcomes, rig.gate.Consult(ctx, ticker, signal.EventEdgar, 0.2, "filing"))
	}

	if !outcomes[0].Used || !outcomes[1].Used {
		t.Fatalf("first two consults should succeed: %+v %+v", outcomes[0], outcomes[1])
	}
	third := outcomes[2]
	if third.Used || third.Denial != DenyDailyCap {
		t.Fatalf("third = %+v, want daily_cap denial", third)
	}
	if !third.BudgetDenied {
		t.Error("edgar consult over budget must set BudgetDenied")
	}
	if rig.service.calls != 2 {
		t.Errorf("service calls = %d, want 2", rig.service.calls)
	}
}

func TestBudgetDenialOnlyForRequiredEvents(t *testing.T) {
	cfg := gateConfig()
	cfg.DailyCallCap = 0
	rig := newGateRig(t, cfg)

	// Score-justified consult without a qualifying event: denied, but the
	// candidate proceeds with neutral sentiment rather than being gated.
	out := rig.gate.Consult(context.Background(), "NVDA", "", 0.8, "strong composite")
	if out.Used || out.Denial != DenyDailyCap {
		t.Fatalf("outcome = %+v, want daily_cap denial", out)
	}
	if out.BudgetDenied {
		t.Error("score-only consult must not set BudgetDenied")
	}
}

func TestConsultMonthlyCostCap(t *testing.T) {
	cfg := gateConfig()
	cfg.MonthlyCostCapUSD = 0.5
	cfg.CostPerCallUSD = 0.25
	rig := newGateRig(t, cfg)
	ctx := context.Background()

	// Two calls reach the cap; the third is refused before the daily
	// counter is touched.
	for i, ticker := range []string{"NVDA", "AAPL"} {
		if out := rig.gate.Consult(ctx, ticker, signal.EventEdgar, 0.2, "filing"); !out.Used {
			t.Fatalf("consult %d denied: %+v", i, out)
		}
	}
	out := rig.gate.Consult(ctx, "MSFT", signal.EventEdgar, 0.2, "filing")
	if out.Used || out.Denial != DenyMonthlyCost {
		t.Fatalf("outcome = %+v, want monthly_cost_cap denial", out)
	}
	if !out.BudgetDenied {
		t.Error("required event over the cost cap must set BudgetDenied")
	}
	if rig.service.calls != 2 {
		t.Errorf("service calls = %d, want 2", rig.service.calls)
	}
}

func TestConsultCallFailureNotCached(t *testing.T) {
	rig := newGateRig(t, gateConfig())
	rig.service.err = errors.New("upstream 529")
	ctx := context.Background()

	out := rig.gate.Consult(ctx, "NVDA", signal.EventEdgar, 0.2, "filing")
	if out.Used || out.Denial != DenyCallFailed {
		t.Fatalf("outcome = %+v, want call_failed", out)
	}
	if out.BudgetDenied {
		t.Error("call failure is not a budget denial")
	}

	// The failure is not cached; a later attempt calls again.
	rig.service.err = nil
	out = rig.gate.Consult(ctx, "NVDA", signal.EventEdgar, 0.2, "filing")
	if !out.Used || out.FromCache {
		t.Fatalf("retry outcome = %+v, want fresh insight", out)
	}
	if rig.service.calls != 2 {
		t.Errorf("service calls = %d, want 2", rig.service.calls)
	}
}
