package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"equities-trading-bot/config"
	"equities-trading-bot/internal/broker"
	"equities-trading-bot/internal/coord"
	"equities-trading-bot/internal/marketclock"
	"equities-trading-bot/internal/signal"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

type scriptedBroker struct {
	results []broker.OrderResult
	errs    []error
	calls   []broker.OrderRequest
}

func (b *scriptedBroker) SubmitMarketOrder(_ context.Context, req broker.OrderRequest) (broker.OrderResult, error) {
	i := len(b.calls)
	b.calls = append(b.calls, req)
	if i < len(b.errs) && b.errs[i] != nil {
		return broker.OrderResult{}, b.errs[i]
	}
	if i < len(b.results) {
		return b.results[i], nil
	}
	return broker.OrderResult{OrderID: "ord-1", Status: broker.StatusAccepted, FilledPrice: 100}, nil
}

func (b *scriptedBroker) GetPositions(context.Context) ([]broker.Position, error) { return nil, nil }
func (b *scriptedBroker) GetAccount(context.Context) (broker.Account, error) {
	return broker.Account{}, nil
}
func (b *scriptedBroker) CancelOrder(context.Context, string) error { return nil }

type recordingLedger struct {
	fills    []string
	releases []string
}

func (l *recordingLedger) OnFill(signalID, _ string, _ signal.Side, _, _, _ float64) {
	l.fills = append(l.fills, signalID)
}

func (l *recordingLedger) Release(signalID string) {
	l.releases = append(l.releases, signalID)
}

type testRig struct {
	d      *Dispatcher
	broker *scriptedBroker
	ledger *recordingLedger
	sleeps []time.Duration
}

func newRig(t *testing.T, cfg config.TradingConfig, b *scriptedBroker) *testRig {
	t.Helper()
	clock := marketclock.NewFake(time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC))
	cal, err := marketclock.NewCalendar("America/New_York", nil)
	if err != nil {
		t.Fatal(err)
	}
	store := coord.NewStore(nil, clock, zerolog.Nop())
	ledger := &recordingLedger{}

	rig := &testRig{broker: b, ledger: ledger}
	rig.d = New(cfg, b, store, ledger, nil, nil, cal, clock, zerolog.Nop())
	rig.d.sleep = func(_ context.Context, d time.Duration) error {
		rig.sleeps = append(rig.sleeps, d)
		return nil
	}
	return rig
}

func testIntent(id string) signal.Intent {
	return signal.Intent{
		SignalID: id,
		Symbol:   "NVDA",
		Side:     signal.SideLong,
		Qty:      decimal.NewFromInt(10),
		Entry:    100,
		Stop:     98.5,
		Target:   103,
	}
}

func TestDispatchDuplicateSkipsBroker(t *testing.T) {
	rig := newRig(t, config.TradingConfig{AutoMode: true, OrderRetryAttempts: 3}, &scriptedBroker{})
	ctx := context.Background()
	intent := testIntent("sig-1")

	first, err := rig.d.Dispatch(ctx, intent)
	if err != nil {
		t.Fatal(err)
	}
	if first.Status != broker.StatusAccepted {
		t.Fatalf("first status = %s", first.Status)
	}

	second, err := rig.d.Dispatch(ctx, intent)
	if err != nil {
		t.Fatal(err)
	}
	if second.Status != broker.StatusDuplicate {
		t.Errorf("second status = %s, want duplicate", second.Status)
	}
	if len(rig.broker.calls) != 1 {
		t.Errorf("broker calls = %d, want 1 (duplicate must not reach broker)", len(rig.broker.calls))
	}
	if len(rig.ledger.fills) != 1 || len(rig.ledger.releases) != 1 {
		t.Errorf("fills = %d, releases = %d; want 1 and 1", len(rig.ledger.fills), len(rig.ledger.releases))
	}
}

func TestDispatchLogOnlyWhenAutoModeOff(t *testing.T) {
	rig := newRig(t, config.TradingConfig{AutoMode: false, OrderRetryAttempts: 3}, &scriptedBroker{})

	result, err := rig.d.Dispatch(context.Background(), testIntent("sig-1"))
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != StatusLogOnly {
		t.Errorf("status = %s, want log_only", result.Status)
	}
	if len(rig.broker.calls) != 0 {
		t.Error("auto mode off must not reach the broker")
	}
	if len(rig.ledger.releases) != 1 {
		t.Error("log-only intent must release its reservation")
	}
}

func TestDispatchRetriesTransientErrors(t *testing.T) {
	b := &scriptedBroker{
		errs: []error{errors.New("connection reset"), errors.New("timeout"), nil},
		results: []broker.OrderResult{
			{}, {},
			{OrderID: "ord-1", Status: broker.StatusAccepted, FilledPrice: 100.1},
		},
	}
	rig := newRig(t, config.TradingConfig{AutoMode: true, OrderRetryAttempts: 3}, b)

	result, err := rig.d.Dispatch(context.Background(), testIntent("sig-1"))
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != broker.StatusAccepted {
		t.Errorf("status = %s, want accepted after retries", result.Status)
	}
	if len(rig.broker.calls) != 3 {
		t.Errorf("broker calls = %d, want 3", len(rig.broker.calls))
	}
	want := []time.Duration{1 * time.Second, 2 * time.Second}
	if len(rig.sleeps) != len(want) {
		t.Fatalf("backoffs = %v, want %v", rig.sleeps, want)
	}
	for i := range want {
		if rig.sleeps[i] != want[i] {
			t.Errorf("backoff[%d] = %v, want %v", i, rig.sleeps[i], want[i])
		}
	}
}

func TestDispatchExhaustedRetriesReleases(t *testing.T) {
	b := &scriptedBroker{
		errs: []error{errors.New("down"), errors.New("down"), errors.New("down")},
	}
	rig := newRig(t, config.TradingConfig{AutoMode: true, OrderRetryAttempts: 3}, b)

	if _, err := rig.d.Dispatch(context.Background(), testIntent("sig-1")); err == nil {
		t.Fatal("expected error after exhausted retries")
	}
	if len(rig.ledger.releases) != 1 {
		t.Error("failed dispatch must release the reservation")
	}
	if len(rig.ledger.fills) != 0 {
		t.Error("failed dispatch must not fill")
	}
}

func TestDispatchQueuesForOpenWhenClosed(t *testing.T) {
	b := &scriptedBroker{
		results: []broker.OrderResult{
			{Status: broker.StatusMarketClosed},
			{OrderID: "ord-opg", Status: broker.StatusAccepted, FilledPrice: 100},
		},
	}
	rig := newRig(t, config.TradingConfig{AutoMode: true, OrderRetryAttempts: 3, QueueForOpen: true}, b)

	result, err := rig.d.Dispatch(context.Background(), testIntent("sig-1"))
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != broker.StatusAccepted {
		t.Errorf("status = %s, want accepted via opening auction", result.Status)
	}
	if len(rig.broker.calls) != 2 {
		t.Fatalf("broker calls = %d, want 2", len(rig.broker.calls))
	}
	if rig.broker.calls[1].TimeInForce != broker.TIFOpen {
		t.Errorf("requeued TIF = %s, want opg", rig.broker.calls[1].TimeInForce)
	}
}

func TestDispatchDroppedWhenClosedAndNotQueueing(t *testing.T) {
	b := &scriptedBroker{
		results: []broker.OrderResult{{Status: broker.StatusMarketClosed}},
	}
	rig := newRig(t, config.TradingConfig{AutoMode: true, OrderRetryAttempts: 3}, b)

	result, err := rig.d.Dispatch(context.Background(), testIntent("sig-1"))
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != broker.StatusMarketClosed {
		t.Errorf("status = %s, want market_closed", result.Status)
	}
	if len(rig.ledger.releases) != 1 {
		t.Error("dropped intent must release its reservation")
	}
}

func TestDispatchRejectedReleases(t *testing.T) {
	b := &scriptedBroker{
		results: []broker.OrderResult{{Status: broker.StatusRejected, Reason: "not tradable"}},
	}
	rig := newRig(t, config.TradingConfig{AutoMode: true, OrderRetryAttempts: 3}, b)

	result, err := rig.d.Dispatch(context.Background(), testIntent("sig-1"))
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != broker.StatusRejected {
		t.Errorf("status = %s, want rejected", result.Status)
	}
	if len(rig.ledger.releases) != 1 || len(rig.ledger.fills) != 0 {
		t.Error("rejected order must release and never fill")
	}
}

func TestDispatchBracketAttached(t *testing.T) {
	rig := newRig(t, config.TradingConfig{AutoMode: true, OrderRetryAttempts: 3}, &scriptedBroker{})

	if _, err := rig.d.Dispatch(context.Background(), testIntent("sig-1")); err != nil {
		t.Fatal(err)
	}
	req := rig.broker.calls[0]
	if req.Bracket == nil {
		t.Fatal("bracket must be attached")
	}
	if req.Bracket.Stop != 98.5 || req.Bracket.Target != 103 {
		t.Errorf("bracket = %+v, want 98.5/103", req.Bracket)
	}
	if req.IdempotencyKey == "" {
		t.Error("idempotency key must be set")
	}
}
